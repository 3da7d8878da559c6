// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loyalty-foundry/talon/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveMerchantConfig upserts a merchant's configuration record.
func (r *SQLRepository) SaveMerchantConfig(ctx context.Context, rec *domain.MerchantConfigRecord) error {
	if rec.MerchantID == "" {
		return fmt.Errorf("%w: merchantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO merchant_configs (
			merchant_id, earn_bps, redeem_limit_bps,
			rules_json, limits_json, factors_json, signals_json,
			timezone, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(merchant_id) DO UPDATE SET
			earn_bps = excluded.earn_bps,
			redeem_limit_bps = excluded.redeem_limit_bps,
			rules_json = excluded.rules_json,
			limits_json = excluded.limits_json,
			factors_json = excluded.factors_json,
			signals_json = excluded.signals_json,
			timezone = excluded.timezone,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.MerchantID, rec.EarnBps, rec.RedeemLimitBps,
		jsonOrDefault(rec.RulesJSON, "[]"),
		jsonOrDefault(rec.LimitsJSON, "{}"),
		jsonOrDefault(rec.FactorsJSON, "{}"),
		jsonOrDefault(rec.SignalsJSON, "[]"),
		rec.Timezone, rec.UpdatedAt,
	)
	return err
}

// GetMerchantConfig retrieves a merchant's configuration record.
func (r *SQLRepository) GetMerchantConfig(ctx context.Context, merchantID string) (*domain.MerchantConfigRecord, error) {
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchantID is required", ErrInvalidInput)
	}

	query := `
		SELECT merchant_id, earn_bps, redeem_limit_bps,
			   rules_json, limits_json, factors_json, signals_json,
			   timezone, updated_at
		FROM merchant_configs
		WHERE merchant_id = ?
	`

	var rec domain.MerchantConfigRecord
	var rules, limits, factors, signals string

	err := r.db.QueryRowContext(ctx, r.rebind(query), merchantID).Scan(
		&rec.MerchantID, &rec.EarnBps, &rec.RedeemLimitBps,
		&rules, &limits, &factors, &signals,
		&rec.Timezone, &rec.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.RulesJSON = []byte(rules)
	rec.LimitsJSON = []byte(limits)
	rec.FactorsJSON = []byte(factors)
	rec.SignalsJSON = []byte(signals)

	return &rec, nil
}

// ListMerchantIDs returns every merchant with stored configuration.
func (r *SQLRepository) ListMerchantIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT merchant_id FROM merchant_configs ORDER BY merchant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveTransaction stores a committed ledger row.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.MerchantID == "" {
		return fmt.Errorf("%w: merchantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, merchant_id, type, channel, amount, category,
			customer_id, staff_id, device_id, outlet_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.MerchantID, tx.Type, tx.Channel, tx.Amount, tx.Category,
		tx.CustomerID, tx.StaffID, tx.DeviceID, tx.OutletID, tx.CreatedAt,
	)
	return err
}

// ListTransactions returns the merchant's ledger rows in [from, to),
// newest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, merchantID string, from, to time.Time) ([]*domain.Transaction, error) {
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, merchant_id, type, channel, amount, category,
			   customer_id, staff_id, device_id, outlet_id, created_at
		FROM transactions
		WHERE merchant_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), merchantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(
			&tx.ID, &tx.MerchantID, &tx.Type, &tx.Channel, &tx.Amount, &tx.Category,
			&tx.CustomerID, &tx.StaffID, &tx.DeviceID, &tx.OutletID, &tx.CreatedAt,
		); err != nil {
			return nil, err
		}
		txs = append(txs, &tx)
	}
	return txs, rows.Err()
}

// SaveReceipt stores a point-of-sale receipt row.
func (r *SQLRepository) SaveReceipt(ctx context.Context, rc *domain.Receipt) error {
	if rc.MerchantID == "" {
		return fmt.Errorf("%w: merchantID is required", ErrInvalidInput)
	}

	refunded := 0
	if rc.Refunded {
		refunded = 1
	}

	query := `
		INSERT INTO receipts (
			id, merchant_id, outlet_id, device_id, total, refunded, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rc.ID, rc.MerchantID, rc.OutletID, rc.DeviceID, rc.Total, refunded, rc.CreatedAt,
	)
	return err
}

// ListReceipts returns the merchant's most recent receipts, newest first.
func (r *SQLRepository) ListReceipts(ctx context.Context, merchantID string, limit int) ([]*domain.Receipt, error) {
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT id, merchant_id, outlet_id, device_id, total, refunded, created_at
		FROM receipts
		WHERE merchant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), merchantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []*domain.Receipt
	for rows.Next() {
		var rc domain.Receipt
		var refunded int
		if err := rows.Scan(
			&rc.ID, &rc.MerchantID, &rc.OutletID, &rc.DeviceID, &rc.Total, &refunded, &rc.CreatedAt,
		); err != nil {
			return nil, err
		}
		rc.Refunded = refunded == 1
		receipts = append(receipts, &rc)
	}
	return receipts, rows.Err()
}

// AppendScopeEvent journals a scope event for durability and audit.
func (r *SQLRepository) AppendScopeEvent(ctx context.Context, ev *domain.ScopeEvent) error {
	if ev.Key.MerchantID == "" {
		return fmt.Errorf("%w: merchantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO scope_events (id, merchant_id, scope, scope_id, ts)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, ev.Key.MerchantID, ev.Key.Scope, ev.Key.ScopeID, ev.Timestamp,
	)
	return err
}

// CountScopeEvents counts journaled events for a key in (from, to].
func (r *SQLRepository) CountScopeEvents(ctx context.Context, key domain.ScopeKey, from, to time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM scope_events
		WHERE merchant_id = ? AND scope = ? AND scope_id = ? AND ts > ? AND ts <= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		key.MerchantID, key.Scope, key.ScopeID, from, to,
	).Scan(&count)
	return count, err
}

// SaveFinding upserts an anomaly finding.
func (r *SQLRepository) SaveFinding(ctx context.Context, f *domain.AnomalyFinding) error {
	if f.MerchantID == "" {
		return fmt.Errorf("%w: merchantID is required", ErrInvalidInput)
	}

	evidence, _ := json.Marshal(f.Evidence)

	query := `
		INSERT INTO findings (
			id, merchant_id, type, customer_id, device_id, outlet_id,
			evidence, detected_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			evidence = excluded.evidence,
			detected_at = excluded.detected_at,
			expires_at = excluded.expires_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		f.ID, f.MerchantID, f.Type, f.CustomerID, f.DeviceID, f.OutletID,
		string(evidence), f.DetectedAt, f.ExpiresAt,
	)
	return err
}

// ListActiveFindings returns the merchant's unexpired findings.
func (r *SQLRepository) ListActiveFindings(ctx context.Context, merchantID string, now time.Time) ([]*domain.AnomalyFinding, error) {
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, merchant_id, type, customer_id, device_id, outlet_id,
			   evidence, detected_at, expires_at
		FROM findings
		WHERE merchant_id = ? AND expires_at > ?
		ORDER BY detected_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), merchantID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []*domain.AnomalyFinding
	for rows.Next() {
		var f domain.AnomalyFinding
		var evidence string
		if err := rows.Scan(
			&f.ID, &f.MerchantID, &f.Type, &f.CustomerID, &f.DeviceID, &f.OutletID,
			&evidence, &f.DetectedAt, &f.ExpiresAt,
		); err != nil {
			return nil, err
		}
		if evidence != "" {
			json.Unmarshal([]byte(evidence), &f.Evidence)
		}
		findings = append(findings, &f)
	}
	return findings, rows.Err()
}

// DeleteFinding removes a finding, typically after an operator clears it.
func (r *SQLRepository) DeleteFinding(ctx context.Context, merchantID, findingID string) error {
	query := `DELETE FROM findings WHERE merchant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), merchantID, findingID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func jsonOrDefault(raw []byte, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}
