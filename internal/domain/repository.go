package domain

import (
	"context"
	"time"
)

// Repository is the persistence contract: merchant configuration, the
// transaction/receipt ledger, the scope-event journal and findings.
type Repository interface {
	// Merchant configuration
	SaveMerchantConfig(ctx context.Context, rec *MerchantConfigRecord) error
	GetMerchantConfig(ctx context.Context, merchantID string) (*MerchantConfigRecord, error)
	ListMerchantIDs(ctx context.Context) ([]string, error)

	// Ledger
	SaveTransaction(ctx context.Context, tx *Transaction) error
	ListTransactions(ctx context.Context, merchantID string, from, to time.Time) ([]*Transaction, error)
	SaveReceipt(ctx context.Context, rc *Receipt) error
	ListReceipts(ctx context.Context, merchantID string, limit int) ([]*Receipt, error)

	// Scope-event journal (write-behind mirror of the in-memory store)
	AppendScopeEvent(ctx context.Context, ev *ScopeEvent) error
	CountScopeEvents(ctx context.Context, key ScopeKey, from, to time.Time) (int64, error)

	// Findings
	SaveFinding(ctx context.Context, f *AnomalyFinding) error
	ListActiveFindings(ctx context.Context, merchantID string, now time.Time) ([]*AnomalyFinding, error)
	DeleteFinding(ctx context.Context, merchantID, findingID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
