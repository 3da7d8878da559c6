package repository

// Schema definitions for the Talon database.
// Compatible with both SQLite and PostgreSQL.

const schemaMerchantConfigs = `
CREATE TABLE IF NOT EXISTS merchant_configs (
    merchant_id TEXT PRIMARY KEY,
    earn_bps INTEGER NOT NULL,
    redeem_limit_bps INTEGER NOT NULL,
    rules_json TEXT NOT NULL DEFAULT '[]',
    limits_json TEXT NOT NULL DEFAULT '{}',
    factors_json TEXT NOT NULL DEFAULT '{}',
    signals_json TEXT NOT NULL DEFAULT '[]',
    timezone TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL
);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    merchant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    channel TEXT NOT NULL,
    amount INTEGER NOT NULL,
    category TEXT,
    customer_id TEXT,
    staff_id TEXT,
    device_id TEXT,
    outlet_id TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(merchant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(merchant_id, customer_id);
CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(merchant_id, created_at);
`

const schemaReceipts = `
CREATE TABLE IF NOT EXISTS receipts (
    id TEXT PRIMARY KEY,
    merchant_id TEXT NOT NULL,
    outlet_id TEXT,
    device_id TEXT,
    total INTEGER NOT NULL,
    refunded INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_merchant ON receipts(merchant_id, created_at);
`

const schemaScopeEvents = `
CREATE TABLE IF NOT EXISTS scope_events (
    id TEXT PRIMARY KEY,
    merchant_id TEXT NOT NULL,
    scope TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    ts TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scope_events_key ON scope_events(merchant_id, scope, scope_id, ts);
`

const schemaFindings = `
CREATE TABLE IF NOT EXISTS findings (
    id TEXT PRIMARY KEY,
    merchant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    customer_id TEXT,
    device_id TEXT,
    outlet_id TEXT,
    evidence TEXT,
    detected_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_merchant ON findings(merchant_id, expires_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaMerchantConfigs,
		schemaTransactions,
		schemaReceipts,
		schemaScopeEvents,
		schemaFindings,
	}
}
