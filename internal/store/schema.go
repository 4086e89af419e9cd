package store

// postgresSchema is applied by PostgresStore.Migrate. Every statement is
// idempotent. Money and quantities are NUMERIC for exact decimal precision.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS user_settings (
		id          INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		principal   NUMERIC NOT NULL,
		split_count INT NOT NULL,
		target_rate NUMERIC NOT NULL,
		symbols     TEXT NOT NULL,
		is_active   BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cycle_status (
		id                BIGSERIAL PRIMARY KEY,
		symbol            TEXT NOT NULL UNIQUE,
		current_cycle_day INT NOT NULL DEFAULT 0,
		total_bought_qty  NUMERIC NOT NULL DEFAULT 0,
		avg_price         NUMERIC NOT NULL DEFAULT 0,
		total_invested    NUMERIC NOT NULL DEFAULT 0,
		last_advanced_at  TIMESTAMPTZ,
		last_action       TEXT NOT NULL DEFAULT 'HOLD',
		last_action_at    TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_account (
		id                INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		cash              NUMERIC NOT NULL CHECK (cash >= 0),
		last_execution_at TIMESTAMPTZ,
		last_sync_at      TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		symbol     TEXT PRIMARY KEY,
		quantity   NUMERIC NOT NULL CHECK (quantity >= 0),
		cost_basis NUMERIC NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tax_lots (
		id            TEXT PRIMARY KEY,
		symbol        TEXT NOT NULL,
		side          TEXT NOT NULL,
		quantity      NUMERIC NOT NULL,
		price         NUMERIC NOT NULL,
		cost_basis    NUMERIC NOT NULL,
		realized_gain NUMERIC NOT NULL DEFAULT 0,
		tax           NUMERIC NOT NULL DEFAULT 0,
		source        TEXT NOT NULL,
		executed_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tax_lots_symbol ON tax_lots(symbol, executed_at)`,
	`CREATE TABLE IF NOT EXISTS trade_log (
		id          TEXT PRIMARY KEY,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		quantity    NUMERIC NOT NULL,
		price       NUMERIC NOT NULL,
		amount      NUMERIC NOT NULL,
		profit      NUMERIC NOT NULL DEFAULT 0,
		source      TEXT NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_log_executed ON trade_log(executed_at)`,
}

// sqliteSchema mirrors postgresSchema. Decimals are TEXT, timestamps are
// unix milliseconds.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS user_settings (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		principal   TEXT NOT NULL,
		split_count INTEGER NOT NULL,
		target_rate TEXT NOT NULL,
		symbols     TEXT NOT NULL,
		is_active   INTEGER NOT NULL DEFAULT 0,
		updated_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cycle_status (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol            TEXT NOT NULL UNIQUE,
		current_cycle_day INTEGER NOT NULL DEFAULT 0,
		total_bought_qty  TEXT NOT NULL DEFAULT '0',
		avg_price         TEXT NOT NULL DEFAULT '0',
		total_invested    TEXT NOT NULL DEFAULT '0',
		last_advanced_at  INTEGER,
		last_action       TEXT NOT NULL DEFAULT 'HOLD',
		last_action_at    INTEGER,
		created_at        INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_account (
		id                INTEGER PRIMARY KEY CHECK (id = 1),
		cash              TEXT NOT NULL,
		last_execution_at INTEGER,
		last_sync_at      INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		symbol     TEXT PRIMARY KEY,
		quantity   TEXT NOT NULL,
		cost_basis TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tax_lots (
		id            TEXT PRIMARY KEY,
		symbol        TEXT NOT NULL,
		side          TEXT NOT NULL,
		quantity      TEXT NOT NULL,
		price         TEXT NOT NULL,
		cost_basis    TEXT NOT NULL,
		realized_gain TEXT NOT NULL DEFAULT '0',
		tax           TEXT NOT NULL DEFAULT '0',
		source        TEXT NOT NULL,
		executed_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tax_lots_symbol ON tax_lots(symbol, executed_at)`,
	`CREATE TABLE IF NOT EXISTS trade_log (
		id          TEXT PRIMARY KEY,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		quantity    TEXT NOT NULL,
		price       TEXT NOT NULL,
		amount      TEXT NOT NULL,
		profit      TEXT NOT NULL DEFAULT '0',
		source      TEXT NOT NULL,
		executed_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_log_executed ON trade_log(executed_at)`,
}
