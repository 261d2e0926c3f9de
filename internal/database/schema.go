package database

// StateSchema holds the schema for state.db: sessions, positions, pending
// orders, ingested signals and the quote cache. Everything here is mutable
// operational state; the immutable trade history lives in ledger.db.
const StateSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	user_id          INTEGER NOT NULL,
	active           INTEGER NOT NULL DEFAULT 1,
	started_at       TEXT NOT NULL,
	ended_at         TEXT,
	initial_capital  REAL NOT NULL,
	current_capital  REAL NOT NULL,
	peak_capital     REAL NOT NULL,
	max_positions    INTEGER NOT NULL,
	open_positions   INTEGER NOT NULL DEFAULT 0,
	risk_pct         REAL NOT NULL,
	total_trades     INTEGER NOT NULL DEFAULT 0,
	wins             INTEGER NOT NULL DEFAULT 0,
	losses           INTEGER NOT NULL DEFAULT 0,
	total_pnl        REAL NOT NULL DEFAULT 0,
	max_drawdown_pct REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(active);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS positions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	symbol         TEXT NOT NULL,
	entry_at       TEXT NOT NULL,
	entry_price    REAL NOT NULL,
	shares         INTEGER NOT NULL,
	entry_value    REAL NOT NULL,
	target_price   REAL NOT NULL,
	stop_loss      REAL NOT NULL,
	trailing_stop  REAL,
	tier           TEXT NOT NULL,
	confidence     REAL NOT NULL,
	risk_reward    REAL NOT NULL,
	current_price  REAL NOT NULL,
	unrealized_pnl REAL NOT NULL DEFAULT 0,
	highest_price  REAL NOT NULL,
	days_held      INTEGER NOT NULL DEFAULT 0,
	open           INTEGER NOT NULL DEFAULT 1,
	closed_at      TEXT
);

-- At most one OPEN position per (session, symbol)
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_symbol
	ON positions(session_id, symbol) WHERE open = 1;
CREATE INDEX IF NOT EXISTS idx_positions_session ON positions(session_id);

CREATE TABLE IF NOT EXISTS pending_orders (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	symbol      TEXT NOT NULL,
	requested_by INTEGER NOT NULL,
	signal      TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'PENDING',
	position_id INTEGER,
	error       TEXT,
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	executed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_pending_orders_status ON pending_orders(status);

CREATE TABLE IF NOT EXISTS signals (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol            TEXT NOT NULL,
	tier              TEXT NOT NULL,
	confidence        REAL NOT NULL,
	price_at_analysis REAL NOT NULL,
	target_price      REAL NOT NULL,
	stop_loss         REAL NOT NULL,
	risk_reward       REAL NOT NULL,
	analyzed_at       TEXT NOT NULL,
	created_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_analyzed_at ON signals(analyzed_at);

CREATE TABLE IF NOT EXISTS price_cache (
	symbol     TEXT PRIMARY KEY,
	price      REAL NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// LedgerSchema holds the schema for ledger.db: the append-only record of
// completed position lifecycles. Rows are inserted once at exit and never
// updated or deleted.
const LedgerSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	shares      INTEGER NOT NULL,
	entry_price REAL NOT NULL,
	exit_price  REAL NOT NULL,
	entry_value REAL NOT NULL,
	exit_value  REAL NOT NULL,
	entry_at    TEXT NOT NULL,
	exit_at     TEXT NOT NULL,
	exit_reason TEXT NOT NULL,
	pnl         REAL NOT NULL,
	pnl_pct     REAL NOT NULL,
	r_multiple  REAL NOT NULL,
	days_held   INTEGER NOT NULL,
	winner      INTEGER NOT NULL,
	tier        TEXT NOT NULL,
	confidence  REAL NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_session ON trades(session_id);
CREATE INDEX IF NOT EXISTS idx_trades_exit_at ON trades(exit_at);
`

// schemas maps database names to their schema, applied by DB.Migrate.
var schemas = map[string]string{
	"state":  StateSchema,
	"ledger": LedgerSchema,
}
