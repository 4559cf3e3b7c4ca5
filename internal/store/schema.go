package store

// All quantities, prices and PnL are stored as TEXT holding exact decimals;
// all timestamps are INTEGER unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    exchange_id TEXT NOT NULL,
    position_mode TEXT NOT NULL DEFAULT 'hedge',
    status TEXT NOT NULL DEFAULT 'active',
    is_testnet INTEGER NOT NULL DEFAULT 0,
    pool_id TEXT NOT NULL DEFAULT 'ccxt',
    dispatcher_worker_hint INTEGER NOT NULL DEFAULT -1,
    extra_config TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account_credentials (
    account_id INTEGER PRIMARY KEY REFERENCES accounts(id),
    api_key_enc TEXT NOT NULL DEFAULT '',
    secret_enc TEXT NOT NULL DEFAULT '',
    passphrase_enc TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account_risk_state (
    account_id INTEGER PRIMARY KEY REFERENCES accounts(id),
    allow_new_positions INTEGER NOT NULL DEFAULT 1,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    client_strategy_id TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    allow_new_positions INTEGER,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_accounts (
    strategy_id INTEGER NOT NULL REFERENCES strategies(id),
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    UNIQUE (strategy_id, account_id)
);

CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL DEFAULT '',
    password_salt TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'readonly',
    status TEXT NOT NULL DEFAULT 'active',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL DEFAULT 0,
    key TEXT NOT NULL UNIQUE,
    role TEXT NOT NULL DEFAULT 'readonly',
    status TEXT NOT NULL DEFAULT 'active',
    label TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_key_account_permissions (
    api_key_id INTEGER NOT NULL REFERENCES api_keys(id),
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    can_read INTEGER NOT NULL DEFAULT 1,
    can_trade INTEGER NOT NULL DEFAULT 0,
    UNIQUE (api_key_id, account_id)
);

CREATE TABLE IF NOT EXISTS api_key_strategy_permissions (
    api_key_id INTEGER NOT NULL REFERENCES api_keys(id),
    strategy_id INTEGER NOT NULL REFERENCES strategies(id),
    can_read INTEGER NOT NULL DEFAULT 1,
    can_trade INTEGER NOT NULL DEFAULT 0,
    UNIQUE (api_key_id, strategy_id)
);

CREATE TABLE IF NOT EXISTS auth_tokens (
    token TEXT PRIMARY KEY,
    user_id INTEGER NOT NULL REFERENCES users(id),
    expires_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS position_commands (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    command_type TEXT NOT NULL,
    request_id TEXT,
    payload_json TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'accepted',
    error_message TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS command_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    pool_id TEXT NOT NULL,
    command_id INTEGER NOT NULL REFERENCES position_commands(id),
    status TEXT NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    available_at INTEGER NOT NULL,
    locked_by TEXT NOT NULL DEFAULT '',
    locked_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_command_queue_claim
    ON command_queue (pool_id, status, available_at, id);

CREATE TABLE IF NOT EXISTS position_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    command_id INTEGER NOT NULL DEFAULT 0,
    strategy_id INTEGER NOT NULL DEFAULT 0,
    position_id INTEGER NOT NULL DEFAULT 0,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    qty TEXT NOT NULL,
    price TEXT,
    filled_qty TEXT NOT NULL DEFAULT '0',
    avg_fill_price TEXT,
    status TEXT NOT NULL,
    client_order_id TEXT,
    exchange_order_id TEXT,
    stop_loss TEXT,
    stop_gain TEXT,
    reason TEXT NOT NULL DEFAULT '',
    comment TEXT NOT NULL DEFAULT '',
    edit_replace_state TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    closed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_position_orders_exchange
    ON position_orders (account_id, exchange_order_id);
CREATE INDEX IF NOT EXISTS idx_position_orders_client
    ON position_orders (account_id, client_order_id);
CREATE INDEX IF NOT EXISTS idx_position_orders_open
    ON position_orders (account_id, status);

CREATE TABLE IF NOT EXISTS position_deals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    order_id INTEGER NOT NULL DEFAULT 0,
    position_id INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty TEXT NOT NULL,
    price TEXT NOT NULL,
    fee TEXT,
    fee_currency TEXT,
    pnl TEXT NOT NULL DEFAULT '0',
    strategy_id INTEGER NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    reconciled INTEGER NOT NULL DEFAULT 0,
    exchange_trade_id TEXT,
    created_at INTEGER NOT NULL,
    UNIQUE (account_id, exchange_trade_id)
);
CREATE INDEX IF NOT EXISTS idx_position_deals_position
    ON position_deals (position_id);

CREATE TABLE IF NOT EXISTS positions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    strategy_id INTEGER NOT NULL DEFAULT 0,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty TEXT NOT NULL,
    avg_price TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'open',
    stop_loss TEXT,
    stop_gain TEXT,
    reason TEXT NOT NULL DEFAULT '',
    comment TEXT NOT NULL DEFAULT '',
    opened_at INTEGER NOT NULL,
    closed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_positions_open
    ON positions (account_id, symbol, state);

CREATE TABLE IF NOT EXISTS position_close_locks (
    position_id INTEGER PRIMARY KEY,
    account_id INTEGER NOT NULL,
    request_id TEXT,
    expires_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliation_cursor (
    account_id INTEGER NOT NULL,
    entity TEXT NOT NULL,
    cursor_value TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (account_id, entity)
);

CREATE TABLE IF NOT EXISTS event_outbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    namespace TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_outbox_account
    ON event_outbox (account_id, id);

CREATE TABLE IF NOT EXISTS ccxt_orders_raw (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    fingerprint_hash TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (account_id, fingerprint_hash)
);

CREATE TABLE IF NOT EXISTS ccxt_trades_raw (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    fingerprint_hash TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (account_id, fingerprint_hash)
);
`
