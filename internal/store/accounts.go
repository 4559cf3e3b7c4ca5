package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"oms/internal/core"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

const accountColumns = `id, name, exchange_id, position_mode, status, is_testnet,
	pool_id, dispatcher_worker_hint, extra_config, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*core.Account, error) {
	var a core.Account
	var isTestnet int
	var createdAt int64
	err := row.Scan(&a.ID, &a.Name, &a.ExchangeID, &a.PositionMode, &a.Status,
		&isTestnet, &a.PoolID, &a.DispatcherWorkerHint, &a.ExtraConfig, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.IsTestnet = isTestnet != 0
	a.CreatedAt = msToTime(createdAt)
	return &a, nil
}

// FetchAccount loads one account by id.
func (s *Store) FetchAccount(ctx context.Context, q Querier, accountID int64) (*core.Account, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by id.
func (s *Store) ListAccounts(ctx context.Context, q Querier) ([]*core.Account, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*core.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAccount inserts a new account and returns its id.
func (s *Store) CreateAccount(ctx context.Context, q Querier, a *core.Account) (int64, error) {
	now := nowMs()
	res, err := q.ExecContext(ctx, `
		INSERT INTO accounts (name, exchange_id, position_mode, status, is_testnet,
			pool_id, dispatcher_worker_hint, extra_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, -1, ?, ?, ?)`,
		a.Name, a.ExchangeID, a.PositionMode, a.Status, boolToInt(a.IsTestnet),
		a.PoolID, a.ExtraConfig, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert account: %w", err)
	}
	return res.LastInsertId()
}

// UpdateAccount overwrites the mutable account attributes.
func (s *Store) UpdateAccount(ctx context.Context, q Querier, a *core.Account) error {
	res, err := q.ExecContext(ctx, `
		UPDATE accounts SET name = ?, exchange_id = ?, position_mode = ?, status = ?,
			is_testnet = ?, pool_id = ?, extra_config = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.ExchangeID, a.PositionMode, a.Status, boolToInt(a.IsTestnet),
		a.PoolID, a.ExtraConfig, nowMs(), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return requireRow(res)
}

// FetchAccountDispatcherWorkerHint returns the persisted sticky worker slot,
// or -1 when unassigned.
func (s *Store) FetchAccountDispatcherWorkerHint(ctx context.Context, q Querier, accountID int64) (int, error) {
	var hint int
	err := q.QueryRowContext(ctx,
		`SELECT dispatcher_worker_hint FROM accounts WHERE id = ?`, accountID).Scan(&hint)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, ErrNotFound
	}
	if err != nil {
		return -1, fmt.Errorf("failed to fetch worker hint: %w", err)
	}
	return hint, nil
}

// SetAccountDispatcherWorkerHint persists the sticky worker assignment.
func (s *Store) SetAccountDispatcherWorkerHint(ctx context.Context, q Querier, accountID int64, hint int) error {
	_, err := q.ExecContext(ctx,
		`UPDATE accounts SET dispatcher_worker_hint = ?, updated_at = ? WHERE id = ?`,
		hint, nowMs(), accountID)
	if err != nil {
		return fmt.Errorf("failed to set worker hint: %w", err)
	}
	return nil
}

// FetchCredentials loads the stored (possibly encrypted) credentials.
func (s *Store) FetchCredentials(ctx context.Context, q Querier, accountID int64) (*core.Credentials, error) {
	var c core.Credentials
	c.AccountID = accountID
	err := q.QueryRowContext(ctx, `
		SELECT api_key_enc, secret_enc, passphrase_enc
		FROM account_credentials WHERE account_id = ?`, accountID).
		Scan(&c.APIKey, &c.Secret, &c.Passphrase)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch credentials: %w", err)
	}
	return &c, nil
}

// UpsertCredentials stores the credential ciphertext for an account.
func (s *Store) UpsertCredentials(ctx context.Context, q Querier, c *core.Credentials) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO account_credentials (account_id, api_key_enc, secret_enc, passphrase_enc, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			api_key_enc = excluded.api_key_enc,
			secret_enc = excluded.secret_enc,
			passphrase_enc = excluded.passphrase_enc,
			updated_at = excluded.updated_at`,
		c.AccountID, c.APIKey, c.Secret, c.Passphrase, nowMs())
	if err != nil {
		return fmt.Errorf("failed to upsert credentials: %w", err)
	}
	return nil
}

// FetchAllowNewPositions reads the account-level risk flag; a missing row
// means allowed.
func (s *Store) FetchAllowNewPositions(ctx context.Context, q Querier, accountID int64) (bool, error) {
	var allow int
	err := q.QueryRowContext(ctx,
		`SELECT allow_new_positions FROM account_risk_state WHERE account_id = ?`,
		accountID).Scan(&allow)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch risk state: %w", err)
	}
	return allow != 0, nil
}

// SetAllowNewPositions sets the account-level risk flag.
func (s *Store) SetAllowNewPositions(ctx context.Context, q Querier, accountID int64, allow bool) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO account_risk_state (account_id, allow_new_positions, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			allow_new_positions = excluded.allow_new_positions,
			updated_at = excluded.updated_at`,
		accountID, boolToInt(allow), nowMs())
	if err != nil {
		return fmt.Errorf("failed to set risk state: %w", err)
	}
	return nil
}

// SetAccountStatus flips an account between active and blocked.
func (s *Store) SetAccountStatus(ctx context.Context, q Querier, accountID int64, status core.AccountStatus) error {
	res, err := q.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowMs(), accountID)
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	return requireRow(res)
}

// CreateStrategy inserts a strategy and returns its id.
func (s *Store) CreateStrategy(ctx context.Context, q Querier, st *core.Strategy) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO strategies (name, client_strategy_id, status, allow_new_positions, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		st.Name, nullStr(st.ClientStrategyID), st.Status, nullBool(st.AllowNewPositions), nowMs())
	if err != nil {
		return 0, fmt.Errorf("failed to insert strategy: %w", err)
	}
	return res.LastInsertId()
}

// UpdateStrategy overwrites the mutable strategy attributes.
func (s *Store) UpdateStrategy(ctx context.Context, q Querier, st *core.Strategy) error {
	res, err := q.ExecContext(ctx, `
		UPDATE strategies SET name = ?, client_strategy_id = ?, status = ?, allow_new_positions = ?
		WHERE id = ?`,
		st.Name, nullStr(st.ClientStrategyID), st.Status, nullBool(st.AllowNewPositions), st.ID)
	if err != nil {
		return fmt.Errorf("failed to update strategy: %w", err)
	}
	return requireRow(res)
}

// FetchStrategy loads one strategy by id.
func (s *Store) FetchStrategy(ctx context.Context, q Querier, strategyID int64) (*core.Strategy, error) {
	var st core.Strategy
	var clientID sql.NullString
	var allow sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT id, name, client_strategy_id, status, allow_new_positions
		FROM strategies WHERE id = ?`, strategyID).
		Scan(&st.ID, &st.Name, &clientID, &st.Status, &allow)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch strategy: %w", err)
	}
	st.ClientStrategyID = clientID.String
	if allow.Valid {
		b := allow.Int64 != 0
		st.AllowNewPositions = &b
	}
	return &st, nil
}

// ListStrategies returns all strategies ordered by id.
func (s *Store) ListStrategies(ctx context.Context, q Querier) ([]*core.Strategy, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, client_strategy_id, status, allow_new_positions
		FROM strategies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	var out []*core.Strategy
	for rows.Next() {
		var st core.Strategy
		var clientID sql.NullString
		var allow sql.NullInt64
		if err := rows.Scan(&st.ID, &st.Name, &clientID, &st.Status, &allow); err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		st.ClientStrategyID = clientID.String
		if allow.Valid {
			b := allow.Int64 != 0
			st.AllowNewPositions = &b
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// SetStrategyAllowNewPositions sets (or clears, with nil) the strategy-level
// override of the account risk flag.
func (s *Store) SetStrategyAllowNewPositions(ctx context.Context, q Querier, strategyID int64, allow *bool) error {
	res, err := q.ExecContext(ctx,
		`UPDATE strategies SET allow_new_positions = ? WHERE id = ?`,
		nullBool(allow), strategyID)
	if err != nil {
		return fmt.Errorf("failed to set strategy risk flag: %w", err)
	}
	return requireRow(res)
}

// LinkStrategyAccount records that a strategy trades on an account.
func (s *Store) LinkStrategyAccount(ctx context.Context, q Querier, strategyID, accountID int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO strategy_accounts (strategy_id, account_id) VALUES (?, ?)`,
		strategyID, accountID)
	if err != nil {
		return fmt.Errorf("failed to link strategy account: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
