package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"oms/internal/core"
)

// FetchAPIKey resolves a caller's x_api_key to its row; inactive keys are
// treated as absent.
func (s *Store) FetchAPIKey(ctx context.Context, q Querier, key string) (*core.APIKey, error) {
	var k core.APIKey
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, key, role, status FROM api_keys
		WHERE key = ? AND status = 'active'`, key).
		Scan(&k.ID, &k.UserID, &k.Key, &k.Role, &k.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch api key: %w", err)
	}
	return &k, nil
}

// FetchAPIKeyAccountPermissions returns the permission row binding an api
// key to an account, or ErrNotFound when no grant exists.
func (s *Store) FetchAPIKeyAccountPermissions(ctx context.Context, q Querier, apiKeyID, accountID int64) (*core.AccountPermission, error) {
	var p core.AccountPermission
	var canRead, canTrade int
	err := q.QueryRowContext(ctx, `
		SELECT api_key_id, account_id, can_read, can_trade
		FROM api_key_account_permissions
		WHERE api_key_id = ? AND account_id = ?`, apiKeyID, accountID).
		Scan(&p.APIKeyID, &p.AccountID, &canRead, &canTrade)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account permission: %w", err)
	}
	p.CanRead = canRead != 0
	p.CanTrade = canTrade != 0
	return &p, nil
}

// APIKeyStrategyAllowed reports whether the api key may act on the strategy.
// A key with no strategy grants at all is unrestricted; once any grant
// exists, the strategy must be explicitly granted.
func (s *Store) APIKeyStrategyAllowed(ctx context.Context, q Querier, apiKeyID, strategyID int64, trade bool) (bool, error) {
	var total int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_key_strategy_permissions WHERE api_key_id = ?`,
		apiKeyID).Scan(&total)
	if err != nil {
		return false, fmt.Errorf("failed to count strategy permissions: %w", err)
	}
	if total == 0 {
		return true, nil
	}

	col := "can_read"
	if trade {
		col = "can_trade"
	}
	var allowed int
	err = q.QueryRowContext(ctx, `
		SELECT `+col+` FROM api_key_strategy_permissions
		WHERE api_key_id = ? AND strategy_id = ?`, apiKeyID, strategyID).Scan(&allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch strategy permission: %w", err)
	}
	return allowed != 0, nil
}

// UpsertAPIKeyAccountPermission grants or updates account access for a key.
func (s *Store) UpsertAPIKeyAccountPermission(ctx context.Context, q Querier, p *core.AccountPermission) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO api_key_account_permissions (api_key_id, account_id, can_read, can_trade)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (api_key_id, account_id) DO UPDATE SET
			can_read = excluded.can_read,
			can_trade = excluded.can_trade`,
		p.APIKeyID, p.AccountID, boolToInt(p.CanRead), boolToInt(p.CanTrade))
	if err != nil {
		return fmt.Errorf("failed to upsert account permission: %w", err)
	}
	return nil
}

// ListAPIKeyAccountPermissions returns all account grants of one api key.
func (s *Store) ListAPIKeyAccountPermissions(ctx context.Context, q Querier, apiKeyID int64) ([]*core.AccountPermission, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT api_key_id, account_id, can_read, can_trade
		FROM api_key_account_permissions WHERE api_key_id = ? ORDER BY account_id`, apiKeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list account permissions: %w", err)
	}
	defer rows.Close()

	var out []*core.AccountPermission
	for rows.Next() {
		var p core.AccountPermission
		var canRead, canTrade int
		if err := rows.Scan(&p.APIKeyID, &p.AccountID, &canRead, &canTrade); err != nil {
			return nil, fmt.Errorf("failed to scan account permission: %w", err)
		}
		p.CanRead = canRead != 0
		p.CanTrade = canTrade != 0
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CreateAPIKey inserts an api key row and returns its id.
func (s *Store) CreateAPIKey(ctx context.Context, q Querier, k *core.APIKey, label string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO api_keys (user_id, key, role, status, label, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		k.UserID, k.Key, k.Role, k.Status, label, nowMs())
	if err != nil {
		return 0, fmt.Errorf("failed to insert api key: %w", err)
	}
	return res.LastInsertId()
}

// UpdateAPIKey updates role and status of an api key.
func (s *Store) UpdateAPIKey(ctx context.Context, q Querier, apiKeyID int64, role core.Role, status string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE api_keys SET role = ?, status = ? WHERE id = ?`,
		role, status, apiKeyID)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	return requireRow(res)
}

// ListAPIKeysByUser returns all api keys of a user.
func (s *Store) ListAPIKeysByUser(ctx context.Context, q Querier, userID int64) ([]*core.APIKey, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, key, role, status FROM api_keys
		WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []*core.APIKey
	for rows.Next() {
		var k core.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Key, &k.Role, &k.Status); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

// ListUsers returns all users.
func (s *Store) ListUsers(ctx context.Context, q Querier) ([]*core.User, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, email, name, password_hash, password_salt, role, status
		FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*core.User
	for rows.Next() {
		var u core.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.PasswordSalt, &u.Role, &u.Status); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// CreateUser inserts a user and returns its id.
func (s *Store) CreateUser(ctx context.Context, q Querier, u *core.User) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO users (email, name, password_hash, password_salt, role, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Email, u.Name, u.PasswordHash, u.PasswordSalt, u.Role, u.Status, nowMs())
	if err != nil {
		return 0, fmt.Errorf("failed to insert user: %w", err)
	}
	return res.LastInsertId()
}

// FetchUserByEmail resolves a login email to the user row.
func (s *Store) FetchUserByEmail(ctx context.Context, q Querier, email string) (*core.User, error) {
	var u core.User
	err := q.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, password_salt, role, status
		FROM users WHERE email = ? AND status = 'active'`, email).
		Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.PasswordSalt, &u.Role, &u.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &u, nil
}

// FetchUser loads one user by id.
func (s *Store) FetchUser(ctx context.Context, q Querier, userID int64) (*core.User, error) {
	var u core.User
	err := q.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, password_salt, role, status
		FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.PasswordSalt, &u.Role, &u.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &u, nil
}

// UpdateUserProfile updates the display name of a user.
func (s *Store) UpdateUserProfile(ctx context.Context, q Querier, userID int64, name string) error {
	res, err := q.ExecContext(ctx, `UPDATE users SET name = ? WHERE id = ?`, name, userID)
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	return requireRow(res)
}

// UpdateUserPassword swaps in a new salted password hash.
func (s *Store) UpdateUserPassword(ctx context.Context, q Querier, userID int64, hash, salt string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, password_salt = ? WHERE id = ?`,
		hash, salt, userID)
	if err != nil {
		return fmt.Errorf("failed to update user password: %w", err)
	}
	return requireRow(res)
}

// InsertAuthToken persists an opaque bearer token for a user session.
func (s *Store) InsertAuthToken(ctx context.Context, q Querier, token string, userID int64, expiresAtMs int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO auth_tokens (token, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)`, token, userID, expiresAtMs, nowMs())
	if err != nil {
		return fmt.Errorf("failed to insert auth token: %w", err)
	}
	return nil
}

// FetchAuthTokenUser resolves a non-expired token to its user id.
func (s *Store) FetchAuthTokenUser(ctx context.Context, q Querier, token string) (int64, error) {
	var userID int64
	err := q.QueryRowContext(ctx,
		`SELECT user_id FROM auth_tokens WHERE token = ? AND expires_at > ?`,
		token, nowMs()).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch auth token: %w", err)
	}
	return userID, nil
}
