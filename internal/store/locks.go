package store

import (
	"context"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// CleanupExpiredCloseLocks drops close-locks past their TTL.
func (s *Store) CleanupExpiredCloseLocks(ctx context.Context, q Querier) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM position_close_locks WHERE expires_at <= ?`, nowMs())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup close locks: %w", err)
	}
	return res.RowsAffected()
}

// AcquireClosePositionLock inserts a live lock for the position. Returns
// false when another close is already holding it.
func (s *Store) AcquireClosePositionLock(ctx context.Context, q Querier, accountID, positionID int64, requestID string, ttlSeconds int) (bool, error) {
	now := nowMs()
	_, err := q.ExecContext(ctx, `
		INSERT INTO position_close_locks (position_id, account_id, request_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		positionID, accountID, nullStr(requestID), now+int64(ttlSeconds)*1000, now)
	if err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok &&
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire close lock: %w", err)
	}
	return true, nil
}

// ReleaseClosePositionLock drops the lock after the close completes.
func (s *Store) ReleaseClosePositionLock(ctx context.Context, q Querier, positionID int64) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM position_close_locks WHERE position_id = ?`, positionID)
	if err != nil {
		return fmt.Errorf("failed to release close lock: %w", err)
	}
	return nil
}
