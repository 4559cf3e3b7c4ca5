package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"oms/internal/core"
)

// InsertPositionCommand materializes an accepted command and returns its id.
func (s *Store) InsertPositionCommand(ctx context.Context, q Querier, c *core.PositionCommand) (int64, error) {
	now := nowMs()
	res, err := q.ExecContext(ctx, `
		INSERT INTO position_commands (account_id, command_type, request_id, payload_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'accepted', ?, ?)`,
		c.AccountID, c.CommandType, nullStr(c.RequestID), c.PayloadJSON, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position command: %w", err)
	}
	return res.LastInsertId()
}

// FetchPositionCommand loads one command by id.
func (s *Store) FetchPositionCommand(ctx context.Context, q Querier, commandID int64) (*core.PositionCommand, error) {
	var c core.PositionCommand
	var requestID sql.NullString
	var createdAt int64
	err := q.QueryRowContext(ctx, `
		SELECT id, account_id, command_type, request_id, payload_json, status, error_message, created_at
		FROM position_commands WHERE id = ?`, commandID).
		Scan(&c.ID, &c.AccountID, &c.CommandType, &requestID, &c.PayloadJSON, &c.Status, &c.Error, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch position command: %w", err)
	}
	c.RequestID = requestID.String
	c.CreatedAt = msToTime(createdAt)
	return &c, nil
}

// MarkCommandCompleted transitions a command to its successful terminal state.
func (s *Store) MarkCommandCompleted(ctx context.Context, q Querier, commandID int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE position_commands SET status = 'completed', updated_at = ? WHERE id = ?`,
		nowMs(), commandID)
	if err != nil {
		return fmt.Errorf("failed to mark command completed: %w", err)
	}
	return requireRow(res)
}

// MarkCommandFailed transitions a command to its failed terminal state.
func (s *Store) MarkCommandFailed(ctx context.Context, q Querier, commandID int64, errMsg string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE position_commands SET status = 'failed', error_message = ?, updated_at = ? WHERE id = ?`,
		errMsg, nowMs(), commandID)
	if err != nil {
		return fmt.Errorf("failed to mark command failed: %w", err)
	}
	return requireRow(res)
}

// EnqueueCommand appends a queued row for the command.
func (s *Store) EnqueueCommand(ctx context.Context, q Querier, accountID int64, poolID string, commandID int64) (int64, error) {
	now := nowMs()
	res, err := q.ExecContext(ctx, `
		INSERT INTO command_queue (account_id, pool_id, command_id, status, attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', 0, ?, ?, ?)`,
		accountID, poolID, commandID, now, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue command: %w", err)
	}
	return res.LastInsertId()
}

// ClaimedItem is the result of a successful queue claim.
type ClaimedItem struct {
	QueueID   int64
	CommandID int64
	AccountID int64
	Attempts  int
}

// ClaimNextQueueItem atomically claims the oldest due queued row of a pool.
// The single-statement UPDATE..RETURNING plays the role of
// FOR UPDATE SKIP LOCKED: concurrent claimers never receive the same row.
// Accounts with a row already in processing are skipped entirely, so
// commands for one account execute strictly serially in submission order no
// matter how many workers drain the pool. Returns nil when nothing is due.
func (s *Store) ClaimNextQueueItem(ctx context.Context, q Querier, poolID, workerID string) (*ClaimedItem, error) {
	now := nowMs()
	var item ClaimedItem
	err := q.QueryRowContext(ctx, `
		UPDATE command_queue
		SET status = 'processing', attempts = attempts + 1,
			locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM command_queue
			WHERE pool_id = ? AND status = 'queued' AND available_at <= ?
			  AND account_id NOT IN (
				SELECT account_id FROM command_queue WHERE status = 'processing'
			  )
			ORDER BY id LIMIT 1
		)
		RETURNING id, command_id, account_id, attempts`,
		workerID, now, now, poolID, now).
		Scan(&item.QueueID, &item.CommandID, &item.AccountID, &item.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue item: %w", err)
	}
	return &item, nil
}

// MarkQueueDone finishes a claimed row successfully.
func (s *Store) MarkQueueDone(ctx context.Context, q Querier, queueID int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE command_queue SET status = 'done', locked_by = '', locked_at = NULL, updated_at = ? WHERE id = ?`,
		nowMs(), queueID)
	if err != nil {
		return fmt.Errorf("failed to mark queue done: %w", err)
	}
	return requireRow(res)
}

// MarkQueueFailed returns a claimed row to queued with a retry delay.
func (s *Store) MarkQueueFailed(ctx context.Context, q Querier, queueID int64, delaySeconds int) error {
	now := nowMs()
	res, err := q.ExecContext(ctx, `
		UPDATE command_queue SET status = 'queued', locked_by = '', locked_at = NULL,
			available_at = ?, updated_at = ?
		WHERE id = ?`,
		now+int64(delaySeconds)*1000, now, queueID)
	if err != nil {
		return fmt.Errorf("failed to mark queue failed: %w", err)
	}
	return requireRow(res)
}

// MarkQueueDead dead-letters a claimed row; it will never be retried.
func (s *Store) MarkQueueDead(ctx context.Context, q Querier, queueID int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE command_queue SET status = 'failed', locked_by = '', locked_at = NULL, updated_at = ? WHERE id = ?`,
		nowMs(), queueID)
	if err != nil {
		return fmt.Errorf("failed to mark queue dead: %w", err)
	}
	return requireRow(res)
}

// QueueDepth counts rows still waiting or in flight for a pool.
func (s *Store) QueueDepth(ctx context.Context, q Querier, poolID string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_queue WHERE pool_id = ? AND status IN ('queued', 'processing')`,
		poolID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return n, nil
}
