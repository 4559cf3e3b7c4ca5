package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"oms/internal/core"
)

const orderColumns = `id, account_id, command_id, strategy_id, position_id, symbol, side,
	order_type, qty, price, filled_qty, avg_fill_price, status, client_order_id,
	exchange_order_id, stop_loss, stop_gain, reason, comment, edit_replace_state,
	created_at, closed_at`

func scanOrder(row interface{ Scan(...any) error }) (*core.Order, error) {
	var o core.Order
	var qty, filled string
	var price, avgFill, stopLoss, stopGain sql.NullString
	var clientID, exchangeID sql.NullString
	var createdAt int64
	var closedAt sql.NullInt64

	err := row.Scan(&o.ID, &o.AccountID, &o.CommandID, &o.StrategyID, &o.PositionID,
		&o.Symbol, &o.Side, &o.OrderType, &qty, &price, &filled, &avgFill, &o.Status,
		&clientID, &exchangeID, &stopLoss, &stopGain, &o.Reason, &o.Comment,
		&o.EditReplaceState, &createdAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	if o.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("bad qty on order %d: %w", o.ID, err)
	}
	if o.FilledQty, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("bad filled_qty on order %d: %w", o.ID, err)
	}
	if o.Price, err = nullDecimal(price); err != nil {
		return nil, fmt.Errorf("bad price on order %d: %w", o.ID, err)
	}
	if o.AvgFillPrice, err = nullDecimal(avgFill); err != nil {
		return nil, fmt.Errorf("bad avg_fill_price on order %d: %w", o.ID, err)
	}
	if o.StopLoss, err = nullDecimal(stopLoss); err != nil {
		return nil, fmt.Errorf("bad stop_loss on order %d: %w", o.ID, err)
	}
	if o.StopGain, err = nullDecimal(stopGain); err != nil {
		return nil, fmt.Errorf("bad stop_gain on order %d: %w", o.ID, err)
	}
	o.ClientOrderID = clientID.String
	o.ExchangeOrderID = exchangeID.String
	o.CreatedAt = msToTime(createdAt)
	if closedAt.Valid {
		t := msToTime(closedAt.Int64)
		o.ClosedAt = &t
	}
	return &o, nil
}

func nullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalPtr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// InsertOrderPendingSubmit pre-creates the local order row for a send_order
// command and returns its id.
func (s *Store) InsertOrderPendingSubmit(ctx context.Context, q Querier, o *core.Order) (int64, error) {
	now := nowMs()
	res, err := q.ExecContext(ctx, `
		INSERT INTO position_orders (account_id, command_id, strategy_id, position_id,
			symbol, side, order_type, qty, price, filled_qty, status, client_order_id,
			stop_loss, stop_gain, reason, comment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '0', 'PENDING_SUBMIT', ?, ?, ?, ?, ?, ?, ?)`,
		o.AccountID, o.CommandID, o.StrategyID, o.PositionID, o.Symbol, o.Side,
		o.OrderType, o.Qty.String(), decimalPtr(o.Price), nullStr(o.ClientOrderID),
		decimalPtr(o.StopLoss), decimalPtr(o.StopGain), o.Reason, o.Comment, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending order: %w", err)
	}
	return res.LastInsertId()
}

// InsertExternalOrder materializes an order for exchange activity the OMS did
// not originate. Status reflects what the exchange already did with it.
func (s *Store) InsertExternalOrder(ctx context.Context, q Querier, o *core.Order) (int64, error) {
	now := nowMs()
	res, err := q.ExecContext(ctx, `
		INSERT INTO position_orders (account_id, command_id, strategy_id, position_id,
			symbol, side, order_type, qty, price, filled_qty, status, client_order_id,
			exchange_order_id, reason, created_at, updated_at)
		VALUES (?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.AccountID, o.StrategyID, o.PositionID, o.Symbol, o.Side, o.OrderType,
		o.Qty.String(), decimalPtr(o.Price), o.FilledQty.String(), o.Status,
		nullStr(o.ClientOrderID), nullStr(o.ExchangeOrderID), o.Reason, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert external order: %w", err)
	}
	return res.LastInsertId()
}

// FetchOrderByID loads one order.
func (s *Store) FetchOrderByID(ctx context.Context, q Querier, orderID int64) (*core.Order, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM position_orders WHERE id = ?`, orderID)
	return scanOrder(row)
}

// FetchOrderForCommandSend loads the PENDING_SUBMIT order pre-created by the
// intake for a send_order command.
func (s *Store) FetchOrderForCommandSend(ctx context.Context, q Querier, commandID int64) (*core.Order, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM position_orders
		WHERE command_id = ? AND status = 'PENDING_SUBMIT'
		ORDER BY id LIMIT 1`, commandID)
	return scanOrder(row)
}

// MarkOrderSubmittedExchange records the exchange-side id after create_order.
func (s *Store) MarkOrderSubmittedExchange(ctx context.Context, q Querier, orderID int64, exchangeOrderID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE position_orders SET status = 'SUBMITTED', exchange_order_id = ?, updated_at = ?
		WHERE id = ?`, exchangeOrderID, nowMs(), orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order submitted: %w", err)
	}
	return requireRow(res)
}

// MarkOrderSubmittedExchangeWithValues also overwrites qty/price, used by the
// change_order edit and replace paths.
func (s *Store) MarkOrderSubmittedExchangeWithValues(ctx context.Context, q Querier, orderID int64, exchangeOrderID string, qty decimal.Decimal, price *decimal.Decimal) error {
	res, err := q.ExecContext(ctx, `
		UPDATE position_orders SET status = 'SUBMITTED', exchange_order_id = ?,
			qty = ?, price = ?, edit_replace_state = '', updated_at = ?
		WHERE id = ?`,
		exchangeOrderID, qty.String(), decimalPtr(price), nowMs(), orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order submitted with values: %w", err)
	}
	return requireRow(res)
}

// MarkOrderRejected terminally rejects an order.
func (s *Store) MarkOrderRejected(ctx context.Context, q Querier, orderID int64, reason string) error {
	now := nowMs()
	// Already-terminal orders stay untouched.
	_, err := q.ExecContext(ctx, `
		UPDATE position_orders SET status = 'REJECTED', comment = ?, updated_at = ?, closed_at = ?
		WHERE id = ? AND status NOT IN ('FILLED', 'CANCELED', 'REJECTED')`,
		reason, now, now, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order rejected: %w", err)
	}
	return nil
}

// MarkOrderCanceled terminally cancels an order.
func (s *Store) MarkOrderCanceled(ctx context.Context, q Querier, orderID int64) error {
	now := nowMs()
	res, err := q.ExecContext(ctx, `
		UPDATE position_orders SET status = 'CANCELED', updated_at = ?, closed_at = ?
		WHERE id = ?`, now, now, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order canceled: %w", err)
	}
	return requireRow(res)
}

// MarkOrderCanceledEditPending cancels the exchange side of an order while a
// replacement create is in flight.
func (s *Store) MarkOrderCanceledEditPending(ctx context.Context, q Querier, orderID int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE position_orders SET edit_replace_state = ?, updated_at = ?
		WHERE id = ?`, core.EditReplacePending, nowMs(), orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order edit pending: %w", err)
	}
	return requireRow(res)
}

// MarkOrderEditReplaceFailed records that the replacement create failed.
func (s *Store) MarkOrderEditReplaceFailed(ctx context.Context, q Querier, orderID int64) error {
	now := nowMs()
	res, err := q.ExecContext(ctx, `
		UPDATE position_orders SET status = 'REJECTED', edit_replace_state = ?,
			updated_at = ?, closed_at = ?
		WHERE id = ?`, core.EditReplaceFailed, now, now, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order edit-replace failed: %w", err)
	}
	return requireRow(res)
}

// MarkOrderConsolidatedToOrphan terminally closes the original order after
// its replacement was adopted by the reconciler as an orphan.
func (s *Store) MarkOrderConsolidatedToOrphan(ctx context.Context, q Querier, orderID, orphanOrderID int64) error {
	now := nowMs()
	res, err := q.ExecContext(ctx, `
		UPDATE position_orders SET status = 'CANCELED', edit_replace_state = ?,
			comment = 'consolidated to order ' || ?, updated_at = ?, closed_at = ?
		WHERE id = ?`, core.EditReplaceConsolidated, orphanOrderID, now, now, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order consolidated: %w", err)
	}
	return requireRow(res)
}

// ListCancelableOrders returns the account's non-terminal orders with a known
// exchange id, optionally restricted to strategies.
func (s *Store) ListCancelableOrders(ctx context.Context, q Querier, accountID int64, strategyIDs []int64) ([]*core.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM position_orders
		WHERE account_id = ? AND status IN ('SUBMITTED', 'PARTIALLY_FILLED')
			AND exchange_order_id IS NOT NULL`
	args := []any{accountID}
	if len(strategyIDs) > 0 {
		query += ` AND strategy_id IN (` + placeholders(len(strategyIDs)) + `)`
		for _, id := range strategyIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cancelable orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListOpenOrders returns the account's non-terminal orders.
func (s *Store) ListOpenOrders(ctx context.Context, q Querier, accountID int64) ([]*core.Order, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM position_orders
		WHERE account_id = ? AND status IN ('PENDING_SUBMIT', 'SUBMITTED', 'PARTIALLY_FILLED')
		ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListOrdersHistory returns the account's terminal orders, newest first.
func (s *Store) ListOrdersHistory(ctx context.Context, q Querier, accountID int64, limit int) ([]*core.Order, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM position_orders
		WHERE account_id = ? AND status IN ('FILLED', 'CANCELED', 'REJECTED')
		ORDER BY id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list order history: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// FindOrderByExchangeOrderID resolves the reconciler linkage by exchange id.
func (s *Store) FindOrderByExchangeOrderID(ctx context.Context, q Querier, accountID int64, exchangeOrderID string) (*core.Order, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM position_orders
		WHERE account_id = ? AND exchange_order_id = ?
		ORDER BY id LIMIT 1`, accountID, exchangeOrderID)
	return scanOrder(row)
}

// FindOrderByClientOrderID resolves the reconciler linkage by client id.
func (s *Store) FindOrderByClientOrderID(ctx context.Context, q Querier, accountID int64, clientOrderID string) (*core.Order, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM position_orders
		WHERE account_id = ? AND client_order_id = ?
		ORDER BY id LIMIT 1`, accountID, clientOrderID)
	return scanOrder(row)
}

// FindExternalOrphanOrderForReplace probes for an external unmatched order
// the reconciler may have adopted for a just-created exchange order.
func (s *Store) FindExternalOrphanOrderForReplace(ctx context.Context, q Querier, accountID int64, exchangeOrderID, clientOrderID string, excludeOrderID int64) (*core.Order, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM position_orders
		WHERE account_id = ? AND reason = ? AND strategy_id = 0 AND id != ?
			AND ((exchange_order_id IS NOT NULL AND exchange_order_id = ?)
				OR (client_order_id IS NOT NULL AND client_order_id = ?))
		ORDER BY id LIMIT 1`,
		accountID, core.ReasonExternal, excludeOrderID,
		exchangeOrderID, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return o, err
}

// AdoptExternalOrphanOrder copies the originating order's identity onto the
// orphan during change_order consolidation.
func (s *Store) AdoptExternalOrphanOrder(ctx context.Context, q Querier, orphanID, strategyID int64, reason, comment string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE position_orders SET strategy_id = ?, reason = ?, comment = ?, updated_at = ?
		WHERE id = ?`, strategyID, reason, comment, nowMs(), orphanID)
	if err != nil {
		return fmt.Errorf("failed to adopt orphan order: %w", err)
	}
	return requireRow(res)
}

// ReassignOrdersStrategy moves the account's orders from one strategy to
// another.
func (s *Store) ReassignOrdersStrategy(ctx context.Context, q Querier, accountID, fromStrategyID, toStrategyID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE position_orders SET strategy_id = ?, updated_at = ?
		WHERE account_id = ? AND strategy_id = ?`,
		toStrategyID, nowMs(), accountID, fromStrategyID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign orders: %w", err)
	}
	return res.RowsAffected()
}

// UpdateOrderPositionLink relinks an order to a position.
func (s *Store) UpdateOrderPositionLink(ctx context.Context, q Querier, orderID, positionID int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE position_orders SET position_id = ?, updated_at = ? WHERE id = ?`,
		positionID, nowMs(), orderID)
	if err != nil {
		return fmt.Errorf("failed to relink order position: %w", err)
	}
	return requireRow(res)
}

// ApplyOrderFill accumulates a fill onto the order's filled_qty and status.
func (s *Store) ApplyOrderFill(ctx context.Context, q Querier, orderID int64, fillQty, fillPrice decimal.Decimal) error {
	o, err := s.FetchOrderByID(ctx, q, orderID)
	if err != nil {
		return err
	}

	newFilled := o.FilledQty.Add(fillQty)
	// Weighted average over the previous fills and this one.
	var newAvg decimal.Decimal
	if o.AvgFillPrice != nil {
		newAvg = o.FilledQty.Mul(*o.AvgFillPrice).Add(fillQty.Mul(fillPrice)).Div(newFilled)
	} else {
		newAvg = fillPrice
	}

	status := core.OrderPartiallyFilled
	var closedAt any
	if newFilled.GreaterThanOrEqual(o.Qty) {
		status = core.OrderFilled
		closedAt = nowMs()
	}

	res, err := q.ExecContext(ctx, `
		UPDATE position_orders SET filled_qty = ?, avg_fill_price = ?, status = ?,
			updated_at = ?, closed_at = COALESCE(?, closed_at)
		WHERE id = ?`,
		newFilled.String(), newAvg.String(), status, nowMs(), closedAt, orderID)
	if err != nil {
		return fmt.Errorf("failed to apply order fill: %w", err)
	}
	return requireRow(res)
}

// FetchOrderAccountID resolves an order to its owning account.
func (s *Store) FetchOrderAccountID(ctx context.Context, q Querier, orderID int64) (int64, error) {
	var accountID int64
	err := q.QueryRowContext(ctx,
		`SELECT account_id FROM position_orders WHERE id = ?`, orderID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch order account: %w", err)
	}
	return accountID, nil
}

// FetchOrderStrategyID resolves an order to its strategy.
func (s *Store) FetchOrderStrategyID(ctx context.Context, q Querier, orderID int64) (int64, error) {
	var strategyID int64
	err := q.QueryRowContext(ctx,
		`SELECT strategy_id FROM position_orders WHERE id = ?`, orderID).Scan(&strategyID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch order strategy: %w", err)
	}
	return strategyID, nil
}

func collectOrders(rows *sql.Rows) ([]*core.Order, error) {
	var out []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
