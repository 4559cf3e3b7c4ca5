package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"oms/internal/core"
)

const dealColumns = `id, account_id, order_id, position_id, symbol, side, qty, price,
	fee, fee_currency, pnl, strategy_id, reason, reconciled, exchange_trade_id, created_at`

func scanDeal(row interface{ Scan(...any) error }) (*core.Deal, error) {
	var d core.Deal
	var qty, price, pnl string
	var fee, feeCurrency, tradeID sql.NullString
	var reconciled int
	var createdAt int64

	err := row.Scan(&d.ID, &d.AccountID, &d.OrderID, &d.PositionID, &d.Symbol, &d.Side,
		&qty, &price, &fee, &feeCurrency, &pnl, &d.StrategyID, &d.Reason, &reconciled,
		&tradeID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan deal: %w", err)
	}

	if d.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("bad qty on deal %d: %w", d.ID, err)
	}
	if d.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("bad price on deal %d: %w", d.ID, err)
	}
	if d.PnL, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("bad pnl on deal %d: %w", d.ID, err)
	}
	if d.Fee, err = nullDecimal(fee); err != nil {
		return nil, fmt.Errorf("bad fee on deal %d: %w", d.ID, err)
	}
	d.FeeCurrency = feeCurrency.String
	d.ExchangeTradeID = tradeID.String
	d.Reconciled = reconciled != 0
	d.CreatedAt = msToTime(createdAt)
	return &d, nil
}

// InsertPositionDeal records one fill or internal transfer and returns its id.
func (s *Store) InsertPositionDeal(ctx context.Context, q Querier, d *core.Deal) (int64, error) {
	var feeCur any
	if d.FeeCurrency != "" {
		feeCur = d.FeeCurrency
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO position_deals (account_id, order_id, position_id, symbol, side,
			qty, price, fee, fee_currency, pnl, strategy_id, reason, reconciled,
			exchange_trade_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.AccountID, d.OrderID, d.PositionID, d.Symbol, d.Side,
		d.Qty.String(), d.Price.String(), decimalPtr(d.Fee), feeCur, d.PnL.String(),
		d.StrategyID, d.Reason, boolToInt(d.Reconciled), nullStr(d.ExchangeTradeID), nowMs())
	if err != nil {
		return 0, fmt.Errorf("failed to insert deal: %w", err)
	}
	return res.LastInsertId()
}

// DealExistsByExchangeTradeID reports whether the trade was already
// projected for the account.
func (s *Store) DealExistsByExchangeTradeID(ctx context.Context, q Querier, accountID int64, exchangeTradeID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM position_deals WHERE account_id = ? AND exchange_trade_id = ?`,
		accountID, exchangeTradeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe deal: %w", err)
	}
	return true, nil
}

// ListDeals returns the account's deals, newest first.
func (s *Store) ListDeals(ctx context.Context, q Querier, accountID int64, limit int) ([]*core.Deal, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+dealColumns+` FROM position_deals
		WHERE account_id = ? ORDER BY id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deals: %w", err)
	}
	defer rows.Close()

	var out []*core.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDealsByPosition returns the deals linked to a position, oldest first.
func (s *Store) ListDealsByPosition(ctx context.Context, q Querier, positionID int64) ([]*core.Deal, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+dealColumns+` FROM position_deals
		WHERE position_id = ? ORDER BY id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list position deals: %w", err)
	}
	defer rows.Close()

	var out []*core.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReassignDealsStrategy moves the account's deals from one strategy to
// another.
func (s *Store) ReassignDealsStrategy(ctx context.Context, q Querier, accountID, fromStrategyID, toStrategyID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE position_deals SET strategy_id = ? WHERE account_id = ? AND strategy_id = ?`,
		toStrategyID, accountID, fromStrategyID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign deals: %w", err)
	}
	return res.RowsAffected()
}

// ReassignDealsStrategyByOrder moves the deals of one order onto a strategy.
func (s *Store) ReassignDealsStrategyByOrder(ctx context.Context, q Querier, orderID, toStrategyID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE position_deals SET strategy_id = ? WHERE order_id = ?`,
		toStrategyID, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign order deals: %w", err)
	}
	return res.RowsAffected()
}
