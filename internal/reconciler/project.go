package reconciler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/shopspring/decimal"

	"oms/internal/core"
	"oms/internal/store"
)

func tradeStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func tradeDecimal(m map[string]any, key string) (decimal.Decimal, bool) {
	switch v := m[key].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// normalizeTrade extracts the required fields from a ccxt trade dict. Trades
// missing symbol, side, amount, price or an id are dropped.
func normalizeTrade(m map[string]any) (*core.NormalizedTrade, bool) {
	info, _ := m["info"].(map[string]any)
	if info == nil {
		info = map[string]any{}
	}

	nt := &core.NormalizedTrade{
		TradeID: tradeStr(m, "id"),
		Symbol:  tradeStr(m, "symbol"),
	}
	if nt.TradeID == "" {
		nt.TradeID = tradeStr(info, "tradeId", "trade_id", "execId")
	}
	side := core.Side(tradeStr(m, "side"))
	if nt.TradeID == "" || nt.Symbol == "" || !side.Valid() {
		return nil, false
	}
	nt.Side = side

	qty, ok := tradeDecimal(m, "amount")
	if !ok || !qty.IsPositive() {
		return nil, false
	}
	price, ok := tradeDecimal(m, "price")
	if !ok || !price.IsPositive() {
		return nil, false
	}
	nt.Qty = qty
	nt.Price = price

	nt.ExchangeOrderID = tradeStr(m, "order")
	if nt.ExchangeOrderID == "" {
		nt.ExchangeOrderID = tradeStr(info, "orderId", "order_id")
	}
	nt.ClientOrderID = tradeStr(m, "clientOrderId")
	if nt.ClientOrderID == "" {
		nt.ClientOrderID = tradeStr(info, "clientOrderId", "origClientOrderId", "client_order_id")
	}

	if fee, ok := m["fee"].(map[string]any); ok {
		if cost, ok := tradeDecimal(fee, "cost"); ok {
			nt.Fee = &cost
			nt.FeeCurrency = tradeStr(fee, "currency")
		}
	}
	if ts, ok := m["timestamp"].(float64); ok {
		nt.TimestampMs = int64(ts)
	}
	return nt, true
}

// projectTrade turns one normalized trade into a deal plus a position
// mutation. Returns false when the trade was already projected.
func (r *Reconciler) projectTrade(ctx context.Context, tx *sql.Tx, events *[]*core.Event, account *core.Account, nt *core.NormalizedTrade) (bool, error) {
	exists, err := r.store.DealExistsByExchangeTradeID(ctx, tx, account.ID, nt.TradeID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	order, err := r.linkOrder(ctx, tx, account, nt)
	if err != nil {
		return false, err
	}
	if err := r.store.ApplyOrderFill(ctx, tx, order.ID, nt.Qty, nt.Price); err != nil {
		return false, err
	}

	positionID, err := r.applyToPosition(ctx, tx, account, order, nt)
	if err != nil {
		return false, err
	}
	if order.PositionID == 0 {
		if err := r.store.UpdateOrderPositionLink(ctx, tx, order.ID, positionID); err != nil {
			return false, err
		}
	}

	if _, err := r.store.InsertPositionDeal(ctx, tx, &core.Deal{
		AccountID:       account.ID,
		OrderID:         order.ID,
		PositionID:      positionID,
		Symbol:          nt.Symbol,
		Side:            nt.Side,
		Qty:             nt.Qty,
		Price:           nt.Price,
		Fee:             nt.Fee,
		FeeCurrency:     nt.FeeCurrency,
		StrategyID:      order.StrategyID,
		Reason:          core.ReasonExternal,
		Reconciled:      false,
		ExchangeTradeID: nt.TradeID,
	}); err != nil {
		return false, err
	}

	payload, _ := json.Marshal(map[string]any{
		"exchange_trade_id": nt.TradeID,
		"position_id":       positionID,
		"symbol":            nt.Symbol,
		"side":              nt.Side,
		"strategy_id":       order.StrategyID,
	})
	ev, err := r.store.InsertEvent(ctx, tx, account.ID, core.NamespacePosition, "deal_created", string(payload))
	if err != nil {
		return false, err
	}
	*events = append(*events, ev)
	return true, nil
}

// linkOrder resolves the local order the trade executed against, creating a
// synthetic external order when none matches.
func (r *Reconciler) linkOrder(ctx context.Context, tx *sql.Tx, account *core.Account, nt *core.NormalizedTrade) (*core.Order, error) {
	if nt.ExchangeOrderID != "" {
		order, err := r.store.FindOrderByExchangeOrderID(ctx, tx, account.ID, nt.ExchangeOrderID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if nt.ClientOrderID != "" {
		order, err := r.store.FindOrderByClientOrderID(ctx, tx, account.ID, nt.ClientOrderID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	clientOrderID := nt.ClientOrderID
	if nt.ExchangeOrderID == "" && clientOrderID == "" {
		// No ids at all: derive a deterministic one so replays stay idempotent.
		clientOrderID = "ext-trade:" + nt.TradeID
	}
	order := &core.Order{
		AccountID:       account.ID,
		StrategyID:      0,
		Symbol:          nt.Symbol,
		Side:            nt.Side,
		OrderType:       core.OrderTypeMarket,
		Qty:             nt.Qty,
		Status:          core.OrderSubmitted,
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: nt.ExchangeOrderID,
		Reason:          core.ReasonExternal,
	}
	id, err := r.store.InsertExternalOrder(ctx, tx, order)
	if err != nil {
		return nil, err
	}
	order.ID = id
	return order, nil
}

// applyToPosition picks the projection target per mode and applies the
// scalar update. Returns the position id the deal should link to.
func (r *Reconciler) applyToPosition(ctx context.Context, tx *sql.Tx, account *core.Account, order *core.Order, nt *core.NormalizedTrade) (int64, error) {
	isolated := order.StrategyID == 0 && order.Reason == core.ReasonExternal

	var pos *core.Position
	var err error
	switch {
	case isolated:
		// External activity stays on the order's own position, never folded
		// into strategy positions.
		if order.PositionID != 0 {
			pos, err = r.store.FetchOpenPosition(ctx, tx, order.PositionID)
			if errors.Is(err, store.ErrNotFound) {
				pos, err = nil, nil
			}
			if err != nil {
				return 0, err
			}
		}
	case order.PositionID != 0:
		pos, err = r.store.FetchOpenPosition(ctx, tx, order.PositionID)
		if errors.Is(err, store.ErrNotFound) {
			pos, err = nil, nil
		}
		if err != nil {
			return 0, err
		}
	case account.PositionMode == core.ModeNetting:
		pos, err = r.store.FetchOpenNetPositionBySymbol(ctx, tx, account.ID, nt.Symbol)
		if err != nil {
			return 0, err
		}
	default:
		// Hedge (and strategy netting): one open position per (symbol, side,
		// strategy). Prefer the trade-side position, else the opposite one.
		pos, err = r.store.FetchOpenPositionForSymbol(ctx, tx, account.ID, nt.Symbol, nt.Side, order.StrategyID)
		if err != nil {
			return 0, err
		}
		if pos == nil {
			pos, err = r.store.FetchOpenPositionForSymbol(ctx, tx, account.ID, nt.Symbol, nt.Side.Opposite(), order.StrategyID)
			if err != nil {
				return 0, err
			}
		}
	}
	return r.scalarUpdate(ctx, tx, account, order, pos, nt)
}

// scalarUpdate applies the trade quantity to the chosen position: same side
// accumulates with a weighted average, opposite side reduces, closes, or
// reverses into a fresh position carrying the residual.
func (r *Reconciler) scalarUpdate(ctx context.Context, tx *sql.Tx, account *core.Account, order *core.Order, pos *core.Position, nt *core.NormalizedTrade) (int64, error) {
	if pos == nil {
		return r.store.CreatePositionOpen(ctx, tx, &core.Position{
			AccountID:  account.ID,
			StrategyID: order.StrategyID,
			Symbol:     nt.Symbol,
			Side:       nt.Side,
			Qty:        nt.Qty,
			AvgPrice:   nt.Price,
			Reason:     order.Reason,
			State:      core.PositionOpen,
		})
	}

	if pos.Side == nt.Side {
		newQty := pos.Qty.Add(nt.Qty)
		newAvg := pos.Qty.Mul(pos.AvgPrice).Add(nt.Qty.Mul(nt.Price)).Div(newQty)
		return pos.ID, r.store.UpdatePositionOpenQtyPrice(ctx, tx, pos.ID, newQty, newAvg)
	}

	switch pos.Qty.Cmp(nt.Qty) {
	case 1: // reduce
		return pos.ID, r.store.UpdatePositionOpenQtyPrice(ctx, tx, pos.ID, pos.Qty.Sub(nt.Qty), pos.AvgPrice)
	case 0: // exact close
		return pos.ID, r.store.ClosePosition(ctx, tx, pos.ID)
	default: // reversal: close and open the residual under a new id
		if err := r.store.ClosePosition(ctx, tx, pos.ID); err != nil {
			return 0, err
		}
		return r.store.CreatePositionOpen(ctx, tx, &core.Position{
			AccountID:  account.ID,
			StrategyID: order.StrategyID,
			Symbol:     nt.Symbol,
			Side:       nt.Side,
			Qty:        nt.Qty.Sub(pos.Qty),
			AvgPrice:   nt.Price,
			Reason:     order.Reason,
			State:      core.PositionOpen,
		})
	}
}
