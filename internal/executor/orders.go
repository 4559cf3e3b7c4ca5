package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"oms/internal/core"
	"oms/internal/store"
)

// dictStr extracts the first present string-ish field from a ccxt dict.
func dictStr(m map[string]any, keys ...string) string {
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

// buildOrderRequest maps a local order plus payload hints onto the exchange
// wire request. Engine-specific extras ride in Params.
func buildOrderRequest(order *core.Order, p *core.SendOrderPayload) core.OrderRequest {
	params := map[string]any{}
	if p != nil {
		for k, v := range p.Params {
			params[k] = v
		}
		if p.PostOnly {
			params["postOnly"] = true
		}
		if p.TimeInForce != "" {
			params["timeInForce"] = p.TimeInForce
		}
		if p.TriggerPrice != nil {
			params["triggerPrice"] = p.TriggerPrice.String()
		}
		if p.StopPrice != nil {
			params["stopPrice"] = p.StopPrice.String()
		}
		if p.TakeProfitPrice != nil {
			params["takeProfitPrice"] = p.TakeProfitPrice.String()
		}
		if p.TrailingAmount != nil {
			params["trailingAmount"] = p.TrailingAmount.String()
		}
		if p.TrailingPercent != nil {
			params["trailingPercent"] = p.TrailingPercent.String()
		}
		if p.ReduceOnly {
			params["reduceOnly"] = true
		}
	}

	clientOrderID := order.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = strconv.FormatInt(order.ID, 10)
	}

	price := ""
	if order.OrderType == core.OrderTypeLimit && order.Price != nil {
		price = order.Price.String()
	}
	return core.OrderRequest{
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Type:          string(order.OrderType),
		Qty:           order.Qty.String(),
		Price:         price,
		ClientOrderID: clientOrderID,
		Params:        params,
	}
}

func (e *Executor) sendOrder(ctx context.Context, cmd *core.PositionCommand, account *core.Account, p *core.SendOrderPayload) error {
	order, err := e.store.FetchOrderForCommandSend(ctx, e.store.DB(), cmd.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Permanentf("no pending order for command %d", cmd.ID)
	}
	if err != nil {
		return err
	}

	callParams, err := e.callParams(ctx, account)
	if err != nil {
		return err
	}

	result, err := e.exchange.CreateOrder(ctx, callParams, buildOrderRequest(order, p))
	if err != nil {
		return classifyExchangeErr(fmt.Errorf("create_order %s: %w", order.Symbol, err))
	}
	exchangeOrderID := dictStr(result, "id")
	raw, _ := json.Marshal(result)

	var events []*core.Event
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.InsertCcxtOrderRaw(ctx, tx, account.ID, string(raw)); err != nil {
			return err
		}
		if err := e.store.MarkOrderSubmittedExchange(ctx, tx, order.ID, exchangeOrderID); err != nil {
			return err
		}
		if err := e.store.MarkCommandCompleted(ctx, tx, cmd.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, &events, account.ID, core.NamespacePosition, "order_submitted", map[string]any{
			"order_id":          order.ID,
			"exchange_order_id": exchangeOrderID,
			"symbol":            order.Symbol,
			"side":              order.Side,
			"qty":               order.Qty.String(),
			"strategy_id":       order.StrategyID,
		})
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events)
	return nil
}

func (e *Executor) cancelAll(ctx context.Context, cmd *core.PositionCommand, account *core.Account, strategyIDs []int64) error {
	orders, err := e.store.ListCancelableOrders(ctx, e.store.DB(), account.ID, strategyIDs)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return e.cancelOrders(ctx, cmd, account, ids, true)
}

// cancelOrders cancels each target on the exchange, skipping individual
// failures. An explicit target list with zero successes fails the command.
func (e *Executor) cancelOrders(ctx context.Context, cmd *core.PositionCommand, account *core.Account, orderIDs []int64, emptyOK bool) error {
	callParams, err := e.callParams(ctx, account)
	if err != nil {
		return err
	}

	type canceled struct {
		order *core.Order
		raw   string
	}
	var done []canceled
	var skipped []map[string]any

	for _, id := range orderIDs {
		order, err := e.store.FetchOrderByID(ctx, e.store.DB(), id)
		if err != nil {
			skipped = append(skipped, map[string]any{"order_id": id, "error": "not found"})
			continue
		}
		if order.Status.Terminal() || order.ExchangeOrderID == "" {
			skipped = append(skipped, map[string]any{"order_id": id, "error": "not cancelable"})
			continue
		}
		result, err := e.exchange.CancelOrder(ctx, callParams, order.ExchangeOrderID, order.Symbol)
		if err != nil {
			e.logger.Warn("Cancel failed, skipping order",
				"order_id", id, "exchange_order_id", order.ExchangeOrderID, "error", err)
			skipped = append(skipped, map[string]any{"order_id": id, "error": err.Error()})
			continue
		}
		raw, _ := json.Marshal(result)
		done = append(done, canceled{order: order, raw: string(raw)})
	}

	if len(done) == 0 && !(emptyOK && len(orderIDs) == 0) {
		return Permanentf("no orders canceled")
	}

	var events []*core.Event
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		canceledIDs := make([]int64, 0, len(done))
		for _, c := range done {
			if err := e.store.InsertCcxtOrderRaw(ctx, tx, account.ID, c.raw); err != nil {
				return err
			}
			if err := e.store.MarkOrderCanceled(ctx, tx, c.order.ID); err != nil {
				return err
			}
			canceledIDs = append(canceledIDs, c.order.ID)
			if err := e.emit(ctx, tx, &events, account.ID, core.NamespacePosition, "order_canceled", map[string]any{
				"order_id":          c.order.ID,
				"exchange_order_id": c.order.ExchangeOrderID,
				"symbol":            c.order.Symbol,
			}); err != nil {
				return err
			}
		}
		if err := e.store.MarkCommandCompleted(ctx, tx, cmd.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, &events, account.ID, core.NamespacePosition, "orders_cancel_summary", map[string]any{
			"command_id": cmd.ID,
			"canceled":   canceledIDs,
			"skipped":    skipped,
		})
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events)
	return nil
}

func (e *Executor) changeOrder(ctx context.Context, cmd *core.PositionCommand, account *core.Account, p *core.ChangeOrderPayload) error {
	order, err := e.store.FetchOrderByID(ctx, e.store.DB(), p.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return Permanentf("order %d not found", p.OrderID)
	}
	if err != nil {
		return err
	}
	if order.Status.Terminal() || order.ExchangeOrderID == "" {
		return Permanentf("order %d is not open on the exchange", p.OrderID)
	}

	newQty := order.Qty
	if p.NewQty != nil {
		newQty = *p.NewQty
	}
	newPrice := order.Price
	if p.NewPrice != nil {
		newPrice = p.NewPrice
	}

	req := buildOrderRequest(order, nil)
	req.Qty = newQty.String()
	if order.OrderType == core.OrderTypeLimit && newPrice != nil {
		req.Price = newPrice.String()
	}

	callParams, err := e.callParams(ctx, account)
	if err != nil {
		return err
	}

	result, edited, err := e.exchange.EditOrderIfSupported(ctx, callParams, order.ExchangeOrderID, req)
	if err != nil {
		return classifyExchangeErr(fmt.Errorf("edit_order %d: %w", order.ID, err))
	}
	if edited {
		return e.finishEdit(ctx, cmd, account, order, result, newQty, newPrice, false)
	}
	return e.cancelAndReplace(ctx, cmd, account, order, req, newQty, newPrice)
}

// finishEdit persists the post-edit order values. The exchange may have
// issued a new exchange order id; absent one the old id stands.
func (e *Executor) finishEdit(ctx context.Context, cmd *core.PositionCommand, account *core.Account, order *core.Order, result map[string]any, newQty decimal.Decimal, newPrice *decimal.Decimal, replaced bool) error {
	exchangeOrderID := dictStr(result, "id")
	if exchangeOrderID == "" {
		exchangeOrderID = order.ExchangeOrderID
	}
	raw, _ := json.Marshal(result)

	var events []*core.Event
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.InsertCcxtOrderRaw(ctx, tx, account.ID, string(raw)); err != nil {
			return err
		}
		if err := e.store.MarkOrderSubmittedExchangeWithValues(ctx, tx, order.ID, exchangeOrderID, newQty, newPrice); err != nil {
			return err
		}
		if err := e.store.MarkCommandCompleted(ctx, tx, cmd.ID); err != nil {
			return err
		}
		priceStr := ""
		if newPrice != nil {
			priceStr = newPrice.String()
		}
		return e.emit(ctx, tx, &events, account.ID, core.NamespacePosition, "order_changed", map[string]any{
			"order_id":          order.ID,
			"exchange_order_id": exchangeOrderID,
			"qty":               newQty.String(),
			"price":             priceStr,
			"replaced":          replaced,
		})
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events)
	return nil
}

// cancelAndReplace is the change_order path for exchanges without editOrder:
// cancel the old exchange order, then create a replacement with the same
// client order id. A reconciler race can materialize the replacement as an
// external orphan first; that orphan is consolidated back into the original
// order.
func (e *Executor) cancelAndReplace(ctx context.Context, cmd *core.PositionCommand, account *core.Account, order *core.Order, req core.OrderRequest, newQty decimal.Decimal, newPrice *decimal.Decimal) error {
	callParams, err := e.callParams(ctx, account)
	if err != nil {
		return err
	}

	if _, err := e.exchange.CancelOrder(ctx, callParams, order.ExchangeOrderID, order.Symbol); err != nil {
		return classifyExchangeErr(fmt.Errorf("replace cancel %d: %w", order.ID, err))
	}

	var events []*core.Event
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.MarkOrderCanceledEditPending(ctx, tx, order.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, &events, account.ID, core.NamespacePosition, "order_change_replace_pending", map[string]any{
			"order_id": order.ID,
		})
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events)
	events = nil

	result, createErr := e.exchange.CreateOrder(ctx, callParams, req)
	if createErr != nil {
		err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := e.store.MarkOrderEditReplaceFailed(ctx, tx, order.ID); err != nil {
				return err
			}
			return e.emit(ctx, tx, &events, account.ID, core.NamespacePosition, "order_change_replace_failed", map[string]any{
				"order_id": order.ID,
				"error":    createErr.Error(),
			})
		})
		if err != nil {
			return err
		}
		e.publish(ctx, events)
		return Permanentf("change_order_replace_create_failed: %v", createErr)
	}

	exchangeOrderID := dictStr(result, "id")
	clientOrderID := dictStr(result, "clientOrderId")
	if clientOrderID == "" {
		clientOrderID = req.ClientOrderID
	}

	orphan, err := e.store.FindExternalOrphanOrderForReplace(ctx, e.store.DB(), account.ID, exchangeOrderID, clientOrderID, order.ID)
	if err != nil {
		return err
	}
	if orphan == nil {
		return e.finishEdit(ctx, cmd, account, order, result, newQty, newPrice, true)
	}
	return e.consolidateReplacement(ctx, cmd, account, order, orphan, result)
}

// consolidateReplacement folds the reconciler-created orphan into the
// original order's identity: the orphan row becomes the live order and the
// original is tombstoned, keeping strategy attribution and position linkage.
func (e *Executor) consolidateReplacement(ctx context.Context, cmd *core.PositionCommand, account *core.Account, order, orphan *core.Order, result map[string]any) error {
	raw, _ := json.Marshal(result)

	var events []*core.Event
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.InsertCcxtOrderRaw(ctx, tx, account.ID, string(raw)); err != nil {
			return err
		}
		if err := e.store.MarkOrderConsolidatedToOrphan(ctx, tx, order.ID, orphan.ID); err != nil {
			return err
		}
		if err := e.store.AdoptExternalOrphanOrder(ctx, tx, orphan.ID, order.StrategyID, order.Reason, order.Comment); err != nil {
			return err
		}
		if _, err := e.store.ReassignDealsStrategyByOrder(ctx, tx, orphan.ID, order.StrategyID); err != nil {
			return err
		}
		keptPositionID := order.PositionID
		if orphan.PositionID != 0 && order.PositionID != 0 && orphan.PositionID != order.PositionID {
			if err := e.mergePositionRows(ctx, tx, &events, account.ID, orphan.PositionID, order.PositionID, core.StopKeep, nil, nil); err != nil {
				return err
			}
		} else if orphan.PositionID != 0 && order.PositionID == 0 {
			keptPositionID = orphan.PositionID
		}
		if keptPositionID != 0 {
			if err := e.store.UpdateOrderPositionLink(ctx, tx, orphan.ID, keptPositionID); err != nil {
				return err
			}
		}
		if err := e.store.MarkCommandCompleted(ctx, tx, cmd.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, &events, account.ID, core.NamespacePosition, "order_change_replace_consolidated", map[string]any{
			"order_id":          order.ID,
			"orphan_order_id":   orphan.ID,
			"exchange_order_id": dictStr(result, "id"),
		})
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events)
	return nil
}
