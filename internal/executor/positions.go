package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"oms/internal/core"
	"oms/internal/store"
)

// ReasonCloseByInternal tags synthetic deals produced by close_by; they never
// correspond to exchange trades.
const ReasonCloseByInternal = "close_by_internal"

func (e *Executor) closePosition(ctx context.Context, cmd *core.PositionCommand, account *core.Account, p *core.ClosePositionPayload) error {
	pos, err := e.store.FetchOpenPosition(ctx, e.store.DB(), p.PositionID)
	if errors.Is(err, store.ErrNotFound) {
		return Permanentf("position %d is not open", p.PositionID)
	}
	if err != nil {
		return err
	}
	if pos.AccountID != account.ID {
		return Permanentf("position %d does not belong to account %d", p.PositionID, account.ID)
	}

	reason := p.Reason
	if reason == "" {
		reason = "close_position"
	}
	closing := &core.Order{
		AccountID:  account.ID,
		CommandID:  cmd.ID,
		StrategyID: p.StrategyID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		OrderType:  p.OrderType,
		Qty:        pos.Qty,
		Price:      p.Price,
		Status:     core.OrderPendingSubmit,
		Reason:     reason,
		Comment:    p.OriginCommand,
	}
	// A retried command reuses the pending order from the earlier attempt.
	if existing, err := e.store.FetchOrderForCommandSend(ctx, e.store.DB(), cmd.ID); err == nil {
		closing = existing
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	} else {
		err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
			id, err := e.store.InsertOrderPendingSubmit(ctx, tx, closing)
			closing.ID = id
			return err
		})
		if err != nil {
			return err
		}
	}

	callParams, err := e.callParams(ctx, account)
	if err != nil {
		return err
	}
	req := buildOrderRequest(closing, nil)
	req.Params["reduceOnly"] = true

	result, err := e.exchange.CreateOrder(ctx, callParams, req)
	if err != nil {
		return classifyExchangeErr(fmt.Errorf("close_position create_order %s: %w", pos.Symbol, err))
	}
	exchangeOrderID := dictStr(result, "id")
	raw, _ := json.Marshal(result)

	var events []*core.Event
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.InsertCcxtOrderRaw(ctx, tx, account.ID, string(raw)); err != nil {
			return err
		}
		if err := e.store.MarkOrderSubmittedExchange(ctx, tx, closing.ID, exchangeOrderID); err != nil {
			return err
		}
		if err := e.store.ReleaseClosePositionLock(ctx, tx, pos.ID); err != nil {
			return err
		}
		if err := e.store.MarkCommandCompleted(ctx, tx, cmd.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, &events, account.ID, core.NamespacePosition, "position_close_submitted", map[string]any{
			"position_id":       pos.ID,
			"order_id":          closing.ID,
			"exchange_order_id": exchangeOrderID,
			"symbol":            pos.Symbol,
			"qty":               pos.Qty.String(),
		})
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events)
	return nil
}

// closeBy nets two opposite positions against each other without touching
// the exchange book. Each position gets a synthetic deal at its own average
// price.
func (e *Executor) closeBy(ctx context.Context, cmd *core.PositionCommand, account *core.Account, p *core.CloseByPayload) error {
	var events []*core.Event
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		posA, err := e.fetchOwnOpenPosition(ctx, tx, account.ID, p.PositionIDA)
		if err != nil {
			return err
		}
		posB, err := e.fetchOwnOpenPosition(ctx, tx, account.ID, p.PositionIDB)
		if err != nil {
			return err
		}
		if posA.Symbol != posB.Symbol {
			return Permanentf("close_by positions are on different symbols: %s vs %s", posA.Symbol, posB.Symbol)
		}
		if posA.Side == posB.Side {
			return Permanentf("close_by positions are on the same side")
		}

		closeQty := decimal.Min(posA.Qty, posB.Qty)
		if p.Qty != nil {
			closeQty = decimal.Min(closeQty, *p.Qty)
		}
		if closeQty.LessThanOrEqual(decimal.Zero) {
			return Permanentf("close_by quantity resolves to zero")
		}

		for _, pos := range []*core.Position{posA, posB} {
			if _, err := e.store.InsertPositionDeal(ctx, tx, &core.Deal{
				AccountID:  account.ID,
				PositionID: pos.ID,
				Symbol:     pos.Symbol,
				Side:       pos.Side.Opposite(),
				Qty:        closeQty,
				Price:      pos.AvgPrice,
				StrategyID: p.StrategyID,
				Reason:     ReasonCloseByInternal,
				Reconciled: true,
			}); err != nil {
				return err
			}
			remaining := pos.Qty.Sub(closeQty)
			if remaining.IsPositive() {
				if err := e.store.UpdatePositionOpenQtyPrice(ctx, tx, pos.ID, remaining, pos.AvgPrice); err != nil {
					return err
				}
			} else if err := e.store.ClosePosition(ctx, tx, pos.ID); err != nil {
				return err
			}
		}

		if err := e.store.MarkCommandCompleted(ctx, tx, cmd.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, &events, account.ID, core.NamespacePosition, "close_by_executed", map[string]any{
			"position_id_a": posA.ID,
			"position_id_b": posB.ID,
			"symbol":        posA.Symbol,
			"qty":           closeQty.String(),
		})
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events)
	return nil
}

func (e *Executor) mergePositions(ctx context.Context, cmd *core.PositionCommand, account *core.Account, p *core.MergePositionsPayload) error {
	var events []*core.Event
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.mergePositionRows(ctx, tx, &events, account.ID, p.SourcePositionID, p.TargetPositionID, p.StopMode, p.OmsStopLoss, p.OmsStopGain); err != nil {
			return err
		}
		return e.store.MarkCommandCompleted(ctx, tx, cmd.ID)
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events)
	return nil
}

// mergePositionRows folds source into target: quantity-weighted average
// price, orders and deals reassigned, source closed as merged.
func (e *Executor) mergePositionRows(ctx context.Context, tx *sql.Tx, events *[]*core.Event, accountID, sourceID, targetID int64, stopMode core.StopMode, stopLoss, stopGain *decimal.Decimal) error {
	src, err := e.fetchOwnOpenPosition(ctx, tx, accountID, sourceID)
	if err != nil {
		return err
	}
	tgt, err := e.fetchOwnOpenPosition(ctx, tx, accountID, targetID)
	if err != nil {
		return err
	}
	if src.Symbol != tgt.Symbol || src.Side != tgt.Side {
		return Permanentf("merge requires same symbol and side: %s/%s vs %s/%s",
			src.Symbol, src.Side, tgt.Symbol, tgt.Side)
	}

	newQty := src.Qty.Add(tgt.Qty)
	newAvg := src.Qty.Mul(src.AvgPrice).Add(tgt.Qty.Mul(tgt.AvgPrice)).Div(newQty)

	if _, err := e.store.ReassignOpenOrdersPosition(ctx, tx, src.ID, tgt.ID); err != nil {
		return err
	}
	if _, err := e.store.ReassignDealsPosition(ctx, tx, src.ID, tgt.ID); err != nil {
		return err
	}
	if err := e.store.ClosePositionMerged(ctx, tx, src.ID, tgt.ID); err != nil {
		return err
	}
	if err := e.store.UpdatePositionOpenQtyPrice(ctx, tx, tgt.ID, newQty, newAvg); err != nil {
		return err
	}

	switch stopMode {
	case core.StopClear:
		if err := e.store.UpdatePositionTargetsComment(ctx, tx, tgt.ID, nil, nil, tgt.Comment); err != nil {
			return err
		}
	case core.StopSet:
		if err := e.store.UpdatePositionTargetsComment(ctx, tx, tgt.ID, stopLoss, stopGain, tgt.Comment); err != nil {
			return err
		}
	}

	return e.emit(ctx, tx, events, accountID, core.NamespacePosition, "positions_merged", map[string]any{
		"source_position_id": src.ID,
		"target_position_id": tgt.ID,
		"qty":                newQty.String(),
		"avg_price":          newAvg.String(),
	})
}

func (e *Executor) positionChange(ctx context.Context, cmd *core.PositionCommand, account *core.Account, p *core.PositionChangePayload) error {
	var events []*core.Event
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		pos, err := e.fetchOwnOpenPosition(ctx, tx, account.ID, p.PositionID)
		if err != nil {
			return err
		}
		stopLoss := pos.StopLoss
		if p.StopLoss != nil {
			stopLoss = p.StopLoss
		}
		stopGain := pos.StopGain
		if p.StopGain != nil {
			stopGain = p.StopGain
		}
		comment := pos.Comment
		if p.Comment != nil {
			comment = *p.Comment
		}
		if err := e.store.UpdatePositionTargetsComment(ctx, tx, pos.ID, stopLoss, stopGain, comment); err != nil {
			return err
		}
		if err := e.store.MarkCommandCompleted(ctx, tx, cmd.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, &events, account.ID, core.NamespacePosition, "position_changed", map[string]any{
			"position_id": pos.ID,
		})
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events)
	return nil
}

func (e *Executor) fetchOwnOpenPosition(ctx context.Context, tx *sql.Tx, accountID, positionID int64) (*core.Position, error) {
	pos, err := e.store.FetchOpenPosition(ctx, tx, positionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Permanentf("position %d is not open", positionID)
	}
	if err != nil {
		return nil, err
	}
	if pos.AccountID != accountID {
		return nil, Permanentf("position %d does not belong to account %d", positionID, accountID)
	}
	return pos, nil
}
