package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oms/internal/core"
	"oms/internal/exchange"
	"oms/internal/store"
	apperrors "oms/pkg/errors"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type memorySink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *memorySink) Publish(ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *memorySink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.EventType
	}
	return out
}

// fakeExchange scripts the three adapter calls the executor makes.
type fakeExchange struct {
	mu            sync.Mutex
	createResults []map[string]any
	createErrs    []error
	createReqs    []core.OrderRequest
	cancelErr     error
	canceled      []string
	editSupported bool
	editResult    map[string]any
	editErr       error
}

func (f *fakeExchange) CreateOrder(ctx context.Context, p exchange.CallParams, req core.OrderRequest) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createReqs = append(f.createReqs, req)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.createResults) == 0 {
		return map[string]any{"id": "ex-default", "clientOrderId": req.ClientOrderID}, nil
	}
	result := f.createResults[0]
	f.createResults = f.createResults[1:]
	return result, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, p exchange.CallParams, orderID, symbol string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.canceled = append(f.canceled, orderID)
	return map[string]any{"id": orderID, "status": "canceled"}, nil
}

func (f *fakeExchange) EditOrderIfSupported(ctx context.Context, p exchange.CallParams, orderID string, req core.OrderRequest) (map[string]any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return nil, false, f.editErr
	}
	if !f.editSupported {
		return nil, false, nil
	}
	return f.editResult, true, nil
}

type fixture struct {
	store   *store.Store
	ex      *fakeExchange
	sink    *memorySink
	exec    *Executor
	account int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "oms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	accountID, err := st.CreateAccount(context.Background(), st.DB(), &core.Account{
		Name:         "main",
		ExchangeID:   "ccxt.binance",
		PositionMode: core.ModeHedge,
		Status:       core.AccountActive,
		PoolID:       "ccxt",
	})
	require.NoError(t, err)

	ex := &fakeExchange{}
	sink := &memorySink{}
	return &fixture{
		store:   st,
		ex:      ex,
		sink:    sink,
		exec:    New(st, ex, nil, false, sink, nopLogger{}),
		account: accountID,
	}
}

// acceptCommand persists a command row the way intake does, returning its id.
func (f *fixture) acceptCommand(t *testing.T, cmdType core.CommandType, payload any) int64 {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	id, err := f.store.InsertPositionCommand(context.Background(), f.store.DB(), &core.PositionCommand{
		AccountID:   f.account,
		CommandType: cmdType,
		RequestID:   "req",
		PayloadJSON: string(raw),
		Status:      core.CommandAccepted,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) pendingOrder(t *testing.T, commandID int64, price string) *core.Order {
	t.Helper()
	pp := dec(price)
	order := &core.Order{
		AccountID:  f.account,
		CommandID:  commandID,
		StrategyID: 7,
		Symbol:     "BTC/USDT",
		Side:       core.SideBuy,
		OrderType:  core.OrderTypeLimit,
		Qty:        dec("0.5"),
		Price:      &pp,
		Status:     core.OrderPendingSubmit,
		Reason:     "trader",
	}
	id, err := f.store.InsertOrderPendingSubmit(context.Background(), f.store.DB(), order)
	require.NoError(t, err)
	order.ID = id
	return order
}

func (f *fixture) commandStatus(t *testing.T, id int64) core.CommandStatus {
	t.Helper()
	cmd, err := f.store.FetchPositionCommand(context.Background(), f.store.DB(), id)
	require.NoError(t, err)
	return cmd.Status
}

func sendOrderPayload() *core.SendOrderPayload {
	price := dec("50000")
	return &core.SendOrderPayload{
		Symbol:    "BTC/USDT",
		Side:      core.SideBuy,
		OrderType: core.OrderTypeLimit,
		Qty:       dec("0.5"),
		Price:     &price,
		PostOnly:  true,
	}
}

func TestSendOrderHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmdID := f.acceptCommand(t, core.CmdSendOrder, sendOrderPayload())
	order := f.pendingOrder(t, cmdID, "50000")
	f.ex.createResults = []map[string]any{{"id": "ex-42", "status": "open"}}

	require.NoError(t, f.exec.Execute(ctx, cmdID))

	got, err := f.store.FetchOrderByID(ctx, f.store.DB(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderSubmitted, got.Status)
	assert.Equal(t, "ex-42", got.ExchangeOrderID)
	assert.Equal(t, core.CommandCompleted, f.commandStatus(t, cmdID))
	assert.Contains(t, f.sink.types(), "order_submitted")

	// The payload hints rode along as exchange params.
	require.Len(t, f.ex.createReqs, 1)
	assert.Equal(t, true, f.ex.createReqs[0].Params["postOnly"])

	raws, err := f.store.ListCcxtRaw(ctx, f.store.DB(), "ccxt_orders_raw", f.account, 10)
	require.NoError(t, err)
	assert.Len(t, raws, 1)
}

func TestSendOrderPermanentRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmdID := f.acceptCommand(t, core.CmdSendOrder, sendOrderPayload())
	order := f.pendingOrder(t, cmdID, "50000")
	f.ex.createErrs = []error{apperrors.ErrInsufficientFunds}

	err := f.exec.Execute(ctx, cmdID)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	got, err := f.store.FetchOrderByID(ctx, f.store.DB(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderRejected, got.Status)
	assert.Equal(t, core.CommandFailed, f.commandStatus(t, cmdID))
	assert.Contains(t, f.sink.types(), "command_failed")
}

func TestSendOrderTransientLeavesCommandAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmdID := f.acceptCommand(t, core.CmdSendOrder, sendOrderPayload())
	order := f.pendingOrder(t, cmdID, "50000")
	f.ex.createErrs = []error{apperrors.ErrNetwork}

	err := f.exec.Execute(ctx, cmdID)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	got, err := f.store.FetchOrderByID(ctx, f.store.DB(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderPendingSubmit, got.Status)
	assert.Equal(t, core.CommandAccepted, f.commandStatus(t, cmdID))
}

func TestExecuteIsIdempotentOnReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmdID := f.acceptCommand(t, core.CmdSendOrder, sendOrderPayload())
	f.pendingOrder(t, cmdID, "50000")
	require.NoError(t, f.exec.Execute(ctx, cmdID))
	require.NoError(t, f.exec.Execute(ctx, cmdID))

	// The second run must not hit the exchange again.
	assert.Len(t, f.ex.createReqs, 1)
}

func TestChangeOrderEditSupported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sendCmd := f.acceptCommand(t, core.CmdSendOrder, sendOrderPayload())
	order := f.pendingOrder(t, sendCmd, "50000")
	require.NoError(t, f.store.MarkOrderSubmittedExchange(ctx, f.store.DB(), order.ID, "ex-1"))

	newPrice := dec("51000")
	cmdID := f.acceptCommand(t, core.CmdChangeOrder, &core.ChangeOrderPayload{OrderID: order.ID, NewPrice: &newPrice})
	f.ex.editSupported = true
	f.ex.editResult = map[string]any{"id": "ex-1"}

	require.NoError(t, f.exec.Execute(ctx, cmdID))

	got, err := f.store.FetchOrderByID(ctx, f.store.DB(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderSubmitted, got.Status)
	require.NotNil(t, got.Price)
	assert.True(t, got.Price.Equal(newPrice))
	assert.Contains(t, f.sink.types(), "order_changed")
	assert.Empty(t, f.ex.canceled)
}

func TestChangeOrderCancelReplace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sendCmd := f.acceptCommand(t, core.CmdSendOrder, sendOrderPayload())
	order := f.pendingOrder(t, sendCmd, "50000")
	require.NoError(t, f.store.MarkOrderSubmittedExchange(ctx, f.store.DB(), order.ID, "ex-1"))

	newQty := dec("0.8")
	cmdID := f.acceptCommand(t, core.CmdChangeOrder, &core.ChangeOrderPayload{OrderID: order.ID, NewQty: &newQty})
	f.ex.createResults = []map[string]any{{"id": "ex-2"}}

	require.NoError(t, f.exec.Execute(ctx, cmdID))

	assert.Equal(t, []string{"ex-1"}, f.ex.canceled)
	got, err := f.store.FetchOrderByID(ctx, f.store.DB(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderSubmitted, got.Status)
	assert.Equal(t, "ex-2", got.ExchangeOrderID)
	assert.True(t, got.Qty.Equal(newQty))
	assert.Empty(t, got.EditReplaceState)
	assert.Subset(t, f.sink.types(), []string{"order_change_replace_pending", "order_changed"})
}

func TestChangeOrderReplaceCreateFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sendCmd := f.acceptCommand(t, core.CmdSendOrder, sendOrderPayload())
	order := f.pendingOrder(t, sendCmd, "50000")
	require.NoError(t, f.store.MarkOrderSubmittedExchange(ctx, f.store.DB(), order.ID, "ex-1"))

	newQty := dec("0.8")
	cmdID := f.acceptCommand(t, core.CmdChangeOrder, &core.ChangeOrderPayload{OrderID: order.ID, NewQty: &newQty})
	f.ex.createErrs = []error{apperrors.ErrOrderRejected}

	err := f.exec.Execute(ctx, cmdID)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	got, err := f.store.FetchOrderByID(ctx, f.store.DB(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderRejected, got.Status)
	assert.Equal(t, core.EditReplaceFailed, got.EditReplaceState)
	assert.Equal(t, core.CommandFailed, f.commandStatus(t, cmdID))
	assert.Contains(t, f.sink.types(), "order_change_replace_failed")
}

func TestChangeOrderConsolidatesReconcilerOrphan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sendCmd := f.acceptCommand(t, core.CmdSendOrder, sendOrderPayload())
	order := f.pendingOrder(t, sendCmd, "50000")
	require.NoError(t, f.store.MarkOrderSubmittedExchange(ctx, f.store.DB(), order.ID, "ex-1"))

	orderPosID, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, StrategyID: 7, Symbol: "BTC/USDT",
		Side: core.SideBuy, Qty: dec("0.3"), AvgPrice: dec("49000"), State: core.PositionOpen,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateOrderPositionLink(ctx, f.store.DB(), order.ID, orderPosID))
	order.PositionID = orderPosID

	// The reconciler raced the replace and already materialized the new
	// exchange order as an external orphan with its own position.
	orphanPosID, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, StrategyID: 0, Symbol: "BTC/USDT",
		Side: core.SideBuy, Qty: dec("0.2"), AvgPrice: dec("50500"), State: core.PositionOpen,
	})
	require.NoError(t, err)
	orphanID, err := f.store.InsertExternalOrder(ctx, f.store.DB(), &core.Order{
		AccountID:       f.account,
		PositionID:      orphanPosID,
		Symbol:          "BTC/USDT",
		Side:            core.SideBuy,
		OrderType:       core.OrderTypeLimit,
		Qty:             dec("0.8"),
		Status:          core.OrderSubmitted,
		ExchangeOrderID: "ex-2",
		Reason:          core.ReasonExternal,
	})
	require.NoError(t, err)

	newQty := dec("0.8")
	cmdID := f.acceptCommand(t, core.CmdChangeOrder, &core.ChangeOrderPayload{OrderID: order.ID, NewQty: &newQty})
	f.ex.createResults = []map[string]any{{"id": "ex-2"}}

	require.NoError(t, f.exec.Execute(ctx, cmdID))

	original, err := f.store.FetchOrderByID(ctx, f.store.DB(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderCanceled, original.Status)
	assert.Equal(t, core.EditReplaceConsolidated, original.EditReplaceState)

	orphan, err := f.store.FetchOrderByID(ctx, f.store.DB(), orphanID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, orphan.StrategyID)
	assert.Equal(t, "trader", orphan.Reason)
	assert.Equal(t, orderPosID, orphan.PositionID)

	// The orphan's position was merged into the original's.
	merged, err := f.store.FetchPosition(ctx, f.store.DB(), orphanPosID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosed, merged.State)

	kept, err := f.store.FetchOpenPosition(ctx, f.store.DB(), orderPosID)
	require.NoError(t, err)
	assert.True(t, kept.Qty.Equal(dec("0.5")))
	// Weighted average: (0.3*49000 + 0.2*50500) / 0.5 = 49600
	assert.True(t, kept.AvgPrice.Equal(dec("49600")), kept.AvgPrice.String())

	assert.Contains(t, f.sink.types(), "order_change_replace_consolidated")
	assert.Equal(t, core.CommandCompleted, f.commandStatus(t, cmdID))
}

func TestCancelAllSkipsFailuresAndSummarizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var orderIDs []int64
	for _, exID := range []string{"ex-1", "ex-2"} {
		cmdID := f.acceptCommand(t, core.CmdSendOrder, sendOrderPayload())
		order := f.pendingOrder(t, cmdID, "50000")
		require.NoError(t, f.store.MarkOrderSubmittedExchange(ctx, f.store.DB(), order.ID, exID))
		orderIDs = append(orderIDs, order.ID)
	}

	cmdID := f.acceptCommand(t, core.CmdCancelOrder, &core.CancelOrderPayload{OrderIDs: orderIDs})
	require.NoError(t, f.exec.Execute(ctx, cmdID))

	for _, id := range orderIDs {
		got, err := f.store.FetchOrderByID(ctx, f.store.DB(), id)
		require.NoError(t, err)
		assert.Equal(t, core.OrderCanceled, got.Status)
	}
	assert.Contains(t, f.sink.types(), "orders_cancel_summary")
}

func TestCancelOrderZeroSuccessesIsPermanent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmdID := f.acceptCommand(t, core.CmdSendOrder, sendOrderPayload())
	order := f.pendingOrder(t, cmdID, "50000")
	require.NoError(t, f.store.MarkOrderSubmittedExchange(ctx, f.store.DB(), order.ID, "ex-1"))

	f.ex.cancelErr = apperrors.ErrNetwork
	cancelCmd := f.acceptCommand(t, core.CmdCancelOrder, &core.CancelOrderPayload{OrderID: order.ID})

	err := f.exec.Execute(ctx, cancelCmd)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestCloseByNetsOppositePositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	longID, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, Symbol: "BTC/USDT", Side: core.SideBuy,
		Qty: dec("1.0"), AvgPrice: dec("50000"), State: core.PositionOpen,
	})
	require.NoError(t, err)
	shortID, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, Symbol: "BTC/USDT", Side: core.SideSell,
		Qty: dec("0.4"), AvgPrice: dec("51000"), State: core.PositionOpen,
	})
	require.NoError(t, err)

	cmdID := f.acceptCommand(t, core.CmdCloseBy, &core.CloseByPayload{
		PositionIDA: longID, PositionIDB: shortID, StrategyID: 3,
	})
	require.NoError(t, f.exec.Execute(ctx, cmdID))

	long, err := f.store.FetchOpenPosition(ctx, f.store.DB(), longID)
	require.NoError(t, err)
	assert.True(t, long.Qty.Equal(dec("0.6")))

	short, err := f.store.FetchPosition(ctx, f.store.DB(), shortID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosed, short.State)

	deals, err := f.store.ListDeals(ctx, f.store.DB(), f.account, 10)
	require.NoError(t, err)
	require.Len(t, deals, 2)
	for _, d := range deals {
		assert.Equal(t, ReasonCloseByInternal, d.Reason)
		assert.True(t, d.Qty.Equal(dec("0.4")))
		assert.True(t, d.PnL.IsZero())
	}
	assert.Contains(t, f.sink.types(), "close_by_executed")
}

func TestMergePositionsWeightedAverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	srcID, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, Symbol: "ETH/USDT", Side: core.SideBuy,
		Qty: dec("2"), AvgPrice: dec("3000"), State: core.PositionOpen,
	})
	require.NoError(t, err)
	sl := dec("2500")
	tgtID, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, Symbol: "ETH/USDT", Side: core.SideBuy,
		Qty: dec("6"), AvgPrice: dec("3400"), State: core.PositionOpen, StopLoss: &sl,
	})
	require.NoError(t, err)

	cmdID := f.acceptCommand(t, core.CmdMergePositions, &core.MergePositionsPayload{
		SourcePositionID: srcID, TargetPositionID: tgtID, StopMode: core.StopClear,
	})
	require.NoError(t, f.exec.Execute(ctx, cmdID))

	src, err := f.store.FetchPosition(ctx, f.store.DB(), srcID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosed, src.State)

	tgt, err := f.store.FetchOpenPosition(ctx, f.store.DB(), tgtID)
	require.NoError(t, err)
	assert.True(t, tgt.Qty.Equal(dec("8")))
	// (2*3000 + 6*3400) / 8 = 3300
	assert.True(t, tgt.AvgPrice.Equal(dec("3300")), tgt.AvgPrice.String())
	assert.Nil(t, tgt.StopLoss)
	assert.Contains(t, f.sink.types(), "positions_merged")
}

func TestMergeRejectsMixedSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	srcID, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, Symbol: "ETH/USDT", Side: core.SideBuy,
		Qty: dec("2"), AvgPrice: dec("3000"), State: core.PositionOpen,
	})
	require.NoError(t, err)
	tgtID, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, Symbol: "ETH/USDT", Side: core.SideSell,
		Qty: dec("1"), AvgPrice: dec("3100"), State: core.PositionOpen,
	})
	require.NoError(t, err)

	cmdID := f.acceptCommand(t, core.CmdMergePositions, &core.MergePositionsPayload{
		SourcePositionID: srcID, TargetPositionID: tgtID,
	})
	err = f.exec.Execute(ctx, cmdID)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	// Nothing moved.
	src, err := f.store.FetchOpenPosition(ctx, f.store.DB(), srcID)
	require.NoError(t, err)
	assert.True(t, src.Qty.Equal(dec("2")))
}

func TestClosePositionSubmitsReduceOnlyAndReleasesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	posID, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, Symbol: "BTC/USDT", Side: core.SideBuy,
		Qty: dec("0.7"), AvgPrice: dec("50000"), State: core.PositionOpen,
	})
	require.NoError(t, err)
	acquired, err := f.store.AcquireClosePositionLock(ctx, f.store.DB(), f.account, posID, "req", 60)
	require.NoError(t, err)
	require.True(t, acquired)

	cmdID := f.acceptCommand(t, core.CmdClosePosition, &core.ClosePositionPayload{
		PositionID: posID, OrderType: core.OrderTypeMarket,
	})
	f.ex.createResults = []map[string]any{{"id": "ex-close"}}
	require.NoError(t, f.exec.Execute(ctx, cmdID))

	require.Len(t, f.ex.createReqs, 1)
	req := f.ex.createReqs[0]
	assert.Equal(t, "sell", req.Side)
	assert.Equal(t, "market", req.Type)
	assert.Equal(t, true, req.Params["reduceOnly"])

	// Lock released, so a second close can acquire it again.
	acquired, err = f.store.AcquireClosePositionLock(ctx, f.store.DB(), f.account, posID, "req2", 60)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Contains(t, f.sink.types(), "position_close_submitted")
}

func TestPositionChangeUpdatesTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	posID, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, Symbol: "BTC/USDT", Side: core.SideBuy,
		Qty: dec("1"), AvgPrice: dec("50000"), State: core.PositionOpen,
	})
	require.NoError(t, err)

	sl := dec("48000")
	comment := "tightened"
	cmdID := f.acceptCommand(t, core.CmdPositionChange, &core.PositionChangePayload{
		PositionID: posID, StopLoss: &sl, Comment: &comment,
	})
	require.NoError(t, f.exec.Execute(ctx, cmdID))

	pos, err := f.store.FetchOpenPosition(ctx, f.store.DB(), posID)
	require.NoError(t, err)
	require.NotNil(t, pos.StopLoss)
	assert.True(t, pos.StopLoss.Equal(sl))
	assert.Equal(t, "tightened", pos.Comment)
}
