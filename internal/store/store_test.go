package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oms/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "oms_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestAccount(t *testing.T, s *Store, mode core.PositionMode) int64 {
	t.Helper()
	id, err := s.CreateAccount(context.Background(), s.DB(), &core.Account{
		Name:         "test",
		ExchangeID:   "ccxt.binance",
		PositionMode: mode,
		Status:       core.AccountActive,
		PoolID:       "ccxt",
		ExtraConfig:  "{}",
	})
	require.NoError(t, err)
	return id
}

func TestQueueClaimLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID := newTestAccount(t, s, core.ModeHedge)

	cmdID, err := s.InsertPositionCommand(ctx, s.DB(), &core.PositionCommand{
		AccountID:   accountID,
		CommandType: core.CmdSendOrder,
		PayloadJSON: `{}`,
	})
	require.NoError(t, err)

	queueID, err := s.EnqueueCommand(ctx, s.DB(), accountID, "ccxt", cmdID)
	require.NoError(t, err)

	// First claim wins.
	item, err := s.ClaimNextQueueItem(ctx, s.DB(), "ccxt", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, queueID, item.QueueID)
	assert.Equal(t, cmdID, item.CommandID)
	assert.Equal(t, accountID, item.AccountID)
	assert.Equal(t, 1, item.Attempts)

	// A concurrent claimer sees nothing while the row is processing.
	second, err := s.ClaimNextQueueItem(ctx, s.DB(), "ccxt", "worker-2")
	require.NoError(t, err)
	assert.Nil(t, second)

	// Failed with delay: row is queued again but not yet due.
	require.NoError(t, s.MarkQueueFailed(ctx, s.DB(), queueID, 30))
	third, err := s.ClaimNextQueueItem(ctx, s.DB(), "ccxt", "worker-1")
	require.NoError(t, err)
	assert.Nil(t, third)

	// Immediate retry (zero delay) increments attempts.
	require.NoError(t, s.MarkQueueFailed(ctx, s.DB(), queueID, 0))
	fourth, err := s.ClaimNextQueueItem(ctx, s.DB(), "ccxt", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, fourth)
	assert.Equal(t, 2, fourth.Attempts)

	require.NoError(t, s.MarkQueueDone(ctx, s.DB(), queueID))
	depth, err := s.QueueDepth(ctx, s.DB(), "ccxt")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestQueueClaimOrderIsFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID := newTestAccount(t, s, core.ModeHedge)

	var queueIDs []int64
	for i := 0; i < 3; i++ {
		cmdID, err := s.InsertPositionCommand(ctx, s.DB(), &core.PositionCommand{
			AccountID:   accountID,
			CommandType: core.CmdCancelOrder,
			PayloadJSON: `{}`,
		})
		require.NoError(t, err)
		qid, err := s.EnqueueCommand(ctx, s.DB(), accountID, "ccxt", cmdID)
		require.NoError(t, err)
		queueIDs = append(queueIDs, qid)
	}

	for _, want := range queueIDs {
		item, err := s.ClaimNextQueueItem(ctx, s.DB(), "ccxt", "w")
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, want, item.QueueID)
		require.NoError(t, s.MarkQueueDone(ctx, s.DB(), item.QueueID))
	}
}

func TestCloseLockExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID := newTestAccount(t, s, core.ModeHedge)

	ok, err := s.AcquireClosePositionLock(ctx, s.DB(), accountID, 42, "req-1", 60)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquire fails without error.
	ok, err = s.AcquireClosePositionLock(ctx, s.DB(), accountID, 42, "req-2", 60)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseClosePositionLock(ctx, s.DB(), 42))
	ok, err = s.AcquireClosePositionLock(ctx, s.DB(), accountID, 42, "req-3", 60)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCloseLockExpiryCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID := newTestAccount(t, s, core.ModeHedge)

	// TTL of zero is already expired.
	ok, err := s.AcquireClosePositionLock(ctx, s.DB(), accountID, 7, "", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.CleanupExpiredCloseLocks(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err = s.AcquireClosePositionLock(ctx, s.DB(), accountID, 7, "", 60)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDealDeduplication(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID := newTestAccount(t, s, core.ModeHedge)

	deal := &core.Deal{
		AccountID:       accountID,
		PositionID:      1,
		Symbol:          "BTC/USDT",
		Side:            core.SideBuy,
		Qty:             decimal.RequireFromString("0.001"),
		Price:           decimal.RequireFromString("50000"),
		PnL:             decimal.Zero,
		Reason:          core.ReasonExternal,
		ExchangeTradeID: "t-100",
	}
	_, err := s.InsertPositionDeal(ctx, s.DB(), deal)
	require.NoError(t, err)

	exists, err := s.DealExistsByExchangeTradeID(ctx, s.DB(), accountID, "t-100")
	require.NoError(t, err)
	assert.True(t, exists)

	// Same trade id again violates the unique constraint.
	_, err = s.InsertPositionDeal(ctx, s.DB(), deal)
	assert.Error(t, err)

	// Deals without a trade id never collide.
	deal2 := *deal
	deal2.ExchangeTradeID = ""
	_, err = s.InsertPositionDeal(ctx, s.DB(), &deal2)
	require.NoError(t, err)
	_, err = s.InsertPositionDeal(ctx, s.DB(), &deal2)
	require.NoError(t, err)
}

func TestReconciliationCursorMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID := newTestAccount(t, s, core.ModeHedge)

	v, err := s.FetchReconciliationCursor(ctx, s.DB(), accountID, "my_trades_since")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, s.UpdateReconciliationCursor(ctx, s.DB(), accountID, "my_trades_since", "1000"))
	require.NoError(t, s.UpdateReconciliationCursor(ctx, s.DB(), accountID, "my_trades_since", "2000"))
	// Backwards update is a no-op.
	require.NoError(t, s.UpdateReconciliationCursor(ctx, s.DB(), accountID, "my_trades_since", "500"))

	v, err = s.FetchReconciliationCursor(ctx, s.DB(), accountID, "my_trades_since")
	require.NoError(t, err)
	assert.Equal(t, "2000", v)
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID := newTestAccount(t, s, core.ModeHedge)

	price := decimal.RequireFromString("50000")
	orderID, err := s.InsertOrderPendingSubmit(ctx, s.DB(), &core.Order{
		AccountID:     accountID,
		CommandID:     11,
		StrategyID:    3,
		Symbol:        "BTC/USDT",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeLimit,
		Qty:           decimal.RequireFromString("0.5"),
		Price:         &price,
		ClientOrderID: "c-1",
		Reason:        "trader",
	})
	require.NoError(t, err)

	o, err := s.FetchOrderForCommandSend(ctx, s.DB(), 11)
	require.NoError(t, err)
	assert.Equal(t, orderID, o.ID)
	assert.Equal(t, core.OrderPendingSubmit, o.Status)
	require.NotNil(t, o.Price)
	assert.True(t, o.Price.Equal(price))

	require.NoError(t, s.MarkOrderSubmittedExchange(ctx, s.DB(), orderID, "ex-9"))
	o, err = s.FindOrderByExchangeOrderID(ctx, s.DB(), accountID, "ex-9")
	require.NoError(t, err)
	assert.Equal(t, core.OrderSubmitted, o.Status)

	// Partial fill, then completing fill.
	require.NoError(t, s.ApplyOrderFill(ctx, s.DB(), orderID,
		decimal.RequireFromString("0.2"), decimal.RequireFromString("50000")))
	o, err = s.FetchOrderByID(ctx, s.DB(), orderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderPartiallyFilled, o.Status)

	require.NoError(t, s.ApplyOrderFill(ctx, s.DB(), orderID,
		decimal.RequireFromString("0.3"), decimal.RequireFromString("50100")))
	o, err = s.FetchOrderByID(ctx, s.DB(), orderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, o.Status)
	require.NotNil(t, o.ClosedAt)
	require.NotNil(t, o.AvgFillPrice)
	// (0.2*50000 + 0.3*50100) / 0.5 = 50060
	assert.True(t, o.AvgFillPrice.Equal(decimal.RequireFromString("50060")))
}

func TestExternalOrphanProbe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID := newTestAccount(t, s, core.ModeHedge)

	orphanID, err := s.InsertExternalOrder(ctx, s.DB(), &core.Order{
		AccountID:       accountID,
		PositionID:      20,
		Symbol:          "BTC/USDT",
		Side:            core.SideBuy,
		OrderType:       core.OrderTypeLimit,
		Qty:             decimal.RequireFromString("0.1"),
		FilledQty:       decimal.Zero,
		Status:          core.OrderSubmitted,
		ExchangeOrderID: "ex-new",
		Reason:          core.ReasonExternal,
	})
	require.NoError(t, err)

	found, err := s.FindExternalOrphanOrderForReplace(ctx, s.DB(), accountID, "ex-new", "none", 0)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, orphanID, found.ID)

	// After adoption the order no longer matches the orphan probe.
	require.NoError(t, s.AdoptExternalOrphanOrder(ctx, s.DB(), orphanID, 5, "trader", "kept"))
	found, err = s.FindExternalOrphanOrderForReplace(ctx, s.DB(), accountID, "ex-new", "none", 0)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestPositionNetHedgeLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID := newTestAccount(t, s, core.ModeHedge)

	posID, err := s.CreatePositionOpen(ctx, s.DB(), &core.Position{
		AccountID:  accountID,
		StrategyID: 3,
		Symbol:     "ETH/USDT",
		Side:       core.SideBuy,
		Qty:        decimal.RequireFromString("1.5"),
		AvgPrice:   decimal.RequireFromString("3000"),
		Reason:     "trader",
	})
	require.NoError(t, err)

	p, err := s.FetchOpenPositionForSymbol(ctx, s.DB(), accountID, "ETH/USDT", core.SideBuy, 3)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, posID, p.ID)

	// Wrong side finds nothing.
	p, err = s.FetchOpenPositionForSymbol(ctx, s.DB(), accountID, "ETH/USDT", core.SideSell, 3)
	require.NoError(t, err)
	assert.Nil(t, p)

	net, err := s.FetchOpenNetPositionBySymbol(ctx, s.DB(), accountID, "ETH/USDT")
	require.NoError(t, err)
	require.NotNil(t, net)
	assert.Equal(t, posID, net.ID)

	require.NoError(t, s.ClosePosition(ctx, s.DB(), posID))
	closed, err := s.FetchPosition(ctx, s.DB(), posID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosed, closed.State)
	assert.True(t, closed.Qty.IsZero())
	assert.NotNil(t, closed.ClosedAt)
}

func TestRawFingerprintDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID := newTestAccount(t, s, core.ModeHedge)

	payload := `{"id":"t-1","symbol":"BTC/USDT"}`
	require.NoError(t, s.InsertCcxtTradeRaw(ctx, s.DB(), accountID, payload))
	require.NoError(t, s.InsertCcxtTradeRaw(ctx, s.DB(), accountID, payload))

	rows, err := s.ListCcxtRaw(ctx, s.DB(), "ccxt_trades_raw", accountID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestEventOutboxOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID := newTestAccount(t, s, core.ModeHedge)

	ev1, err := s.InsertEvent(ctx, s.DB(), accountID, core.NamespacePosition, "order_submitted", `{}`)
	require.NoError(t, err)
	ev2, err := s.InsertEvent(ctx, s.DB(), accountID, core.NamespacePosition, "deal_created", `{}`)
	require.NoError(t, err)
	assert.Greater(t, ev2.ID, ev1.ID)

	events, err := s.ListEventsAfter(ctx, s.DB(), accountID, ev1.ID, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "deal_created", events[0].EventType)
}
