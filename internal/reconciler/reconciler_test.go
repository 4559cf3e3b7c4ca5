package reconciler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oms/internal/config"
	"oms/internal/core"
	"oms/internal/exchange"
	"oms/internal/mock"
	"oms/internal/store"
	"oms/pkg/concurrency"
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

func (s *memorySink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

// fakeTrades serves scripted trade dicts, optionally rejecting the
// symbol-less pull the way some engines do.
type fakeTrades struct {
	mu            sync.Mutex
	trades        []map[string]any
	symbollessErr error
	calls         []string
}

func (f *fakeTrades) FetchMyTrades(ctx context.Context, p exchange.CallParams, symbol string, sinceMs int64, limit int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, symbol)
	if symbol == "" && f.symbollessErr != nil {
		return nil, f.symbollessErr
	}
	var out []map[string]any
	for _, t := range f.trades {
		if symbol != "" && t["symbol"] != symbol {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTrades) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	store   *store.Store
	ex      *fakeTrades
	sink    *memorySink
	rec     *Reconciler
	account int64
}

func newFixture(t *testing.T, mode core.PositionMode) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "oms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	accountID, err := st.CreateAccount(context.Background(), st.DB(), &core.Account{
		Name:         "main",
		ExchangeID:   "ccxt.binance",
		PositionMode: mode,
		Status:       core.AccountActive,
		PoolID:       "ccxt",
	})
	require.NoError(t, err)

	ex := &fakeTrades{}
	sink := &memorySink{}
	cfg := config.ReconcileConfig{
		IntervalSeconds:     30,
		LookbackSeconds:     900,
		FetchLimit:          500,
		SymbolFallbackLimit: 20,
	}
	return &fixture{
		store:   st,
		ex:      ex,
		sink:    sink,
		rec:     New(st, ex, nil, false, cfg, sink, nil, nopLogger{}),
		account: accountID,
	}
}

// submittedOrder creates a local order already live on the exchange.
func (f *fixture) submittedOrder(t *testing.T, symbol string, side core.Side, qty string, strategyID int64, exchangeOrderID string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.InsertOrderPendingSubmit(ctx, f.store.DB(), &core.Order{
		AccountID:  f.account,
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       side,
		OrderType:  core.OrderTypeMarket,
		Qty:        dec(qty),
		Status:     core.OrderPendingSubmit,
		Reason:     "trader",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkOrderSubmittedExchange(ctx, f.store.DB(), id, exchangeOrderID))
	return id
}

func TestHedgeIsolation(t *testing.T) {
	f := newFixture(t, core.ModeHedge)
	ctx := context.Background()

	f.submittedOrder(t, "BTC/USDT", core.SideBuy, "0.001", 1, "ex-buy")
	f.submittedOrder(t, "BTC/USDT", core.SideSell, "0.001", 2, "ex-sell")
	f.ex.trades = []map[string]any{
		mock.Trade("t1", "BTC/USDT", "buy", dec("0.001"), dec("50000"), 1000, "ex-buy", ""),
		mock.Trade("t2", "BTC/USDT", "sell", dec("0.001"), dec("50100"), 2000, "ex-sell", ""),
	}

	report, err := f.rec.ReconcileAccount(ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Trades)
	assert.Equal(t, 2, report.Projected)

	positions, err := f.store.ListOpenPositions(ctx, f.store.DB(), f.account)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	sides := map[core.Side]bool{}
	for _, p := range positions {
		sides[p.Side] = true
	}
	assert.True(t, sides[core.SideBuy] && sides[core.SideSell])

	deals, err := f.store.ListDeals(ctx, f.store.DB(), f.account, 10)
	require.NoError(t, err)
	assert.Len(t, deals, 2)
}

func TestNettingReversal(t *testing.T) {
	f := newFixture(t, core.ModeNetting)
	ctx := context.Background()

	f.submittedOrder(t, "BTC/USDT", core.SideBuy, "0.002", 1, "ex-1")
	f.submittedOrder(t, "BTC/USDT", core.SideSell, "0.001", 1, "ex-2")
	f.submittedOrder(t, "BTC/USDT", core.SideSell, "0.003", 1, "ex-3")
	f.ex.trades = []map[string]any{
		mock.Trade("t1", "BTC/USDT", "buy", dec("0.002"), dec("50000"), 1000, "ex-1", ""),
		mock.Trade("t2", "BTC/USDT", "sell", dec("0.001"), dec("50100"), 2000, "ex-2", ""),
		mock.Trade("t3", "BTC/USDT", "sell", dec("0.003"), dec("50200"), 3000, "ex-3", ""),
	}

	_, err := f.rec.ReconcileAccount(ctx, f.account)
	require.NoError(t, err)

	positions, err := f.store.ListOpenPositions(ctx, f.store.DB(), f.account)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	reversed := positions[0]
	assert.Equal(t, core.SideSell, reversed.Side)
	assert.True(t, reversed.Qty.Equal(dec("0.002")), reversed.Qty.String())

	history, err := f.store.ListPositionsHistory(ctx, f.store.DB(), f.account, 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	// The reversal opened a fresh position id.
	for _, p := range history {
		assert.NotEqual(t, reversed.ID, p.ID)
		assert.Equal(t, core.PositionClosed, p.State)
	}
}

func TestIdempotentReconciliation(t *testing.T) {
	f := newFixture(t, core.ModeHedge)
	ctx := context.Background()

	f.submittedOrder(t, "BTC/USDT", core.SideBuy, "0.5", 1, "ex-1")
	f.ex.trades = []map[string]any{
		mock.Trade("t1", "BTC/USDT", "buy", dec("0.5"), dec("50000"), 5000, "ex-1", ""),
	}

	first, err := f.rec.ReconcileAccount(ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Projected)
	assert.Equal(t, "5001", first.Cursor)

	second, err := f.rec.ReconcileAccount(ctx, f.account)
	require.NoError(t, err)
	assert.Zero(t, second.Projected)

	deals, err := f.store.ListDeals(ctx, f.store.DB(), f.account, 10)
	require.NoError(t, err)
	assert.Len(t, deals, 1)

	// The cursor is persisted under the my_trades_since entity.
	cursor, err := f.store.FetchReconciliationCursor(ctx, f.store.DB(), f.account, "my_trades_since")
	require.NoError(t, err)
	assert.Equal(t, "5001", cursor)
	assert.Equal(t, 2, f.sink.count("reconciliation_tick"))
}

func TestExternalUnmatchedTradeStaysIsolated(t *testing.T) {
	f := newFixture(t, core.ModeHedge)
	ctx := context.Background()

	// A strategy position that external activity must never fold into.
	strategyPos, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, StrategyID: 1, Symbol: "BTC/USDT",
		Side: core.SideBuy, Qty: dec("1"), AvgPrice: dec("48000"), State: core.PositionOpen,
	})
	require.NoError(t, err)

	f.ex.trades = []map[string]any{
		mock.Trade("t-ext", "BTC/USDT", "buy", dec("0.2"), dec("50000"), 1000, "unknown-order", ""),
	}
	_, err = f.rec.ReconcileAccount(ctx, f.account)
	require.NoError(t, err)

	order, err := f.store.FindOrderByExchangeOrderID(ctx, f.store.DB(), f.account, "unknown-order")
	require.NoError(t, err)
	assert.Equal(t, core.ReasonExternal, order.Reason)
	assert.Zero(t, order.StrategyID)
	assert.Equal(t, core.OrderFilled, order.Status)
	assert.NotZero(t, order.PositionID)
	assert.NotEqual(t, strategyPos, order.PositionID)

	kept, err := f.store.FetchOpenPosition(ctx, f.store.DB(), strategyPos)
	require.NoError(t, err)
	assert.True(t, kept.Qty.Equal(dec("1")))
}

func TestTradeWithoutIDsGetsDerivedClientOrderID(t *testing.T) {
	f := newFixture(t, core.ModeHedge)
	ctx := context.Background()

	f.ex.trades = []map[string]any{
		mock.Trade("t-bare", "BTC/USDT", "sell", dec("0.1"), dec("49000"), 1000, "", ""),
	}
	_, err := f.rec.ReconcileAccount(ctx, f.account)
	require.NoError(t, err)

	order, err := f.store.FindOrderByClientOrderID(ctx, f.store.DB(), f.account, "ext-trade:t-bare")
	require.NoError(t, err)
	assert.Equal(t, core.ReasonExternal, order.Reason)
}

func TestSymbolFallbackUnion(t *testing.T) {
	f := newFixture(t, core.ModeHedge)
	ctx := context.Background()

	// Recent symbols come from the account's position history.
	_, err := f.store.CreatePositionOpen(ctx, f.store.DB(), &core.Position{
		AccountID: f.account, Symbol: "BTC/USDT", Side: core.SideBuy,
		Qty: dec("1"), AvgPrice: dec("50000"), State: core.PositionOpen,
	})
	require.NoError(t, err)

	f.submittedOrder(t, "BTC/USDT", core.SideBuy, "0.5", 1, "ex-1")
	f.ex.symbollessErr = apperrors.ErrInvalidOrderParameter
	f.ex.trades = []map[string]any{
		mock.Trade("t1", "BTC/USDT", "buy", dec("0.5"), dec("50000"), 1000, "ex-1", ""),
	}

	report, err := f.rec.ReconcileAccount(ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Projected)
	assert.Contains(t, f.ex.calls, "")
	assert.Contains(t, f.ex.calls, "BTC/USDT")
}

func TestPeriodicPassQueuesBehindAccountWork(t *testing.T) {
	f := newFixture(t, core.ModeHedge)
	locks := concurrency.NewKeyedMutex()
	rec := New(f.store, f.ex, nil, false, f.rec.cfg, f.sink, locks, nopLogger{})

	// Simulate the dispatcher holding the account for an exchange call.
	unlock := locks.Lock(f.account)

	done := make(chan struct{})
	go func() {
		rec.ReconcileAll(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.ex.callCount(), "reconciliation touched the exchange while the account was held")
	select {
	case <-done:
		t.Fatal("pass finished while the account was held")
	default:
	}

	unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pass did not resume after the account was released")
	}
	assert.NotZero(t, f.ex.callCount())
}

func TestMirrorAccountsShareTrades(t *testing.T) {
	f := newFixture(t, core.ModeHedge)
	ctx := context.Background()

	otherID, err := f.store.CreateAccount(ctx, f.store.DB(), &core.Account{
		Name: "mirror", ExchangeID: "ccxt.binance", PositionMode: core.ModeHedge,
		Status: core.AccountActive, PoolID: "ccxt",
	})
	require.NoError(t, err)

	f.submittedOrder(t, "BTC/USDT", core.SideBuy, "0.5", 1, "ex-1")
	f.ex.trades = []map[string]any{
		mock.Trade("t1", "BTC/USDT", "buy", dec("0.5"), dec("50000"), 1000, "ex-1", ""),
	}

	_, err = f.rec.ReconcileAccount(ctx, f.account)
	require.NoError(t, err)
	_, err = f.rec.ReconcileAccount(ctx, otherID)
	require.NoError(t, err)

	// Both accounts projected the same exchange trade into their own graph.
	for _, accountID := range []int64{f.account, otherID} {
		deals, err := f.store.ListDeals(ctx, f.store.DB(), accountID, 10)
		require.NoError(t, err)
		require.Len(t, deals, 1, "account %d", accountID)
		assert.Equal(t, "t1", deals[0].ExchangeTradeID)
	}

	// Account B had no matching local order, so it materialized an external one.
	order, err := f.store.FindOrderByExchangeOrderID(ctx, f.store.DB(), otherID, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, core.ReasonExternal, order.Reason)
}
