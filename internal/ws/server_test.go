package ws

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oms/internal/core"
	"oms/internal/store"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type chanFeed struct {
	ch chan core.Event
}

func (f *chanFeed) Subscribe(buffer int) (<-chan core.Event, func()) {
	return f.ch, func() {}
}

func TestHubRoutesByAccountAndNamespace(t *testing.T) {
	hub := NewHub(nopLogger{})

	posOnly := NewClient("a", 1, []string{core.NamespacePosition})
	allNs := NewClient("b", 1, nil)
	otherAccount := NewClient("c", 2, nil)
	hub.Register(posOnly)
	hub.Register(allNs)
	hub.Register(otherAccount)

	hub.BroadcastEvent(core.Event{ID: 10, AccountID: 1, Namespace: core.NamespaceCcxt, EventType: "order_submitted"})
	hub.BroadcastEvent(core.Event{ID: 11, AccountID: 1, Namespace: core.NamespacePosition, EventType: "deal_created"})

	// The namespace-filtered client only sees the position event.
	require.Len(t, posOnly.send, 1)
	msg := <-posOnly.send
	assert.Equal(t, core.NamespacePosition, msg.Namespace)

	assert.Len(t, allNs.send, 2)
	assert.Empty(t, otherAccount.send)
}

func TestClientSendDoesNotBlockWhenFull(t *testing.T) {
	client := NewClient("slow", 1, nil)
	for i := 0; i < cap(client.send); i++ {
		require.True(t, client.Send(Message{Type: TypeEvent}))
	}
	assert.False(t, client.Send(Message{Type: TypeEvent}))

	client.Close()
	assert.False(t, client.Send(Message{Type: TypeEvent}))
}

func newStore(t *testing.T) (*store.Store, int64) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "oms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	accountID, err := st.CreateAccount(ctx, st.DB(), &core.Account{
		Name:         "main",
		ExchangeID:   "ccxt.binance",
		PositionMode: core.ModeHedge,
		Status:       core.AccountActive,
		PoolID:       "ccxt",
	})
	require.NoError(t, err)

	key := &core.APIKey{Key: "k-trader", Role: core.RoleTrader, Status: "active"}
	keyID, err := st.CreateAPIKey(ctx, st.DB(), key, "test")
	require.NoError(t, err)
	require.NoError(t, st.UpsertAPIKeyAccountPermission(ctx, st.DB(), &core.AccountPermission{
		APIKeyID: keyID, AccountID: accountID, CanRead: true, CanTrade: true,
	}))
	return st, accountID
}

func TestSubscribeSnapshotsThenDeltas(t *testing.T) {
	st, accountID := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	price := decimal.RequireFromString("50000")
	_, err := st.InsertOrderPendingSubmit(ctx, st.DB(), &core.Order{
		AccountID: accountID,
		Symbol:    "BTC/USDT",
		Side:      core.SideBuy,
		OrderType: core.OrderTypeLimit,
		Qty:       decimal.RequireFromString("0.5"),
		Price:     &price,
		Reason:    "trader",
	})
	require.NoError(t, err)
	_, err = st.CreatePositionOpen(ctx, st.DB(), &core.Position{
		AccountID: accountID,
		Symbol:    "BTC/USDT",
		Side:      core.SideBuy,
		Qty:       decimal.RequireFromString("1"),
		AvgPrice:  decimal.RequireFromString("49000"),
		State:     core.PositionOpen,
		Reason:    "trader",
	})
	require.NoError(t, err)

	feed := &chanFeed{ch: make(chan core.Event, 16)}
	server := NewServer(st, feed, []string{"*"}, nopLogger{})
	events, unsubscribe := feed.Subscribe(16)
	defer unsubscribe()
	go server.Hub().Run(ctx, events)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeFrame{
		XAPIKey:    "k-trader",
		AccountID:  accountID,
		Namespaces: []string{core.NamespacePosition},
	}))

	read := func() Message {
		var msg Message
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	assert.Equal(t, TypeSubscribed, read().Type)

	orders := read()
	require.Equal(t, TypeSnapshotOrders, orders.Type)
	require.Len(t, orders.Data.([]any), 1)

	positions := read()
	require.Equal(t, TypeSnapshotPositions, positions.Type)
	require.Len(t, positions.Data.([]any), 1)

	// Deltas flow after the snapshots; the ccxt event is filtered out.
	feed.ch <- core.Event{ID: 1, AccountID: accountID, Namespace: core.NamespaceCcxt, EventType: "order_submitted"}
	feed.ch <- core.Event{ID: 2, AccountID: accountID, Namespace: core.NamespacePosition, EventType: "deal_created"}

	delta := read()
	assert.Equal(t, TypeEvent, delta.Type)
	assert.Equal(t, core.NamespacePosition, delta.Namespace)
}

func TestSubscribeRejectsUnauthorized(t *testing.T) {
	st, accountID := newStore(t)

	feed := &chanFeed{ch: make(chan core.Event)}
	server := NewServer(st, feed, []string{"*"}, nopLogger{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeFrame{
		XAPIKey:   "bogus",
		AccountID: accountID,
	}))

	var msg Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, 0, server.Hub().ClientCount())
}
