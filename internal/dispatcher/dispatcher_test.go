package dispatcher

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oms/internal/config"
	"oms/internal/core"
	"oms/internal/exchange"
	"oms/internal/intake"
	"oms/internal/reconciler"
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

type fakeCaller struct {
	mu       sync.Mutex
	methods  []string
	sessions []string
	result   any
	err      error
}

func (f *fakeCaller) ExecuteMethod(ctx context.Context, p exchange.CallParams, method string, args []any, kwargs map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)
	f.sessions = append(f.sessions, p.SessionKey)
	return f.result, f.err
}

type fakeReconciler struct {
	report reconciler.Report
	err    error
	runs   []int64
}

func (f *fakeReconciler) ReconcileAccount(ctx context.Context, accountID int64) (reconciler.Report, error) {
	f.runs = append(f.runs, accountID)
	f.report.AccountID = accountID
	return f.report, f.err
}

func (f *fakeReconciler) Status(accountID int64) *reconciler.AccountStatus {
	return &reconciler.AccountStatus{AccountID: accountID, Trades: f.report.Trades}
}

func (f *fakeReconciler) StatusList() []*reconciler.AccountStatus {
	return []*reconciler.AccountStatus{{AccountID: 1}}
}

type fixture struct {
	store      *store.Store
	dispatcher *Dispatcher
	caller     *fakeCaller
	reconciler *fakeReconciler
	ring       *EventRing

	account   int64
	adminKey  string
	traderKey string
}

func newFixture(t *testing.T) *fixture {
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

	adminKey := &core.APIKey{Key: "k-admin", Role: core.RoleAdmin, Status: "active"}
	_, err = st.CreateAPIKey(ctx, st.DB(), adminKey, "admin")
	require.NoError(t, err)

	traderKey := &core.APIKey{Key: "k-trader", Role: core.RoleTrader, Status: "active"}
	traderID, err := st.CreateAPIKey(ctx, st.DB(), traderKey, "trader")
	require.NoError(t, err)
	require.NoError(t, st.UpsertAPIKeyAccountPermission(ctx, st.DB(), &core.AccountPermission{
		APIKeyID:  traderID,
		AccountID: accountID,
		CanTrade:  true,
		CanRead:   true,
	}))

	cfg := config.DefaultConfig()
	cfg.Dispatcher.PoolSize = 2
	cfg.Server.RPCRateLimit = 0
	cfg.Credentials.RequireEncrypted = false
	cfg.Exchange.Gateways = map[string]config.GatewayConfig{
		"binance": {BaseURL: "https://gw.example/binance"},
	}

	caller := &fakeCaller{result: map[string]any{"balance": "1"}}
	rec := &fakeReconciler{report: reconciler.Report{Trades: 3, Projected: 2}}
	ring := NewEventRing(cfg.Dispatcher.EventRingSize)
	in := intake.NewService(st, cfg.Exchange.CloseLockTTL, nopLogger{})

	d := New(st, in, caller, rec, nil, ring, cfg, nil, nopLogger{})
	t.Cleanup(d.Stop)

	return &fixture{
		store:      st,
		dispatcher: d,
		caller:     caller,
		reconciler: rec,
		ring:       ring,
		account:    accountID,
		adminKey:   adminKey.Key,
		traderKey:  traderKey.Key,
	}
}

func (f *fixture) handle(t *testing.T, body map[string]any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return f.dispatcher.Handle(context.Background(), raw)
}

func errCode(err error) string {
	if err == nil {
		return ""
	}
	return apperrors.CodeOf(err)
}

func TestEventRingTrimsAndPulls(t *testing.T) {
	ring := NewEventRing(3)
	for i := int64(1); i <= 5; i++ {
		ring.Publish(core.Event{ID: i, AccountID: 7, EventType: "deal_created"})
	}

	assert.Equal(t, int64(5), ring.TailID(7))
	assert.Zero(t, ring.TailID(8))

	events := ring.PullAfter(7, 0, 10)
	require.Len(t, events, 3) // 1 and 2 were trimmed
	assert.Equal(t, int64(3), events[0].ID)

	events = ring.PullAfter(7, 4, 10)
	require.Len(t, events, 1)
	assert.Equal(t, int64(5), events[0].ID)
}

func TestEventRingSubscribeDropsWhenFull(t *testing.T) {
	ring := NewEventRing(10)
	ch, cancel := ring.Subscribe(1)
	defer cancel()

	ring.Publish(core.Event{ID: 1, AccountID: 1})
	ring.Publish(core.Event{ID: 2, AccountID: 1}) // dropped, buffer is full

	first := <-ch
	assert.Equal(t, int64(1), first.ID)
	select {
	case ev := <-ch:
		t.Fatalf("expected drop, got event %d", ev.ID)
	default:
	}

	// The dropped event is still recoverable from the ring.
	assert.Len(t, ring.PullAfter(1, first.ID, 10), 1)
}

func TestHandleAuthAndOpResolution(t *testing.T) {
	f := newFixture(t)

	_, err := f.handle(t, map[string]any{"op": "auth_check"})
	assert.Equal(t, "missing_api_key", errCode(err))

	_, err = f.handle(t, map[string]any{"op": "auth_check", "x_api_key": "nope"})
	assert.Equal(t, "invalid_api_key", errCode(err))

	_, err = f.handle(t, map[string]any{"op": "frobnicate", "x_api_key": f.traderKey})
	assert.Equal(t, "unsupported_op", errCode(err))

	result, err := f.handle(t, map[string]any{"op": "auth_check", "x_api_key": f.traderKey})
	require.NoError(t, err)
	view := result.(map[string]any)
	assert.Equal(t, core.RoleTrader, view["role"])
}

func TestCommandsBatchAndQueryThroughHandler(t *testing.T) {
	f := newFixture(t)

	result, err := f.handle(t, map[string]any{
		"op":        "oms_commands_batch",
		"x_api_key": f.traderKey,
		"items": []map[string]any{{
			"account_id": f.account,
			"command":    "send_order",
			"payload": map[string]any{
				"symbol":     "BTC/USDT",
				"side":       "buy",
				"order_type": "limit",
				"qty":        "0.5",
				"price":      "50000",
			},
		}},
	})
	require.NoError(t, err)
	results := result.(map[string]any)["results"].([]core.CommandResult)
	require.Len(t, results, 1)
	require.True(t, results[0].OK, results[0].Message)

	queried, err := f.handle(t, map[string]any{
		"op":         "oms_query",
		"x_api_key":  f.traderKey,
		"account_id": f.account,
		"query":      "orders_open",
	})
	require.NoError(t, err)
	orders := queried.(map[string]any)["orders"].([]map[string]any)
	require.Len(t, orders, 1)
	assert.Equal(t, "BTC/USDT", orders[0]["symbol"])
	assert.Equal(t, "0.5", orders[0]["qty"])

	_, err = f.handle(t, map[string]any{
		"op":         "oms_query",
		"x_api_key":  f.traderKey,
		"account_id": f.account,
		"query":      "open_interest",
	})
	assert.Equal(t, "unsupported_query", errCode(err))
}

func TestCcxtCallPinsAccountWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.handle(t, map[string]any{
		"op":         "ccxt_call",
		"x_api_key":  f.traderKey,
		"account_id": f.account,
		"method":     "fetch_balance",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"balance": "1"}, result)

	f.caller.mu.Lock()
	require.Len(t, f.caller.methods, 1)
	assert.Equal(t, "fetch_balance", f.caller.methods[0])
	assert.Equal(t, fmt.Sprintf("account:%d", f.account), f.caller.sessions[0])
	f.caller.mu.Unlock()

	// The chosen slot was persisted for sticky routing across restarts.
	hint, err := f.store.FetchAccountDispatcherWorkerHint(ctx, f.store.DB(), f.account)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, hint, 0)
	assert.Less(t, hint, 2)
}

func TestCcxtBatchIsolatesItemFailures(t *testing.T) {
	f := newFixture(t)

	result, err := f.handle(t, map[string]any{
		"op":        "ccxt_batch",
		"x_api_key": f.traderKey,
		"items": []map[string]any{
			{"account_id": f.account, "method": "fetch_balance"},
			{"account_id": f.account}, // missing method
			{"account_id": 999, "method": "fetch_balance"},
		},
		"parallel": false,
	})
	require.NoError(t, err)
	results := result.(map[string]any)["results"].([]map[string]any)
	require.Len(t, results, 3)
	assert.Equal(t, true, results[0]["ok"])
	assert.Equal(t, false, results[1]["ok"])
	assert.Equal(t, "validation_error", results[1]["error"].(map[string]any)["code"])
	assert.Equal(t, "account_not_found", results[2]["error"].(map[string]any)["code"])
}

func TestTradeOpsRequireTradeGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Admin keys read everything but never trade.
	_, err := f.handle(t, map[string]any{
		"op":         "ccxt_call",
		"x_api_key":  f.adminKey,
		"account_id": f.account,
		"method":     "create_order",
	})
	assert.Equal(t, "admin_read_only", errCode(err))

	// A read-only grant cannot reach trade ops either.
	roKey := &core.APIKey{Key: "k-ro", Role: core.RoleTrader, Status: "active"}
	roID, err := f.store.CreateAPIKey(ctx, f.store.DB(), roKey, "ro")
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertAPIKeyAccountPermission(ctx, f.store.DB(), &core.AccountPermission{
		APIKeyID: roID, AccountID: f.account, CanRead: true,
	}))
	_, err = f.handle(t, map[string]any{
		"op":         "ccxt_call",
		"x_api_key":  "k-ro",
		"account_id": f.account,
		"method":     "create_order",
	})
	assert.Equal(t, "permission_denied", errCode(err))

	// But reads still work.
	_, err = f.handle(t, map[string]any{
		"op":         "oms_query",
		"x_api_key":  "k-ro",
		"account_id": f.account,
		"query":      "positions_open",
	})
	assert.NoError(t, err)
}

func TestReconcileNowAndStatus(t *testing.T) {
	f := newFixture(t)

	result, err := f.handle(t, map[string]any{
		"op":         "reconcile_now",
		"x_api_key":  f.traderKey,
		"account_id": f.account,
	})
	require.NoError(t, err)
	report := result.(reconciler.Report)
	assert.Equal(t, f.account, report.AccountID)
	assert.Equal(t, 3, report.Trades)
	assert.Equal(t, []int64{f.account}, f.reconciler.runs)

	_, err = f.handle(t, map[string]any{
		"op":        "reconcile_status_list",
		"x_api_key": f.traderKey,
	})
	assert.Equal(t, "admin_required", errCode(err))

	_, err = f.handle(t, map[string]any{
		"op":        "reconcile_status_list",
		"x_api_key": f.adminKey,
	})
	assert.NoError(t, err)
}

func TestRiskSetAllowNewPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.handle(t, map[string]any{
		"op":         "risk_set_allow_new_positions",
		"x_api_key":  f.traderKey,
		"account_id": f.account,
		"allow":      false,
	})
	assert.Equal(t, "permission_denied", errCode(err))

	_, err = f.handle(t, map[string]any{
		"op":         "risk_set_allow_new_positions",
		"x_api_key":  f.adminKey,
		"account_id": f.account,
		"allow":      false,
	})
	require.NoError(t, err)

	allow, err := f.store.FetchAllowNewPositions(ctx, f.store.DB(), f.account)
	require.NoError(t, err)
	assert.False(t, allow)

	events := f.ring.PullAfter(f.account, 0, 10)
	require.NotEmpty(t, events)
	assert.Equal(t, "allow_new_positions_changed", events[len(events)-1].EventType)
	assert.Equal(t, core.NamespaceRisk, events[len(events)-1].Namespace)
}

func TestAdminAccountLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.handle(t, map[string]any{
		"op":          "admin_create_account",
		"x_api_key":   f.adminKey,
		"name":        "hedge-sub",
		"exchange_id": "bybit", // legacy bare name, canonicalized on create
		"credentials": map[string]any{"api_key": "ak", "secret": "sk"},
	})
	require.NoError(t, err)
	view := created.(map[string]any)
	assert.Equal(t, "ccxt.bybit", view["exchange_id"])
	accountID := view["id"].(int64)

	creds, err := f.store.FetchCredentials(ctx, f.store.DB(), accountID)
	require.NoError(t, err)
	// No codec configured, so credentials persist as given.
	assert.Equal(t, "ak", creds.APIKey)

	_, err = f.handle(t, map[string]any{
		"op":         "admin_update_account",
		"x_api_key":  f.adminKey,
		"account_id": accountID,
		"status":     "blocked",
	})
	require.NoError(t, err)
	account, err := f.store.FetchAccount(ctx, f.store.DB(), accountID)
	require.NoError(t, err)
	assert.Equal(t, core.AccountBlocked, account.Status)

	_, err = f.handle(t, map[string]any{
		"op":          "admin_create_account",
		"x_api_key":   f.traderKey,
		"name":        "nope",
		"exchange_id": "ccxt.binance",
	})
	assert.Equal(t, "admin_required", errCode(err))
}

func TestUserLoginAndSelfService(t *testing.T) {
	f := newFixture(t)

	created, err := f.handle(t, map[string]any{
		"op":        "admin_create_user_api_key",
		"x_api_key": f.adminKey,
		"email":     "ops@example.com",
		"name":      "Ops",
		"password":  "hunter22",
		"role":      "trader",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.(map[string]any)["api_key"].(map[string]any)["key"])

	_, err = f.handle(t, map[string]any{
		"op":       "auth_login_password",
		"email":    "ops@example.com",
		"password": "wrong",
	})
	assert.Equal(t, "permission_denied", errCode(err))

	login, err := f.handle(t, map[string]any{
		"op":       "auth_login_password",
		"email":    "ops@example.com",
		"password": "hunter22",
	})
	require.NoError(t, err)
	token := login.(map[string]any)["token"].(string)
	require.NotEmpty(t, token)

	profile, err := f.handle(t, map[string]any{"op": "user_profile_get", "token": token})
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", profile.(map[string]any)["email"])

	minted, err := f.handle(t, map[string]any{
		"op":    "user_api_keys_create",
		"token": token,
		"label": "bot",
	})
	require.NoError(t, err)
	mintedKey := minted.(map[string]any)["key"].(string)

	// The minted key authenticates on the RPC surface right away.
	_, err = f.handle(t, map[string]any{"op": "auth_check", "x_api_key": mintedKey})
	assert.NoError(t, err)

	_, err = f.handle(t, map[string]any{
		"op":    "user_api_keys_create",
		"token": token,
		"role":  "admin",
	})
	assert.Equal(t, "admin_required", errCode(err))
}

func TestWSTailAndPullFallBackToStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Event persisted before this process started: the ring is empty.
	var inserted *core.Event
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = f.store.InsertEvent(ctx, tx, f.account, core.NamespacePosition, "deal_created", `{}`)
		return err
	}))

	tail, err := f.handle(t, map[string]any{
		"op":         "ws_tail_id",
		"x_api_key":  f.traderKey,
		"account_id": f.account,
	})
	require.NoError(t, err)
	assert.Equal(t, inserted.ID, tail.(map[string]any)["tail_id"])

	pulled, err := f.handle(t, map[string]any{
		"op":         "ws_pull_events",
		"x_api_key":  f.traderKey,
		"account_id": f.account,
		"after_id":   0,
	})
	require.NoError(t, err)
	events := pulled.(map[string]any)["events"].([]core.Event)
	require.Len(t, events, 1)
	assert.Equal(t, "deal_created", events[0].EventType)
}

func TestServerRoundTrip(t *testing.T) {
	f := newFixture(t)

	server := NewServer(f.dispatcher, nopLogger{})
	require.NoError(t, server.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(server.Stop)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	send := func(body map[string]any) map[string]any {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		_, err = conn.Write(append(raw, '\n'))
		require.NoError(t, err)
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var response map[string]any
		require.NoError(t, json.Unmarshal(line, &response))
		return response
	}

	response := send(map[string]any{"op": "auth_check", "x_api_key": f.traderKey})
	assert.Equal(t, true, response["ok"])
	assert.Equal(t, "trader", response["result"].(map[string]any)["role"])

	response = send(map[string]any{"op": "auth_check", "x_api_key": "bad"})
	assert.Equal(t, false, response["ok"])
	assert.Equal(t, "invalid_api_key", response["error"].(map[string]any)["code"])

	// A malformed frame gets an error envelope and the connection stays usable.
	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var bad map[string]any
	require.NoError(t, json.Unmarshal(line, &bad))
	assert.Equal(t, "dispatcher_invalid_json", bad["error"].(map[string]any)["code"])

	response = send(map[string]any{"op": "status", "x_api_key": f.traderKey})
	assert.Equal(t, true, response["ok"])
}
