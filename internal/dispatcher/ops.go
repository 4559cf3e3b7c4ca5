package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"oms/internal/core"
	"oms/internal/store"
	apperrors "oms/pkg/errors"
	"oms/pkg/telemetry"
)

// Request is the decoded RPC envelope. Op-specific fields stay raw and are
// decoded by the handler.
type Request struct {
	Op             string `json:"op"`
	XAPIKey        string `json:"x_api_key"`
	AccountID      int64  `json:"account_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`

	raw json.RawMessage
}

func (r *Request) decode(v any) error {
	if len(r.raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.raw, v); err != nil {
		return apperrors.Validation("invalid request body: %v", err)
	}
	return nil
}

type handlerFunc func(ctx context.Context, key *core.APIKey, req *Request) (any, error)

// publicOps skip api-key authentication; they carry their own credential.
var publicOps = map[string]bool{
	"auth_login_password": true,
	"user_profile_get":    true,
	"user_profile_update": true,
	"user_password_update": true,
	"user_api_keys_list":   true,
	"user_api_keys_create": true,
	"user_api_keys_update": true,
}

func (d *Dispatcher) registerHandlers() {
	d.handlers = map[string]handlerFunc{
		"auth_check":        d.opAuthCheck,
		"authorize_account": d.opAuthorizeAccount,
		"accounts_list":     d.opAccountsList,
		"status":            d.opStatus,

		"meta_ccxt_exchanges": d.opMetaCcxtExchanges,
		"ccxt_call":           d.opCcxtCall,
		"ccxt_batch":          d.opCcxtBatch,

		"oms_commands_batch":   d.opCommandsBatch,
		"oms_query":            d.opQuery,
		"oms_reassign":         d.opReassign,
		"ccxt_raw_query":       d.opCcxtRawQuery,
		"ccxt_raw_query_multi": d.opCcxtRawQueryMulti,

		"reconcile_now":            d.opReconcileNow,
		"reconcile_status_account": d.opReconcileStatusAccount,
		"reconcile_status_list":    d.opReconcileStatusList,

		"risk_set_allow_new_positions":          d.opRiskSetAllowNewPositions,
		"risk_set_strategy_allow_new_positions": d.opRiskSetStrategyAllowNewPositions,
		"risk_set_account_status":               d.opRiskSetAccountStatus,

		"ws_tail_id":     d.opWSTailID,
		"ws_pull_events": d.opWSPullEvents,

		"admin_create_account":            d.opAdminCreateAccount,
		"admin_list_accounts":             d.opAdminListAccounts,
		"admin_update_account":            d.opAdminUpdateAccount,
		"admin_create_user_api_key":       d.opAdminCreateUserAPIKey,
		"admin_list_users_api_keys":       d.opAdminListUsersAPIKeys,
		"admin_create_api_key":            d.opAdminCreateAPIKey,
		"admin_update_api_key":            d.opAdminUpdateAPIKey,
		"admin_list_api_key_permissions":  d.opAdminListAPIKeyPermissions,
		"admin_upsert_api_key_permission": d.opAdminUpsertAPIKeyPermission,
		"admin_create_strategy":           d.opAdminCreateStrategy,
		"admin_list_strategies":           d.opAdminListStrategies,
		"admin_update_strategy":           d.opAdminUpdateStrategy,
		"admin_oms_query":                 d.opAdminQuery,
		"admin_oms_mutate":                d.opAdminMutate,

		"auth_login_password":  d.opAuthLoginPassword,
		"user_profile_get":     d.opUserProfileGet,
		"user_profile_update":  d.opUserProfileUpdate,
		"user_password_update": d.opUserPasswordUpdate,
		"user_api_keys_list":   d.opUserAPIKeysList,
		"user_api_keys_create": d.opUserAPIKeysCreate,
		"user_api_keys_update": d.opUserAPIKeysUpdate,
	}
}

// Handle executes one raw request frame and returns the result payload.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) (any, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, apperrors.NewCodef(apperrors.CodeDispatcherInvalidJSON, "%v", err)
	}
	req.raw = raw

	fn, ok := d.handlers[req.Op]
	if !ok {
		return nil, apperrors.NewCodef(apperrors.CodeUnsupportedOp, "unknown op: %s", req.Op)
	}

	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var key *core.APIKey
	if !publicOps[req.Op] {
		var err error
		key, err = d.authenticate(ctx, req.XAPIKey)
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	result, err := fn(ctx, key, &req)
	telemetry.GetGlobalMetrics().ObserveRPCLatency(ctx, req.Op,
		float64(time.Since(start).Microseconds())/1000.0)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, apperrors.NewCode(apperrors.CodeDispatcherTimeout)
	}
	return result, err
}

// emitEvent inserts an outbox event in its own transaction and fans it out.
func (d *Dispatcher) emitEvent(ctx context.Context, accountID int64, namespace, eventType string, payload map[string]any) {
	encoded, _ := json.Marshal(payload)
	var ev *core.Event
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = d.store.InsertEvent(ctx, tx, accountID, namespace, eventType, string(encoded))
		return err
	})
	if err != nil {
		d.logger.Warn("Failed to insert event", "event_type", eventType, "error", err)
		return
	}
	if d.ring != nil {
		d.ring.Publish(*ev)
		telemetry.GetGlobalMetrics().IncEventsPublished(ctx, namespace)
	}
}

func (d *Dispatcher) opAuthCheck(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	return map[string]any{
		"api_key_id": key.ID,
		"user_id":    key.UserID,
		"role":       key.Role,
	}, nil
}

func (d *Dispatcher) opAuthorizeAccount(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body struct {
		Trade bool `json:"trade"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	account, err := d.requireAccount(ctx, key, req.AccountID, body.Trade)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"account": accountView(account),
		"trade":   body.Trade,
	}, nil
}

func (d *Dispatcher) opAccountsList(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	accounts, err := d.store.ListAccounts(ctx, d.store.DB())
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	if key.Role == core.RoleAdmin {
		for _, a := range accounts {
			out = append(out, accountView(a))
		}
		return map[string]any{"accounts": out}, nil
	}

	perms, err := d.store.ListAPIKeyAccountPermissions(ctx, d.store.DB(), key.ID)
	if err != nil {
		return nil, err
	}
	readable := make(map[int64]bool, len(perms))
	for _, p := range perms {
		if p.CanRead {
			readable[p.AccountID] = true
		}
	}
	for _, a := range accounts {
		if readable[a.ID] {
			out = append(out, accountView(a))
		}
	}
	return map[string]any{"accounts": out}, nil
}

func (d *Dispatcher) opStatus(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	pools := map[string]int{}
	for family, slots := range d.pools {
		pools[family] = len(slots)
	}
	return map[string]any{
		"status":  "ok",
		"time_ms": time.Now().UnixMilli(),
		"pools":   pools,
	}, nil
}

func (d *Dispatcher) opMetaCcxtExchanges(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	names := make([]string, 0, len(d.cfg.Exchange.Gateways))
	wildcard := false
	for name := range d.cfg.Exchange.Gateways {
		if name == "*" {
			wildcard = true
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{
		"exchanges": names,
		"wildcard":  wildcard,
		"families":  []string{"ccxt", "ccxtpro"},
	}, nil
}

type ccxtCallBody struct {
	AccountID int64          `json:"account_id"`
	Method    string         `json:"method"`
	Args      []any          `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
}

// ccxtCall is the shared path of ccxt_call and ccxt_batch items. Arbitrary
// methods can mutate exchange state, so the caller needs the trade grant.
func (d *Dispatcher) ccxtCall(ctx context.Context, key *core.APIKey, body ccxtCallBody) (any, error) {
	if body.Method == "" {
		return nil, apperrors.Validation("method is required")
	}
	account, err := d.requireAccount(ctx, key, body.AccountID, true)
	if err != nil {
		return nil, err
	}

	var result any
	err = d.runOnAccount(ctx, account, func() error {
		params, err := d.accountCallParams(ctx, account)
		if err != nil {
			return err
		}
		result, err = d.exchange.ExecuteMethod(ctx, params, body.Method, body.Args, body.Kwargs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) opCcxtCall(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body ccxtCallBody
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.AccountID == 0 {
		body.AccountID = req.AccountID
	}
	return d.ccxtCall(ctx, key, body)
}

func (d *Dispatcher) opCcxtBatch(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body struct {
		Items    []ccxtCallBody `json:"items"`
		Parallel bool           `json:"parallel"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if len(body.Items) == 0 {
		return nil, apperrors.Validation("items is required")
	}

	results := make([]map[string]any, len(body.Items))
	run := func(i int) {
		result, err := d.ccxtCall(ctx, key, body.Items[i])
		if err != nil {
			results[i] = map[string]any{"ok": false, "error": map[string]any{
				"code":    apperrors.CodeOf(err),
				"message": err.Error(),
			}}
			return
		}
		results[i] = map[string]any{"ok": true, "result": result}
	}

	if body.Parallel {
		// Items on distinct accounts fan out; same-account items still
		// serialize on the account's pinned slot.
		g, _ := errgroup.WithContext(ctx)
		for i := range body.Items {
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range body.Items {
			run(i)
		}
	}
	return map[string]any{"results": results}, nil
}

func (d *Dispatcher) opCommandsBatch(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body struct {
		Items []core.CommandInput `json:"items"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if len(body.Items) == 0 {
		return nil, apperrors.Validation("items is required")
	}
	return map[string]any{"results": d.intake.SubmitBatch(ctx, key, body.Items)}, nil
}

func (d *Dispatcher) opQuery(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body struct {
		AccountID int64  `json:"account_id"`
		Query     string `json:"query"`
		Limit     int    `json:"limit"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.AccountID == 0 {
		body.AccountID = req.AccountID
	}
	if _, err := d.requireAccount(ctx, key, body.AccountID, false); err != nil {
		return nil, err
	}
	return d.runQuery(ctx, body.AccountID, body.Query, body.Limit)
}

func (d *Dispatcher) runQuery(ctx context.Context, accountID int64, query string, limit int) (any, error) {
	if limit <= 0 {
		limit = 200
	}
	db := d.store.DB()
	switch query {
	case "orders_open":
		orders, err := d.store.ListOpenOrders(ctx, db, accountID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"orders": orderViews(orders)}, nil
	case "orders_history":
		orders, err := d.store.ListOrdersHistory(ctx, db, accountID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"orders": orderViews(orders)}, nil
	case "deals":
		deals, err := d.store.ListDeals(ctx, db, accountID, limit)
		if err != nil {
			return nil, err
		}
		views := make([]map[string]any, 0, len(deals))
		for _, deal := range deals {
			views = append(views, dealView(deal))
		}
		return map[string]any{"deals": views}, nil
	case "positions_open":
		positions, err := d.store.ListOpenPositions(ctx, db, accountID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"positions": positionViews(positions)}, nil
	case "positions_history":
		positions, err := d.store.ListPositionsHistory(ctx, db, accountID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"positions": positionViews(positions)}, nil
	default:
		return nil, apperrors.NewCodef(apperrors.CodeUnsupportedQuery, "unknown query: %s", query)
	}
}

func (d *Dispatcher) opCcxtRawQuery(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body struct {
		AccountID int64  `json:"account_id"`
		Table     string `json:"table"`
		Limit     int    `json:"limit"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.AccountID == 0 {
		body.AccountID = req.AccountID
	}
	if _, err := d.requireAccount(ctx, key, body.AccountID, false); err != nil {
		return nil, err
	}
	rows, err := d.rawRows(ctx, body.Table, body.AccountID, body.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rows": rows}, nil
}

func (d *Dispatcher) opCcxtRawQueryMulti(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body struct {
		AccountIDs []int64 `json:"account_ids"`
		Table      string  `json:"table"`
		Limit      int     `json:"limit"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if len(body.AccountIDs) == 0 {
		return nil, apperrors.Validation("account_ids is required")
	}

	out := map[int64][]json.RawMessage{}
	for _, accountID := range body.AccountIDs {
		if _, err := d.requireAccount(ctx, key, accountID, false); err != nil {
			return nil, err
		}
		rows, err := d.rawRows(ctx, body.Table, accountID, body.Limit)
		if err != nil {
			return nil, err
		}
		out[accountID] = rows
	}
	return map[string]any{"rows": out}, nil
}

func (d *Dispatcher) rawRows(ctx context.Context, table string, accountID int64, limit int) ([]json.RawMessage, error) {
	switch table {
	case "orders", "trades":
	default:
		return nil, apperrors.Validation("table must be orders or trades")
	}
	if limit <= 0 {
		limit = 200
	}
	raws, err := d.store.ListCcxtRaw(ctx, d.store.DB(), table, accountID, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]json.RawMessage, 0, len(raws))
	for _, raw := range raws {
		rows = append(rows, json.RawMessage(raw))
	}
	return rows, nil
}

func (d *Dispatcher) opReassign(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body struct {
		AccountID      int64  `json:"account_id"`
		Entity         string `json:"entity"` // orders, deals, positions or all
		FromStrategyID int64  `json:"from_strategy_id"`
		ToStrategyID   int64  `json:"to_strategy_id"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.AccountID == 0 {
		body.AccountID = req.AccountID
	}
	if body.FromStrategyID == body.ToStrategyID {
		return nil, apperrors.Validation("from_strategy_id and to_strategy_id must differ")
	}
	if _, err := d.requireAccount(ctx, key, body.AccountID, true); err != nil {
		return nil, err
	}

	counts := map[string]int64{}
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		all := body.Entity == "all" || body.Entity == ""
		matched := false
		if all || body.Entity == "orders" {
			n, err := d.store.ReassignOrdersStrategy(ctx, tx, body.AccountID, body.FromStrategyID, body.ToStrategyID)
			if err != nil {
				return err
			}
			counts["orders"] = n
			matched = true
		}
		if all || body.Entity == "deals" {
			n, err := d.store.ReassignDealsStrategy(ctx, tx, body.AccountID, body.FromStrategyID, body.ToStrategyID)
			if err != nil {
				return err
			}
			counts["deals"] = n
			matched = true
		}
		if all || body.Entity == "positions" {
			n, err := d.store.ReassignPositionsStrategy(ctx, tx, body.AccountID, body.FromStrategyID, body.ToStrategyID)
			if err != nil {
				return err
			}
			counts["positions"] = n
			matched = true
		}
		if !matched {
			return apperrors.Validation("entity must be orders, deals, positions or all")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.emitEvent(ctx, body.AccountID, core.NamespacePosition, "strategy_reassigned", map[string]any{
		"from_strategy_id": body.FromStrategyID,
		"to_strategy_id":   body.ToStrategyID,
		"counts":           counts,
	})
	return map[string]any{"reassigned": counts}, nil
}

func (d *Dispatcher) opReconcileNow(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	account, err := d.requireAccount(ctx, key, req.AccountID, false)
	if err != nil {
		return nil, err
	}
	var report any
	err = d.runOnAccount(ctx, account, func() error {
		r, err := d.reconciler.ReconcileAccount(ctx, account.ID)
		report = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (d *Dispatcher) opReconcileStatusAccount(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if _, err := d.requireAccount(ctx, key, req.AccountID, false); err != nil {
		return nil, err
	}
	status := d.reconciler.Status(req.AccountID)
	if status == nil {
		return map[string]any{"account_id": req.AccountID, "ran": false}, nil
	}
	return status, nil
}

func (d *Dispatcher) opReconcileStatusList(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	return map[string]any{"statuses": d.reconciler.StatusList()}, nil
}

// requireRiskControl gates the risk_set_* surface: admin keys and risk keys
// with a read grant on the target account.
func (d *Dispatcher) requireRiskControl(ctx context.Context, key *core.APIKey, accountID int64) error {
	switch key.Role {
	case core.RoleAdmin:
		return nil
	case core.RoleRisk:
		if accountID == 0 {
			return nil
		}
		_, err := d.requireAccount(ctx, key, accountID, false)
		return err
	default:
		return apperrors.NewCodef(apperrors.CodePermissionDenied,
			"risk controls require the admin or risk role")
	}
}

func (d *Dispatcher) opRiskSetAllowNewPositions(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body struct {
		AccountID int64 `json:"account_id"`
		Allow     bool  `json:"allow"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.AccountID == 0 {
		body.AccountID = req.AccountID
	}
	if err := d.requireRiskControl(ctx, key, body.AccountID); err != nil {
		return nil, err
	}
	if _, err := d.store.FetchAccount(ctx, d.store.DB(), body.AccountID); errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewCodef(apperrors.CodeAccountNotFound, "account %d", body.AccountID)
	} else if err != nil {
		return nil, err
	}
	if err := d.store.SetAllowNewPositions(ctx, d.store.DB(), body.AccountID, body.Allow); err != nil {
		return nil, err
	}
	d.emitEvent(ctx, body.AccountID, core.NamespaceRisk, "allow_new_positions_changed", map[string]any{
		"allow": body.Allow,
	})
	return map[string]any{"account_id": body.AccountID, "allow": body.Allow}, nil
}

func (d *Dispatcher) opRiskSetStrategyAllowNewPositions(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body struct {
		StrategyID int64 `json:"strategy_id"`
		Allow      *bool `json:"allow"` // null resets to inherit from the account
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.StrategyID == 0 {
		return nil, apperrors.Validation("strategy_id is required")
	}
	if err := d.requireRiskControl(ctx, key, 0); err != nil {
		return nil, err
	}
	if _, err := d.store.FetchStrategy(ctx, d.store.DB(), body.StrategyID); errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.Validation("strategy %d not found", body.StrategyID)
	} else if err != nil {
		return nil, err
	}
	if err := d.store.SetStrategyAllowNewPositions(ctx, d.store.DB(), body.StrategyID, body.Allow); err != nil {
		return nil, err
	}
	d.emitEvent(ctx, 0, core.NamespaceRisk, "strategy_allow_new_positions_changed", map[string]any{
		"strategy_id": body.StrategyID,
		"allow":       body.Allow,
	})
	return map[string]any{"strategy_id": body.StrategyID, "allow": body.Allow}, nil
}

func (d *Dispatcher) opRiskSetAccountStatus(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body struct {
		AccountID int64              `json:"account_id"`
		Status    core.AccountStatus `json:"status"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.AccountID == 0 {
		body.AccountID = req.AccountID
	}
	if body.Status != core.AccountActive && body.Status != core.AccountBlocked {
		return nil, apperrors.Validation("status must be active or blocked")
	}
	if err := d.requireRiskControl(ctx, key, body.AccountID); err != nil {
		return nil, err
	}
	if _, err := d.store.FetchAccount(ctx, d.store.DB(), body.AccountID); errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewCodef(apperrors.CodeAccountNotFound, "account %d", body.AccountID)
	} else if err != nil {
		return nil, err
	}
	if err := d.store.SetAccountStatus(ctx, d.store.DB(), body.AccountID, body.Status); err != nil {
		return nil, err
	}
	d.emitEvent(ctx, body.AccountID, core.NamespaceRisk, "account_status_changed", map[string]any{
		"status": body.Status,
	})
	return map[string]any{"account_id": body.AccountID, "status": body.Status}, nil
}

func (d *Dispatcher) opWSTailID(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if _, err := d.requireAccount(ctx, key, req.AccountID, false); err != nil {
		return nil, err
	}
	tail := d.ring.TailID(req.AccountID)
	if tail == 0 {
		// Ring is empty after a restart; the global max is a safe "nothing
		// newer than this" watermark.
		max, err := d.store.MaxEventID(ctx, d.store.DB())
		if err != nil {
			return nil, err
		}
		tail = max
	}
	return map[string]any{"tail_id": tail}, nil
}

func (d *Dispatcher) opWSPullEvents(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	var body struct {
		AccountID int64 `json:"account_id"`
		AfterID   int64 `json:"after_id"`
		Limit     int   `json:"limit"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.AccountID == 0 {
		body.AccountID = req.AccountID
	}
	if _, err := d.requireAccount(ctx, key, body.AccountID, false); err != nil {
		return nil, err
	}

	events := d.ring.PullAfter(body.AccountID, body.AfterID, body.Limit)
	if len(events) == 0 {
		limit := body.Limit
		if limit <= 0 {
			limit = 100
		}
		stored, err := d.store.ListEventsAfter(ctx, d.store.DB(), body.AccountID, body.AfterID, limit)
		if err != nil {
			return nil, err
		}
		for _, ev := range stored {
			events = append(events, *ev)
		}
	}
	return map[string]any{"events": events}, nil
}

// JSON views. Decimals render as strings so callers never see float drift.

func accountView(a *core.Account) map[string]any {
	return map[string]any{
		"id":            a.ID,
		"name":          a.Name,
		"exchange_id":   a.ExchangeID,
		"position_mode": a.PositionMode,
		"status":        a.Status,
		"is_testnet":    a.IsTestnet,
		"pool_id":       a.PoolID,
	}
}

func orderView(o *core.Order) map[string]any {
	v := map[string]any{
		"id":                 o.ID,
		"account_id":         o.AccountID,
		"command_id":         o.CommandID,
		"strategy_id":        o.StrategyID,
		"position_id":        o.PositionID,
		"symbol":             o.Symbol,
		"side":               o.Side,
		"order_type":         o.OrderType,
		"qty":                o.Qty.String(),
		"filled_qty":         o.FilledQty.String(),
		"status":             o.Status,
		"client_order_id":    o.ClientOrderID,
		"exchange_order_id":  o.ExchangeOrderID,
		"reason":             o.Reason,
		"comment":            o.Comment,
		"edit_replace_state": o.EditReplaceState,
		"created_at":         o.CreatedAt.UnixMilli(),
	}
	if o.Price != nil {
		v["price"] = o.Price.String()
	}
	if o.AvgFillPrice != nil {
		v["avg_fill_price"] = o.AvgFillPrice.String()
	}
	if o.StopLoss != nil {
		v["stop_loss"] = o.StopLoss.String()
	}
	if o.StopGain != nil {
		v["stop_gain"] = o.StopGain.String()
	}
	return v
}

func orderViews(orders []*core.Order) []map[string]any {
	views := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView(o))
	}
	return views
}

func positionView(p *core.Position) map[string]any {
	v := map[string]any{
		"id":          p.ID,
		"account_id":  p.AccountID,
		"strategy_id": p.StrategyID,
		"symbol":      p.Symbol,
		"side":        p.Side,
		"qty":         p.Qty.String(),
		"avg_price":   p.AvgPrice.String(),
		"state":       p.State,
		"reason":      p.Reason,
		"comment":     p.Comment,
		"opened_at":   p.OpenedAt.UnixMilli(),
	}
	if p.StopLoss != nil {
		v["stop_loss"] = p.StopLoss.String()
	}
	if p.StopGain != nil {
		v["stop_gain"] = p.StopGain.String()
	}
	if p.ClosedAt != nil {
		v["closed_at"] = p.ClosedAt.UnixMilli()
	}
	return v
}

func positionViews(positions []*core.Position) []map[string]any {
	views := make([]map[string]any, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView(p))
	}
	return views
}

func dealView(deal *core.Deal) map[string]any {
	v := map[string]any{
		"id":                deal.ID,
		"account_id":        deal.AccountID,
		"order_id":          deal.OrderID,
		"position_id":       deal.PositionID,
		"symbol":            deal.Symbol,
		"side":              deal.Side,
		"qty":               deal.Qty.String(),
		"price":             deal.Price.String(),
		"pnl":               deal.PnL.String(),
		"strategy_id":       deal.StrategyID,
		"reason":            deal.Reason,
		"reconciled":        deal.Reconciled,
		"exchange_trade_id": deal.ExchangeTradeID,
		"created_at":        deal.CreatedAt.UnixMilli(),
	}
	if deal.Fee != nil {
		v["fee"] = deal.Fee.String()
		v["fee_currency"] = deal.FeeCurrency
	}
	return v
}
