// Package reconciler pulls executed trades from the exchange and projects
// them into deals and positions. It is the only writer of position state for
// activity the OMS did not originate.
package reconciler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"oms/internal/config"
	"oms/internal/core"
	"oms/internal/credentials"
	"oms/internal/exchange"
	"oms/internal/store"
	"oms/pkg/concurrency"
	"oms/pkg/telemetry"
)

// CursorEntityTrades is the reconciliation_cursor entity for trade pulls.
const CursorEntityTrades = "my_trades_since"

// ExchangeAPI is the slice of the exchange adapter the reconciler needs.
type ExchangeAPI interface {
	FetchMyTrades(ctx context.Context, p exchange.CallParams, symbol string, sinceMs int64, limit int) ([]map[string]any, error)
}

// Report summarizes one reconciliation run for an account.
type Report struct {
	AccountID int64  `json:"account_id"`
	Trades    int    `json:"trades"`
	Projected int    `json:"projected"`
	Cursor    string `json:"cursor,omitempty"`
}

// AccountStatus is the in-memory record of the last run per account.
type AccountStatus struct {
	AccountID int64     `json:"account_id"`
	LastRunAt time.Time `json:"last_run_at"`
	LastError string    `json:"last_error,omitempty"`
	Trades    int       `json:"trades"`
	Projected int       `json:"projected"`
	Cursor    string    `json:"cursor,omitempty"`
}

// Reconciler periodically reconciles every active account and serves
// on-demand runs.
type Reconciler struct {
	store            *store.Store
	exchange         ExchangeAPI
	codec            *credentials.Codec
	requireEncrypted bool
	cfg              config.ReconcileConfig
	sink             core.EventSink
	locks            *concurrency.KeyedMutex
	logger           core.ILogger

	mu       sync.Mutex
	statuses map[int64]*AccountStatus

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires a reconciler. codec may be nil for plaintext deployments. locks
// serializes the periodic pass against other per-account work; pass the
// instance shared with the dispatcher (nil builds a private one).
func New(st *store.Store, ex ExchangeAPI, codec *credentials.Codec, requireEncrypted bool, cfg config.ReconcileConfig, sink core.EventSink, locks *concurrency.KeyedMutex, logger core.ILogger) *Reconciler {
	if locks == nil {
		locks = concurrency.NewKeyedMutex()
	}
	return &Reconciler{
		store:            st,
		exchange:         ex,
		codec:            codec,
		requireEncrypted: requireEncrypted,
		cfg:              cfg,
		sink:             sink,
		locks:            locks,
		logger:           logger.WithField("component", "reconciler"),
		statuses:         make(map[int64]*AccountStatus),
	}
}

// Start launches the periodic loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Duration(r.cfg.IntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ReconcileAll(ctx)
			}
		}
	}()
	r.logger.Info("Reconciler started", "interval_seconds", r.cfg.IntervalSeconds)
}

// Stop cancels the loop and waits for the in-flight run.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// ReconcileAll runs one pass over every active account. Per-account errors
// are recorded in the status map, not propagated. Each account runs under
// its lock so the pass queues behind dispatcher work instead of
// interleaving with it; ReconcileAccount itself stays lock-free because the
// dispatcher already holds the lock on the reconcile_now path.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	accounts, err := r.store.ListAccounts(ctx, r.store.DB())
	if err != nil {
		r.logger.Error("Failed to list accounts for reconciliation", "error", err)
		return
	}
	for _, account := range accounts {
		if account.Status != core.AccountActive {
			continue
		}
		unlock := r.locks.Lock(account.ID)
		_, err := r.ReconcileAccount(ctx, account.ID)
		unlock()
		if err != nil {
			r.logger.Warn("Reconciliation failed", "account_id", account.ID, "error", err)
		}
	}
}

// Status returns the last-run record for one account.
func (r *Reconciler) Status(accountID int64) *AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.statuses[accountID]; ok {
		copied := *st
		return &copied
	}
	return nil
}

// StatusList returns the last-run record of every reconciled account.
func (r *Reconciler) StatusList() []*AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AccountStatus, 0, len(r.statuses))
	for _, st := range r.statuses {
		copied := *st
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (r *Reconciler) recordStatus(accountID int64, report Report, runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &AccountStatus{
		AccountID: accountID,
		LastRunAt: time.Now(),
		Trades:    report.Trades,
		Projected: report.Projected,
		Cursor:    report.Cursor,
	}
	if runErr != nil {
		st.LastError = runErr.Error()
	}
	r.statuses[accountID] = st
}

// ReconcileAccount reconciles a single account now.
func (r *Reconciler) ReconcileAccount(ctx context.Context, accountID int64) (Report, error) {
	report, err := r.reconcile(ctx, accountID)
	r.recordStatus(accountID, report, err)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.GetGlobalMetrics().IncReconcileTicks(ctx, outcome)
	return report, err
}

func (r *Reconciler) reconcile(ctx context.Context, accountID int64) (Report, error) {
	report := Report{AccountID: accountID}

	account, err := r.store.FetchAccount(ctx, r.store.DB(), accountID)
	if err != nil {
		return report, fmt.Errorf("failed to load account %d: %w", accountID, err)
	}
	callParams, err := r.callParams(ctx, account)
	if err != nil {
		return report, err
	}

	lookbackMs := int64(r.cfg.LookbackSeconds)
	if lookbackMs < 1 {
		lookbackMs = 1
	}
	lookbackMs *= 1000
	nowMs := time.Now().UnixMilli()
	since := nowMs - lookbackMs

	cursor, err := r.store.FetchReconciliationCursor(ctx, r.store.DB(), accountID, CursorEntityTrades)
	if err != nil {
		return report, err
	}
	if cursor != "" {
		if cursorMs, err := strconv.ParseInt(cursor, 10, 64); err == nil && cursorMs < since {
			since = cursorMs
		}
	}

	rawTrades, err := r.fetchTrades(ctx, account, callParams, since)
	if err != nil {
		return report, err
	}

	trades := make([]*core.NormalizedTrade, 0, len(rawTrades))
	raws := make(map[string]string, len(rawTrades))
	for _, raw := range rawTrades {
		nt, ok := normalizeTrade(raw)
		if !ok {
			r.logger.Debug("Dropping trade with missing fields", "account_id", accountID)
			continue
		}
		encoded, _ := json.Marshal(raw)
		trades = append(trades, nt)
		raws[nt.TradeID] = string(encoded)
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].TimestampMs != trades[j].TimestampMs {
			return trades[i].TimestampMs < trades[j].TimestampMs
		}
		return trades[i].TradeID < trades[j].TradeID
	})
	report.Trades = len(trades)

	var maxTs int64
	for _, nt := range trades {
		var events []*core.Event
		var projected bool
		err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := r.store.InsertCcxtTradeRaw(ctx, tx, accountID, raws[nt.TradeID]); err != nil {
				return err
			}
			var err error
			projected, err = r.projectTrade(ctx, tx, &events, account, nt)
			return err
		})
		if err != nil {
			return report, fmt.Errorf("failed to project trade %s: %w", nt.TradeID, err)
		}
		if projected {
			report.Projected++
		}
		r.publish(ctx, events)
		if nt.TimestampMs > maxTs {
			maxTs = nt.TimestampMs
		}
	}
	telemetry.GetGlobalMetrics().IncDealsProjected(ctx, int64(report.Projected))

	var events []*core.Event
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if maxTs > 0 {
			next := strconv.FormatInt(maxTs+1, 10)
			if err := r.store.UpdateReconciliationCursor(ctx, tx, accountID, CursorEntityTrades, next); err != nil {
				return err
			}
			report.Cursor = next
		}
		payload, _ := json.Marshal(map[string]any{
			"account_id":       accountID,
			"lookback_seconds": r.cfg.LookbackSeconds,
			"trades":           report.Trades,
			"projected":        report.Projected,
			"cursor":           report.Cursor,
		})
		ev, err := r.store.InsertEvent(ctx, tx, accountID, core.NamespacePosition, "reconciliation_tick", string(payload))
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return report, err
	}
	r.publish(ctx, events)
	return report, nil
}

// fetchTrades prefers a symbol-less pull; engines that insist on a symbol get
// a bounded per-symbol union over the account's recent symbols.
func (r *Reconciler) fetchTrades(ctx context.Context, account *core.Account, p exchange.CallParams, since int64) ([]map[string]any, error) {
	trades, err := r.exchange.FetchMyTrades(ctx, p, "", since, r.cfg.FetchLimit)
	if err == nil {
		return trades, nil
	}

	symbols, symErr := r.store.RecentSymbols(ctx, r.store.DB(), account.ID, r.cfg.SymbolFallbackLimit)
	if symErr != nil || len(symbols) == 0 {
		return nil, err
	}
	r.logger.Debug("Symbol-less trade pull rejected, falling back to per-symbol",
		"account_id", account.ID, "symbols", len(symbols), "error", err)

	var union []map[string]any
	for _, symbol := range symbols {
		batch, err := r.exchange.FetchMyTrades(ctx, p, symbol, since, r.cfg.FetchLimit)
		if err != nil {
			return nil, fmt.Errorf("per-symbol trade pull failed for %s: %w", symbol, err)
		}
		union = append(union, batch...)
	}
	return union, nil
}

func (r *Reconciler) publish(ctx context.Context, events []*core.Event) {
	if r.sink == nil {
		return
	}
	metrics := telemetry.GetGlobalMetrics()
	for _, ev := range events {
		r.sink.Publish(*ev)
		metrics.IncEventsPublished(ctx, ev.Namespace)
	}
}

func (r *Reconciler) callParams(ctx context.Context, account *core.Account) (exchange.CallParams, error) {
	params := exchange.CallParams{
		ExchangeID: account.ExchangeID,
		UseTestnet: account.IsTestnet,
		SessionKey: fmt.Sprintf("account:%d", account.ID),
	}
	creds, err := r.store.FetchCredentials(ctx, r.store.DB(), account.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return params, err
	}
	if creds != nil {
		if params.APIKey, err = r.decrypt(creds.APIKey); err != nil {
			return params, fmt.Errorf("api key: %w", err)
		}
		if params.Secret, err = r.decrypt(creds.Secret); err != nil {
			return params, fmt.Errorf("secret: %w", err)
		}
		if params.Passphrase, err = r.decrypt(creds.Passphrase); err != nil {
			return params, fmt.Errorf("passphrase: %w", err)
		}
	}
	if account.ExtraConfig != "" {
		extra := map[string]any{}
		if err := json.Unmarshal([]byte(account.ExtraConfig), &extra); err != nil {
			return params, fmt.Errorf("account %d extra_config is invalid JSON: %w", account.ID, err)
		}
		params.ExtraConfig = extra
	}
	return params, nil
}

func (r *Reconciler) decrypt(value string) (string, error) {
	if r.codec == nil {
		if credentials.IsEncrypted(value) {
			return "", fmt.Errorf("credential is encrypted but no codec key is configured")
		}
		if r.requireEncrypted && value != "" {
			return "", credentials.ErrPlaintextRejected
		}
		return value, nil
	}
	return r.codec.DecryptMaybe(value, r.requireEncrypted)
}
