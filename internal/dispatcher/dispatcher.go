// Package dispatcher is the control plane of the OMS: it authenticates RPC
// callers, schedules per-account work onto pinned worker slots, and exposes
// every operational surface (commands, queries, ccxt forwarding, admin,
// reconciliation, risk, WebSocket helpers).
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"oms/internal/config"
	"oms/internal/core"
	"oms/internal/credentials"
	"oms/internal/exchange"
	"oms/internal/intake"
	"oms/internal/reconciler"
	"oms/internal/store"
	"oms/pkg/concurrency"
	apperrors "oms/pkg/errors"
)

// ExchangeCaller is the slice of the exchange adapter the dispatcher
// forwards arbitrary ccxt calls through.
type ExchangeCaller interface {
	ExecuteMethod(ctx context.Context, p exchange.CallParams, method string, args []any, kwargs map[string]any) (any, error)
}

// ReconcileAPI is the reconciler surface the dispatcher exposes over RPC.
type ReconcileAPI interface {
	ReconcileAccount(ctx context.Context, accountID int64) (reconciler.Report, error)
	Status(accountID int64) *reconciler.AccountStatus
	StatusList() []*reconciler.AccountStatus
}

// Dispatcher routes RPC operations. Work that touches an account's exchange
// session runs on that account's pinned worker slot, strictly serial.
type Dispatcher struct {
	store      *store.Store
	intake     *intake.Service
	exchange   ExchangeCaller
	reconciler ReconcileAPI
	codec      *credentials.Codec
	ring       *EventRing
	cfg        *config.Config
	logger     core.ILogger

	handlers map[string]handlerFunc

	pools map[string][]*concurrency.WorkerPool

	pinMu  sync.Mutex
	pinned map[int64]int

	locks *concurrency.KeyedMutex
}

// New wires the dispatcher. codec may be nil for plaintext deployments.
// locks serializes per-account work; pass the instance shared with the
// reconciler so background runs queue behind RPC-driven work (nil builds a
// private one).
func New(st *store.Store, in *intake.Service, ex ExchangeCaller, rec ReconcileAPI, codec *credentials.Codec, ring *EventRing, cfg *config.Config, locks *concurrency.KeyedMutex, logger core.ILogger) *Dispatcher {
	if locks == nil {
		locks = concurrency.NewKeyedMutex()
	}
	d := &Dispatcher{
		store:      st,
		intake:     in,
		exchange:   ex,
		reconciler: rec,
		codec:      codec,
		ring:       ring,
		cfg:        cfg,
		logger:     logger.WithField("component", "dispatcher"),
		pools:      make(map[string][]*concurrency.WorkerPool),
		pinned:     make(map[int64]int),
		locks:      locks,
	}
	for _, family := range []string{exchange.FamilyCcxt, exchange.FamilyCcxtPro} {
		slots := make([]*concurrency.WorkerPool, cfg.Dispatcher.PoolSize)
		for i := range slots {
			// One worker per slot keeps every pinned account strictly serial.
			slots[i] = concurrency.NewWorkerPool(concurrency.PoolConfig{
				Name:       fmt.Sprintf("%s-%d", family, i),
				MaxWorkers: 1,
			}, logger)
		}
		d.pools[family] = slots
	}
	d.registerHandlers()
	return d
}

// Stop drains the worker slots.
func (d *Dispatcher) Stop() {
	for _, slots := range d.pools {
		for _, slot := range slots {
			slot.Stop()
		}
	}
}

// Ring exposes the event ring for the WebSocket server.
func (d *Dispatcher) Ring() *EventRing { return d.ring }

// slotFor pins the account to a worker slot: the in-memory pin wins, then
// the persisted hint, then the least-loaded slot of the engine family.
func (d *Dispatcher) slotFor(ctx context.Context, account *core.Account, family string) int {
	d.pinMu.Lock()
	if idx, ok := d.pinned[account.ID]; ok {
		d.pinMu.Unlock()
		return idx
	}
	d.pinMu.Unlock()

	slots := d.pools[family]
	idx := -1
	if hint, err := d.store.FetchAccountDispatcherWorkerHint(ctx, d.store.DB(), account.ID); err == nil &&
		hint >= 0 && hint < len(slots) {
		idx = hint
	}
	if idx < 0 {
		best := uint64(0)
		for i, slot := range slots {
			waiting := slot.WaitingTasks()
			if idx < 0 || waiting < best {
				idx, best = i, waiting
			}
		}
		if err := d.store.SetAccountDispatcherWorkerHint(ctx, d.store.DB(), account.ID, idx); err != nil {
			d.logger.Warn("Failed to persist worker hint", "account_id", account.ID, "error", err)
		}
	}

	d.pinMu.Lock()
	d.pinned[account.ID] = idx
	d.pinMu.Unlock()
	return idx
}

// runOnAccount executes fn on the account's pinned slot under the account
// lock. A context deadline abandons the wait (the slot still finishes the
// job) and maps to dispatcher_timeout.
func (d *Dispatcher) runOnAccount(ctx context.Context, account *core.Account, fn func() error) error {
	engine, err := exchange.ParseExchangeID(account.ExchangeID)
	if err != nil {
		return err
	}
	slot := d.pools[engine.Family][d.slotFor(ctx, account, engine.Family)]

	done := make(chan error, 1)
	if err := slot.Submit(func() {
		unlock := d.locks.Lock(account.ID)
		defer unlock()
		done <- fn()
	}); err != nil {
		return apperrors.NewCodef(apperrors.CodeDispatcherUnavailable, "%v", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return apperrors.NewCode(apperrors.CodeDispatcherTimeout)
	}
}

// authenticate resolves the caller's api key.
func (d *Dispatcher) authenticate(ctx context.Context, key string) (*core.APIKey, error) {
	if key == "" {
		return nil, apperrors.NewCode(apperrors.CodeMissingAPIKey)
	}
	apiKey, err := d.store.FetchAPIKey(ctx, d.store.DB(), key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewCode(apperrors.CodeInvalidAPIKey)
	}
	if err != nil {
		return nil, err
	}
	return apiKey, nil
}

// requireAccount checks the caller's grant on the account and returns it.
// Admin keys read everything.
func (d *Dispatcher) requireAccount(ctx context.Context, key *core.APIKey, accountID int64, trade bool) (*core.Account, error) {
	if accountID == 0 {
		return nil, apperrors.NewCode(apperrors.CodeMissingAccountID)
	}
	account, err := d.store.FetchAccount(ctx, d.store.DB(), accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewCodef(apperrors.CodeAccountNotFound, "account %d", accountID)
	}
	if err != nil {
		return nil, err
	}

	if key.Role == core.RoleAdmin {
		if trade {
			return nil, apperrors.NewCode(apperrors.CodeAdminReadOnly)
		}
		return account, nil
	}

	perm, err := d.store.FetchAPIKeyAccountPermissions(ctx, d.store.DB(), key.ID, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewCodef(apperrors.CodePermissionDenied,
			"api key has no access to account %d", accountID)
	}
	if err != nil {
		return nil, err
	}
	if trade && !perm.CanTrade {
		return nil, apperrors.NewCodef(apperrors.CodePermissionDenied,
			"api key cannot trade on account %d", accountID)
	}
	if !trade && !perm.CanRead {
		return nil, apperrors.NewCodef(apperrors.CodePermissionDenied,
			"api key cannot read account %d", accountID)
	}
	return account, nil
}

func (d *Dispatcher) requireAdmin(key *core.APIKey) error {
	if key.Role != core.RoleAdmin {
		return apperrors.NewCode(apperrors.CodeAdminRequired)
	}
	return nil
}

// accountCallParams builds the exchange call identity for an account,
// decrypting its stored credentials.
func (d *Dispatcher) accountCallParams(ctx context.Context, account *core.Account) (exchange.CallParams, error) {
	params := exchange.CallParams{
		ExchangeID: account.ExchangeID,
		UseTestnet: account.IsTestnet,
		SessionKey: fmt.Sprintf("account:%d", account.ID),
	}
	creds, err := d.store.FetchCredentials(ctx, d.store.DB(), account.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return params, err
	}
	if creds != nil {
		if params.APIKey, err = d.decrypt(creds.APIKey); err != nil {
			return params, err
		}
		if params.Secret, err = d.decrypt(creds.Secret); err != nil {
			return params, err
		}
		if params.Passphrase, err = d.decrypt(creds.Passphrase); err != nil {
			return params, err
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

func (d *Dispatcher) decrypt(value string) (string, error) {
	if d.codec == nil {
		if credentials.IsEncrypted(value) {
			return "", fmt.Errorf("credential is encrypted but no codec key is configured")
		}
		if d.cfg.Credentials.RequireEncrypted && value != "" {
			return "", credentials.ErrPlaintextRejected
		}
		return value, nil
	}
	return d.codec.DecryptMaybe(value, d.cfg.Credentials.RequireEncrypted)
}

// encrypt seals a credential for storage when a codec is configured.
func (d *Dispatcher) encrypt(value string) (string, error) {
	if d.codec == nil || value == "" {
		return value, nil
	}
	return d.codec.Encrypt(value)
}
