package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"oms/internal/core"
	"oms/pkg/telemetry"
)

// Dialer builds a fresh exchange client for a settings bundle.
type Dialer func(ctx context.Context, settings Settings) (core.ExchangeClient, error)

type sessionEntry struct {
	mu          sync.Mutex // serializes creation and use per key
	client      core.ExchangeClient
	fingerprint string
	lastUsedAt  time.Time
}

// SessionCache keeps persistent (streaming) exchange sessions keyed by
// (engine.exchange_id, session_key). Entries are rebuilt when the credential
// fingerprint changes, discarded on error, and evicted after the idle TTL.
type SessionCache struct {
	dial   Dialer
	ttl    time.Duration
	logger core.ILogger

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

// NewSessionCache creates a session cache.
func NewSessionCache(dial Dialer, ttl time.Duration, logger core.ILogger) *SessionCache {
	return &SessionCache{
		dial:    dial,
		ttl:     ttl,
		logger:  logger.WithField("component", "session_cache"),
		entries: make(map[string]*sessionEntry),
	}
}

// Fingerprint is a stable hash over everything that invalidates a session.
func Fingerprint(s Settings) string {
	extra, _ := json.Marshal(s.ExtraConfig)
	h := sha256.New()
	fmt.Fprintf(h, "%t|%s|%s|%s|%s", s.UseTestnet, s.APIKey, s.Secret, s.Passphrase, extra)
	return hex.EncodeToString(h.Sum(nil))
}

func (sc *SessionCache) entry(key string) *sessionEntry {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	e, ok := sc.entries[key]
	if !ok {
		e = &sessionEntry{}
		sc.entries[key] = e
	}
	return e
}

// With runs fn against the cached session for (engine, sessionKey), building
// or rebuilding it as needed. A failing fn discards the session.
func (sc *SessionCache) With(ctx context.Context, settings Settings, sessionKey string, fn func(core.ExchangeClient) error) error {
	sc.sweep()

	key := settings.Engine.String() + "|" + sessionKey
	e := sc.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	fp := Fingerprint(settings)
	if e.client != nil && e.fingerprint != fp {
		sc.logger.Info("Credential fingerprint changed, rebuilding session", "key", key)
		_ = e.client.Close()
		e.client = nil
	}

	if e.client == nil {
		client, err := sc.dial(ctx, settings)
		if err != nil {
			return err
		}
		e.client = client
		e.fingerprint = fp
		sc.countSessions()
	}
	e.lastUsedAt = time.Now()

	if err := fn(e.client); err != nil {
		// A failed call may leave the session in an unknown state.
		_ = e.client.Close()
		e.client = nil
		sc.countSessions()
		return err
	}
	return nil
}

// sweep evicts sessions idle past the TTL.
func (sc *SessionCache) sweep() {
	if sc.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-sc.ttl)

	sc.mu.Lock()
	var stale []*sessionEntry
	for key, e := range sc.entries {
		if !e.lastUsedAt.IsZero() && e.lastUsedAt.Before(cutoff) {
			stale = append(stale, e)
			delete(sc.entries, key)
		}
	}
	sc.mu.Unlock()

	for _, e := range stale {
		e.mu.Lock()
		if e.client != nil {
			_ = e.client.Close()
			e.client = nil
		}
		e.mu.Unlock()
	}
	if len(stale) > 0 {
		sc.countSessions()
	}
}

func (sc *SessionCache) countSessions() {
	sc.mu.Lock()
	n := int64(0)
	for _, e := range sc.entries {
		if e.client != nil {
			n++
		}
	}
	sc.mu.Unlock()
	telemetry.GetGlobalMetrics().SetExchangeSessionsOpen(n)
}

// Close tears down every cached session.
func (sc *SessionCache) Close() {
	sc.mu.Lock()
	entries := sc.entries
	sc.entries = make(map[string]*sessionEntry)
	sc.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.client != nil {
			_ = e.client.Close()
		}
		e.mu.Unlock()
	}
}
