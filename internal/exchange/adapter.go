package exchange

import (
	"context"
	"fmt"
	"time"

	"oms/internal/config"
	"oms/internal/core"
	apperrors "oms/pkg/errors"
)

// CallParams identifies the exchange, credentials and session for one
// adapter operation.
type CallParams struct {
	ExchangeID  string
	UseTestnet  bool
	APIKey      string
	Secret      string
	Passphrase  string
	ExtraConfig map[string]any
	SessionKey  string // typically "account:<id>"
}

// Adapter is the uniform entry point over both engine families. REST
// sessions are one-shot; streaming sessions go through the cache.
type Adapter struct {
	cfg    config.ExchangeConfig
	cache  *SessionCache
	logger core.ILogger
}

// NewAdapter wires the adapter from config.
func NewAdapter(cfg config.ExchangeConfig, logger core.ILogger) *Adapter {
	a := &Adapter{
		cfg:    cfg,
		logger: logger.WithField("component", "exchange_adapter"),
	}
	a.cache = NewSessionCache(a.dialStreaming,
		time.Duration(cfg.SessionTTLSeconds)*time.Second, logger)
	return a
}

// Close tears down all cached sessions.
func (a *Adapter) Close() { a.cache.Close() }

func (a *Adapter) gateway(engine EngineID, testnet bool) (config.GatewayConfig, string, error) {
	gw, ok := a.cfg.Gateways[engine.Exchange]
	if !ok {
		// A wildcard gateway serves every exchange not explicitly listed.
		gw, ok = a.cfg.Gateways["*"]
		if !ok {
			return config.GatewayConfig{}, "", apperrors.NewCodef(apperrors.CodeEngineUnavailable,
				"no gateway configured for %s", engine.Exchange)
		}
	}
	base := gw.BaseURL
	if testnet && gw.TestnetURL != "" {
		base = gw.TestnetURL
	}
	return gw, base, nil
}

func (a *Adapter) dialStreaming(ctx context.Context, settings Settings) (core.ExchangeClient, error) {
	gw, _, err := a.gateway(settings.Engine, settings.UseTestnet)
	if err != nil {
		return nil, err
	}
	if gw.WSEndpoint == "" {
		return nil, apperrors.NewCodef(apperrors.CodeEngineUnavailable,
			"no streaming endpoint configured for %s", settings.Engine.Exchange)
	}
	return DialStreaming(ctx, settings, gw.WSEndpoint, a.logger)
}

func (a *Adapter) settings(p CallParams) (Settings, error) {
	engine, err := ParseExchangeID(p.ExchangeID)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Engine:      engine,
		UseTestnet:  p.UseTestnet,
		APIKey:      p.APIKey,
		Secret:      p.Secret,
		Passphrase:  p.Passphrase,
		ExtraConfig: p.ExtraConfig,
	}, nil
}

// withClient resolves the engine family and hands fn a live client. REST
// clients are built, used once and closed; streaming clients come from the
// session cache under its per-key lock.
func (a *Adapter) withClient(ctx context.Context, p CallParams, fn func(core.ExchangeClient) error) error {
	settings, err := a.settings(p)
	if err != nil {
		return err
	}

	if settings.Engine.Persistent() {
		sessionKey := p.SessionKey
		if sessionKey == "" {
			sessionKey = "anonymous"
		}
		return a.cache.With(ctx, settings, sessionKey, fn)
	}

	_, base, err := a.gateway(settings.Engine, settings.UseTestnet)
	if err != nil {
		return err
	}
	client := NewRESTClient(settings, base,
		time.Duration(a.cfg.ReadTimeoutSeconds)*time.Second, a.logger)
	defer client.Close()
	return fn(client)
}

// ExecuteMethod dispatches an arbitrary method by name.
func (a *Adapter) ExecuteMethod(ctx context.Context, p CallParams, method string, args []any, kwargs map[string]any) (any, error) {
	var result any
	err := a.withClient(ctx, p, func(client core.ExchangeClient) error {
		var callErr error
		result, callErr = client.Call(ctx, method, args, kwargs)
		return callErr
	})
	return result, err
}

// ExecuteUnifiedWithCapability dispatches a method only when the exchange
// reports at least one of the listed capabilities (true or "emulated").
func (a *Adapter) ExecuteUnifiedWithCapability(ctx context.Context, p CallParams, method string, capabilities []string, args []any, kwargs map[string]any) (any, error) {
	var result any
	err := a.withClient(ctx, p, func(client core.ExchangeClient) error {
		supported := false
		for _, cap := range capabilities {
			if client.Has(cap) {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("%w: %v", apperrors.ErrCapabilityMissing, capabilities)
		}
		var callErr error
		result, callErr = client.Call(ctx, method, args, kwargs)
		return callErr
	})
	return result, err
}

// CreateOrder places an order.
func (a *Adapter) CreateOrder(ctx context.Context, p CallParams, req core.OrderRequest) (map[string]any, error) {
	var result map[string]any
	err := a.withClient(ctx, p, func(client core.ExchangeClient) error {
		var callErr error
		result, callErr = client.CreateOrder(ctx, req)
		return callErr
	})
	return result, err
}

// CancelOrder cancels one order.
func (a *Adapter) CancelOrder(ctx context.Context, p CallParams, orderID, symbol string) (map[string]any, error) {
	var result map[string]any
	err := a.withClient(ctx, p, func(client core.ExchangeClient) error {
		var callErr error
		result, callErr = client.CancelOrder(ctx, orderID, symbol)
		return callErr
	})
	return result, err
}

// FetchMyTrades returns recent account trades.
func (a *Adapter) FetchMyTrades(ctx context.Context, p CallParams, symbol string, sinceMs int64, limit int) ([]map[string]any, error) {
	var result []map[string]any
	err := a.withClient(ctx, p, func(client core.ExchangeClient) error {
		var callErr error
		result, callErr = client.FetchMyTrades(ctx, symbol, sinceMs, limit)
		return callErr
	})
	return result, err
}

// EditOrderIfSupported edits the order in place when the exchange supports
// editOrder. The second return reports whether an edit happened; markets are
// loaded first so the capability map is primed.
func (a *Adapter) EditOrderIfSupported(ctx context.Context, p CallParams, orderID string, req core.OrderRequest) (map[string]any, bool, error) {
	var result map[string]any
	edited := false
	err := a.withClient(ctx, p, func(client core.ExchangeClient) error {
		if err := client.LoadMarkets(ctx); err != nil {
			return err
		}
		if !client.Has("editOrder") {
			return nil
		}
		var callErr error
		result, callErr = client.EditOrder(ctx, orderID, req)
		if callErr != nil {
			return callErr
		}
		edited = true
		return nil
	})
	return result, edited, err
}

// EditOrReplaceOrder edits in place when supported, otherwise cancels the
// old order and creates a replacement. Returns the resulting order dict.
func (a *Adapter) EditOrReplaceOrder(ctx context.Context, p CallParams, orderID string, req core.OrderRequest) (map[string]any, error) {
	var result map[string]any
	err := a.withClient(ctx, p, func(client core.ExchangeClient) error {
		if err := client.LoadMarkets(ctx); err != nil {
			return err
		}
		if client.Has("editOrder") {
			var callErr error
			result, callErr = client.EditOrder(ctx, orderID, req)
			return callErr
		}
		if _, err := client.CancelOrder(ctx, orderID, req.Symbol); err != nil {
			return err
		}
		var callErr error
		result, callErr = client.CreateOrder(ctx, req)
		return callErr
	})
	return result, err
}
