package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"oms/internal/core"
	apperrors "oms/pkg/errors"
	"oms/pkg/httpx"
	"oms/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Settings carries everything needed to open an exchange session.
type Settings struct {
	Engine      EngineID
	UseTestnet  bool
	APIKey      string
	Secret      string
	Passphrase  string
	ExtraConfig map[string]any
}

// callRequest is the gateway wire format for one exchange method call.
type callRequest struct {
	Method      string         `json:"method"`
	Args        []any          `json:"args,omitempty"`
	Kwargs      map[string]any `json:"kwargs,omitempty"`
	APIKey      string         `json:"api_key,omitempty"`
	Secret      string         `json:"secret,omitempty"`
	Passphrase  string         `json:"passphrase,omitempty"`
	Testnet     bool           `json:"testnet,omitempty"`
	ExtraConfig map[string]any `json:"extra_config,omitempty"`
}

type callResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

// engineErrors maps gateway error codes onto the standardized sentinels.
var engineErrors = map[string]error{
	"insufficient_funds":      apperrors.ErrInsufficientFunds,
	"order_rejected":          apperrors.ErrOrderRejected,
	"rate_limit_exceeded":     apperrors.ErrRateLimitExceeded,
	"network_error":           apperrors.ErrNetwork,
	"invalid_symbol":          apperrors.ErrInvalidSymbol,
	"authentication_failed":   apperrors.ErrAuthenticationFailed,
	"exchange_maintenance":    apperrors.ErrExchangeMaintenance,
	"order_not_found":         apperrors.ErrOrderNotFound,
	"duplicate_order":         apperrors.ErrDuplicateOrder,
	"invalid_order_parameter": apperrors.ErrInvalidOrderParameter,
	"unsupported_method":      apperrors.ErrUnsupportedMethod,
}

// decodeEnvelope unwraps a gateway {ok, result|error} envelope, mapping
// error codes onto sentinels, and returns the raw result.
func decodeEnvelope(body []byte) (json.RawMessage, error) {
	var env callResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed gateway response: %w", err)
	}
	if !env.OK {
		if env.Error == nil {
			return nil, apperrors.NewCodef(apperrors.CodeEngineUnavailable, "gateway returned no error detail")
		}
		if sentinel, ok := engineErrors[env.Error.Code]; ok {
			return nil, fmt.Errorf("%w: %s", sentinel, env.Error.Message)
		}
		return nil, apperrors.NewCodef(apperrors.CodeEngineUnavailable, "%s: %s", env.Error.Code, env.Error.Message)
	}
	return env.Result, nil
}

// RESTClient is a one-shot ccxt-family client speaking JSON to an exchange
// gateway. It holds no exchange-side session; Close is a no-op.
type RESTClient struct {
	settings Settings
	http     *httpx.Client
	logger   core.ILogger

	mu  sync.Mutex
	has map[string]any // capability map, loaded lazily from describe

	latency metric.Float64Histogram
}

// NewRESTClient creates a REST engine client against a gateway base URL.
func NewRESTClient(settings Settings, baseURL string, timeout time.Duration, logger core.ILogger) *RESTClient {
	return &RESTClient{
		settings: settings,
		http:     httpx.NewClient(baseURL, timeout, nil),
		logger:   logger.WithField("component", "exchange_rest").WithField("exchange", settings.Engine.String()),
		latency:  telemetry.GetGlobalMetrics().ExchangeLatency,
	}
}

// ID returns the canonical engine id, e.g. "ccxt.binance".
func (c *RESTClient) ID() string { return c.settings.Engine.String() }

// Has reports whether the exchange supports a capability; "emulated" counts.
func (c *RESTClient) Has(capability string) bool {
	caps, err := c.capabilities(context.Background())
	if err != nil {
		c.logger.Warn("Capability probe failed", "capability", capability, "error", err)
		return false
	}
	return capabilityTruthy(caps[capability])
}

func capabilityTruthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "emulated" || t == "true"
	default:
		return false
	}
}

func (c *RESTClient) capabilities(ctx context.Context) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.has != nil {
		return c.has, nil
	}

	var described struct {
		Has map[string]any `json:"has"`
	}
	raw, err := c.call(ctx, "describe", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &described); err != nil {
		return nil, fmt.Errorf("malformed describe result: %w", err)
	}
	if described.Has == nil {
		described.Has = map[string]any{}
	}
	c.has = described.Has
	return c.has, nil
}

func (c *RESTClient) call(ctx context.Context, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	start := time.Now()
	body, err := c.http.Post(ctx, "/exchanges/"+c.settings.Engine.Exchange+"/call", callRequest{
		Method:      method,
		Args:        args,
		Kwargs:      kwargs,
		APIKey:      c.settings.APIKey,
		Secret:      c.settings.Secret,
		Passphrase:  c.settings.Passphrase,
		Testnet:     c.settings.UseTestnet,
		ExtraConfig: c.settings.ExtraConfig,
	})
	c.latency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		attribute.String("exchange", c.settings.Engine.String()),
		attribute.String("method", method),
	))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	return decodeEnvelope(body)
}

// Call dispatches a method by name.
func (c *RESTClient) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	raw, err := c.call(ctx, method, args, kwargs)
	if err != nil {
		return nil, err
	}
	var out any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("malformed result for %s: %w", method, err)
		}
	}
	return out, nil
}

// LoadMarkets primes the exchange's market metadata.
func (c *RESTClient) LoadMarkets(ctx context.Context) error {
	_, err := c.call(ctx, "load_markets", nil, nil)
	return err
}

// rawCaller is the transport-specific primitive both engine families share.
type rawCaller func(ctx context.Context, method string, args []any, kwargs map[string]any) (json.RawMessage, error)

func callDict(ctx context.Context, rc rawCaller, method string, args []any, kwargs map[string]any) (map[string]any, error) {
	raw, err := rc(ctx, method, args, kwargs)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("malformed result for %s: %w", method, err)
		}
	}
	return out, nil
}

func callList(ctx context.Context, rc rawCaller, method string, args []any, kwargs map[string]any) ([]map[string]any, error) {
	raw, err := rc(ctx, method, args, kwargs)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("malformed result for %s: %w", method, err)
		}
	}
	return out, nil
}

func orderCallArgs(req core.OrderRequest) ([]any, map[string]any) {
	args := []any{req.Symbol, string(req.Type), string(req.Side), req.Qty}
	if req.Price != "" {
		args = append(args, req.Price)
	}
	params := map[string]any{}
	for k, v := range req.Params {
		params[k] = v
	}
	if req.ClientOrderID != "" {
		params["clientOrderId"] = req.ClientOrderID
	}
	if len(params) == 0 {
		return args, nil
	}
	return args, map[string]any{"params": params}
}

// CreateOrder places a new order.
func (c *RESTClient) CreateOrder(ctx context.Context, req core.OrderRequest) (map[string]any, error) {
	args, kwargs := orderCallArgs(req)
	return callDict(ctx, c.call, "create_order", args, kwargs)
}

// CancelOrder cancels one order by exchange id.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID, symbol string) (map[string]any, error) {
	return callDict(ctx, c.call, "cancel_order", []any{orderID, symbol}, nil)
}

// EditOrder edits an open order in place.
func (c *RESTClient) EditOrder(ctx context.Context, orderID string, req core.OrderRequest) (map[string]any, error) {
	args, kwargs := orderCallArgs(req)
	return callDict(ctx, c.call, "edit_order", append([]any{orderID}, args...), kwargs)
}

// FetchMyTrades returns the account trades since a ms timestamp. An empty
// symbol queries across symbols where the exchange permits it.
func (c *RESTClient) FetchMyTrades(ctx context.Context, symbol string, sinceMs int64, limit int) ([]map[string]any, error) {
	var sym any
	if symbol != "" {
		sym = symbol
	}
	return callList(ctx, c.call, "fetch_my_trades", []any{sym, sinceMs, limit}, nil)
}

// FetchOpenOrders lists open orders for a symbol.
func (c *RESTClient) FetchOpenOrders(ctx context.Context, symbol string) ([]map[string]any, error) {
	return callList(ctx, c.call, "fetch_open_orders", []any{symbol}, nil)
}

// FetchOrder loads one order by exchange id.
func (c *RESTClient) FetchOrder(ctx context.Context, orderID, symbol string) (map[string]any, error) {
	return callDict(ctx, c.call, "fetch_order", []any{orderID, symbol}, nil)
}

// FetchTicker returns the current ticker for a symbol.
func (c *RESTClient) FetchTicker(ctx context.Context, symbol string) (map[string]any, error) {
	return callDict(ctx, c.call, "fetch_ticker", []any{symbol}, nil)
}

// FetchBalance returns the account balance.
func (c *RESTClient) FetchBalance(ctx context.Context) (map[string]any, error) {
	return callDict(ctx, c.call, "fetch_balance", nil, nil)
}

// Close is a no-op; REST sessions are one-shot.
func (c *RESTClient) Close() error { return nil }
