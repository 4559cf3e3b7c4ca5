package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"oms/internal/core"
	apperrors "oms/pkg/errors"
	"oms/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// wsRequest is one streaming-gateway frame; responses echo the id.
type wsRequest struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

type wsResponse struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

// StreamingClient is a ccxtpro-family client holding one persistent
// websocket to the streaming gateway. Calls are multiplexed by request id.
type StreamingClient struct {
	settings Settings
	logger   core.ILogger
	latency  metric.Float64Histogram

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan wsResponse
	closed    bool
	closeErr  error

	capsMu sync.Mutex
	has    map[string]any
}

// DialStreaming opens the websocket, authenticates, and starts the reader.
func DialStreaming(ctx context.Context, settings Settings, endpoint string, logger core.ILogger) (*StreamingClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint+"/exchanges/"+settings.Engine.Exchange, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", apperrors.ErrNetwork, endpoint, err)
	}

	c := &StreamingClient{
		settings: settings,
		logger:   logger.WithField("component", "exchange_ws").WithField("exchange", settings.Engine.String()),
		latency:  telemetry.GetGlobalMetrics().ExchangeLatency,
		conn:     conn,
		pending:  make(map[string]chan wsResponse),
	}

	// First frame authenticates the session; the gateway binds the
	// credentials to this connection.
	auth := map[string]any{
		"op":           "auth",
		"api_key":      settings.APIKey,
		"secret":       settings.Secret,
		"passphrase":   settings.Passphrase,
		"testnet":      settings.UseTestnet,
		"extra_config": settings.ExtraConfig,
	}
	if err := conn.WriteJSON(auth); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: auth frame: %v", apperrors.ErrNetwork, err)
	}

	go c.readLoop()
	return c, nil
}

func (c *StreamingClient) readLoop() {
	for {
		var resp wsResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.failAll(fmt.Errorf("%w: %v", apperrors.ErrNetwork, err))
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
		// Frames without a matching id are stream pushes; the OMS only
		// uses request/response here, so they are dropped.
	}
}

func (c *StreamingClient) failAll(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.closed = true
	c.closeErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

func (c *StreamingClient) call(ctx context.Context, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan wsResponse, 1)

	c.pendingMu.Lock()
	if c.closed {
		err := c.closeErr
		c.pendingMu.Unlock()
		if err == nil {
			err = apperrors.ErrNetwork
		}
		return nil, err
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	start := time.Now()
	c.writeMu.Lock()
	err := c.conn.WriteJSON(wsRequest{ID: id, Method: method, Args: args, Kwargs: kwargs})
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: write: %v", apperrors.ErrNetwork, err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		c.latency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
			attribute.String("exchange", c.settings.Engine.String()),
			attribute.String("method", method),
		))
		if !ok {
			return nil, fmt.Errorf("%w: connection lost", apperrors.ErrNetwork)
		}
		if !resp.OK {
			if resp.Error == nil {
				return nil, apperrors.NewCodef(apperrors.CodeEngineUnavailable, "gateway returned no error detail")
			}
			if sentinel, known := engineErrors[resp.Error.Code]; known {
				return nil, fmt.Errorf("%w: %s", sentinel, resp.Error.Message)
			}
			return nil, apperrors.NewCodef(apperrors.CodeEngineUnavailable, "%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// ID returns the canonical engine id, e.g. "ccxtpro.binance".
func (c *StreamingClient) ID() string { return c.settings.Engine.String() }

// Has reports whether the exchange supports a capability; "emulated" counts.
func (c *StreamingClient) Has(capability string) bool {
	c.capsMu.Lock()
	defer c.capsMu.Unlock()
	if c.has == nil {
		var described struct {
			Has map[string]any `json:"has"`
		}
		raw, err := c.call(context.Background(), "describe", nil, nil)
		if err != nil {
			c.logger.Warn("Capability probe failed", "capability", capability, "error", err)
			return false
		}
		if err := json.Unmarshal(raw, &described); err != nil || described.Has == nil {
			described.Has = map[string]any{}
		}
		c.has = described.Has
	}
	return capabilityTruthy(c.has[capability])
}

// Call dispatches a method by name.
func (c *StreamingClient) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
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
func (c *StreamingClient) LoadMarkets(ctx context.Context) error {
	_, err := c.call(ctx, "load_markets", nil, nil)
	return err
}

// CreateOrder places a new order.
func (c *StreamingClient) CreateOrder(ctx context.Context, req core.OrderRequest) (map[string]any, error) {
	args, kwargs := orderCallArgs(req)
	return callDict(ctx, c.call, "create_order", args, kwargs)
}

// CancelOrder cancels one order by exchange id.
func (c *StreamingClient) CancelOrder(ctx context.Context, orderID, symbol string) (map[string]any, error) {
	return callDict(ctx, c.call, "cancel_order", []any{orderID, symbol}, nil)
}

// EditOrder edits an open order in place.
func (c *StreamingClient) EditOrder(ctx context.Context, orderID string, req core.OrderRequest) (map[string]any, error) {
	args, kwargs := orderCallArgs(req)
	return callDict(ctx, c.call, "edit_order", append([]any{orderID}, args...), kwargs)
}

// FetchMyTrades returns the account trades since a ms timestamp.
func (c *StreamingClient) FetchMyTrades(ctx context.Context, symbol string, sinceMs int64, limit int) ([]map[string]any, error) {
	var sym any
	if symbol != "" {
		sym = symbol
	}
	return callList(ctx, c.call, "fetch_my_trades", []any{sym, sinceMs, limit}, nil)
}

// FetchOpenOrders lists open orders for a symbol.
func (c *StreamingClient) FetchOpenOrders(ctx context.Context, symbol string) ([]map[string]any, error) {
	return callList(ctx, c.call, "fetch_open_orders", []any{symbol}, nil)
}

// FetchOrder loads one order by exchange id.
func (c *StreamingClient) FetchOrder(ctx context.Context, orderID, symbol string) (map[string]any, error) {
	return callDict(ctx, c.call, "fetch_order", []any{orderID, symbol}, nil)
}

// FetchTicker returns the current ticker for a symbol.
func (c *StreamingClient) FetchTicker(ctx context.Context, symbol string) (map[string]any, error) {
	return callDict(ctx, c.call, "fetch_ticker", []any{symbol}, nil)
}

// FetchBalance returns the account balance.
func (c *StreamingClient) FetchBalance(ctx context.Context) (map[string]any, error) {
	return callDict(ctx, c.call, "fetch_balance", nil, nil)
}

// Close tears down the websocket and fails any in-flight calls.
func (c *StreamingClient) Close() error {
	c.failAll(fmt.Errorf("%w: session closed", apperrors.ErrNetwork))
	return c.conn.Close()
}
