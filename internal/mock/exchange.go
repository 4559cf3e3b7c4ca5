// Package mock provides an in-memory exchange client for tests.
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"oms/internal/core"
	apperrors "oms/pkg/errors"
)

// MockExchangeClient implements core.ExchangeClient for testing. Behavior is
// scripted: created orders get sequential ids, and tests can stage trades and
// capability flags.
type MockExchangeClient struct {
	mu sync.RWMutex

	id             string
	has            map[string]any
	orderIDCounter int64

	orders       map[string]map[string]any // exchange order id -> last order dict
	trades       []map[string]any
	marketsLoads int

	// Error overrides per method name, consumed on next call
	failNext map[string]error

	// Call log for assertions
	Calls []string
}

// NewMockExchangeClient creates a mock for the given canonical engine id.
func NewMockExchangeClient(id string) *MockExchangeClient {
	return &MockExchangeClient{
		id:             id,
		has:            map[string]any{"createOrder": true, "cancelOrder": true, "fetchMyTrades": true},
		orderIDCounter: 1000,
		orders:         make(map[string]map[string]any),
		failNext:       make(map[string]error),
	}
}

// SetCapability stages a capability value (true, false or "emulated").
func (m *MockExchangeClient) SetCapability(name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.has[name] = value
}

// FailNext makes the next invocation of method return err.
func (m *MockExchangeClient) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[method] = err
}

// AddTrade stages a trade dict to be returned by FetchMyTrades.
func (m *MockExchangeClient) AddTrade(trade map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
}

// Trade builds a plausible ccxt trade dict.
func Trade(id, symbol, side string, qty, price decimal.Decimal, tsMs int64, exchangeOrderID, clientOrderID string) map[string]any {
	t := map[string]any{
		"id":        id,
		"symbol":    symbol,
		"side":      side,
		"amount":    qty.InexactFloat64(),
		"price":     price.InexactFloat64(),
		"timestamp": float64(tsMs),
		"fee":       map[string]any{"cost": 0.01, "currency": "USDT"},
		"info":      map[string]any{},
	}
	if exchangeOrderID != "" {
		t["order"] = exchangeOrderID
	}
	if clientOrderID != "" {
		t["clientOrderId"] = clientOrderID
	}
	return t
}

func (m *MockExchangeClient) takeFailure(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, method)
	if err, ok := m.failNext[method]; ok {
		delete(m.failNext, method)
		return err
	}
	return nil
}

func (m *MockExchangeClient) ID() string { return m.id }

func (m *MockExchangeClient) Has(capability string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := m.has[capability]
	if b, ok := v.(bool); ok {
		return b
	}
	if s, ok := v.(string); ok {
		return s == "emulated"
	}
	return false
}

func (m *MockExchangeClient) LoadMarkets(ctx context.Context) error {
	if err := m.takeFailure("load_markets"); err != nil {
		return err
	}
	m.mu.Lock()
	m.marketsLoads++
	m.mu.Unlock()
	return nil
}

// MarketsLoads reports how many times LoadMarkets succeeded.
func (m *MockExchangeClient) MarketsLoads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marketsLoads
}

func (m *MockExchangeClient) CreateOrder(ctx context.Context, req core.OrderRequest) (map[string]any, error) {
	if err := m.takeFailure("create_order"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderIDCounter++
	exchangeID := "mock-" + strconv.FormatInt(m.orderIDCounter, 10)
	order := map[string]any{
		"id":            exchangeID,
		"clientOrderId": req.ClientOrderID,
		"symbol":        req.Symbol,
		"side":          req.Side,
		"type":          req.Type,
		"amount":        req.Qty,
		"price":         req.Price,
		"status":        "open",
	}
	m.orders[exchangeID] = order
	return order, nil
}

func (m *MockExchangeClient) CancelOrder(ctx context.Context, orderID, symbol string) (map[string]any, error) {
	if err := m.takeFailure("cancel_order"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	order["status"] = "canceled"
	return order, nil
}

func (m *MockExchangeClient) EditOrder(ctx context.Context, orderID string, req core.OrderRequest) (map[string]any, error) {
	if err := m.takeFailure("edit_order"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	order["amount"] = req.Qty
	order["price"] = req.Price
	return order, nil
}

func (m *MockExchangeClient) FetchMyTrades(ctx context.Context, symbol string, sinceMs int64, limit int) ([]map[string]any, error) {
	if err := m.takeFailure("fetch_my_trades"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []map[string]any
	for _, t := range m.trades {
		if symbol != "" && t["symbol"] != symbol {
			continue
		}
		if ts, ok := t["timestamp"].(float64); ok && int64(ts) < sinceMs {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockExchangeClient) FetchOpenOrders(ctx context.Context, symbol string) ([]map[string]any, error) {
	if err := m.takeFailure("fetch_open_orders"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []map[string]any
	for _, o := range m.orders {
		if o["status"] == "open" && (symbol == "" || o["symbol"] == symbol) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockExchangeClient) FetchOrder(ctx context.Context, orderID, symbol string) (map[string]any, error) {
	if err := m.takeFailure("fetch_order"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (m *MockExchangeClient) FetchTicker(ctx context.Context, symbol string) (map[string]any, error) {
	if err := m.takeFailure("fetch_ticker"); err != nil {
		return nil, err
	}
	return map[string]any{"symbol": symbol, "last": 50000.0}, nil
}

func (m *MockExchangeClient) FetchBalance(ctx context.Context) (map[string]any, error) {
	if err := m.takeFailure("fetch_balance"); err != nil {
		return nil, err
	}
	return map[string]any{"USDT": map[string]any{"free": 10000.0}}, nil
}

func (m *MockExchangeClient) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	switch method {
	case "fetch_ticker":
		if len(args) > 0 {
			sym, _ := args[0].(string)
			return m.FetchTicker(ctx, sym)
		}
		return nil, fmt.Errorf("%w: fetch_ticker needs a symbol", apperrors.ErrInvalidOrderParameter)
	case "fetch_balance":
		return m.FetchBalance(ctx)
	case "load_markets":
		return nil, m.LoadMarkets(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedMethod, method)
	}
}

func (m *MockExchangeClient) Close() error { return nil }
