// Package core defines the core interfaces for the OMS.
package core

import (
	"context"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// OrderRequest is the exchange-facing order creation/edit request. Params
// carries engine-specific extras (postOnly, timeInForce, triggerPrice, ...)
// verbatim.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Qty           string
	Price         string // empty for market orders
	ClientOrderID string
	Params        map[string]any
}

// ExchangeClient is the concrete method set the OMS uses against an
// exchange engine, plus a string-dispatched Call for arbitrary forwarding.
// Responses are ccxt-style dictionaries; the callers decode the fields they
// need and persist the rest as opaque raw JSON for audit.
type ExchangeClient interface {
	// ID returns the canonical engine id, e.g. "ccxt.binance".
	ID() string

	// Has reports whether the exchange supports a capability. "emulated"
	// counts as supported.
	Has(capability string) bool

	LoadMarkets(ctx context.Context) error
	CreateOrder(ctx context.Context, req OrderRequest) (map[string]any, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (map[string]any, error)
	EditOrder(ctx context.Context, orderID string, req OrderRequest) (map[string]any, error)
	FetchMyTrades(ctx context.Context, symbol string, sinceMs int64, limit int) ([]map[string]any, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]map[string]any, error)
	FetchOrder(ctx context.Context, orderID, symbol string) (map[string]any, error)
	FetchTicker(ctx context.Context, symbol string) (map[string]any, error)
	FetchBalance(ctx context.Context) (map[string]any, error)

	// Call dispatches a method by name. Unknown methods fail with
	// apperrors.ErrUnsupportedMethod.
	Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)

	Close() error
}

// EventSink receives events as they are committed; the dispatcher implements
// it with the per-account ring so WS subscribers see deltas without polling
// the outbox.
type EventSink interface {
	Publish(ev Event)
}
