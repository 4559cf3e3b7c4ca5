// Package exchange implements the uniform adapter over the two exchange
// engine families: "ccxt" (one-shot REST) and "ccxtpro" (session-cached
// streaming).
package exchange

import (
	"strings"

	apperrors "oms/pkg/errors"
)

// Engine families.
const (
	FamilyCcxt    = "ccxt"
	FamilyCcxtPro = "ccxtpro"
)

// EngineID is a parsed canonical exchange id.
type EngineID struct {
	Family   string // ccxt or ccxtpro
	Exchange string // e.g. binance
}

// String returns the canonical form, e.g. "ccxtpro.binance".
func (e EngineID) String() string {
	return e.Family + "." + e.Exchange
}

// Persistent reports whether sessions of this engine outlive one call.
func (e EngineID) Persistent() bool {
	return e.Family == FamilyCcxtPro
}

// ParseExchangeID canonicalizes an account exchange id. Bare legacy names
// default to the ccxt family; any other dotted prefix is rejected.
func ParseExchangeID(raw string) (EngineID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return EngineID{}, apperrors.NewCodef(apperrors.CodeUnsupportedEngine, "empty exchange id")
	}

	family, exchange, found := strings.Cut(raw, ".")
	if !found {
		return EngineID{Family: FamilyCcxt, Exchange: raw}, nil
	}
	if exchange == "" || strings.Contains(exchange, ".") {
		return EngineID{}, apperrors.NewCodef(apperrors.CodeUnsupportedEngine, "malformed exchange id: %s", raw)
	}
	switch family {
	case FamilyCcxt, FamilyCcxtPro:
		return EngineID{Family: family, Exchange: exchange}, nil
	default:
		return EngineID{}, apperrors.NewCodef(apperrors.CodeUnsupportedEngine, "unknown engine family: %s", family)
	}
}
