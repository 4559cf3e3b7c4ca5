// Package core defines the domain types shared across the OMS.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order or position side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether the side is one of buy/sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Valid reports whether the order type is known.
func (t OrderType) Valid() bool { return t == OrderTypeMarket || t == OrderTypeLimit }

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPendingSubmit   OrderStatus = "PENDING_SUBMIT"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the status closes the order.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// Edit-replace states tracked alongside the order status during a
// cancel-and-replace change_order.
const (
	EditReplacePending      = "edit_pending"
	EditReplaceFailed       = "edit_replace_failed"
	EditReplaceConsolidated = "consolidated_to_orphan"
)

// PositionMode controls how trades project into positions for an account.
type PositionMode string

const (
	ModeHedge           PositionMode = "hedge"
	ModeNetting         PositionMode = "netting"
	ModeStrategyNetting PositionMode = "strategy_netting"
)

// PositionState is open or closed.
type PositionState string

const (
	PositionOpen   PositionState = "open"
	PositionClosed PositionState = "closed"
)

// CommandStatus is the terminal-state machine of a position command.
type CommandStatus string

const (
	CommandAccepted  CommandStatus = "accepted"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// QueueStatus is the state of a durable queue row.
type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueDone       QueueStatus = "done"
	QueueFailed     QueueStatus = "failed"
)

// AccountStatus gates command intake per account.
type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountBlocked AccountStatus = "blocked"
)

// Role is the api-key role used for permission checks and reason stamping.
type Role string

const (
	RoleAdmin            Role = "admin"
	RoleTrader           Role = "trader"
	RoleRobot            Role = "robot"
	RolePortfolioManager Role = "portfolio_manager"
	RoleRisk             Role = "risk"
	RoleReadonly         Role = "readonly"
)

// DefaultReason returns the reason stamped onto payloads when the caller
// omits one.
func (r Role) DefaultReason() string {
	switch r {
	case RoleTrader:
		return "trader"
	case RoleRobot:
		return "robot"
	case RolePortfolioManager:
		return "portfolio_manager"
	case RoleRisk:
		return "risk"
	default:
		return "readonly"
	}
}

// ReasonExternal marks orders and deals materialized by the reconciler for
// activity the OMS did not originate.
const ReasonExternal = "external"

// Account is a single exchange sub-account under OMS control.
type Account struct {
	ID                   int64
	Name                 string
	ExchangeID           string // canonical: ccxt.<name> or ccxtpro.<name>
	PositionMode         PositionMode
	Status               AccountStatus
	IsTestnet            bool
	PoolID               string
	DispatcherWorkerHint int // -1 when unassigned
	ExtraConfig          string
	CreatedAt            time.Time
}

// Credentials holds the (possibly encrypted) exchange API credentials of an
// account. Values are either all enc:v1 ciphertext or plaintext when the
// deployment explicitly permits it.
type Credentials struct {
	AccountID  int64
	APIKey     string
	Secret     string
	Passphrase string
}

// Strategy groups orders, positions and deals within an account.
type Strategy struct {
	ID                int64
	Name              string
	ClientStrategyID  string
	Status            string
	AllowNewPositions *bool // nil inherits the account risk state
}

// Order is a local order row. All quantities and prices are exact decimals.
type Order struct {
	ID               int64
	AccountID        int64
	CommandID        int64
	StrategyID       int64
	PositionID       int64
	Symbol           string
	Side             Side
	OrderType        OrderType
	Qty              decimal.Decimal
	Price            *decimal.Decimal
	FilledQty        decimal.Decimal
	AvgFillPrice     *decimal.Decimal
	Status           OrderStatus
	ClientOrderID    string
	ExchangeOrderID  string
	StopLoss         *decimal.Decimal
	StopGain         *decimal.Decimal
	Reason           string
	Comment          string
	EditReplaceState string
	CreatedAt        time.Time
	ClosedAt         *time.Time
}

// Deal is a fill or synthetic internal transfer linked to a position.
type Deal struct {
	ID              int64
	AccountID       int64
	OrderID         int64
	PositionID      int64
	Symbol          string
	Side            Side
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             *decimal.Decimal
	FeeCurrency     string
	PnL             decimal.Decimal
	StrategyID      int64
	Reason          string
	Reconciled      bool
	ExchangeTradeID string
	CreatedAt       time.Time
}

// Position is an accounting container for exposure on a symbol.
type Position struct {
	ID         int64
	AccountID  int64
	StrategyID int64
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	AvgPrice   decimal.Decimal
	State      PositionState
	StopLoss   *decimal.Decimal
	StopGain   *decimal.Decimal
	Reason     string
	Comment    string
	OpenedAt   time.Time
	ClosedAt   *time.Time
}

// PositionCommand is the immutable record of an accepted client command.
type PositionCommand struct {
	ID          int64
	AccountID   int64
	CommandType CommandType
	RequestID   string
	PayloadJSON string
	Status      CommandStatus
	Error       string
	CreatedAt   time.Time
}

// QueueItem is a durable command_queue row.
type QueueItem struct {
	ID          int64
	AccountID   int64
	PoolID      string
	CommandID   int64
	Status      QueueStatus
	Attempts    int
	AvailableAt time.Time
	LockedBy    string
	LockedAt    *time.Time
}

// CloseLock guards a position against concurrent close_position commands.
type CloseLock struct {
	AccountID  int64
	PositionID int64
	RequestID  string
	ExpiresAt  time.Time
}

// Event is a row of the event outbox and the unit of WS fan-out.
type Event struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"account_id"`
	Namespace string `json:"namespace"`
	EventType string `json:"event_type"`
	Payload   string `json:"payload"`
	CreatedAt int64  `json:"created_at"` // unix ms
}

// Event namespaces.
const (
	NamespacePosition = "position"
	NamespaceRisk     = "risk"
	NamespaceCcxt     = "ccxt"
)

// APIKey is a caller credential for the dispatcher RPC surface.
type APIKey struct {
	ID     int64
	UserID int64
	Key    string
	Role   Role
	Status string
}

// AccountPermission grants an api-key access to an account.
type AccountPermission struct {
	APIKeyID  int64
	AccountID int64
	CanTrade  bool
	CanRead   bool
}

// User is an OMS operator identity.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	PasswordSalt string
	Role         Role
	Status       string
}

// NormalizedTrade is a single exchange trade after field extraction, ready
// for projection.
type NormalizedTrade struct {
	TradeID         string
	Symbol          string
	Side            Side
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             *decimal.Decimal
	FeeCurrency     string
	ExchangeOrderID string
	ClientOrderID   string
	TimestampMs     int64
}
