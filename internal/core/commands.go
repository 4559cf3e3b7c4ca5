package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// CommandType enumerates the position-oriented commands accepted by intake.
type CommandType string

const (
	CmdSendOrder       CommandType = "send_order"
	CmdCancelOrder     CommandType = "cancel_order"
	CmdCancelAllOrders CommandType = "cancel_all_orders"
	CmdChangeOrder     CommandType = "change_order"
	CmdClosePosition   CommandType = "close_position"
	CmdCloseBy         CommandType = "close_by"
	CmdMergePositions  CommandType = "merge_positions"
	CmdPositionChange  CommandType = "position_change"
)

// Valid reports whether the command type is known.
func (c CommandType) Valid() bool {
	switch c {
	case CmdSendOrder, CmdCancelOrder, CmdCancelAllOrders, CmdChangeOrder,
		CmdClosePosition, CmdCloseBy, CmdMergePositions, CmdPositionChange:
		return true
	}
	return false
}

// CommandInput is one item of an oms_commands_batch request.
type CommandInput struct {
	AccountID int64           `json:"account_id"`
	Command   CommandType     `json:"command"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// CommandResult is the per-item outcome of a batch submission. Errors never
// abort the batch; they land here.
type CommandResult struct {
	Index     int    `json:"index"`
	OK        bool   `json:"ok"`
	CommandID int64  `json:"command_id,omitempty"`
	OrderID   int64  `json:"order_id,omitempty"`
	ErrorCode string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// CommandPayload is the tagged union of all command payloads. A single
// validator materializes the typed variant from the weakly-typed JSON
// envelope.
type CommandPayload interface {
	CommandType() CommandType
	Validate() error
}

// SendOrderPayload creates a new order on the exchange.
type SendOrderPayload struct {
	Symbol          string           `json:"symbol"`
	Side            Side             `json:"side"`
	OrderType       OrderType        `json:"order_type"`
	Qty             decimal.Decimal  `json:"qty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	StrategyID      int64            `json:"strategy_id"`
	PositionID      int64            `json:"position_id"`
	ClientOrderID   string           `json:"client_order_id,omitempty"`
	PostOnly        bool             `json:"post_only,omitempty"`
	TimeInForce     string           `json:"time_in_force,omitempty"`
	TriggerPrice    *decimal.Decimal `json:"trigger_price,omitempty"`
	StopPrice       *decimal.Decimal `json:"stop_price,omitempty"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty"`
	TrailingAmount  *decimal.Decimal `json:"trailing_amount,omitempty"`
	TrailingPercent *decimal.Decimal `json:"trailing_percent,omitempty"`
	ReduceOnly      bool             `json:"reduce_only,omitempty"`
	StopLoss        *decimal.Decimal `json:"stop_loss,omitempty"`
	StopGain        *decimal.Decimal `json:"stop_gain,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Comment         string           `json:"comment,omitempty"`
	Params          map[string]any   `json:"params,omitempty"`
}

func (p *SendOrderPayload) CommandType() CommandType { return CmdSendOrder }

func (p *SendOrderPayload) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if !p.Side.Valid() {
		return fmt.Errorf("side must be buy or sell")
	}
	if !p.OrderType.Valid() {
		return fmt.Errorf("order_type must be market or limit")
	}
	if p.Qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("qty must be positive")
	}
	if p.OrderType == OrderTypeLimit && (p.Price == nil || p.Price.LessThanOrEqual(decimal.Zero)) {
		return fmt.Errorf("price is required for limit orders")
	}
	return nil
}

// CancelOrderPayload cancels one or more explicit orders.
type CancelOrderPayload struct {
	OrderID  int64   `json:"order_id,omitempty"`
	OrderIDs []int64 `json:"order_ids,omitempty"`
}

func (p *CancelOrderPayload) CommandType() CommandType { return CmdCancelOrder }

func (p *CancelOrderPayload) Validate() error {
	if p.OrderID == 0 && len(p.OrderIDs) == 0 {
		return fmt.Errorf("order_id or order_ids is required")
	}
	return nil
}

// TargetOrderIDs merges the scalar and list forms.
func (p *CancelOrderPayload) TargetOrderIDs() []int64 {
	ids := make([]int64, 0, len(p.OrderIDs)+1)
	if p.OrderID != 0 {
		ids = append(ids, p.OrderID)
	}
	ids = append(ids, p.OrderIDs...)
	return ids
}

// CancelAllOrdersPayload cancels every cancelable order of the account,
// optionally filtered by strategy.
type CancelAllOrdersPayload struct {
	StrategyIDs    []int64 `json:"strategy_ids,omitempty"`
	StrategyIDsCSV string  `json:"strategy_ids_csv,omitempty"`
}

func (p *CancelAllOrdersPayload) CommandType() CommandType { return CmdCancelAllOrders }

func (p *CancelAllOrdersPayload) Validate() error {
	if p.StrategyIDsCSV != "" {
		for _, part := range strings.Split(p.StrategyIDsCSV, ",") {
			if _, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err != nil {
				return fmt.Errorf("strategy_ids_csv contains a non-integer value: %q", part)
			}
		}
	}
	return nil
}

// EffectiveStrategyIDs resolves the list and CSV forms into one id set.
func (p *CancelAllOrdersPayload) EffectiveStrategyIDs() []int64 {
	ids := append([]int64(nil), p.StrategyIDs...)
	if p.StrategyIDsCSV != "" {
		for _, part := range strings.Split(p.StrategyIDsCSV, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// ChangeOrderPayload edits an open order in place, or via cancel-and-replace
// when the exchange lacks editOrder.
type ChangeOrderPayload struct {
	OrderID  int64            `json:"order_id"`
	NewPrice *decimal.Decimal `json:"new_price,omitempty"`
	NewQty   *decimal.Decimal `json:"new_qty,omitempty"`
}

func (p *ChangeOrderPayload) CommandType() CommandType { return CmdChangeOrder }

func (p *ChangeOrderPayload) Validate() error {
	if p.OrderID == 0 {
		return fmt.Errorf("order_id is required")
	}
	if p.NewPrice == nil && p.NewQty == nil {
		return fmt.Errorf("at least one of new_price or new_qty is required")
	}
	return nil
}

// ClosePositionPayload closes an open position with a market or limit order.
type ClosePositionPayload struct {
	PositionID    int64            `json:"position_id"`
	OrderType     OrderType        `json:"order_type"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	StrategyID    int64            `json:"strategy_id"`
	OriginCommand string           `json:"origin_command,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

func (p *ClosePositionPayload) CommandType() CommandType { return CmdClosePosition }

func (p *ClosePositionPayload) Validate() error {
	if p.PositionID == 0 {
		return fmt.Errorf("position_id is required")
	}
	if !p.OrderType.Valid() {
		return fmt.Errorf("order_type must be market or limit")
	}
	if p.OrderType == OrderTypeLimit && p.Price == nil {
		return fmt.Errorf("price is required for limit close")
	}
	return nil
}

// CloseByPayload closes two opposite positions against each other without
// touching the exchange book.
type CloseByPayload struct {
	PositionIDA int64            `json:"position_id_a"`
	PositionIDB int64            `json:"position_id_b"`
	Qty         *decimal.Decimal `json:"qty,omitempty"`
	StrategyID  int64            `json:"strategy_id"`
}

func (p *CloseByPayload) CommandType() CommandType { return CmdCloseBy }

func (p *CloseByPayload) Validate() error {
	if p.PositionIDA == 0 || p.PositionIDB == 0 {
		return fmt.Errorf("position_id_a and position_id_b are required")
	}
	if p.PositionIDA == p.PositionIDB {
		return fmt.Errorf("positions must differ")
	}
	if p.Qty != nil && p.Qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("qty must be positive when present")
	}
	return nil
}

// StopMode controls stop-loss/stop-gain propagation during a merge.
type StopMode string

const (
	StopKeep  StopMode = "keep"
	StopClear StopMode = "clear"
	StopSet   StopMode = "set"
)

// MergePositionsPayload folds a source position into a target position.
type MergePositionsPayload struct {
	SourcePositionID int64            `json:"source_position_id"`
	TargetPositionID int64            `json:"target_position_id"`
	StopMode         StopMode         `json:"stop_mode"`
	OmsStopLoss      *decimal.Decimal `json:"oms_stop_loss,omitempty"`
	OmsStopGain      *decimal.Decimal `json:"oms_stop_gain,omitempty"`
}

func (p *MergePositionsPayload) CommandType() CommandType { return CmdMergePositions }

func (p *MergePositionsPayload) Validate() error {
	if p.SourcePositionID == 0 || p.TargetPositionID == 0 {
		return fmt.Errorf("source_position_id and target_position_id are required")
	}
	if p.SourcePositionID == p.TargetPositionID {
		return fmt.Errorf("source and target must differ")
	}
	switch p.StopMode {
	case StopKeep, StopClear, StopSet:
	case "":
		p.StopMode = StopKeep
	default:
		return fmt.Errorf("stop_mode must be keep, clear or set")
	}
	return nil
}

// PositionChangePayload updates the stop targets and comment of an open
// position.
type PositionChangePayload struct {
	PositionID int64            `json:"position_id"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	StopGain   *decimal.Decimal `json:"stop_gain,omitempty"`
	Comment    *string          `json:"comment,omitempty"`
}

func (p *PositionChangePayload) CommandType() CommandType { return CmdPositionChange }

func (p *PositionChangePayload) Validate() error {
	if p.PositionID == 0 {
		return fmt.Errorf("position_id is required")
	}
	if p.StopLoss == nil && p.StopGain == nil && p.Comment == nil {
		return fmt.Errorf("nothing to change")
	}
	return nil
}

// ParseCommandPayload decodes and validates the JSON payload of a command
// into its typed variant.
func ParseCommandPayload(cmd CommandType, raw json.RawMessage) (CommandPayload, error) {
	var p CommandPayload
	switch cmd {
	case CmdSendOrder:
		p = &SendOrderPayload{}
	case CmdCancelOrder:
		p = &CancelOrderPayload{}
	case CmdCancelAllOrders:
		p = &CancelAllOrdersPayload{}
	case CmdChangeOrder:
		p = &ChangeOrderPayload{}
	case CmdClosePosition:
		p = &ClosePositionPayload{}
	case CmdCloseBy:
		p = &CloseByPayload{}
	case CmdMergePositions:
		p = &MergePositionsPayload{}
	case CmdPositionChange:
		p = &PositionChangePayload{}
	default:
		return nil, fmt.Errorf("unknown command type: %s", cmd)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", cmd, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
