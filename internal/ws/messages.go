package ws

// Message is one frame pushed to a subscriber.
type Message struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace,omitempty"`
	AccountID int64  `json:"account_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Frame types beyond raw event fan-out.
const (
	TypeSubscribed        = "subscribed"
	TypeEvent             = "event"
	TypeSnapshotOrders    = "snapshot_open_orders"
	TypeSnapshotPositions = "snapshot_open_positions"
	TypeError             = "error"
)
