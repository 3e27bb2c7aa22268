package domain

// OrderLine is one product line of an order lifecycle notification.
type OrderLine struct {
	ProductID string
	Quantity  int
}

type OrderEventType string

const (
	OrderCompleted OrderEventType = "orders.completed"
	OrderCancelled OrderEventType = "orders.cancelled"
)

// OrderEvent is an order lifecycle notification. It may be delivered more than once
// and out of order relative to other events.
type OrderEvent struct {
	Type    OrderEventType
	EventID string
	OrderID string
	Lines   []OrderLine
}
