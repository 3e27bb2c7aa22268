package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/app"
	"github.com/cimillas/stockroom/internal/domain"
)

// OrderEventReconciler is the minimal reconciler surface needed by the handler.
type OrderEventReconciler interface {
	Handle(ctx context.Context, ev domain.OrderEvent) (app.BatchResult, error)
}

// DeliveryLog short-circuits redelivered messages. Implementations may be remote;
// lookup errors never block processing.
type DeliveryLog interface {
	Seen(ctx context.Context, stream, id string) (bool, error)
	Mark(ctx context.Context, stream, id string) (bool, error)
}

type orderEventMessage struct {
	EventID string             `json:"event_id"`
	OrderID string             `json:"order_id"`
	Items   []orderLineMessage `json:"items"`
}

type orderLineMessage struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// OrderEventHandler feeds order lifecycle messages to the reconciler. The event type
// comes from the topic the message was read from.
type OrderEventHandler struct {
	reconciler OrderEventReconciler
	topics     map[string]domain.OrderEventType
	deliveries DeliveryLog
	logger     *zap.Logger
}

// NewOrderEventHandler maps topics to event types. deliveries may be nil.
func NewOrderEventHandler(reconciler OrderEventReconciler, topics map[string]domain.OrderEventType, deliveries DeliveryLog, logger *zap.Logger) *OrderEventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderEventHandler{reconciler: reconciler, topics: topics, deliveries: deliveries, logger: logger}
}

func (h *OrderEventHandler) HandleMessage(ctx context.Context, msg kafkago.Message) error {
	eventType, ok := h.topics[msg.Topic]
	if !ok {
		return malformed("no order event type for topic %q", msg.Topic)
	}

	var payload orderEventMessage
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		return malformed("decode order event: %v", err)
	}
	if payload.OrderID == "" {
		return malformed("order event without order_id")
	}

	ev := domain.OrderEvent{
		Type:    eventType,
		EventID: payload.EventID,
		OrderID: payload.OrderID,
		Lines:   make([]domain.OrderLine, 0, len(payload.Items)),
	}
	if ev.EventID == "" {
		ev.EventID = msg.Topic + "/" + strconv.Itoa(msg.Partition) + "/" + strconv.FormatInt(msg.Offset, 10)
	}
	for _, item := range payload.Items {
		ev.Lines = append(ev.Lines, domain.OrderLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	if h.seen(ctx, ev) {
		h.logger.Info("skipping redelivered order event",
			zap.String("event_id", ev.EventID),
			zap.String("order_id", ev.OrderID),
		)
		return nil
	}

	result, err := h.reconciler.Handle(ctx, ev)
	if err != nil {
		return malformed("%v", err)
	}
	if result.Retryable() {
		return fmt.Errorf("order %s: %d of %d lines failed with retryable errors", ev.OrderID, result.Failed, len(result.Items))
	}

	if h.deliveries != nil {
		if _, err := h.deliveries.Mark(ctx, string(ev.Type), ev.EventID); err != nil {
			h.logger.Warn("delivery log mark failed", zap.String("event_id", ev.EventID), zap.Error(err))
		}
	}
	return nil
}

func (h *OrderEventHandler) seen(ctx context.Context, ev domain.OrderEvent) bool {
	if h.deliveries == nil {
		return false
	}
	seen, err := h.deliveries.Seen(ctx, string(ev.Type), ev.EventID)
	if err != nil {
		h.logger.Warn("delivery log lookup failed", zap.String("event_id", ev.EventID), zap.Error(err))
		return false
	}
	return seen
}
