package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/app"
	"github.com/cimillas/stockroom/internal/domain"
)

// StockCommander is the engine surface reachable through stock commands.
type StockCommander interface {
	Reserve(ctx context.Context, in app.ReserveInput) (app.ReserveResult, error)
	Release(ctx context.Context, reservationID string) (domain.Product, error)
	Commit(ctx context.Context, reservationID string) (domain.Product, error)
	ReleaseQuantity(ctx context.Context, productID string, quantity int) (domain.Product, error)
	CommitQuantity(ctx context.Context, productID string, quantity int) (domain.Product, error)
	AdjustStock(ctx context.Context, in app.AdjustStockInput) (domain.Product, error)
}

// Publisher writes reply messages. The writer owns the destination topic.
type Publisher interface {
	WriteMessage(ctx context.Context, msg kafkago.Message) error
}

const (
	CommandReserve = "reserve"
	CommandRelease = "release"
	CommandCommit  = "commit"
	CommandAdjust  = "adjust"
)

type commandMessage struct {
	Type           string `json:"type"`
	ProductID      string `json:"product_id"`
	ReservationID  string `json:"reservation_id"`
	Quantity       int    `json:"quantity"`
	OrderID        string `json:"order_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Delta          int    `json:"delta"`
	Reason         string `json:"reason"`
}

type replyMessage struct {
	OK          bool              `json:"ok"`
	Code        string            `json:"code,omitempty"`
	Error       string            `json:"error,omitempty"`
	Product     *productReply     `json:"product,omitempty"`
	Reservation *reservationReply `json:"reservation,omitempty"`
}

type productReply struct {
	ID            string `json:"id"`
	SKU           string `json:"sku"`
	Stock         int    `json:"stock"`
	ReservedStock int    `json:"reserved_stock"`
	Available     int    `json:"available"`
	Version       int64  `json:"version"`
}

type reservationReply struct {
	ID        string     `json:"id"`
	ProductID string     `json:"product_id"`
	Quantity  int        `json:"quantity"`
	OrderID   string     `json:"order_id,omitempty"`
	State     string     `json:"state"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Created   bool       `json:"created"`
}

func toProductReply(p domain.Product) *productReply {
	return &productReply{
		ID:            p.ID,
		SKU:           p.SKU,
		Stock:         p.Stock,
		ReservedStock: p.ReservedStock,
		Available:     p.Available(),
		Version:       p.Version,
	}
}

// CommandHandler executes stock commands and publishes one reply per command,
// keyed like the command so callers can correlate.
type CommandHandler struct {
	engine    StockCommander
	publisher Publisher
	logger    *zap.Logger
}

func NewCommandHandler(engine StockCommander, publisher Publisher, logger *zap.Logger) *CommandHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandHandler{engine: engine, publisher: publisher, logger: logger}
}

func (h *CommandHandler) HandleMessage(ctx context.Context, msg kafkago.Message) error {
	var cmd commandMessage
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return h.reply(ctx, msg, replyMessage{Code: "invalid_request_body", Error: err.Error()})
	}

	if cmd.Type == CommandReserve && cmd.IdempotencyKey == "" && len(msg.Key) > 0 {
		// A redelivered reserve must not hold stock twice.
		cmd.IdempotencyKey = "msg:" + string(msg.Key)
	}

	reply, err := h.execute(ctx, cmd)
	if err != nil {
		if !errors.Is(err, errUnknownCommand) && !domain.IsBusiness(err) {
			return fmt.Errorf("%s command: %w", cmd.Type, err)
		}
		reply = replyMessage{Code: errorCode(err), Error: err.Error()}
	}
	return h.reply(ctx, msg, reply)
}

var errUnknownCommand = errors.New("unknown command type")

func errorCode(err error) string {
	if errors.Is(err, errUnknownCommand) {
		return "unknown_command"
	}
	return domain.Code(err)
}

func (h *CommandHandler) execute(ctx context.Context, cmd commandMessage) (replyMessage, error) {
	switch cmd.Type {
	case CommandReserve:
		res, err := h.engine.Reserve(ctx, app.ReserveInput{
			ProductID:      cmd.ProductID,
			Quantity:       cmd.Quantity,
			OrderID:        cmd.OrderID,
			IdempotencyKey: cmd.IdempotencyKey,
		})
		if err != nil {
			return replyMessage{}, err
		}
		return replyMessage{
			OK:      true,
			Product: toProductReply(res.Product),
			Reservation: &reservationReply{
				ID:        res.Reservation.ID,
				ProductID: res.Reservation.ProductID,
				Quantity:  res.Reservation.Quantity,
				OrderID:   res.Reservation.OrderID,
				State:     string(res.Reservation.State),
				ExpiresAt: res.Reservation.ExpiresAt,
				Created:   res.Created,
			},
		}, nil

	case CommandRelease, CommandCommit:
		p, err := h.settle(ctx, cmd)
		if err != nil {
			return replyMessage{}, err
		}
		return replyMessage{OK: true, Product: toProductReply(p)}, nil

	case CommandAdjust:
		p, err := h.engine.AdjustStock(ctx, app.AdjustStockInput{ProductID: cmd.ProductID, Delta: cmd.Delta, Reason: cmd.Reason})
		if err != nil {
			return replyMessage{}, err
		}
		return replyMessage{OK: true, Product: toProductReply(p)}, nil
	}
	return replyMessage{}, errUnknownCommand
}

// settle prefers the reservation id; without it the bare-quantity path is used.
func (h *CommandHandler) settle(ctx context.Context, cmd commandMessage) (domain.Product, error) {
	commit := cmd.Type == CommandCommit
	if cmd.ReservationID != "" {
		if commit {
			return h.engine.Commit(ctx, cmd.ReservationID)
		}
		return h.engine.Release(ctx, cmd.ReservationID)
	}
	if commit {
		return h.engine.CommitQuantity(ctx, cmd.ProductID, cmd.Quantity)
	}
	return h.engine.ReleaseQuantity(ctx, cmd.ProductID, cmd.Quantity)
}

func (h *CommandHandler) reply(ctx context.Context, cmd kafkago.Message, reply replyMessage) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := h.publisher.WriteMessage(ctx, kafkago.Message{Key: cmd.Key, Value: body}); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	if !reply.OK {
		h.logger.Info("stock command rejected",
			zap.ByteString("key", cmd.Key),
			zap.String("code", reply.Code),
			zap.String("error", reply.Error),
		)
	}
	return nil
}
