package app

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cimillas/stockroom/internal/domain"
)

const defaultReconcileConcurrency = 8

// OrderLineSettler settles the reservations of one order line.
type OrderLineSettler interface {
	CommitOrderLine(ctx context.Context, orderID, productID string) (LineSettlement, error)
	ReleaseOrderLine(ctx context.Context, orderID, productID string) (LineSettlement, error)
}

// Line outcomes reported by the reconciler.
const (
	OutcomeSettled        = "settled"
	OutcomeAlreadySettled = "already_settled"
	OutcomeFailed         = "failed"
)

type LineOutcome struct {
	Line    domain.OrderLine
	Outcome string
	Err     error
}

// BatchResult summarizes one order event. Items keep the order of the event's lines.
type BatchResult struct {
	OrderID   string
	Succeeded int
	Failed    int
	Items     []LineOutcome
}

// Retryable reports whether a failed line might succeed on redelivery.
func (b BatchResult) Retryable() bool {
	for _, item := range b.Items {
		if item.Err != nil && !domain.IsBusiness(item.Err) {
			return true
		}
	}
	return false
}

// Reconciler turns order lifecycle events into per-line commits and releases.
// A failing line never prevents its siblings from being settled.
type Reconciler struct {
	settler     OrderLineSettler
	logger      *zap.Logger
	metrics     Metrics
	concurrency int
	tracer      trace.Tracer
}

type ReconcilerOption func(*Reconciler)

func WithReconcileConcurrency(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithReconcileMetrics(m Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		if m != nil {
			r.metrics = m
		}
	}
}

func NewReconciler(settler OrderLineSettler, logger *zap.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		settler:     settler,
		logger:      logger,
		metrics:     noopMetrics{},
		concurrency: defaultReconcileConcurrency,
		tracer:      otel.Tracer("github.com/cimillas/stockroom/internal/app"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) OnOrderCompleted(ctx context.Context, orderID string, lines []domain.OrderLine) BatchResult {
	return r.reconcile(ctx, domain.OrderCompleted, orderID, lines)
}

func (r *Reconciler) OnOrderCancelled(ctx context.Context, orderID string, lines []domain.OrderLine) BatchResult {
	return r.reconcile(ctx, domain.OrderCancelled, orderID, lines)
}

// Handle dispatches ev by its type.
func (r *Reconciler) Handle(ctx context.Context, ev domain.OrderEvent) (BatchResult, error) {
	switch ev.Type {
	case domain.OrderCompleted:
		return r.OnOrderCompleted(ctx, ev.OrderID, ev.Lines), nil
	case domain.OrderCancelled:
		return r.OnOrderCancelled(ctx, ev.OrderID, ev.Lines), nil
	default:
		return BatchResult{}, fmt.Errorf("unknown order event type %q", ev.Type)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, event domain.OrderEventType, orderID string, lines []domain.OrderLine) BatchResult {
	ctx, span := r.tracer.Start(ctx, "reconcile."+string(event), trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.Int("order.lines", len(lines)),
	))
	defer span.End()

	result := BatchResult{OrderID: orderID, Items: make([]LineOutcome, len(lines))}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, line := range lines {
		i, line := i, line
		g.Go(func() error {
			outcome := r.settleLine(gctx, event, orderID, line)
			mu.Lock()
			result.Items[i] = outcome
			mu.Unlock()
			// Lines never fail the group so the context stays live for siblings.
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range result.Items {
		if item.Err != nil {
			result.Failed++
		} else {
			result.Succeeded++
		}
	}
	span.SetAttributes(
		attribute.Int("reconcile.succeeded", result.Succeeded),
		attribute.Int("reconcile.failed", result.Failed),
	)

	r.logger.Info("order event reconciled",
		zap.String("event", string(event)),
		zap.String("order_id", orderID),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	return result
}

func (r *Reconciler) settleLine(ctx context.Context, event domain.OrderEventType, orderID string, line domain.OrderLine) LineOutcome {
	var (
		settled LineSettlement
		err     error
	)
	switch event {
	case domain.OrderCompleted:
		settled, err = r.settler.CommitOrderLine(ctx, orderID, line.ProductID)
	default:
		settled, err = r.settler.ReleaseOrderLine(ctx, orderID, line.ProductID)
	}

	if err != nil {
		r.metrics.ObserveReconcileLine(event, OutcomeFailed)
		r.logger.Warn("order line not reconciled",
			zap.String("event", string(event)),
			zap.String("order_id", orderID),
			zap.String("product_id", line.ProductID),
			zap.Int("quantity", line.Quantity),
			zap.Bool("retryable", !domain.IsBusiness(err)),
			zap.Error(err),
		)
		return LineOutcome{Line: line, Outcome: OutcomeFailed, Err: err}
	}

	if settled.Quantity != line.Quantity {
		r.logger.Warn("order line quantity differs from reserved quantity",
			zap.String("order_id", orderID),
			zap.String("product_id", line.ProductID),
			zap.Int("quantity", line.Quantity),
			zap.Int("reserved", settled.Quantity),
		)
	}

	outcome := OutcomeSettled
	if settled.Settled == 0 {
		outcome = OutcomeAlreadySettled
	}
	r.metrics.ObserveReconcileLine(event, outcome)
	return LineOutcome{Line: line, Outcome: outcome}
}
