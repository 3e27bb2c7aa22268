package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepBatch = 100

// ReservationExpirer releases reservations whose TTL has passed.
type ReservationExpirer interface {
	ExpireReservations(ctx context.Context, limit int) (int, error)
}

// Sweeper periodically releases expired reservations.
type Sweeper struct {
	expirer  ReservationExpirer
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

func NewSweeper(expirer ReservationExpirer, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{expirer: expirer, interval: interval, batch: defaultSweepBatch, logger: logger}
}

// Run sweeps every interval until ctx is done. It always returns nil; sweep failures
// are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep drains full batches so a backlog clears within one tick.
func (s *Sweeper) sweep(ctx context.Context) {
	total := 0
	for ctx.Err() == nil {
		n, err := s.expirer.ExpireReservations(ctx, s.batch)
		total += n
		if err != nil {
			s.logger.Warn("reservation sweep incomplete", zap.Int("released", total), zap.Error(err))
			return
		}
		if n < s.batch {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired reservations released", zap.Int("released", total))
	}
}
