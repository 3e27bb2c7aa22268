package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cimillas/stockroom/internal/domain"
)

func TestConflictRetrier(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	tests := []struct {
		name         string
		maxRetries   int
		results      []error
		wantErr      error
		wantAttempts int
	}{
		{name: "first attempt succeeds", maxRetries: 3, results: []error{nil}, wantAttempts: 1},
		{name: "conflict then success", maxRetries: 3, results: []error{domain.ErrConflict, nil}, wantAttempts: 2},
		{name: "other errors are not retried", maxRetries: 3, results: []error{boom}, wantErr: boom, wantAttempts: 1},
		{name: "business errors are not retried", maxRetries: 3, results: []error{domain.ErrInsufficientStock}, wantErr: domain.ErrInsufficientStock, wantAttempts: 1},
		{
			name:         "budget exhausted",
			maxRetries:   2,
			results:      []error{domain.ErrConflict, domain.ErrConflict, domain.ErrConflict, nil},
			wantErr:      domain.ErrContention,
			wantAttempts: 3,
		},
		{name: "no retries", maxRetries: 0, results: []error{domain.ErrConflict}, wantErr: domain.ErrContention, wantAttempts: 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conflicts := 0
			r := conflictRetrier{
				maxRetries: tt.maxRetries,
				initial:    time.Microsecond,
				max:        time.Millisecond,
				onConflict: func() { conflicts++ },
			}
			attempts := 0
			err := r.do(context.Background(), func() error {
				res := tt.results[attempts]
				attempts++
				return res
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if attempts != tt.wantAttempts {
				t.Fatalf("expected %d attempts, got %d", tt.wantAttempts, attempts)
			}
			if errors.Is(err, domain.ErrConflict) {
				t.Fatalf("conflict must never escape the retrier")
			}
			wantConflicts := 0
			for _, res := range tt.results[:attempts] {
				if errors.Is(res, domain.ErrConflict) {
					wantConflicts++
				}
			}
			if conflicts != wantConflicts {
				t.Fatalf("expected %d conflict callbacks, got %d", wantConflicts, conflicts)
			}
		})
	}
}

func TestConflictRetrier_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := conflictRetrier{maxRetries: 100, initial: time.Hour, max: time.Hour}

	attempts := 0
	err := r.do(ctx, func() error {
		attempts++
		cancel()
		return domain.ErrConflict
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestConflictRetrier_CancelledContextSkipsOperation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := conflictRetrier{maxRetries: 3, initial: time.Millisecond, max: time.Millisecond}

	attempts := 0
	err := r.do(ctx, func() error {
		attempts++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 0 {
		t.Fatalf("expected no attempts, got %d", attempts)
	}
}
