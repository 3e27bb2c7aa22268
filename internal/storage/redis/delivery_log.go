package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultDeliveryTTL = 24 * time.Hour

// DeliveryLog remembers which message ids were fully handled so redeliveries can be
// acknowledged without touching the engine. Entries expire after ttl.
type DeliveryLog struct {
	client goredis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewDeliveryLog(client goredis.Cmdable, prefix string, ttl time.Duration) *DeliveryLog {
	if ttl <= 0 {
		ttl = defaultDeliveryTTL
	}
	if prefix == "" {
		prefix = "stockroom:delivery"
	}
	return &DeliveryLog{client: client, prefix: prefix, ttl: ttl}
}

func (l *DeliveryLog) key(stream, id string) string {
	return fmt.Sprintf("%s:{%s}:%s", l.prefix, stream, id)
}

// Seen reports whether id was marked for stream.
func (l *DeliveryLog) Seen(ctx context.Context, stream, id string) (bool, error) {
	err := l.client.Get(ctx, l.key(stream, id)).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, goredis.Nil):
		return false, nil
	default:
		return false, fmt.Errorf("delivery log lookup: %w", err)
	}
}

// Mark records id for stream. It reports false when id had already been marked.
func (l *DeliveryLog) Mark(ctx context.Context, stream, id string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(stream, id), time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("delivery log mark: %w", err)
	}
	return ok, nil
}

// NewClient connects to addr and verifies the connection.
func NewClient(ctx context.Context, addr string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}
