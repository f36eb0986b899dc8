package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNoLiveWorkers = errors.New("no live media workers")

// AddRedisCheck pings Redis. Skipped when client is nil (memory mode).
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	if client == nil {
		return
	}
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddWorkerCheck fails while the pool has no live worker to host rooms.
func (h *HealthChecker) AddWorkerCheck(liveWorkers func() int) {
	h.AddCheck("workers", func(ctx context.Context) error {
		if liveWorkers() == 0 {
			return ErrNoLiveWorkers
		}
		return nil
	}, time.Second)
}
