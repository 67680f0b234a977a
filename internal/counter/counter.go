package counter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rickgao/doge-gateway/internal/metrics"
)

// Store persists the counter value.
type Store interface {
	// Load returns the persisted value. A store with nothing persisted yet
	// returns 0 and no error.
	Load(ctx context.Context) (int64, error)

	// Save overwrites the persisted value.
	Save(ctx context.Context, n int64) error
}

// Counter is a write-through visit counter.
type Counter struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	value int64
}

// New loads the persisted value from store. Load errors are logged and the
// counter starts at zero; they never fail startup.
func New(ctx context.Context, store Store, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Counter{
		store:  store,
		logger: logger,
	}

	n, err := store.Load(ctx)
	switch {
	case err != nil:
		logger.Warn("could not read visit counter, starting at zero", "error", err)
	case n < 0:
		logger.Warn("persisted visit counter is negative, starting at zero", "value", n)
	default:
		c.value = n
	}

	metrics.Visits.Set(float64(c.value))
	logger.Info("visit counter loaded", "count", c.value)
	return c
}

// Increment adds one visit and persists the new value before returning.
// The persist happens inside the lock so concurrent visits never overwrite a
// newer value with an older one. On a failed write the new in-memory value
// is still returned alongside the error.
func (c *Counter) Increment(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value++
	metrics.Visits.Set(float64(c.value))
	if err := c.store.Save(ctx, c.value); err != nil {
		metrics.CounterPersistErrors.Inc()
		return c.value, err
	}
	return c.value, nil
}

// Current returns the in-memory value.
func (c *Counter) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Close flushes the current value one last time.
func (c *Counter) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Save(ctx, c.value)
}
