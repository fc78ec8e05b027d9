package job

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Compile-time interface check.
var _ Store = (*Cache)(nil)

// Cache is a read-through projection of job rows over a backing [Store].
//
// LoadJob results are memoised and concurrent misses for the same id share a
// single backing read. Every write goes to the backing store first and then
// drops the cached entry, so the next read observes the durable row. The
// backing store stays the single source of truth; transcript and segment
// methods pass straight through.
type Cache struct {
	Store

	group singleflight.Group

	mu   sync.RWMutex
	jobs map[string]*Job

	// epoch counts invalidations. A backing read is cached only when no
	// write of any job finished while it was in flight.
	epoch uint64
}

// NewCache wraps backing with a job read cache.
func NewCache(backing Store) *Cache {
	return &Cache{
		Store: backing,
		jobs:  make(map[string]*Job),
	}
}

// LoadJob implements [Store.LoadJob].
func (c *Cache) LoadJob(ctx context.Context, id string) (*Job, error) {
	c.mu.RLock()
	j, ok := c.jobs[id]
	epoch := c.epoch
	c.mu.RUnlock()
	if ok {
		return j.Clone(), nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		j, err := c.Store.LoadJob(ctx, id)
		if err != nil || j == nil {
			return j, err
		}
		c.mu.Lock()
		if c.epoch == epoch {
			c.jobs[id] = j.Clone()
		}
		c.mu.Unlock()
		return j, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Job).Clone(), nil
}

// Invalidate drops the cached row of id.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.jobs, id)
	c.epoch++
	c.mu.Unlock()
	c.group.Forget(id)
}

// Len returns the number of cached job rows.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.jobs)
}

// write runs fn against the backing store and invalidates id afterwards,
// whether or not fn succeeded.
func (c *Cache) write(id string, fn func() error) error {
	defer c.Invalidate(id)
	return fn()
}

// UpdateStatus implements [Store.UpdateStatus].
func (c *Cache) UpdateStatus(ctx context.Context, id string, status Status, progress *float64) error {
	return c.write(id, func() error { return c.Store.UpdateStatus(ctx, id, status, progress) })
}

// SetProviderIDs implements [Store.SetProviderIDs].
func (c *Cache) SetProviderIDs(ctx context.Context, id, providerFileID, providerJobID string) error {
	return c.write(id, func() error { return c.Store.SetProviderIDs(ctx, id, providerFileID, providerJobID) })
}

// MarkCompleted implements [Store.MarkCompleted].
func (c *Cache) MarkCompleted(ctx context.Context, id string) error {
	return c.write(id, func() error { return c.Store.MarkCompleted(ctx, id) })
}

// MarkFailed implements [Store.MarkFailed].
func (c *Cache) MarkFailed(ctx context.Context, id, message string) error {
	return c.write(id, func() error { return c.Store.MarkFailed(ctx, id, message) })
}

// ResetForRetry implements [Store.ResetForRetry].
func (c *Cache) ResetForRetry(ctx context.Context, id string) error {
	return c.write(id, func() error { return c.Store.ResetForRetry(ctx, id) })
}

// DeleteJob implements [Store.DeleteJob].
func (c *Cache) DeleteJob(ctx context.Context, id string) error {
	return c.write(id, func() error { return c.Store.DeleteJob(ctx, id) })
}

// DeleteCompletedBefore implements [Store.DeleteCompletedBefore]. The whole
// cache is dropped because the backing store does not report which rows went.
func (c *Cache) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := c.Store.DeleteCompletedBefore(ctx, cutoff)
	if n > 0 {
		c.mu.Lock()
		clear(c.jobs)
		c.epoch++
		c.mu.Unlock()
	}
	return n, err
}
