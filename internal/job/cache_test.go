package job

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingStore counts LoadJob calls and can block them until released.
type countingStore struct {
	Store
	loads   atomic.Int32
	release chan struct{}
}

func (s *countingStore) LoadJob(ctx context.Context, id string) (*Job, error) {
	s.loads.Add(1)
	if s.release != nil {
		<-s.release
	}
	return s.Store.LoadJob(ctx, id)
}

func TestCache_ReadThroughAndInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backing := &countingStore{Store: NewMemStore()}
	c := NewCache(backing)

	j, err := c.CreateJob(ctx, "track", "remote-1", StatusQueued, nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for range 3 {
		got, err := c.LoadJob(ctx, j.ID)
		if err != nil || got.Status != StatusQueued {
			t.Fatalf("LoadJob = (%+v, %v)", got, err)
		}
	}
	if n := backing.loads.Load(); n != 1 {
		t.Errorf("backing loads = %d, want 1", n)
	}

	if err := c.UpdateStatus(ctx, j.ID, StatusProcessing, ptr(0.3)); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if c.Len() != 0 {
		t.Error("write did not invalidate the cached row")
	}
	got, _ := c.LoadJob(ctx, j.ID)
	if got.Status != StatusProcessing {
		t.Errorf("Status after write = %s, want processing", got.Status)
	}
	if n := backing.loads.Load(); n != 2 {
		t.Errorf("backing loads = %d, want 2", n)
	}
}

func TestCache_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCache(NewMemStore())
	j, _ := c.CreateJob(ctx, "track", "remote-1", StatusProcessing, ptr(0.4))

	first, _ := c.LoadJob(ctx, j.ID)
	*first.Progress = 0.99
	first.Status = StatusFailed

	second, _ := c.LoadJob(ctx, j.ID)
	if second.Status != StatusProcessing || *second.Progress != 0.4 {
		t.Errorf("cached row was mutated through a returned copy: %+v", second)
	}
}

func TestCache_MissingIsNotCached(t *testing.T) {
	t.Parallel()
	backing := &countingStore{Store: NewMemStore()}
	c := NewCache(backing)
	for range 2 {
		if j, err := c.LoadJob(context.Background(), "ghost"); j != nil || err != nil {
			t.Fatalf("LoadJob = (%v, %v), want (nil, nil)", j, err)
		}
	}
	if n := backing.loads.Load(); n != 2 {
		t.Errorf("backing loads = %d, want 2", n)
	}
}

func TestCache_ConcurrentMissesShareOneRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemStore()
	j, _ := mem.CreateJob(ctx, "track", "remote-1", StatusQueued, nil)

	backing := &countingStore{Store: mem, release: make(chan struct{})}
	c := NewCache(backing)

	const readers = 8
	var wg sync.WaitGroup
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := c.LoadJob(ctx, j.ID); err != nil || got == nil {
				t.Errorf("LoadJob = (%v, %v)", got, err)
			}
		}()
	}
	// Give the readers time to pile up behind the in-flight load.
	time.Sleep(50 * time.Millisecond)
	close(backing.release)
	wg.Wait()

	if n := backing.loads.Load(); n > 2 {
		t.Errorf("backing loads = %d, want concurrent misses collapsed", n)
	}
}

func TestCache_SweepDropsEverything(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCache(NewMemStore(WithClock(stepClock())))
	j, _ := c.CreateJob(ctx, "track", "remote-1", StatusProcessing, nil)
	_ = c.MarkCompleted(ctx, j.ID)
	_, _ = c.LoadJob(ctx, j.ID)
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}

	n, err := c.DeleteCompletedBefore(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || n != 1 {
		t.Fatalf("DeleteCompletedBefore = (%d, %v)", n, err)
	}
	if got, _ := c.LoadJob(ctx, j.ID); got != nil {
		t.Errorf("swept job still visible: %+v", got)
	}
}

// pausedStore reads the row, reports it on loaded and then waits for release
// before returning it.
type pausedStore struct {
	Store
	loaded  chan struct{}
	release chan struct{}
}

func (s *pausedStore) LoadJob(ctx context.Context, id string) (*Job, error) {
	j, err := s.Store.LoadJob(ctx, id)
	close(s.loaded)
	<-s.release
	return j, err
}

func TestCache_SweepDuringReadIsNotCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemStore(WithClock(stepClock()))
	j, _ := mem.CreateJob(ctx, "track", "remote-1", StatusProcessing, nil)
	_ = mem.MarkCompleted(ctx, j.ID)

	backing := &pausedStore{Store: mem, loaded: make(chan struct{}), release: make(chan struct{})}
	c := NewCache(backing)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.LoadJob(ctx, j.ID)
	}()
	<-backing.loaded

	n, err := c.DeleteCompletedBefore(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || n != 1 {
		t.Fatalf("DeleteCompletedBefore = (%d, %v)", n, err)
	}
	close(backing.release)
	<-done

	if c.Len() != 0 {
		t.Errorf("Len = %d, the swept row was cached by the in-flight read", c.Len())
	}
}
