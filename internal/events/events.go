// Package events is an in-memory publish/subscribe bus for job lifecycle
// events.
//
// Publishing never blocks: each subscriber owns a bounded buffer and events
// that do not fit are dropped for that subscriber and counted. A bounded ring
// of recent events lets late subscribers catch up via [Bus.Since].
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindStatus    Kind = "status"    // job status or progress changed
	KindCompleted Kind = "completed" // job reached completed
	KindFailed    Kind = "failed"    // job reached failed
	KindCanceled  Kind = "canceled"  // job was canceled
	KindDeleted   Kind = "deleted"   // job row was removed
)

// Event is one job lifecycle notification.
type Event struct {
	Seq      uint64    `json:"seq"`
	Kind     Kind      `json:"kind"`
	JobID    string    `json:"job_id"`
	TrackID  string    `json:"track_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Progress *float64  `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

const (
	defaultHistory = 256
	defaultBuffer  = 64
)

// Option configures a [Bus].
type Option func(*Bus)

// WithHistory sets how many recent events [Bus.Since] can return.
func WithHistory(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = n
		}
	}
}

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

type subscriber struct {
	jobID string
	ch    chan Event
}

// Bus fans events out to subscribers. It is safe for concurrent use.
type Bus struct {
	history int
	buffer  int
	now     func() time.Time

	mu      sync.Mutex
	seq     uint64
	ring    []Event
	subs    map[int]*subscriber
	nextSub int
	closed  bool

	dropped atomic.Int64
}

// New returns an empty [Bus].
func New(opts ...Option) *Bus {
	b := &Bus{
		history: defaultHistory,
		buffer:  defaultBuffer,
		now:     time.Now,
		subs:    make(map[int]*subscriber),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish assigns the event a sequence number and timestamp and delivers it
// to every matching subscriber. It returns the stamped event.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return e
	}

	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	if e.Progress != nil {
		p := *e.Progress
		e.Progress = &p
	}

	b.ring = append(b.ring, e)
	if over := len(b.ring) - b.history; over > 0 {
		b.ring = b.ring[over:]
	}

	for _, s := range b.subs {
		if s.jobID != "" && s.jobID != e.JobID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if b.dropped.Add(1) == 1 {
				slog.Warn("events: subscriber too slow, dropping events", "job_id", s.jobID)
			}
		}
	}
	return e
}

// Subscribe returns a channel receiving events for jobID, or for every job
// when jobID is empty. The cancel func unsubscribes and closes the channel;
// it is safe to call more than once.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &subscriber{jobID: jobID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Since returns retained events with a sequence number greater than seq,
// oldest first. An empty jobID matches every job.
func (b *Bus) Since(seq uint64, jobID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.ring {
		if e.Seq > seq && (jobID == "" || e.JobID == jobID) {
			out = append(out, e)
		}
	}
	return out
}

// Dropped returns how many deliveries were dropped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
