// Package notify forwards finished transcription jobs to external channels.
//
// A [Notifier] subscribes to the job event bus and hands every completed or
// failed job to a [Sender]. [DiscordWebhook] is the built-in sender; it posts
// an embed to a Discord channel webhook.
package notify

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/lectern/internal/events"
)

// defaultSendTimeout bounds a single delivery.
const defaultSendTimeout = 10 * time.Second

// Sender delivers one event to an external channel.
type Sender interface {
	Send(ctx context.Context, e events.Event) error
}

// Option configures a [Notifier].
type Option func(*Notifier)

// WithKinds selects which event kinds are forwarded. Default: completed and
// failed.
func WithKinds(kinds ...events.Kind) Option {
	return func(n *Notifier) {
		if len(kinds) > 0 {
			n.kinds = kinds
		}
	}
}

// WithSendTimeout overrides the per-delivery timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// Notifier forwards selected bus events to a Sender.
type Notifier struct {
	sender  Sender
	kinds   []events.Kind
	timeout time.Duration
}

// New creates a Notifier that delivers through sender.
func New(sender Sender, opts ...Option) *Notifier {
	n := &Notifier{
		sender:  sender,
		kinds:   []events.Kind{events.KindCompleted, events.KindFailed},
		timeout: defaultSendTimeout,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Start subscribes to bus and forwards events in the background until ctx
// is done or the bus is closed. The returned channel is closed once
// forwarding has stopped. Delivery failures are logged and never stop the
// loop.
func (n *Notifier) Start(ctx context.Context, bus *events.Bus) <-chan struct{} {
	ch, cancel := bus.Subscribe("")
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		n.forward(ctx, ch)
	}()
	return done
}

func (n *Notifier) forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !slices.Contains(n.kinds, e.Kind) {
				continue
			}
			n.deliver(ctx, e)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.sender.Send(ctx, e); err != nil {
		slog.Warn("notify: delivery failed", "job_id", e.JobID, "kind", e.Kind, "err", err)
	}
}
