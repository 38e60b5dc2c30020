// Package broadcast fans execution events out to in-process subscribers.
// Delivery is best-effort: slow subscribers lose events rather than block
// the ETL pipeline, and the persisted execution rows remain the source of
// truth for anyone who missed one.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
)

const defaultBufferSize = 32

// Broadcaster implements execution.Notifier over a set of subscriber
// channels.
type Broadcaster struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[chan execution.Event]struct{}
	closed bool

	bufferSize int
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// New creates a Broadcaster with no subscribers.
func New(logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		logger:     logger,
		subs:       make(map[chan execution.Event]struct{}),
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber and returns its event channel plus
// an unsubscribe function. The channel is closed on unsubscribe or when
// the broadcaster shuts down.
func (b *Broadcaster) Subscribe() (<-chan execution.Event, func()) {
	ch := make(chan execution.Event, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Notify implements execution.Notifier. Events that don't fit a
// subscriber's buffer are dropped.
func (b *Broadcaster) Notify(event execution.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropping event for slow subscriber",
				"kind", event.Kind)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Further Notify calls are no-ops
// and further Subscribe calls return a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
