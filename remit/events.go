/*
events.go - In-process bucket-transition event bus

PURPOSE:
  Decouples the bucket manager from the components that react to state
  changes (the EDI generator reacts to ->GENERATING, the delivery engine to
  ->COMPLETED). Delivery is best-effort and in-order per subscriber; each
  subscriber drains its own buffered channel on a dedicated goroutine, so a
  slow subscriber applies backpressure to publishers instead of reordering.

DUPLICATES:
  The bus itself never duplicates, but restarts and manual re-triggers can.
  Subscribers are required to be idempotent, keyed on the bucket or file id.

PUBLICATION TIMING:
  Services never publish mid-transaction. The store queues events raised
  inside WithTx and flushes them to the bus only after a successful commit
  (see store/sqlite), so subscribers always observe committed state.
*/
package remit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BucketStatusChanged is published after every committed bucket transition.
type BucketStatusChanged struct {
	BucketID string
	From     BucketStatus
	To       BucketStatus
	At       time.Time
}

// subscriberBuffer bounds the per-subscriber queue. Publishers block when a
// subscriber falls this far behind.
const subscriberBuffer = 64

type subscriber struct {
	name string
	ch   chan BucketStatusChanged
}

// Bus is the in-process publish/subscribe fabric for bucket transitions.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus creates an event bus. The logger may be nil.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.Named("bus")}
}

// Subscribe registers fn under a diagnostic name and starts its drain
// goroutine. Events are delivered to fn one at a time, in publish order.
func (b *Bus) Subscribe(name string, fn func(BucketStatusChanged)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscriber{name: name, ch: make(chan BucketStatusChanged, subscriberBuffer)}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			fn(ev)
		}
	}()
}

// Publish fans ev out to every subscriber. Blocks when a subscriber's buffer
// is full; per-subscriber ordering is preserved.
func (b *Bus) Publish(ev BucketStatusChanged) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.logger.Debug("publish",
		zap.String("bucketId", ev.BucketID),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)))

	for _, sub := range b.subs {
		sub.ch <- ev
	}
}

// Close stops accepting events and waits for every subscriber to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
