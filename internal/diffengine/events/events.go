// Package events provides the compaction-event pub/sub broker the listener
// uses to fan out begin/complete/abort notifications (spec §4.2), adapted
// from the host project's cluster event broker (pkg/events/events.go).
package events

import (
	"sync"
	"time"

	"github.com/cuemby/diffengine/internal/diffengine/model"
)

// Type identifies the kind of compaction event.
type Type string

const (
	CompactionBegin    Type = "compaction.begin"
	CompactionComplete Type = "compaction.complete"
	CompactionAborted  Type = "compaction.aborted"
)

// Event is a single compaction lifecycle notification.
type Event struct {
	Type      Type
	Timestamp time.Time
	Inputs    []model.FileID
	Outputs   []model.FileID
	OK        bool
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes compaction events to subscribers without blocking the
// compaction thread that published them (spec §4.2, "never block compaction").
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a ready-to-Start broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker's distribution loop.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues event for distribution. Never blocks the caller beyond the
// broker's own shutdown.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full: drop rather than stall compaction
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
