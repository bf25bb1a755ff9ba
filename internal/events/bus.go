// Package events carries lease lifecycle events from the engine to the audit
// log and downstream consumers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/zonekeeper/internal/logging"
)

type EventType string

const (
	// EventLeaseGranted is published when the resolver claims a zone for a worker.
	EventLeaseGranted EventType = "lease_granted"
	// EventLeaseCompleted is published when a worker completes their zone.
	EventLeaseCompleted EventType = "lease_completed"
	// EventLeasesExpired is published when a sweep expires stale leases.
	EventLeasesExpired EventType = "leases_expired"
	// EventLeaseAssigned is published for every admin assignment.
	EventLeaseAssigned EventType = "lease_assigned"
	// EventLeaseDoubleAssigned is published when an admin assignment lands on
	// a zone that already had a live lease.
	EventLeaseDoubleAssigned EventType = "lease_double_assigned"
	EventLeaseExtended       EventType = "lease_extended"
	EventLeaseClosed         EventType = "lease_closed"
	// EventAllZonesBusy is published when an allocation ran out of attempts.
	EventAllZonesBusy EventType = "all_zones_busy"
	// EventCatalogReloaded is published after the catalog export was re-read.
	EventCatalogReloaded EventType = "catalog_reloaded"
)

// AllTypes lists every event type, in declaration order.
var AllTypes = []EventType{
	EventLeaseGranted,
	EventLeaseCompleted,
	EventLeasesExpired,
	EventLeaseAssigned,
	EventLeaseDoubleAssigned,
	EventLeaseExtended,
	EventLeaseClosed,
	EventAllZonesBusy,
	EventCatalogReloaded,
}

// Event is one published occurrence. Data is shared by every subscriber and
// must not be modified after Publish.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// subscription is one subscriber's queue and the types it listens to.
type subscription struct {
	types map[EventType]bool
	queue chan Event
}

// Bus fans events out to subscribers without ever blocking the publisher.
// Each subscriber drains its own bounded queue on its own goroutine; when a
// queue is full the event is dropped for that subscriber and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	size    int
	now     func() time.Time
	log     *logging.Logger
	running sync.WaitGroup
	dropped atomic.Int64
}

// NewBus creates a bus whose subscribers each buffer up to bufferSize events.
func NewBus(bufferSize int, logger *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bus{
		size: bufferSize,
		now:  func() time.Time { return time.Now().UTC() },
		log:  logger,
	}
}

// SetNow overrides the timestamp source.
func (b *Bus) SetNow(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Subscribe registers fn for one event type and returns its unsubscribe func.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.subscribe([]EventType{eventType}, fn)
}

// SubscribeAll registers fn for every event type. fn sees events in publish
// order.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.subscribe(AllTypes, fn)
}

func (b *Bus) subscribe(types []EventType, fn Subscriber) func() {
	sub := &subscription{types: make(map[EventType]bool, len(types)), queue: make(chan Event, b.size)}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.queue)
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.running.Add(1)
	go func() {
		defer b.running.Done()
		for e := range sub.queue {
			b.deliver(fn, e)
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { b.remove(sub) }) }
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.queue)
			return
		}
	}
}

func (b *Bus) deliver(fn Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("subscriber panic event=%s id=%s: %v", e.Type, e.ID, r)
		}
	}()
	fn(e)
}

// Publish stamps and queues an event for every matching subscriber and
// returns it. A nil or closed bus accepts and discards events.
func (b *Bus) Publish(eventType EventType, data map[string]any) Event {
	if b == nil {
		return Event{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	e := Event{ID: uuid.NewString(), Type: eventType, Timestamp: b.now(), Data: data}
	for _, sub := range b.subs {
		if !sub.types[eventType] {
			continue
		}
		select {
		case sub.queue <- e:
		default:
			b.dropped.Add(1)
			b.log.Warnf("event dropped type=%s id=%s: subscriber queue full", eventType, e.ID)
		}
	}
	return e
}

// Dropped reports how many deliveries were lost to full queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting subscribers, lets every queue drain and waits for the
// subscriber goroutines to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, sub := range b.subs {
			close(sub.queue)
		}
		b.subs = nil
	}
	b.mu.Unlock()
	b.running.Wait()
}
