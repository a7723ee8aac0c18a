package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// Sink receives one structured event per status transition
type Sink interface {
	Emit(event *types.Event)
}

// Subscriber is a channel that receives events
type Subscriber chan *types.Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *types.Event) {
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

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// StoreSink persists events and fans them out through a broker. The
// per-cluster backlog is bounded by maxPerCluster; 0 keeps everything.
type StoreSink struct {
	store         storage.Store
	broker        *Broker
	maxPerCluster int
}

// NewStoreSink creates a sink over the store; broker may be nil
func NewStoreSink(store storage.Store, broker *Broker, maxPerCluster int) *StoreSink {
	return &StoreSink{store: store, broker: broker, maxPerCluster: maxPerCluster}
}

// Emit records the event. Persistence failures are logged, never
// propagated: event loss must not fail the transition that produced it.
func (s *StoreSink) Emit(event *types.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := s.store.AddEvent(event, s.maxPerCluster); err != nil {
		logger := log.WithComponent("events")
		logger.Error().Err(err).
			Str("cluster_id", event.ClusterID).
			Msg("failed to persist event")
	}
	if s.broker != nil {
		s.broker.Publish(event)
	}
}
