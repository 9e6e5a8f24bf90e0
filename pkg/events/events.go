package events

import (
	"sync"
	"time"

	"github.com/cuemby/vdisk/pkg/types"
)

// EventType discriminates the volume lifecycle events defined in spec.md §6.
type EventType string

const (
	// EventVolumeUpAndRunning fires once a volume has finished local restart
	// or initial creation and is serving I/O.
	EventVolumeUpAndRunning EventType = "volume.up_and_running"
	// EventSnapshotOnBackend fires when a snapshot's TLogs have all been
	// synced and the snapshot transitions out of SnapshotPendingInBackend.
	EventSnapshotOnBackend EventType = "snapshot.on_backend"
	// EventVolumeHalted fires when a volume enters StateHalted.
	EventVolumeHalted EventType = "volume.halted"
	// EventOwnerChanged fires on every successful OwnerTag advance, whether
	// from voluntary migration or owner stealing.
	EventOwnerChanged EventType = "volume.owner_changed"
	// EventDtlStateChanged fires on any DtlState transition.
	EventDtlStateChanged EventType = "volume.dtl_state_changed"
)

// Event is a single notification published on the broker.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	VolumeID  string
	Message   string

	// OldOwnerNode/NewOwnerNode and OldOwnerTag/NewOwnerTag are populated for
	// EventOwnerChanged only.
	OldOwnerNode string
	NewOwnerNode string
	OldOwnerTag  types.OwnerTag
	NewOwnerTag  types.OwnerTag

	// DtlState is populated for EventDtlStateChanged only.
	DtlState types.DtlState

	// HaltReason is populated for EventVolumeHalted only.
	HaltReason string

	// SnapshotUUID is populated for EventSnapshotOnBackend only.
	SnapshotUUID string

	Metadata map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans events out to any number of subscribers. Publish never blocks
// the caller on a slow subscriber.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
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
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
