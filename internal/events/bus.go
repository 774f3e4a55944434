package events

import (
	"sync"
	"time"
)

type Topic string

const (
	TopicProducts  Topic = "products"
	TopicCustomers Topic = "customers"
	TopicSales     Topic = "sales"
	TopicInventory Topic = "inventory"
	TopicPurchases Topic = "purchases"
	TopicSuppliers Topic = "suppliers"
	TopicFinance   Topic = "finance"

	// TopicDataChanged is published after a pull replaced local collections.
	TopicDataChanged Topic = "data.changed"
	TopicRealtime    Topic = "realtime"
	TopicSyncStatus  Topic = "sync.status"
	TopicReset       Topic = "data.reset"
)

const (
	ActionCreated  = "created"
	ActionUpdated  = "updated"
	ActionDeleted  = "deleted"
	ActionReplaced = "replaced"
)

type Event struct {
	Topic    Topic     `json:"topic"`
	Action   string    `json:"action,omitempty"`
	RecordID int64     `json:"recordId,omitempty"`
	Source   string    `json:"source,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}

// Bus is an in-process publish/subscribe hub. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	ch     chan Event
	topics map[Topic]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers for the given topics, or for every topic when none are
// given. The returned cancel func closes the channel.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{
		ch:     make(chan Event, buffer),
		topics: make(map[Topic]struct{}, len(topics)),
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if len(sub.topics) > 0 {
			if _, ok := sub.topics[ev.Topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
