// Package broadcast fans out push messages to topic subscribers.
//
// A Broadcaster owns the mapping from topic to subscriber set. Every
// subscriber has its own bounded queue; a message that does not fit is
// dropped for that subscriber only, so a slow connection never blocks the
// publisher or other subscribers.
package broadcast

import (
	"errors"
	"log"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"token-velocity/internal/observability"
)

// Server event names.
const (
	EventConnected          = "connected"
	EventSubscribed         = "subscribed"
	EventUnsubscribed       = "unsubscribed"
	EventMarketSubscribed   = "market_subscribed"
	EventMarketUnsubscribed = "market_unsubscribed"
	EventTokenUpdate        = "token_update"
	EventMarketUpdate       = "market_update"
	EventError              = "error"
)

// MarketTopic is the market-wide topic.
const MarketTopic = "market"

// DefaultQueueSize is the per-subscriber outbound queue capacity.
const DefaultQueueSize = 256

// ErrUnknownSubscriber is returned for operations on a removed or never registered subscriber.
var ErrUnknownSubscriber = errors.New("unknown subscriber")

// AssetTopic returns the topic name for one asset.
func AssetTopic(assetID int64) string {
	return "asset_" + strconv.FormatInt(assetID, 10)
}

// Message is one push frame.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Subscriber is a registered listener. Messages are read from C until it is closed.
type Subscriber struct {
	ID string
	C  <-chan Message

	send   chan Message
	topics map[string]struct{}
}

// Options configures a Broadcaster.
type Options struct {
	QueueSize int
	Logger    *log.Logger
}

// Broadcaster is a topic registry with non-blocking fan-out.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	topics      map[string]map[string]*Subscriber
	queueSize   int
	logger      *log.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(opts Options) *Broadcaster {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		topics:      make(map[string]map[string]*Subscriber),
		queueSize:   opts.QueueSize,
		logger:      opts.Logger,
	}
}

// Register adds a subscriber with no topics.
func (b *Broadcaster) Register() *Subscriber {
	send := make(chan Message, b.queueSize)
	sub := &Subscriber{
		ID:     uuid.NewString(),
		C:      send,
		send:   send,
		topics: make(map[string]struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	n := len(b.subscribers)
	b.mu.Unlock()

	observability.SetActiveSubscribers(n)
	return sub
}

// Remove drops the subscriber from every topic and closes its queue.
func (b *Broadcaster) Remove(subID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[subID]
	if !ok {
		b.mu.Unlock()
		return
	}
	for topic := range sub.topics {
		b.leaveLocked(sub, topic)
	}
	delete(b.subscribers, subID)
	close(sub.send)
	n := len(b.subscribers)
	b.mu.Unlock()

	observability.SetActiveSubscribers(n)
}

// Subscribe adds the subscriber to topic. Subscribing twice is a no-op.
func (b *Broadcaster) Subscribe(subID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return ErrUnknownSubscriber
	}

	members, ok := b.topics[topic]
	if !ok {
		members = make(map[string]*Subscriber)
		b.topics[topic] = members
	}
	members[subID] = sub
	sub.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe removes the subscriber from topic.
func (b *Broadcaster) Unsubscribe(subID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return ErrUnknownSubscriber
	}
	b.leaveLocked(sub, topic)
	return nil
}

func (b *Broadcaster) leaveLocked(sub *Subscriber, topic string) {
	delete(sub.topics, topic)
	members, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(members, sub.ID)
	if len(members) == 0 {
		delete(b.topics, topic)
	}
}

// HasSubscribers reports whether topic has at least one member.
func (b *Broadcaster) HasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic]) > 0
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish queues msg for every member of topic and returns how many accepted it.
func (b *Broadcaster) Publish(topic string, msg Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.topics[topic] {
		if b.deliverLocked(sub, msg) {
			delivered++
		}
	}
	return delivered
}

// Send queues msg for one subscriber. Returns false when the queue is full.
func (b *Broadcaster) Send(subID string, msg Message) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return false, ErrUnknownSubscriber
	}
	return b.deliverLocked(sub, msg), nil
}

// deliverLocked must run under at least the read lock so Remove cannot close
// the queue mid-send.
func (b *Broadcaster) deliverLocked(sub *Subscriber, msg Message) bool {
	select {
	case sub.send <- msg:
		observability.RecordBroadcast(msg.Event, true)
		return true
	default:
		observability.RecordBroadcast(msg.Event, false)
		b.logger.Printf("subscriber %s queue full, dropped %s", sub.ID, msg.Event)
		return false
	}
}
