// Package realtime fans update events out to topic subscribers and provides a
// reconnecting client for consuming them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 16

const (
	// GlobalTopic receives every update.
	GlobalTopic = "global"

	eventTopicPrefix = "event:"
)

// ErrInvalidTopic indicates a malformed topic name.
var ErrInvalidTopic = errors.New("realtime: invalid topic")

var noOpLogger = zap.NewNop()

// EventType enumerates the update kinds delivered to subscribers.
type EventType string

const (
	EventCommitment  EventType = "commitment"
	EventMilestone   EventType = "milestone"
	EventAchievement EventType = "achievement"
	// EventHeartbeat keeps idle streams alive and is never published.
	EventHeartbeat EventType = "heartbeat"
)

// UpdateEvent is a single notification.
type UpdateEvent struct {
	Type      EventType       `json:"type"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewUpdateEvent encodes the payload into an UpdateEvent.
func NewUpdateEvent(eventType EventType, topic string, payload any, timestamp time.Time) (UpdateEvent, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return UpdateEvent{}, err
	}
	return UpdateEvent{
		Type:      eventType,
		Topic:     topic,
		Payload:   encoded,
		Timestamp: timestamp.UTC(),
	}, nil
}

// EventTopic returns the topic of a single event.
func EventTopic(eventID string) string {
	return eventTopicPrefix + eventID
}

// ValidateTopic accepts "global" and "event:<id>".
func ValidateTopic(topic string) error {
	if topic == GlobalTopic {
		return nil
	}
	if strings.HasPrefix(topic, eventTopicPrefix) && strings.TrimSpace(strings.TrimPrefix(topic, eventTopicPrefix)) != "" {
		return nil
	}
	return ErrInvalidTopic
}

// NotifierConfig describes the notifier settings.
type NotifierConfig struct {
	BufferSize int
	Logger     *zap.Logger
}

// Notifier is an in-process pub/sub hub. Publish never blocks: a subscriber
// whose queue is full loses its oldest pending event.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type subscriber struct {
	id      int64
	topic   string
	mu      sync.Mutex
	stream  chan UpdateEvent
	closed  bool
	dropped uint64
}

// Subscription is a live registration on one topic. Close releases it; the
// subscription context ending does the same.
type Subscription struct {
	notifier   *Notifier
	subscriber *subscriber
	once       sync.Once
	done       chan struct{}
}

// NewNotifier constructs a Notifier.
func NewNotifier(cfg NotifierConfig) *Notifier {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Notifier{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a subscriber on the topic until ctx ends or Close is called.
func (n *Notifier) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	sub := &subscriber{
		topic:  topic,
		stream: make(chan UpdateEvent, n.bufferSize),
	}
	n.mu.Lock()
	n.nextID++
	sub.id = n.nextID
	if _, ok := n.subscribers[topic]; !ok {
		n.subscribers[topic] = make(map[int64]*subscriber)
	}
	n.subscribers[topic][sub.id] = sub
	n.mu.Unlock()

	subscription := &Subscription{notifier: n, subscriber: sub, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			subscription.Close()
		case <-subscription.done:
		}
	}()
	return subscription, nil
}

// Publish delivers the event to every subscriber of its topic and, for event
// topics, to global subscribers.
func (n *Notifier) Publish(event UpdateEvent) {
	if event.Type == "" || ValidateTopic(event.Topic) != nil {
		return
	}
	topics := []string{event.Topic}
	if event.Topic != GlobalTopic {
		topics = append(topics, GlobalTopic)
	}

	n.mu.RLock()
	targets := make([]*subscriber, 0)
	for _, topic := range topics {
		for _, sub := range n.subscribers[topic] {
			targets = append(targets, sub)
		}
	}
	n.mu.RUnlock()

	for _, sub := range targets {
		if sub.deliver(event) {
			n.logger.Debug("subscriber queue full, dropped oldest event",
				zap.String("topic", sub.topic),
				zap.Int64("subscriber_id", sub.id))
		}
	}
}

// SubscriberCount reports the live subscribers of a topic.
func (n *Notifier) SubscriberCount(topic string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[topic])
}

func (n *Notifier) unregister(sub *subscriber) {
	n.mu.Lock()
	subscribers := n.subscribers[sub.topic]
	if subscribers != nil {
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(n.subscribers, sub.topic)
		}
	}
	n.mu.Unlock()
}

// deliver enqueues the event, evicting the oldest pending one when the queue is
// full. It reports whether an event was dropped.
func (s *subscriber) deliver(event UpdateEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.stream <- event:
		return false
	default:
	}
	select {
	case <-s.stream:
	default:
	}
	s.dropped++
	select {
	case s.stream <- event:
	default:
	}
	return true
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stream)
}

// Events returns the receive side of the subscription. It is closed once the
// subscription is released.
func (s *Subscription) Events() <-chan UpdateEvent {
	return s.subscriber.stream
}

// Dropped reports how many events were evicted from this subscription's queue.
func (s *Subscription) Dropped() uint64 {
	s.subscriber.mu.Lock()
	defer s.subscriber.mu.Unlock()
	return s.subscriber.dropped
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.notifier.unregister(s.subscriber)
		s.subscriber.close()
		close(s.done)
	})
}
