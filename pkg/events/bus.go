package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler receives events. Handlers run on the publisher's goroutine and
// must not publish to the topic they are handling.
type Handler func(ctx context.Context, ev Event)

// ErrUnknownTopic is returned when subscribing or publishing to a topic the
// bus does not carry.
var ErrUnknownTopic = errors.New("unknown topic")

// Bus fans events out to subscribers.
//
// Delivery is synchronous and publishes to a topic are serialized, so every
// subscriber observes a topic's events in publish order. Subscribers that
// join after a publish do not see it.
type Bus struct {
	topics map[Topic]*topicState
	nextID atomic.Uint64
	logger *zap.Logger
}

type topicState struct {
	// publish serializes deliveries on the topic.
	publish sync.Mutex

	mu   sync.RWMutex
	subs []subscriber
}

type subscriber struct {
	id uint64
	h  Handler
}

// NewBus creates a bus carrying Topics(). logger may be nil.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		topics: make(map[Topic]*topicState, len(Topics())),
		logger: logger,
	}
	for _, t := range Topics() {
		b.topics[t] = &topicState{}
	}
	return b
}

// Subscribe registers h for topic and returns a func that removes it.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func(), err error) {
	if h == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	ts, ok := b.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	id := b.nextID.Add(1)
	ts.mu.Lock()
	ts.subs = append(ts.subs, subscriber{id: id, h: h})
	count := len(ts.subs)
	ts.mu.Unlock()

	b.logger.Debug("Event handler subscribed",
		zap.String("topic", string(topic)),
		zap.Int("subscriber_count", count))

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(ts, topic, id) })
	}, nil
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func(), err error) {
	var unsubs []func()
	for _, t := range Topics() {
		u, err := b.Subscribe(t, h)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, u)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

func (b *Bus) remove(ts *topicState, topic Topic, id uint64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, s := range ts.subs {
		if s.id == id {
			ts.subs = append(ts.subs[:i:i], ts.subs[i+1:]...)
			b.logger.Debug("Event handler unsubscribed", zap.String("topic", string(topic)))
			return
		}
	}
}

// SubscriberCount returns the number of handlers registered for topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	ts, ok := b.topics[topic]
	if !ok {
		return 0
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.subs)
}

// Publish delivers ev to every current subscriber of ev.Topic and returns
// once all of them have run.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	ts, ok := b.topics[ev.Topic]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, ev.Topic)
	}

	ts.publish.Lock()
	defer ts.publish.Unlock()

	ts.mu.RLock()
	subs := make([]subscriber, len(ts.subs))
	copy(subs, ts.subs)
	ts.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debug("No subscribers for event",
			zap.String("topic", string(ev.Topic)),
			zap.String("job_id", ev.JobID))
		return nil
	}

	for _, s := range subs {
		b.deliver(ctx, s.h, ev)
	}
	return nil
}

// deliver runs h, recovering a panic so one bad subscriber cannot starve the
// others.
func (b *Bus) deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("topic", string(ev.Topic)),
				zap.String("job_id", ev.JobID),
				zap.Any("panic", r))
		}
	}()
	h(ctx, ev)
}
