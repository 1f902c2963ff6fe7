package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordinator/internal/observability"
)

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

const subscriberBuffer = 64

// Subscription receives events for its topics on C until its context ends
// or Close is called, after which C is closed.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	topics []string
	bus    *Bus
	once   sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unregister(s) })
}

// Bus fans events out to in-process subscribers keyed by topic. With a Redis
// client it also relays events between instances over pub/sub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	redis  redis.UniversalClient
	prefix string
	origin string
	logger *slog.Logger
}

type wireEvent struct {
	Origin string `json:"origin"`
	Topic  string `json:"topic"`
	Event  Event  `json:"event"`
}

func NewBus(client redis.UniversalClient, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]map[*Subscription]struct{}),
		redis:  client,
		prefix: "rides:bus:",
		origin: uuid.NewString(),
		logger: logger,
	}
}

func (b *Bus) Subscribe(ctx context.Context, topics ...string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, topics: topics, bus: b}

	b.mu.Lock()
	for _, t := range topics {
		if b.subs[t] == nil {
			b.subs[t] = make(map[*Subscription]struct{})
		}
		b.subs[t][sub] = struct{}{}
	}
	b.mu.Unlock()
	observability.Subscribers.Inc()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub
}

func (b *Bus) unregister(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.topics {
		if set, ok := b.subs[t]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, t)
			}
		}
	}
	close(sub.ch)
	observability.Subscribers.Dec()
}

// Publish delivers ev to local subscribers of topic and, when bridged, to
// other instances. A full subscriber buffer drops the event for that
// subscriber only; the reconciler's resync covers the gap.
func (b *Bus) Publish(ctx context.Context, topic string, ev Event) error {
	observability.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	b.deliver(topic, ev)
	if b.redis == nil {
		return nil
	}
	payload, err := json.Marshal(wireEvent{Origin: b.origin, Topic: topic, Event: ev})
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, b.prefix+topic, payload).Err()
}

func (b *Bus) deliver(topic string, ev Event) {
	// Held across the sends so unregister cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			observability.EventsDropped.Inc()
			b.logger.Warn("event_dropped", "topic", topic, "type", ev.Type)
		}
	}
}

// Start subscribes to the Redis channel pattern and relays events published
// by other instances until ctx ends. It returns once the subscription is
// confirmed. Without a Redis client it is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	if b.redis == nil {
		return nil
	}
	pubsub := b.redis.PSubscribe(ctx, b.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				b.relay(msg)
			}
		}
	}()
	return nil
}

func (b *Bus) relay(msg *redis.Message) {
	var w wireEvent
	if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
		b.logger.Warn("bus_bad_payload", "channel", msg.Channel, "err", err)
		return
	}
	if w.Origin == b.origin {
		return
	}
	topic := w.Topic
	if topic == "" {
		topic = strings.TrimPrefix(msg.Channel, b.prefix)
	}
	b.deliver(topic, w.Event)
}
