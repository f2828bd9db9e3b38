package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/laylaymen/kriptobot-sub006/logger"
	"github.com/laylaymen/kriptobot-sub006/models"
)

// Subscription is one consumer's view of the bus. Events arrive on C; a
// consumer that falls behind loses events rather than stalling publishers.
type Subscription struct {
	Pattern string
	C       chan *models.NormalizedEvent

	bus     *Bus
	id      int64
	dropped atomic.Int64
}

// Dropped reports how many events this subscription lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus is a topic-based fan-out for normalized events. Topics are
// dot-separated segments; subscription patterns may use "*" to match a
// single segment, and a trailing "*" matches everything below it.
type Bus struct {
	log *logger.Entry

	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

func New() *Bus {
	return &Bus{
		log:  logger.GetLogger().WithComponent("bus"),
		subs: make(map[int64]*Subscription),
	}
}

// Subscribe registers a consumer for topics matching pattern. buffer is the
// channel capacity; a zero or negative value gets a small default.
func (b *Bus) Subscribe(pattern string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		Pattern: pattern,
		C:       make(chan *models.NormalizedEvent, buffer),
		bus:     b,
		id:      b.nextID,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.C)
	}
}

// Publish fans the event out to every matching subscription without
// blocking. Events to full subscribers are dropped and counted.
func (b *Bus) Publish(event *models.NormalizedEvent) {
	if event == nil {
		return
	}
	topic := event.Topic()
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !matchTopic(sub.Pattern, topic) {
			continue
		}
		select {
		case sub.C <- event:
			b.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			if b.dropped.Add(1)%1000 == 1 {
				b.log.WithFields(logger.Fields{
					"pattern": sub.Pattern,
					"topic":   topic,
				}).Warn("Subscriber buffer full, dropping events")
			}
		}
	}
}

// Stats reports bus counters for the heartbeat.
func (b *Bus) Stats() (published, delivered, dropped int64) {
	return b.published.Load(), b.delivered.Load(), b.dropped.Load()
}

// matchTopic checks a dot-segmented pattern against a topic. "*" matches
// exactly one segment, except in the final position where it matches the
// rest of the topic.
func matchTopic(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	pp := strings.Split(pattern, ".")
	tp := strings.Split(topic, ".")
	for i, seg := range pp {
		if seg == "*" && i == len(pp)-1 {
			return len(tp) > i
		}
		if i >= len(tp) {
			return false
		}
		if seg != "*" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
