// Package eventbus is a small in-process topic bus used to fan out job
// lifecycle notifications. Delivery is best-effort: publishing uses a timed
// send per subscriber, so a slow consumer delays a publish by at most the
// timeout and never stalls it indefinitely.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Event is one published notification. ID is assigned by the bus.
type Event struct {
	ID    string
	Topic string
	At    time.Time
	Data  any
}

type Subscriber struct {
	ID      string
	Topic   string
	Channel chan Event
	Context context.Context
	Cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// TimedSend delivers the event, giving up after timeout.
func (s *Subscriber) TimedSend(event Event, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.Channel <- event:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		s.Cancel()
		close(s.Channel)
	}
}

type Bus struct {
	sync.RWMutex
	subscribers map[string]map[string]*Subscriber // topic pattern -> subscriberID -> Subscriber
	counter     uint64
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe registers for a topic pattern ("job.install.*", "*") and returns
// the event channel and an unsubscribe function.
func (bus *Bus) Subscribe(topic string, bufferSize int) (<-chan Event, func()) {
	id := fmt.Sprintf("sub-%d", atomic.AddUint64(&bus.counter, 1))

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Event, bufferSize)

	sub := &Subscriber{
		ID:      id,
		Topic:   topic,
		Channel: ch,
		Context: ctx,
		Cancel:  cancel,
	}

	bus.Lock()
	defer bus.Unlock()

	if _, ok := bus.subscribers[topic]; !ok {
		bus.subscribers[topic] = make(map[string]*Subscriber)
	}
	bus.subscribers[topic][id] = sub

	unsubscribe := func() {
		bus.Lock()
		defer bus.Unlock()

		if subMap, ok := bus.subscribers[topic]; ok {
			if s, ok := subMap[id]; ok {
				s.Close()
				delete(subMap, id)
				if len(subMap) == 0 {
					delete(bus.subscribers, topic)
				}
			}
		}
	}

	return ch, unsubscribe
}

// Publish sends an event to all subscribers whose pattern matches the topic.
// Events for subscribers that stay full past the timeout are dropped.
func (bus *Bus) Publish(topic string, data any, timeout time.Duration) Event {
	event := Event{
		ID:    newEventID(),
		Topic: topic,
		At:    time.Now().UTC(),
		Data:  data,
	}

	bus.RLock()
	defer bus.RUnlock()

	for pattern, subMap := range bus.subscribers {
		if matchTopic(pattern, topic) {
			for _, sub := range subMap {
				select {
				case <-sub.Context.Done():
					continue
				default:
					sub.TimedSend(event, timeout)
				}
			}
		}
	}
	return event
}

// Shutdown closes all subscribers and clears the bus.
func (bus *Bus) Shutdown() {
	bus.Lock()
	defer bus.Unlock()

	for _, subs := range bus.subscribers {
		for _, sub := range subs {
			sub.Close()
		}
	}
	bus.subscribers = make(map[string]map[string]*Subscriber)
}

const eventIDLength = 12

func newEventID() string {
	id, err := gonanoid.New(eventIDLength)
	if err != nil {
		return fmt.Sprintf("ev-%d", time.Now().UnixNano())
	}
	return id
}

func matchTopic(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	if pattern == "*" || pattern == topic {
		return true
	}
	patternParts := strings.Split(pattern, ".")
	topicParts := strings.Split(topic, ".")

	if len(patternParts) != len(topicParts) {
		return false
	}

	for i := 0; i < len(patternParts); i++ {
		if patternParts[i] == "*" {
			continue
		}
		if patternParts[i] != topicParts[i] {
			return false
		}
	}
	return true
}
