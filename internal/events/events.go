// Package events carries engine lifecycle notifications to in-process
// subscribers and, through Hub, to WebSocket clients.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/enginectl/internal/metrics"
)

type Topic string

const (
	TopicProgress Topic = "engine-progress"
	TopicLog      Topic = "engine-log"
	TopicStatus   Topic = "engine-status"
)

// Event is the envelope delivered to subscribers and sent over the wire.
type Event struct {
	Topic Topic     `json:"event"`
	Data  any       `json:"data"`
	Time  time.Time `json:"time"`
}

// Status values carried by TopicStatus.
const (
	StatusStarting = "starting"
	StatusStarted  = "started"
	StatusStopped  = "stopped"
	StatusExited   = "exited"
	StatusFailed   = "failed"
)

// StatusData is the payload of TopicStatus.
type StatusData struct {
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
	Port   uint16 `json:"port,omitempty"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(topic Topic, data any)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Topic, any) {}

// Bus fans events out to subscribers without ever blocking the publisher;
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

func (b *Bus) Publish(topic Topic, data any) {
	ev := Event{Topic: topic, Data: data, Time: time.Now().UTC()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			metrics.IncEventDropped(string(topic))
		}
	}
}

// Dropped counts events that did not fit a subscriber's buffer.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription receives events on C until Close.
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	bus  *Bus
	once sync.Once
}

// Subscribe registers a subscriber with the given buffer depth.
func (b *Bus) Subscribe(buf int) *Subscription {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)
	s := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}
