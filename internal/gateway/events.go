package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/model"
)

// EventType names an auth state change.
type EventType string

const (
	SignedIn       EventType = "SIGNED_IN"
	TokenRefreshed EventType = "TOKEN_REFRESHED"
	SignedOut      EventType = "SIGNED_OUT"
)

// Event is delivered to subscribers after the session store reflects it.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Identity  model.Identity `json:"identity"`
	At        time.Time      `json:"occurred_at"`
}

const defaultSubscriberBuffer = 64

type subscriber struct {
	name string
	ch   chan Event
}

// Bus fans events out to subscribers. Each subscriber has its own queue
// and goroutine: order is kept per subscriber, a slow subscriber never
// blocks the publisher or its peers, and an event that does not fit in a
// full queue is dropped and logged.
type Bus struct {
	log    *zap.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	wg     sync.WaitGroup
}

func NewBus(log *zap.Logger, buffer int) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Bus{log: log, buffer: buffer, subs: make(map[int]*subscriber)}
}

// Subscribe registers fn under name and returns a func that removes it.
// fn runs on the subscriber's own goroutine.
func (b *Bus) Subscribe(name string, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.nextID
	b.nextID++
	s := &subscriber{name: name, ch: make(chan Event, b.buffer)}
	b.subs[id] = s

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range s.ch {
			b.deliver(s.name, fn, ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if cur, ok := b.subs[id]; ok && cur == s {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) deliver(name string, fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("auth event subscriber panicked",
				zap.String("subscriber", name), zap.String("event", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// Publish enqueues ev for every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.log.Warn("auth event dropped, subscriber queue full",
				zap.String("subscriber", s.name),
				zap.String("event", string(ev.Type)),
				zap.String("session_id", ev.SessionID))
		}
	}
}

// Close stops accepting subscribers, drains the queues and waits for
// every subscriber goroutine to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
