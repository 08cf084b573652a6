// Package events fans engine events out to in-process subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const DefaultSubscriberBuffer = 256

// Bus delivers every published event to every subscriber. A subscriber that
// falls behind loses events instead of blocking the publisher.
type Bus struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

type subscriber struct {
	name string
	ch   chan Event
}

func NewBus(clock clockwork.Clock) *Bus {
	return &Bus{clock: clock, subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a subscriber. The returned cancel func closes its channel.
func (b *Bus) Subscribe(name string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{name: name, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish wraps payload in an Event and fans it out.
func (b *Bus) Publish(t Type, sessionID uuid.UUID, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	ev := Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: b.clock.Now().UTC(),
		Data:      data,
	}
	if sessionID != uuid.Nil {
		ev.SessionID = sessionID.String()
	}
	b.Dispatch(ev)
	return ev, nil
}

// Dispatch fans out an already built event.
func (b *Bus) Dispatch(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			log.Warn().
				Str("subscriber", s.name).
				Str("event_type", string(ev.Type)).
				Msg("event subscriber full, dropping event")
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
