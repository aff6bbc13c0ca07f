// Package lifecycle carries host-shell signals (the extension panel being
// mounted, unmounted, focused or made visible again) to subscribers.
package lifecycle

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

type Event string

const (
	Mounted            Event = "mounted"
	Unmounted          Event = "unmounted"
	FocusRegained      Event = "focusRegained"
	VisibilityRegained Event = "visibilityRegained"
)

// ParseEvent accepts the event names the UI posts.
func ParseEvent(s string) (Event, error) {
	switch e := Event(s); e {
	case Mounted, Unmounted, FocusRegained, VisibilityRegained:
		return e, nil
	}
	return "", fmt.Errorf("unknown lifecycle event %q", s)
}

// Regained reports whether the event means the UI is looking at us again.
func (e Event) Regained() bool {
	return e == Mounted || e == FocusRegained || e == VisibilityRegained
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.WithFields(log.Fields{"event": e, "subscriber": id}).Debug("Lifecycle subscriber full, event dropped")
		}
	}
}
