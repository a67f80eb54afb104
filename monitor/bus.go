package monitor

import (
	"sync"

	"github.com/asaskevich/EventBus"
	"github.com/sirupsen/logrus"
)

const topicSnapshot = "sync:snapshot"

// Bus delivers snapshots to registered listeners.  Publishers must not hold
// locks that listeners may take; the bus lock only serializes delivery.
type Bus struct {
	mu   sync.Mutex
	bus  EventBus.Bus
	last *Snapshot
	subs []func(Snapshot)
	log  logrus.FieldLogger
}

// NewBus returns an empty bus.  logger may be nil.
func NewBus(logger logrus.FieldLogger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{bus: EventBus.New(), log: logger.WithField("module", "monitor")}
}

// Subscribe registers fn for every later snapshot.  Handlers run
// synchronously on the publishing goroutine and must not block.
func (b *Bus) Subscribe(fn func(Snapshot)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bus.Subscribe(topicSnapshot, fn); err != nil {
		return err
	}
	b.subs = append(b.subs, fn)
	return nil
}

// Unsubscribe removes every registered listener.
func (b *Bus) Unsubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, fn := range b.subs {
		if err := b.bus.Unsubscribe(topicSnapshot, fn); err != nil {
			b.log.WithError(err).Debug("Failed to unsubscribe snapshot listener")
		}
	}
	b.subs = nil
}

// Publish delivers s to every listener and remembers it as the latest.  A
// snapshot taken before the latest one is dropped, so racing publishers
// never move listeners backwards.  It reports whether s was delivered.
func (b *Bus) Publish(s Snapshot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last != nil && s.TakenAt.Before(b.last.TakenAt) {
		b.log.WithField("taken_at", s.TakenAt).Debug("Dropping stale snapshot")
		return false
	}
	b.last = &s
	b.bus.Publish(topicSnapshot, s)
	return true
}

// Last returns the most recently published snapshot.
func (b *Bus) Last() (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Snapshot{}, false
	}
	return *b.last, true
}
