// Package eventbus provides the publish/subscribe channel that decouples
// interaction sources from the flow controller.
package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/game/story"
)

// Bus fans events out to subscribers synchronously, in publication order.
//
// An event published while another is being delivered is queued and
// delivered after it, before the outermost Publish returns. A completion
// therefore reaches every subscriber before any event a subscriber produced
// in reaction to it.
//
// Bus is safe for concurrent use.
type Bus struct {
	logger *zap.Logger

	mu          sync.Mutex
	subs        map[Topic][]*Subscription
	queue       []Event
	dispatching bool
	nextID      uint64
}

// New creates an empty Bus.
//
// Precondition: logger must be non-nil.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[Topic][]*Subscription),
	}
}

// Subscription is a handle to a registered handler. Close releases it.
type Subscription struct {
	bus     *Bus
	topic   Topic
	id      uint64
	handler func(Event)
	closed  atomic.Bool
}

// Close unregisters the handler. Safe to call multiple times; a handler is
// not invoked after Close returns, even for an event already being delivered.
func (s *Subscription) Close() {
	if s == nil || s.closed.Swap(true) {
		return
	}
	s.bus.remove(s)
}

// Subscriptions is a group of handles released together.
type Subscriptions []*Subscription

// Close releases every subscription in the group.
func (ss Subscriptions) Close() {
	for _, s := range ss {
		s.Close()
	}
}

// Subscribe registers fn for every event of type E.
//
// Precondition: b and fn must be non-nil.
// Postcondition: Returns a live Subscription.
func Subscribe[E Event](b *Bus, fn func(E)) *Subscription {
	var zero E
	return b.subscribe(zero.Topic(), func(e Event) {
		if typed, ok := e.(E); ok {
			fn(typed)
		}
	})
}

func (b *Bus) subscribe(topic Topic, handler func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{bus: b, topic: topic, id: b.nextID, handler: handler}
	b.subs[topic] = append(b.subs[topic], s)
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.topic]
	for i, cur := range list {
		if cur.id == s.id {
			b.subs[s.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[s.topic]) == 0 {
		delete(b.subs, s.topic)
	}
}

// Publish delivers e to every subscriber of its topic. Handler panics are
// recovered and logged.
//
// Postcondition: When called outside a delivery, e and every event queued
// during its delivery have been delivered on return.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	b.queue = append(b.queue, e)
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		handlers := append([]*Subscription(nil), b.subs[next.Topic()]...)
		b.mu.Unlock()

		for _, s := range handlers {
			if s.closed.Load() {
				continue
			}
			b.deliver(s, next)
		}

		b.mu.Lock()
	}
	b.queue = nil
	b.dispatching = false
	b.mu.Unlock()
}

func (b *Bus) deliver(s *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: subscriber panicked",
				zap.String("topic", string(e.Topic())),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	s.handler(e)
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// RequestUnitStart asks the flow controller to start unit id.
func (b *Bus) RequestUnitStart(id story.UnitID) {
	b.Publish(UnitStartRequested{Unit: id})
}

// RequestClueUnlock asks the flow controller to unlock clue id after delay.
func (b *Bus) RequestClueUnlock(id story.ClueID, delay time.Duration) {
	b.Publish(ClueUnlockRequested{Clue: id, Delay: delay})
}

// RequestStageChange asks the flow controller to move to stage id.
func (b *Bus) RequestStageChange(id story.StageID) {
	b.Publish(StageChangeRequested{Stage: id})
}

// OnUnitStarted subscribes fn to UnitStarted events.
func (b *Bus) OnUnitStarted(fn func(UnitStarted)) *Subscription {
	return Subscribe(b, fn)
}

// OnUnitCompleted subscribes fn to UnitCompleted events.
func (b *Bus) OnUnitCompleted(fn func(UnitCompleted)) *Subscription {
	return Subscribe(b, fn)
}

// OnClueUnlocked subscribes fn to ClueUnlocked events.
func (b *Bus) OnClueUnlocked(fn func(ClueUnlocked)) *Subscription {
	return Subscribe(b, fn)
}

// OnStageChanged subscribes fn to StageChanged events.
func (b *Bus) OnStageChanged(fn func(StageChanged)) *Subscription {
	return Subscribe(b, fn)
}
