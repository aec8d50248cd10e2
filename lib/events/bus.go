/*
 * Bookd
 * Copyright (C) 2025  Bookd Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package events

import (
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/utils"
)

// BusConfig configures the event bus.
type BusConfig struct {
	// BufferSize is the per-subscriber ring capacity; the oldest event
	// is dropped on overflow.
	BufferSize int
	// Clock stamps events published without a timestamp.
	Clock clockwork.Clock
}

func (c *BusConfig) checkAndSetDefaults() error {
	if c.BufferSize == 0 {
		c.BufferSize = defaults.EventBufferSize
	}
	if c.BufferSize < 0 {
		return trace.BadParameter("event buffer size should be > 0")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Bus is an in-process pub/sub fanout. Publish never blocks on slow
// subscribers: each subscriber owns a bounded ring drained by its own
// goroutine, and overflow drops the subscriber's oldest event.
type Bus struct {
	cfg    BusConfig
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus allocates an event bus.
func NewBus(cfg BusConfig) (*Bus, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bus{cfg: cfg, subs: make(map[*Subscription]struct{})}, nil
}

// Publish stamps and fans the event out. It is safe for concurrent use
// and never blocks waiting for subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.cfg.Clock.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.match.Matches(e) {
			sub.enqueue(e)
		}
	}
}

// Subscribe registers a new subscriber. The caller must Close the
// subscription when done.
func (b *Bus) Subscribe(match Match) (*Subscription, error) {
	ring, err := utils.NewRing[Event](b.cfg.BufferSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sub := &Subscription{
		match:  match,
		ring:   ring,
		notify: make(chan struct{}, 1),
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, trace.Errorf("event bus is closed")
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	sub.closeFn = func() { b.unsubscribe(sub) }
	go sub.run()
	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Close tears the bus down; outstanding subscriptions drain and stop.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.closeOnce.Do(func() { close(sub.done) })
		delete(b.subs, sub)
	}
	return nil
}

// Subscription is one subscriber's view of the bus. Delivery on Events
// is FIFO with respect to the publish order of matching events.
type Subscription struct {
	match     Match
	mu        sync.Mutex
	ring      *utils.Ring[Event]
	notify    chan struct{}
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	closeFn   func()
	dropped   atomic.Uint64
}

// Events is the subscriber's delivery channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done closes when the subscription stops delivering.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns how many events were lost to buffer overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription.
func (s *Subscription) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if s.ring.Push(e) {
		s.dropped.Add(1)
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	for {
		s.mu.Lock()
		e, ok := s.ring.Pop()
		s.mu.Unlock()
		if ok {
			select {
			case s.events <- e:
			case <-s.done:
				return
			}
			continue
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
