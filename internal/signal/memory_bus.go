// SPDX-License-Identifier: MIT

package signal

import (
	"context"
	"sync"
)

// MemoryBus is an in-process pub/sub for single-worker deployments and tests.
// Delivery is best effort; slow subscribers drop events rather than block the
// webhook path.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]*memorySub
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	bus    *MemoryBus
	callID string
	ch     chan CallEvent
	once   sync.Once
}

func (s *memorySub) C() <-chan CallEvent { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.remove(s.callID, s)
		close(s.ch)
	})
	return nil
}

// Publish delivers the event to every subscriber of its call.
func (b *MemoryBus) Publish(_ context.Context, ev CallEvent) error {
	b.mu.RLock()
	subs := append([]*memorySub(nil), b.subs[ev.CallID]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			// drop on backpressure to avoid blocking the webhook path
		}
	}
	return nil
}

// Subscribe registers a subscriber for one call's events.
func (b *MemoryBus) Subscribe(_ context.Context, callID string) (Subscriber, error) {
	sub := &memorySub{bus: b, callID: callID, ch: make(chan CallEvent, 64)}
	b.mu.Lock()
	b.subs[callID] = append(b.subs[callID], sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *MemoryBus) remove(callID string, sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[callID]
	out := list[:0]
	for _, s := range list {
		if s != sub {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		delete(b.subs, callID)
	} else {
		b.subs[callID] = out
	}
}
