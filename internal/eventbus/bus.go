// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventbus implements the daemon's in-process pub/sub fan-out
// (C5). It is explicitly lossy: subscribers that fall behind have
// their oldest undelivered events dropped rather than blocking
// publishers, since the event store (not the bus) is the durable
// record of truth.
package eventbus

import (
	"sync"

	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

// WildcardEventType subscribes to every event type.
const WildcardEventType orchestrator.EventType = "*"

// DefaultQueueSize is the default per-subscriber buffered channel
// capacity before the drop-oldest policy kicks in.
const DefaultQueueSize = 256

type subscription struct {
	id        string
	eventType orchestrator.EventType
	ch        chan orchestrator.Event

	mu sync.Mutex // serializes the drop-oldest dequeue-then-enqueue sequence
}

// Bus is a bounded, drop-oldest pub/sub event bus. Each subscriber
// gets its own buffered channel and its own delivery order is
// preserved; a slow subscriber never blocks publishers or other
// subscribers, it only loses its own oldest backlog.
type Bus struct {
	queueSize int

	mu      sync.RWMutex
	nextID  int64
	subs    map[string]*subscription
	closed  bool
}

// New creates an event bus whose subscriber queues hold queueSize
// events before dropping the oldest. A non-positive queueSize falls
// back to DefaultQueueSize.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		queueSize: queueSize,
		subs:      make(map[string]*subscription),
	}
}

// Subscribe registers a new subscriber for eventType (or
// WildcardEventType for every event) and returns its delivery channel
// plus an unsubscribe function. The returned channel is closed when
// Unsubscribe or Close is called, so range loops over it terminate
// cleanly.
func (b *Bus) Subscribe(eventType orchestrator.EventType) (<-chan orchestrator.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := idFor(b.nextID)
	sub := &subscription{
		id:        id,
		eventType: eventType,
		ch:        make(chan orchestrator.Event, b.queueSize),
	}
	b.subs[id] = sub

	return sub.ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Publish delivers an event to every subscriber whose eventType
// matches e.EventType or is WildcardEventType. Delivery never blocks:
// a full subscriber queue has its oldest entry dropped to make room.
func (b *Bus) Publish(e orchestrator.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.eventType == WildcardEventType || sub.eventType == e.EventType {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		deliver(sub, e)
	}
}

// deliver enqueues e onto sub's channel, dropping the oldest queued
// event first if the channel is already full. The subscriber-level
// mutex makes the drain-then-push sequence atomic against concurrent
// Publish calls targeting the same subscriber.
func deliver(sub *subscription, e orchestrator.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case sub.ch <- e:
		return
	default:
	}

	select {
	case <-sub.ch:
	default:
	}

	select {
	case sub.ch <- e:
	default:
		// Another consumer drained concurrently and the channel is
		// still full; drop this event rather than block.
	}
}

// SubscriberCount returns the number of active subscriptions, for
// diagnostics and metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// QueueDepths returns each active subscriber's current buffered event
// count, keyed by subscription id, for periodic metrics sampling.
func (b *Bus) QueueDepths() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.subs))
	for id, sub := range b.subs {
		out[id] = len(sub.ch)
	}
	return out
}

// Close unsubscribes and closes the channel of every current
// subscriber. Called during ordered shutdown (C12) after the
// WebSocket gateway has already closed its connections.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}

func idFor(n int64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append(buf, alphabet[n%int64(len(alphabet))])
		n /= int64(len(alphabet))
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}
