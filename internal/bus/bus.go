// Package bus implements the in-process publish/subscribe router that
// decouples trigger plugins, the cloud client, and local consumers from
// each other. Topics are exact strings. Delivery is best effort while
// the process is alive: no buffering, no replay, no cross-topic ordering.
package bus

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Handler receives the published data for a topic. A returned error is
// logged and never interrupts delivery to the remaining handlers.
type Handler func(data any) error

// Bus routes published data to subscribed handlers by topic.
// Synchronous handlers run on the publisher's goroutine in registration
// order; asynchronous handlers fan out concurrently and are awaited
// together. The two pools are independent.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	syncSubs  map[string][]*Subscription
	asyncSubs map[string][]*Subscription
	logger    *zap.Logger
}

// New creates an empty Bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		syncSubs:  make(map[string][]*Subscription),
		asyncSubs: make(map[string][]*Subscription),
		logger:    logger,
	}
}

// Subscription identifies one registered handler.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
	async bool
	fn    Handler
}

// Unsubscribe removes the handler from its topic. Unsubscribing a
// handler that was already removed is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s)
}

// Subscribe registers a synchronous handler for topic. Handlers are
// dispatched in registration order on the publishing goroutine.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	return b.add(topic, h, false)
}

// SubscribeAsync registers an asynchronous handler for topic. Async
// handlers run concurrently with each other during PublishAsync.
func (b *Bus) SubscribeAsync(topic string, h Handler) *Subscription {
	return b.add(topic, h, true)
}

func (b *Bus) add(topic string, h Handler, async bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, topic: topic, id: b.nextID, async: async, fn: h}
	pool := b.syncSubs
	if async {
		pool = b.asyncSubs
	}
	pool[topic] = append(pool[topic], sub)

	b.logger.Debug("Subscribed handler",
		zap.String("topic", topic),
		zap.Bool("async", async))
	return sub
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pool := b.syncSubs
	if s.async {
		pool = b.asyncSubs
	}
	subs := pool[s.topic]
	for i, cur := range subs {
		if cur.id == s.id {
			pool[s.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers data to every synchronous subscriber of topic, in
// registration order, on the caller's goroutine. A handler error or
// panic is logged and does not stop dispatch to the remaining handlers.
// Publishing to a topic with no subscribers is a silent no-op.
func (b *Bus) Publish(topic string, data any) {
	for _, sub := range b.snapshot(topic, false) {
		b.invoke(topic, sub, data)
	}
}

// PublishAsync delivers data to every asynchronous subscriber of topic
// concurrently and waits for all of them to finish. An individual
// handler's failure is logged and does not cancel its siblings.
func (b *Bus) PublishAsync(topic string, data any) {
	subs := b.snapshot(topic, true)
	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			b.invoke(topic, s, data)
		}(sub)
	}
	wg.Wait()
}

// snapshot copies the handler list so handlers may subscribe or
// unsubscribe reentrantly while a publish is in flight.
func (b *Bus) snapshot(topic string, async bool) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pool := b.syncSubs
	if async {
		pool = b.asyncSubs
	}
	subs := pool[topic]
	if len(subs) == 0 {
		return nil
	}
	out := make([]*Subscription, len(subs))
	copy(out, subs)
	return out
}

func (b *Bus) invoke(topic string, sub *Subscription, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("topic", topic),
				zap.Any("panic", r))
		}
	}()

	if err := sub.fn(data); err != nil {
		b.logger.Error("Event handler failed",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// SubscriberCount returns the number of handlers registered for topic
// across both pools.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.syncSubs[topic]) + len(b.asyncSubs[topic])
}

// Clear removes every handler for topic from both pools.
func (b *Bus) Clear(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.syncSubs, topic)
	delete(b.asyncSubs, topic)
}

// Topics returns the sorted list of topics that currently have at
// least one subscriber. Intended for diagnostics.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{}, len(b.syncSubs)+len(b.asyncSubs))
	for t := range b.syncSubs {
		seen[t] = struct{}{}
	}
	for t := range b.asyncSubs {
		seen[t] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
