// Package bus is the engine's publish/subscribe event fabric.
//
// Delivery contract: per-subscriber serialized. Each subscription owns a FIFO
// queue drained by a dedicated goroutine into its channel, so a subscriber
// sees events in the exact order the bus accepted them and a slow subscriber
// never blocks a publisher. There is no global ordering across subscribers.
package bus

import (
	"sync"
)

// Topic names an event stream.
type Topic string

const (
	TopicSignal           Topic = "signal"
	TopicSignalLive       Topic = "signalLive"
	TopicSignalBacktest   Topic = "signalBacktest"
	TopicRisk             Topic = "risk"
	TopicPartialProfit    Topic = "partialProfit"
	TopicPartialLoss      Topic = "partialLoss"
	TopicProgressBacktest Topic = "progressBacktest"
	TopicProgressWalker   Topic = "progressWalker"
	TopicWalkerComplete   Topic = "walkerComplete"
	TopicDoneBacktest     Topic = "doneBacktest"
	TopicDoneLive         Topic = "doneLive"
	TopicError            Topic = "error"
	TopicExit             Topic = "exit"
)

// Event is one published item.
type Event struct {
	Topic   Topic
	Payload any
}

// Bus routes events from publishers to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]*Subscription)}
}

// Subscription is one subscriber's ordered view of its topics.
type Subscription struct {
	bus    *Bus
	topics []Topic

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}

	out chan Event
}

// Subscribe registers a subscriber for the given topics and starts its
// delivery goroutine. At least one topic is required.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	s := &Subscription{
		bus:    b,
		topics: topics,
		done:   make(chan struct{}),
		out:    make(chan Event, 16),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], s)
	}
	b.mu.Unlock()

	go s.drain()
	return s
}

// Publish enqueues the event for every subscriber of the topic. Never blocks.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload}
	for _, s := range subs {
		s.enqueue(evt)
	}
}

// Close shuts down every subscription. Queued events are still delivered to
// subscribers that keep reading; a subscriber that stopped reading has its
// remaining events dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	seen := make(map[*Subscription]bool)
	var all []*Subscription
	for _, list := range b.subs {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				all = append(all, s)
			}
		}
	}
	b.subs = make(map[Topic][]*Subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}

// Events returns the subscriber's delivery channel. The channel is closed
// after Unsubscribe or Bus.Close once all queued events have been delivered.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Unsubscribe detaches the subscription from the bus and flushes its queue.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	for _, t := range s.topics {
		list := b.subs[t]
		for i, cand := range list {
			if cand == s {
				b.subs[t] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	s.close()
}

func (s *Subscription) enqueue(evt Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Subscription) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
		close(s.done)
	}
	s.mu.Unlock()
}

// drain moves events from the queue to the out channel one at a time,
// preserving bus-accept order for this subscriber. After close, events a
// subscriber is no longer reading are dropped so the goroutine always exits.
func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
			continue
		default:
		}
		select {
		case s.out <- evt:
		case <-s.done:
			close(s.out)
			return
		}
	}
}
