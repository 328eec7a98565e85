package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriberBuffer bounds pending events per subscriber. A full buffer already holds a pending
// change signal, so further events are dropped instead of blocking the publisher.
const subscriberBuffer = 64

// ErrClosed is returned when subscribing to a closed feed.
var ErrClosed = errors.New("feed: closed")

type memorySub struct {
	id      string
	table   string
	filter  Filter
	handler Handler
	ch      chan Event
	done    chan struct{}
	closed  atomic.Bool
	broker  *Broker
}

func (s *memorySub) Topic() string { return Topic(s.table, s.filter) }

func (s *memorySub) Unsubscribe() error {
	s.broker.remove(s)
	return nil
}

func (s *memorySub) run() {
	for {
		select {
		case ev := <-s.ch:
			if s.closed.Load() {
				return
			}
			s.handler(ev)
		case <-s.done:
			return
		}
	}
}

// Broker is an in-process feed. The local store publishes every write to it, and transports that
// receive events from a single upstream connection use it to fan out to subscribers.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*memorySub
	closed atomic.Bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]*memorySub)}
}

// Subscribe registers h for events on table matching filter. The subscription ends when ctx is
// cancelled or Unsubscribe is called.
func (b *Broker) Subscribe(ctx context.Context, table string, filter Filter, h Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySub{
		id:      uuid.NewString(),
		table:   table,
		filter:  filter,
		handler: h,
		ch:      make(chan Event, subscriberBuffer),
		done:    make(chan struct{}),
		broker:  b,
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				b.remove(sub)
			case <-sub.done:
			}
		}()
	}
	return sub, nil
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Broker) Publish(_ context.Context, ev Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.RLock()
	targets := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.table == ev.Table && s.filter.Matches(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if s.closed.Load() {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

// Broadcast sends ev to every subscriber regardless of table or filter. Used for resync signals.
func (b *Broker) Broadcast(ev Event) {
	b.mu.RLock()
	targets := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()
	for _, s := range targets {
		e := ev
		e.Table = s.table
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Count returns the number of live subscriptions on table ("" counts all).
func (b *Broker) Count(table string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if table == "" || s.table == table {
			n++
		}
	}
	return n
}

// Close removes every subscriber. Later Subscribe calls fail with ErrClosed.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*memorySub)
	b.mu.Unlock()
	for _, s := range subs {
		if s.closed.CompareAndSwap(false, true) {
			close(s.done)
		}
	}
	return nil
}

func (b *Broker) remove(s *memorySub) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
}
