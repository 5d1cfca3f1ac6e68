package collab

import (
	"context"
	"sync"
)

// BroadcastBus fans committed operations out to connected subscribers.
// Delivery is best-effort and at-most-once per subscriber; a subscriber
// that misses operations catches up through the operation log. The bus is
// a latency optimization, never the source of truth.
type BroadcastBus interface {
	Publish(ctx context.Context, op Operation) error
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
	Close() error
}

// Subscription is a lazy, cancellable sequence of operations. C is closed
// after Close; Close never blocks the publisher.
type Subscription interface {
	C() <-chan Operation
	Close() error
}

const memoryBusBuffer = 64

type memoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*memorySubscription
	closed bool
}

type memorySubscription struct {
	bus       *memoryBus
	sessionID string
	id        int
	ch        chan Operation
	closeOnce sync.Once
}

// NewMemoryBus returns an in-process bus for tests and single-node runs.
// A subscriber whose buffer is full misses the operation rather than
// blocking the publish path.
func NewMemoryBus() BroadcastBus {
	return &memoryBus{subs: map[string]map[int]*memorySubscription{}}
}

func (b *memoryBus) Publish(ctx context.Context, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerUnavailable
	}
	for _, sub := range b.subs[op.SessionID] {
		select {
		case sub.ch <- op:
		default:
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerUnavailable
	}
	b.nextID++
	sub := &memorySubscription{
		bus:       b,
		sessionID: sessionID,
		id:        b.nextID,
		ch:        make(chan Operation, memoryBusBuffer),
	}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = map[int]*memorySubscription{}
	}
	b.subs[sessionID][sub.id] = sub
	return sub, nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0)
	for _, bySession := range b.subs {
		for _, sub := range bySession {
			subs = append(subs, sub)
		}
	}
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *memorySubscription) C() <-chan Operation {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		if bySession, ok := s.bus.subs[s.sessionID]; ok {
			delete(bySession, s.id)
			if len(bySession) == 0 {
				delete(s.bus.subs, s.sessionID)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}
