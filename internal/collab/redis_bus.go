package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "collab.session."

// RedisBus carries committed operations over one Redis pub/sub channel per
// session, named deterministically from the session id. Publish order
// matches append order because publishing happens inside the serialized
// submit path.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(dsn string) (BroadcastBus, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return &RedisBus{client: redis.NewClient(opts)}, nil
}

func redisSessionChannel(sessionID string) string {
	return redisChannelPrefix + sessionID
}

func (b *RedisBus) Publish(ctx context.Context, op Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, redisSessionChannel(op.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	if sessionID == "" {
		return nil, ErrInvalidInput
	}
	pubsub := b.client.Subscribe(ctx, redisSessionChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Operation, memoryBusBuffer),
	}
	go sub.pump()
	return sub, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	ch        chan Operation
	closeOnce sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var op Operation
		if err := json.Unmarshal([]byte(msg.Payload), &op); err != nil {
			log.Printf("collab: dropping undecodable bus message on %s: %v", msg.Channel, err)
			continue
		}
		select {
		case s.ch <- op:
		default:
			// Slow subscriber; it recovers through the operation log.
		}
	}
}

func (s *redisSubscription) C() <-chan Operation {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}
