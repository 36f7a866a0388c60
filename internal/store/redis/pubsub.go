package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProfileHandler reacts to a user's profile having changed upstream.
type ProfileHandler func(ctx context.Context, userID string)

// Subscription delivers profile change notifications until closed.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
	err    error
}

// PublishProfileChange announces that userID's profile changed.
func (s *Store) PublishProfileChange(ctx context.Context, channel, userID string) error {
	if err := s.client.Publish(ctx, s.key(channel), userID).Err(); err != nil {
		return fmt.Errorf("publish profile change: %w", err)
	}
	return nil
}

// SubscribeProfileChanges calls handle for every user id published on
// channel. Handlers run one at a time in publish order. The subscription is
// confirmed before this returns, so nothing published afterwards is missed.
func (s *Store) SubscribeProfileChanges(ctx context.Context, channel string, handle ProfileHandler) (*Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.key(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			s.log.Debug("profile change received", zap.String("user_id", msg.Payload))
			handle(ctx, msg.Payload)
		}
	}()
	s.log.Info("subscribed to profile changes", zap.String("channel", s.key(channel)))
	return sub, nil
}

// Close unsubscribes and waits for the handler loop to finish.
func (sub *Subscription) Close() error {
	sub.once.Do(func() {
		sub.err = sub.pubsub.Close()
		<-sub.done
		if errors.Is(sub.err, redis.ErrClosed) {
			sub.err = nil
		}
	})
	return sub.err
}
