package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"verifyd/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBridge mirrors locally published envelopes onto a Redis pub/sub
// channel and delivers envelopes from other instances to the local bus.
type RedisBridge struct {
	client  redis.UniversalClient
	bus     *Bus
	channel string
	logger  logger.Logger

	mu     sync.Mutex
	sub    *Subscription
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisBridge(client redis.UniversalClient, bus *Bus, channel string, log logger.Logger) *RedisBridge {
	return &RedisBridge{
		client:  client,
		bus:     bus,
		channel: channel,
		logger:  log.With(map[string]interface{}{"component": "event_bridge", "redis_channel": channel}),
	}
}

// Start subscribes to Redis and returns once the subscription is confirmed.
func (r *RedisBridge) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return nil
	}

	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	sub, err := r.bus.SubscribePattern("*", r.forward)
	if err != nil {
		_ = ps.Close()
		return err
	}

	r.pubsub = ps
	r.sub = sub
	r.done = make(chan struct{})
	go r.listen(ps.Channel(), r.done)

	r.logger.Info("Event bridge started", nil)
	return nil
}

func (r *RedisBridge) Stop() error {
	r.mu.Lock()
	ps, sub, done := r.pubsub, r.sub, r.done
	r.pubsub, r.sub, r.done = nil, nil, nil
	r.mu.Unlock()

	if ps == nil {
		return nil
	}
	sub.Unsubscribe()
	err := ps.Close()
	<-done
	return err
}

func (r *RedisBridge) forward(ctx context.Context, env *Envelope) error {
	if env.Origin != r.bus.Origin() {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *RedisBridge) listen(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn("Dropping malformed bridged event", map[string]interface{}{"error": err.Error()})
			continue
		}
		if env.Origin == r.bus.Origin() {
			continue
		}
		r.bus.Deliver(context.Background(), &env)
	}
}
