// Package events is the in-process publish/subscribe bus for verification
// lifecycle transitions. Fan-out is synchronous with Publish and live only.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"runtime/debug"
	"sync"
	"time"

	"verifyd/pkg/correlation"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
)

// Handler consumes one envelope. Returned errors are logged, never propagated.
type Handler func(ctx context.Context, env *Envelope) error

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(ctx context.Context, channel string, evt Event, opts ...Option) (*Envelope, error)
}

// Subscription is a handle returned by Subscribe and SubscribePattern.
type Subscription struct {
	id      uint64
	channel string
	pattern bool
	handler Handler
	bus     *Bus
}

func (s *Subscription) Channel() string { return s.channel }

// Unsubscribe removes only this subscription.
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s.channel, s)
}

type Bus struct {
	mu       sync.RWMutex
	exact    map[string][]*Subscription
	patterns []*Subscription
	nextID   uint64
	origin   string
	logger   logger.Logger
	now      func() time.Time
}

func NewBus(log logger.Logger) *Bus {
	return &Bus{
		exact:  make(map[string][]*Subscription),
		origin: uuid.NewString(),
		logger: log.With(map[string]interface{}{"component": "event_bus"}),
		now:    time.Now,
	}
}

// Origin identifies this process on bridged envelopes.
func (b *Bus) Origin() string { return b.origin }

func (b *Bus) Subscribe(channel string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, channel: channel, handler: h, bus: b}
	b.exact[channel] = append(b.exact[channel], sub)
	return sub
}

// SubscribePattern matches channels with path.Match glob syntax, e.g. "verification:*".
func (b *Bus) SubscribePattern(pattern string, h Handler) (*Subscription, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid subscription pattern %q: %w", pattern, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, channel: pattern, pattern: true, handler: h, bus: b}
	b.patterns = append(b.patterns, sub)
	return sub, nil
}

// Unsubscribe removes sub from channel, or every subscriber of channel
// (exact and pattern) when sub is nil.
func (b *Bus) Unsubscribe(channel string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keep := func(s *Subscription) bool {
		if s.channel != channel {
			return true
		}
		return sub != nil && s.id != sub.id
	}

	if subs, ok := b.exact[channel]; ok {
		filtered := subs[:0:0]
		for _, s := range subs {
			if keep(s) {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			delete(b.exact, channel)
		} else {
			b.exact[channel] = filtered
		}
	}

	filtered := b.patterns[:0:0]
	for _, s := range b.patterns {
		if keep(s) {
			filtered = append(filtered, s)
		}
	}
	b.patterns = filtered
}

// Publish stamps evt with envelope metadata and delivers it to every
// matching subscriber. It only fails when the payload cannot be encoded.
func (b *Bus) Publish(ctx context.Context, channel string, evt Event, opts ...Option) (*Envelope, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", evt.Type, err)
	}

	env := &Envelope{
		ID:             newEventID(),
		Channel:        channel,
		Type:           evt.Type,
		Timestamp:      b.now().UTC(),
		TenantID:       evt.TenantID,
		VerificationID: evt.VerificationID,
		CorrelationID:  correlation.FromContext(ctx),
		Priority:       PriorityNormal,
		Retryable:      true,
		Origin:         b.origin,
		Payload:        payload,
	}
	for _, opt := range opts {
		opt(env)
	}

	b.Deliver(ctx, env)
	return env, nil
}

// Deliver fans a fully-formed envelope out to local subscribers. The Redis
// bridge uses it for envelopes published by other instances.
func (b *Bus) Deliver(ctx context.Context, env *Envelope) {
	if env.Expired(b.now()) {
		b.logger.Debug("Dropping expired event", map[string]interface{}{
			"event_id": env.ID,
			"channel":  env.Channel,
		})
		return
	}

	if env.CorrelationID != "" {
		ctx = correlation.WithID(ctx, env.CorrelationID)
	}

	for _, sub := range b.matching(env.Channel) {
		b.invoke(ctx, sub, env)
	}
}

func (b *Bus) matching(channel string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Subscription, 0, len(b.exact[channel])+len(b.patterns))
	out = append(out, b.exact[channel]...)
	for _, s := range b.patterns {
		if ok, _ := path.Match(s.channel, channel); ok {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", map[string]interface{}{
				"event_id":     env.ID,
				"channel":      env.Channel,
				"subscription": sub.channel,
				"panic":        fmt.Sprint(r),
				"stack":        string(debug.Stack()),
			})
		}
	}()

	if err := sub.handler(ctx, env); err != nil {
		b.logger.Error("Event handler failed", map[string]interface{}{
			"event_id":     env.ID,
			"channel":      env.Channel,
			"event_type":   env.Type,
			"subscription": sub.channel,
			"error":        err.Error(),
		})
	}
}

// SubscriberCount is used by health reporting and tests.
func (b *Bus) SubscriberCount(channel string) int {
	return len(b.matching(channel))
}
