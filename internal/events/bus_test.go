package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"verifyd/pkg/correlation"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	envs []*Envelope
}

func (c *collector) handle(_ context.Context, env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collector) last() *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.envs) == 0 {
		return nil
	}
	return c.envs[len(c.envs)-1]
}

func testEvent() Event {
	id := uuid.New()
	return Event{
		Type:           TypeVerificationCreated,
		TenantID:       uuid.New(),
		VerificationID: &id,
		Payload:        map[string]string{"status": "pending"},
	}
}

func TestBus_PublishStampsEnvelope(t *testing.T) {
	bus := NewBus(logger.NewNop())
	c := &collector{}
	bus.Subscribe(ChannelVerificationCreated, c.handle)

	ctx := correlation.WithID(context.Background(), "req-1")
	evt := testEvent()
	env, err := bus.Publish(ctx, ChannelVerificationCreated, evt, WithPriority(PriorityHigh), WithTTL(time.Minute))
	require.NoError(t, err)

	require.Equal(t, 1, c.len())
	got := c.last()
	assert.Equal(t, env.ID, got.ID)
	assert.Len(t, got.ID, 26)
	assert.Equal(t, TypeVerificationCreated, got.Type)
	assert.Equal(t, evt.TenantID, got.TenantID)
	assert.Equal(t, "req-1", got.CorrelationID)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.True(t, got.Retryable)
	assert.Equal(t, time.Minute, got.TTL)
	assert.False(t, got.Timestamp.IsZero())

	var payload map[string]string
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "pending", payload["status"])
}

func TestBus_HandlerIsolation(t *testing.T) {
	rec := logger.NewRecorder()
	bus := NewBus(rec)

	c := &collector{}
	bus.Subscribe(ChannelVerificationCompleted, func(context.Context, *Envelope) error {
		panic("boom")
	})
	bus.Subscribe(ChannelVerificationCompleted, func(context.Context, *Envelope) error {
		return errors.New("handler failed")
	})
	bus.Subscribe(ChannelVerificationCompleted, c.handle)

	_, err := bus.Publish(context.Background(), ChannelVerificationCompleted, testEvent())
	require.NoError(t, err)

	assert.Equal(t, 1, c.len(), "healthy subscriber still receives the event")

	errs := rec.Entries(logger.LevelError)
	require.Len(t, errs, 2)
	assert.Equal(t, "Event handler panicked", errs[0].Message)
	assert.Equal(t, "Event handler failed", errs[1].Message)
}

func TestBus_PatternSubscribers(t *testing.T) {
	bus := NewBus(logger.NewNop())

	all := &collector{}
	steps := &collector{}
	_, err := bus.SubscribePattern("verification:*", all.handle)
	require.NoError(t, err)
	_, err = bus.SubscribePattern("verification:step:*", steps.handle)
	require.NoError(t, err)

	for _, ch := range []string{ChannelVerificationCreated, ChannelStepStarted, ChannelStepCompleted, ChannelWebhookDeliveryFailed} {
		_, err := bus.Publish(context.Background(), ch, testEvent())
		require.NoError(t, err)
	}

	assert.Equal(t, 3, all.len())
	assert.Equal(t, 2, steps.len())
}

func TestBus_InvalidPattern(t *testing.T) {
	bus := NewBus(logger.NewNop())
	_, err := bus.SubscribePattern("verification:[", func(context.Context, *Envelope) error { return nil })
	assert.Error(t, err)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(logger.NewNop())

	a, b := &collector{}, &collector{}
	subA := bus.Subscribe(ChannelProgress, a.handle)
	bus.Subscribe(ChannelProgress, b.handle)

	subA.Unsubscribe()
	_, _ = bus.Publish(context.Background(), ChannelProgress, testEvent())
	assert.Equal(t, 0, a.len())
	assert.Equal(t, 1, b.len())

	bus.Unsubscribe(ChannelProgress, nil)
	_, _ = bus.Publish(context.Background(), ChannelProgress, testEvent())
	assert.Equal(t, 1, b.len())
	assert.Equal(t, 0, bus.SubscriberCount(ChannelProgress))
}

func TestBus_UnsubscribePatternByChannel(t *testing.T) {
	bus := NewBus(logger.NewNop())
	c := &collector{}
	_, err := bus.SubscribePattern("verification:*", c.handle)
	require.NoError(t, err)

	bus.Unsubscribe("verification:*", nil)
	_, _ = bus.Publish(context.Background(), ChannelVerificationCreated, testEvent())
	assert.Equal(t, 0, c.len())
}

func TestBus_DropsExpiredEnvelope(t *testing.T) {
	bus := NewBus(logger.NewNop())
	c := &collector{}
	bus.Subscribe(ChannelProgress, c.handle)

	bus.Deliver(context.Background(), &Envelope{
		ID:        "old",
		Channel:   ChannelProgress,
		Timestamp: time.Now().Add(-time.Hour),
		TTL:       time.Minute,
	})
	assert.Equal(t, 0, c.len())
}

func TestBus_PublishUnencodablePayload(t *testing.T) {
	bus := NewBus(logger.NewNop())
	_, err := bus.Publish(context.Background(), ChannelProgress, Event{Type: TypeProgress, Payload: make(chan int)})
	assert.Error(t, err)
}
