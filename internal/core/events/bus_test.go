package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_SubscriptionOrder(t *testing.T) {
	bus := NewBus(0, nil)
	var calls []string

	bus.Subscribe("post.created", func(ctx context.Context, ev Event) error {
		calls = append(calls, "first")
		return nil
	})
	bus.Subscribe("post.created", func(ctx context.Context, ev Event) error {
		calls = append(calls, "second")
		return nil
	})
	bus.Subscribe("post.deleted", func(ctx context.Context, ev Event) error {
		calls = append(calls, "other-topic")
		return nil
	})
	bus.Subscribe("post.created", func(ctx context.Context, ev Event) error {
		calls = append(calls, "third")
		return nil
	})

	n := bus.Publish(context.Background(), Event{Topic: "post.created"})
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"first", "second", "third"}, calls)
}

func TestPublish_ExactlyOncePerHandler(t *testing.T) {
	bus := NewBus(0, nil)
	counts := make([]int, 4)
	for i := range counts {
		i := i
		bus.Subscribe("t", func(ctx context.Context, ev Event) error {
			counts[i]++
			return nil
		})
	}

	bus.Publish(context.Background(), Event{Topic: "t"})
	assert.Equal(t, []int{1, 1, 1, 1}, counts)
}

func TestUnsubscribe_BeforePublish(t *testing.T) {
	bus := NewBus(0, nil)
	var called bool

	token := bus.Subscribe("t", func(ctx context.Context, ev Event) error {
		called = true
		return nil
	})
	require.True(t, bus.Unsubscribe(token))
	assert.False(t, bus.Unsubscribe(token), "second unsubscribe reports dead token")

	n := bus.Publish(context.Background(), Event{Topic: "t"})
	assert.Zero(t, n)
	assert.False(t, called)
	assert.Zero(t, bus.Subscribers("t"))
}

func TestUnsubscribe_DuringPublish(t *testing.T) {
	bus := NewBus(0, nil)
	var secondCalled bool
	var second Token

	bus.Subscribe("t", func(ctx context.Context, ev Event) error {
		bus.Unsubscribe(second)
		return nil
	})
	second = bus.Subscribe("t", func(ctx context.Context, ev Event) error {
		secondCalled = true
		return nil
	})

	n := bus.Publish(context.Background(), Event{Topic: "t"})
	assert.Equal(t, 1, n)
	assert.False(t, secondCalled)
}

func TestPublish_HandlerFailureIsolated(t *testing.T) {
	bus := NewBus(0, nil)
	var reached []string

	bus.Subscribe("t", func(ctx context.Context, ev Event) error {
		reached = append(reached, "erroring")
		return errors.New("boom")
	})
	bus.Subscribe("t", func(ctx context.Context, ev Event) error {
		reached = append(reached, "panicking")
		panic("handler bug")
	})
	bus.Subscribe("t", func(ctx context.Context, ev Event) error {
		reached = append(reached, "healthy")
		return nil
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Topic: "t"})
	})
	assert.Equal(t, []string{"erroring", "panicking", "healthy"}, reached)
}

func TestPublish_PayloadDelivered(t *testing.T) {
	bus := NewBus(0, nil)
	var got Event
	bus.Subscribe(TopicPostDeleted, func(ctx context.Context, ev Event) error {
		got = ev
		return nil
	})

	bus.Publish(context.Background(), Event{
		Topic:         TopicPostDeleted,
		CorrelationID: "abc",
		Payload:       RemovedPayload{ID: "p1"},
	})

	assert.Equal(t, "abc", got.CorrelationID)
	payload, ok := got.Payload.(RemovedPayload)
	require.True(t, ok)
	assert.Equal(t, "p1", payload.ID)
}

func TestPublish_DuplicateCorrelationDropped(t *testing.T) {
	bus := NewBus(time.Minute, nil)
	calls := 0
	bus.Subscribe("t", func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})

	ev := Event{Topic: "t", CorrelationID: NewCorrelationID()}
	assert.Equal(t, 1, bus.Publish(context.Background(), ev))
	assert.Equal(t, 0, bus.Publish(context.Background(), ev))
	assert.Equal(t, 1, calls)

	// Events without a correlation ID are never deduplicated.
	bus.Publish(context.Background(), Event{Topic: "t"})
	bus.Publish(context.Background(), Event{Topic: "t"})
	assert.Equal(t, 3, calls)
}

func TestNewCorrelationID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewCorrelationID()
		require.NotEmpty(t, id)
		seen[id] = true
	}
	assert.Len(t, seen, 100)
}
