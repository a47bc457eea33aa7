package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/flagrelay/notification"
)

func testEvent(id string) *notification.Event {
	return &notification.Event{
		ID:     id,
		Kind:   notification.KindDecision,
		UserID: "u1",
	}
}

func fastConfig() Config {
	return Config{
		Capacity:       100,
		BatchSize:      10,
		MaxRetries:     3,
		RetryDelayBase: 10 * time.Millisecond,
		RetryDelayMax:  50 * time.Millisecond,
		YieldInterval:  5 * time.Millisecond,
	}
}

func startQueue(t *testing.T, cfg Config, deliver DeliverFunc) *Queue {
	t.Helper()
	q, err := New(cfg, nil, nil)
	require.NoError(t, err)
	q.SetDeliver(deliver)
	require.NoError(t, q.Initialize())
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(time.Second) })
	return q
}

func TestEnqueueRejectsNil(t *testing.T) {
	q, err := New(fastConfig(), nil, nil)
	require.NoError(t, err)

	assert.False(t, q.Enqueue(nil))
	assert.True(t, q.Enqueue(testEvent("e1")))
	assert.Equal(t, 1, q.Depth())
}

func TestStartRequiresDeliverCallback(t *testing.T) {
	q, err := New(fastConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.Initialize())

	err = q.Start(context.Background())
	require.Error(t, err)
}

func TestDeliverySuccessRemovesItem(t *testing.T) {
	var delivered atomic.Int32
	q := startQueue(t, fastConfig(), func(_ context.Context, ev *notification.Event) error {
		delivered.Add(1)
		return nil
	})

	require.True(t, q.Enqueue(testEvent("e1")))

	assert.Eventually(t, func() bool {
		return delivered.Load() == 1 && q.Depth() == 0 && q.RetrySetSize() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestFailuresThenSuccessDeliversExactlyOnce(t *testing.T) {
	// Fails k=2 times then succeeds: sink sees exactly k+1 attempts and
	// the item leaves all internal structures
	const k = 2
	var attempts atomic.Int32
	q := startQueue(t, fastConfig(), func(_ context.Context, _ *notification.Event) error {
		if attempts.Add(1) <= k {
			return errors.New("sink unavailable")
		}
		return nil
	})

	require.True(t, q.Enqueue(testEvent("e1")))

	assert.Eventually(t, func() bool {
		return attempts.Load() == k+1 && q.Depth() == 0 && q.RetrySetSize() == 0
	}, 2*time.Second, 5*time.Millisecond)

	// No further attempts occur
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(k+1), attempts.Load())
}

func TestAlwaysFailingDropsAfterMaxRetries(t *testing.T) {
	cfg := fastConfig()
	var attempts atomic.Int32
	q := startQueue(t, cfg, func(_ context.Context, _ *notification.Event) error {
		attempts.Add(1)
		return errors.New("sink down")
	})

	require.True(t, q.Enqueue(testEvent("e1")))

	want := int32(cfg.MaxRetries + 1)
	assert.Eventually(t, func() bool {
		return attempts.Load() == want && q.Depth() == 0 && q.RetrySetSize() == 0
	}, 3*time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, want, attempts.Load(), "no attempts after permanent drop")
}

func TestRetryInvisibleUntilDue(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryDelayBase = 200 * time.Millisecond
	cfg.RetryDelayMax = 500 * time.Millisecond

	var attempts atomic.Int32
	q := startQueue(t, cfg, func(_ context.Context, _ *notification.Event) error {
		attempts.Add(1)
		return errors.New("fail")
	})

	require.True(t, q.Enqueue(testEvent("e1")))

	require.Eventually(t, func() bool {
		return attempts.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// The item is parked in the retry set, not the primary queue, and no
	// second attempt happens before the backoff elapses
	assert.Eventually(t, func() bool {
		return q.RetrySetSize() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())

	assert.Eventually(t, func() bool {
		return attempts.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopKeepsItemsDrainableOnRestart(t *testing.T) {
	block := make(chan struct{})
	var delivered atomic.Int32
	q, err := New(fastConfig(), nil, nil)
	require.NoError(t, err)
	q.SetDeliver(func(_ context.Context, _ *notification.Event) error {
		select {
		case <-block:
			delivered.Add(1)
			return nil
		default:
			return errors.New("not ready")
		}
	})
	require.NoError(t, q.Initialize())
	require.NoError(t, q.Start(context.Background()))

	require.True(t, q.Enqueue(testEvent("e1")))
	require.True(t, q.Enqueue(testEvent("e2")))

	require.NoError(t, q.Stop(time.Second))
	pending := q.Depth() + q.RetrySetSize()
	assert.Equal(t, 2, pending, "stop must not discard enqueued items")

	close(block)
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop(time.Second)

	assert.Eventually(t, func() bool {
		return delivered.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOverflowEvictsOldest(t *testing.T) {
	cfg := fastConfig()
	cfg.Capacity = 2
	q, err := New(cfg, nil, nil)
	require.NoError(t, err)

	require.True(t, q.Enqueue(testEvent("e1")))
	require.True(t, q.Enqueue(testEvent("e2")))
	require.True(t, q.Enqueue(testEvent("e3"))) // evicts e1

	assert.Equal(t, 2, q.Depth())
	assert.Equal(t, int64(1), q.Stats().Drops())
}

func TestProcessingOrderWithinQueue(t *testing.T) {
	order := make(chan string, 10)
	q := startQueue(t, fastConfig(), func(_ context.Context, ev *notification.Event) error {
		order <- ev.ID
		return nil
	})

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, q.Enqueue(testEvent(id)))
	}

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case id := <-order:
			got = append(got, id)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDoubleStartRejected(t *testing.T) {
	q := startQueue(t, fastConfig(), func(_ context.Context, _ *notification.Event) error {
		return nil
	})

	err := q.Start(context.Background())
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	q := startQueue(t, fastConfig(), func(_ context.Context, _ *notification.Event) error {
		return nil
	})

	health := q.Health()
	assert.True(t, health.Healthy)

	require.NoError(t, q.Stop(time.Second))
	health = q.Health()
	assert.False(t, health.Healthy)
}
