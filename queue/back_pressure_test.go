package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRandomEarlyDrop checks the drop probability at and around the RED
// thresholds using a fixed random source.
func TestRandomEarlyDrop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		queueLen int
		rand     float64
		drop     bool
	}{
		{name: "below min", queueLen: 9, rand: 0, drop: false},
		{name: "at min", queueLen: 10, rand: 0.01, drop: false},
		{name: "middle low draw", queueLen: 15, rand: 0.4, drop: true},
		{name: "middle high draw", queueLen: 15, rand: 0.6, drop: false},
		{name: "at max", queueLen: 20, rand: 0.99, drop: true},
		{name: "above max", queueLen: 25, rand: 0.99, drop: true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			pred := RandomEarlyDrop[int](
				10, 20, WithRandSource(func() float64 {
					return test.rand
				}),
			)
			require.Equal(t, test.drop, pred(test.queueLen, 0))
		})
	}
}

// TestExemptCriticalNeverBlocks fills a queue and checks that critical items
// skip early drop but are still dropped at capacity rather than blocking.
func TestExemptCriticalNeverBlocks(t *testing.T) {
	t.Parallel()

	const capacity = 4

	// Non-critical items are always dropped once two are queued.
	pred := ExemptCritical(capacity, func(item int) bool {
		return item < 0
	}, RandomEarlyDrop[int](2, 2))

	q := NewBackpressureQueue[int](capacity, pred)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	require.NoError(t, q.Enqueue(ctx, 1))
	require.NoError(t, q.Enqueue(ctx, 2))
	require.ErrorIs(t, q.Enqueue(ctx, 3), ErrQueueFullAndDropped)

	require.NoError(t, q.Enqueue(ctx, -1))
	require.NoError(t, q.Enqueue(ctx, -2))
	require.ErrorIs(t, q.Enqueue(ctx, -3), ErrQueueFullAndDropped)

	require.Equal(t, capacity, q.Len())
	require.EqualValues(t, 2, q.Dropped())

	for _, expected := range []int{1, 2, -1, -2} {
		item, err := q.Dequeue(ctx).Unpack()
		require.NoError(t, err)
		require.Equal(t, expected, item)
	}

	require.True(t, q.TryDequeue().IsNone())
}

// TestDequeueContextCancel checks that Dequeue returns the context error on
// an empty queue.
func TestDequeueContextCancel(t *testing.T) {
	t.Parallel()

	q := NewBackpressureQueue[string](1, RandomEarlyDrop[string](1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx).Unpack()
	require.ErrorIs(t, err, context.Canceled)
}
