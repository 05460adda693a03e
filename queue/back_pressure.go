package queue

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// DropPredicate decides whether to drop an item given the current queue
// length. It returns true to drop and false to enqueue.
type DropPredicate[T any] func(queueLen int, item T) bool

// ErrQueueFullAndDropped is returned by Enqueue when the item is dropped by
// the DropPredicate.
var ErrQueueFullAndDropped = errors.New("queue full and item dropped")

// BackpressureQueue is a fixed-capacity queue that consults a DropPredicate
// before each enqueue. A producer whose predicate always drops at capacity
// never blocks.
type BackpressureQueue[T any] struct {
	ch            chan T
	dropPredicate DropPredicate[T]

	dropped atomic.Uint64
}

// NewBackpressureQueue creates a new BackpressureQueue with the given capacity
// and drop predicate.
func NewBackpressureQueue[T any](capacity int,
	predicate DropPredicate[T]) *BackpressureQueue[T] {

	return &BackpressureQueue[T]{
		ch:            make(chan T, capacity),
		dropPredicate: predicate,
	}
}

// Enqueue adds item to the queue unless the predicate drops it. If the queue
// is full and the predicate kept the item, Enqueue blocks until there is room
// or ctx is done.
func (q *BackpressureQueue[T]) Enqueue(ctx context.Context, item T) error {
	if q.dropPredicate(len(q.ch), item) {
		q.dropped.Add(1)
		return ErrQueueFullAndDropped
	}

	select {
	case q.ch <- item:
		return nil

	default:
		select {
		case q.ch <- item:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dequeue returns the next item, blocking until one is available or ctx is
// done.
func (q *BackpressureQueue[T]) Dequeue(ctx context.Context) fn.Result[T] {
	select {
	case item := <-q.ch:
		return fn.Ok(item)

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// TryDequeue returns the next item if one is buffered.
func (q *BackpressureQueue[T]) TryDequeue() fn.Option[T] {
	select {
	case item := <-q.ch:
		return fn.Some(item)

	default:
		return fn.None[T]()
	}
}

// Out exposes the receive side of the queue so consumers can select on it
// together with other channels.
func (q *BackpressureQueue[T]) Out() <-chan T {
	return q.ch
}

// Len returns the number of buffered items.
func (q *BackpressureQueue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *BackpressureQueue[T]) Cap() int {
	return cap(q.ch)
}

// Dropped returns how many items the predicate has dropped so far.
func (q *BackpressureQueue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// redConfig holds configuration for RandomEarlyDrop.
type redConfig struct {
	randSrc func() float64
}

// REDOption is a functional option for configuring RandomEarlyDrop.
type REDOption func(*redConfig)

// WithRandSource provides a custom random number source returning values in
// [0.0, 1.0).
func WithRandSource(src func() float64) REDOption {
	return func(cfg *redConfig) {
		cfg.randSrc = src
	}
}

// RandomEarlyDrop returns a DropPredicate implementing Random Early Detection.
// Below minThreshold nothing is dropped, at or above maxThreshold everything
// is dropped, and in between the drop probability grows linearly:
//
//	p = (queueLen - minThreshold) / (maxThreshold - minThreshold)
func RandomEarlyDrop[T any](minThreshold, maxThreshold int,
	opts ...REDOption) DropPredicate[T] {

	cfg := redConfig{
		randSrc: rand.Float64,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.randSrc == nil {
		cfg.randSrc = rand.Float64
	}

	return func(queueLen int, _ T) bool {
		if queueLen < minThreshold {
			return false
		}

		if queueLen >= maxThreshold {
			return true
		}

		// minThreshold <= queueLen < maxThreshold here, so the
		// denominator is positive.
		denominator := float64(maxThreshold - minThreshold)
		p := float64(queueLen-minThreshold) / denominator

		return cfg.randSrc() < p
	}
}

// ExemptCritical wraps a predicate so that items for which critical returns
// true bypass it and are dropped only once the queue holds capacity items.
// Critical items therefore never make a producer block.
func ExemptCritical[T any](capacity int, critical func(T) bool,
	pred DropPredicate[T]) DropPredicate[T] {

	return func(queueLen int, item T) bool {
		if critical(item) {
			return queueLen >= capacity
		}

		return pred(queueLen, item)
	}
}
