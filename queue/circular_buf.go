package queue

import (
	"errors"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// errInvalidSize is returned when an invalid size for a buffer is provided.
var errInvalidSize = errors.New("buffer size must be > 0")

// CircularBuffer retains the most recent items added to it, overwriting the
// oldest once it is full.
type CircularBuffer[T any] struct {
	// total is the total number of items that have been added to the
	// buffer.
	total int

	// items is the set of buffered items.
	items []T
}

// NewCircularBuffer returns a new circular buffer with the size provided. It
// will fail if a zero or negative size parameter is provided.
func NewCircularBuffer[T any](size int) (*CircularBuffer[T], error) {
	if size <= 0 {
		return nil, errInvalidSize
	}

	return &CircularBuffer[T]{
		items: make([]T, size),
	}, nil
}

// index returns the index that should be written to next.
func (c *CircularBuffer[T]) index() int {
	return c.total % len(c.items)
}

// Add adds an item to the buffer, overwriting the oldest item if the buffer
// is full.
func (c *CircularBuffer[T]) Add(item T) {
	c.items[c.index()] = item
	c.total++
}

// List returns a copy of the buffered items, oldest first.
func (c *CircularBuffer[T]) List() []T {
	size := len(c.items)

	switch {
	case c.total == 0:
		return nil

	// Until the buffer wraps, the oldest item sits at index zero.
	case c.total < size:
		resp := make([]T, c.total)
		copy(resp, c.items[:c.total])

		return resp
	}

	// Once wrapped, the oldest item is at the write index.
	index := c.index()
	resp := make([]T, 0, size)
	resp = append(resp, c.items[index:]...)
	resp = append(resp, c.items[:index]...)

	return resp
}

// Len returns the number of items currently held.
func (c *CircularBuffer[T]) Len() int {
	return min(c.total, len(c.items))
}

// Total returns the total number of items that have been added to the buffer.
func (c *CircularBuffer[T]) Total() int {
	return c.total
}

// Reset empties the buffer.
func (c *CircularBuffer[T]) Reset() {
	clear(c.items)
	c.total = 0
}

// Latest returns the most recently added item.
func (c *CircularBuffer[T]) Latest() fn.Option[T] {
	if c.total == 0 {
		return fn.None[T]()
	}

	return fn.Some(c.items[(c.total-1)%len(c.items)])
}
