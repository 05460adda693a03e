// Package secret holds control-port credentials in memory that is kept out of
// swap and core dumps, and is zeroed as soon as the credential has been used.
package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned when a closed buffer is accessed.
var ErrClosed = errors.New("secret buffer closed")

// Buffer is a fixed-size region of memory holding a credential. When the
// platform allows it, the region is mmap'd outside the Go heap, mlock'd and
// marked MADV_DONTDUMP. If locking is refused (for example because of a zero
// RLIMIT_MEMLOCK), the buffer falls back to a heap slice that is still zeroed
// on Close.
//
// A Buffer must not be copied after creation.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	mapped bool
	closed bool
}

// New allocates a zeroed secret buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret buffer size must be positive, "+
			"got %d", size)
	}

	data, err := unix.Mmap(
		-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		log.Debugf("mmap of secret buffer failed, using heap: %v", err)
		return &Buffer{data: make([]byte, size)}, nil
	}

	if err := unix.Mlock(data); err != nil {
		log.Debugf("mlock of secret buffer failed, using heap: %v", err)
		_ = unix.Munmap(data)

		return &Buffer{data: make([]byte, size)}, nil
	}

	// MADV_DONTDUMP is not available on every kernel. The memory is still
	// locked, so a failure here is only worth a debug line.
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		log.Debugf("madvise(MADV_DONTDUMP) failed: %v", err)
	}

	return &Buffer{data: data, mapped: true}, nil
}

// NewFromBytes copies source into a new buffer and zeroes source in place.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("cannot create secret buffer from " +
			"empty source")
	}

	b, err := New(len(source))
	if err != nil {
		return nil, err
	}

	copy(b.data, source)
	clear(source)

	return b, nil
}

// NewFromString copies s into a new buffer. The string itself cannot be
// wiped, so callers should drop every reference to it afterwards.
func NewFromString(s string) (*Buffer, error) {
	return NewFromBytes([]byte(s))
}

// Use calls f with the secret bytes while holding the buffer lock. The slice
// must not be retained once f returns.
func (b *Buffer) Use(f func([]byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	return f(b.data)
}

// Len returns the size of the secret.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.data)
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

// Close zeroes the secret and releases its memory. Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	clear(b.data)

	if !b.mapped {
		b.data = nil
		return nil
	}

	var firstErr error
	if err := unix.Munlock(b.data); err != nil {
		firstErr = fmt.Errorf("munlock failed: %w", err)
	}
	if err := unix.Munmap(b.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("munmap failed: %w", err)
	}
	b.data = nil

	return firstErr
}
