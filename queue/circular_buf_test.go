package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNewCircularBuffer tests the size parameter check when creating a
// circular buffer.
func TestNewCircularBuffer(t *testing.T) {
	t.Parallel()

	_, err := NewCircularBuffer[int](0)
	require.ErrorIs(t, err, errInvalidSize)

	_, err = NewCircularBuffer[int](-1)
	require.ErrorIs(t, err, errInvalidSize)

	_, err = NewCircularBuffer[int](1)
	require.NoError(t, err)
}

// TestCircularBuffer adds items past the buffer size and checks ordering.
func TestCircularBuffer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		size     int
		items    []string
		expected []string
	}{
		{
			name: "empty",
			size: 3,
		},
		{
			name:     "partial",
			size:     3,
			items:    []string{"a", "b"},
			expected: []string{"a", "b"},
		},
		{
			name:     "exactly full",
			size:     3,
			items:    []string{"a", "b", "c"},
			expected: []string{"a", "b", "c"},
		},
		{
			name:     "wrapped",
			size:     3,
			items:    []string{"a", "b", "c", "d", "e"},
			expected: []string{"c", "d", "e"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			buffer, err := NewCircularBuffer[string](test.size)
			require.NoError(t, err)

			for _, item := range test.items {
				buffer.Add(item)
			}

			require.Equal(t, test.expected, buffer.List())
			require.Equal(t, len(test.items), buffer.Total())
			require.Equal(t, len(test.expected), buffer.Len())

			if len(test.items) == 0 {
				require.True(t, buffer.Latest().IsNone())
				return
			}

			latest := buffer.Latest().UnwrapOr("")
			require.Equal(t, test.items[len(test.items)-1], latest)

			buffer.Reset()
			require.Nil(t, buffer.List())
		})
	}
}
