package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyQueueOrdersByListenerCountThenFIFO(t *testing.T) {
	q := newReadyQueue()

	low := NewRequest(Key{Plane: "low"})
	high := NewRequest(Key{Plane: "high"})
	mid1 := NewRequest(Key{Plane: "mid1"})
	mid2 := NewRequest(Key{Plane: "mid2"})

	q.Push(low, 1)
	q.Push(high, 5)
	q.Push(mid1, 2)
	q.Push(mid2, 2)

	require.Equal(t, 4, q.Len())
	assert.Same(t, high, q.Pop())
	assert.Same(t, mid1, q.Pop(), "equal priority ties break FIFO on insertion order")
	assert.Same(t, mid2, q.Pop())
	assert.Same(t, low, q.Pop())
	assert.Nil(t, q.Pop())
}

func TestReadyQueuePushIsIdempotent(t *testing.T) {
	q := newReadyQueue()
	req := NewRequest(Key{Plane: "x"})

	q.Push(req, 3)
	q.Push(req, 99) // listener count ignored on duplicate push
	require.Equal(t, 1, q.Len())
	assert.True(t, q.Contains(req))

	popped := q.Pop()
	assert.Same(t, req, popped)
	assert.False(t, q.Contains(req))
}
