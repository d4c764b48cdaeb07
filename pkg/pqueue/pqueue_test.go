package pqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdersByLess(t *testing.T) {
	pq := New(func(a, b int) bool { return a < b })
	for _, v := range []int{5, 1, 4, 2, 3} {
		pq.Push(v)
	}

	top, ok := pq.Look()
	require.True(t, ok)
	assert.Equal(t, 1, top)

	var got []int
	for pq.Len() > 0 {
		v, ok := pq.Pop()
		require.True(t, ok)
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)

	_, ok = pq.Pop()
	assert.False(t, ok)
	_, ok = pq.Look()
	assert.False(t, ok)
}
