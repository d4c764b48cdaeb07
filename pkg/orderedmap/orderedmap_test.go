package orderedmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedMapKeepsInsertionOrder(t *testing.T) {
	om := New[uint64, string]()
	now := time.Unix(100, 0)

	om.Set(3, "c", now)
	om.Set(1, "a", now)
	om.Set(2, "b", now)
	om.Set(1, "a2", now.Add(time.Second)) // update keeps position

	assert.Equal(t, []uint64{3, 1, 2}, om.Keys())
	v, ok := om.Get(1)
	require.True(t, ok)
	assert.Equal(t, "a2", v)
	ts, ok := om.GetTime(1)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), ts)

	k, v, err := om.Pop()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), k)
	assert.Equal(t, "c", v)
	assert.Equal(t, 2, om.Len())
}

func TestOrderedMapDeleteAndEmpty(t *testing.T) {
	om := New[int, int]()
	om.Set(1, 10, time.Time{})
	om.Set(2, 20, time.Time{})
	om.Delete(1)
	om.Delete(42)

	k, v, ok := om.Front()
	require.True(t, ok)
	assert.Equal(t, 2, k)
	assert.Equal(t, 20, v)

	_, _, err := om.Pop()
	require.NoError(t, err)
	_, _, err = om.Pop()
	assert.ErrorIs(t, err, ErrEmpty)
	_, _, ok = om.Front()
	assert.False(t, ok)
}
