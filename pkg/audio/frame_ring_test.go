package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRingPushAndSnapshot(t *testing.T) {
	r := NewFrameRing(3)

	r.Push([]byte{1})
	r.Push([]byte{2})
	assert.Equal(t, 2, r.Len())

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, []byte{1}, snap[0])
	assert.Equal(t, []byte{2}, snap[1])
}

func TestFrameRingEvictsOldest(t *testing.T) {
	r := NewFrameRing(3)

	for i := byte(1); i <= 5; i++ {
		r.Push([]byte{i})
	}

	assert.Equal(t, 3, r.Len())
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []byte{3}, snap[0])
	assert.Equal(t, []byte{4}, snap[1])
	assert.Equal(t, []byte{5}, snap[2])
}

func TestFrameRingNeverExceedsCapacity(t *testing.T) {
	r := NewFrameRing(RecentFrameCount)

	for i := 0; i < 100; i++ {
		r.Push([]byte{byte(i)})
		assert.LessOrEqual(t, r.Len(), RecentFrameCount)
	}
}

func TestFrameRingCopiesInput(t *testing.T) {
	r := NewFrameRing(2)

	frame := []byte{7, 7}
	r.Push(frame)
	frame[0] = 9

	snap := r.Snapshot()
	assert.Equal(t, []byte{7, 7}, snap[0])
}

func TestFrameRingClear(t *testing.T) {
	r := NewFrameRing(2)
	r.Push([]byte{1})
	r.Push([]byte{2})

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())

	r.Push([]byte{3})
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, []byte{3}, snap[0])
}
