package dirmanager

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockfs/internal/blockfile"
)

func newTestBalancer() *Balancer {
	return NewBalancer(rand.New(rand.NewPCG(11, 12)))
}

func TestBalancer(t *testing.T) {
	t.Parallel()

	t.Run("first candidate opens a batch under the lowest top", func(t *testing.T) {
		t.Parallel()
		b := newTestBalancer()
		top, mid, seq := b.Candidate()
		assert.Equal(t, 0, top)
		assert.Equal(t, 0, mid)
		assert.Less(t, seq, seqSpace)
		assert.Len(t, b.midPool, midBatch)
		assert.Equal(t, midBatch, b.topPool[0])
		require.NoError(t, b.Validate())
	})

	t.Run("buckets move to full at capacity", func(t *testing.T) {
		t.Parallel()
		b := newTestBalancer()
		key := midKey(3, 7)
		for i := 0; i < ShardCapacity; i++ {
			b.AddFile(key)
			require.NoError(t, b.Validate())
		}
		assert.Equal(t, ShardCapacity, b.midFull[key])
		_, pooled := b.midPool[key]
		assert.False(t, pooled)

		// Past capacity the extra file is tracked on the side.
		b.AddFile(key)
		assert.Equal(t, ShardCapacity, b.midFull[key])
		assert.Equal(t, ShardCapacity+1, b.Fill(3, 7))
		require.NoError(t, b.Validate())

		name := blockfile.FormatName(3, 7, 1)
		b.DelName(name)
		assert.Equal(t, ShardCapacity, b.midFull[key])
		b.DelName(name)
		assert.Equal(t, ShardCapacity-1, b.midPool[key])
		require.NoError(t, b.Validate())
	})

	t.Run("replayed names report emptied directories", func(t *testing.T) {
		t.Parallel()
		b := newTestBalancer()
		names := []string{
			blockfile.FormatName(1, 2, 10),
			blockfile.FormatName(1, 2, 11),
			blockfile.FormatName(1, 3, 12),
		}
		for _, n := range names {
			require.True(t, b.AddName(n))
		}
		assert.False(t, b.AddName("b00001"))
		assert.Equal(t, 2, b.Fill(1, 2))
		assert.Equal(t, 2, b.topPool[1])

		midEmpty, topEmpty := b.DelName(names[0])
		assert.False(t, midEmpty)
		assert.False(t, topEmpty)
		midEmpty, topEmpty = b.DelName(names[1])
		assert.True(t, midEmpty)
		assert.False(t, topEmpty)
		midEmpty, topEmpty = b.DelName(names[2])
		assert.True(t, midEmpty)
		assert.True(t, topEmpty)
		require.NoError(t, b.Validate())
	})

	t.Run("a top with no room left is forced full", func(t *testing.T) {
		t.Parallel()
		b := newTestBalancer()
		for m := 0; m < ShardCapacity; m++ {
			b.midFull[midKey(0, m)] = ShardCapacity
		}
		// Top 0 still claims room it does not have.
		b.topPool[0] = 10

		top, mid, _ := b.Candidate()
		assert.Equal(t, 1, b.Dynamited())
		assert.Equal(t, ShardCapacity, b.topFull[0])
		assert.Equal(t, 1, top)
		assert.Equal(t, 0, mid)
		require.NoError(t, b.Validate())
	})

	t.Run("exhausted layout falls back to random placement", func(t *testing.T) {
		t.Parallel()
		b := newTestBalancer()
		b.topPool = map[int]int{}
		for i := 0; i < 100; i++ {
			top, mid, seq := b.Candidate()
			assert.GreaterOrEqual(t, top, 0)
			assert.Less(t, top, ShardCapacity)
			assert.GreaterOrEqual(t, mid, 0)
			assert.Less(t, mid, ShardCapacity)
			assert.Less(t, seq, overflowSeqSpace)
		}
	})

	t.Run("validate catches broken pools", func(t *testing.T) {
		t.Parallel()
		b := newTestBalancer()
		b.midPool[5] = ShardCapacity
		assert.Error(t, b.Validate())

		b = newTestBalancer()
		b.midFull[5] = 3
		assert.Error(t, b.Validate())

		b = newTestBalancer()
		b.midPool[5] = 1
		b.midFull[5] = ShardCapacity
		assert.Error(t, b.Validate())
	})
}
