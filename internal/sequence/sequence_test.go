package sequence

import (
	"os"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockfs/internal/blockfile"
	"blockfs/internal/common"
	"blockfs/internal/dirmanager"
)

func newTestManager(t *testing.T) *dirmanager.Manager {
	t.Helper()
	env, err := dirmanager.NewEnv(osfs.New("/"), t.TempDir(), false)
	require.NoError(t, err)
	m, err := dirmanager.New(env)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func counting(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) / 1024
	}
	return out
}

// refTotal sums registry refcounts; it must equal the number of live slots.
func refTotal(m *dirmanager.Manager) int {
	n := 0
	for _, b := range m.Blocks() {
		n += b.RefCount()
	}
	return n
}

func TestAppendSplitsBlocks(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	s := New(m, 100, blockfile.FormatFloat32)
	data := counting(250)
	require.NoError(t, s.Append(data))

	blocks := s.Blocks()
	require.Len(t, blocks, 3)
	assert.Equal(t, []int64{100, 100, 50}, []int64{blocks[0].Length(), blocks[1].Length(), blocks[2].Length()})
	assert.Equal(t, int64(250), s.Len())

	got, err := s.Get(0, 250)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	got, err = s.Get(95, 10)
	require.NoError(t, err)
	assert.Equal(t, data[95:105], got)

	_, err = s.Get(240, 20)
	assert.ErrorIs(t, err, ErrRange)
}

func TestCopyPasteDelete(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	s := New(m, 100, blockfile.FormatFloat32)
	data := counting(300)
	require.NoError(t, s.Append(data))

	t.Run("whole blocks are shared", func(t *testing.T) {
		c, err := s.Copy(100, 100)
		require.NoError(t, err)
		require.Len(t, c.Blocks(), 1)
		assert.Same(t, s.Blocks()[1], c.Blocks()[0])
		assert.Equal(t, 2, c.Blocks()[0].RefCount())
		require.NoError(t, c.Release())
		assert.Equal(t, 1, s.Blocks()[1].RefCount())
	})

	t.Run("partial edges become new blocks", func(t *testing.T) {
		c, err := s.Copy(50, 200)
		require.NoError(t, err)
		blocks := c.Blocks()
		require.Len(t, blocks, 3)
		assert.NotSame(t, s.Blocks()[0], blocks[0])
		assert.Same(t, s.Blocks()[1], blocks[1])
		got, err := c.Get(0, 200)
		require.NoError(t, err)
		assert.Equal(t, data[50:250], got)
		require.NoError(t, c.Release())
	})

	t.Run("paste inside a block", func(t *testing.T) {
		clip, err := s.Copy(0, 100)
		require.NoError(t, err)
		require.NoError(t, s.Paste(150, clip))
		assert.Equal(t, int64(400), s.Len())

		got, err := s.Get(0, 400)
		require.NoError(t, err)
		want := append(append(append([]float32{}, data[:150]...), data[:100]...), data[150:]...)
		assert.Equal(t, want, got)
		require.NoError(t, clip.Release())
		assert.Equal(t, len(s.Blocks()), refTotal(m))
	})

	t.Run("delete restores the original", func(t *testing.T) {
		require.NoError(t, s.Delete(150, 100))
		got, err := s.Get(0, s.Len())
		require.NoError(t, err)
		assert.Equal(t, data, got)
		assert.Equal(t, len(s.Blocks()), refTotal(m))
		assert.Equal(t, m.Len(), len(s.Blocks()))
	})

	require.NoError(t, s.Release())
	assert.Zero(t, m.Len())
	assert.Empty(t, m.Balancer().MidCounts())
}

func TestSilence(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	s := New(m, 100, blockfile.FormatFloat32)
	s.AppendSilence(64)
	require.NoError(t, s.Append(counting(64)))

	c, err := s.Copy(32, 64)
	require.NoError(t, err)
	blocks := c.Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, blockfile.KindSilent, blocks[0].Kind())
	got, err := c.Get(0, 64)
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 32), got[:32])
	assert.Equal(t, counting(32), got[32:])
}

func TestGetReadsSilenceForMissingData(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	s := New(m, 100, blockfile.FormatFloat32)
	require.NoError(t, s.Append(counting(200)))
	victim := s.Blocks()[0]
	require.NoError(t, os.Remove(blockfile.FilePath(m.Root(), victim.Name(), common.ExtData)))

	got, err := s.Get(90, 20)
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 10), got[:10])
	assert.Equal(t, counting(200)[100:110], got[10:])
}

func TestTagsRestore(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	s := New(m, 100, blockfile.FormatFloat32)
	require.NoError(t, s.Append(counting(200)))
	clip, err := s.Copy(0, 100)
	require.NoError(t, err)
	require.NoError(t, s.Paste(200, clip))
	require.NoError(t, clip.Release())
	tags := s.Tags()
	require.Len(t, tags, 3)
	assert.Equal(t, tags[0], tags[2])

	restored, err := Restore(m, 100, blockfile.FormatFloat32, tags)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Blocks()[0].RefCount())
	require.NoError(t, restored.Release())
	assert.Equal(t, 2, s.Blocks()[0].RefCount())

	bad := append(tags, dirmanager.BlockTag{Name: "e0000001", Kind: blockfile.KindSimple, Length: -4})
	_, err = Restore(m, 100, blockfile.FormatFloat32, bad)
	require.ErrorIs(t, err, common.ErrCorruptTag)
	assert.Equal(t, 2, s.Blocks()[0].RefCount())
}

func TestHistory(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	s := New(m, 100, blockfile.FormatFloat32)
	data := counting(300)
	require.NoError(t, s.Append(data))
	h := NewHistory(s)

	require.NoError(t, h.Edit(func(s *Sequence) error { return s.Delete(0, 150) }))
	assert.Equal(t, int64(150), h.Current().Len())
	// Deleted blocks survive in the undo state; the split adds one.
	assert.Equal(t, 4, m.Len())

	prev, ok := h.Undo()
	require.True(t, ok)
	got, err := prev.Get(0, 300)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, ok = h.Redo()
	require.True(t, ok)
	_, ok = h.Redo()
	assert.False(t, ok)

	// A new edit after undo drops the redo state.
	h.Undo()
	require.NoError(t, h.Edit(func(s *Sequence) error { return s.Delete(0, 10) }))
	assert.Equal(t, 2, h.Len())
	assert.False(t, h.CanRedo())

	failed := h.Edit(func(s *Sequence) error { return s.Delete(0, 1000) })
	assert.ErrorIs(t, failed, ErrRange)
	assert.Equal(t, 2, h.Len())

	require.NoError(t, h.Trim(0))
	assert.Equal(t, 1, h.Len())
	assert.False(t, h.CanUndo())
	assert.Equal(t, len(h.Current().Blocks()), refTotal(m))

	require.NoError(t, h.Release())
	assert.Zero(t, m.Len())
}
