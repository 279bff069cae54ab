package dirmanager

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockfs/internal/blockfile"
	"blockfs/internal/common"
)

type recordingProgress struct {
	calls int
	last  [2]int
}

func (r *recordingProgress) Progress(op string, done, total int) {
	r.calls++
	r.last = [2]int{done, total}
}

func assertBlocksAt(t *testing.T, m *Manager, root string, blocks []*blockfile.BlockFile, want bool) {
	t.Helper()
	for _, b := range blocks {
		for _, f := range m.store.Files(root, b) {
			assert.Equal(t, want, fileExists(t, m, f), f)
		}
	}
}

func TestSetProject(t *testing.T) {
	t.Parallel()

	t.Run("moves unlocked blocks", func(t *testing.T) {
		t.Parallel()
		progress := &recordingProgress{}
		metrics := NewMetrics(prometheus.NewRegistry())
		m := newTestManager(t, nil, WithProgress(progress), WithMetrics(metrics))
		blocks := newBlocks(t, m, 5)
		scratch := m.Root()
		dir := t.TempDir()

		require.NoError(t, m.SetProject(dir, "song", true))
		assert.Equal(t, filepath.Join(dir, "song_data"), m.Root())
		assert.Equal(t, dir, m.ProjectPath())
		assert.Equal(t, "song", m.ProjectName())
		assert.False(t, m.IsTemporary())

		assertBlocksAt(t, m, m.Root(), blocks, true)
		assertBlocksAt(t, m, scratch, blocks, false)
		assert.False(t, fileExists(t, m, filepath.Join(m.Root(), JournalName)))
		// Shard directories of the scratch root are pruned.
		entries, err := os.ReadDir(scratch)
		require.NoError(t, err)
		assert.Empty(t, entries)

		assert.Equal(t, 10, progress.calls)
		assert.Equal(t, [2]int{10, 10}, progress.last)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RelocationsTotal.WithLabelValues("ok")))

		for _, b := range blocks {
			_, missing, err := m.ReadData(b, 0, b.Length())
			require.NoError(t, err)
			assert.False(t, missing)
		}
	})

	t.Run("copies locked blocks", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil)
		blocks := newBlocks(t, m, 3)
		dir := t.TempDir()
		require.NoError(t, m.SetProject(dir, "a", true))
		first := m.Root()

		m.LockAll()
		require.NoError(t, m.SetProject(dir, "b", true))
		m.UnlockAll()
		assertBlocksAt(t, m, first, blocks, true)
		assertBlocksAt(t, m, m.Root(), blocks, true)
		assert.Equal(t, "b", m.ProjectName())
	})

	t.Run("copies only blocks locked for a saved state", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil)
		blocks := newBlocks(t, m, 3)
		dir := t.TempDir()
		require.NoError(t, m.SetProject(dir, "a", true))
		first := m.Root()

		unlock, err := m.LockBlocks([]*blockfile.BlockFile{blocks[0], blocks[1], blocks[0]})
		require.NoError(t, err)
		_, err = m.LockBlocks([]*blockfile.BlockFile{blocks[2], blocks[1]})
		require.ErrorIs(t, err, common.ErrLocked)
		assert.False(t, blocks[2].IsLocked())

		require.NoError(t, m.SetProject(dir, "b", true))
		unlock()
		assertBlocksAt(t, m, first, blocks[:2], true)
		assertBlocksAt(t, m, first, blocks[2:], false)
		assertBlocksAt(t, m, m.Root(), blocks, true)
		for _, b := range blocks {
			assert.False(t, b.IsLocked(), b.Name())
		}
	})

	t.Run("lock refuses foreign blocks", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil)
		other := newTestManager(t, nil)
		mine := newBlocks(t, m, 1)
		theirs := newBlocks(t, other, 1)

		_, err := m.LockBlocks([]*blockfile.BlockFile{mine[0], theirs[0]})
		require.ErrorIs(t, err, common.ErrNotFound)
		assert.False(t, mine[0].IsLocked())
	})

	t.Run("journal that cannot be removed rolls back", func(t *testing.T) {
		t.Parallel()
		fsys := &faultFS{Filesystem: osfs.New("/")}
		fsys.failRemove = func(path string) error {
			if filepath.Base(path) == JournalName {
				return &os.PathError{Op: "remove", Path: path, Err: syscall.EACCES}
			}
			return nil
		}
		m := newTestManager(t, newTestEnv(t, fsys))
		blocks := newBlocks(t, m, 3)
		scratch := m.Root()
		dir := t.TempDir()

		err := m.SetProject(dir, "p", true)
		require.ErrorIs(t, err, common.ErrIO)
		assert.ErrorIs(t, err, syscall.EACCES)
		assert.NotErrorIs(t, err, common.ErrNeedsFSCK)
		assert.True(t, m.IsTemporary())
		assertBlocksAt(t, m, scratch, blocks, true)

		fsys.failRemove = nil
		restored, err := RecoverRelocation(fsys, filepath.Join(dir, "p_data"))
		require.NoError(t, err)
		assert.Zero(t, restored)
		assertBlocksAt(t, m, scratch, blocks, true)
	})

	t.Run("refuses a missing root without create", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil)
		newBlocks(t, m, 1)
		scratch := m.Root()
		err := m.SetProject(t.TempDir(), "nope", false)
		require.ErrorIs(t, err, common.ErrNotFound)
		assert.Equal(t, scratch, m.Root())
	})

	t.Run("same root only updates path state", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil)
		blocks := newBlocks(t, m, 2)
		dir := t.TempDir()
		require.NoError(t, m.SetProject(dir, "x", true))
		require.NoError(t, m.SetProject(dir, "x", false))
		assertBlocksAt(t, m, m.Root(), blocks, true)
	})

	t.Run("missing files are skipped", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil)
		blocks := newBlocks(t, m, 2)
		lost := blockfile.FilePath(m.Root(), blocks[0].Name(), common.ExtSummary)
		require.NoError(t, os.Remove(lost))

		require.NoError(t, m.SetProject(t.TempDir(), "p", true))
		assert.True(t, fileExists(t, m, blockfile.FilePath(m.Root(), blocks[0].Name(), common.ExtData)))
		assert.False(t, fileExists(t, m, blockfile.FilePath(m.Root(), blocks[0].Name(), common.ExtSummary)))
	})

	t.Run("falls back to copy across devices", func(t *testing.T) {
		t.Parallel()
		fsys := &faultFS{Filesystem: osfs.New("/")}
		fsys.failRename = func(from, to string) error {
			if common.IsBlockExt(filepath.Ext(from)) {
				return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EXDEV}
			}
			return nil
		}
		m := newTestManager(t, newTestEnv(t, fsys))
		blocks := newBlocks(t, m, 3)
		scratch := m.Root()

		require.NoError(t, m.SetProject(t.TempDir(), "p", true))
		assertBlocksAt(t, m, m.Root(), blocks, true)
		assertBlocksAt(t, m, scratch, blocks, false)
	})

	t.Run("failure rolls back every moved block", func(t *testing.T) {
		t.Parallel()
		fsys := &faultFS{Filesystem: osfs.New("/")}
		metrics := NewMetrics(prometheus.NewRegistry())
		m := newTestManager(t, newTestEnv(t, fsys), WithMetrics(metrics))
		blocks := newBlocks(t, m, 6)
		victim := m.Blocks()[3].Name() + common.ExtData
		fsys.failRename = func(from, to string) error {
			if filepath.Base(from) == victim {
				return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EACCES}
			}
			return nil
		}
		scratch := m.Root()
		dir := t.TempDir()

		err := m.SetProject(dir, "p", true)
		require.ErrorIs(t, err, common.ErrIO)
		assert.NotErrorIs(t, err, common.ErrNeedsFSCK)
		assert.ErrorIs(t, err, syscall.EACCES)

		assert.Equal(t, scratch, m.Root())
		assert.Empty(t, m.ProjectPath())
		assert.True(t, m.IsTemporary())
		assertBlocksAt(t, m, scratch, blocks, true)
		_, statErr := os.Stat(filepath.Join(dir, "p_data"))
		assert.True(t, os.IsNotExist(statErr))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RelocationsTotal.WithLabelValues("rolled_back")))
	})

	t.Run("failed rollback leaves a journal to recover from", func(t *testing.T) {
		t.Parallel()
		fsys := &faultFS{Filesystem: osfs.New("/")}
		m := newTestManager(t, newTestEnv(t, fsys))
		blocks := newBlocks(t, m, 4)
		scratch := m.Root()
		sorted := m.Blocks()
		victim := sorted[2].Name() + common.ExtData
		stuck := sorted[0].Name() + common.ExtData
		fsys.failRename = func(from, to string) error {
			base := filepath.Base(from)
			// The victim fails on the way out, stuck fails on the way back.
			if base == victim || (base == stuck && strings.HasPrefix(to, scratch)) {
				return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EACCES}
			}
			return nil
		}
		dir := t.TempDir()
		target := filepath.Join(dir, "p_data")

		err := m.SetProject(dir, "p", true)
		require.ErrorIs(t, err, common.ErrIO)
		require.ErrorIs(t, err, common.ErrNeedsFSCK)
		assert.Equal(t, scratch, m.Root())
		assert.True(t, fileExists(t, m, filepath.Join(target, JournalName)))

		fsys.failRename = nil
		restored, err := RecoverRelocation(fsys, target)
		require.NoError(t, err)
		assert.Equal(t, 1, restored)
		assertBlocksAt(t, m, scratch, blocks, true)
		assert.False(t, fileExists(t, m, filepath.Join(target, JournalName)))

		restored, err = RecoverRelocation(fsys, target)
		require.NoError(t, err)
		assert.Zero(t, restored)
	})
}

func TestRecoverRelocationRejectsGarbage(t *testing.T) {
	t.Parallel()
	fsys := osfs.New("/")
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, JournalName), []byte{0xc1, 0x00}, 0o644))
	_, err := RecoverRelocation(fsys, root)
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}
