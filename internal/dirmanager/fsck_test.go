package dirmanager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockfs/internal/blockfile"
	"blockfs/internal/common"
)

type scriptedChooser struct {
	answers map[Category]Policy
	asked   []Category
}

func (s *scriptedChooser) Choose(q Question) (Policy, error) {
	s.asked = append(s.asked, q.Category)
	if p, ok := s.answers[q.Category]; ok {
		return p, nil
	}
	return q.Choices[0], nil
}

func TestProjectFSCK(t *testing.T) {
	t.Parallel()

	t.Run("missing data and an orphan", func(t *testing.T) {
		t.Parallel()
		metrics := NewMetrics(prometheus.NewRegistry())
		m := newTestManager(t, nil, WithMetrics(metrics))
		blocks := newBlocks(t, m, 10)
		seventh := blocks[6]
		require.NoError(t, os.Remove(blockfile.FilePath(m.Root(), seventh.Name(), common.ExtData)))
		orphan := filepath.Join(m.Root(), "orphan.au")
		require.NoError(t, os.WriteFile(orphan, []byte("junk"), 0o644))

		p, err := m.Scan()
		require.NoError(t, err)
		assert.Equal(t, []string{orphan}, p.Orphans)
		require.Len(t, p.MissingData, 1)
		assert.Same(t, seventh, p.MissingData[0])
		assert.Empty(t, p.MissingSummaries)
		assert.Empty(t, p.MissingAliasSources)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FSCKProblemsTotal.WithLabelValues("orphans")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FSCKProblemsTotal.WithLabelValues("missing_data")))

		chooser := &scriptedChooser{answers: map[Category]Policy{
			CategoryOrphans:     PolicyDelete,
			CategoryMissingData: PolicySilence,
		}}
		res, err := m.Repair(p, chooser)
		require.NoError(t, err)
		assert.True(t, res.Status.Has(StatusChanged))
		assert.False(t, res.Status.Has(StatusCloseRequested))
		assert.Equal(t, 1, res.DeletedOrphans)
		assert.Equal(t, 1, res.Silenced)
		assert.Equal(t, []Category{CategoryOrphans, CategoryMissingData}, chooser.asked)

		again, err := m.Scan()
		require.NoError(t, err)
		assert.True(t, again.Empty())
		assert.Equal(t, 10, m.Len())
		for _, b := range blocks {
			samples, err := m.store.ReadData(m.Root(), b, 0, b.Length())
			require.NoError(t, err, b.Name())
			assert.Len(t, samples, int(b.Length()))
		}
		samples, err := m.store.ReadData(m.Root(), seventh, 0, seventh.Length())
		require.NoError(t, err)
		assert.Equal(t, make([]float32, seventh.Length()), samples)
	})

	t.Run("missing summaries are regenerated", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil)
		blocks := newBlocks(t, m, 4)
		path := blockfile.FilePath(m.Root(), blocks[2].Name(), common.ExtSummary)
		want, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, os.Remove(path))

		res, err := m.ProjectFSCK(DefaultChooser{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Found)
		assert.Equal(t, 1, res.Regenerated)
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("abort stops before later stages", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil)
		blocks := newBlocks(t, m, 3)
		require.NoError(t, os.Remove(blockfile.FilePath(m.Root(), blocks[0].Name(), common.ExtData)))
		require.NoError(t, os.WriteFile(filepath.Join(m.Root(), "stray.auf"), nil, 0o644))

		chooser := &scriptedChooser{answers: map[Category]Policy{CategoryOrphans: PolicyAbort}}
		res, err := m.ProjectFSCK(chooser)
		require.NoError(t, err)
		assert.True(t, res.Status.Has(StatusCloseRequested))
		assert.Equal(t, []Category{CategoryOrphans}, chooser.asked)
		assert.False(t, blocks[0].IsSilenced())
		assert.FileExists(t, filepath.Join(m.Root(), "stray.auf"))
	})

	t.Run("session silence hides the problem until the next check", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil)
		b := newBlocks(t, m, 1)[0]
		require.NoError(t, os.Remove(blockfile.FilePath(m.Root(), b.Name(), common.ExtData)))

		res, err := m.ProjectFSCK(nil)
		require.NoError(t, err)
		assert.True(t, res.Status.Has(StatusSessionOnly))
		assert.False(t, res.Status.Has(StatusChanged))
		assert.True(t, b.IsSilenced())

		samples, missing, err := m.ReadData(b, 0, 16)
		require.NoError(t, err)
		assert.False(t, missing)
		assert.Equal(t, make([]float32, 16), samples)

		p, err := m.Scan()
		require.NoError(t, err)
		assert.Len(t, p.MissingData, 1)
	})

	t.Run("missing alias source made permanently silent", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil, WithCodec(blockfile.RawCodec{Channels: 2}))
		src := filepath.Join(t.TempDir(), "gone.raw")
		writeStereoSource(t, m.fs, src, 256)
		b, err := m.NewAliasBlockFile(src, 0, 0, 256)
		require.NoError(t, err)
		summary := blockfile.FilePath(m.Root(), b.Name(), common.ExtSummary)
		require.NoError(t, os.Remove(src))

		res, err := m.ProjectFSCK(FixedChooser{CategoryMissingAliasSources: PolicySilence})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Silenced)
		assert.Equal(t, blockfile.KindSilent, b.Kind())
		assert.NoFileExists(t, summary)
		assert.False(t, m.IsAliased(src))

		p, err := m.Scan()
		require.NoError(t, err)
		assert.True(t, p.Empty())

		// The block keeps its shard slot until released.
		require.NoError(t, m.Deref(b))
		assert.Empty(t, m.Balancer().MidCounts())
	})

	t.Run("summary of an unreadable block falls back to session silence", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil, WithCodec(blockfile.RawCodec{Channels: 2}))
		src := filepath.Join(t.TempDir(), "short.raw")
		writeStereoSource(t, m.fs, src, 256)
		b, err := m.NewAliasBlockFile(src, 1, 0, 256)
		require.NoError(t, err)
		require.NoError(t, os.Remove(blockfile.FilePath(m.Root(), b.Name(), common.ExtSummary)))
		require.NoError(t, os.Truncate(src, 64))

		res, err := m.ProjectFSCK(DefaultChooser{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.SessionSilenced)
		assert.True(t, b.IsSilenced())
	})

	t.Run("ignore rules and non-block files", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil, WithIgnorePatterns("*.bak.au", "keep/*"))
		newBlocks(t, m, 2)
		root := m.Root()
		for _, name := range []string{"notes.txt", "old.bak.au", JournalName, "keep/x.au", "e00/lost.auf"} {
			path := filepath.Join(root, name)
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, nil, 0o644))
		}

		p, err := m.Scan()
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(root, "e00/lost.auf")}, p.Orphans)

		m.nonBlock = true
		p, err = m.Scan()
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(root, "e00/lost.auf"), filepath.Join(root, "notes.txt")}, p.Orphans)
	})

	t.Run("chooser errors and invalid answers are surfaced", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil)
		require.NoError(t, os.WriteFile(filepath.Join(m.Root(), "a.au"), nil, 0o644))
		p, err := m.Scan()
		require.NoError(t, err)

		_, err = m.Repair(p, FixedChooser{CategoryOrphans: PolicyRegenerate})
		require.Error(t, err)

		boom := errors.New("prompt closed")
		_, err = m.Repair(p, chooserFunc(func(Question) (Policy, error) { return 0, boom }))
		require.ErrorIs(t, err, boom)
	})

	t.Run("final sweep prunes empty shards", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, nil)
		empty := filepath.Join(m.Root(), "e07", "d01")
		require.NoError(t, os.MkdirAll(empty, 0o755))
		res, err := m.ProjectFSCK(nil)
		require.NoError(t, err)
		assert.Equal(t, 2, res.PrunedDirs)
		assert.NoDirExists(t, filepath.Join(m.Root(), "e07"))
	})
}

type chooserFunc func(Question) (Policy, error)

func (f chooserFunc) Choose(q Question) (Policy, error) { return f(q) }

func TestPolicies(t *testing.T) {
	t.Parallel()

	for _, cat := range []Category{CategoryOrphans, CategoryMissingAliasSources, CategoryMissingSummaries, CategoryMissingData} {
		choices := cat.Choices()
		assert.Contains(t, choices, PolicyAbort, cat.String())
		assert.NotEqual(t, PolicyAbort, choices[0], "default for %s must not abort", cat)
	}
	for p := PolicyAbort; p <= PolicySilenceSession; p++ {
		parsed, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParsePolicy("explode")
	assert.Error(t, err)
}
