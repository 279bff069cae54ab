package project

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	billyutil "github.com/go-git/go-billy/v5/util"
	. "github.com/onsi/gomega"

	"blockfs/internal/blockfile"
	"blockfs/internal/common"
	"blockfs/internal/config"
	"blockfs/internal/dirmanager"
	"blockfs/internal/sequence"
)

type testEnv struct {
	t        *testing.T
	env      *dirmanager.Env
	settings config.Settings
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env, err := dirmanager.NewEnv(osfs.New("/"), t.TempDir(), false)
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	settings := config.Defaults()
	settings.MaxBlockSamples = 256
	return &testEnv{t: t, env: env, settings: settings, dir: t.TempDir()}
}

func (e *testEnv) samples(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%2000)/2048 - 0.5
	}
	return out
}

// writeRaw writes interleaved little-endian float32 frames.
func (e *testEnv) writeRaw(name string, samples []float32) string {
	data, err := blockfile.RawCodec{}.Encode(samples, blockfile.FormatFloat32)
	if err != nil {
		e.t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.t.Fatalf("write: %v", err)
	}
	return path
}

func (e *testEnv) open(path string) *Project {
	e.t.Helper()
	p, err := Open(context.Background(), e.env, e.settings, path, Options{})
	if err != nil {
		e.t.Fatalf("open %s: %v", path, err)
	}
	return p
}

// saved creates, fills and saves a project with one 1000-sample track.
func (e *testEnv) saved(name string) string {
	e.t.Helper()
	p, err := New(e.env, e.settings, Options{})
	if err != nil {
		e.t.Fatalf("new: %v", err)
	}
	if _, err := p.Import(e.writeRaw(name+".raw", e.samples(1000)), "main"); err != nil {
		e.t.Fatalf("import: %v", err)
	}
	if err := p.SaveAs(context.Background(), e.dir, name); err != nil {
		e.t.Fatalf("save as: %v", err)
	}
	path := p.Path()
	if err := p.Close(); err != nil {
		e.t.Fatalf("close: %v", err)
	}
	return path
}

func countFiles(root, ext string) int {
	n := 0
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, ext) {
			n++
		}
		return nil
	})
	return n
}

func trackSamples(g *WithT, p *Project, name string) []float32 {
	tr, ok := p.Track(name)
	g.Expect(ok).To(BeTrue())
	s := tr.History.Current()
	out, err := s.Get(0, s.Len())
	g.Expect(err).NotTo(HaveOccurred())
	return out
}

func TestProjectLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("save and reopen", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		e := newTestEnv(t)

		p, err := New(e.env, e.settings, Options{})
		g.Expect(err).NotTo(HaveOccurred())
		scratch := p.Manager().Root()
		n, err := p.Import(e.writeRaw("in.raw", e.samples(1000)), "main")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(n).To(Equal(int64(1000)))
		g.Expect(p.Save(ctx)).To(MatchError(common.ErrNotFound))

		g.Expect(p.SaveAs(ctx, e.dir, "song")).To(Succeed())
		g.Expect(p.Path()).To(Equal(filepath.Join(e.dir, "song.bfp")))
		g.Expect(filepath.Join(e.dir, "song.bfp")).To(BeARegularFile())
		g.Expect(countFiles(filepath.Join(e.dir, "song_data"), common.ExtData)).To(Equal(4))
		g.Expect(countFiles(scratch, common.ExtData)).To(Equal(0))
		g.Expect(p.Close()).To(Succeed())

		q := e.open(filepath.Join(e.dir, "song.bfp"))
		defer q.Close()
		g.Expect(trackSamples(g, q, "main")).To(Equal(e.samples(1000)))
		res, err := q.FSCK(ctx, dirmanager.DefaultChooser{})
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(res.Found).To(BeZero())
	})

	t.Run("second open is refused", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		e := newTestEnv(t)
		path := e.saved("busy")

		p := e.open(path)
		_, err := Open(ctx, e.env, e.settings, path, Options{})
		g.Expect(errors.Is(err, common.ErrProjectBusy)).To(BeTrue())
		g.Expect(p.Close()).To(Succeed())

		q := e.open(path)
		g.Expect(q.Close()).To(Succeed())
	})

	t.Run("unsaved edits are discarded on close", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		e := newTestEnv(t)
		path := e.saved("edits")
		root := filepath.Join(e.dir, "edits_data")

		p := e.open(path)
		tr, _ := p.Track("main")
		g.Expect(tr.History.Edit(func(s *sequence.Sequence) error { return s.Delete(0, 300) })).To(Succeed())
		g.Expect(tr.History.Edit(func(s *sequence.Sequence) error { return s.Append(e.samples(100)) })).To(Succeed())
		g.Expect(countFiles(root, common.ExtData)).To(BeNumerically(">", 4))
		g.Expect(p.Close()).To(Succeed())

		g.Expect(countFiles(root, common.ExtData)).To(Equal(4))
		q := e.open(path)
		defer q.Close()
		g.Expect(trackSamples(g, q, "main")).To(Equal(e.samples(1000)))
		problems, err := q.Manager().Scan()
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(problems.Empty()).To(BeTrue())
	})

	t.Run("save as from a saved project leaves it intact", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		e := newTestEnv(t)
		path := e.saved("first")

		p := e.open(path)
		tr, _ := p.Track("main")
		g.Expect(tr.History.Edit(func(s *sequence.Sequence) error { return s.Delete(0, 500) })).To(Succeed())
		g.Expect(p.SaveAs(ctx, e.dir, "second")).To(Succeed())
		g.Expect(filepath.Join(e.dir, "first.lock")).To(BeARegularFile())
		g.Expect(p.Close()).To(Succeed())
		g.Expect(countFiles(filepath.Join(e.dir, "first_data"), common.ExtData)).To(Equal(4))

		first := e.open(path)
		defer first.Close()
		g.Expect(trackSamples(g, first, "main")).To(Equal(e.samples(1000)))
		problems, err := first.Manager().Scan()
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(problems.Empty()).To(BeTrue())

		second := e.open(filepath.Join(e.dir, "second.bfp"))
		defer second.Close()
		g.Expect(trackSamples(g, second, "main")).To(Equal(e.samples(1000)[500:]))
		problems, err = second.Manager().Scan()
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(problems.Empty()).To(BeTrue())
	})

	t.Run("save as onto an existing project is refused", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		e := newTestEnv(t)
		e.saved("taken")

		p, err := New(e.env, e.settings, Options{})
		g.Expect(err).NotTo(HaveOccurred())
		defer p.Close()
		g.Expect(errors.Is(p.SaveAs(ctx, e.dir, "taken"), common.ErrExists)).To(BeTrue())
		g.Expect(p.Manager().IsTemporary()).To(BeTrue())
	})
}

func TestProjectRepairs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("silenced data is saved", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		e := newTestEnv(t)
		path := e.saved("hurt")

		p := e.open(path)
		tr, _ := p.Track("main")
		first := tr.History.Current().Blocks()[0]
		g.Expect(os.Remove(blockfile.FilePath(p.Manager().Root(), first.Name(), common.ExtData))).To(Succeed())

		res, err := p.FSCK(ctx, dirmanager.FixedChooser{dirmanager.CategoryMissingData: dirmanager.PolicySilence})
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(res.Silenced).To(Equal(1))
		g.Expect(p.Close()).To(Succeed())

		q := e.open(path)
		defer q.Close()
		got := trackSamples(g, q, "main")
		g.Expect(got[:256]).To(Equal(make([]float32, 256)))
		g.Expect(got[256:]).To(Equal(e.samples(1000)[256:]))
	})

	t.Run("aliased source renamed before overwrite", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		e := newTestEnv(t)
		src := e.writeRaw("take.raw", e.samples(600))

		p, err := New(e.env, e.settings, Options{})
		g.Expect(err).NotTo(HaveOccurred())
		frames, err := p.ImportAlias(src, 0, "vox")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(frames).To(Equal(int64(600)))
		g.Expect(p.SaveAs(ctx, e.dir, "alias")).To(Succeed())

		renamed, err := p.EnsureSafeFilename(ctx, src)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(renamed).To(Equal(filepath.Join(e.dir, "take-old1.raw")))
		g.Expect(p.Close()).To(Succeed())

		// The original name is free for the new export.
		e.writeRaw("take.raw", make([]float32, 10))

		q := e.open(filepath.Join(e.dir, "alias.bfp"))
		defer q.Close()
		g.Expect(q.Manager().AliasPaths()).To(Equal([]string{renamed}))
		g.Expect(trackSamples(g, q, "vox")).To(Equal(e.samples(600)))
	})

	t.Run("import rejects bad channels", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		e := newTestEnv(t)
		p, err := New(e.env, e.settings, Options{Channels: 2})
		g.Expect(err).NotTo(HaveOccurred())
		defer p.Close()
		_, err = p.ImportAlias(e.writeRaw("st.raw", e.samples(64)), 2, "x")
		g.Expect(err).To(HaveOccurred())
		_, ok := p.Track("x")
		g.Expect(ok).To(BeFalse())
	})
}

func TestImportReadsThroughEnvFilesystem(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	fsys := memfs.New()
	env, err := dirmanager.NewEnv(fsys, "/scratch", false)
	g.Expect(err).NotTo(HaveOccurred())
	defer env.Close()
	settings := config.Defaults()
	settings.MaxBlockSamples = 256

	samples := make([]float32, 600)
	for i := range samples {
		samples[i] = float32(i%50) / 100
	}
	data, err := blockfile.RawCodec{}.Encode(samples, blockfile.FormatFloat32)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(billyutil.WriteFile(fsys, "/in/take.raw", data, 0o644)).To(Succeed())
	_, err = os.Stat("/in/take.raw")
	g.Expect(os.IsNotExist(err)).To(BeTrue())

	p, err := New(env, settings, Options{})
	g.Expect(err).NotTo(HaveOccurred())
	defer p.Close()

	n, err := p.Import("/in/take.raw", "copied")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n).To(Equal(int64(600)))
	g.Expect(trackSamples(g, p, "copied")).To(Equal(samples))

	n, err = p.ImportAlias("/in/take.raw", 0, "aliased")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n).To(Equal(int64(600)))
	g.Expect(trackSamples(g, p, "aliased")).To(Equal(samples))
	g.Expect(p.Manager().IsAliased("/in/take.raw")).To(BeTrue())
}
