// Copyright 2024 BlockFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dirmanager owns the blocks of one project: it names them, keeps
// them deduplicated and reference counted, shards them across directories,
// moves them when the project is saved elsewhere, protects aliased source
// files, and checks the storage root for consistency.
//
// The engine is single-threaded and not reentrant. Every call runs to
// completion on the calling goroutine and no internal locking is done.
package dirmanager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"blockfs/internal/blockfile"
	"blockfs/internal/common"
	"blockfs/internal/util"
)

// maxNameAttempts bounds MakeBlockFileName; hitting it means nearly every
// candidate is taken by orphans.
const maxNameAttempts = 1 << 16

// Manager is the block registry of one project.
type Manager struct {
	env      *Env
	fs       billy.Filesystem
	store    *blockfile.Store
	balancer *Balancer
	metrics  *Metrics
	progress Progress
	ignore   []string
	nonBlock bool

	blocks    map[string]*blockfile.BlockFile
	reserved  map[string]struct{} // handed out, not yet registered
	aliases   map[string]int
	silentSeq uint64

	scratch  string // private root used until the first SetProject
	projPath string // directory that holds the project
	projName string // storage root directory name
	projFull string // projPath/projName, empty until the first SetProject

	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithCodec sets the sample codec. Defaults to mono blockfile.RawCodec.
func WithCodec(c blockfile.Codec) Option {
	return func(m *Manager) {
		m.store = blockfile.NewStore(m.fs, c)
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithProgress sets the progress observer for long operations.
func WithProgress(p Progress) Option {
	return func(m *Manager) {
		if p != nil {
			m.progress = p
		}
	}
}

// WithRand sets the random source used for sequence numbers.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) {
		m.balancer.rng = r
	}
}

// WithIgnorePatterns adds gitignore-style patterns, relative to the storage
// root, that the orphan scan skips.
func WithIgnorePatterns(patterns ...string) Option {
	return func(m *Manager) {
		m.ignore = append(m.ignore, patterns...)
	}
}

// WithReportNonBlockFiles makes the orphan scan report every unknown file,
// not only files carrying a block extension.
func WithReportNonBlockFiles(report bool) Option {
	return func(m *Manager) {
		m.nonBlock = report
	}
}

// New returns a Manager whose blocks live in a fresh scratch root under the
// Env's temp root until SetProject is called.
func New(env *Env, opts ...Option) (*Manager, error) {
	scratch, err := env.newScratch()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		env:      env,
		fs:       env.FS(),
		balancer: NewBalancer(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))),
		progress: nopProgress{},
		blocks:   make(map[string]*blockfile.BlockFile),
		reserved: make(map[string]struct{}),
		aliases:  make(map[string]int),
		scratch:  scratch,
	}
	m.store = blockfile.NewStore(m.fs, nil)
	for _, opt := range opts {
		opt(m)
	}
	log.Debugf("[DirManager] new manager, scratch root %s", scratch)
	return m, nil
}

// Close drops the scratch root. Blocks already moved to a project root are
// left alone.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.env.releaseScratch(m.scratch)
	return nil
}

// Root returns the directory currently holding the blocks.
func (m *Manager) Root() string {
	if m.projFull != "" {
		return m.projFull
	}
	return m.scratch
}

// IsTemporary reports whether the blocks still live in the scratch root.
func (m *Manager) IsTemporary() bool { return m.projFull == "" }

// ProjectPath returns the directory passed to the last successful SetProject.
func (m *Manager) ProjectPath() string { return m.projPath }

// ProjectName returns the storage root name of the last successful SetProject.
func (m *Manager) ProjectName() string { return m.projName }

// Store exposes block I/O bound to this manager's filesystem and codec.
func (m *Manager) Store() *blockfile.Store { return m.store }

// Balancer exposes the shard bookkeeping, mainly for inspection.
func (m *Manager) Balancer() *Balancer { return m.balancer }

// ReadData reads samples of b from the current root, substituting silence
// for missing content. missing reports whether that happened.
func (m *Manager) ReadData(b *blockfile.BlockFile, start, n int64) ([]float32, bool, error) {
	return m.store.ReadDataOrSilence(m.Root(), b, start, n)
}

// ReadSummary reads the fast-preview data of b.
func (m *Manager) ReadSummary(b *blockfile.BlockFile) (*blockfile.SummaryFile, error) {
	return m.store.ReadSummary(m.Root(), b)
}

// MakeBlockFileName returns a block name that is neither registered nor
// present on disk, and counts it in the balancer. The name stays reserved
// until a block is registered under it.
func (m *Manager) MakeBlockFileName() (string, error) {
	root := m.Root()
	before := m.balancer.Dynamited()
	defer func() { m.metrics.dynamited(m.balancer.Dynamited() - before) }()

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		top, mid, seq := m.balancer.Candidate()
		name := blockfile.FormatName(top, mid, seq)
		if _, taken := m.blocks[name]; taken {
			continue
		}
		if _, taken := m.reserved[name]; taken {
			continue
		}
		onDisk, err := m.nameOnDisk(root, name)
		if err != nil {
			return "", err
		}
		if onDisk {
			// Most likely an orphan from a crash. Count it so a bucket full
			// of orphans fills up instead of being retried forever.
			log.Debugf("[DirManager] name %s collides with a file on disk", name)
			m.balancer.AddFile(midKey(top, mid))
			m.metrics.collided()
			continue
		}
		m.balancer.AddFile(midKey(top, mid))
		m.reserved[name] = struct{}{}
		m.metrics.allocated()
		return name, nil
	}
	return "", fmt.Errorf("no free block name after %d attempts: %w", maxNameAttempts, common.ErrIO)
}

func (m *Manager) nameOnDisk(root, name string) (bool, error) {
	for _, ext := range []string{common.ExtData, common.ExtSummary} {
		exists, err := m.store.Exists(blockfile.FilePath(root, name, ext))
		if err != nil {
			return false, fmt.Errorf("check %s: %w", name, err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// releaseName undoes the balancer side of a name and removes directories
// that became empty.
func (m *Manager) releaseName(root, name string) {
	delete(m.reserved, name)
	midEmpty, topEmpty := m.balancer.DelName(name)
	top, mid, ok := blockfile.ParseName(name)
	if !ok {
		return
	}
	// Removing a non-empty directory fails harmlessly, which covers
	// directories still holding locked files or orphans.
	if midEmpty {
		m.fs.Remove(filepath.Join(root, blockfile.TopDir(top), blockfile.MidDir(mid)))
	}
	if topEmpty {
		m.fs.Remove(filepath.Join(root, blockfile.TopDir(top)))
	}
}

// Stats summarizes the registry.
type Stats struct {
	Blocks       int
	ByKind       map[blockfile.Kind]int
	Locked       int
	AliasPaths   int
	TotalSamples int64
	DiskBytes    int64
}

// Stats walks the registry and sums the size of every owned file.
func (m *Manager) Stats() Stats {
	st := Stats{ByKind: make(map[blockfile.Kind]int), AliasPaths: len(m.aliases)}
	root := m.Root()
	for _, b := range m.blocks {
		st.Blocks++
		st.ByKind[b.Kind()]++
		st.TotalSamples += b.Length()
		if b.IsLocked() {
			st.Locked++
		}
		for _, p := range m.store.Files(root, b) {
			if fi, err := m.fs.Stat(p); err == nil {
				st.DiskBytes += fi.Size()
			}
		}
	}
	return st
}

// pruneEmptyShards removes empty e??/d?? directories under root and
// returns how many were removed.
func (m *Manager) pruneEmptyShards(root string) int {
	tops, err := m.fs.ReadDir(root)
	if err != nil {
		return 0
	}
	removed := 0
	for _, top := range tops {
		if !top.IsDir() || !isShardDir(top.Name(), 'e') {
			continue
		}
		topPath := filepath.Join(root, top.Name())
		mids, err := m.fs.ReadDir(topPath)
		if err != nil {
			continue
		}
		left := len(mids)
		for _, mid := range mids {
			if !mid.IsDir() || !isShardDir(mid.Name(), 'd') {
				continue
			}
			midPath := filepath.Join(topPath, mid.Name())
			if entries, err := m.fs.ReadDir(midPath); err == nil && len(entries) == 0 {
				if m.fs.Remove(midPath) == nil {
					removed++
					left--
				}
			}
		}
		if left == 0 && m.fs.Remove(topPath) == nil {
			removed++
		}
	}
	return removed
}

func isShardDir(name string, prefix byte) bool {
	if len(name) != 3 || name[0] != prefix {
		return false
	}
	return strings.Trim(name[1:], "0123456789abcdef") == ""
}

// sortedBlocks returns the registry in name order so that bulk operations
// and their rollbacks are deterministic.
func (m *Manager) sortedBlocks() []*blockfile.BlockFile {
	out := make([]*blockfile.BlockFile, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *blockfile.BlockFile) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return out
}

// rename moves one file, retrying transient failures and falling back to
// copy+delete across devices.
func (m *Manager) rename(src, dst string) error {
	if err := m.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", dst, err)
	}
	err := util.Retry(context.Background(), func() error {
		return m.fs.Rename(src, dst)
	}, util.FileRetryOptions(context.Background())...)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("rename %s: %w", src, err)
	}
	if err := m.store.CopyFile(src, dst); err != nil {
		return err
	}
	if err := m.remove(src); err != nil {
		m.fs.Remove(dst)
		return err
	}
	return nil
}

// remove deletes one file, retrying transient failures. A missing file is
// not an error.
func (m *Manager) remove(path string) error {
	err := util.Retry(context.Background(), func() error {
		return m.fs.Remove(path)
	}, util.FileRetryOptions(context.Background())...)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
