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

// Package project ties a storage root, its manifest and its tracks
// together. A saved project called NAME in DIR is three entries:
//
//	DIR/NAME.bfp     manifest (tracks and block tags)
//	DIR/NAME_data/   storage root
//	DIR/NAME.lock    held while a process has the project open
package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	billyutil "github.com/go-git/go-billy/v5/util"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"blockfs/internal/blockfile"
	"blockfs/internal/common"
	"blockfs/internal/config"
	"blockfs/internal/dirmanager"
	"blockfs/internal/manifest"
	"blockfs/internal/sequence"
)

const metaChannels = "channels"

// ManifestPath returns DIR/NAME.bfp.
func ManifestPath(dir, name string) string {
	return filepath.Join(dir, name+manifest.Ext)
}

// LockPath returns DIR/NAME.lock.
func LockPath(dir, name string) string {
	return filepath.Join(dir, name+".lock")
}

// SplitManifestPath splits DIR/NAME.bfp into DIR and NAME.
func SplitManifestPath(path string) (dir, name string, err error) {
	path = filepath.Clean(path)
	if filepath.Ext(path) != manifest.Ext {
		return "", "", fmt.Errorf("%s is not a %s file", path, manifest.Ext)
	}
	return filepath.Dir(path), strings.TrimSuffix(filepath.Base(path), manifest.Ext), nil
}

// Options configure a project.
type Options struct {
	// Channels is the interleaved channel count of alias sources. Saved
	// projects remember it.
	Channels int
	Metrics  *dirmanager.Metrics
	Progress dirmanager.Progress
}

// Track is a named sequence with its undo history.
type Track struct {
	Name    string
	History *sequence.History
}

// Project is not safe for concurrent use.
type Project struct {
	env      *dirmanager.Env
	m        *dirmanager.Manager
	settings config.Settings
	opts     Options

	dir, name string
	lock      *flock.Flock
	manifest  *manifest.File

	tracks []*Track
	// saved holds one reference per slot of the last saved state so the
	// files the manifest names outlive later edits.
	saved []*sequence.Sequence
}

func newManager(env *dirmanager.Env, settings config.Settings, opts Options) (*dirmanager.Manager, error) {
	mopts := []dirmanager.Option{
		dirmanager.WithCodec(blockfile.RawCodec{Channels: opts.Channels}),
		dirmanager.WithIgnorePatterns(settings.FSCK.Ignore...),
		dirmanager.WithReportNonBlockFiles(!settings.FSCK.IgnoreNonBlockFiles),
		dirmanager.WithProgress(opts.Progress),
	}
	if opts.Metrics != nil {
		mopts = append(mopts, dirmanager.WithMetrics(opts.Metrics))
	}
	return dirmanager.New(env, mopts...)
}

// New starts an unsaved project. Its blocks live in a scratch root until
// SaveAs.
func New(env *dirmanager.Env, settings config.Settings, opts Options) (*Project, error) {
	m, err := newManager(env, settings, opts)
	if err != nil {
		return nil, err
	}
	return &Project{env: env, m: m, settings: settings, opts: opts}, nil
}

// Open opens the project whose manifest is at path. An interrupted
// relocation into its storage root is rolled back first. Open does not
// check the storage root; call FSCK for that.
func Open(ctx context.Context, env *dirmanager.Env, settings config.Settings, path string, opts Options) (*Project, error) {
	dir, name, err := SplitManifestPath(path)
	if err != nil {
		return nil, err
	}
	lock, err := acquire(dir, name)
	if err != nil {
		return nil, err
	}
	p, err := open(ctx, env, settings, dir, name, opts)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	p.lock = lock
	return p, nil
}

func open(ctx context.Context, env *dirmanager.Env, settings config.Settings, dir, name string, opts Options) (*Project, error) {
	root := filepath.Join(dir, common.DataDirName(name))
	restored, err := dirmanager.RecoverRelocation(env.FS(), root)
	if err != nil {
		return nil, err
	}
	if restored > 0 {
		log.Warnf("[Project] rolled back interrupted relocation into %s (%d files)", root, restored)
	}

	mf, err := manifest.Open(ManifestPath(dir, name))
	if err != nil {
		return nil, err
	}
	if ch, err := mf.GetMeta(ctx, metaChannels); err == nil && ch != "" {
		if n, err := strconv.Atoi(ch); err == nil {
			if opts.Channels > 0 && opts.Channels != n {
				mf.Close()
				return nil, fmt.Errorf("project alias sources have %d channels, not %d", n, opts.Channels)
			}
			opts.Channels = n
		}
	}
	tracks, err := mf.Load(ctx)
	if err != nil {
		mf.Close()
		return nil, err
	}

	m, err := newManager(env, settings, opts)
	if err != nil {
		mf.Close()
		return nil, err
	}
	p := &Project{env: env, m: m, settings: settings, opts: opts, dir: dir, name: name, manifest: mf}
	if err := m.SetProject(dir, name, true); err != nil {
		p.closeStorage()
		return nil, err
	}
	for _, t := range tracks {
		seq, err := sequence.Restore(m, settings.MaxBlockSamples, settings.Format(), t.Blocks)
		if err != nil {
			p.closeStorage()
			return nil, fmt.Errorf("track %q: %w", t.Name, err)
		}
		p.tracks = append(p.tracks, &Track{Name: t.Name, History: sequence.NewHistory(seq)})
	}
	if err := p.snapshot(); err != nil {
		p.closeStorage()
		return nil, err
	}
	log.Debugf("[Project] opened %s with %d tracks, %d blocks", ManifestPath(dir, name), len(p.tracks), m.Len())
	return p, nil
}

func acquire(dir, name string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(LockPath(dir, name))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", ManifestPath(dir, name), common.ErrProjectBusy)
	}
	return lock, nil
}

// Manager returns the block registry.
func (p *Project) Manager() *dirmanager.Manager { return p.m }

// Name returns the project name, "" while unsaved.
func (p *Project) Name() string { return p.name }

// Path returns the manifest path, "" while unsaved.
func (p *Project) Path() string {
	if p.name == "" {
		return ""
	}
	return ManifestPath(p.dir, p.name)
}

// Tracks returns the tracks in order.
func (p *Project) Tracks() []*Track { return p.tracks }

// Track returns the named track.
func (p *Project) Track(name string) (*Track, bool) {
	i := slices.IndexFunc(p.tracks, func(t *Track) bool { return t.Name == name })
	if i < 0 {
		return nil, false
	}
	return p.tracks[i], true
}

// AddTrack returns the named track, creating an empty one if needed.
func (p *Project) AddTrack(name string) *Track {
	if t, ok := p.Track(name); ok {
		return t
	}
	t := &Track{Name: name, History: sequence.NewHistory(p.newSequence())}
	p.tracks = append(p.tracks, t)
	return t
}

// RemoveTrack drops a track and its history.
func (p *Project) RemoveTrack(name string) error {
	i := slices.IndexFunc(p.tracks, func(t *Track) bool { return t.Name == name })
	if i < 0 {
		return fmt.Errorf("track %q: %w", name, common.ErrNotFound)
	}
	t := p.tracks[i]
	p.tracks = slices.Delete(p.tracks, i, i+1)
	return t.History.Release()
}

func (p *Project) newSequence() *sequence.Sequence {
	return sequence.New(p.m, p.settings.MaxBlockSamples, p.settings.Format())
}

// Import appends the little-endian float32 samples in path to a track as
// new Simple blocks.
func (p *Project) Import(path, track string) (int64, error) {
	data, err := billyutil.ReadFile(p.env.FS(), path)
	if err != nil {
		return 0, err
	}
	samples, err := blockfile.RawCodec{}.Decode(data, blockfile.FormatFloat32)
	if err != nil {
		return 0, fmt.Errorf("import %s: %w", path, err)
	}
	t := p.AddTrack(track)
	err = t.History.Edit(func(s *sequence.Sequence) error { return s.Append(samples) })
	if err != nil {
		return 0, err
	}
	log.Debugf("[Project] imported %d samples from %s into %q", len(samples), path, track)
	return int64(len(samples)), nil
}

// ImportAlias appends one channel of the interleaved float32 file at path
// to a track as Alias blocks. The file is read in place, never copied.
func (p *Project) ImportAlias(path string, channel int, track string) (int64, error) {
	channels := max(p.opts.Channels, 1)
	if channel < 0 || channel >= channels {
		return 0, fmt.Errorf("channel %d of %d", channel, channels)
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	info, err := p.env.FS().Stat(path)
	if err != nil {
		return 0, err
	}
	frames := info.Size() / int64(4*channels)
	if frames == 0 {
		return 0, fmt.Errorf("import %s: no complete frames", path)
	}

	maxBlock := p.settings.MaxBlockSamples
	t := p.AddTrack(track)
	err = t.History.Edit(func(s *sequence.Sequence) error {
		for start := int64(0); start < frames; start += maxBlock {
			b, err := p.m.NewAliasBlockFile(path, channel, start, min(maxBlock, frames-start))
			if err != nil {
				return err
			}
			s.AppendBlock(b)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return frames, nil
}

// snapshot replaces the saved state with clones of every track's current
// sequence.
func (p *Project) snapshot() error {
	next := make([]*sequence.Sequence, 0, len(p.tracks))
	for _, t := range p.tracks {
		c, err := t.History.Current().Clone()
		if err != nil {
			for _, s := range next {
				err = errors.Join(err, s.Release())
			}
			return err
		}
		next = append(next, c)
	}
	old := p.saved
	p.saved = next
	var errs []error
	for _, s := range old {
		errs = append(errs, s.Release())
	}
	return errors.Join(errs...)
}

func (p *Project) manifestTracks() []manifest.Track {
	out := make([]manifest.Track, len(p.tracks))
	for i, t := range p.tracks {
		out[i] = manifest.Track{Name: t.Name, Blocks: t.History.Current().Tags()}
	}
	return out
}

func (p *Project) writeManifest(ctx context.Context) error {
	if p.opts.Channels > 0 {
		if err := p.manifest.SetMeta(ctx, metaChannels, strconv.Itoa(p.opts.Channels)); err != nil {
			return err
		}
	}
	if err := p.manifest.Save(ctx, p.manifestTracks()); err != nil {
		return err
	}
	return p.snapshot()
}

// Save writes the manifest of a saved project.
func (p *Project) Save(ctx context.Context) error {
	if p.manifest == nil {
		return fmt.Errorf("project has never been saved: %w", common.ErrNotFound)
	}
	return p.writeManifest(ctx)
}

// SaveAs saves the project as DIR/NAME. Blocks named by the last saved
// manifest are copied so the old project stays intact; blocks only this
// session uses are moved.
func (p *Project) SaveAs(ctx context.Context, dir, name string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if dir == p.dir && name == p.name {
		return p.Save(ctx)
	}
	path := ManifestPath(dir, name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, common.ErrExists)
	}
	lock, err := acquire(dir, name)
	if err != nil {
		return err
	}

	unlock := func() {}
	if !p.m.IsTemporary() {
		var saved []*blockfile.BlockFile
		for _, s := range p.saved {
			saved = append(saved, s.Blocks()...)
		}
		if unlock, err = p.m.LockBlocks(saved); err != nil {
			lock.Unlock()
			return err
		}
	}
	err = p.m.SetProject(dir, name, true)
	unlock()
	if err != nil {
		lock.Unlock()
		return err
	}
	mf, err := manifest.Create(path)
	if err != nil {
		lock.Unlock()
		return err
	}

	old, oldLock := p.manifest, p.lock
	p.manifest, p.lock, p.dir, p.name = mf, lock, dir, name
	if old != nil {
		old.Close()
	}
	if oldLock != nil {
		oldLock.Unlock()
	}
	log.Debugf("[Project] saving as %s", path)
	return p.writeManifest(ctx)
}

// FSCK checks the storage root against the registry and repairs what the
// chooser decides. Permanent repairs are written to the manifest unless
// the chooser aborted, in which case the caller should Close.
func (p *Project) FSCK(ctx context.Context, chooser dirmanager.Chooser) (dirmanager.Result, error) {
	res, err := p.m.ProjectFSCK(chooser)
	if err != nil {
		return res, err
	}
	if res.Status.Has(dirmanager.StatusChanged) && !res.Status.Has(dirmanager.StatusCloseRequested) && p.manifest != nil {
		if err := p.Save(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// EnsureSafeFilename moves an aliased file aside before something
// overwrites it. See dirmanager.Manager.EnsureSafeFilename.
func (p *Project) EnsureSafeFilename(ctx context.Context, path string) (string, error) {
	renamed, err := p.m.EnsureSafeFilename(path)
	if err != nil || renamed == "" {
		return renamed, err
	}
	if p.manifest != nil {
		return renamed, p.Save(ctx)
	}
	return renamed, nil
}

// Close releases unsaved edits and the lock. Files referenced by the last
// save stay on disk; an unsaved project's scratch root is removed.
func (p *Project) Close() error {
	var errs []error
	for _, t := range p.tracks {
		errs = append(errs, t.History.Release())
	}
	p.tracks = nil
	errs = append(errs, p.closeStorage())
	return errors.Join(errs...)
}

func (p *Project) closeStorage() error {
	var errs []error
	errs = append(errs, p.m.Close())
	if p.manifest != nil {
		errs = append(errs, p.manifest.Close())
		p.manifest = nil
	}
	if p.lock != nil {
		errs = append(errs, p.lock.Unlock())
		p.lock = nil
	}
	return errors.Join(errs...)
}
