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

package dirmanager

import (
	"fmt"
	"path/filepath"
	"slices"

	log "github.com/sirupsen/logrus"

	"blockfs/internal/blockfile"
	"blockfs/internal/common"
)

// NewSimpleBlockFile writes samples as a new Simple block at refcount 1.
func (m *Manager) NewSimpleBlockFile(samples []float32, format blockfile.SampleFormat) (*blockfile.BlockFile, error) {
	root := m.Root()
	name, err := m.MakeBlockFileName()
	if err != nil {
		return nil, err
	}
	b, err := m.store.CreateSimple(root, name, samples, format)
	if err != nil {
		m.releaseName(root, name)
		return nil, fmt.Errorf("create block %s: %w", name, err)
	}
	m.register(b)
	return b, nil
}

// NewAliasBlockFile creates an Alias block over length frames of an
// external file at refcount 1.
func (m *Manager) NewAliasBlockFile(path string, channel int, start, length int64) (*blockfile.BlockFile, error) {
	root := m.Root()
	name, err := m.MakeBlockFileName()
	if err != nil {
		return nil, err
	}
	src := blockfile.AliasSource{Path: filepath.Clean(path), Channel: channel, Start: start}
	b, err := m.store.CreateAlias(root, name, src, length)
	if err != nil {
		m.releaseName(root, name)
		return nil, fmt.Errorf("create alias block %s: %w", name, err)
	}
	m.register(b)
	return b, nil
}

// NewSilentBlockFile creates a Silent block of length samples at refcount 1.
// Silent blocks have no files and take no shard slot.
func (m *Manager) NewSilentBlockFile(length int64) *blockfile.BlockFile {
	b := blockfile.NewSilent(m.nextSilentName(), length)
	m.register(b)
	return b
}

func (m *Manager) nextSilentName() string {
	for {
		m.silentSeq++
		name := blockfile.FormatSilentName(m.silentSeq)
		if _, taken := m.blocks[name]; !taken {
			return name
		}
	}
}

// CopyBlockFile returns a block with the same content as b for a new slot.
// Unlocked blocks are shared: b itself is returned with one more
// reference. Locked blocks belong to a saved state and are duplicated on
// disk under a fresh name; b's count is left alone.
func (m *Manager) CopyBlockFile(b *blockfile.BlockFile) (*blockfile.BlockFile, error) {
	if err := m.owned(b); err != nil {
		return nil, err
	}
	if !b.IsLocked() {
		b.Ref()
		return b, nil
	}

	root := m.Root()
	var name string
	if b.Kind() == blockfile.KindSilent {
		name = m.nextSilentName()
	} else {
		var err error
		if name, err = m.MakeBlockFileName(); err != nil {
			return nil, err
		}
	}
	dup, err := m.store.Duplicate(root, b, root, name)
	if err != nil {
		m.releaseName(root, name)
		return nil, fmt.Errorf("copy locked block %s: %w", b.Name(), err)
	}
	log.Debugf("[DirManager] duplicated locked block %s as %s", b.Name(), name)
	m.register(dup)
	return dup, nil
}

// Ref records one more slot holding b.
func (m *Manager) Ref(b *blockfile.BlockFile) error {
	if err := m.owned(b); err != nil {
		return err
	}
	b.Ref()
	return nil
}

// Deref records that one slot let go of b. When the last slot lets go the
// block leaves the registry and its files are deleted, unless it is locked.
func (m *Manager) Deref(b *blockfile.BlockFile) error {
	if err := m.owned(b); err != nil {
		return err
	}
	if b.Deref() > 0 {
		return nil
	}
	return m.destroy(b)
}

func (m *Manager) destroy(b *blockfile.BlockFile) error {
	root := m.Root()
	delete(m.blocks, b.Name())
	m.metrics.setLive(len(m.blocks))
	if src, ok := b.AliasSource(); ok {
		m.dropAlias(src.Path)
	}

	var err error
	if !b.IsLocked() {
		if err = m.store.Remove(root, b); err != nil {
			log.Warnf("[DirManager] failed to delete files of %s: %v", b.Name(), err)
			err = fmt.Errorf("release %s: %w", b.Name(), common.ErrIO)
		}
	}
	if _, _, ok := blockfile.ParseName(b.Name()); ok {
		m.releaseName(root, b.Name())
	}
	log.Debugf("[DirManager] released %s", b.Name())
	return err
}

func (m *Manager) register(b *blockfile.BlockFile) {
	b.Ref()
	m.blocks[b.Name()] = b
	delete(m.reserved, b.Name())
	if src, ok := b.AliasSource(); ok {
		m.aliases[src.Path]++
	}
	m.metrics.setLive(len(m.blocks))
}

func (m *Manager) dropAlias(path string) {
	if n := m.aliases[path]; n > 1 {
		m.aliases[path] = n - 1
	} else {
		delete(m.aliases, path)
	}
}

// owned checks that b is the registered entity for its name.
func (m *Manager) owned(b *blockfile.BlockFile) error {
	if b == nil {
		return fmt.Errorf("nil block: %w", common.ErrNotFound)
	}
	if cur, ok := m.blocks[b.Name()]; !ok || cur != b {
		return fmt.Errorf("block %s: %w", b.Name(), common.ErrNotFound)
	}
	return nil
}

// Lookup returns the registered block called name.
func (m *Manager) Lookup(name string) (*blockfile.BlockFile, bool) {
	b, ok := m.blocks[name]
	return b, ok
}

// ContainsBlockFile reports whether b is registered with this manager.
func (m *Manager) ContainsBlockFile(b *blockfile.BlockFile) bool {
	return m.owned(b) == nil
}

// Len returns the number of registered blocks.
func (m *Manager) Len() int { return len(m.blocks) }

// Blocks returns the registered blocks sorted by name.
func (m *Manager) Blocks() []*blockfile.BlockFile { return m.sortedBlocks() }

// LockAll marks every block as belonging to a saved state.
func (m *Manager) LockAll() {
	for _, b := range m.blocks {
		b.Lock()
	}
}

func (m *Manager) UnlockAll() {
	for _, b := range m.blocks {
		b.Unlock()
	}
}

// LockBlocks locks a saved state's blocks so SetProject copies them and
// leaves the old root intact. A block listed twice is locked once. A block
// already locked fails with ErrLocked and nothing stays locked. The
// returned func unlocks exactly the blocks locked here.
func (m *Manager) LockBlocks(blocks []*blockfile.BlockFile) (func(), error) {
	seen := make(map[*blockfile.BlockFile]bool, len(blocks))
	var locked []*blockfile.BlockFile
	unlock := func() {
		for _, b := range locked {
			b.Unlock()
		}
	}
	for _, b := range blocks {
		if seen[b] {
			continue
		}
		seen[b] = true
		if err := m.owned(b); err != nil {
			unlock()
			return nil, err
		}
		if b.IsLocked() {
			unlock()
			return nil, fmt.Errorf("block %s: %w", b.Name(), common.ErrLocked)
		}
		b.Lock()
		locked = append(locked, b)
	}
	return unlock, nil
}

// IsAliased reports whether any Alias block reads from path.
func (m *Manager) IsAliased(path string) bool {
	return m.aliases[filepath.Clean(path)] > 0
}

// AliasPaths returns the external files referenced by Alias blocks.
func (m *Manager) AliasPaths() []string {
	out := make([]string, 0, len(m.aliases))
	for p := range m.aliases {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
