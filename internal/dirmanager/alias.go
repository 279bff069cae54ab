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
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"blockfs/internal/blockfile"
	"blockfs/internal/common"
)

// maxOldSuffix bounds the "-oldN" search.
const maxOldSuffix = 10000

// EnsureSafeFilename gets an external file out of the way before something
// overwrites it. If Alias blocks read from path, the file is renamed to
// "<stem>-oldN<ext>" and those blocks are repointed at the new name, which
// is returned. An unaliased path is left alone and "" is returned.
//
// On failure every repointed block is pointed back at path.
func (m *Manager) EnsureSafeFilename(path string) (string, error) {
	path = filepath.Clean(path)
	if m.aliases[path] == 0 {
		return "", nil
	}

	renamed, err := m.freeOldName(path)
	if err != nil {
		return "", err
	}

	// Prove the directory is writable before touching any block.
	f, err := m.fs.OpenFile(renamed, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("cannot move aliased file %s aside: %w: %w", path, common.ErrIO, err)
	}
	f.Close()
	if err := m.fs.Remove(renamed); err != nil {
		return "", fmt.Errorf("cannot move aliased file %s aside: %w: %w", path, common.ErrIO, err)
	}

	var repointed []*blockfile.BlockFile
	for _, b := range m.sortedBlocks() {
		if src, ok := b.AliasSource(); ok && src.Path == path {
			b.SetAliasPath(renamed)
			repointed = append(repointed, b)
		}
	}

	if err := m.rename(path, renamed); err != nil {
		for _, b := range repointed {
			b.SetAliasPath(path)
		}
		return "", fmt.Errorf("move aliased file %s aside: %w: %w", path, common.ErrIO, err)
	}

	m.aliases[renamed] += m.aliases[path]
	delete(m.aliases, path)
	log.Infof("[DirManager] moved aliased file %s to %s, %d blocks repointed", path, renamed, len(repointed))
	return renamed, nil
}

func (m *Manager) freeOldName(path string) (string, error) {
	stem, ext := common.SplitExt(path)
	for n := 1; n <= maxOldSuffix; n++ {
		candidate := fmt.Sprintf("%s-old%d%s", stem, n, ext)
		exists, err := m.store.Exists(candidate)
		if err != nil {
			return "", fmt.Errorf("check %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %s: %w", path, common.ErrExists)
}
