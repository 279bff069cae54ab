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
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"blockfs/internal/common"
)

const opRelocate = "relocate"

// SetProject moves the storage root to dir/<name>_data. Unlocked blocks are
// moved there; locked blocks belong to a saved state and are copied,
// leaving the old root intact for it.
//
// Either every block ends up in the new root and the path state is updated,
// or the blocks already handled are put back and the path state is left as
// it was. The returned error wraps common.ErrIO; when putting blocks back
// fails as well it also wraps common.ErrNeedsFSCK and the relocation
// journal is left in the target for RecoverRelocation.
func (m *Manager) SetProject(dir, name string, create bool) error {
	if m.closed {
		return common.ErrClosed
	}
	src := m.Root()
	target := filepath.Clean(filepath.Join(dir, common.DataDirName(name)))
	if target == filepath.Clean(src) {
		m.projPath, m.projName, m.projFull = dir, name, target
		return nil
	}

	createdTarget, err := m.resolveTarget(target, create)
	if err != nil {
		return err
	}

	steps := m.planRelocation(src, target)
	j := &journal{Version: journalVersion, From: src, To: target, Steps: steps}
	if err := writeJournal(m.fs, target, j); err != nil {
		m.abandonTarget(target, createdTarget)
		m.metrics.relocation("rolled_back")
		return fmt.Errorf("relocate to %s: %w: %w", target, common.ErrIO, err)
	}

	log.Debugf("[DirManager] relocating %d files from %s to %s", len(steps), src, target)
	var done []journalStep
	for i, step := range steps {
		moved, err := m.runStep(step)
		if err != nil {
			return m.rollback(target, createdTarget, done, err)
		}
		if moved {
			done = append(done, step)
		}
		m.progress.Progress(opRelocate, i+1, len(steps))
	}

	// A journal must not outlive a completed relocation.
	if err := removeJournal(m.fs, target); err != nil {
		return m.rollback(target, createdTarget, done, fmt.Errorf("remove journal: %w", err))
	}
	m.projPath, m.projName, m.projFull = dir, name, target
	m.pruneEmptyShards(src)
	m.pruneEmptyShards(target)
	m.metrics.relocation("ok")
	log.Debugf("[DirManager] storage root is now %s", target)
	return nil
}

func (m *Manager) resolveTarget(target string, create bool) (created bool, err error) {
	fi, err := m.fs.Stat(target)
	if err == nil {
		if !fi.IsDir() {
			return false, fmt.Errorf("storage root %s is not a directory: %w", target, common.ErrExists)
		}
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("storage root %s: %w: %w", target, common.ErrIO, err)
	}
	if !create {
		return false, fmt.Errorf("storage root %s: %w", target, common.ErrNotFound)
	}
	if err := m.fs.MkdirAll(target, 0o755); err != nil {
		return false, fmt.Errorf("create storage root %s: %w: %w", target, common.ErrIO, err)
	}
	return true, nil
}

// planRelocation lists one step per owned file, in block name order.
func (m *Manager) planRelocation(src, target string) []journalStep {
	var steps []journalStep
	for _, b := range m.sortedBlocks() {
		from := m.store.Files(src, b)
		to := m.store.Files(target, b)
		for i := range from {
			steps = append(steps, journalStep{Src: from[i], Dst: to[i], Copy: b.IsLocked()})
		}
	}
	return steps
}

// runStep performs one step. A missing source file is skipped; the
// consistency checker reports it later.
func (m *Manager) runStep(step journalStep) (bool, error) {
	exists, err := m.store.Exists(step.Src)
	if err != nil {
		return false, err
	}
	if !exists {
		log.Debugf("[DirManager] %s is missing, not relocated", step.Src)
		return false, nil
	}
	if step.Copy {
		return true, m.store.CopyFile(step.Src, step.Dst)
	}
	return true, m.rename(step.Src, step.Dst)
}

func (m *Manager) rollback(target string, createdTarget bool, done []journalStep, cause error) error {
	log.Warnf("[DirManager] relocation to %s failed, rolling back %d files: %v", target, len(done), cause)

	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		var err error
		if step.Copy {
			err = m.remove(step.Dst)
		} else {
			err = m.rename(step.Dst, step.Src)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		m.metrics.relocation("rollback_failed")
		log.Errorf("[DirManager] rollback from %s incomplete, %d files stranded", target, len(errs))
		return fmt.Errorf("relocate to %s: %w: %w; rollback: %w: %w",
			target, common.ErrIO, cause, common.ErrNeedsFSCK, errors.Join(errs...))
	}

	if err := removeJournal(m.fs, target); err != nil {
		log.Warnf("[DirManager] failed to remove relocation journal in %s: %v", target, err)
	}
	m.abandonTarget(target, createdTarget)
	m.metrics.relocation("rolled_back")
	return fmt.Errorf("relocate to %s: %w: %w", target, common.ErrIO, cause)
}

// abandonTarget removes a target root created by a failed SetProject.
func (m *Manager) abandonTarget(target string, created bool) {
	m.pruneEmptyShards(target)
	if created {
		m.fs.Remove(target)
	}
}
