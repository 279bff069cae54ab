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

	"github.com/go-git/go-billy/v5"
	billyutil "github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Env is the state shared by every Manager in a process: the filesystem,
// the temp root that holds unsaved projects, the number of live managers
// and whether scratch directories survive teardown. Create one at startup
// and Close it at exit.
type Env struct {
	fs          billy.Filesystem
	tempRoot    string
	skipCleanup bool

	active  int
	scratch map[string]struct{}
}

// NewEnv creates tempRoot if needed and returns the shared context.
func NewEnv(fsys billy.Filesystem, tempRoot string, skipCleanup bool) (*Env, error) {
	if tempRoot == "" {
		return nil, errors.New("temp root must be set")
	}
	if err := fsys.MkdirAll(tempRoot, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create temp root %s: %w", tempRoot, err)
	}
	return &Env{
		fs:          fsys,
		tempRoot:    tempRoot,
		skipCleanup: skipCleanup,
		scratch:     make(map[string]struct{}),
	}, nil
}

// FS returns the filesystem all managers share.
func (e *Env) FS() billy.Filesystem { return e.fs }

// TempRoot returns the directory holding scratch roots.
func (e *Env) TempRoot() string { return e.tempRoot }

// Active returns the number of managers that have not been closed.
func (e *Env) Active() int { return e.active }

// newScratch creates a private storage root for an unsaved project.
func (e *Env) newScratch() (string, error) {
	dir := filepath.Join(e.tempRoot, "project"+uuid.New().String())
	if err := e.fs.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create scratch root: %w", err)
	}
	e.scratch[dir] = struct{}{}
	e.active++
	return dir, nil
}

// releaseScratch is called when a manager closes.
func (e *Env) releaseScratch(dir string) {
	if e.active > 0 {
		e.active--
	}
	if e.skipCleanup {
		return
	}
	if err := billyutil.RemoveAll(e.fs, dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("[Env] failed to remove scratch root %s: %v", dir, err)
		return
	}
	delete(e.scratch, dir)
}

// Close removes scratch roots left behind by managers of this Env. It is a
// no-op while managers are still open or when cleanup is disabled.
func (e *Env) Close() error {
	if e.active > 0 {
		return fmt.Errorf("%d managers still open", e.active)
	}
	if e.skipCleanup {
		return nil
	}
	var errs []error
	for dir := range e.scratch {
		if err := billyutil.RemoveAll(e.fs, dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		delete(e.scratch, dir)
	}
	return errors.Join(errs...)
}
