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
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"blockfs/internal/common"
)

// JournalName is the relocation journal written into a target root while
// SetProject runs.
const JournalName = ".relocate.journal"

const journalVersion = 1

// journalStep is one planned file operation. Copy steps leave the source in
// place; move steps take it away.
type journalStep struct {
	Src  string `msgpack:"src"`
	Dst  string `msgpack:"dst"`
	Copy bool   `msgpack:"copy"`
}

type journal struct {
	Version int           `msgpack:"v"`
	From    string        `msgpack:"from"`
	To      string        `msgpack:"to"`
	Steps   []journalStep `msgpack:"steps"`
}

func journalPath(root string) string { return filepath.Join(root, JournalName) }

// writeJournal stores j in root through a temp file and a rename so a crash
// never leaves a half-written journal behind.
func writeJournal(fsys billy.Filesystem, root string, j *journal) error {
	data, err := msgpack.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	f, err := fsys.TempFile(root, JournalName+".")
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return fmt.Errorf("write journal: %w", err)
	}
	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("write journal: %w", err)
	}
	if err := fsys.Rename(tmp, journalPath(root)); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("commit journal: %w", err)
	}
	return nil
}

func readJournal(fsys billy.Filesystem, root string) (*journal, error) {
	data, err := billyutil.ReadFile(fsys, journalPath(root))
	if err != nil {
		return nil, err
	}
	var j journal
	if err := msgpack.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode journal: %w", err)
	}
	if j.Version != journalVersion {
		return nil, fmt.Errorf("journal version %d not supported", j.Version)
	}
	return &j, nil
}

func removeJournal(fsys billy.Filesystem, root string) error {
	if err := fsys.Remove(journalPath(root)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RecoverRelocation undoes a relocation that was interrupted by a crash,
// using the journal left in root. Moved files go back to their source and
// copies are removed. It returns the number of files restored; zero with a
// nil error means there was nothing to recover.
func RecoverRelocation(fsys billy.Filesystem, root string) (int, error) {
	j, err := readJournal(fsys, root)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("recover %s: %w", root, err)
	}
	log.Infof("[DirManager] replaying relocation journal %s -> %s (%d steps)", j.From, j.To, len(j.Steps))

	restored := 0
	var errs []error
	for i := len(j.Steps) - 1; i >= 0; i-- {
		step := j.Steps[i]
		if _, err := fsys.Stat(step.Dst); err != nil {
			continue // never executed
		}
		_, srcErr := fsys.Stat(step.Src)
		// A move whose source survived was a copy+delete that stopped
		// before the delete; treat it like a copy.
		if step.Copy || srcErr == nil {
			if err := fsys.Remove(step.Dst); err != nil {
				errs = append(errs, err)
				continue
			}
			restored++
			continue
		}
		if err := fsys.MkdirAll(filepath.Dir(step.Src), 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := fsys.Rename(step.Dst, step.Src); err != nil {
			errs = append(errs, err)
			continue
		}
		restored++
	}
	if len(errs) > 0 {
		return restored, fmt.Errorf("recover %s: %w: %w", root, common.ErrNeedsFSCK, errors.Join(errs...))
	}
	return restored, removeJournal(fsys, root)
}
