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
	"slices"

	billyutil "github.com/go-git/go-billy/v5/util"
	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"

	"blockfs/internal/blockfile"
	"blockfs/internal/common"
)

const opScan = "scan"

// defaultIgnore lists files the engine itself may leave in a storage root.
var defaultIgnore = []string{
	JournalName,
	JournalName + ".*",
	"*.lock",
	".DS_Store",
}

// Problems is the read-only result of Scan.
type Problems struct {
	// Orphans are files under the storage root that no block owns.
	Orphans []string

	MissingAliasSources []*blockfile.BlockFile
	MissingSummaries    []*blockfile.BlockFile
	MissingData         []*blockfile.BlockFile
}

// Count returns the total number of problems.
func (p *Problems) Count() int {
	return len(p.Orphans) + len(p.MissingAliasSources) + len(p.MissingSummaries) + len(p.MissingData)
}

func (p *Problems) Empty() bool { return p.Count() == 0 }

// Status is a bit set describing what Repair did.
type Status int

const (
	StatusClean Status = 0

	// StatusChanged means disk content or block kinds were modified.
	StatusChanged Status = 1 << iota

	// StatusSessionOnly means some problems were only hidden for this
	// session and will be reported again.
	StatusSessionOnly

	// StatusCloseRequested means the user chose to abort; the project
	// should be closed without saving.
	StatusCloseRequested
)

func (s Status) Has(flag Status) bool { return s&flag != 0 }

// Result summarizes a Repair run.
type Result struct {
	Status          Status
	Found           int
	DeletedOrphans  int
	IgnoredOrphans  int
	Regenerated     int
	Silenced        int
	SessionSilenced int
	PrunedDirs      int
}

// Scan compares the storage root with the registry. It never writes.
func (m *Manager) Scan() (*Problems, error) {
	root := m.Root()
	p := &Problems{}

	owned := make(map[string]struct{})
	for _, b := range m.blocks {
		for _, f := range m.store.Files(root, b) {
			owned[filepath.Clean(f)] = struct{}{}
		}
	}
	matcher := ignore.CompileIgnoreLines(append(slices.Clone(defaultIgnore), m.ignore...)...)

	err := billyutil.Walk(m.fs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if _, ok := owned[filepath.Clean(path)]; ok {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if matcher.MatchesPath(filepath.ToSlash(rel)) {
			return nil
		}
		if !m.nonBlock && !common.IsBlockExt(filepath.Ext(path)) {
			return nil
		}
		p.Orphans = append(p.Orphans, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w: %w", root, common.ErrIO, err)
	}
	slices.Sort(p.Orphans)

	blocks := m.sortedBlocks()
	for i, b := range blocks {
		h, err := m.store.Check(root, b)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w: %w", b.Name(), common.ErrIO, err)
		}
		switch {
		case h.SourceMissing:
			p.MissingAliasSources = append(p.MissingAliasSources, b)
			if h.SummaryMissing {
				p.MissingSummaries = append(p.MissingSummaries, b)
			}
		case h.DataMissing:
			// Recovering the data rewrites the summary too.
			p.MissingData = append(p.MissingData, b)
		case h.SummaryMissing:
			p.MissingSummaries = append(p.MissingSummaries, b)
		}
		m.progress.Progress(opScan, i+1, len(blocks))
	}

	m.metrics.problems(CategoryOrphans, len(p.Orphans))
	m.metrics.problems(CategoryMissingAliasSources, len(p.MissingAliasSources))
	m.metrics.problems(CategoryMissingSummaries, len(p.MissingSummaries))
	m.metrics.problems(CategoryMissingData, len(p.MissingData))
	log.Debugf("[FSCK] %s: %d orphans, %d missing alias sources, %d missing summaries, %d missing data",
		root, len(p.Orphans), len(p.MissingAliasSources), len(p.MissingSummaries), len(p.MissingData))
	return p, nil
}

// Repair resolves p one category at a time, in Category order, asking
// chooser for a policy whenever a category is non-empty. Choosing abort
// stops immediately and sets StatusCloseRequested; later categories are
// left untouched. Empty shard directories are swept at the end.
func (m *Manager) Repair(p *Problems, chooser Chooser) (Result, error) {
	if chooser == nil {
		chooser = DefaultChooser{}
	}
	res := Result{Found: p.Count()}

	stages := []struct {
		cat   Category
		items int
		title string
		msg   string
		names func() []string
		apply func(Policy) error
	}{
		{
			CategoryOrphans, len(p.Orphans),
			"Orphan files",
			"These files are in the storage root but no block uses them.",
			func() []string { return p.Orphans },
			func(pol Policy) error { return m.repairOrphans(p.Orphans, pol, &res) },
		},
		{
			CategoryMissingAliasSources, len(p.MissingAliasSources),
			"Missing aliased files",
			"These blocks read from external files that no longer exist.",
			func() []string { return aliasItems(p.MissingAliasSources) },
			func(pol Policy) error { return m.repairAliasSources(p.MissingAliasSources, pol, &res) },
		},
		{
			CategoryMissingSummaries, len(p.MissingSummaries),
			"Missing summary files",
			"The preview data of these blocks is missing and can be rebuilt from their samples.",
			func() []string { return blockNames(p.MissingSummaries) },
			func(pol Policy) error { return m.repairSummaries(p.MissingSummaries, pol, &res) },
		},
		{
			CategoryMissingData, len(p.MissingData),
			"Missing block data",
			"The sample data of these blocks is missing.",
			func() []string { return blockNames(p.MissingData) },
			func(pol Policy) error { return m.repairData(p.MissingData, pol, &res) },
		},
	}

	for _, st := range stages {
		if st.items == 0 {
			continue
		}
		pol, err := chooser.Choose(Question{
			Category: st.cat,
			Title:    st.title,
			Message:  st.msg,
			Items:    st.names(),
			Choices:  st.cat.Choices(),
		})
		if err != nil {
			return res, fmt.Errorf("repair %s: %w", st.cat, err)
		}
		if !slices.Contains(st.cat.Choices(), pol) {
			return res, fmt.Errorf("policy %s is not valid for %s", pol, st.cat)
		}
		log.Infof("[FSCK] %d %s: %s", st.items, st.cat, pol)
		if pol == PolicyAbort {
			res.Status |= StatusCloseRequested
			return res, nil
		}
		if err := st.apply(pol); err != nil {
			return res, err
		}
	}

	res.PrunedDirs = m.pruneEmptyShards(m.Root())
	return res, nil
}

// ProjectFSCK scans the storage root and repairs what it finds.
func (m *Manager) ProjectFSCK(chooser Chooser) (Result, error) {
	p, err := m.Scan()
	if err != nil {
		return Result{}, err
	}
	if p.Empty() {
		return Result{Status: StatusClean, PrunedDirs: m.pruneEmptyShards(m.Root())}, nil
	}
	return m.Repair(p, chooser)
}

func (m *Manager) repairOrphans(orphans []string, pol Policy, res *Result) error {
	switch pol {
	case PolicyIgnore:
		res.IgnoredOrphans += len(orphans)
	case PolicyDelete:
		for _, path := range orphans {
			if err := m.remove(path); err != nil {
				return fmt.Errorf("delete orphan: %w: %w", common.ErrIO, err)
			}
			res.DeletedOrphans++
		}
		res.Status |= StatusChanged
	}
	return nil
}

func (m *Manager) repairAliasSources(blocks []*blockfile.BlockFile, pol Policy, res *Result) error {
	root := m.Root()
	for _, b := range blocks {
		switch pol {
		case PolicySilenceSession:
			b.SilenceForSession()
			res.SessionSilenced++
			res.Status |= StatusSessionOnly
		case PolicySilence:
			src, _ := b.AliasSource()
			if err := m.remove(blockfile.FilePath(root, b.Name(), common.ExtSummary)); err != nil {
				return fmt.Errorf("silence %s: %w: %w", b.Name(), common.ErrIO, err)
			}
			m.dropAlias(src.Path)
			b.BecomeSilent()
			res.Silenced++
			res.Status |= StatusChanged
		}
	}
	return nil
}

func (m *Manager) repairSummaries(blocks []*blockfile.BlockFile, pol Policy, res *Result) error {
	root := m.Root()
	for _, b := range blocks {
		if b.Kind() == blockfile.KindSilent {
			continue // silenced by an earlier stage
		}
		switch pol {
		case PolicyRegenerate:
			err := m.store.RegenerateSummary(root, b)
			if errors.Is(err, common.ErrMissingData) {
				log.Warnf("[FSCK] cannot regenerate summary of %s, silencing for this session", b.Name())
				b.SilenceForSession()
				res.SessionSilenced++
				res.Status |= StatusSessionOnly
				continue
			}
			if err != nil {
				return fmt.Errorf("regenerate %s: %w", b.Name(), err)
			}
			res.Regenerated++
			res.Status |= StatusChanged
		case PolicySilenceSession:
			b.SilenceForSession()
			res.SessionSilenced++
			res.Status |= StatusSessionOnly
		}
	}
	return nil
}

func (m *Manager) repairData(blocks []*blockfile.BlockFile, pol Policy, res *Result) error {
	root := m.Root()
	for _, b := range blocks {
		switch pol {
		case PolicySilenceSession:
			b.SilenceForSession()
			res.SessionSilenced++
			res.Status |= StatusSessionOnly
		case PolicySilence:
			if err := m.store.Recover(root, b); err != nil {
				return fmt.Errorf("recover %s: %w: %w", b.Name(), common.ErrIO, err)
			}
			res.Silenced++
			res.Status |= StatusChanged
		}
	}
	return nil
}

func blockNames(blocks []*blockfile.BlockFile) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.Name()
	}
	return out
}

func aliasItems(blocks []*blockfile.BlockFile) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		src, _ := b.AliasSource()
		out[i] = fmt.Sprintf("%s -> %s", b.Name(), src.Path)
	}
	return out
}
