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

package blockfile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	billyutil "github.com/go-git/go-billy/v5/util"

	"blockfs/internal/common"
)

const (
	dirPerm     = 0o755
	filePerm    = 0o644
	createFlags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
)

// Store performs block I/O under a storage root.
type Store struct {
	FS    billy.Filesystem
	Codec Codec
}

// NewStore returns a Store. A nil codec selects RawCodec.
func NewStore(fsys billy.Filesystem, codec Codec) *Store {
	if codec == nil {
		codec = RawCodec{Channels: 1}
	}
	return &Store{FS: fsys, Codec: codec}
}

// Health describes which of a block's backing files are missing.
type Health struct {
	DataMissing    bool
	SummaryMissing bool
	SourceMissing  bool
}

// OK reports whether nothing is missing.
func (h Health) OK() bool {
	return !h.DataMissing && !h.SummaryMissing && !h.SourceMissing
}

// Files lists the paths b owns under root.
func (s *Store) Files(root string, b *BlockFile) []string {
	switch b.kind {
	case KindSimple:
		return []string{FilePath(root, b.name, common.ExtData), FilePath(root, b.name, common.ExtSummary)}
	case KindAlias:
		return []string{FilePath(root, b.name, common.ExtSummary)}
	case KindSilent:
		return nil
	case KindLegacy:
		return []string{FilePath(root, b.name, common.ExtLegacy)}
	}
	return nil
}

// CreateSimple writes samples as a new Simple block called name.
func (s *Store) CreateSimple(root, name string, samples []float32, format SampleFormat) (*BlockFile, error) {
	data, err := s.Codec.Encode(samples, format)
	if err != nil {
		return nil, err
	}
	dataPath := FilePath(root, name, common.ExtData)
	if err := s.writeFile(dataPath, data); err != nil {
		return nil, err
	}
	sf := ComputeSummary(samples, format)
	if err := s.writeSummary(FilePath(root, name, common.ExtSummary), sf); err != nil {
		s.FS.Remove(dataPath)
		return nil, err
	}
	return NewSimple(name, int64(len(samples)), format, sf.Total), nil
}

// CreateAlias builds an Alias block over length frames of src. The source
// is read once to compute the local summary.
func (s *Store) CreateAlias(root, name string, src AliasSource, length int64) (*BlockFile, error) {
	samples, err := s.Codec.ReadSource(s.FS, src.Path, src.Channel, src.Start, length)
	if err != nil {
		return nil, err
	}
	sf := ComputeSummary(samples, FormatFloat32)
	if err := s.writeSummary(FilePath(root, name, common.ExtSummary), sf); err != nil {
		return nil, err
	}
	return NewAlias(name, src, length, sf.Total), nil
}

// ReadData reads n samples starting at start. Missing backing files are
// reported with an error wrapping common.ErrMissingData.
func (s *Store) ReadData(root string, b *BlockFile, start, n int64) ([]float32, error) {
	if start < 0 || n < 0 || start+n > b.length {
		return nil, fmt.Errorf("read %s: range [%d,%d) outside %d samples", b.name, start, start+n, b.length)
	}
	if b.silenced {
		return make([]float32, n), nil
	}
	switch b.kind {
	case KindSimple:
		data, err := s.readFile(FilePath(root, b.name, common.ExtData))
		if err != nil {
			return nil, err
		}
		samples, err := s.Codec.Decode(data, b.format)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", b.name, err)
		}
		if int64(len(samples)) < start+n {
			return nil, fmt.Errorf("read %s: data file holds %d samples: %w", b.name, len(samples), common.ErrMissingData)
		}
		return samples[start : start+n], nil
	case KindAlias:
		return s.Codec.ReadSource(s.FS, b.alias.Path, b.alias.Channel, b.alias.Start+start, n)
	case KindSilent:
		return make([]float32, n), nil
	case KindLegacy:
		data, err := s.readFile(FilePath(root, b.name, common.ExtLegacy))
		if err != nil {
			return nil, err
		}
		_, samples, err := parseLegacy(data)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", b.name, err)
		}
		if int64(len(samples)) < start+n {
			return nil, fmt.Errorf("read %s: %w", b.name, common.ErrMissingData)
		}
		return samples[start : start+n], nil
	}
	return nil, fmt.Errorf("read %s: unknown %s", b.name, b.kind)
}

// ReadDataOrSilence is ReadData with silence substituted for missing data.
// missing reports whether the substitution happened.
func (s *Store) ReadDataOrSilence(root string, b *BlockFile, start, n int64) (samples []float32, missing bool, err error) {
	samples, err = s.ReadData(root, b, start, n)
	if errors.Is(err, common.ErrMissingData) {
		return make([]float32, n), true, nil
	}
	return samples, false, err
}

// ReadSummary returns the block's fast-preview data.
func (s *Store) ReadSummary(root string, b *BlockFile) (*SummaryFile, error) {
	if b.silenced {
		return SilentSummary(b.length, b.format), nil
	}
	switch b.kind {
	case KindSimple, KindAlias:
		data, err := s.readFile(FilePath(root, b.name, common.ExtSummary))
		if err != nil {
			return nil, err
		}
		return decodeSummary(data)
	case KindSilent:
		return SilentSummary(b.length, b.format), nil
	case KindLegacy:
		data, err := s.readFile(FilePath(root, b.name, common.ExtLegacy))
		if err != nil {
			return nil, err
		}
		_, samples, err := parseLegacy(data)
		if err != nil {
			return nil, err
		}
		return ComputeSummary(samples, b.format), nil
	}
	return nil, fmt.Errorf("summary %s: unknown %s", b.name, b.kind)
}

// RegenerateSummary rebuilds the summary file from the block's data.
func (s *Store) RegenerateSummary(root string, b *BlockFile) error {
	var samples []float32
	var err error
	switch b.kind {
	case KindSimple:
		samples, err = s.ReadData(root, b, 0, b.length)
	case KindAlias:
		samples, err = s.Codec.ReadSource(s.FS, b.alias.Path, b.alias.Channel, b.alias.Start, b.length)
	case KindSilent, KindLegacy:
		return nil
	}
	if err != nil {
		return err
	}
	sf := ComputeSummary(samples, b.format)
	if err := s.writeSummary(FilePath(root, b.name, common.ExtSummary), sf); err != nil {
		return err
	}
	b.setSummary(sf.Total)
	return nil
}

// Recover replaces lost content with silence. Simple blocks get silent data
// and summary files; Alias blocks get a silent summary but keep pointing at
// their source; Legacy blocks become Silent since the legacy format is never
// written.
func (s *Store) Recover(root string, b *BlockFile) error {
	switch b.kind {
	case KindSimple:
		data, err := s.Codec.Encode(make([]float32, b.length), b.format)
		if err != nil {
			return err
		}
		if err := s.writeFile(FilePath(root, b.name, common.ExtData), data); err != nil {
			return err
		}
		if err := s.writeSummary(FilePath(root, b.name, common.ExtSummary), SilentSummary(b.length, b.format)); err != nil {
			return err
		}
	case KindAlias:
		if err := s.writeSummary(FilePath(root, b.name, common.ExtSummary), SilentSummary(b.length, b.format)); err != nil {
			return err
		}
	case KindSilent:
	case KindLegacy:
		b.BecomeSilent()
	}
	b.setSummary(Summary{})
	b.silenced = false
	return nil
}

// Duplicate copies b's content under root into a new block dstName under
// dstRoot. Legacy blocks come out as Simple blocks.
func (s *Store) Duplicate(root string, b *BlockFile, dstRoot, dstName string) (*BlockFile, error) {
	switch b.kind {
	case KindSimple:
		if err := s.copyFiles(root, b.name, dstRoot, dstName, common.ExtData, common.ExtSummary); err != nil {
			return nil, err
		}
		return NewSimple(dstName, b.length, b.format, b.summary), nil
	case KindAlias:
		if err := s.copyFiles(root, b.name, dstRoot, dstName, common.ExtSummary); err != nil {
			return nil, err
		}
		return NewAlias(dstName, *b.alias, b.length, b.summary), nil
	case KindSilent:
		return NewSilent(dstName, b.length), nil
	case KindLegacy:
		samples, err := s.ReadData(root, b, 0, b.length)
		if err != nil {
			return nil, err
		}
		return s.CreateSimple(dstRoot, dstName, samples, FormatFloat32)
	}
	return nil, fmt.Errorf("duplicate %s: unknown %s", b.name, b.kind)
}

// Check reports which backing files of b are missing. It never writes.
func (s *Store) Check(root string, b *BlockFile) (Health, error) {
	var h Health
	var err error
	switch b.kind {
	case KindSimple:
		if h.DataMissing, err = s.missing(FilePath(root, b.name, common.ExtData)); err != nil {
			return h, err
		}
		h.SummaryMissing, err = s.missing(FilePath(root, b.name, common.ExtSummary))
	case KindAlias:
		if h.SummaryMissing, err = s.missing(FilePath(root, b.name, common.ExtSummary)); err != nil {
			return h, err
		}
		h.SourceMissing, err = s.missing(b.alias.Path)
	case KindSilent:
	case KindLegacy:
		h.DataMissing, err = s.missing(FilePath(root, b.name, common.ExtLegacy))
	}
	return h, err
}

// Remove deletes b's files under root. Files that are already gone are
// not an error.
func (s *Store) Remove(root string, b *BlockFile) error {
	var firstErr error
	for _, p := range s.Files(root, b) {
		if err := s.FS.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return firstErr
}

// Exists reports whether path exists.
func (s *Store) Exists(path string) (bool, error) {
	missing, err := s.missing(path)
	return !missing, err
}

// CopyFile copies one file, creating the destination directory.
func (s *Store) CopyFile(src, dst string) error {
	in, err := s.FS.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()
	if err := s.FS.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	out, err := s.FS.OpenFile(dst, createFlags, filePerm)
	if err != nil {
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		s.FS.Remove(dst)
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

func (s *Store) copyFiles(root, name, dstRoot, dstName string, exts ...string) error {
	var done []string
	for _, ext := range exts {
		dst := FilePath(dstRoot, dstName, ext)
		if err := s.CopyFile(FilePath(root, name, ext), dst); err != nil {
			for _, p := range done {
				s.FS.Remove(p)
			}
			return err
		}
		done = append(done, dst)
	}
	return nil
}

func (s *Store) missing(path string) (bool, error) {
	_, err := s.FS.Stat(path)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	return false, err
}

func (s *Store) readFile(path string) ([]byte, error) {
	data, err := billyutil.ReadFile(s.FS, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, common.ErrMissingData)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (s *Store) writeFile(path string, data []byte) error {
	if err := s.FS.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := billyutil.WriteFile(s.FS, path, data, filePerm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *Store) writeSummary(path string, sf *SummaryFile) error {
	data, err := encodeSummary(sf)
	if err != nil {
		return fmt.Errorf("encode summary %s: %w", path, err)
	}
	return s.writeFile(path, data)
}
