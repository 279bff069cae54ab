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

// Package sequence is the block array: an ordered list of slots, each
// holding one reference to a block. Edits never modify a block in place;
// they build new blocks and release the old slots, so a Clone taken
// before an edit keeps seeing the old content.
package sequence

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"blockfs/internal/blockfile"
	"blockfs/internal/dirmanager"
)

// DefaultMaxBlockSamples caps the length of blocks created by Append.
const DefaultMaxBlockSamples = 1 << 18

// ErrRange is returned for positions outside the sequence.
var ErrRange = errors.New("range outside sequence")

// Sequence is not safe for concurrent use.
type Sequence struct {
	m        *dirmanager.Manager
	maxBlock int64
	format   blockfile.SampleFormat
	slots    []*dirmanager.Handle
}

// New returns an empty sequence storing new blocks in format.
func New(m *dirmanager.Manager, maxBlock int64, format blockfile.SampleFormat) *Sequence {
	if maxBlock <= 0 {
		maxBlock = DefaultMaxBlockSamples
	}
	if format == 0 {
		format = blockfile.FormatFloat32
	}
	return &Sequence{m: m, maxBlock: maxBlock, format: format}
}

// Restore rebuilds a sequence from saved tags, taking one reference per
// slot. On error every reference taken so far is released.
func Restore(m *dirmanager.Manager, maxBlock int64, format blockfile.SampleFormat, tags []dirmanager.BlockTag) (*Sequence, error) {
	s := New(m, maxBlock, format)
	for i, tag := range tags {
		b, err := m.LoadBlock(tag)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("slot %d: %w", i, err), s.Release())
		}
		s.slots = append(s.slots, m.Adopt(b))
	}
	return s, nil
}

// Tags describes every slot, in order.
func (s *Sequence) Tags() []dirmanager.BlockTag {
	tags := make([]dirmanager.BlockTag, len(s.slots))
	for i, h := range s.slots {
		tags[i] = s.m.WriteTag(h.Block())
	}
	return tags
}

// Len is the total sample count.
func (s *Sequence) Len() int64 {
	var n int64
	for _, h := range s.slots {
		n += h.Block().Length()
	}
	return n
}

// Blocks returns the block in each slot. A shared block appears once per
// slot.
func (s *Sequence) Blocks() []*blockfile.BlockFile {
	out := make([]*blockfile.BlockFile, len(s.slots))
	for i, h := range s.slots {
		out[i] = h.Block()
	}
	return out
}

// Append stores samples as new blocks at the end.
func (s *Sequence) Append(samples []float32) error {
	for len(samples) > 0 {
		n := min(int64(len(samples)), s.maxBlock)
		b, err := s.m.NewSimpleBlockFile(samples[:n], s.format)
		if err != nil {
			return err
		}
		s.slots = append(s.slots, s.m.Adopt(b))
		samples = samples[n:]
	}
	return nil
}

// AppendBlock adds a block the caller holds a reference to. The sequence
// takes over that reference.
func (s *Sequence) AppendBlock(b *blockfile.BlockFile) {
	s.slots = append(s.slots, s.m.Adopt(b))
}

// AppendSilence adds n samples of silence as a single Silent block.
func (s *Sequence) AppendSilence(n int64) {
	if n > 0 {
		s.AppendBlock(s.m.NewSilentBlockFile(n))
	}
}

// Get reads n samples from start. Blocks whose data is missing read as
// silence.
func (s *Sequence) Get(start, n int64) ([]float32, error) {
	if start < 0 || n < 0 || start+n > s.Len() {
		return nil, fmt.Errorf("get [%d,+%d) of %d: %w", start, n, s.Len(), ErrRange)
	}
	out := make([]float32, 0, n)
	var pos int64
	for _, h := range s.slots {
		b := h.Block()
		end := pos + b.Length()
		if end > start && pos < start+n {
			from := max(start, pos) - pos
			to := min(start+n, end) - pos
			samples, missing, err := s.m.ReadData(b, from, to-from)
			if err != nil {
				return nil, err
			}
			if missing {
				log.Debugf("[Sequence] %s has no data, reading silence", b.Name())
			}
			out = append(out, samples...)
		}
		pos = end
	}
	return out, nil
}

// Copy returns a new sequence with the samples in [start, start+n).
// Whole blocks are shared through the registry; partial edges are
// re-encoded into new blocks.
func (s *Sequence) Copy(start, n int64) (*Sequence, error) {
	if start < 0 || n < 0 || start+n > s.Len() {
		return nil, fmt.Errorf("copy [%d,+%d) of %d: %w", start, n, s.Len(), ErrRange)
	}
	out := New(s.m, s.maxBlock, s.format)
	var pos int64
	for _, h := range s.slots {
		b := h.Block()
		end := pos + b.Length()
		if end > start && pos < start+n {
			from := max(start, pos) - pos
			to := min(start+n, end) - pos
			var err error
			if from == 0 && to == b.Length() {
				var c *blockfile.BlockFile
				if c, err = s.m.CopyBlockFile(b); err == nil {
					out.AppendBlock(c)
				}
			} else {
				err = out.appendPart(b, from, to)
			}
			if err != nil {
				return nil, errors.Join(err, out.Release())
			}
		}
		pos = end
	}
	return out, nil
}

// appendPart appends samples [from, to) of b as a new block.
func (s *Sequence) appendPart(b *blockfile.BlockFile, from, to int64) error {
	if b.Kind() == blockfile.KindSilent {
		s.AppendSilence(to - from)
		return nil
	}
	samples, _, err := s.m.ReadData(b, from, to-from)
	if err != nil {
		return err
	}
	format := b.Format()
	if format == 0 {
		format = s.format
	}
	c, err := s.m.NewSimpleBlockFile(samples, format)
	if err != nil {
		return err
	}
	s.AppendBlock(c)
	return nil
}

// split makes at a slot boundary and returns the index of the slot that
// starts there.
func (s *Sequence) split(at int64) (int, error) {
	var pos int64
	for i, h := range s.slots {
		if pos == at {
			return i, nil
		}
		b := h.Block()
		end := pos + b.Length()
		if at < end {
			part := New(s.m, s.maxBlock, s.format)
			if err := part.appendPart(b, 0, at-pos); err != nil {
				return 0, err
			}
			if err := part.appendPart(b, at-pos, b.Length()); err != nil {
				return 0, errors.Join(err, part.Release())
			}
			if err := h.Release(); err != nil {
				return 0, errors.Join(err, part.Release())
			}
			s.slots = append(s.slots[:i], append(part.slots, s.slots[i+1:]...)...)
			return i + 1, nil
		}
		pos = end
	}
	if pos == at {
		return len(s.slots), nil
	}
	return 0, fmt.Errorf("split at %d of %d: %w", at, pos, ErrRange)
}

// Paste inserts a copy of other at position at. other is left unchanged.
func (s *Sequence) Paste(at int64, other *Sequence) error {
	if at < 0 || at > s.Len() {
		return fmt.Errorf("paste at %d of %d: %w", at, s.Len(), ErrRange)
	}
	if other.m != s.m {
		return fmt.Errorf("paste across managers: %w", ErrRange)
	}
	inserted := make([]*dirmanager.Handle, 0, len(other.slots))
	for _, h := range other.slots {
		c, err := s.m.CopyBlockFile(h.Block())
		if err != nil {
			for _, done := range inserted {
				err = errors.Join(err, done.Release())
			}
			return err
		}
		inserted = append(inserted, s.m.Adopt(c))
	}
	i, err := s.split(at)
	if err != nil {
		for _, done := range inserted {
			err = errors.Join(err, done.Release())
		}
		return err
	}
	s.slots = append(s.slots[:i], append(inserted, s.slots[i:]...)...)
	return nil
}

// Delete removes the samples in [start, start+n).
func (s *Sequence) Delete(start, n int64) error {
	if start < 0 || n < 0 || start+n > s.Len() {
		return fmt.Errorf("delete [%d,+%d) of %d: %w", start, n, s.Len(), ErrRange)
	}
	if n == 0 {
		return nil
	}
	first, err := s.split(start)
	if err != nil {
		return err
	}
	last, err := s.split(start + n)
	if err != nil {
		return err
	}
	var errs []error
	for _, h := range s.slots[first:last] {
		errs = append(errs, h.Release())
	}
	s.slots = append(s.slots[:first], s.slots[last:]...)
	return errors.Join(errs...)
}

// Clone returns an independent sequence sharing every block.
func (s *Sequence) Clone() (*Sequence, error) {
	out := New(s.m, s.maxBlock, s.format)
	for _, h := range s.slots {
		c, err := h.Clone()
		if err != nil {
			return nil, errors.Join(err, out.Release())
		}
		out.slots = append(out.slots, c)
	}
	return out, nil
}

// Release gives back every slot's reference. The sequence is empty
// afterwards.
func (s *Sequence) Release() error {
	var errs []error
	for _, h := range s.slots {
		errs = append(errs, h.Release())
	}
	s.slots = nil
	return errors.Join(errs...)
}
