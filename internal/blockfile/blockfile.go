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

// Package blockfile implements the immutable unit of sample storage.
//
// A BlockFile is a closed variant over four kinds:
//   - Simple: sample data (.au) plus a summary (.auf), both inside the storage root
//   - Alias: a reference into an external audio file plus a local summary (.auf)
//   - Silent: a length only, nothing on disk
//   - Legacy: a single flat .abf file from older projects, read only
//
// The entity carries bookkeeping only (name, counts, flags, cached stats).
// Disk access goes through Store, which knows the storage layout and codec.
// Whether a block is destroyed when its count reaches zero is decided by the
// owner (the dirmanager), never by the block itself.
package blockfile

import "fmt"

// Kind discriminates the BlockFile variants.
type Kind int

const (
	KindSimple Kind = iota
	KindAlias
	KindSilent
	KindLegacy
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindAlias:
		return "alias"
	case KindSilent:
		return "silent"
	case KindLegacy:
		return "legacy"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "simple":
		return KindSimple, nil
	case "alias":
		return KindAlias, nil
	case "silent":
		return KindSilent, nil
	case "legacy":
		return KindLegacy, nil
	}
	return 0, fmt.Errorf("unknown block kind %q", s)
}

// AliasSource locates the external samples an Alias block stands for.
type AliasSource struct {
	Path    string
	Channel int
	Start   int64
}

// BlockFile is one immutable block of samples.
type BlockFile struct {
	name    string
	kind    Kind
	refs    int
	locked  bool
	length  int64
	format  SampleFormat
	summary Summary

	// Set by the consistency checker: reads return silence for the rest of
	// the session without touching disk.
	silenced bool

	alias *AliasSource // KindAlias only
}

// NewSimple returns a Simple block entity. Files are written by Store.
func NewSimple(name string, length int64, format SampleFormat, summary Summary) *BlockFile {
	return &BlockFile{name: name, kind: KindSimple, length: length, format: format, summary: summary}
}

// NewAlias returns an Alias block entity over src.
func NewAlias(name string, src AliasSource, length int64, summary Summary) *BlockFile {
	return &BlockFile{
		name:    name,
		kind:    KindAlias,
		length:  length,
		format:  FormatFloat32,
		summary: summary,
		alias:   &src,
	}
}

// NewSilent returns a Silent block of length samples.
func NewSilent(name string, length int64) *BlockFile {
	return &BlockFile{name: name, kind: KindSilent, length: length, format: FormatFloat32}
}

// NewLegacy returns a Legacy block entity read from an old project.
func NewLegacy(name string, length int64, format SampleFormat, summary Summary) *BlockFile {
	return &BlockFile{name: name, kind: KindLegacy, length: length, format: format, summary: summary}
}

// Name is the block identifier and the stem of its file names.
func (b *BlockFile) Name() string { return b.name }

func (b *BlockFile) Kind() Kind { return b.kind }

// Length is the number of samples in the block.
func (b *BlockFile) Length() int64 { return b.length }

func (b *BlockFile) Format() SampleFormat { return b.format }

// Summary returns the cached whole-block statistics.
func (b *BlockFile) Summary() Summary { return b.summary }

// Lock marks the block as committed to a saved state. Locked blocks are
// copied rather than moved and keep their files when released.
func (b *BlockFile) Lock() { b.locked = true }

func (b *BlockFile) Unlock() { b.locked = false }

func (b *BlockFile) IsLocked() bool { return b.locked }

func (b *BlockFile) IsAlias() bool { return b.kind == KindAlias }

// AliasSource returns the external reference of an Alias block.
func (b *BlockFile) AliasSource() (AliasSource, bool) {
	if b.kind != KindAlias || b.alias == nil {
		return AliasSource{}, false
	}
	return *b.alias, true
}

// SetAliasPath repoints an Alias block at a renamed source file.
func (b *BlockFile) SetAliasPath(path string) {
	if b.alias != nil {
		b.alias.Path = path
	}
}

// RefCount returns the number of slots holding the block.
func (b *BlockFile) RefCount() int { return b.refs }

// Ref increments the count and returns the new value.
func (b *BlockFile) Ref() int {
	b.refs++
	return b.refs
}

// Deref decrements the count and returns the new value. The count never
// goes below zero.
func (b *BlockFile) Deref() int {
	if b.refs > 0 {
		b.refs--
	}
	return b.refs
}

// IsSilenced reports whether reads were redirected to silence for this session.
func (b *BlockFile) IsSilenced() bool { return b.silenced }

// SilenceForSession makes every subsequent read return silence. Nothing on
// disk changes, so the problem shows up again on the next check.
func (b *BlockFile) SilenceForSession() { b.silenced = true }

// BecomeSilent converts the block in place into a Silent block of the same
// name and length. Slots holding the entity see the change immediately.
func (b *BlockFile) BecomeSilent() {
	b.kind = KindSilent
	b.alias = nil
	b.summary = Summary{}
	b.format = FormatFloat32
	b.silenced = false
}

func (b *BlockFile) setSummary(s Summary) { b.summary = s }

func (b *BlockFile) String() string {
	return fmt.Sprintf("%s(%s, %d samples, refs=%d)", b.name, b.kind, b.length, b.refs)
}
