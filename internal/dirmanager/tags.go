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
	"strconv"

	"blockfs/internal/blockfile"
	"blockfs/internal/common"
)

// BlockTag is the serialized form of one block reference: identifier and
// metadata only, never sample data.
type BlockTag struct {
	Name      string
	Kind      blockfile.Kind
	Length    int64
	Format    blockfile.SampleFormat
	Min       float32
	Max       float32
	RMS       float32
	AliasPath string
	Channel   int
	Start     int64
}

// WriteTag describes b for a project file.
func (m *Manager) WriteTag(b *blockfile.BlockFile) BlockTag {
	s := b.Summary()
	tag := BlockTag{
		Name:   b.Name(),
		Kind:   b.Kind(),
		Length: b.Length(),
		Format: b.Format(),
		Min:    s.Min,
		Max:    s.Max,
		RMS:    s.RMS,
	}
	if src, ok := b.AliasSource(); ok {
		tag.AliasPath = src.Path
		tag.Channel = src.Channel
		tag.Start = src.Start
	}
	return tag
}

// LoadBlock returns the block a tag describes, taking one reference for the
// slot being loaded. A name seen before returns the registered entity;
// otherwise the block is constructed and its name replayed into the
// balancer. Disk content is not checked here; that is the consistency
// checker's job.
func (m *Manager) LoadBlock(tag BlockTag) (*blockfile.BlockFile, error) {
	if b, ok := m.blocks[tag.Name]; ok {
		if b.Kind() != tag.Kind || b.Length() != tag.Length {
			return nil, fmt.Errorf("tag %s (%s, %d) disagrees with loaded block %s: %w",
				tag.Name, tag.Kind, tag.Length, b, common.ErrCorruptTag)
		}
		b.Ref()
		return b, nil
	}

	if err := validateTag(tag); err != nil {
		return nil, err
	}
	summary := blockfile.Summary{Min: tag.Min, Max: tag.Max, RMS: tag.RMS}
	var b *blockfile.BlockFile
	switch tag.Kind {
	case blockfile.KindSimple:
		b = blockfile.NewSimple(tag.Name, tag.Length, tag.Format, summary)
	case blockfile.KindAlias:
		src := blockfile.AliasSource{Path: filepath.Clean(tag.AliasPath), Channel: tag.Channel, Start: tag.Start}
		b = blockfile.NewAlias(tag.Name, src, tag.Length, summary)
	case blockfile.KindSilent:
		b = blockfile.NewSilent(tag.Name, tag.Length)
		if blockfile.IsSilentName(tag.Name) {
			if seq, err := strconv.ParseUint(tag.Name[1:], 16, 64); err == nil && seq > m.silentSeq {
				m.silentSeq = seq
			}
		}
	case blockfile.KindLegacy:
		b = blockfile.NewLegacy(tag.Name, tag.Length, tag.Format, summary)
	}

	m.balancer.AddName(tag.Name)
	m.register(b)
	return b, nil
}

func validateTag(tag BlockTag) error {
	if tag.Length < 0 {
		return fmt.Errorf("tag %s: negative length: %w", tag.Name, common.ErrCorruptTag)
	}
	_, _, modern := blockfile.ParseName(tag.Name)
	var ok bool
	switch tag.Kind {
	case blockfile.KindSimple:
		ok = modern
	case blockfile.KindAlias:
		ok = modern && tag.AliasPath != ""
	case blockfile.KindSilent:
		// Blocks silenced by a repair keep their original shard name.
		ok = modern || blockfile.IsSilentName(tag.Name) || blockfile.IsLegacyName(tag.Name)
	case blockfile.KindLegacy:
		ok = blockfile.IsLegacyName(tag.Name)
	}
	if !ok {
		return fmt.Errorf("tag %q of kind %s: %w", tag.Name, tag.Kind, common.ErrCorruptTag)
	}
	return nil
}
