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

package manifest

import (
	"fmt"

	"github.com/uptrace/bun"

	"blockfs/internal/blockfile"
	"blockfs/internal/common"
	"blockfs/internal/dirmanager"
)

// Bun ORM models for the manifest tables.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// TrackModel represents the tracks table
type TrackModel struct {
	bun.BaseModel `bun:"table:tracks"`

	ID   int64  `bun:"id,pk"`
	Name string `bun:"name,notnull"`
}

// SlotModel represents one block slot of a track. Position orders the
// slots; a block shared by several slots has several rows.
type SlotModel struct {
	bun.BaseModel `bun:"table:slots"`

	TrackID    int64   `bun:"track_id,pk"`
	Position   int64   `bun:"position,pk"`
	Block      string  `bun:"block,notnull"`
	Kind       string  `bun:"kind,notnull"`
	Length     int64   `bun:"length,notnull"`
	Format     string  `bun:"format,notnull"`
	Min        float32 `bun:"min,notnull"`
	Max        float32 `bun:"max,notnull"`
	RMS        float32 `bun:"rms,notnull"`
	AliasPath  string  `bun:"alias_path,notnull"`
	Channel    int     `bun:"channel,notnull"`
	AliasStart int64   `bun:"alias_start,notnull"`
}

func slotFromTag(trackID, pos int64, tag dirmanager.BlockTag) SlotModel {
	return SlotModel{
		TrackID:    trackID,
		Position:   pos,
		Block:      tag.Name,
		Kind:       tag.Kind.String(),
		Length:     tag.Length,
		Format:     formatString(tag.Format),
		Min:        tag.Min,
		Max:        tag.Max,
		RMS:        tag.RMS,
		AliasPath:  tag.AliasPath,
		Channel:    tag.Channel,
		AliasStart: tag.Start,
	}
}

// Silent blocks carry no format; they are stored as "".
func formatString(f blockfile.SampleFormat) string {
	if f == 0 {
		return ""
	}
	return f.String()
}

// ToTag converts a row back into a block tag.
func (m *SlotModel) ToTag() (dirmanager.BlockTag, error) {
	kind, err := blockfile.ParseKind(m.Kind)
	if err != nil {
		return dirmanager.BlockTag{}, fmt.Errorf("slot %d/%d: %v: %w", m.TrackID, m.Position, err, common.ErrCorruptTag)
	}
	var format blockfile.SampleFormat
	if m.Format != "" {
		if format, err = blockfile.ParseFormat(m.Format); err != nil {
			return dirmanager.BlockTag{}, fmt.Errorf("slot %d/%d: %v: %w", m.TrackID, m.Position, err, common.ErrCorruptTag)
		}
	}
	return dirmanager.BlockTag{
		Name:      m.Block,
		Kind:      kind,
		Length:    m.Length,
		Format:    format,
		Min:       m.Min,
		Max:       m.Max,
		RMS:       m.RMS,
		AliasPath: m.AliasPath,
		Channel:   m.Channel,
		Start:     m.AliasStart,
	}, nil
}
