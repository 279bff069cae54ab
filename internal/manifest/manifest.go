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

// Package manifest persists a project's tracks and their block tags in a
// single SQLite file next to the project's data directory.
package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"blockfs/internal/common"
	"blockfs/internal/dirmanager"
	"blockfs/internal/util"
)

// Track is an ordered list of block tags. Each slot starts where the
// previous one ends.
type Track struct {
	Name   string
	Blocks []dirmanager.BlockTag
}

// Length is the total sample count of the track.
func (t Track) Length() int64 {
	var n int64
	for _, b := range t.Blocks {
		n += b.Length
	}
	return n
}

// File is an open manifest.
type File struct {
	path string
	db   *sql.DB
	bun  *bun.DB
}

// Create creates a new manifest at path. The file must not exist.
func Create(path string) (*File, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("manifest %s: %w", path, common.ErrExists)
	}

	db, err := sql.Open("libsql", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		os.Remove(path)
		return nil, err
	}
	if err := execStatements(db, manifestSchema, SchemaVersion); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Debugf("[Manifest] created %s", path)
	return &File{path: path, db: db, bun: bun.NewDB(db, sqlitedialect.New())}, nil
}

// Open opens an existing manifest.
func Open(path string) (*File, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("manifest %s: %w", path, common.ErrNotFound)
	}

	db, err := sql.Open("libsql", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	f := &File{path: path, db: db, bun: bun.NewDB(db, sqlitedialect.New())}
	fileType, err := f.GetMeta(context.Background(), "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != "manifest" {
		db.Close()
		return nil, fmt.Errorf("not a manifest (type=%q)", fileType)
	}
	return f, nil
}

// Path returns the manifest file path.
func (f *File) Path() string { return f.path }

// Close checkpoints the WAL and closes the database.
func (f *File) Close() error {
	if f.db == nil {
		return nil
	}
	// PRAGMA wal_checkpoint returns rows, so it goes through Query.
	rows, err := f.db.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		log.Warnf("[Manifest] WAL checkpoint failed: %v", err)
	} else {
		rows.Close()
	}
	if err := f.db.Close(); err != nil {
		return err
	}
	f.db = nil
	os.Remove(f.path + "-wal")
	os.Remove(f.path + "-shm")
	return nil
}

// GetMeta returns a schema_info value, or "" if the key is unset.
func (f *File) GetMeta(ctx context.Context, key string) (string, error) {
	return util.RetryWithResult(ctx, func() (string, error) {
		var info SchemaInfoModel
		err := f.bun.NewSelect().Model(&info).Where("key = ?", key).Scan(ctx)
		if err == sql.ErrNoRows {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return info.Value, nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// SetMeta upserts a schema_info value.
func (f *File) SetMeta(ctx context.Context, key, value string) error {
	return util.Retry(ctx, func() error {
		_, err := f.bun.NewInsert().
			Model(&SchemaInfoModel{Key: key, Value: value}).
			On("CONFLICT (key) DO UPDATE").
			Set("value = EXCLUDED.value").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

// Save replaces the stored tracks with tracks in one transaction.
func (f *File) Save(ctx context.Context, tracks []Track) error {
	trackRows := make([]TrackModel, 0, len(tracks))
	var slotRows []SlotModel
	for i, t := range tracks {
		id := int64(i + 1)
		trackRows = append(trackRows, TrackModel{ID: id, Name: t.Name})
		for pos, tag := range t.Blocks {
			slotRows = append(slotRows, slotFromTag(id, int64(pos), tag))
		}
	}

	err := util.Retry(ctx, func() error {
		return f.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewDelete().Model((*SlotModel)(nil)).Where("1 = 1").Exec(ctx); err != nil {
				return err
			}
			if _, err := tx.NewDelete().Model((*TrackModel)(nil)).Where("1 = 1").Exec(ctx); err != nil {
				return err
			}
			if len(trackRows) > 0 {
				if _, err := tx.NewInsert().Model(&trackRows).Exec(ctx); err != nil {
					return err
				}
			}
			if len(slotRows) > 0 {
				if _, err := tx.NewInsert().Model(&slotRows).Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("save manifest %s: %w", f.path, err)
	}
	log.Debugf("[Manifest] saved %d tracks, %d slots", len(trackRows), len(slotRows))
	return nil
}

// Load returns the stored tracks in order.
func (f *File) Load(ctx context.Context) ([]Track, error) {
	var trackRows []TrackModel
	if err := f.bun.NewSelect().Model(&trackRows).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load tracks: %w", err)
	}
	var slotRows []SlotModel
	if err := f.bun.NewSelect().Model(&slotRows).Order("track_id ASC", "position ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	tracks := make([]Track, len(trackRows))
	index := make(map[int64]int, len(trackRows))
	for i, row := range trackRows {
		tracks[i].Name = row.Name
		index[row.ID] = i
	}
	for i := range slotRows {
		idx, ok := index[slotRows[i].TrackID]
		if !ok {
			return nil, fmt.Errorf("slot for unknown track %d: %w", slotRows[i].TrackID, common.ErrCorruptTag)
		}
		tag, err := slotRows[i].ToTag()
		if err != nil {
			return nil, err
		}
		tracks[idx].Blocks = append(tracks[idx].Blocks, tag)
	}
	return tracks, nil
}
