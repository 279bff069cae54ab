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
	"fmt"
	"path/filepath"
	"strconv"
)

// Block names are self-describing so that directory usage can be rebuilt
// from a list of names alone:
//
//	e TT MM SSS...   modern two-level name: top shard, mid shard, sequence
//	b NNNNN          legacy flat name, lives directly in the storage root
//	s XXXXXX         silent block, never on disk
const (
	modernPrefix = 'e'
	legacyPrefix = 'b'
	silentPrefix = 's'
)

// FormatName assembles a modern block name.
func FormatName(top, mid, seq int) string {
	return fmt.Sprintf("e%02x%02x%03x", top, mid, seq)
}

// FormatSilentName assembles the name of a Silent block.
func FormatSilentName(seq uint64) string {
	return fmt.Sprintf("s%06x", seq)
}

// ParseName extracts the shard position from a modern block name.
func ParseName(name string) (top, mid int, ok bool) {
	if len(name) < 6 || name[0] != modernPrefix {
		return 0, 0, false
	}
	t, err := strconv.ParseUint(name[1:3], 16, 8)
	if err != nil {
		return 0, 0, false
	}
	m, err := strconv.ParseUint(name[3:5], 16, 8)
	if err != nil {
		return 0, 0, false
	}
	if _, err := strconv.ParseUint(name[5:], 16, 32); err != nil {
		return 0, 0, false
	}
	return int(t), int(m), true
}

// IsLegacyName reports whether name uses the flat legacy scheme.
func IsLegacyName(name string) bool {
	if len(name) < 2 || name[0] != legacyPrefix {
		return false
	}
	_, err := strconv.ParseUint(name[1:], 10, 32)
	return err == nil
}

// IsSilentName reports whether name belongs to a Silent block.
func IsSilentName(name string) bool {
	return len(name) > 1 && name[0] == silentPrefix
}

// TopDir is the first-level shard directory name.
func TopDir(top int) string { return fmt.Sprintf("e%02x", top) }

// MidDir is the second-level shard directory name.
func MidDir(mid int) string { return fmt.Sprintf("d%02x", mid) }

// RelDir returns the directory holding name's files, relative to the
// storage root. Legacy and unparseable names live in the root itself.
func RelDir(name string) string {
	top, mid, ok := ParseName(name)
	if !ok {
		return ""
	}
	return filepath.Join(TopDir(top), MidDir(mid))
}

// FilePath returns the absolute path of one of name's files under root.
func FilePath(root, name, ext string) string {
	return filepath.Join(root, RelDir(name), name+ext)
}
