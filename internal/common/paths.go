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

package common

import (
	"path/filepath"
	"strings"
)

// File extensions used inside a storage root.
const (
	ExtData    = ".au"  // Simple block sample data
	ExtSummary = ".auf" // Simple and Alias block summary
	ExtLegacy  = ".abf" // Legacy single-file block (read only)
)

// DataDirName returns the storage root directory name for a project name.
func DataDirName(projectName string) string {
	return projectName + "_data"
}

// StemOf strips the directory and extension from a block file path.
func StemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsBlockExt reports whether ext is one of the extensions owned by the engine.
func IsBlockExt(ext string) bool {
	switch ext {
	case ExtData, ExtSummary, ExtLegacy:
		return true
	}
	return false
}

// SplitExt splits "name-old1.wav" into ("name-old1", ".wav").
func SplitExt(path string) (string, string) {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext), ext
}
