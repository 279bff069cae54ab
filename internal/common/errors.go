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

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrIO          = errors.New("I/O error")
	ErrMissingData = errors.New("block data missing")
	ErrLocked      = errors.New("block is locked")
	ErrCorruptTag  = errors.New("corrupt block tag")
	ErrClosed      = errors.New("closed")
	ErrProjectBusy = errors.New("project is open in another process")

	// ErrNeedsFSCK marks a failed rollback: the storage root may hold
	// partially relocated files and should be checked before further use.
	ErrNeedsFSCK = errors.New("storage inconsistent, consistency check required")
)
