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

import "blockfs/internal/blockfile"

// Handle owns exactly one reference to a block. Clone takes another
// reference; Release gives this one back and is safe to call twice.
type Handle struct {
	m        *Manager
	b        *blockfile.BlockFile
	released bool
}

// Adopt wraps a reference the caller already holds, such as the one
// returned by NewSimpleBlockFile or CopyBlockFile.
func (m *Manager) Adopt(b *blockfile.BlockFile) *Handle {
	return &Handle{m: m, b: b}
}

// Block returns the referenced block, or nil after Release.
func (h *Handle) Block() *blockfile.BlockFile {
	if h == nil || h.released {
		return nil
	}
	return h.b
}

// Clone returns a second handle to the same block.
func (h *Handle) Clone() (*Handle, error) {
	if err := h.m.Ref(h.b); err != nil {
		return nil, err
	}
	return &Handle{m: h.m, b: h.b}, nil
}

// Release drops the reference. The block is destroyed when this was the
// last one.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	return h.m.Deref(h.b)
}
