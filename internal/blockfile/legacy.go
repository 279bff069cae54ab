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
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Legacy blocks come from projects written before the two-level layout.
// Each one is a single flat file in the storage root:
//
//	magic   [4]byte "BFSL"
//	version uint32
//	length  int64
//	min     float32
//	max     float32
//	rms     float32
//	samples [length]float32
//
// All fields are little-endian. The engine reads this format but never
// writes it; relocation and copies turn legacy blocks into Simple ones.
var legacyMagic = [4]byte{'B', 'F', 'S', 'L'}

const legacyHeaderSize = 4 + 4 + 8 + 3*4

// LegacyHeader is the fixed prefix of a legacy block file.
type LegacyHeader struct {
	Version uint32
	Length  int64
	Summary Summary
}

type legacyHeaderWire struct {
	Magic   [4]byte
	Version uint32
	Length  int64
	Min     float32
	Max     float32
	RMS     float32
}

// ParseLegacyHeader decodes the header of a legacy block file.
func ParseLegacyHeader(data []byte) (LegacyHeader, error) {
	if len(data) < legacyHeaderSize {
		return LegacyHeader{}, fmt.Errorf("legacy block: short header (%d bytes)", len(data))
	}
	var w legacyHeaderWire
	if err := binary.Read(bytes.NewReader(data[:legacyHeaderSize]), binary.LittleEndian, &w); err != nil {
		return LegacyHeader{}, fmt.Errorf("legacy block: %w", err)
	}
	if w.Magic != legacyMagic {
		return LegacyHeader{}, fmt.Errorf("legacy block: bad magic %q", w.Magic[:])
	}
	if w.Length < 0 {
		return LegacyHeader{}, fmt.Errorf("legacy block: negative length %d", w.Length)
	}
	return LegacyHeader{
		Version: w.Version,
		Length:  w.Length,
		Summary: Summary{Min: w.Min, Max: w.Max, RMS: w.RMS},
	}, nil
}

// parseLegacy decodes a whole legacy block file.
func parseLegacy(data []byte) (LegacyHeader, []float32, error) {
	hdr, err := ParseLegacyHeader(data)
	if err != nil {
		return hdr, nil, err
	}
	body := data[legacyHeaderSize:]
	if int64(len(body)) < hdr.Length*4 {
		return hdr, nil, fmt.Errorf("legacy block: truncated, want %d samples, have %d bytes", hdr.Length, len(body))
	}
	samples := make([]float32, hdr.Length)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return hdr, samples, nil
}
