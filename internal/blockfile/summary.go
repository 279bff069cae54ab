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
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// FrameSamples is the number of samples folded into one summary frame.
const FrameSamples = 256

const summaryVersion = 1

// Summary holds min/max/rms statistics over a run of samples.
type Summary struct {
	Min float32 `msgpack:"min"`
	Max float32 `msgpack:"max"`
	RMS float32 `msgpack:"rms"`
}

// SummaryFile is the on-disk fast-preview data for one block. Displays read
// it instead of the sample data.
type SummaryFile struct {
	Version int          `msgpack:"v"`
	Length  int64        `msgpack:"len"`
	Format  SampleFormat `msgpack:"fmt"`
	Total   Summary      `msgpack:"total"`
	Frames  []Summary    `msgpack:"frames"`
}

// ComputeSummary folds samples into whole-block and per-frame statistics.
func ComputeSummary(samples []float32, format SampleFormat) *SummaryFile {
	sf := &SummaryFile{
		Version: summaryVersion,
		Length:  int64(len(samples)),
		Format:  format,
		Total:   summarize(samples),
	}
	for off := 0; off < len(samples); off += FrameSamples {
		end := min(off+FrameSamples, len(samples))
		sf.Frames = append(sf.Frames, summarize(samples[off:end]))
	}
	return sf
}

// SilentSummary is the summary of length zero-valued samples.
func SilentSummary(length int64, format SampleFormat) *SummaryFile {
	frames := (length + FrameSamples - 1) / FrameSamples
	return &SummaryFile{
		Version: summaryVersion,
		Length:  length,
		Format:  format,
		Frames:  make([]Summary, frames),
	}
}

func summarize(samples []float32) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	s := Summary{Min: samples[0], Max: samples[0]}
	var sumsq float64
	for _, v := range samples {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sumsq += float64(v) * float64(v)
	}
	s.RMS = float32(math.Sqrt(sumsq / float64(len(samples))))
	return s
}

func encodeSummary(sf *SummaryFile) ([]byte, error) {
	return msgpack.Marshal(sf)
}

func decodeSummary(data []byte) (*SummaryFile, error) {
	var sf SummaryFile
	if err := msgpack.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	if sf.Version != summaryVersion {
		return nil, fmt.Errorf("unsupported summary version %d", sf.Version)
	}
	return &sf, nil
}
