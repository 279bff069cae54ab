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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strings"

	"github.com/go-git/go-billy/v5"

	"blockfs/internal/common"
)

// SampleFormat is the on-disk width of one sample.
type SampleFormat int

const (
	FormatInt16 SampleFormat = iota + 1
	FormatInt24
	FormatFloat32
)

func (f SampleFormat) String() string {
	switch f {
	case FormatInt16:
		return "int16"
	case FormatInt24:
		return "int24"
	case FormatFloat32:
		return "float32"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// BytesPerSample is the encoded size of one sample.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatInt16:
		return 2
	case FormatInt24:
		return 3
	case FormatFloat32:
		return 4
	}
	return 0
}

// ParseFormat is the inverse of SampleFormat.String.
func ParseFormat(s string) (SampleFormat, error) {
	switch strings.ToLower(s) {
	case "int16":
		return FormatInt16, nil
	case "int24":
		return FormatInt24, nil
	case "float32", "":
		return FormatFloat32, nil
	}
	return 0, fmt.Errorf("unknown sample format %q", s)
}

// Codec converts between samples and bytes. Real audio codecs live outside
// the engine; they only need to satisfy this interface.
type Codec interface {
	Encode(samples []float32, format SampleFormat) ([]byte, error)
	Decode(data []byte, format SampleFormat) ([]float32, error)
	// ReadSource reads n frames of one channel from an external file,
	// starting at frame start.
	ReadSource(fsys billy.Filesystem, path string, channel int, start, n int64) ([]float32, error)
}

// RawCodec stores little-endian PCM and reads alias sources as interleaved
// little-endian float32 frames.
type RawCodec struct {
	Channels int
}

func (c RawCodec) channels() int {
	if c.Channels <= 0 {
		return 1
	}
	return c.Channels
}

func (RawCodec) Encode(samples []float32, format SampleFormat) ([]byte, error) {
	bps := format.BytesPerSample()
	if bps == 0 {
		return nil, fmt.Errorf("encode: unsupported %s", format)
	}
	out := make([]byte, len(samples)*bps)
	for i, v := range samples {
		p := out[i*bps:]
		switch format {
		case FormatInt16:
			binary.LittleEndian.PutUint16(p, uint16(int16(clamp(v)*math.MaxInt16)))
		case FormatInt24:
			x := int32(clamp(v) * (1<<23 - 1))
			p[0], p[1], p[2] = byte(x), byte(x>>8), byte(x>>16)
		case FormatFloat32:
			binary.LittleEndian.PutUint32(p, math.Float32bits(v))
		}
	}
	return out, nil
}

func (RawCodec) Decode(data []byte, format SampleFormat) ([]float32, error) {
	bps := format.BytesPerSample()
	if bps == 0 {
		return nil, fmt.Errorf("decode: unsupported %s", format)
	}
	if len(data)%bps != 0 {
		return nil, fmt.Errorf("decode: %d bytes is not a whole number of %s samples", len(data), format)
	}
	out := make([]float32, len(data)/bps)
	for i := range out {
		p := data[i*bps:]
		switch format {
		case FormatInt16:
			out[i] = float32(int16(binary.LittleEndian.Uint16(p))) / math.MaxInt16
		case FormatInt24:
			x := int32(p[0]) | int32(p[1])<<8 | int32(int8(p[2]))<<16
			out[i] = float32(x) / (1<<23 - 1)
		case FormatFloat32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p))
		}
	}
	return out, nil
}

func (c RawCodec) ReadSource(fsys billy.Filesystem, path string, channel int, start, n int64) ([]float32, error) {
	chans := c.channels()
	if channel < 0 || channel >= chans {
		return nil, fmt.Errorf("read %s: channel %d out of range", path, channel)
	}
	f, err := fsys.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("alias source %s: %w", path, common.ErrMissingData)
		}
		return nil, fmt.Errorf("open alias source %s: %w", path, err)
	}
	defer f.Close()

	frame := int64(chans) * 4
	buf := make([]byte, n*frame)
	if _, err := f.ReadAt(buf, start*frame); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("alias source %s is shorter than %d frames: %w", path, start+n, common.ErrMissingData)
		}
		return nil, fmt.Errorf("read alias source %s: %w", path, err)
	}
	out := make([]float32, n)
	for i := range out {
		off := int64(i)*frame + int64(channel)*4
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
	}
	return out, nil
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
