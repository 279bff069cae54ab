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
	"math/rand/v2"

	log "github.com/sirupsen/logrus"

	"blockfs/internal/blockfile"
)

const (
	// ShardCapacity bounds both the mid directories per top directory and
	// the blocks per mid directory.
	ShardCapacity = 256

	// midBatch is how many mid directories are opened at once when every
	// open one is full.
	midBatch = 32

	seqSpace         = 1 << 12
	overflowSeqSpace = 1 << 20
)

func midKey(top, mid int) int { return top<<8 | mid }

func splitKey(key int) (top, mid int) { return key >> 8, key & 0xff }

// Balancer keeps advisory fill counts for the two-level shard layout.
//
// Counts are bookkeeping only; they are never derived from directory
// listings. A loaded project rebuilds them by replaying AddName for every
// block name. Every key lives in exactly one of pool (fill < 256) or full
// (fill == 256). Files landing in an already full bucket, which only
// happens once the whole 256x256 space is exhausted, are counted in an
// overflow map so full buckets keep reading 256.
type Balancer struct {
	topPool map[int]int
	topFull map[int]int
	midPool map[int]int
	midFull map[int]int

	topOverflow map[int]int
	midOverflow map[int]int

	rng *rand.Rand

	// dynamited counts top buckets forced full after a bookkeeping fault.
	dynamited int
}

// NewBalancer returns a balancer for an empty storage root.
func NewBalancer(rng *rand.Rand) *Balancer {
	b := &Balancer{
		topPool:     make(map[int]int, ShardCapacity),
		topFull:     make(map[int]int),
		midPool:     make(map[int]int),
		midFull:     make(map[int]int),
		topOverflow: make(map[int]int),
		midOverflow: make(map[int]int),
		rng:         rng,
	}
	for top := 0; top < ShardCapacity; top++ {
		b.topPool[top] = 0
	}
	return b
}

// addMid records a new mid directory under top. It returns false when the
// mid directory is already known.
func (b *Balancer) addMid(top, key int) bool {
	if _, ok := b.midPool[key]; ok {
		return false
	}
	if _, ok := b.midFull[key]; ok {
		return false
	}
	b.midPool[key] = 0

	if _, ok := b.topFull[top]; ok {
		b.topOverflow[top]++
		return true
	}
	b.topPool[top]++
	if b.topPool[top] >= ShardCapacity {
		delete(b.topPool, top)
		b.topFull[top] = ShardCapacity
	}
	return true
}

// AddFile counts one more file in the bucket identified by key.
func (b *Balancer) AddFile(key int) {
	if c, ok := b.midPool[key]; ok {
		c++
		if c >= ShardCapacity {
			delete(b.midPool, key)
			b.midFull[key] = ShardCapacity
		} else {
			b.midPool[key] = c
		}
		return
	}
	if _, ok := b.midFull[key]; ok {
		b.midOverflow[key]++
		return
	}
	top, _ := splitKey(key)
	b.addMid(top, key)
	b.AddFile(key)
}

// AddName replays the bookkeeping for an existing block name. Names outside
// the two-level scheme are ignored.
func (b *Balancer) AddName(name string) bool {
	top, mid, ok := blockfile.ParseName(name)
	if !ok {
		return false
	}
	b.AddFile(midKey(top, mid))
	return true
}

// DelName undoes AddName. It reports whether the mid and top directories
// became empty and should be removed from disk.
func (b *Balancer) DelName(name string) (midEmpty, topEmpty bool) {
	top, mid, ok := blockfile.ParseName(name)
	if !ok {
		return false, false
	}
	key := midKey(top, mid)

	if n := b.midOverflow[key]; n > 0 {
		if n == 1 {
			delete(b.midOverflow, key)
		} else {
			b.midOverflow[key] = n - 1
		}
		return false, false
	}
	if _, ok := b.midFull[key]; ok {
		delete(b.midFull, key)
		b.midPool[key] = ShardCapacity - 1
		return false, false
	}
	c, ok := b.midPool[key]
	if !ok {
		return false, false
	}
	if c > 1 {
		b.midPool[key] = c - 1
		return false, false
	}
	// Dropping the key is fine: addMid brings it back when needed.
	delete(b.midPool, key)
	midEmpty = true

	if n := b.topOverflow[top]; n > 0 {
		if n == 1 {
			delete(b.topOverflow, top)
		} else {
			b.topOverflow[top] = n - 1
		}
		return midEmpty, false
	}
	if _, ok := b.topFull[top]; ok {
		delete(b.topFull, top)
		b.topPool[top] = ShardCapacity - 1
		return midEmpty, false
	}
	// Top entries are never dropped from the pool, only emptied.
	b.topPool[top]--
	if b.topPool[top] < 1 {
		b.topPool[top] = 0
		topEmpty = true
	}
	return midEmpty, topEmpty
}

// Candidate proposes the shard position and sequence of the next name. It
// may open new mid directories; it does not count the file, the caller
// does that with AddFile once the name is accepted.
func (b *Balancer) Candidate() (top, mid, seq int) {
	for len(b.midPool) == 0 && len(b.topPool) > 0 {
		top = lowestKey(b.topPool)
		opened := 0
		for m := 0; m < ShardCapacity && opened < midBatch; m++ {
			if b.addMid(top, midKey(top, m)) {
				opened++
			}
		}
		if len(b.midPool) == 0 {
			// Every mid under this top exists and is full, yet the top
			// claims room. Force it full so allocation cannot spin.
			delete(b.topPool, top)
			b.topFull[top] = ShardCapacity
			b.dynamited++
			log.Warnf("[Balancer] top shard %02x claimed free space but has none; marking it full", top)
		}
	}

	if len(b.midPool) == 0 {
		// 256x256 directories are full. Keep working with random
		// placement and a wider sequence space.
		return b.rng.IntN(ShardCapacity), b.rng.IntN(ShardCapacity), b.rng.IntN(overflowSeqSpace)
	}
	top, mid = splitKey(lowestKey(b.midPool))
	return top, mid, b.rng.IntN(seqSpace)
}

// Fill returns the recorded number of files in one mid bucket.
func (b *Balancer) Fill(top, mid int) int {
	key := midKey(top, mid)
	if c, ok := b.midPool[key]; ok {
		return c
	}
	if c, ok := b.midFull[key]; ok {
		return c + b.midOverflow[key]
	}
	return 0
}

// MidCounts returns the fill count of every known, non-empty mid bucket.
func (b *Balancer) MidCounts() map[int]int {
	out := make(map[int]int, len(b.midPool)+len(b.midFull))
	for k, c := range b.midPool {
		if c > 0 {
			out[k] = c
		}
	}
	for k, c := range b.midFull {
		out[k] = c + b.midOverflow[k]
	}
	return out
}

// Dynamited returns how many top buckets were forced full.
func (b *Balancer) Dynamited() int { return b.dynamited }

// Validate checks the pool/full invariants.
func (b *Balancer) Validate() error {
	for name, pair := range map[string][2]map[int]int{
		"top": {b.topPool, b.topFull},
		"mid": {b.midPool, b.midFull},
	} {
		pool, full := pair[0], pair[1]
		for k, c := range pool {
			if c < 0 || c >= ShardCapacity {
				return fmt.Errorf("%s pool %04x has fill %d", name, k, c)
			}
			if _, dup := full[k]; dup {
				return fmt.Errorf("%s key %04x is both pooled and full", name, k)
			}
		}
		for k, c := range full {
			if c != ShardCapacity {
				return fmt.Errorf("%s full %04x has fill %d", name, k, c)
			}
		}
	}
	return nil
}

func lowestKey(m map[int]int) int {
	first := true
	low := 0
	for k := range m {
		if first || k < low {
			low = k
			first = false
		}
	}
	return low
}
