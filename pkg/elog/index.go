// Copyright 2019 The exar Authors
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

package elog

import (
	"fmt"
	"sort"
	"sync/atomic"
)

type (
	// LinesIndex is the sparse line index of a data file: for every
	// granularity-th line it records the byte offset where the line starts.
	//
	// A LinesIndex value is immutable. The writer produces updated snapshots
	// through withEntry and the Log publishes them with a copy-on-replace,
	// so readers can use a snapshot without any locking.
	LinesIndex struct {
		granularity uint64
		lines       []uint64
		offsets     []int64
	}

	indexEntry struct {
		line   uint64
		offset int64
	}

	// atomicIndex is the copy-on-replace slot holding the current snapshot.
	atomicIndex struct {
		v atomic.Value
	}
)

func (ai *atomicIndex) get() *LinesIndex {
	return ai.v.Load().(*LinesIndex)
}

func (ai *atomicIndex) set(ix *LinesIndex) {
	ai.v.Store(ix)
}

// newLinesIndex creates an empty index with the given granularity.
func newLinesIndex(granularity uint64) *LinesIndex {
	if granularity < 1 {
		granularity = 1
	}
	return &LinesIndex{granularity: granularity}
}

// Granularity returns the number of data-file lines between two consecutive
// index entries.
func (ix *LinesIndex) Granularity() uint64 {
	return ix.granularity
}

// Len returns the number of recorded entries.
func (ix *LinesIndex) Len() int {
	return len(ix.lines)
}

// FloorOffset returns the recorded line closest to, but not greater than,
// line, together with its byte offset. When no entry qualifies it returns
// line 1 at offset 0, the start of the file.
func (ix *LinesIndex) FloorOffset(line uint64) (uint64, int64) {
	i := sort.Search(len(ix.lines), func(i int) bool { return ix.lines[i] > line })
	if i == 0 {
		return 1, 0
	}
	return ix.lines[i-1], ix.offsets[i-1]
}

// lastEntry returns the highest recorded entry, ok=false for an empty index.
func (ix *LinesIndex) lastEntry() (indexEntry, bool) {
	if len(ix.lines) == 0 {
		return indexEntry{}, false
	}
	n := len(ix.lines) - 1
	return indexEntry{ix.lines[n], ix.offsets[n]}, true
}

// withEntry returns a new snapshot extended with the entry. Entries must
// arrive in ascending line order; anything else is a programming error on
// the writer path.
func (ix *LinesIndex) withEntry(line uint64, offset int64) *LinesIndex {
	if last, ok := ix.lastEntry(); ok && line <= last.line {
		panic(fmt.Sprintf("index entry for line %d after line %d", line, last.line))
	}
	ni := &LinesIndex{
		granularity: ix.granularity,
		lines:       make([]uint64, len(ix.lines), len(ix.lines)+1),
		offsets:     make([]int64, len(ix.offsets), len(ix.offsets)+1),
	}
	copy(ni.lines, ix.lines)
	copy(ni.offsets, ix.offsets)
	ni.lines = append(ni.lines, line)
	ni.offsets = append(ni.offsets, offset)
	return ni
}

// wellFormed checks that the entries are exactly the multiples of the
// granularity and that no entry points beyond the data file size. A restored
// index failing the check is discarded and rebuilt.
func (ix *LinesIndex) wellFormed(size int64) bool {
	for i, ln := range ix.lines {
		if ln != uint64(i+1)*ix.granularity {
			return false
		}
		if ix.offsets[i] >= size {
			return false
		}
		if i > 0 && ix.offsets[i] <= ix.offsets[i-1] {
			return false
		}
	}
	return true
}

func (ix *LinesIndex) String() string {
	return fmt.Sprintf("{granularity=%d, entries=%d}", ix.granularity, len(ix.lines))
}
