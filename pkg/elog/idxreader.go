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
	"io"

	"github.com/pkg/errors"
)

type (
	// IndexedReader is an independent read handle over the data file, able
	// to position itself at a line number using the sparse index: it seeks
	// to the closest recorded offset at or below the target and scans
	// forward counting newlines, at most granularity-1 lines.
	//
	// The reader holds an index snapshot and a file size snapshot. Both are
	// advanced together by Refresh, between scan cycles; during one cycle
	// the view of the file is immutable.
	IndexedReader struct {
		log  *Log
		fr   *fReader
		idx  *LinesIndex
		line uint64 // number of the line the next ReadLine returns
	}
)

// OpenIndexedReader opens a reader positioned at the first line, attached to
// the current index snapshot.
func (l *Log) OpenIndexedReader() (*IndexedReader, error) {
	fr, err := newFReader(l.DataFilePath(), frBufSize)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open reader for %s", l.DataFilePath())
	}
	return &IndexedReader{log: l, fr: fr, idx: l.Index(), line: 1}, nil
}

// SeekLine positions the reader so that the next ReadLine returns line n.
// Values 0 and 1 both mean the start of the file. Seeking at or past the end
// of the file is not an error; the following ReadLine reports io.EOF.
func (r *IndexedReader) SeekLine(n uint64) error {
	if n < 1 {
		n = 1
	}
	if n == r.line {
		return nil
	}

	from, offset := r.idx.FloorOffset(n)
	if n >= r.line && r.line > from {
		// already past the index entry, keep scanning forward from here
		from = r.line
	} else {
		if err := r.fr.seek(offset); err != nil {
			return errors.Wrapf(err, "could not seek %s to line %d", r.log.name, n)
		}
		r.line = from
	}

	for r.line < n {
		if _, err := r.fr.readLine(); err != nil {
			if err == io.EOF {
				// n is beyond the snapshot; the reader stays at the real
				// end and the following ReadLine reports io.EOF
				return nil
			}
			return err
		}
		r.line++
	}
	return nil
}

// ReadLine returns the current line number and its text, advancing the
// reader. io.EOF is returned at the end of the size snapshot; the returned
// text is valid until the next call.
func (r *IndexedReader) ReadLine() (uint64, string, error) {
	text, err := r.fr.readLine()
	if err != nil {
		return 0, "", err
	}
	n := r.line
	r.line++
	return n, string(text), nil
}

// Refresh advances the reader's view to the current index snapshot and data
// file size.
func (r *IndexedReader) Refresh() error {
	r.idx = r.log.Index()
	return r.fr.refresh()
}

func (r *IndexedReader) Close() error {
	return r.fr.Close()
}

func (r *IndexedReader) String() string {
	return fmt.Sprintf("{name=%s, line=%d, fr=%s}", r.log.name, r.line, r.fr)
}
