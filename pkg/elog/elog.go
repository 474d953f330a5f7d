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

// Package elog implements the persistent part of a collection: the
// append-only data file where every line is one event, and the sparse line
// index sidecar which maps every granularity-th line number to the byte
// offset where the line starts.
//
// Exactly one Writer exists per data file; any number of readers may run
// concurrently, each with its own file handle and buffer. Index snapshots
// are immutable and replaced atomically, so the reader path takes no locks.
package elog

import (
	"bufio"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jrivets/log4g"
	"github.com/pkg/errors"
)

type (
	// Log is the data+index file pair of one collection.
	Log struct {
		dir         string
		name        string
		granularity uint64

		idx    atomicIndex
		logger log4g.Logger
	}
)

var (
	ErrWrongState  = fmt.Errorf("wrong state, probably already closed")
	ErrWrongOffset = fmt.Errorf("the requested offset is out of the file limits")
)

const idxWriterBufSize = 4096

// Open opens or creates the data and index files of the collection name in
// dir. A missing, unparseable or stale index file is rebuilt by scanning the
// data file.
func Open(dir, name string, granularity uint64) (*Log, error) {
	if granularity < 1 {
		return nil, errors.Errorf("index granularity must be positive, got %d", granularity)
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0740); err != nil {
			return nil, errors.Wrapf(err, "could not create data directory %s", dir)
		}
	}

	l := new(Log)
	l.dir = dir
	l.name = name
	l.granularity = granularity
	l.logger = log4g.GetLogger("elog").WithId("{" + name + "}").(log4g.Logger)

	f, err := os.OpenFile(l.DataFilePath(), os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open data file %s", l.DataFilePath())
	}
	f.Close()

	ix, err := l.RestoreIndex()
	if err != nil {
		return nil, err
	}
	l.idx.set(ix)
	return l, nil
}

// DataFilePath returns the path of the append-only data file.
func (l *Log) DataFilePath() string {
	return filepath.Join(l.dir, l.name+".log")
}

// IndexFilePath returns the path of the index sidecar.
func (l *Log) IndexFilePath() string {
	return filepath.Join(l.dir, l.name+".index")
}

// Name returns the collection name the log belongs to.
func (l *Log) Name() string {
	return l.name
}

// Index returns the current index snapshot.
func (l *Log) Index() *LinesIndex {
	return l.idx.get()
}

// Size returns the current data file size in bytes.
func (l *Log) Size() (int64, error) {
	fi, err := os.Stat(l.DataFilePath())
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ComputeIndex rebuilds the index by scanning the data file, recording the
// byte offset of every granularity-th line. The result is a function of the
// data file alone.
func (l *Log) ComputeIndex() (*LinesIndex, error) {
	f, err := os.Open(l.DataFilePath())
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s for index rebuild", l.DataFilePath())
	}
	defer f.Close()

	ix := newLinesIndex(l.granularity)
	br := bufio.NewReaderSize(f, frBufSize)

	var line uint64
	var offset, lineStart int64
	for {
		frag, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			offset += int64(len(frag))
			continue
		}
		if err == io.EOF {
			// an unterminated tail is an unfinished write, not a line
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "index rebuild failed reading %s", l.DataFilePath())
		}
		line++
		offset += int64(len(frag))
		if line%l.granularity == 0 {
			ix = ix.withEntry(line, lineStart)
		}
		lineStart = offset
	}
	return ix, nil
}

// RestoreIndex reads the index file and validates it against the data file.
// On I/O or parse failure, or when the index disagrees with the data file
// (truncation, granularity change), it falls back to ComputeIndex and
// persists the result.
func (l *Log) RestoreIndex() (*LinesIndex, error) {
	ix, err := l.readIndexFile()
	if err == nil {
		size, serr := l.Size()
		if serr == nil && ix.wellFormed(size) {
			return ix, nil
		}
		err = errors.Errorf("index of %s is stale", l.name)
	}

	l.logger.Info("Rebuilding index: ", err)
	ix, err = l.ComputeIndex()
	if err != nil {
		return nil, err
	}
	if err = l.PersistIndex(ix); err != nil {
		return nil, err
	}
	return ix, nil
}

func (l *Log) readIndexFile() (*LinesIndex, error) {
	data, err := ioutil.ReadFile(l.IndexFilePath())
	if err != nil {
		return nil, err
	}

	ix := newLinesIndex(l.granularity)
	for _, ln := range strings.Split(string(data), "\n") {
		if ln == "" {
			continue
		}
		fields := strings.SplitN(ln, "\t", 2)
		if len(fields) != 2 {
			return nil, errors.Errorf("malformed index line %q", ln)
		}
		line, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed index line number %q", fields[0])
		}
		offset, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed index offset %q", fields[1])
		}
		if last, ok := ix.lastEntry(); ok && line <= last.line {
			return nil, errors.Errorf("index lines out of order at %q", ln)
		}
		ix = ix.withEntry(line, offset)
	}
	return ix, nil
}

// PersistIndex writes the index file atomically: the entries go to a temp
// file which is then renamed over the index path.
func (l *Log) PersistIndex(ix *LinesIndex) error {
	tmp := l.IndexFilePath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return errors.Wrapf(err, "could not create %s", tmp)
	}

	bw := bufio.NewWriterSize(f, idxWriterBufSize)
	for i := range ix.lines {
		fmt.Fprintf(bw, "%d\t%d\n", ix.lines[i], ix.offsets[i])
	}
	if err = bw.Flush(); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "could not write %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, l.IndexFilePath()), "could not rename %s", tmp)
}

// Remove deletes both files. The caller must have closed the writer and all
// readers before.
func (l *Log) Remove() error {
	l.logger.Info("Removing log files")
	err := os.Remove(l.DataFilePath())
	if ierr := os.Remove(l.IndexFilePath()); err == nil {
		err = ierr
	}
	return err
}

func (l *Log) String() string {
	return fmt.Sprintf("{name=%s, dir=%s, granularity=%d, idx=%s}", l.name, l.dir, l.granularity, l.Index())
}
