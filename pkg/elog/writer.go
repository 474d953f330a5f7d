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
	"bufio"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/jrivets/log4g"
	"github.com/pkg/errors"
)

type (
	// Writer appends event lines to the data file. There is exactly one
	// Writer per collection; the collection serializes Append calls with its
	// writer mutex, so the id returned by Append always matches the order of
	// the lines in the file.
	//
	// Every granularity-th line the writer emits an index update through a
	// channel to the index sink goroutine, which appends the entry to the
	// index file and publishes a new index snapshot.
	Writer struct {
		log   *Log
		fw    *fWriter
		lines uint64

		updCh  chan indexEntry
		done   chan struct{}
		closed int32
		failed int32

		logger log4g.Logger
	}
)

const (
	wrBufSize     = 16 * 4096
	updChCapacity = 16
)

// OpenWriter opens the append-positioned writer. The line counter is
// initialized by counting the lines currently in the data file.
func (l *Log) OpenWriter() (*Writer, error) {
	lines, err := l.countLines()
	if err != nil {
		return nil, err
	}

	fw, err := newFWriter(l.DataFilePath(), wrBufSize)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open writer for %s", l.DataFilePath())
	}

	w := new(Writer)
	w.log = l
	w.fw = fw
	w.lines = lines
	w.updCh = make(chan indexEntry, updChCapacity)
	w.done = make(chan struct{})
	w.logger = log4g.GetLogger("elog.writer").WithId("{" + l.name + "}").(log4g.Logger)

	go w.indexSink()
	return w, nil
}

// Append writes line plus the terminating newline, flushes it to the OS and
// returns the 1-based number of the line just written, which is the id of
// the event it holds.
func (w *Writer) Append(line string) (uint64, error) {
	if atomic.LoadInt32(&w.closed) != 0 || atomic.LoadInt32(&w.failed) != 0 {
		return 0, ErrWrongState
	}

	offset, err := w.fw.write([]byte(line))
	if err == nil {
		_, err = w.fw.write([]byte{'\n'})
	}
	if err == nil {
		err = w.fw.flush()
	}
	if err != nil {
		// a partial write leaves the tail unterminated; the next open
		// rebuilds the index and ignores the fragment
		w.logger.Error("Append failed, the writer is unusable. err=", err)
		atomic.StoreInt32(&w.failed, 1)
		return 0, errors.Wrapf(err, "could not append to %s", w.log.DataFilePath())
	}

	lines := atomic.AddUint64(&w.lines, 1)
	if lines%w.log.granularity == 0 {
		w.updCh <- indexEntry{line: lines, offset: offset}
	}
	return lines, nil
}

// Lines returns the number of lines written to the file so far, which is
// also the id of the last appended event.
func (w *Writer) Lines() uint64 {
	return atomic.LoadUint64(&w.lines)
}

// indexSink drains index updates, appends them to the index file and
// publishes the extended snapshot. Sink failures are logged; from then on
// only the in-memory snapshot is extended and the index file keeps the
// entries written before the failure.
func (w *Writer) indexSink() {
	defer close(w.done)

	f, err := os.OpenFile(w.log.IndexFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		w.logger.Error("Could not open index file for maintenance. err=", err)
		f = nil
	}

	for e := range w.updCh {
		w.log.idx.set(w.log.Index().withEntry(e.line, e.offset))
		if f == nil {
			continue
		}
		if _, err = fmt.Fprintf(f, "%d\t%d\n", e.line, e.offset); err != nil {
			w.logger.Error("Could not append index entry, giving up on the index file. err=", err)
			f.Close()
			f = nil
		}
	}

	if f != nil {
		f.Close()
	}
}

// Close flushes and closes the data file and stops the index sink. It is
// safe to call more than once.
func (w *Writer) Close() error {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		<-w.done
		return nil
	}
	close(w.updCh)
	<-w.done
	return w.fw.Close()
}

func (w *Writer) String() string {
	return fmt.Sprintf("{name=%s, lines=%d, closed=%d}", w.log.name, w.Lines(), atomic.LoadInt32(&w.closed))
}

// countLines scans the data file counting terminated lines.
func (l *Log) countLines() (uint64, error) {
	f, err := os.Open(l.DataFilePath())
	if err != nil {
		return 0, errors.Wrapf(err, "could not open %s", l.DataFilePath())
	}
	defer f.Close()

	var lines uint64
	br := bufio.NewReaderSize(f, frBufSize)
	for {
		_, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrapf(err, "could not count lines of %s", l.DataFilePath())
		}
		lines++
	}
	return lines, nil
}
