package elog

import (
	"fmt"
	"io"
	"os"
)

type (
	// fReader is a buffered line reader over the data file with "smart"
	// seeking: a seek to an offset that is already in the buffer just moves
	// the read pointer instead of touching the file.
	//
	// The reader works against a size snapshot taken at open or on the last
	// refresh() call. It never returns bytes past the snapshot, so one scan
	// observes a consistent prefix of the file even while the writer keeps
	// appending behind it.
	fReader struct {
		filename string
		fd       *os.File
		pos      int64 // file offset of the byte right after the buffer
		size     int64 // size snapshot, the read limit

		buf []byte
		r   int // buf read position
		w   int // buf write position

		lineBuf []byte
	}
)

const frBufSize = 64 * 1024

func newFReader(filename string, bufSize int) (*fReader, error) {
	r := new(fReader)
	r.filename = filename
	r.buf = make([]byte, bufSize)
	r.lineBuf = make([]byte, 0, 256)

	var err error
	r.fd, err = os.OpenFile(filename, os.O_RDONLY, 0640)
	if err != nil {
		return nil, err
	}

	fi, err := r.fd.Stat()
	if err != nil {
		r.fd.Close()
		return nil, err
	}
	r.size = fi.Size()
	return r, nil
}

func (r *fReader) String() string {
	return fmt.Sprintf("{fn=%s, pos=%d, size=%d, r=%d, w=%d}", r.filename, r.pos, r.size, r.r, r.w)
}

func (r *fReader) resetBuf() {
	r.r = 0
	r.w = 0
}

// refresh re-reads the file size, extending the read limit to data appended
// since the previous snapshot.
func (r *fReader) refresh() error {
	if r.fd == nil {
		return ErrWrongState
	}
	fi, err := r.fd.Stat()
	if err != nil {
		return err
	}
	r.size = fi.Size()
	return nil
}

// offset returns the file offset of the next byte readLine will consume.
func (r *fReader) offset() int64 {
	return r.pos - int64(r.w-r.r)
}

// seek moves the read position to the desired offset. It saves the system
// call on the file if the desired offset is within the buffer.
func (r *fReader) seek(offset int64) error {
	bOffset := r.pos - int64(r.w)
	if r.pos > offset && bOffset <= offset {
		r.r = int(offset - bOffset)
		return nil
	}

	off, err := r.fd.Seek(offset, io.SeekStart)
	if err != nil {
		return err
	}
	if off != offset {
		return ErrWrongOffset
	}
	r.pos = offset
	r.resetBuf()
	return nil
}

// fill reads the next portion of the file into the buffer, not crossing the
// size snapshot. Returns io.EOF when the snapshot is exhausted.
func (r *fReader) fill() error {
	left := r.size - r.pos
	if left <= 0 {
		return io.EOF
	}
	r.resetBuf()
	b := r.buf
	if int64(len(b)) > left {
		b = b[:left]
	}
	n, err := r.fd.Read(b)
	if n > 0 {
		r.w = n
		r.pos += int64(n)
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	return err
}

// readLine returns the next newline-terminated line without the terminator.
// A trailing fragment with no newline before the size snapshot is considered
// an incomplete write and reported as io.EOF. The returned slice is valid
// until the next readLine call.
func (r *fReader) readLine() ([]byte, error) {
	r.lineBuf = r.lineBuf[:0]
	for {
		if r.r == r.w {
			if err := r.fill(); err != nil {
				if err == io.EOF && len(r.lineBuf) > 0 {
					// incomplete last line, back off to its start
					r.seek(r.offset() - int64(len(r.lineBuf)))
					r.lineBuf = r.lineBuf[:0]
				}
				return nil, err
			}
		}
		for i := r.r; i < r.w; i++ {
			if r.buf[i] == '\n' {
				r.lineBuf = append(r.lineBuf, r.buf[r.r:i]...)
				r.r = i + 1
				return r.lineBuf, nil
			}
		}
		r.lineBuf = append(r.lineBuf, r.buf[r.r:r.w]...)
		r.r = r.w
	}
}

func (r *fReader) Close() error {
	var err error
	if r.fd != nil {
		err = r.fd.Close()
		r.resetBuf()
		r.fd = nil
		r.pos = 0
	}
	return err
}

type (
	// LineReader is a plain sequential read handle over the data file,
	// starting at the first line. Any number of them may exist concurrently;
	// each owns its file handle and buffer.
	LineReader struct {
		fr *fReader
	}
)

// OpenLineReader opens an independent sequential reader at position 0.
func (l *Log) OpenLineReader() (*LineReader, error) {
	fr, err := newFReader(l.DataFilePath(), frBufSize)
	if err != nil {
		return nil, err
	}
	return &LineReader{fr: fr}, nil
}

// ReadLine returns the next line without its terminator, io.EOF at the end
// of the snapshot taken at open time.
func (r *LineReader) ReadLine() (string, error) {
	line, err := r.fr.readLine()
	if err != nil {
		return "", err
	}
	return string(line), nil
}

func (r *LineReader) Close() error {
	return r.fr.Close()
}
