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

package protocol

import (
	"bufio"
	"net"
	"sync"

	"github.com/exar-db/exar/pkg/errs"
)

type (
	// Stream frames messages over a TCP connection: one message per
	// newline-terminated line. Writes are serialized with a mutex so an
	// event stream and a command response can share the connection.
	Stream struct {
		conn net.Conn
		br   *bufio.Reader

		wlock sync.Mutex
		bw    *bufio.Writer
	}
)

const streamBufSize = 16 * 1024

// NewStream wraps an established connection.
func NewStream(conn net.Conn) *Stream {
	return &Stream{
		conn: conn,
		br:   bufio.NewReaderSize(conn, streamBufSize),
		bw:   bufio.NewWriterSize(conn, streamBufSize),
	}
}

// Recv blocks for the next message. Connection failures surface as IoError;
// malformed lines as ParseError.
func (s *Stream) Recv() (Message, error) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		return nil, errs.NewIo(err)
	}
	line = trimEol(line)
	return Decode(line)
}

// Send writes the message and flushes it to the connection.
func (s *Stream) Send(m Message) error {
	s.wlock.Lock()
	defer s.wlock.Unlock()

	if _, err := s.bw.WriteString(m.EncodeMessage()); err != nil {
		return errs.NewIo(err)
	}
	if err := s.bw.WriteByte('\n'); err != nil {
		return errs.NewIo(err)
	}
	if err := s.bw.Flush(); err != nil {
		return errs.NewIo(err)
	}
	return nil
}

// Close closes the underlying connection; a blocked Recv returns with an
// error.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// RemoteAddr names the peer, for logging.
func (s *Stream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func trimEol(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
