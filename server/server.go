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

// Package server composes the exar components and runs the TCP front-end.
package server

import (
	"context"
	"net"
	"sync"

	"github.com/exar-db/exar/pkg/database"
	"github.com/exar-db/exar/pkg/protocol"
	"github.com/jrivets/log4g"
	"github.com/logrange/linker"
)

type (
	// TcpServer accepts client connections and spawns a handler per
	// connection.
	TcpServer struct {
		Cfg *Config           `inject:"serverConfig"`
		Db  *database.Service `inject:""`

		lis net.Listener

		lock    sync.Mutex
		streams map[*protocol.Stream]struct{}
		wg      sync.WaitGroup
		closed  bool

		logger log4g.Logger
	}
)

// NewTcpServer creates the component for the injector.
func NewTcpServer() *TcpServer {
	s := new(TcpServer)
	s.streams = make(map[*protocol.Stream]struct{})
	s.logger = log4g.GetLogger("server")
	return s
}

// Init binds the listen address and starts the accept loop.
func (s *TcpServer) Init(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.Cfg.ListenAddr())
	if err != nil {
		return err
	}
	s.lis = lis
	s.logger.Info("Listening on ", s.Cfg.ListenAddr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Shutdown closes the listener and every open connection, then waits for the
// handlers to finish.
func (s *TcpServer) Shutdown() {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	streams := make([]*protocol.Stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.lock.Unlock()

	s.lis.Close()
	for _, st := range streams {
		st.Close()
	}
	s.wg.Wait()
	s.logger.Info("Stopped")
}

func (s *TcpServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			// the listener is closed on shutdown
			return
		}

		stream := protocol.NewStream(conn)
		s.lock.Lock()
		if s.closed {
			s.lock.Unlock()
			stream.Close()
			return
		}
		s.streams[stream] = struct{}{}
		s.wg.Add(1)
		s.lock.Unlock()

		go func() {
			defer s.wg.Done()
			newHandler(s, stream).run()
			s.lock.Lock()
			delete(s.streams, stream)
			s.lock.Unlock()
		}()
	}
}

// Start runs the exar server with the configuration provided. It stops as
// soon as ctx is closed.
func Start(ctx context.Context, cfg *Config) error {
	log := log4g.GetLogger("server")
	log.Info("Start with config: ", cfg.ListenAddr())

	injector := linker.New()
	injector.SetLogger(log4g.GetLogger("injector"))
	injector.Register(
		linker.Component{Name: "serverConfig", Value: cfg},
		linker.Component{Name: "databaseConfig", Value: &cfg.Database},
		linker.Component{Name: "", Value: database.NewService()},
		linker.Component{Name: "", Value: NewTcpServer()},
	)
	injector.Init(ctx)

	select {
	case <-ctx.Done():
	}
	injector.Shutdown()

	return nil
}
