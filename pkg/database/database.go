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

// Package database multiplexes collections: it owns the map from collection
// name to the running collection, creates collections lazily on first
// reference and holds a file lock on the data directory so two processes
// cannot serve the same files.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/exar-db/exar/pkg/collection"
	"github.com/exar-db/exar/pkg/errs"
	"github.com/gofrs/flock"
	"github.com/jrivets/log4g"
)

type (
	// Service is the collections multiplexer component.
	Service struct {
		Cfg *Config `inject:"databaseConfig"`

		fl     *flock.Flock
		lock   sync.Mutex
		colls  map[string]*collection.Collection
		closed bool

		logger log4g.Logger
	}
)

// NewService creates the component for the injector. Init must run before
// any other method.
func NewService() *Service {
	s := new(Service)
	s.colls = make(map[string]*collection.Collection)
	s.logger = log4g.GetLogger("database")
	return s
}

// Open is the non-injector entry point: it builds the service around cfg and
// initializes it.
func Open(cfg Config) (*Service, error) {
	s := NewService()
	s.Cfg = &cfg
	if err := s.Init(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Init prepares the data directory and acquires its lock.
func (s *Service) Init(ctx context.Context) error {
	dir := s.Cfg.DataPath
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0740); err != nil {
		return errs.NewIo(err)
	}

	fl := flock.New(filepath.Join(dir, ".exar.lock"))
	if locked, err := fl.TryLock(); err != nil || !locked {
		if err == nil {
			err = fmt.Errorf("the data directory %s is locked by another process", dir)
		}
		return errs.NewIo(err)
	}

	s.fl = fl
	s.logger.Info("Opened data directory ", dir)
	return nil
}

// Shutdown stops every collection without removing files and releases the
// data directory lock.
func (s *Service) Shutdown() {
	s.Close()
}

// Collection returns the named collection, opening it on first reference.
func (s *Service) Collection(name string) (*collection.Collection, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil, errs.NewConnection("the database is closed")
	}
	if c, ok := s.colls[name]; ok {
		return c, nil
	}

	ccfg, err := s.Cfg.CollectionConfig(name)
	if err != nil {
		return nil, errs.NewValidation("%s", err)
	}
	if ccfg.Dir == "" {
		ccfg.Dir = s.Cfg.DataPath
	}

	c, err := collection.New(name, ccfg)
	if err != nil {
		return nil, errs.AsError(err)
	}
	s.colls[name] = c
	return c, nil
}

// Drop stops the named collection and removes its files.
func (s *Service) Drop(name string) error {
	c, err := s.Collection(name)
	if err != nil {
		return err
	}

	s.lock.Lock()
	delete(s.colls, name)
	s.lock.Unlock()

	return c.Drop()
}

// Close stops every collection and releases the lock. Closing twice is a
// no-op.
func (s *Service) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	colls := s.colls
	s.colls = nil
	s.lock.Unlock()

	var err error
	for _, c := range colls {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	if s.fl != nil {
		s.fl.Unlock()
	}
	s.logger.Info("Closed")
	return err
}

// Names returns the names of the collections opened so far.
func (s *Service) Names() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	names := make([]string, 0, len(s.colls))
	for n := range s.colls {
		names = append(names, n)
	}
	return names
}

func validateName(name string) error {
	if name == "" {
		return errs.NewValidation("collection name must not be empty")
	}
	if strings.ContainsAny(name, "/\\ \t\n") || name == "." || name == ".." {
		return errs.NewValidation("invalid collection name %q", name)
	}
	return nil
}
