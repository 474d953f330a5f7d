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

// Package collection ties one event log together with its scanner pool and
// publisher, and exposes the three operations clients see: publish,
// subscribe and drop.
package collection

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/exar-db/exar/pkg/elog"
	"github.com/exar-db/exar/pkg/errs"
	"github.com/exar-db/exar/pkg/model"
	"github.com/exar-db/exar/pkg/publisher"
	"github.com/exar-db/exar/pkg/scanner"
	"github.com/exar-db/exar/pkg/subscription"
	"github.com/jrivets/log4g"
)

type (
	// Config is the resolved configuration of one collection.
	Config struct {
		// Dir is the directory holding the collection files.
		Dir string
		// IndexGranularity is the number of data-file lines between two
		// consecutive index entries.
		IndexGranularity uint64
		// Scanners sizes the historical scanner pool.
		Scanners scanner.Config
		// Publisher sizes the live fan-out.
		Publisher publisher.Config
		// RoutingStrategy picks the scanner worker for a new subscription.
		RoutingStrategy scanner.RoutingStrategy
	}

	// Collection is a named append-only log of events with live streaming.
	//
	// The writer is serialized by wlock: the order of ids returned by
	// Publish, the order of the lines in the file, and the order events
	// enter the publisher are all the same order.
	Collection struct {
		name string
		cfg  Config

		log  *elog.Log
		wr   *elog.Writer
		pool *scanner.Pool
		pub  *publisher.Publisher

		wlock   sync.Mutex
		dropped int32
		logger  log4g.Logger
	}
)

// DefaultConfig returns the collection settings used when the configuration
// does not say otherwise.
func DefaultConfig() Config {
	return Config{
		IndexGranularity: 100000,
		Scanners:         scanner.Config{Count: 2, SleepMs: 10},
		Publisher:        publisher.Config{BufferSize: 10000},
		RoutingStrategy:  scanner.RoundRobin,
	}
}

// New opens or creates the collection name under cfg.Dir and starts its
// scanner pool and publisher.
func New(name string, cfg Config) (*Collection, error) {
	l, err := elog.Open(cfg.Dir, name, cfg.IndexGranularity)
	if err != nil {
		return nil, err
	}

	wr, err := l.OpenWriter()
	if err != nil {
		return nil, err
	}

	c := new(Collection)
	c.name = name
	c.cfg = cfg
	c.log = l
	c.wr = wr
	c.logger = log4g.GetLogger("collection").WithId("{" + name + "}").(log4g.Logger)

	c.pub = publisher.New(name, cfg.Publisher, func(s *subscription.Subscription) error {
		return c.pool.Handle(s)
	})
	c.pool, err = scanner.NewPool(l, cfg.Scanners, cfg.RoutingStrategy, c.pub.Add)
	if err != nil {
		c.pub.Stop()
		wr.Close()
		return nil, err
	}

	size, _ := l.Size()
	c.logger.Info("Opened, last id=", wr.Lines(), ", size=", humanize.Bytes(uint64(size)))
	return c, nil
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Publish validates the event, appends it to the log and feeds the stored
// copy to the live fan-out. It returns the id assigned to the event.
func (c *Collection) Publish(ev model.Event) (uint64, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	if atomic.LoadInt32(&c.dropped) != 0 {
		return 0, errs.NewConnection("collection %s is dropped", c.name)
	}

	if ev.Timestamp == 0 {
		ev = ev.WithCurrentTimestamp()
	}

	// holding the lock across the publisher send keeps the fan-out order
	// identical to the file order
	c.wlock.Lock()
	defer c.wlock.Unlock()

	ev = ev.WithId(c.wr.Lines() + 1)
	id, err := c.wr.Append(ev.EncodeLine())
	if err != nil {
		if err == elog.ErrWrongState {
			return 0, errs.NewConnection("collection %s is dropped", c.name)
		}
		return 0, errs.NewIo(err)
	}

	if perr := c.pub.Publish(ev); perr != nil {
		c.logger.Warn("Event ", id, " was stored but not fanned out: ", perr)
	}
	return id, nil
}

// Subscribe creates a subscription for the query and routes it to a scanner
// worker. The returned stream is live immediately; the first events arrive
// as soon as a worker picks the subscription up.
func (c *Collection) Subscribe(q *model.Query) (*subscription.EventStream, error) {
	if atomic.LoadInt32(&c.dropped) != 0 {
		return nil, errs.NewConnection("collection %s is dropped", c.name)
	}

	sub, stream := subscription.New(q, c.cfg.Publisher.BufferSize)
	if err := c.pool.Handle(sub); err != nil {
		return nil, err
	}
	c.logger.Debug("Subscribed ", sub)
	return stream, nil
}

// Drop stops the scanners and the publisher, completes every open
// subscription with an end-of-stream marker and removes the log files.
// Dropping twice is a no-op.
func (c *Collection) Drop() error {
	if !atomic.CompareAndSwapInt32(&c.dropped, 0, 1) {
		return nil
	}
	c.logger.Info("Dropping")

	c.pool.Stop()
	c.pub.Stop()

	c.wlock.Lock()
	err := c.wr.Close()
	c.wlock.Unlock()

	if rerr := c.log.Remove(); err == nil {
		err = rerr
	}
	if err != nil {
		return errs.NewIo(err)
	}
	return nil
}

// Close stops the collection without removing its files.
func (c *Collection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.dropped, 0, 1) {
		return nil
	}
	c.logger.Info("Closing")

	c.pool.Stop()
	c.pub.Stop()

	c.wlock.Lock()
	defer c.wlock.Unlock()
	return c.wr.Close()
}

// Stats reports the number of stored events and the data file size in bytes.
func (c *Collection) Stats() (uint64, int64, error) {
	size, err := c.log.Size()
	if err != nil {
		return 0, 0, errs.NewIo(err)
	}
	return c.wr.Lines(), size, nil
}

func (c *Collection) String() string {
	return fmt.Sprintf("{name=%s, lastId=%d, dropped=%d}", c.name, c.wr.Lines(), atomic.LoadInt32(&c.dropped))
}
