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

// Package scanner runs the pool of historical readers of a collection. Each
// worker owns one indexed reader over the data file and a private set of
// subscriptions it advances in bounded batches; a routing strategy picks the
// worker for every incoming subscription.
//
// When a live subscription reaches the end of the file the worker hands it
// to the publisher together with its high-water id, through the handoff
// function the pool was built with.
package scanner

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/exar-db/exar/pkg/elog"
	"github.com/exar-db/exar/pkg/errs"
	"github.com/exar-db/exar/pkg/subscription"
	"github.com/jrivets/log4g"
)

type (
	// Config sizes the pool of one collection.
	Config struct {
		// Count is the number of scanner workers.
		Count int
		// SleepMs is how long an idle worker sleeps between scan cycles.
		SleepMs int
	}

	// HandoffFunc transfers a subscription, positioned at its high-water id,
	// to the live fan-out.
	HandoffFunc func(s *subscription.Subscription) error

	// Pool owns the scanner workers of one collection.
	Pool struct {
		workers []*worker
		rtr     router
		stopped int32
		logger  log4g.Logger
	}
)

// NewPool opens cfg.Count indexed readers over the log and starts a worker
// goroutine for each.
func NewPool(l *elog.Log, cfg Config, strategy RoutingStrategy, handoff HandoffFunc) (*Pool, error) {
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.SleepMs < 1 {
		cfg.SleepMs = 1
	}

	p := new(Pool)
	p.rtr = router{strategy: strategy}
	p.logger = log4g.GetLogger("scanner.pool").WithId("{" + l.Name() + "}").(log4g.Logger)
	p.workers = make([]*worker, 0, cfg.Count)

	sleep := time.Duration(cfg.SleepMs) * time.Millisecond
	for i := 0; i < cfg.Count; i++ {
		rd, err := l.OpenIndexedReader()
		if err != nil {
			p.Stop()
			return nil, err
		}
		w := newWorker(i, rd, sleep, handoff, l.Name())
		p.workers = append(p.workers, w)
		go w.run()
	}

	p.logger.Info("Started ", cfg.Count, " workers, strategy=", strategy)
	return p, nil
}

// Handle routes the subscription to a worker picked by the strategy.
func (p *Pool) Handle(s *subscription.Subscription) error {
	if atomic.LoadInt32(&p.stopped) != 0 {
		return errs.NewSubscription("the scanner pool is stopped")
	}

	w := p.workers[p.rtr.next(len(p.workers))]
	select {
	case w.mailbox <- wmsg{sub: s}:
		return nil
	case <-w.done:
		return errs.NewSubscription("the scanner pool is stopped")
	}
}

// Stop terminates all workers, completing their active subscriptions with an
// end-of-stream marker. Stopping a stopped pool is a no-op.
func (p *Pool) Stop() {
	if !atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		return
	}
	for _, w := range p.workers {
		select {
		case w.mailbox <- wmsg{stop: true}:
			<-w.done
		case <-w.done:
		}
	}
	p.logger.Info("Stopped")
}

func (p *Pool) String() string {
	return fmt.Sprintf("{workers=%d, strategy=%s, stopped=%d}", len(p.workers), p.rtr.strategy, atomic.LoadInt32(&p.stopped))
}
