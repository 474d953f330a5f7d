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

package scanner

import (
	"io"
	"time"

	"github.com/exar-db/exar/pkg/elog"
	"github.com/exar-db/exar/pkg/errs"
	"github.com/exar-db/exar/pkg/model"
	"github.com/exar-db/exar/pkg/subscription"
	"github.com/jrivets/log4g"
)

type (
	// worker replays history to the subscriptions in its active set. It owns
	// one indexed reader and a mailbox of control messages; the set is
	// mutated only by the worker goroutine itself.
	worker struct {
		id      int
		rd      *elog.IndexedReader
		mailbox chan wmsg
		subs    []*subscription.Subscription
		sleep   time.Duration
		handoff HandoffFunc
		done    chan struct{}
		logger  log4g.Logger
	}

	wmsg struct {
		sub  *subscription.Subscription
		stop bool
	}
)

// scanBatchLines bounds how many lines one subscription may consume per
// cycle, so one deep historical replay cannot starve its neighbours.
const scanBatchLines = 1000

func newWorker(id int, rd *elog.IndexedReader, sleep time.Duration, handoff HandoffFunc, name string) *worker {
	w := new(worker)
	w.id = id
	w.rd = rd
	w.sleep = sleep
	w.handoff = handoff
	w.mailbox = make(chan wmsg, 16)
	w.done = make(chan struct{})
	w.logger = log4g.GetLogger("scanner.worker").WithId("{" + name + "}").(log4g.Logger)
	return w
}

func (w *worker) run() {
	defer close(w.done)
	defer w.rd.Close()

	stopped := false
	for !stopped && w.collect() {
		if err := w.rd.Refresh(); err != nil {
			w.logger.Error("Could not refresh the reader, closing subscriptions. err=", err)
			w.failAll(errs.NewIo(err))
			continue
		}

		progressed := false
		for i := 0; i < len(w.subs); {
			adv, keep := w.advance(w.subs[i])
			progressed = progressed || adv
			if keep {
				i++
			} else {
				w.subs = append(w.subs[:i], w.subs[i+1:]...)
			}
		}

		if len(w.subs) > 0 && !progressed {
			select {
			case m := <-w.mailbox:
				stopped = !w.accept(m)
			case <-time.After(w.sleep):
			}
		}
	}

	for _, s := range w.subs {
		s.Complete()
	}
	w.subs = nil
}

// collect blocks for work when the active set is empty and drains whatever
// else is pending. Returns false once a stop message arrived.
func (w *worker) collect() bool {
	if len(w.subs) == 0 {
		if !w.accept(<-w.mailbox) {
			return false
		}
	}
	for {
		select {
		case m := <-w.mailbox:
			if !w.accept(m) {
				return false
			}
		default:
			return true
		}
	}
}

func (w *worker) accept(m wmsg) bool {
	if m.stop {
		return false
	}
	w.logger.Debug("Accepting subscription ", m.sub)
	w.subs = append(w.subs, m.sub)
	return true
}

// advance moves one subscription forward by at most one batch. It returns
// whether any line was consumed and whether the subscription stays in the
// active set.
func (w *worker) advance(s *subscription.Subscription) (bool, bool) {
	if s.IsClosed() {
		return false, false
	}

	if err := w.rd.SeekLine(s.Query.Position() + 1); err != nil {
		s.CloseWithError(errs.NewIo(err))
		return false, false
	}

	for n := 0; n < scanBatchLines; n++ {
		_, text, err := w.rd.ReadLine()
		if err == io.EOF {
			return n > 0, w.atEof(s)
		}
		if err != nil {
			s.CloseWithError(errs.NewIo(err))
			return n > 0, false
		}

		ev, derr := model.DecodeLine(text)
		if derr != nil {
			s.CloseWithError(derr)
			return true, false
		}
		if s.Query.Matches(&ev) {
			if err = s.Send(ev); err != nil {
				// limit exhaustion, cancellation or a slow consumer;
				// Send already finished the stream either way
				return true, false
			}
		} else {
			s.Query.Skip(ev.Id)
		}
	}
	return true, true
}

// atEof decides what happens to a subscription when history is exhausted:
// live streams are handed to the publisher with their high-water id, the
// rest are completed. The subscription leaves the active set either way.
func (w *worker) atEof(s *subscription.Subscription) bool {
	if s.Query.LiveStream && s.Query.IsActive() {
		w.logger.Debug("Handing off ", s, " at high-water id ", s.Query.Position())
		if err := w.handoff(s); err != nil {
			w.logger.Warn("Handoff failed, completing ", s, " err=", err)
			s.Complete()
		}
		return false
	}
	s.Complete()
	return false
}

func (w *worker) failAll(err error) {
	for _, s := range w.subs {
		s.CloseWithError(err)
	}
	w.subs = w.subs[:0]
}
