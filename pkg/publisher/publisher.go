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

// Package publisher fans newly appended events out to the live
// subscriptions of one collection. A single goroutine consumes two kinds of
// input from one channel: events coming off the writer path and
// subscriptions handed over by scanner workers, so their relative order is
// exactly the order the collection produced them in.
//
// The publisher keeps a ring of the most recently published events. A
// subscription arriving with a high-water id below the newest published
// event is caught up from the ring; when the gap reaches below the oldest
// buffered event the subscription is sent back to the scanner pool through
// the requeue function instead, so no matching id is ever skipped.
package publisher

import (
	"fmt"
	"sync/atomic"

	"github.com/exar-db/exar/pkg/errs"
	"github.com/exar-db/exar/pkg/model"
	"github.com/exar-db/exar/pkg/subscription"
	"github.com/jrivets/log4g"
)

type (
	// Config sizes the publisher of one collection.
	Config struct {
		// BufferSize caps both a subscription's outgoing channel and the
		// ring of recent events kept for handoff catch-up.
		BufferSize int
	}

	// RequeueFunc sends a subscription back to the scanner pool when the
	// ring cannot bridge its handoff gap.
	RequeueFunc func(s *subscription.Subscription) error

	Publisher struct {
		input   chan pmsg
		requeue RequeueFunc

		// the fields below are owned by the publisher goroutine
		subs   []*subscription.Subscription
		ring   []model.Event
		start  int
		count  int
		lastId uint64

		stopped int32
		done    chan struct{}
		logger  log4g.Logger
	}

	pmsg struct {
		ev   *model.Event
		sub  *subscription.Subscription
		stop bool
	}
)

const inputChCapacity = 1024

// New starts the publisher goroutine for the named collection.
func New(name string, cfg Config, requeue RequeueFunc) *Publisher {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	p := new(Publisher)
	p.input = make(chan pmsg, inputChCapacity)
	p.requeue = requeue
	p.ring = make([]model.Event, cfg.BufferSize)
	p.done = make(chan struct{})
	p.logger = log4g.GetLogger("publisher").WithId("{" + name + "}").(log4g.Logger)
	go p.run()
	return p
}

// Publish feeds a newly appended event into the fan-out. The collection
// calls it under the writer lock, so events arrive in id order.
func (p *Publisher) Publish(ev model.Event) error {
	return p.send(pmsg{ev: &ev})
}

// Add accepts a subscription handed over by a scanner, positioned at its
// high-water id.
func (p *Publisher) Add(s *subscription.Subscription) error {
	return p.send(pmsg{sub: s})
}

func (p *Publisher) send(m pmsg) error {
	if atomic.LoadInt32(&p.stopped) != 0 {
		return errs.NewSubscription("the publisher is stopped")
	}
	select {
	case p.input <- m:
		return nil
	case <-p.done:
		return errs.NewSubscription("the publisher is stopped")
	}
}

// Stop terminates the fan-out, completing all live subscriptions with an
// end-of-stream marker. Stopping a stopped publisher is a no-op.
func (p *Publisher) Stop() {
	if !atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		<-p.done
		return
	}
	select {
	case p.input <- pmsg{stop: true}:
	case <-p.done:
	}
	<-p.done
}

func (p *Publisher) run() {
	defer close(p.done)

	for m := range p.input {
		switch {
		case m.stop:
			for _, s := range p.subs {
				s.Complete()
			}
			p.subs = nil
			return
		case m.ev != nil:
			p.onEvent(*m.ev)
		case m.sub != nil:
			p.onHandoff(m.sub)
		}
	}
}

// onEvent pushes the event to the ring and fans it out. Subscriptions whose
// send fails are dropped; Send itself completes the stream on limit
// exhaustion and closes it on backpressure or cancellation.
func (p *Publisher) onEvent(ev model.Event) {
	p.lastId = ev.Id
	p.push(ev)

	for i := 0; i < len(p.subs); {
		s := p.subs[i]
		keep := true
		if s.IsClosed() {
			keep = false
		} else if s.Query.Matches(&ev) {
			keep = s.Send(ev) == nil
		} else {
			s.Query.Skip(ev.Id)
		}
		if keep {
			i++
		} else {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
		}
	}
}

// onHandoff registers a handed-over subscription, catching it up from the
// ring first. The scanner considered every id up to the subscription's
// position; everything later went through the publisher and is either still
// in the ring or evicted. Evicted means the gap is too old to bridge here,
// so the subscription goes back to the scanners.
func (p *Publisher) onHandoff(s *subscription.Subscription) {
	if s.IsClosed() {
		return
	}
	floor := s.Query.Position()

	if floor < p.lastId {
		first, ok := p.oldest()
		if !ok || floor+1 < first.Id {
			p.logger.Debug("Handoff gap for ", s, " is behind the ring, requeueing")
			if err := p.requeue(s); err != nil {
				p.logger.Warn("Could not requeue ", s, " err=", err)
				s.CloseWithError(errs.NewSubscription("could not catch up after handoff"))
			}
			return
		}
		for i := 0; i < p.count; i++ {
			ev := p.at(i)
			if ev.Id <= floor {
				continue
			}
			if s.Query.Matches(&ev) {
				if s.Send(ev) != nil {
					return
				}
			} else {
				s.Query.Skip(ev.Id)
			}
		}
	}

	p.subs = append(p.subs, s)
}

func (p *Publisher) push(ev model.Event) {
	if p.count < len(p.ring) {
		p.ring[(p.start+p.count)%len(p.ring)] = ev
		p.count++
		return
	}
	p.ring[p.start] = ev
	p.start = (p.start + 1) % len(p.ring)
}

func (p *Publisher) at(i int) model.Event {
	return p.ring[(p.start+i)%len(p.ring)]
}

func (p *Publisher) oldest() (model.Event, bool) {
	if p.count == 0 {
		return model.Event{}, false
	}
	return p.at(0), true
}

func (p *Publisher) String() string {
	return fmt.Sprintf("{subs=%d, buffered=%d, lastId=%d, stopped=%d}",
		len(p.subs), p.count, p.lastId, atomic.LoadInt32(&p.stopped))
}
