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

// Package subscription holds the one-way channel between the store core and
// one consumer of an event stream.
//
// A subscription lives in exactly one component at a time: a scanner
// worker's active set, the publisher's active set, or it is closed. Whatever
// component owns it is the only goroutine touching its query state, so the
// struct needs no locking beyond the closed flag.
package subscription

import (
	"fmt"
	"sync/atomic"

	"github.com/exar-db/exar/pkg/errs"
	"github.com/exar-db/exar/pkg/model"
	"github.com/google/uuid"
)

type (
	// Message is one element of an event stream: an event, a terminal error,
	// or the end-of-stream marker.
	Message struct {
		Event model.Event
		Err   error
		End   bool
	}

	// EventStream is the consumer side of a subscription. Messages are read
	// from Chan until the end-of-stream marker or a terminal error arrives;
	// the channel is closed right after either. Unsubscribe stops the stream
	// deterministically from the consumer side.
	EventStream struct {
		sub *Subscription
	}

	// Subscription is the engine side: a send endpoint with the query state
	// and the delivery counters.
	Subscription struct {
		Id    uuid.UUID
		Query *model.Query

		out       chan Message
		done      chan struct{}
		closed    int32
		cancelled int32
	}
)

// New creates a subscription and its consumer stream. The buffer size bounds
// how far a slow consumer may fall behind before the subscription is dropped
// by its owning worker.
func New(q *model.Query, bufSize int) (*Subscription, *EventStream) {
	if bufSize < 1 {
		bufSize = 1
	}
	s := &Subscription{
		Id:    uuid.New(),
		Query: q,
		// one extra slot is reserved for the terminal marker, so a consumer
		// dropped on backpressure still observes the error
		out:  make(chan Message, bufSize+1),
		done: make(chan struct{}),
	}
	return s, &EventStream{sub: s}
}

// Send delivers the event to the consumer and updates the query state. The
// send never blocks: a full buffer means the consumer is too slow and the
// subscription is closed with a SubscriptionError. When the delivery
// exhausts the query limit the stream is completed.
//
// The returned error, if any, is terminal: the caller must remove the
// subscription from its active set.
func (s *Subscription) Send(ev model.Event) error {
	if s.IsClosed() {
		// covers consumer cancellation too, closing the channel at most once
		s.close()
		return errs.NewSubscription("subscription %s is closed", s.Id)
	}

	if len(s.out) >= cap(s.out)-1 {
		err := errs.NewSubscription("subscription %s buffer is full, dropping the slow consumer", s.Id)
		s.CloseWithError(err)
		return err
	}

	select {
	case <-s.done:
		s.close()
		return errs.NewSubscription("subscription %s was cancelled by the consumer", s.Id)
	case s.out <- Message{Event: ev}:
		s.Query.Update(ev.Id)
		if !s.Query.IsActive() {
			s.Complete()
			return errs.NewSubscription("subscription %s exhausted its limit", s.Id)
		}
		return nil
	default:
		err := errs.NewSubscription("subscription %s buffer is full, dropping the slow consumer", s.Id)
		s.CloseWithError(err)
		return err
	}
}

// Complete signals end-of-stream and closes the subscription.
func (s *Subscription) Complete() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.trySend(Message{End: true})
		close(s.out)
	}
}

// CloseWithError surfaces a terminal error on the stream and closes the
// subscription. When the buffer has no room for the error the consumer will
// only observe the closed channel.
func (s *Subscription) CloseWithError(err error) {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.trySend(Message{Err: err})
		close(s.out)
	}
}

func (s *Subscription) close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.out)
	}
}

func (s *Subscription) trySend(m Message) {
	select {
	case s.out <- m:
	default:
	}
}

// IsClosed reports whether the stream was terminated by either side.
func (s *Subscription) IsClosed() bool {
	if atomic.LoadInt32(&s.closed) != 0 {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) String() string {
	return fmt.Sprintf("{id=%s, query=%s, closed=%d}", s.Id, s.Query, atomic.LoadInt32(&s.closed))
}

// Chan returns the channel the consumer reads messages from.
func (es *EventStream) Chan() <-chan Message {
	return es.sub.out
}

// Recv returns the next message; ok is false once the stream is closed and
// drained.
func (es *EventStream) Recv() (Message, bool) {
	m, ok := <-es.sub.out
	return m, ok
}

// Unsubscribe cancels the subscription from the consumer side. The owning
// worker observes the cancellation on its next delivery attempt. It is safe
// to call more than once.
func (es *EventStream) Unsubscribe() {
	es.sub.cancel()
}

func (s *Subscription) cancel() {
	if atomic.CompareAndSwapInt32(&s.cancelled, 0, 1) {
		close(s.done)
	}
}
