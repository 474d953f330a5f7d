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

package publisher

import (
	"testing"
	"time"

	"github.com/exar-db/exar/pkg/errs"
	"github.com/exar-db/exar/pkg/model"
	"github.com/exar-db/exar/pkg/subscription"
	"github.com/stretchr/testify/assert"
)

func ev(id uint64) model.Event {
	return model.Event{Id: id, Timestamp: 1, Tags: []string{"t"}, Data: "d"}
}

func recvEvent(t *testing.T, es *subscription.EventStream) model.Event {
	select {
	case m, ok := <-es.Chan():
		if !ok {
			t.Fatal("the stream is closed")
		}
		if m.Err != nil || m.End {
			t.Fatal("expecting an event, but got ", m)
		}
		return m.Event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return model.Event{}
}

// liveSub creates a subscription that already replayed history up to pos.
func liveSub(pos uint64, limit uint64, tag string, buf int) (*subscription.Subscription, *subscription.EventStream) {
	q := model.NewQuery(true, 0, limit, tag)
	q.Skip(pos)
	return subscription.New(q, buf)
}

func noRequeue(t *testing.T) RequeueFunc {
	return func(s *subscription.Subscription) error {
		t.Error("unexpected requeue of ", s)
		return nil
	}
}

func TestPublisherFanOut(t *testing.T) {
	p := New("test", Config{BufferSize: 10}, noRequeue(t))
	defer p.Stop()

	s1, es1 := liveSub(0, 0, "", 10)
	s2, es2 := liveSub(0, 0, "", 10)
	assert.NoError(t, p.Add(s1))
	assert.NoError(t, p.Add(s2))

	assert.NoError(t, p.Publish(ev(1)))

	assert.Equal(t, uint64(1), recvEvent(t, es1).Id)
	assert.Equal(t, uint64(1), recvEvent(t, es2).Id)
}

func TestPublisherTagFilter(t *testing.T) {
	p := New("test", Config{BufferSize: 10}, noRequeue(t))
	defer p.Stop()

	s, es := liveSub(0, 0, "wanted", 10)
	assert.NoError(t, p.Add(s))

	e1 := ev(1)
	e2 := model.Event{Id: 2, Timestamp: 2, Tags: []string{"wanted"}, Data: "d"}
	assert.NoError(t, p.Publish(e1))
	assert.NoError(t, p.Publish(e2))

	assert.Equal(t, uint64(2), recvEvent(t, es).Id)
}

func TestPublisherHonorsHandoffFloor(t *testing.T) {
	p := New("test", Config{BufferSize: 10}, noRequeue(t))
	defer p.Stop()

	// ids 1 and 2 went through the publisher while the scanner owned the
	// subscription; the scanner saw them, so only 3 may be delivered here
	assert.NoError(t, p.Publish(ev(1)))
	assert.NoError(t, p.Publish(ev(2)))

	s, es := liveSub(2, 0, "", 10)
	assert.NoError(t, p.Add(s))
	assert.NoError(t, p.Publish(ev(3)))

	assert.Equal(t, uint64(3), recvEvent(t, es).Id)
}

func TestPublisherCatchesUpFromRing(t *testing.T) {
	p := New("test", Config{BufferSize: 10}, noRequeue(t))
	defer p.Stop()

	// the events raced ahead of the handoff
	assert.NoError(t, p.Publish(ev(1)))
	assert.NoError(t, p.Publish(ev(2)))
	assert.NoError(t, p.Publish(ev(3)))

	s, es := liveSub(1, 0, "", 10)
	assert.NoError(t, p.Add(s))

	assert.Equal(t, uint64(2), recvEvent(t, es).Id)
	assert.Equal(t, uint64(3), recvEvent(t, es).Id)

	assert.NoError(t, p.Publish(ev(4)))
	assert.Equal(t, uint64(4), recvEvent(t, es).Id)
}

func TestPublisherRequeuesWhenRingIsTooShort(t *testing.T) {
	requeued := make(chan *subscription.Subscription, 1)
	p := New("test", Config{BufferSize: 2}, func(s *subscription.Subscription) error {
		requeued <- s
		return nil
	})
	defer p.Stop()

	// ids 1..4 with a ring of 2 evicts 1 and 2
	for id := uint64(1); id <= 4; id++ {
		assert.NoError(t, p.Publish(ev(id)))
	}

	s, _ := liveSub(1, 0, "", 10)
	assert.NoError(t, p.Add(s))

	select {
	case rs := <-requeued:
		assert.Equal(t, s, rs)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the requeue")
	}
}

func TestPublisherDropsSlowSubscriber(t *testing.T) {
	p := New("test", Config{BufferSize: 1}, noRequeue(t))
	defer p.Stop()

	slow, slowEs := liveSub(0, 0, "", 1)
	fast, fastEs := liveSub(0, 0, "", 10)
	assert.NoError(t, p.Add(slow))
	assert.NoError(t, p.Add(fast))

	assert.NoError(t, p.Publish(ev(1)))
	assert.NoError(t, p.Publish(ev(2)))

	// the fast consumer sees both events
	assert.Equal(t, uint64(1), recvEvent(t, fastEs).Id)
	assert.Equal(t, uint64(2), recvEvent(t, fastEs).Id)

	// the slow one got the first event and then the backpressure error
	assert.Equal(t, uint64(1), recvEvent(t, slowEs).Id)
	m, ok := slowEs.Recv()
	assert.True(t, ok)
	assert.True(t, errs.IsKind(m.Err, errs.KindSubscription))
	_, ok = slowEs.Recv()
	assert.False(t, ok)
}

func TestPublisherLimitCompletesStream(t *testing.T) {
	p := New("test", Config{BufferSize: 10}, noRequeue(t))
	defer p.Stop()

	s, es := liveSub(0, 2, "", 10)
	assert.NoError(t, p.Add(s))

	assert.NoError(t, p.Publish(ev(1)))
	assert.NoError(t, p.Publish(ev(2)))
	assert.NoError(t, p.Publish(ev(3)))

	assert.Equal(t, uint64(1), recvEvent(t, es).Id)
	assert.Equal(t, uint64(2), recvEvent(t, es).Id)
	m, ok := es.Recv()
	assert.True(t, ok)
	assert.True(t, m.End)
}

func TestPublisherStopIsIdempotent(t *testing.T) {
	p := New("test", Config{BufferSize: 10}, noRequeue(t))

	s, es := liveSub(0, 0, "", 10)
	assert.NoError(t, p.Add(s))

	p.Stop()
	p.Stop()

	m, ok := es.Recv()
	assert.True(t, ok)
	assert.True(t, m.End)

	if err := p.Publish(ev(1)); !errs.IsKind(err, errs.KindSubscription) {
		t.Fatal("expecting the stopped publisher to reject events, but got ", err)
	}
}
