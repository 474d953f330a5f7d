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

package collection

import (
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/exar-db/exar/pkg/errs"
	"github.com/exar-db/exar/pkg/model"
	"github.com/exar-db/exar/pkg/publisher"
	"github.com/exar-db/exar/pkg/scanner"
	"github.com/exar-db/exar/pkg/subscription"
	"github.com/stretchr/testify/assert"
)

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.IndexGranularity = 100
	cfg.Scanners = scanner.Config{Count: 2, SleepMs: 2}
	return cfg
}

func openTestCollection(t *testing.T) (*Collection, func()) {
	dir, err := ioutil.TempDir("", "collectionTest")
	if err != nil {
		t.Fatal("Could not create new dir err=", err)
	}
	c, err := New("test", testConfig(dir))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal("Could not create the collection err=", err)
	}
	return c, func() {
		c.Close()
		os.RemoveAll(dir)
	}
}

func collectIds(t *testing.T, es *subscription.EventStream, timeout time.Duration) []uint64 {
	var ids []uint64
	for {
		select {
		case m, ok := <-es.Chan():
			if !ok || m.End {
				return ids
			}
			if m.Err != nil {
				t.Fatal("unexpected stream error ", m.Err)
			}
			ids = append(ids, m.Event.Id)
		case <-time.After(timeout):
			t.Fatal("timed out waiting for the stream to complete, got ", ids)
		}
	}
}

func recvId(t *testing.T, es *subscription.EventStream) uint64 {
	select {
	case m, ok := <-es.Chan():
		if !ok || m.Err != nil || m.End {
			t.Fatal("expecting an event, but got ", m)
		}
		return m.Event.Id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return 0
}

func TestPublishRoundTrip(t *testing.T) {
	c, cleanup := openTestCollection(t)
	defer cleanup()

	id, err := c.Publish(model.NewEvent("x", "a"))
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	id, err = c.Publish(model.NewEvent("y", "b"))
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), id)

	es, err := c.Subscribe(model.NewQuery(false, 0, 0, ""))
	assert.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, collectIds(t, es, 5*time.Second))
}

func TestPublishAssignsTimestamp(t *testing.T) {
	c, cleanup := openTestCollection(t)
	defer cleanup()

	c.Publish(model.NewEvent("x", "a"))
	c.Publish(model.NewEvent("y", "a").WithTimestamp(42))

	es, _ := c.Subscribe(model.NewQuery(false, 0, 0, ""))
	var evs []model.Event
	for m := range es.Chan() {
		if m.End {
			break
		}
		evs = append(evs, m.Event)
	}
	if len(evs) != 2 {
		t.Fatal("expecting 2 events, but got ", evs)
	}
	if evs[0].Timestamp == 0 {
		t.Fatal("expecting the writer to assign a timestamp")
	}
	// a non-zero caller timestamp is honored verbatim
	if evs[1].Timestamp != 42 {
		t.Fatal("expecting timestamp 42, but got ", evs[1].Timestamp)
	}
}

func TestPublishValidation(t *testing.T) {
	c, cleanup := openTestCollection(t)
	defer cleanup()

	_, err := c.Publish(model.NewEvent("x"))
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = c.Publish(model.NewEvent("x\ty", "a"))
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	// nothing was written
	lines, _, err := c.Stats()
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), lines)
}

func TestSubscribeTagFilter(t *testing.T) {
	c, cleanup := openTestCollection(t)
	defer cleanup()

	c.Publish(model.NewEvent("x", "a"))
	c.Publish(model.NewEvent("y", "b"))
	c.Publish(model.NewEvent("z", "a"))

	es, err := c.Subscribe(model.NewQuery(false, 0, 0, "a"))
	assert.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, collectIds(t, es, 5*time.Second))
}

func TestSubscribeOffsetAndLimit(t *testing.T) {
	c, cleanup := openTestCollection(t)
	defer cleanup()

	for i := 1; i <= 10; i++ {
		c.Publish(model.NewEvent(fmt.Sprintf("data %d", i), "a"))
	}

	es, err := c.Subscribe(model.NewQuery(false, 3, 2, ""))
	assert.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, collectIds(t, es, 5*time.Second))
}

func TestLiveHandoffWithoutGapOrDuplicate(t *testing.T) {
	c, cleanup := openTestCollection(t)
	defer cleanup()

	for i := 1; i <= 3; i++ {
		c.Publish(model.NewEvent(fmt.Sprintf("data %d", i), "a"))
	}

	es, err := c.Subscribe(model.NewQuery(true, 0, 0, ""))
	assert.NoError(t, err)

	for want := uint64(1); want <= 3; want++ {
		if got := recvId(t, es); got != want {
			t.Fatal("expecting id ", want, " but got ", got)
		}
	}

	id, err := c.Publish(model.NewEvent("later", "a"))
	assert.NoError(t, err)
	assert.Equal(t, uint64(4), id)

	if got := recvId(t, es); got != 4 {
		t.Fatal("expecting the live event 4, but got ", got)
	}
	es.Unsubscribe()
}

func TestLiveSubscriptionWithNoHistory(t *testing.T) {
	c, cleanup := openTestCollection(t)
	defer cleanup()

	es, err := c.Subscribe(model.NewQuery(true, 0, 0, "a"))
	assert.NoError(t, err)

	// nothing historical matches; the stream stays open for future events
	time.Sleep(50 * time.Millisecond)
	c.Publish(model.NewEvent("x", "b"))
	id, err := c.Publish(model.NewEvent("y", "a"))
	assert.NoError(t, err)

	if got := recvId(t, es); got != id {
		t.Fatal("expecting id ", id, " but got ", got)
	}
	es.Unsubscribe()
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	dir, err := ioutil.TempDir("", "collectionTest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := testConfig(dir)
	cfg.Publisher = publisher.Config{BufferSize: 1}
	c, err := New("test", cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	slow, err := c.Subscribe(model.NewQuery(true, 0, 0, ""))
	assert.NoError(t, err)
	fast, err := c.Subscribe(model.NewQuery(true, 0, 0, ""))
	assert.NoError(t, err)

	// both subscriptions must be live before the burst
	time.Sleep(100 * time.Millisecond)

	c.Publish(model.NewEvent("x", "a"))
	// the fast consumer keeps draining, the slow one does not
	assert.Equal(t, uint64(1), recvId(t, fast))
	c.Publish(model.NewEvent("y", "a"))
	assert.Equal(t, uint64(2), recvId(t, fast))

	assert.Equal(t, uint64(1), recvId(t, slow))
	m, ok := slow.Recv()
	assert.True(t, ok)
	assert.True(t, errs.IsKind(m.Err, errs.KindSubscription))
}

func TestConcurrentPublishIdsAreDense(t *testing.T) {
	c, cleanup := openTestCollection(t)
	defer cleanup()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	idCh := make(chan uint64, writers*perWriter)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				id, err := c.Publish(model.NewEvent("data", "a"))
				if err != nil {
					t.Error("publish failed err=", err)
					return
				}
				idCh <- id
			}
		}()
	}
	wg.Wait()
	close(idCh)

	seen := make(map[uint64]bool)
	for id := range idCh {
		if seen[id] {
			t.Fatal("duplicate id ", id)
		}
		seen[id] = true
	}
	for id := uint64(1); id <= writers*perWriter; id++ {
		if !seen[id] {
			t.Fatal("missing id ", id)
		}
	}

	// the file round-trips every id at its own line number
	es, _ := c.Subscribe(model.NewQuery(false, 0, 0, ""))
	ids := collectIds(t, es, 10*time.Second)
	assert.Equal(t, writers*perWriter, len(ids))
	for i, id := range ids {
		if id != uint64(i+1) {
			t.Fatal("expecting id ", i+1, " at position ", i, " but got ", id)
		}
	}
}

func TestCrashRecoveryRebuildsIndex(t *testing.T) {
	dir, err := ioutil.TempDir("", "collectionTest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := testConfig(dir)
	c, err := New("test", cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 1000; i++ {
		if _, err = c.Publish(model.NewEvent(fmt.Sprintf("data %d", i), "a")); err != nil {
			t.Fatal(err)
		}
	}
	c.Close()

	// lose the index
	if err = os.Remove(c.log.IndexFilePath()); err != nil {
		t.Fatal(err)
	}

	c, err = New("test", cfg)
	if err != nil {
		t.Fatal("Could not reopen the collection err=", err)
	}
	defer c.Close()

	es, err := c.Subscribe(model.NewQuery(false, 500, 1, ""))
	assert.NoError(t, err)
	assert.Equal(t, []uint64{500}, collectIds(t, es, 5*time.Second))
}

func TestDropRemovesFiles(t *testing.T) {
	dir, err := ioutil.TempDir("", "collectionTest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	c, err := New("test", testConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	c.Publish(model.NewEvent("x", "a"))

	es, err := c.Subscribe(model.NewQuery(true, 0, 0, ""))
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), recvId(t, es))

	assert.NoError(t, c.Drop())

	// the open subscription completes with an end-of-stream marker
	assert.Equal(t, []uint64{}, append([]uint64{}, collectIds(t, es, 5*time.Second)...))

	if _, err = os.Stat(c.log.DataFilePath()); !os.IsNotExist(err) {
		t.Fatal("expecting the data file to be removed")
	}

	// dropping twice is a no-op
	assert.NoError(t, c.Drop())

	_, err = c.Publish(model.NewEvent("x", "a"))
	assert.True(t, errs.IsKind(err, errs.KindConnection))
}
