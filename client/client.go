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

// Package client is the Go client of the exar TCP protocol. A Client wraps
// one connection; commands are synchronous and at most one subscription is
// open at a time.
package client

import (
	"net"
	"sync"
	"time"

	"github.com/exar-db/exar/pkg/errs"
	"github.com/exar-db/exar/pkg/model"
	"github.com/exar-db/exar/pkg/protocol"
)

type (
	Client struct {
		stream *protocol.Stream

		lock       sync.Mutex
		subscribed bool
	}

	// EventStream is the consumer side of a remote subscription. C is closed
	// after the end-of-stream marker, a terminal error (see Err) or
	// Unsubscribe.
	EventStream struct {
		C <-chan model.Event

		c      *Client
		ch     chan model.Event
		lock   sync.Mutex
		err    error
		closed bool
	}
)

const streamChCapacity = 256

// Dial connects to an exar server.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errs.NewIo(err)
	}
	return &Client{stream: protocol.NewStream(conn)}, nil
}

// Authenticate presents credentials to the server.
func (c *Client) Authenticate(username, password string) error {
	return c.roundTrip(protocol.Authenticate{Username: username, Password: password},
		protocol.Authenticated{})
}

// Select binds the connection to the collection.
func (c *Client) Select(collection string) error {
	return c.roundTrip(protocol.Select{Collection: collection}, protocol.Selected{})
}

// Drop removes the collection and its files.
func (c *Client) Drop(collection string) error {
	return c.roundTrip(protocol.Drop{Collection: collection}, protocol.Dropped{})
}

// Publish appends an event to the selected collection and returns its id.
// A zero timestamp is assigned by the server.
func (c *Client) Publish(tags []string, timestamp uint64, data string) (uint64, error) {
	if err := c.checkIdle(); err != nil {
		return 0, err
	}
	if err := c.stream.Send(protocol.Publish{Tags: tags, Timestamp: timestamp, Data: data}); err != nil {
		return 0, err
	}
	m, err := c.recv()
	if err != nil {
		return 0, err
	}
	p, ok := m.(protocol.Published)
	if !ok {
		return 0, errs.NewConnection("unexpected response %q", m.EncodeMessage())
	}
	return p.Id, nil
}

// Stats reports the number of stored events and the data file size of the
// selected collection.
func (c *Client) Stats() (protocol.CollectionStats, error) {
	if err := c.checkIdle(); err != nil {
		return protocol.CollectionStats{}, err
	}
	if err := c.stream.Send(protocol.Stats{}); err != nil {
		return protocol.CollectionStats{}, err
	}
	m, err := c.recv()
	if err != nil {
		return protocol.CollectionStats{}, err
	}
	st, ok := m.(protocol.CollectionStats)
	if !ok {
		return protocol.CollectionStats{}, errs.NewConnection("unexpected response %q", m.EncodeMessage())
	}
	return st, nil
}

// Subscribe opens an event stream over the selected collection. Until the
// stream finishes the connection accepts no other command.
func (c *Client) Subscribe(liveStream bool, offset, limit uint64, tag string) (*EventStream, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.subscribed {
		return nil, errs.NewSubscription("a subscription is already open on this connection")
	}

	msg := protocol.Subscribe{LiveStream: liveStream, Offset: offset, Limit: limit, Tag: tag}
	if err := c.stream.Send(msg); err != nil {
		return nil, err
	}
	m, err := c.recv()
	if err != nil {
		return nil, err
	}
	if _, ok := m.(protocol.Subscribed); !ok {
		return nil, errs.NewConnection("unexpected response %q", m.EncodeMessage())
	}

	es := &EventStream{c: c, ch: make(chan model.Event, streamChCapacity)}
	es.C = es.ch
	c.subscribed = true
	go es.pump()
	return es, nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.stream.Close()
}

func (c *Client) roundTrip(req, want protocol.Message) error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	if err := c.stream.Send(req); err != nil {
		return err
	}
	m, err := c.recv()
	if err != nil {
		return err
	}
	if m.EncodeMessage() != want.EncodeMessage() {
		return errs.NewConnection("unexpected response %q", m.EncodeMessage())
	}
	return nil
}

// recv reads the next message, turning error frames into errors.
func (c *Client) recv() (protocol.Message, error) {
	m, err := c.stream.Recv()
	if err != nil {
		return nil, err
	}
	if em, ok := m.(protocol.ErrorMessage); ok {
		return nil, em.Err
	}
	return m, nil
}

func (c *Client) checkIdle() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.subscribed {
		return errs.NewSubscription("the connection is busy with a subscription")
	}
	return nil
}

func (es *EventStream) pump() {
	defer func() {
		es.c.lock.Lock()
		es.c.subscribed = false
		es.c.lock.Unlock()
		close(es.ch)
	}()

	for {
		m, err := es.c.stream.Recv()
		if err != nil {
			es.setErr(err)
			return
		}
		switch m := m.(type) {
		case protocol.EventMessage:
			es.ch <- m.Event
		case protocol.EndOfEventStream:
			return
		case protocol.ErrorMessage:
			es.setErr(m.Err)
			return
		default:
			es.setErr(errs.NewConnection("unexpected message %q in event stream", m.EncodeMessage()))
			return
		}
	}
}

// Unsubscribe asks the server to close the stream; the channel is closed
// once the end-of-stream marker arrives.
func (es *EventStream) Unsubscribe() error {
	es.lock.Lock()
	defer es.lock.Unlock()
	if es.closed {
		return nil
	}
	es.closed = true
	return es.c.stream.Send(protocol.Unsubscribe{})
}

// Err returns the terminal error of the stream, if any, once C is closed.
func (es *EventStream) Err() error {
	es.lock.Lock()
	defer es.lock.Unlock()
	return es.err
}

func (es *EventStream) setErr(err error) {
	es.lock.Lock()
	es.err = err
	es.lock.Unlock()
}
