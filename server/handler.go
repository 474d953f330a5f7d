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

package server

import (
	"sync"

	"github.com/exar-db/exar/pkg/collection"
	"github.com/exar-db/exar/pkg/errs"
	"github.com/exar-db/exar/pkg/model"
	"github.com/exar-db/exar/pkg/protocol"
	"github.com/exar-db/exar/pkg/subscription"
	"github.com/jrivets/log4g"
)

type (
	// handler drives one client connection: a little state machine going
	// from idle, through authenticated, to a selected collection, with at
	// most one open event stream at a time.
	handler struct {
		srv    *TcpServer
		stream *protocol.Stream

		authenticated bool
		coll          *collection.Collection

		lock sync.Mutex
		es   *subscription.EventStream
		ewg  sync.WaitGroup

		logger log4g.Logger
	}
)

func newHandler(srv *TcpServer, stream *protocol.Stream) *handler {
	h := new(handler)
	h.srv = srv
	h.stream = stream
	h.authenticated = !srv.Cfg.NeedsAuthentication()
	h.logger = log4g.GetLogger("server.handler").WithId("{" + stream.RemoteAddr() + "}").(log4g.Logger)
	return h
}

func (h *handler) run() {
	h.logger.Debug("Client connected")
	for {
		m, err := h.stream.Recv()
		if err != nil {
			if errs.IsKind(err, errs.KindParse) {
				h.fail(err)
				continue
			}
			// the connection is gone
			break
		}
		if err = h.receive(m); err != nil {
			h.fail(err)
		}
	}

	h.unsubscribe()
	h.ewg.Wait()
	h.stream.Close()
	h.logger.Debug("Client disconnected")
}

func (h *handler) receive(m protocol.Message) error {
	switch m := m.(type) {
	case protocol.Authenticate:
		return h.onAuthenticate(m)
	case protocol.Select:
		return h.onSelect(m)
	case protocol.Publish:
		return h.onPublish(m)
	case protocol.Subscribe:
		return h.onSubscribe(m)
	case protocol.Unsubscribe:
		h.unsubscribe()
		return nil
	case protocol.Stats:
		return h.onStats()
	case protocol.Drop:
		return h.onDrop(m)
	}
	return errs.NewConnection("unexpected message %q", m.EncodeMessage())
}

func (h *handler) onAuthenticate(m protocol.Authenticate) error {
	if !h.srv.Cfg.NeedsAuthentication() ||
		(m.Username == h.srv.Cfg.Server.Username && m.Password == h.srv.Cfg.Server.Password) {
		h.authenticated = true
		return h.stream.Send(protocol.Authenticated{})
	}
	return errs.NewAuthentication("invalid credentials")
}

func (h *handler) onSelect(m protocol.Select) error {
	if !h.authenticated {
		return errs.NewAuthentication("authentication required")
	}

	c, err := h.srv.Db.Collection(m.Collection)
	if err != nil {
		return err
	}
	h.coll = c
	return h.stream.Send(protocol.Selected{})
}

func (h *handler) onPublish(m protocol.Publish) error {
	if err := h.checkSelected(); err != nil {
		return err
	}

	ev := model.Event{Tags: m.Tags, Timestamp: m.Timestamp, Data: m.Data}
	id, err := h.coll.Publish(ev)
	if err != nil {
		return err
	}
	return h.stream.Send(protocol.Published{Id: id})
}

func (h *handler) onSubscribe(m protocol.Subscribe) error {
	if err := h.checkSelected(); err != nil {
		return err
	}

	h.lock.Lock()
	busy := h.es != nil
	h.lock.Unlock()
	if busy {
		return errs.NewSubscription("a subscription is already open on this connection")
	}

	q := model.NewQuery(m.LiveStream, m.Offset, m.Limit, m.Tag)
	es, err := h.coll.Subscribe(q)
	if err != nil {
		return err
	}
	if err = h.stream.Send(protocol.Subscribed{}); err != nil {
		es.Unsubscribe()
		return err
	}

	h.lock.Lock()
	h.es = es
	h.lock.Unlock()

	h.ewg.Add(1)
	go h.pump(es)
	return nil
}

// pump copies one event stream to the connection until it completes or the
// connection dies.
func (h *handler) pump(es *subscription.EventStream) {
	defer h.ewg.Done()

	for m := range es.Chan() {
		var err error
		switch {
		case m.End:
			err = h.stream.Send(protocol.EndOfEventStream{})
		case m.Err != nil:
			err = h.stream.Send(protocol.ErrorMessage{Err: errs.AsError(m.Err)})
		default:
			err = h.stream.Send(protocol.EventMessage{Event: m.Event})
		}
		if err != nil {
			es.Unsubscribe()
			break
		}
	}

	h.lock.Lock()
	if h.es == es {
		h.es = nil
	}
	h.lock.Unlock()
}

func (h *handler) unsubscribe() {
	h.lock.Lock()
	es := h.es
	h.lock.Unlock()
	if es != nil {
		es.Unsubscribe()
	}
}

func (h *handler) onStats() error {
	if err := h.checkSelected(); err != nil {
		return err
	}

	events, size, err := h.coll.Stats()
	if err != nil {
		return err
	}
	return h.stream.Send(protocol.CollectionStats{
		Collection: h.coll.Name(),
		Events:     events,
		Size:       uint64(size),
	})
}

func (h *handler) onDrop(m protocol.Drop) error {
	if !h.authenticated {
		return errs.NewAuthentication("authentication required")
	}

	if err := h.srv.Db.Drop(m.Collection); err != nil {
		return err
	}
	h.coll = nil
	return h.stream.Send(protocol.Dropped{})
}

func (h *handler) checkSelected() error {
	if !h.authenticated {
		return errs.NewAuthentication("authentication required")
	}
	if h.coll == nil {
		return errs.NewConnection("no collection selected")
	}
	return nil
}

func (h *handler) fail(err error) {
	if serr := h.stream.Send(protocol.ErrorMessage{Err: errs.AsError(err)}); serr != nil {
		h.logger.Debug("Could not send the error frame: ", serr)
	}
}
