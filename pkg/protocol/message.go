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

// Package protocol defines the newline-delimited, tab-separated messages
// clients and servers exchange over TCP.
package protocol

import (
	"strconv"
	"strings"

	"github.com/exar-db/exar/pkg/errs"
	"github.com/exar-db/exar/pkg/model"
)

// Message is one line of the wire protocol, either direction.
type Message interface {
	// EncodeMessage returns the tab-separated wire line, without the
	// trailing newline.
	EncodeMessage() string
}

type (
	// Authenticate carries the credentials of the handshake.
	Authenticate struct {
		Username string
		Password string
	}

	// Authenticated acknowledges a successful authentication.
	Authenticated struct{}

	// Select binds the connection to a collection.
	Select struct {
		Collection string
	}

	// Selected acknowledges a successful selection.
	Selected struct{}

	// Publish appends an event to the selected collection.
	Publish struct {
		Tags      []string
		Timestamp uint64
		Data      string
	}

	// Published acknowledges a publish with the assigned id.
	Published struct {
		Id uint64
	}

	// Subscribe opens an event stream over the selected collection.
	Subscribe struct {
		LiveStream bool
		Offset     uint64
		Limit      uint64
		Tag        string
	}

	// Subscribed acknowledges a subscription.
	Subscribed struct{}

	// Unsubscribe closes the current subscription.
	Unsubscribe struct{}

	// EventMessage carries one event of a stream.
	EventMessage struct {
		Event model.Event
	}

	// EndOfEventStream terminates an event stream.
	EndOfEventStream struct{}

	// Stats asks for the counters of the selected collection.
	Stats struct{}

	// CollectionStats answers a Stats request with the number of stored
	// events and the data file size in bytes.
	CollectionStats struct {
		Collection string
		Events     uint64
		Size       uint64
	}

	// Drop removes a collection and its files.
	Drop struct {
		Collection string
	}

	// Dropped acknowledges a drop.
	Dropped struct{}

	// ErrorMessage carries an error frame.
	ErrorMessage struct {
		Err *errs.Error
	}
)

func (m Authenticate) EncodeMessage() string {
	return "Authenticate\t" + m.Username + "\t" + m.Password
}

func (m Authenticated) EncodeMessage() string { return "Authenticated" }

func (m Select) EncodeMessage() string { return "Select\t" + m.Collection }

func (m Selected) EncodeMessage() string { return "Selected" }

func (m Publish) EncodeMessage() string {
	return "Publish\t" + strings.Join(m.Tags, " ") + "\t" +
		strconv.FormatUint(m.Timestamp, 10) + "\t" + m.Data
}

func (m Published) EncodeMessage() string {
	return "Published\t" + strconv.FormatUint(m.Id, 10)
}

func (m Subscribe) EncodeMessage() string {
	s := "Subscribe\t" + strconv.FormatBool(m.LiveStream) + "\t" +
		strconv.FormatUint(m.Offset, 10) + "\t" + strconv.FormatUint(m.Limit, 10)
	if m.Tag != "" {
		s += "\t" + m.Tag
	}
	return s
}

func (m Subscribed) EncodeMessage() string { return "Subscribed" }

func (m Unsubscribe) EncodeMessage() string { return "Unsubscribe" }

func (m EventMessage) EncodeMessage() string {
	return "Event\t" + m.Event.EncodeLine()
}

func (m EndOfEventStream) EncodeMessage() string { return "EndOfEventStream" }

func (m Stats) EncodeMessage() string { return "Stats" }

func (m CollectionStats) EncodeMessage() string {
	return "CollectionStats\t" + m.Collection + "\t" +
		strconv.FormatUint(m.Events, 10) + "\t" + strconv.FormatUint(m.Size, 10)
}

func (m Drop) EncodeMessage() string { return "Drop\t" + m.Collection }

func (m Dropped) EncodeMessage() string { return "Dropped" }

func (m ErrorMessage) EncodeMessage() string { return "Error\t" + m.Err.Encode() }

// Decode parses one wire line into its message.
func Decode(line string) (Message, error) {
	fields := strings.SplitN(line, "\t", 2)
	rest := ""
	if len(fields) == 2 {
		rest = fields[1]
	}

	switch fields[0] {
	case "Authenticate":
		args := strings.SplitN(rest, "\t", 2)
		if len(args) != 2 {
			return nil, errs.NewParse("Authenticate needs a username and a password")
		}
		return Authenticate{Username: args[0], Password: args[1]}, nil
	case "Authenticated":
		return Authenticated{}, nil
	case "Select":
		if rest == "" {
			return nil, errs.NewParse("Select needs a collection name")
		}
		return Select{Collection: rest}, nil
	case "Selected":
		return Selected{}, nil
	case "Publish":
		args := strings.SplitN(rest, "\t", 3)
		if len(args) != 3 {
			return nil, errs.NewParse("Publish needs tags, a timestamp and a payload")
		}
		ts, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return nil, errs.NewParse("could not parse publish timestamp %q", args[1])
		}
		return Publish{Tags: strings.Split(args[0], " "), Timestamp: ts, Data: args[2]}, nil
	case "Published":
		id, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return nil, errs.NewParse("could not parse published id %q", rest)
		}
		return Published{Id: id}, nil
	case "Subscribe":
		return decodeSubscribe(rest)
	case "Subscribed":
		return Subscribed{}, nil
	case "Unsubscribe":
		return Unsubscribe{}, nil
	case "Event":
		ev, err := model.DecodeLine(rest)
		if err != nil {
			return nil, err
		}
		return EventMessage{Event: ev}, nil
	case "EndOfEventStream":
		return EndOfEventStream{}, nil
	case "Stats":
		return Stats{}, nil
	case "CollectionStats":
		return decodeCollectionStats(rest)
	case "Drop":
		if rest == "" {
			return nil, errs.NewParse("Drop needs a collection name")
		}
		return Drop{Collection: rest}, nil
	case "Dropped":
		return Dropped{}, nil
	case "Error":
		e, err := errs.Decode(rest)
		if err != nil {
			return nil, err
		}
		return ErrorMessage{Err: e}, nil
	}
	return nil, errs.NewParse("unknown message %q", fields[0])
}

func decodeCollectionStats(rest string) (Message, error) {
	args := strings.SplitN(rest, "\t", 3)
	if len(args) != 3 || args[0] == "" {
		return nil, errs.NewParse("CollectionStats needs a collection, an event count and a size")
	}
	events, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return nil, errs.NewParse("could not parse stats event count %q", args[1])
	}
	size, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return nil, errs.NewParse("could not parse stats size %q", args[2])
	}
	return CollectionStats{Collection: args[0], Events: events, Size: size}, nil
}

func decodeSubscribe(rest string) (Message, error) {
	args := strings.SplitN(rest, "\t", 4)
	if len(args) < 2 {
		return nil, errs.NewParse("Subscribe needs at least live flag and offset")
	}
	live, err := strconv.ParseBool(args[0])
	if err != nil {
		return nil, errs.NewParse("could not parse subscribe live flag %q", args[0])
	}
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return nil, errs.NewParse("could not parse subscribe offset %q", args[1])
	}

	m := Subscribe{LiveStream: live, Offset: offset}
	if len(args) > 2 {
		if m.Limit, err = strconv.ParseUint(args[2], 10, 64); err != nil {
			return nil, errs.NewParse("could not parse subscribe limit %q", args[2])
		}
	}
	if len(args) > 3 {
		m.Tag = args[3]
	}
	return m, nil
}
