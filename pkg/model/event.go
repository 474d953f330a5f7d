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

package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/exar-db/exar/pkg/errs"
)

type (
	// Event is one record of a collection. Id is assigned by the collection
	// writer and equals the line number of the record in the data file, so
	// ids are dense and strictly increasing. Timestamp is unix milliseconds,
	// assigned by the writer when the caller passes 0.
	Event struct {
		Id        uint64
		Timestamp uint64
		Tags      []string
		Data      string
	}
)

// NewEvent creates a not-yet-published event with the data and tags provided.
func NewEvent(data string, tags ...string) Event {
	return Event{Tags: tags, Data: data}
}

// WithId returns a copy of the event with Id set to id.
func (ev Event) WithId(id uint64) Event {
	ev.Id = id
	return ev
}

// WithTimestamp returns a copy of the event with Timestamp set to ts.
func (ev Event) WithTimestamp(ts uint64) Event {
	ev.Timestamp = ts
	return ev
}

// WithCurrentTimestamp returns a copy of the event stamped with the wall clock.
func (ev Event) WithCurrentTimestamp() Event {
	return ev.WithTimestamp(CurrentTimestamp())
}

// HasTag reports whether tag is in the event tag set.
func (ev *Event) HasTag(tag string) bool {
	for _, t := range ev.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks the event against the data-file constraints: the tag set
// must not be empty, tags must be non-empty and whitespace-free, and the
// payload must not contain a tab or a newline.
func (ev *Event) Validate() error {
	if len(ev.Tags) == 0 {
		return errs.NewValidation("event must contain at least one tag")
	}
	for _, t := range ev.Tags {
		if len(t) == 0 {
			return errs.NewValidation("event must not contain empty tags")
		}
		if strings.ContainsAny(t, " \t\n\r") {
			return errs.NewValidation("event tags must not contain whitespace")
		}
	}
	if strings.ContainsAny(ev.Data, "\t\n") {
		return errs.NewValidation("event data must not contain tabs or newlines")
	}
	return nil
}

// EncodeLine serializes the event to its data-file representation (without
// the trailing newline): id, timestamp, space-joined tags and the payload,
// separated by tabs.
func (ev *Event) EncodeLine() string {
	return strconv.FormatUint(ev.Id, 10) + "\t" +
		strconv.FormatUint(ev.Timestamp, 10) + "\t" +
		strings.Join(ev.Tags, " ") + "\t" +
		ev.Data
}

// DecodeLine parses one data-file line back into an event.
func DecodeLine(line string) (Event, error) {
	fields := strings.SplitN(line, "\t", 4)
	if len(fields) != 4 {
		return Event{}, errs.NewParse("event line must have 4 tab-separated fields, got %d", len(fields))
	}

	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Event{}, errs.NewParse("could not parse event id %q", fields[0])
	}
	ts, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Event{}, errs.NewParse("could not parse event timestamp %q", fields[1])
	}

	return Event{Id: id, Timestamp: ts, Tags: strings.Split(fields[2], " "), Data: fields[3]}, nil
}

// CurrentTimestamp returns the wall clock in unix milliseconds.
func CurrentTimestamp() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

func (ev Event) String() string {
	return fmt.Sprintf("Event(%d, %d, [%s], %s)", ev.Id, ev.Timestamp, strings.Join(ev.Tags, ", "), ev.Data)
}
