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

import "fmt"

type (
	// Query describes the window of a subscription. Offset is the first line
	// number wanted (1-based, 0 is treated as 1), Limit bounds the number of
	// delivered events (0 means unbounded), Tag filters by the event tag set
	// (empty matches everything) and LiveStream keeps the subscription open
	// past the end of the file.
	//
	// A query also carries the delivery state of its subscription: position
	// is the highest id considered so far (Offset-1 before the first line is
	// seen) and count is the number of events delivered. The state is
	// mutated only by the single worker owning the subscription at the
	// moment, so it needs no locking.
	Query struct {
		LiveStream bool
		Offset     uint64
		Limit      uint64
		Tag        string

		position uint64
		count    uint64
	}
)

// NewQuery creates a query and initializes its delivery state.
func NewQuery(liveStream bool, offset, limit uint64, tag string) *Query {
	q := &Query{LiveStream: liveStream, Offset: offset, Limit: limit, Tag: tag}
	if offset < 1 {
		offset = 1
	}
	q.position = offset - 1
	return q
}

// Matches reports whether the event is wanted by the query: it is past the
// current position and it carries the filter tag, if one is set.
func (q *Query) Matches(ev *Event) bool {
	if ev.Id <= q.position {
		return false
	}
	return q.Tag == "" || ev.HasTag(q.Tag)
}

// IsActive returns false once the limit is exhausted.
func (q *Query) IsActive() bool {
	return q.Limit == 0 || q.count < q.Limit
}

// Update records a delivery of the event with the given id.
func (q *Query) Update(id uint64) {
	q.position = id
	q.count++
}

// Skip advances the position past an event that was considered but filtered
// out. Skipped events do not count against the limit.
func (q *Query) Skip(id uint64) {
	if id > q.position {
		q.position = id
	}
}

// Position returns the highest event id the query has considered. The
// scanner resumes reading at Position()+1 and the publisher uses it as the
// exclusive handoff floor.
func (q *Query) Position() uint64 {
	return q.position
}

func (q *Query) String() string {
	return fmt.Sprintf("Query{live=%t, offset=%d, limit=%d, tag=%q, pos=%d, cnt=%d}",
		q.LiveStream, q.Offset, q.Limit, q.Tag, q.position, q.count)
}
