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
	"testing"

	"github.com/exar-db/exar/pkg/errs"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestEventEncoding(t *testing.T) {
	ev := NewEvent("data", "tag1", "tag2").WithId(1).WithTimestamp(1234567890)
	assert.Equal(t, "1\t1234567890\ttag1 tag2\tdata", ev.EncodeLine())
}

func TestEventDecoding(t *testing.T) {
	ev, err := DecodeLine("1\t1234567890\ttag1 tag2\tdata")
	assert.NoError(t, err)
	assert.Equal(t, NewEvent("data", "tag1", "tag2").WithId(1).WithTimestamp(1234567890), ev)

	// the payload may contain anything but tabs and newlines
	ev, err = DecodeLine("7\t42\ta\tx y z")
	assert.NoError(t, err)
	assert.Equal(t, "x y z", ev.Data)

	// an empty payload is legal
	ev, err = DecodeLine("7\t42\ta\t")
	assert.NoError(t, err)
	assert.Equal(t, "", ev.Data)
}

func TestEventDecodingErrors(t *testing.T) {
	for _, line := range []string{"", "1", "1\t2", "1\t2\ta", "x\t2\ta\td", "1\ty\ta\td"} {
		if _, err := DecodeLine(line); !errs.IsKind(err, errs.KindParse) {
			t.Fatal("expecting a ParseError for ", line, " but got ", err)
		}
	}
}

func TestEventValidation(t *testing.T) {
	ev := NewEvent("data")
	assert.True(t, errs.IsKind(ev.Validate(), errs.KindValidation))

	ev = NewEvent("data", "")
	assert.True(t, errs.IsKind(ev.Validate(), errs.KindValidation))

	ev = NewEvent("data", "a b")
	assert.True(t, errs.IsKind(ev.Validate(), errs.KindValidation))

	ev = NewEvent("da\tta", "a")
	assert.True(t, errs.IsKind(ev.Validate(), errs.KindValidation))

	ev = NewEvent("da\nta", "a")
	assert.True(t, errs.IsKind(ev.Validate(), errs.KindValidation))

	ev = NewEvent("data", "tag1", "tag2")
	assert.NoError(t, ev.Validate())
}

func TestEventHasTag(t *testing.T) {
	ev := NewEvent("data", "tag1", "tag2")
	assert.True(t, ev.HasTag("tag1"))
	assert.True(t, ev.HasTag("tag2"))
	assert.False(t, ev.HasTag("tag3"))
}

func TestEventCodecRoundTrip(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genTag := gen.RegexMatch("[a-zA-Z0-9_.:-]+")
	genData := gen.RegexMatch("[^\t\n]*")

	properties.Property("decode inverts encode", prop.ForAll(
		func(id uint64, ts uint64, tags []string, data string) bool {
			ev := Event{Id: id, Timestamp: ts, Tags: tags, Data: data}
			if ev.Validate() != nil {
				return true
			}
			dec, err := DecodeLine(ev.EncodeLine())
			return err == nil &&
				dec.Id == ev.Id && dec.Timestamp == ev.Timestamp &&
				dec.Data == ev.Data && assert.ObjectsAreEqual(ev.Tags, dec.Tags)
		},
		gen.UInt64(),
		gen.UInt64(),
		gen.SliceOfN(3, genTag),
		genData,
	))

	properties.TestingRun(t)
}
