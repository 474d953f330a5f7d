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

// Package errs defines the error kinds surfaced by the store core and their
// wire representation. Every error crossing the protocol boundary is one of
// the kinds below; internal call sites wrap causes with pkg/errors and
// convert at the edge.
package errs

import (
	"fmt"
	"strings"
)

// Kind is the error category as it appears on the wire.
type Kind string

const (
	KindIo             Kind = "IoError"
	KindParse          Kind = "ParseError"
	KindValidation     Kind = "ValidationError"
	KindAuthentication Kind = "AuthenticationError"
	KindSubscription   Kind = "SubscriptionError"
	KindConnection     Kind = "ConnectionError"
)

type (
	// Error is a store error with a wire-encodable kind. Subkind is optional
	// and carries a secondary token (the io failure class, for instance).
	Error struct {
		Kind    Kind
		Subkind string
		Msg     string
	}
)

func (e *Error) Error() string {
	if e.Subkind != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Subkind, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Encode serializes the error to its tab-separated wire fields, without the
// leading "Error" token.
func (e *Error) Encode() string {
	if e.Subkind != "" {
		return string(e.Kind) + "\t" + e.Subkind + "\t" + e.Msg
	}
	return string(e.Kind) + "\t" + e.Msg
}

// Decode parses the tab-separated fields following the "Error" token of an
// error frame.
func Decode(s string) (*Error, error) {
	fields := strings.SplitN(s, "\t", 3)
	if len(fields) == 0 || fields[0] == "" {
		return nil, NewParse("empty error frame")
	}
	e := &Error{Kind: Kind(fields[0])}
	switch e.Kind {
	case KindIo, KindParse, KindValidation, KindAuthentication, KindSubscription, KindConnection:
	default:
		return nil, NewParse("unknown error kind %q", fields[0])
	}
	switch len(fields) {
	case 2:
		e.Msg = fields[1]
	case 3:
		e.Subkind, e.Msg = fields[1], fields[2]
	}
	return e, nil
}

// NewIo wraps an I/O failure. The subkind is always "Other": failure classes
// are not told apart, the cause is carried only in the message.
func NewIo(cause error) *Error {
	return &Error{Kind: KindIo, Subkind: "Other", Msg: cause.Error()}
}

func NewParse(format string, args ...interface{}) *Error {
	return &Error{Kind: KindParse, Msg: fmt.Sprintf(format, args...)}
}

func NewValidation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NewAuthentication(msg string) *Error {
	return &Error{Kind: KindAuthentication, Msg: msg}
}

func NewSubscription(format string, args ...interface{}) *Error {
	return &Error{Kind: KindSubscription, Msg: fmt.Sprintf(format, args...)}
}

func NewConnection(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConnection, Msg: fmt.Sprintf(format, args...)}
}

// AsError converts any error to a wire-encodable *Error, passing through
// values that already are one.
func AsError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return NewIo(err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}
