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

package scanner

import (
	"math/rand"
	"sync/atomic"

	"github.com/pkg/errors"
)

// RoutingStrategy selects the worker a new subscription is routed to. The
// choice is advisory: any worker serves any subscription correctly.
type RoutingStrategy string

const (
	Random     RoutingStrategy = "Random"
	RoundRobin RoutingStrategy = "RoundRobin"
)

// ParseRoutingStrategy parses the configuration value; the empty string
// yields the default RoundRobin.
func ParseRoutingStrategy(s string) (RoutingStrategy, error) {
	switch RoutingStrategy(s) {
	case Random:
		return Random, nil
	case RoundRobin, RoutingStrategy(""):
		return RoundRobin, nil
	}
	return RoundRobin, errors.Errorf("unknown routing strategy %q", s)
}

type router struct {
	strategy RoutingStrategy
	cntr     uint64
}

// next returns the index of the worker the next subscription goes to.
func (r *router) next(size int) int {
	if r.strategy == Random {
		return rand.Intn(size)
	}
	return int((atomic.AddUint64(&r.cntr, 1) - 1) % uint64(size))
}
