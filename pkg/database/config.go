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

package database

import (
	"github.com/exar-db/exar/pkg/collection"
	"github.com/exar-db/exar/pkg/publisher"
	"github.com/exar-db/exar/pkg/scanner"
	"github.com/mitchellh/mapstructure"
	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"
)

type (
	// ScannersConfig sizes the scanner pool of a collection.
	ScannersConfig struct {
		Count   int `json:"count" mapstructure:"count"`
		SleepMs int `json:"sleep_ms" mapstructure:"sleep_ms"`
	}

	// PublisherConfig sizes the live fan-out of a collection.
	PublisherConfig struct {
		BufferSize int `json:"buffer_size" mapstructure:"buffer_size"`
	}

	// CollectionSettings are the per-collection knobs. They appear twice in
	// a configuration: once at the database level as the defaults, and once
	// per collection name as sparse overrides.
	CollectionSettings struct {
		DataPath         string          `json:"data_path" mapstructure:"data_path"`
		IndexGranularity uint64          `json:"index_granularity" mapstructure:"index_granularity"`
		Scanners         ScannersConfig  `json:"scanners" mapstructure:"scanners"`
		Publisher        PublisherConfig `json:"publisher" mapstructure:"publisher"`
		RoutingStrategy  string          `json:"routing_strategy" mapstructure:"routing_strategy"`
	}

	// Config is the database part of the server configuration.
	Config struct {
		CollectionSettings `mapstructure:",squash"`

		// Collections holds sparse per-collection overrides keyed by the
		// collection name. The values are kept raw and decoded onto a copy
		// of the database-level settings when the collection is opened.
		Collections map[string]map[string]interface{} `json:"collections"`
	}
)

// DefaultConfig returns the settings used when the configuration file does
// not say otherwise.
func DefaultConfig() Config {
	return Config{
		CollectionSettings: CollectionSettings{
			DataPath:         "",
			IndexGranularity: 100000,
			Scanners:         ScannersConfig{Count: 2, SleepMs: 10},
			Publisher:        PublisherConfig{BufferSize: 10000},
			RoutingStrategy:  string(scanner.RoundRobin),
		},
	}
}

// Apply overrides c's properties by non-default values from other.
func (c *Config) Apply(other *Config) {
	if other == nil {
		return
	}
	if other.DataPath != "" {
		c.DataPath = other.DataPath
	}
	if other.IndexGranularity > 0 {
		c.IndexGranularity = other.IndexGranularity
	}
	if other.Scanners.Count > 0 {
		c.Scanners.Count = other.Scanners.Count
	}
	if other.Scanners.SleepMs > 0 {
		c.Scanners.SleepMs = other.Scanners.SleepMs
	}
	if other.Publisher.BufferSize > 0 {
		c.Publisher.BufferSize = other.Publisher.BufferSize
	}
	if other.RoutingStrategy != "" {
		c.RoutingStrategy = other.RoutingStrategy
	}
	if len(other.Collections) > 0 {
		if c.Collections == nil {
			c.Collections = make(map[string]map[string]interface{})
		}
		for k, v := range other.Collections {
			c.Collections[k] = v
		}
	}
}

// CollectionConfig resolves the effective configuration of one collection:
// the database-level settings with the collection's sparse overrides, if
// any, decoded on top of a deep copy.
func (c *Config) CollectionConfig(name string) (collection.Config, error) {
	settings := deepcopy.Copy(c.CollectionSettings).(CollectionSettings)
	if raw, ok := c.Collections[name]; ok {
		if err := mapstructure.Decode(raw, &settings); err != nil {
			return collection.Config{}, errors.Wrapf(err, "bad configuration of collection %s", name)
		}
	}

	strategy, err := scanner.ParseRoutingStrategy(settings.RoutingStrategy)
	if err != nil {
		return collection.Config{}, errors.Wrapf(err, "bad configuration of collection %s", name)
	}

	return collection.Config{
		Dir:              settings.DataPath,
		IndexGranularity: settings.IndexGranularity,
		Scanners:         scanner.Config(settings.Scanners),
		Publisher:        publisher.Config(settings.Publisher),
		RoutingStrategy:  strategy,
	}, nil
}
