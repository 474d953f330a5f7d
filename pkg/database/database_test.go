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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/exar-db/exar/pkg/errs"
	"github.com/exar-db/exar/pkg/model"
	"github.com/exar-db/exar/pkg/scanner"
	"github.com/stretchr/testify/assert"
)

func testDbConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.DataPath = dir
	cfg.Scanners.SleepMs = 2
	return cfg
}

func openTestDb(t *testing.T) (*Service, func()) {
	dir, err := ioutil.TempDir("", "databaseTest")
	if err != nil {
		t.Fatal("Could not create new dir err=", err)
	}
	db, err := Open(testDbConfig(dir))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal("Could not open the database err=", err)
	}
	return db, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func TestDatabaseLazyCollectionCreate(t *testing.T) {
	db, cleanup := openTestDb(t)
	defer cleanup()

	c, err := db.Collection("events")
	assert.NoError(t, err)

	again, err := db.Collection("events")
	assert.NoError(t, err)
	if c != again {
		t.Fatal("expecting the same collection instance on the second reference")
	}

	assert.Equal(t, []string{"events"}, db.Names())
}

func TestDatabaseCollectionNameValidation(t *testing.T) {
	db, cleanup := openTestDb(t)
	defer cleanup()

	for _, name := range []string{"", "a/b", "a b", ".", "..", "a\tb"} {
		if _, err := db.Collection(name); !errs.IsKind(err, errs.KindValidation) {
			t.Fatal("expecting a ValidationError for ", name, " but got ", err)
		}
	}
}

func TestDatabaseDrop(t *testing.T) {
	db, cleanup := openTestDb(t)
	defer cleanup()

	c, err := db.Collection("events")
	assert.NoError(t, err)
	_, err = c.Publish(model.NewEvent("x", "a"))
	assert.NoError(t, err)

	assert.NoError(t, db.Drop("events"))
	assert.Equal(t, 0, len(db.Names()))

	// the files are gone; the next reference starts from scratch
	c, err = db.Collection("events")
	assert.NoError(t, err)
	id, err := c.Publish(model.NewEvent("y", "a"))
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestDatabaseDirLock(t *testing.T) {
	db, cleanup := openTestDb(t)
	defer cleanup()

	if _, err := Open(*db.Cfg); !errs.IsKind(err, errs.KindIo) {
		t.Fatal("expecting the second open of the same directory to fail, but got ", err)
	}

	db.Close()

	// the lock is released on close
	db2, err := Open(*db.Cfg)
	assert.NoError(t, err)
	db2.Close()
}

func TestDatabaseClosedRejectsOperations(t *testing.T) {
	db, cleanup := openTestDb(t)
	defer cleanup()

	db.Close()
	if _, err := db.Collection("events"); !errs.IsKind(err, errs.KindConnection) {
		t.Fatal("expecting a ConnectionError after close, but got ", err)
	}
}

func TestCollectionConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataPath = "/tmp/exar"

	ccfg, err := cfg.CollectionConfig("events")
	assert.NoError(t, err)
	assert.Equal(t, "/tmp/exar", ccfg.Dir)
	assert.Equal(t, uint64(100000), ccfg.IndexGranularity)
	assert.Equal(t, 2, ccfg.Scanners.Count)
	assert.Equal(t, 10, ccfg.Scanners.SleepMs)
	assert.Equal(t, 10000, ccfg.Publisher.BufferSize)
	assert.Equal(t, scanner.RoundRobin, ccfg.RoutingStrategy)
}

func TestCollectionConfigOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataPath = "/tmp/exar"
	cfg.Collections = map[string]map[string]interface{}{
		"busy": {
			"index_granularity": 1000,
			"scanners":          map[string]interface{}{"count": 8},
			"routing_strategy":  "Random",
		},
	}

	ccfg, err := cfg.CollectionConfig("busy")
	assert.NoError(t, err)
	assert.Equal(t, uint64(1000), ccfg.IndexGranularity)
	assert.Equal(t, 8, ccfg.Scanners.Count)
	// untouched settings keep the database-level values
	assert.Equal(t, 10, ccfg.Scanners.SleepMs)
	assert.Equal(t, 10000, ccfg.Publisher.BufferSize)
	assert.Equal(t, scanner.Random, ccfg.RoutingStrategy)

	// the defaults are not leaked between resolutions
	other, err := cfg.CollectionConfig("other")
	assert.NoError(t, err)
	assert.Equal(t, uint64(100000), other.IndexGranularity)
	assert.Equal(t, 2, other.Scanners.Count)
}

func TestCollectionConfigBadStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Collections = map[string]map[string]interface{}{
		"bad": {"routing_strategy": "LeastLoaded"},
	}
	if _, err := cfg.CollectionConfig("bad"); err == nil {
		t.Fatal("expecting the unknown strategy to be rejected")
	}
}

func TestConfigApply(t *testing.T) {
	cfg := DefaultConfig()
	other := Config{}
	other.DataPath = "/data"
	other.Scanners.Count = 4

	cfg.Apply(&other)
	assert.Equal(t, "/data", cfg.DataPath)
	assert.Equal(t, 4, cfg.Scanners.Count)
	// zero values do not override the defaults
	assert.Equal(t, uint64(100000), cfg.IndexGranularity)
	assert.Equal(t, 10, cfg.Scanners.SleepMs)
}

func TestDatabaseLockFilePath(t *testing.T) {
	db, cleanup := openTestDb(t)
	defer cleanup()

	if _, err := os.Stat(filepath.Join(db.Cfg.DataPath, ".exar.lock")); err != nil {
		t.Fatal("expecting the lock file to exist, err=", err)
	}
}
