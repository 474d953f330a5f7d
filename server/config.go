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
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/exar-db/exar/pkg/database"
	"github.com/jrivets/log4g"
	"github.com/pkg/errors"
)

type (
	// TcpConfig defines where the server listens and the optional
	// credentials clients must present.
	TcpConfig struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
	}

	// Config is the whole exar server configuration.
	Config struct {
		Server   TcpConfig       `json:"server"`
		Database database.Config `json:"database"`
	}
)

var configLog = log4g.GetLogger("server.Config")

// GetDefaultConfig returns the settings used when no configuration file and
// no flags are given.
func GetDefaultConfig() *Config {
	return &Config{
		Server:   TcpConfig{Host: "127.0.0.1", Port: 38580},
		Database: database.DefaultConfig(),
	}
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// NeedsAuthentication reports whether clients must authenticate first.
func (c *Config) NeedsAuthentication() bool {
	return c.Server.Username != "" && c.Server.Password != ""
}

// Apply overrides c's properties by non-default values from cfg.
func (c *Config) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Server.Host != "" {
		c.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port > 0 {
		c.Server.Port = cfg.Server.Port
	}
	if cfg.Server.Username != "" {
		c.Server.Username = cfg.Server.Username
	}
	if cfg.Server.Password != "" {
		c.Server.Password = cfg.Server.Password
	}
	c.Database.Apply(&cfg.Database)
}

// ReadConfigFromFile reads the config from filename. It returns nil if
// filename is empty or the file does not exist. It will panic if the file
// exists, but could not be read properly.
func ReadConfigFromFile(filename string) *Config {
	if filename == "" {
		return nil
	}

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		configLog.Warn("There is no file ", filename, " for reading the exar config, will use default configuration.")
		return nil
	}

	cfgData, err := ioutil.ReadFile(filename)
	if err != nil {
		configLog.Fatal("Could not read configuration file ", filename, ": ", err)
		panic(errors.Wrapf(err, "could not read data from config file %s", filename))
	}

	c := &Config{}
	if err = json.Unmarshal(cfgData, c); err != nil {
		configLog.Fatal("Could not unmarshal data from ", filename, ", err=", err)
		panic(errors.Wrapf(err, "could not unmarshal json data from config file %s", filename))
	}

	configLog.Info("Configuration read from ", filename)
	return c
}
