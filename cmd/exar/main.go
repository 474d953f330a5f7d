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

package main

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/exar-db/exar/server"
	"github.com/jrivets/log4g"
	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v2"
)

const Version = "0.1.0"

const (
	argLogCfgFile = "log-config-file"
	argCfgFile    = "config-file"
	argPidFile    = "pid-file"

	argStartHost        = "host"
	argStartPort        = "port"
	argStartDataPath    = "data-path"
	argStartGranularity = "index-granularity"
	argStartScanners    = "scanners"
)

var log = log4g.GetLogger("exar")
var cfg = server.GetDefaultConfig()

func main() {
	defer log4g.Shutdown()

	app := &cli.App{
		Name:    "exar",
		Version: Version,
		Usage:   "Event store with live streaming",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  argLogCfgFile,
				Usage: "The log4g configuration file name",
				Value: "/opt/exar/log4g.properties",
			},
			&cli.StringFlag{
				Name:  argCfgFile,
				Usage: "The exar configuration file name",
				Value: "/opt/exar/config.json",
			},
			&cli.StringFlag{
				Name:  argPidFile,
				Usage: "The file for keeping the daemon pid",
				Value: "/tmp/exar.pid",
			},
		},
		Before: before,
		Commands: []*cli.Command{
			&cli.Command{
				Name:   "start",
				Usage:  "Run the server",
				Action: runServer,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  argStartHost,
						Usage: "The address the server listens on",
						Value: cfg.Server.Host,
					},
					&cli.IntFlag{
						Name:  argStartPort,
						Usage: "The port the server listens on",
						Value: cfg.Server.Port,
					},
					&cli.StringFlag{
						Name:  argStartDataPath,
						Usage: "The directory holding the collection files",
						Value: cfg.Database.DataPath,
					},
					&cli.Uint64Flag{
						Name:  argStartGranularity,
						Usage: "Number of data-file lines between two index entries",
						Value: cfg.Database.IndexGranularity,
					},
					&cli.IntFlag{
						Name:  argStartScanners,
						Usage: "Number of scanner workers per collection",
						Value: cfg.Database.Scanners.Count,
					},
				},
			},
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.FlagsByName(app.Commands[0].Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	app.Run(os.Args)
}

func before(c *cli.Context) error {
	logCfgFile := c.String(argLogCfgFile)
	if logCfgFile != "" {
		if _, err := os.Stat(logCfgFile); os.IsNotExist(err) {
			log.Warn("No file ", logCfgFile, " will use default log4g configuration")
		} else {
			log.Info("Loading log4g config from ", logCfgFile)
			err := log4g.ConfigF(logCfgFile)
			if err != nil {
				err := errors.Wrapf(err, "could not parse %s file as a log4g configuration, please check syntax ", logCfgFile)
				log.Fatal(err)
				return err
			}
		}
	}

	fc := server.ReadConfigFromFile(c.String(argCfgFile))
	if fc != nil {
		// overwrite default settings from file
		cfg.Apply(fc)
	}

	return nil
}

func runServer(c *cli.Context) error {
	pf := newPidFile(c.String(argPidFile))
	if !pf.lock() {
		return errors.Errorf("looks like another instance is running, could not lock %s", c.String(argPidFile))
	}
	defer pf.unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sigChan:
			log.Info("Got signal \"", s, "\", cancelling context ")
			cancel()
		}
	}()

	applyParamsToCfg(c)
	return server.Start(ctx, cfg)
}

func applyParamsToCfg(c *cli.Context) {
	dc := server.GetDefaultConfig()
	if h := c.String(argStartHost); dc.Server.Host != h {
		cfg.Server.Host = h
	}
	if p := c.Int(argStartPort); dc.Server.Port != p {
		cfg.Server.Port = p
	}
	if dp := c.String(argStartDataPath); dc.Database.DataPath != dp {
		cfg.Database.DataPath = dp
	}
	if g := c.Uint64(argStartGranularity); dc.Database.IndexGranularity != g {
		cfg.Database.IndexGranularity = g
	}
	if sc := c.Int(argStartScanners); dc.Database.Scanners.Count != sc {
		cfg.Database.Scanners.Count = sc
	}
}
