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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/exar-db/exar/client"
	"github.com/peterh/liner"
	"gopkg.in/urfave/cli.v2"
)

const Version = "0.1.0"

const (
	argAddr     = "address"
	argUsername = "username"
	argPassword = "password"
)

func main() {
	app := &cli.App{
		Name:    "exar-cli",
		Version: Version,
		Usage:   "Interactive exar shell",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  argAddr,
				Usage: "The server address to connect to",
				Value: "127.0.0.1:38580",
			},
			&cli.StringFlag{
				Name:  argUsername,
				Usage: "The username, when the server requires authentication",
			},
			&cli.StringFlag{
				Name:  argPassword,
				Usage: "The password, when the server requires authentication",
			},
		},
		Action: runShell,
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	app.Run(os.Args)
}

type shell struct {
	cl *client.Client

	lock sync.Mutex
	es   *client.EventStream
}

func (sh *shell) setStream(es *client.EventStream) {
	sh.lock.Lock()
	sh.es = es
	sh.lock.Unlock()
}

func (sh *shell) stream() *client.EventStream {
	sh.lock.Lock()
	defer sh.lock.Unlock()
	return sh.es
}

func runShell(c *cli.Context) error {
	cl, err := client.Dial(c.String(argAddr), 5*time.Second)
	if err != nil {
		return err
	}
	defer cl.Close()

	if user := c.String(argUsername); user != "" {
		if err = cl.Authenticate(user, c.String(argPassword)); err != nil {
			return err
		}
	}
	fmt.Println("Connected to", c.String(argAddr), "(type \"help\" for the command list)")

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	histFile := filepath.Join(os.TempDir(), ".exar_cli_history")
	if f, err := os.Open(histFile); err == nil {
		ln.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histFile); err == nil {
			ln.WriteHistory(f)
			f.Close()
		}
	}()

	sh := &shell{cl: cl}
	for {
		line, err := ln.Prompt("exar> ")
		if err != nil {
			// Ctrl-C or Ctrl-D
			fmt.Println()
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ln.AppendHistory(line)

		if done, err := sh.exec(line); err != nil {
			fmt.Println("Error:", err)
		} else if done {
			return nil
		}
	}
}

func (sh *shell) exec(line string) (bool, error) {
	args := strings.Fields(line)
	switch args[0] {
	case "help":
		printHelp()
	case "quit", "exit":
		return true, nil
	case "select":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: select <collection>")
		}
		return false, sh.cl.Select(args[1])
	case "drop":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: drop <collection>")
		}
		return false, sh.cl.Drop(args[1])
	case "publish":
		return false, sh.publish(args[1:])
	case "stats":
		return false, sh.stats()
	case "subscribe":
		return false, sh.subscribe(args[1:])
	case "unsubscribe":
		es := sh.stream()
		if es == nil {
			return false, fmt.Errorf("no open subscription")
		}
		return false, es.Unsubscribe()
	default:
		return false, fmt.Errorf("unknown command %q, type \"help\"", args[0])
	}
	return false, nil
}

// publish <comma-joined-tags> <data...>
func (sh *shell) publish(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: publish <tag[,tag...]> <data>")
	}
	tags := strings.Split(args[0], ",")
	data := strings.Join(args[1:], " ")

	id, err := sh.cl.Publish(tags, 0, data)
	if err != nil {
		return err
	}
	fmt.Println("Published with id", id)
	return nil
}

func (sh *shell) stats() error {
	st, err := sh.cl.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s events, %s on disk\n",
		st.Collection, humanize.Comma(int64(st.Events)), humanize.Bytes(st.Size))
	return nil
}

// subscribe [live] [offset] [limit] [tag]
func (sh *shell) subscribe(args []string) error {
	live := false
	var offset, limit uint64
	var tag string
	var err error

	if len(args) > 0 {
		if live, err = strconv.ParseBool(args[0]); err != nil {
			return fmt.Errorf("bad live flag %q", args[0])
		}
	}
	if len(args) > 1 {
		if offset, err = strconv.ParseUint(args[1], 10, 64); err != nil {
			return fmt.Errorf("bad offset %q", args[1])
		}
	}
	if len(args) > 2 {
		if limit, err = strconv.ParseUint(args[2], 10, 64); err != nil {
			return fmt.Errorf("bad limit %q", args[2])
		}
	}
	if len(args) > 3 {
		tag = args[3]
	}

	es, err := sh.cl.Subscribe(live, offset, limit, tag)
	if err != nil {
		return err
	}
	sh.setStream(es)

	start := time.Now()
	if live {
		// keep the prompt usable, print events as they come
		go sh.drain(es, start)
		fmt.Println("Streaming live, use \"unsubscribe\" to stop")
		return nil
	}
	sh.drain(es, start)
	return nil
}

func (sh *shell) drain(es *client.EventStream, start time.Time) {
	var count int64
	for ev := range es.C {
		fmt.Printf("%d\t%d\t%s\t%s\n", ev.Id, ev.Timestamp, strings.Join(ev.Tags, " "), ev.Data)
		count++
	}
	sh.setStream(nil)
	if err := es.Err(); err != nil {
		fmt.Println("Stream failed:", err)
		return
	}
	fmt.Printf("End of stream, %s events in %s\n", humanize.Comma(count), time.Since(start).Round(time.Millisecond))
}

func printHelp() {
	fmt.Print(`Commands:
  select <collection>                      bind the session to a collection
  publish <tag[,tag...]> <data>            append an event
  subscribe [live] [offset] [limit] [tag]  replay and/or stream events
  unsubscribe                              stop the open live stream
  stats                                    event count and size of the collection
  drop <collection>                        remove a collection and its files
  quit                                     leave the shell
`)
}
