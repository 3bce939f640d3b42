// Copyright 2026 The Streamvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command streamvisor is a client for the status API of streamvisord.
// It uses subcommands.
//
// The flags are
//
//	-a <address>	- the API address, default is http://127.0.0.1:8321
//	-u <user:pass>	- user name & password for basic auth
//
// Subcommands are
//
//	children            - list all children
//	status              - show the supervisor summary
//	info <pid>          - show one child
//	signal <pid> <sig>  - send a signal (TERM, KILL, HUP, ...) to a child
//	log                 - print the supervisor log
//	top                 - live view (the default)
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pufferlab/streamvisor/rest"
	"github.com/pufferlab/streamvisor/streamvisor/ui"
	"github.com/pufferlab/streamvisor/streamvisor/util"
)

var addr = "http://127.0.0.1:8321"
var auth = ""
var timeout = 5 * time.Second

func usage() {
	fatalf("Usage: %s [-a <address>] [-u <user:pass>] <subcommand>", os.Args[0])
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	pflag.StringVarP(&addr, "address", "a", addr, "streamvisord API address")
	pflag.StringVarP(&auth, "user", "u", auth, "user:pass authentication")
	pflag.DurationVar(&timeout, "timeout", timeout, "request timeout")
	pflag.Parse()

	client := rest.NewClient(addr)
	if auth != "" {
		a := strings.SplitN(auth, ":", 2)
		if len(a) != 2 {
			fatalf("Bad user:pass supplied")
		}
		client.SetAuth(a[0], a[1])
	}

	args := pflag.Args()
	if len(args) == 0 {
		args = []string{"top"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch args[0] {
	case "children":
		if len(args) != 1 {
			usage()
		}
		kids, e := client.Children(ctx)
		if e != nil {
			fatalf("Failed: %v", e)
		}
		util.SortChildren(kids)
		now := time.Now()
		for i := range kids {
			k := &kids[i]
			fmt.Printf("%8d %-20s %-16s %10s  %s\n", k.Pid, k.Name(),
				util.Status(k), util.FormatDuration(util.Uptime(k, now)),
				k.Command())
		}

	case "status":
		if len(args) != 1 {
			usage()
		}
		info, e := client.Info(ctx)
		if e != nil {
			fatalf("Failed: %v", e)
		}
		fmt.Printf("Name:      %s\n", info.Name)
		fmt.Printf("ID:        %s\n", info.ID)
		fmt.Printf("Live:      %d\n", info.Live)
		fmt.Printf("Failures:  %d\n", info.Failures)
		fmt.Printf("Up:        %s\n", util.FormatDuration(time.Since(info.CreateTime)))
		fmt.Printf("Updated:   %s ago\n", util.FormatDuration(time.Since(info.UpdateTime)))

	case "info":
		if len(args) != 2 {
			usage()
		}
		pid, e := strconv.Atoi(args[1])
		if e != nil {
			usage()
		}
		k, e := client.Child(ctx, pid)
		if e != nil {
			fatalf("Failed: %v", e)
		}
		fmt.Printf("Pid:       %d\n", k.Pid)
		fmt.Printf("Path:      %s\n", k.Path)
		fmt.Printf("Command:   %s\n", k.Command())
		fmt.Printf("Status:    %s\n", util.Status(k))
		fmt.Printf("Started:   %s\n", k.Started.Format(time.RFC3339))
		if k.State.Terminal() {
			fmt.Printf("Ended:     %s\n", k.Ended.Format(time.RFC3339))
		}
		fmt.Printf("Uptime:    %s\n", util.FormatDuration(util.Uptime(k, time.Now())))

	case "signal":
		if len(args) != 3 {
			usage()
		}
		pid, e := strconv.Atoi(args[1])
		if e != nil {
			usage()
		}
		if _, e := rest.ParseSignal(args[2]); e != nil {
			fatalf("Failed: %v", e)
		}
		if e := client.Signal(ctx, pid, args[2]); e != nil {
			fatalf("Failed: %v", e)
		}

	case "log":
		if len(args) != 1 {
			usage()
		}
		recs, e := client.Log(ctx)
		if e != nil {
			fatalf("Failed: %v", e)
		}
		for _, r := range recs {
			fmt.Printf("%s %s\n", r.Time.Format(time.StampMilli), r.Text)
		}

	case "top":
		cancel()
		app := ui.NewApp(client, addr, zap.NewNop())
		if e := app.Run(); e != nil {
			fatalf("Failed: %v", e)
		}

	default:
		usage()
	}
}
