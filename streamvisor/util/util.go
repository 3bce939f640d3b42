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

// Package util is used for internal implementation bits in the CLI/UI.
package util

import (
	"fmt"
	"sort"
	"time"

	"github.com/pufferlab/streamvisor"
)

func FormatDuration(d time.Duration) string {

	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

// Uptime is how long the child ran, or has been running.
func Uptime(c *streamvisor.ChildInfo, now time.Time) time.Duration {
	end := now
	if c.State.Terminal() && !c.Ended.IsZero() {
		end = c.Ended
	}
	d := end.Sub(c.Started)
	if d < 0 {
		return 0
	}
	return d - d%time.Second
}

// Status is the state, with the exit status of failed children.
func Status(c *streamvisor.ChildInfo) string {
	switch c.State {
	case streamvisor.StateKilled:
		return "killed (" + c.Signal + ")"
	case streamvisor.StateExitedFailed:
		return fmt.Sprintf("failed (%d)", c.ExitCode)
	}
	return c.State.String()
}

func rank(s streamvisor.State) int {
	switch {
	case s.Failed():
		return 0
	case !s.Terminal():
		return 1
	}
	return 2
}

type sorted []streamvisor.ChildInfo

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	// failed children first, then running ones, then those that are done
	if ra, rb := rank(a.State), rank(b.State); ra != rb {
		return ra < rb
	}
	return a.Pid < b.Pid
}

func SortChildren(items []streamvisor.ChildInfo) {
	sort.Sort(sorted(items))
}
