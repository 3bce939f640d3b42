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

package streamvisor

import (
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pufferlab/streamvisor/fd"
)

// State is the lifecycle state of a child.
//
//	Spawned --> Running --+--> ExitedClean
//	                      +--> ExitedFailed
//	                      +--> Killed
//
// The three exit states are terminal.
type State int

const (
	StateSpawned State = iota
	StateRunning
	StateExitedClean
	StateExitedFailed
	StateKilled
)

var stateNames = map[State]string{
	StateSpawned:      "spawned",
	StateRunning:      "running",
	StateExitedClean:  "exited",
	StateExitedFailed: "failed",
	StateKilled:       "killed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the child has finished.
func (s State) Terminal() bool {
	return s >= StateExitedClean
}

// Failed reports whether the state counts against the aggregate status.
func (s State) Failed() bool {
	return s == StateExitedFailed || s == StateKilled
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for k, v := range stateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown child state %q", b)
}

// Exit describes how a child terminated.
type Exit struct {
	Pid    int
	Code   int
	Signal syscall.Signal
}

// Signaled reports whether the child was terminated by a signal.
func (e Exit) Signaled() bool {
	return e.Signal != 0
}

func (e Exit) String() string {
	if e.Signaled() {
		return "signal: " + e.Signal.String()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e Exit) state() State {
	switch {
	case e.Signaled():
		return StateKilled
	case e.Code != 0:
		return StateExitedFailed
	}
	return StateExitedClean
}

// Child is the supervisor's record of one worker process.  All fields
// are protected by the supervisor's lock.
type Child struct {
	pid       int
	path      string
	args      []string
	onFailure func(pid int)
	state     State
	exit      Exit
	started   time.Time
	ended     time.Time
	exitfd    *fd.Descriptor
	outputs   []*output
	logger    *zap.Logger
}

// ChildInfo is a point in time copy of a Child, suitable for reporting.
type ChildInfo struct {
	Pid      int       `json:"pid"`
	Path     string    `json:"path"`
	Args     []string  `json:"args"`
	State    State     `json:"state"`
	ExitCode int       `json:"exitCode"`
	Signal   string    `json:"signal,omitempty"`
	Started  time.Time `json:"started"`
	Ended    time.Time `json:"ended"`
}

// Name returns a short name for the child, as used in logs.
func (i *ChildInfo) Name() string {
	return fmt.Sprintf("%s[%d]", filepath.Base(i.Path), i.Pid)
}

// Command returns the command line of the child.
func (i *ChildInfo) Command() string {
	return strings.Join(i.Args, " ")
}

func (c *Child) info() ChildInfo {
	i := ChildInfo{
		Pid:     c.pid,
		Path:    c.path,
		Args:    append([]string{}, c.args...),
		State:   c.state,
		Started: c.started,
		Ended:   c.ended,
	}
	if c.state.Terminal() {
		i.ExitCode = c.exit.Code
		if c.exit.Signaled() {
			i.Signal = c.exit.Signal.String()
		}
	}
	return i
}
