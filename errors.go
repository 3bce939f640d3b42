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
	"errors"
)

var (
	ErrNoChild    = errors.New("No such child")
	ErrNotRunning = errors.New("Child is not running")
	ErrNotExited  = errors.New("Child has not exited")
	ErrClosed     = errors.New("Supervisor is closed")
	ErrShutdown   = errors.New("Supervisor is shutting down")
)

// SpawnError reports that a child process could not be created.  The
// failure callback of the child is never invoked in that case.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return "spawn " + e.Path + ": " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
