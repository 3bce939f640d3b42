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

package fd

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnexpectedEOF is returned by ReadExactly when the stream ends
	// short of the requested length.  It matches io.ErrUnexpectedEOF.
	ErrUnexpectedEOF = fmt.Errorf("fd: reached EOF before reaching target: %w", io.ErrUnexpectedEOF)

	// ErrWriteStalled is returned when the OS reports zero bytes written.
	ErrWriteStalled = errors.New("fd: write returned 0")

	// ErrWouldBlock is returned by non-blocking descriptors that have no
	// data (or no buffer space) available.
	ErrWouldBlock = errors.New("fd: operation would block")
)

// SystemCallError reports a failed OS call.  Err is the underlying errno.
type SystemCallError struct {
	Op  string
	Err error
}

func (e *SystemCallError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *SystemCallError) Unwrap() error {
	return e.Err
}

// LogicError reports caller misuse.
type LogicError struct {
	Msg string
}

func (e *LogicError) Error() string {
	return "fd: " + e.Msg
}
