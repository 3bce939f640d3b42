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

// Package rest exposes a Supervisor over HTTP, and provides a client for
// it.  Reads carry an Etag; a client that already has the current value
// may ask the server to hold the request until it changes (long poll) by
// sending the Etag in PollEtagHeader and a wait in PollTimeHeader.
package rest

import (
	"strconv"
	"strings"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	PollEtagHeader = "X-Streamvisor-Poll-Etag"
	PollTimeHeader = "X-Streamvisor-Poll-Time"

	// MaxPollTime bounds a long poll, in seconds.
	MaxPollTime = 300
)

var ok struct{}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// SignalRequest is the body of POST /children/{pid}/signal.
type SignalRequest struct {
	Signal string `json:"signal"`
}

func formatEtag(v int64) string {
	return `"` + strconv.FormatInt(v, 16) + `"`
}

func parseEtag(s string) (int64, bool) {
	s = strings.TrimPrefix(s, "W/")
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return 0, false
	}
	v, e := strconv.ParseInt(s[1:len(s)-1], 16, 64)
	return v, e == nil
}
