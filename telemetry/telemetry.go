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

// Package telemetry posts worker state lines to InfluxDB.  Posting is fire
// and forget: callers are never blocked and never see delivery errors.
package telemetry

import (
	"fmt"
	"time"
)

// Sink accepts measurement lines.
type Sink interface {
	Post(line string)
}

// Line formats a state measurement.  A failed state means at least one
// instance of the metric's subject has failed.
func Line(metric string, failed bool, t time.Time) string {
	state := 0
	if failed {
		state = 1
	}
	return fmt.Sprintf("%s state=%di %d", metric, state, t.UnixMilli())
}

// Discard drops every line.
type Discard struct{}

func (Discard) Post(string) {}
