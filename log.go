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
	"strings"
	"sync"
	"time"
)

const (
	DefaultLogRecords = 1000
)

type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log is a bounded in-memory record of recent log lines.  It implements
// zapcore.WriteSyncer, so that a zap core can be teed into it, and is what
// the status API serves as the supervisor log.
type Log struct {
	records    []LogRecord
	numRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

// Write stores each line of b as a record, and wakes up watchers.
func (l *Log) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	now := time.Now()
	l.mx.Lock()
	for _, line := range strings.Split(str, "\n") {
		idx := l.numRecords % len(l.records)
		l.id++
		l.records[idx] = LogRecord{Id: l.id, Time: now, Text: line}
		// numRecords keeps growing past the capacity; it is the
		// index of the next slot modulo len(records).
		l.numRecords++
	}
	for cv := range l.cvs {
		cv.Broadcast()
	}
	l.mx.Unlock()
	return len(b), nil
}

// Sync is a no-op; records are never buffered.
func (l *Log) Sync() error {
	return nil
}

func (l *Log) Clear() {
	l.mx.Lock()
	l.numRecords = 0
	// Fresh ids, so that an Etag taken before the Clear never matches.
	l.id = time.Now().UnixNano()
	l.mx.Unlock()
}

// Records returns the records that are stored, oldest first, and an ID
// suitable for use as an Etag.  If last equals the current ID, nothing has
// changed and nil is returned.
func (l *Log) Records(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	cnt := min(l.numRecords, len(l.records))
	recs := make([]LogRecord, 0, cnt)
	for i := l.numRecords - cnt; i < l.numRecords; i++ {
		recs = append(recs, l.records[i%len(l.records)])
	}
	return recs, l.id
}

// ID returns the id of the newest record.
func (l *Log) ID() int64 {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.id
}

// Watch waits until the log ID differs from last, or until expire has
// passed, and returns the current ID.  A zero expire polls.
func (l *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&l.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			l.mx.Lock()
			expired = true
			cv.Broadcast()
			l.mx.Unlock()
		})
	} else {
		expired = true
	}

	l.mx.Lock()
	l.cvs[cv] = true
	for l.id == last && !expired {
		cv.Wait()
	}
	delete(l.cvs, cv)
	last = l.id
	l.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

// NewLog returns a Log holding at most n records.
func NewLog(n int) *Log {
	if n <= 0 {
		n = DefaultLogRecords
	}
	return &Log{
		records: make([]LogRecord, n),
		id:      time.Now().UnixNano(),
		cvs:     make(map[*sync.Cond]bool),
	}
}
