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

// Package polltest provides a scripted poll.Backend.  Events are delivered
// only when a test fires them, and every Add and Delete is recorded.
package polltest

import (
	"sync"
	"time"

	"github.com/pufferlab/streamvisor/poll"
)

type Backend struct {
	fd      int
	watched map[int]poll.Interest
	adds    map[int]int
	deletes map[int]int
	ready   chan poll.Event
	closed  bool
	mx      sync.Mutex
}

// NewBackend returns a backend that reports fd as its identity.
func NewBackend(fd int) *Backend {
	return &Backend{
		fd:      fd,
		watched: make(map[int]poll.Interest),
		adds:    make(map[int]int),
		deletes: make(map[int]int),
		ready:   make(chan poll.Event, 1024),
	}
}

func (b *Backend) Fd() int {
	return b.fd
}

func (b *Backend) Add(fd int, in poll.Interest) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.watched[fd] = in
	b.adds[fd]++
	return nil
}

func (b *Backend) Delete(fd int) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	delete(b.watched, fd)
	b.deletes[fd]++
	return nil
}

// Fire queues a readiness event for the next Wait.
func (b *Backend) Fire(ev poll.Event) {
	b.ready <- ev
}

func (b *Backend) Wait(events []poll.Event, timeout time.Duration) (int, error) {
	var first poll.Event
	if timeout < 0 {
		first = <-b.ready
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case first = <-b.ready:
		case <-t.C:
			return 0, nil
		}
	}
	events[0] = first
	n := 1
	for n < len(events) {
		select {
		case ev := <-b.ready:
			events[n] = ev
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (b *Backend) Close() error {
	b.mx.Lock()
	b.closed = true
	b.mx.Unlock()
	return nil
}

// Watched reports whether fd is currently in the interest list.
func (b *Backend) Watched(fd int) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	_, ok := b.watched[fd]
	return ok
}

// Adds returns how many times fd was added.
func (b *Backend) Adds(fd int) int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.adds[fd]
}

// Deletes returns how many times fd was deleted.
func (b *Backend) Deletes(fd int) int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.deletes[fd]
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.closed
}
