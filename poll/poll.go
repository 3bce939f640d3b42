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

// Package poll provides the readiness multiplexer shared by descriptors and
// the process supervisor.  The readiness algorithm itself is delegated to a
// Backend; on Linux that is epoll(7).
//
// A Poller is identified by its own file descriptor, which Descriptors use
// as the key for their back-references.  Deregistering a file descriptor
// that was never registered (or was already removed) is not an error, so
// that a Descriptor closing itself can always ask every poller it knows of
// to forget it, regardless of what was detached explicitly before.
package poll

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed     = errors.New("poll: poller is closed")
	ErrRegistered = errors.New("poll: file descriptor already registered")
)

// Interest is the set of readiness conditions a caller wants reported.
type Interest uint32

const (
	In  Interest = 1 << iota // readable
	Out                      // writable
)

func (in Interest) String() string {
	switch in {
	case In:
		return "in"
	case Out:
		return "out"
	case In | Out:
		return "in|out"
	}
	return "none"
}

// Event reports the readiness of a single file descriptor.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
	Error    bool
}

// Handler is called from Poll for every ready file descriptor.  It may
// register or deregister file descriptors, including its own.
type Handler func(Event)

// Backend is the OS-specific readiness mechanism.  Delete must tolerate
// a file descriptor it does not know about.
type Backend interface {
	Fd() int
	Add(fd int, in Interest) error
	Delete(fd int) error
	Wait(events []Event, timeout time.Duration) (int, error)
	Close() error
}

const maxEvents = 64

// Poller aggregates readiness for many file descriptors.
type Poller struct {
	backend    Backend
	registered map[int]Interest
	handlers   map[int]Handler
	events     []Event
	closed     bool
	mx         sync.Mutex
}

// New returns a Poller using the native backend for this platform.
func New() (*Poller, error) {
	b, e := newNativeBackend()
	if e != nil {
		return nil, e
	}
	return NewWithBackend(b), nil
}

// NewWithBackend returns a Poller driven by the supplied backend.  The
// Poller takes ownership of it.
func NewWithBackend(b Backend) *Poller {
	return &Poller{
		backend:    b,
		registered: make(map[int]Interest),
		handlers:   make(map[int]Handler),
		events:     make([]Event, maxEvents),
	}
}

// Fd returns the poller's own file descriptor, which serves as its identity.
func (p *Poller) Fd() int {
	return p.backend.Fd()
}

// Alive reports whether the poller has not been closed.
func (p *Poller) Alive() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return !p.closed
}

// Register starts watching fd for the given interest.
func (p *Poller) Register(fd int, in Interest) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.registered[fd]; ok {
		return ErrRegistered
	}
	if e := p.backend.Add(fd, in); e != nil {
		return e
	}
	p.registered[fd] = in
	return nil
}

// Deregister stops watching fd, and forgets any handler for it.  It is a
// no-op for an unknown fd, or once the poller is closed.
func (p *Poller) Deregister(fd int) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return nil
	}
	if _, ok := p.registered[fd]; !ok {
		return nil
	}
	delete(p.registered, fd)
	delete(p.handlers, fd)
	return p.backend.Delete(fd)
}

// Handle installs the callback that Poll uses for events on fd.
func (p *Poller) Handle(fd int, h Handler) {
	p.mx.Lock()
	if h == nil {
		delete(p.handlers, fd)
	} else {
		p.handlers[fd] = h
	}
	p.mx.Unlock()
}

// Registered reports whether fd is currently watched.
func (p *Poller) Registered(fd int) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	_, ok := p.registered[fd]
	return ok
}

// Len returns the number of watched file descriptors.
func (p *Poller) Len() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.registered)
}

// Poll waits at most timeout (forever if negative) for readiness, then
// invokes the handler of each ready file descriptor.  It returns the number
// of handlers called.  An interrupted wait returns zero and no error.
//
// Poll must only be called from one goroutine at a time.
func (p *Poller) Poll(timeout time.Duration) (int, error) {
	p.mx.Lock()
	if p.closed {
		p.mx.Unlock()
		return 0, ErrClosed
	}
	p.mx.Unlock()

	n, e := p.backend.Wait(p.events, timeout)
	if e != nil {
		return 0, e
	}
	called := 0
	for _, ev := range p.events[:n] {
		p.mx.Lock()
		h := p.handlers[ev.Fd]
		_, ok := p.registered[ev.Fd]
		p.mx.Unlock()
		// A handler earlier in this batch may have deregistered ev.Fd.
		if !ok || h == nil {
			continue
		}
		h(ev)
		called++
	}
	return called, nil
}

// Close releases the backend.  Subsequent Deregister calls are no-ops and
// Register fails with ErrClosed.  Close must not race with Poll.
func (p *Poller) Close() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.registered = make(map[int]Interest)
	p.handlers = make(map[int]Handler)
	return p.backend.Close()
}
