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
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/pufferlab/streamvisor/fd"
)

// fakeExits is an ExitSource driven by the test.  Each watched pid gets a
// pipe; Exit records a status and makes the read end readable.
type fakeExits struct {
	writers map[int]*fd.Descriptor
	status  map[int]Exit
	reaped  map[int]int
	mx      sync.Mutex
}

func newFakeExits() *fakeExits {
	return &fakeExits{
		writers: make(map[int]*fd.Descriptor),
		status:  make(map[int]Exit),
		reaped:  make(map[int]int),
	}
}

func (f *fakeExits) Open(pid int) (*fd.Descriptor, error) {
	r, w, e := fd.Pipe()
	if e != nil {
		return nil, e
	}
	f.mx.Lock()
	f.writers[pid] = w
	f.mx.Unlock()
	return r, nil
}

func (f *fakeExits) Reap(pid int) (Exit, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	ex, ok := f.status[pid]
	if !ok {
		return Exit{Pid: pid}, ErrNotExited
	}
	f.reaped[pid]++
	delete(f.status, pid)
	return ex, nil
}

func (f *fakeExits) Exit(ex Exit) {
	f.mx.Lock()
	f.status[ex.Pid] = ex
	w := f.writers[ex.Pid]
	f.mx.Unlock()
	w.Write([]byte{1}, true)
}

func (f *fakeExits) Reaped(pid int) int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.reaped[pid]
}

type fakeSpawner struct {
	next  int
	calls [][]string
}

func (f *fakeSpawner) spawn(path string, argv, env []string, files []uintptr) (int, error) {
	if strings.HasPrefix(path, "/missing") {
		return 0, syscall.ENOENT
	}
	f.next++
	f.calls = append(f.calls, argv)
	return 1000 + f.next, nil
}

// hookedExits calls onReap before each reap.
type hookedExits struct {
	*fakeExits
	onReap func(pid int)
}

func (h *hookedExits) Reap(pid int) (Exit, error) {
	if h.onReap != nil {
		h.onReap(pid)
	}
	return h.fakeExits.Reap(pid)
}

// signalRecorder is a Signaler that remembers what it was asked to send.
type signalRecorder struct {
	sent []string
	mx   sync.Mutex
}

func (r *signalRecorder) signal(pid int, sig syscall.Signal) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.sent = append(r.sent, fmt.Sprintf("%d %s", pid, unix.SignalName(sig)))
	return nil
}

func (r *signalRecorder) Sent() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string{}, r.sent...)
}

// newFakeSupervisor returns a supervisor that creates no processes.  Any
// opts override the fakes.
func newFakeSupervisor(t *testing.T, opts ...Option) (*Supervisor, *fakeExits, *fakeSpawner) {
	exits := newFakeExits()
	sp := &fakeSpawner{}
	opts = append([]Option{
		WithName(t.Name()),
		WithLogger(zaptest.NewLogger(t)),
		WithExitSource(exits),
		WithSpawner(sp.spawn),
		WithSignaler(func(int, syscall.Signal) error { return nil }),
	}, opts...)
	s, e := NewSupervisor(opts...)
	So(e, ShouldBeNil)
	return s, exits, sp
}

func TestSupervisorOneFailure(t *testing.T) {
	Convey("Given three children of which one fails", t, func() {
		s, exits, _ := newFakeSupervisor(t)
		defer s.Close()

		calls := map[int]int{}
		cb := func(pid int) { calls[pid]++ }
		var pids []int
		for i := 0; i < 3; i++ {
			pid, e := s.RunAsChild("/srv/worker", []string{"worker"}, nil, cb)
			So(e, ShouldBeNil)
			pids = append(pids, pid)
		}
		So(s.Live(), ShouldEqual, 3)
		for _, c := range s.Children() {
			So(c.State, ShouldEqual, StateRunning)
		}

		exits.Exit(Exit{Pid: pids[0]})
		exits.Exit(Exit{Pid: pids[1], Code: 3})
		exits.Exit(Exit{Pid: pids[2]})

		status := s.Wait()

		So(status, ShouldNotEqual, 0)
		So(calls, ShouldResemble, map[int]int{pids[1]: 1})
		for _, pid := range pids {
			So(exits.Reaped(pid), ShouldEqual, 1)
		}
		c, e := s.Child(pids[1])
		So(e, ShouldBeNil)
		So(c.State, ShouldEqual, StateExitedFailed)
		So(c.ExitCode, ShouldEqual, 3)
		c, _ = s.Child(pids[0])
		So(c.State, ShouldEqual, StateExitedClean)
		So(s.Info().Failures, ShouldEqual, 1)
		So(s.Live(), ShouldEqual, 0)
		So(s.Poller().Len(), ShouldEqual, 0)
	})
}

func TestSupervisorIsolation(t *testing.T) {
	Convey("Given a killed child whose callback panics", t, func() {
		s, exits, _ := newFakeSupervisor(t)
		defer s.Close()

		other := 0
		p1, e := s.RunAsChild("/srv/a", []string{"a"}, nil, func(int) {
			panic("boom")
		})
		So(e, ShouldBeNil)
		p2, e := s.RunAsChild("/srv/b", []string{"b"}, nil, func(int) {
			other++
		})
		So(e, ShouldBeNil)

		exits.Exit(Exit{Pid: p1, Code: -1, Signal: syscall.SIGKILL})
		exits.Exit(Exit{Pid: p2, Code: 1})

		So(s.Wait(), ShouldEqual, 1)
		So(other, ShouldEqual, 1)
		c, _ := s.Child(p1)
		So(c.State, ShouldEqual, StateKilled)
		So(c.Signal, ShouldEqual, syscall.SIGKILL.String())
	})

	Convey("A spurious wakeup does not reap", t, func() {
		s, exits, _ := newFakeSupervisor(t)
		defer s.Close()
		pid, e := s.RunAsChild("/srv/a", []string{"a"}, nil, nil)
		So(e, ShouldBeNil)
		s.lock()
		c := s.children[pid]
		s.unlock()
		s.reap(c)
		So(s.Live(), ShouldEqual, 1)
		exits.Exit(Exit{Pid: pid})
		So(s.Wait(), ShouldEqual, 0)
		So(exits.Reaped(pid), ShouldEqual, 1)
	})
}

func TestSupervisorSpawnError(t *testing.T) {
	Convey("A child that cannot be created fails synchronously", t, func() {
		s, _, _ := newFakeSupervisor(t)
		defer s.Close()
		called := false
		_, e := s.RunAsChild("/missing/worker", []string{"worker"}, nil, func(int) {
			called = true
		})
		var se *SpawnError
		So(errors.As(e, &se), ShouldBeTrue)
		So(se.Path, ShouldEqual, "/missing/worker")
		So(errors.Is(e, syscall.ENOENT), ShouldBeTrue)
		So(s.Children(), ShouldBeEmpty)
		So(s.Wait(), ShouldEqual, 0)
		So(called, ShouldBeFalse)
	})
}

func TestSupervisorSignal(t *testing.T) {
	Convey("Given a running child", t, func() {
		s, exits, _ := newFakeSupervisor(t)
		defer s.Close()
		pid, e := s.RunAsChild("/srv/a", []string{"a"}, nil, nil)
		So(e, ShouldBeNil)

		Convey("Signal reaches only known, running children", func() {
			So(s.Signal(pid, syscall.SIGHUP), ShouldBeNil)
			So(s.Signal(pid+1, syscall.SIGHUP), ShouldEqual, ErrNoChild)
			exits.Exit(Exit{Pid: pid})
			s.Wait()
			So(s.Signal(pid, syscall.SIGHUP), ShouldEqual, ErrNotRunning)
		})

		Convey("Shutdown refuses new children", func() {
			s.Shutdown()
			_, e := s.RunAsChild("/srv/b", []string{"b"}, nil, nil)
			var se *SpawnError
			So(errors.As(e, &se), ShouldBeTrue)
			So(errors.Is(e, ErrShutdown), ShouldBeTrue)
			So(len(s.Children()), ShouldEqual, 1)
			exits.Exit(Exit{Pid: pid})
			So(s.Wait(), ShouldEqual, 0)
		})

		Convey("The serial moves when the child exits", func() {
			serial := s.Serial()
			exits.Exit(Exit{Pid: pid})
			s.Wait()
			So(s.WatchSerial(serial, 0), ShouldNotEqual, serial)
		})
	})
}

func TestSupervisorShutdownRace(t *testing.T) {
	Convey("A child created while Shutdown runs is terminated", t, func() {
		rec := &signalRecorder{}
		var s *Supervisor
		s, exits, _ := newFakeSupervisor(t,
			WithSignaler(rec.signal),
			WithSpawner(func(string, []string, []string, []uintptr) (int, error) {
				s.Shutdown()
				return 2001, nil
			}))
		defer s.Close()

		pid, e := s.RunAsChild("/srv/a", []string{"a"}, nil, nil)
		So(e, ShouldBeNil)
		So(pid, ShouldEqual, 2001)
		So(rec.Sent(), ShouldResemble, []string{"2001 SIGTERM"})

		exits.Exit(Exit{Pid: pid, Code: -1, Signal: syscall.SIGTERM})
		So(s.Wait(), ShouldEqual, 1)
	})

	Convey("Signal does not overtake a reap in progress", t, func() {
		rec := &signalRecorder{}
		hooked := &hookedExits{fakeExits: newFakeExits()}
		s, _, _ := newFakeSupervisor(t, WithSignaler(rec.signal), WithExitSource(hooked))
		defer s.Close()

		pid, e := s.RunAsChild("/srv/a", []string{"a"}, nil, nil)
		So(e, ShouldBeNil)

		result := make(chan error, 1)
		overtaken := false
		hooked.onReap = func(pid int) {
			hooked.onReap = nil
			go func() {
				result <- s.Signal(pid, syscall.SIGTERM)
			}()
			time.Sleep(20 * time.Millisecond)
			select {
			case <-result:
				overtaken = true
			default:
			}
		}
		hooked.Exit(Exit{Pid: pid})
		So(s.Wait(), ShouldEqual, 0)

		So(overtaken, ShouldBeFalse)
		So(<-result, ShouldEqual, ErrNotRunning)
		So(rec.Sent(), ShouldBeEmpty)
	})
}

func TestSupervisorProcesses(t *testing.T) {
	Convey("Given a supervisor of real processes", t, func() {
		s, e := NewSupervisor(WithLogger(zaptest.NewLogger(t)))
		So(e, ShouldBeNil)
		defer s.Close()

		Convey("Exactly one failing child makes Wait fail", func() {
			failed := []int{}
			cb := func(pid int) { failed = append(failed, pid) }
			var bad int
			for _, code := range []string{"0", "7", "0"} {
				pid, e := s.RunAsChild("/bin/sh", []string{"sh", "-c", "exit " + code}, nil, cb)
				So(e, ShouldBeNil)
				if code != "0" {
					bad = pid
				}
			}
			So(s.Wait(), ShouldEqual, 1)
			So(failed, ShouldResemble, []int{bad})
			c, _ := s.Child(bad)
			So(c.ExitCode, ShouldEqual, 7)
		})

		Convey("All clean children make Wait succeed", func() {
			for i := 0; i < 3; i++ {
				_, e := s.RunAsChild("/bin/true", []string{"true"}, nil, nil)
				So(e, ShouldBeNil)
			}
			So(s.Wait(), ShouldEqual, 0)
		})

		Convey("A child killed by a signal is recorded as killed", func() {
			pid, e := s.RunAsChild("/bin/sh", []string{"sh", "-c", "kill -9 $$"}, nil, nil)
			So(e, ShouldBeNil)
			So(s.Wait(), ShouldEqual, 1)
			c, _ := s.Child(pid)
			So(c.State, ShouldEqual, StateKilled)
		})

		Convey("A missing executable is a spawn error", func() {
			called := false
			_, e := s.RunAsChild("/nonexistent/worker", []string{"worker"}, nil, func(int) {
				called = true
			})
			var se *SpawnError
			So(errors.As(e, &se), ShouldBeTrue)
			So(s.Wait(), ShouldEqual, 0)
			So(called, ShouldBeFalse)
		})

		Convey("Shutdown terminates running children", func() {
			for i := 0; i < 2; i++ {
				_, e := s.RunAsChild("/bin/sleep", []string{"sleep", "30"}, nil, nil)
				So(e, ShouldBeNil)
			}
			done := make(chan int, 1)
			go func() {
				done <- s.Wait()
			}()
			time.Sleep(time.Millisecond * 50)
			s.Shutdown()
			select {
			case status := <-done:
				So(status, ShouldEqual, 1)
			case <-time.After(time.Second * 10):
				So("Wait did not return", ShouldBeEmpty)
			}
			for _, c := range s.Children() {
				So(c.State, ShouldEqual, StateKilled)
			}
		})
	})
}

func TestSupervisorCapture(t *testing.T) {
	Convey("Captured output is logged line by line", t, func() {
		core, logs := observer.New(zap.InfoLevel)
		s, e := NewSupervisor(WithLogger(zap.New(core)), WithCapture(true))
		So(e, ShouldBeNil)
		defer s.Close()

		_, e = s.RunAsChild("/bin/sh", []string{"sh", "-c", "echo hello; echo oops >&2; printf tail"}, nil, nil)
		So(e, ShouldBeNil)
		So(s.Wait(), ShouldEqual, 0)

		var lines []string
		for _, ent := range logs.All() {
			lines = append(lines, ent.Message)
		}
		So(lines, ShouldContain, "stdout> hello")
		So(lines, ShouldContain, "stderr> oops")
		So(lines, ShouldContain, "stdout> tail")
		So(s.Poller().Len(), ShouldEqual, 0)

		recs, _ := s.Log().Records(0)
		So(len(recs), ShouldBeGreaterThan, 0)
	})
}
