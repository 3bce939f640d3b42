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

package poll_test

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/sys/unix"

	"github.com/pufferlab/streamvisor/poll"
	"github.com/pufferlab/streamvisor/poll/polltest"
)

func TestPollerRegistration(t *testing.T) {
	Convey("Given a poller with a scripted backend", t, func() {
		b := polltest.NewBackend(100)
		p := poll.NewWithBackend(b)
		So(p.Fd(), ShouldEqual, 100)
		So(p.Alive(), ShouldBeTrue)

		Convey("Register adds the fd once", func() {
			So(p.Register(7, poll.In), ShouldBeNil)
			So(p.Registered(7), ShouldBeTrue)
			So(b.Watched(7), ShouldBeTrue)
			So(p.Register(7, poll.In), ShouldEqual, poll.ErrRegistered)
			So(b.Adds(7), ShouldEqual, 1)
			So(p.Len(), ShouldEqual, 1)
		})

		Convey("Deregister of an unknown fd is a no-op", func() {
			So(p.Deregister(42), ShouldBeNil)
			So(b.Deletes(42), ShouldEqual, 0)
		})

		Convey("Deregister twice only deletes once", func() {
			So(p.Register(7, poll.In), ShouldBeNil)
			So(p.Deregister(7), ShouldBeNil)
			So(p.Deregister(7), ShouldBeNil)
			So(b.Deletes(7), ShouldEqual, 1)
		})

		Convey("A closed poller refuses registration and ignores removal", func() {
			So(p.Register(7, poll.In), ShouldBeNil)
			So(p.Close(), ShouldBeNil)
			So(p.Alive(), ShouldBeFalse)
			So(b.Closed(), ShouldBeTrue)
			So(p.Register(8, poll.In), ShouldEqual, poll.ErrClosed)
			So(p.Deregister(7), ShouldBeNil)
			So(b.Deletes(7), ShouldEqual, 0)
			_, e := p.Poll(0)
			So(e, ShouldEqual, poll.ErrClosed)
		})
	})
}

func TestPollerDispatch(t *testing.T) {
	Convey("Given registered fds with handlers", t, func() {
		b := polltest.NewBackend(100)
		p := poll.NewWithBackend(b)
		var seen []int
		for _, fd := range []int{3, 4} {
			So(p.Register(fd, poll.In), ShouldBeNil)
			p.Handle(fd, func(ev poll.Event) {
				seen = append(seen, ev.Fd)
			})
		}

		Convey("Poll calls the handler of each ready fd", func() {
			b.Fire(poll.Event{Fd: 4, Readable: true})
			b.Fire(poll.Event{Fd: 3, Readable: true})
			n, e := p.Poll(time.Second)
			So(e, ShouldBeNil)
			So(n, ShouldEqual, 2)
			So(seen, ShouldResemble, []int{4, 3})
		})

		Convey("Events for fds removed earlier in the batch are dropped", func() {
			p.Handle(3, func(ev poll.Event) {
				seen = append(seen, ev.Fd)
				p.Deregister(4)
			})
			b.Fire(poll.Event{Fd: 3, Readable: true})
			b.Fire(poll.Event{Fd: 4, Readable: true})
			n, e := p.Poll(time.Second)
			So(e, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(seen, ShouldResemble, []int{3})
		})

		Convey("Poll times out with no events", func() {
			n, e := p.Poll(time.Millisecond * 10)
			So(e, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})
	})
}

func TestEpollPipe(t *testing.T) {
	Convey("Given an epoll poller watching a pipe", t, func() {
		p, e := poll.New()
		So(e, ShouldBeNil)
		defer p.Close()

		var fds [2]int
		So(unix.Pipe2(fds[:], unix.O_CLOEXEC), ShouldBeNil)
		defer unix.Close(fds[0])
		defer unix.Close(fds[1])

		ready := false
		So(p.Register(fds[0], poll.In), ShouldBeNil)
		p.Handle(fds[0], func(ev poll.Event) {
			ready = ev.Readable
		})

		Convey("Nothing is ready before a write", func() {
			n, e := p.Poll(time.Millisecond * 10)
			So(e, ShouldBeNil)
			So(n, ShouldEqual, 0)
			So(ready, ShouldBeFalse)
		})

		Convey("The read end becomes readable after a write", func() {
			_, e := unix.Write(fds[1], []byte("x"))
			So(e, ShouldBeNil)
			n, e := p.Poll(time.Second)
			So(e, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(ready, ShouldBeTrue)
		})

		Convey("Deregistering a closed fd does not fail", func() {
			var other [2]int
			So(unix.Pipe2(other[:], unix.O_CLOEXEC), ShouldBeNil)
			So(p.Register(other[0], poll.In), ShouldBeNil)
			unix.Close(other[0])
			unix.Close(other[1])
			So(p.Deregister(other[0]), ShouldBeNil)
		})
	})
}
