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

package poll

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type epoll struct {
	fd  int
	buf []unix.EpollEvent
}

func newNativeBackend() (Backend, error) {
	return NewEpoll()
}

// NewEpoll returns an epoll(7) backend.
func NewEpoll() (Backend, error) {
	fd, e := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if e != nil {
		return nil, os.NewSyscallError("epoll_create1", e)
	}
	return &epoll{fd: fd}, nil
}

func (ep *epoll) Fd() int {
	return ep.fd
}

func (ep *epoll) Add(fd int, in Interest) error {
	var mask uint32
	if in&In != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Out != 0 {
		mask |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if e := unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &ev); e != nil {
		return os.NewSyscallError("epoll_ctl add", e)
	}
	return nil
}

func (ep *epoll) Delete(fd int) error {
	e := unix.EpollCtl(ep.fd, unix.EPOLL_CTL_DEL, fd, nil)
	switch e {
	case nil, unix.ENOENT, unix.EBADF:
		// EBADF: the descriptor was closed behind our back, which
		// already removed it from the interest list.
		return nil
	}
	return os.NewSyscallError("epoll_ctl del", e)
}

func (ep *epoll) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(ep.buf) < len(events) {
		ep.buf = make([]unix.EpollEvent, len(events))
	}
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	n, e := unix.EpollWait(ep.fd, ep.buf[:len(events)], msec)
	if e == unix.EINTR {
		return 0, nil
	}
	if e != nil {
		return 0, os.NewSyscallError("epoll_wait", e)
	}
	for i := 0; i < n; i++ {
		raw := ep.buf[i]
		events[i] = Event{
			Fd:       int(raw.Fd),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Hangup:   raw.Events&unix.EPOLLHUP != 0,
			Error:    raw.Events&unix.EPOLLERR != 0,
		}
	}
	return n, nil
}

func (ep *epoll) Close() error {
	return unix.Close(ep.fd)
}
