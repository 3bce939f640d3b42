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

// Package fd wraps a single OS file descriptor with ownership semantics.
//
// A Descriptor owns exactly one file descriptor.  It may be watched by any
// number of pollers; for each one it keeps a weak back-reference keyed by
// the poller's own file descriptor.  Closing a Descriptor first removes it
// from every poller that is still alive, and only then releases the file
// descriptor.  The kernel recycles descriptor numbers, so releasing first
// would let a poller deliver stale readiness for an unrelated descriptor
// that later received the same number.
//
// A Descriptor that is dropped without Close is closed by a runtime
// cleanup.  Failures on that path are logged, never returned.
//
// Descriptors are not safe for concurrent use.
package fd

import (
	"io"
	"runtime"
	"weak"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/pufferlab/streamvisor/poll"
)

// BufferSize bounds the number of bytes returned by a single Read.
const BufferSize = 1024 * 1024

type state struct {
	fd       int
	eof      bool
	nread    uint64
	nwritten uint64
	pollers  map[int]weak.Pointer[poll.Poller]
	logger   *zap.Logger
}

// Descriptor is an owned OS file descriptor.
type Descriptor struct {
	st      *state
	cleanup runtime.Cleanup
}

// New takes ownership of fd and marks it close-on-exec, so that spawned
// children do not inherit it.
func New(fd int) (*Descriptor, error) {
	if _, e := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); e != nil {
		return nil, &SystemCallError{Op: "fcntl FD_CLOEXEC", Err: e}
	}
	return wrap(&state{
		fd:      fd,
		pollers: make(map[int]weak.Pointer[poll.Poller]),
		logger:  zap.L().Named("fd"),
	}), nil
}

// Open opens path and wraps the result.
func Open(path string, flag int, perm uint32) (*Descriptor, error) {
	fd, e := unix.Open(path, flag|unix.O_CLOEXEC, perm)
	if e != nil {
		return nil, &SystemCallError{Op: "open " + path, Err: e}
	}
	d, e := New(fd)
	if e != nil {
		unix.Close(fd)
		return nil, e
	}
	return d, nil
}

// Pipe returns the read and write ends of a new pipe.
func Pipe() (*Descriptor, *Descriptor, error) {
	var p [2]int
	if e := unix.Pipe2(p[:], unix.O_CLOEXEC); e != nil {
		return nil, nil, &SystemCallError{Op: "pipe2", Err: e}
	}
	r, e := New(p[0])
	if e != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return nil, nil, e
	}
	w, e := New(p[1])
	if e != nil {
		r.Close()
		unix.Close(p[1])
		return nil, nil, e
	}
	return r, w, nil
}

func wrap(st *state) *Descriptor {
	d := &Descriptor{st: st}
	d.cleanup = runtime.AddCleanup(d, finalize, st)
	return d
}

func finalize(st *state) {
	if e := st.close(); e != nil {
		st.logger.Error("Implicit close failed", zap.Error(e))
	}
}

// Move transfers ownership to a new Descriptor.  The receiver becomes
// invalid.  Advisory locks stay with the file descriptor, not the owner.
func (d *Descriptor) Move() *Descriptor {
	d.cleanup.Stop()
	st := d.st
	d.st = &state{fd: -1, logger: st.logger}
	return wrap(st)
}

// SetLogger replaces the logger used for warnings.
func (d *Descriptor) SetLogger(l *zap.Logger) {
	d.st.logger = l
}

// Fd returns the file descriptor number, or -1 once invalid.
func (d *Descriptor) Fd() int {
	return d.st.fd
}

// Valid reports whether the descriptor still owns a file descriptor.
func (d *Descriptor) Valid() bool {
	return d.st.fd >= 0
}

// EOF reports whether a read has returned zero bytes.
func (d *Descriptor) EOF() bool {
	return d.st.eof
}

// ReadCount returns the cumulative number of bytes read.
func (d *Descriptor) ReadCount() uint64 {
	return d.st.nread
}

// WriteCount returns the cumulative number of bytes written.
func (d *Descriptor) WriteCount() uint64 {
	return d.st.nwritten
}

func (d *Descriptor) check(op string) error {
	if d.st.fd < 0 {
		return &SystemCallError{Op: op, Err: unix.EBADF}
	}
	return nil
}

// Read performs at most one read of up to min(limit, BufferSize) bytes.
// An empty result with a nil error means end of file.
func (d *Descriptor) Read(limit int) ([]byte, error) {
	if limit <= 0 {
		return nil, &LogicError{Msg: "read limit must be positive"}
	}
	if e := d.check("read"); e != nil {
		return nil, e
	}
	buf := make([]byte, min(limit, BufferSize))
	for {
		n, e := unix.Read(d.st.fd, buf)
		switch e {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil, ErrWouldBlock
		default:
			return nil, &SystemCallError{Op: "read", Err: e}
		}
		if n == 0 {
			d.st.eof = true
		}
		d.st.nread += uint64(n)
		return buf[:n], nil
	}
}

func (d *Descriptor) writeOnce(b []byte) (int, error) {
	for {
		n, e := unix.Write(d.st.fd, b)
		switch e {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, &SystemCallError{Op: "write", Err: e}
		}
		if n == 0 {
			return 0, ErrWriteStalled
		}
		d.st.nwritten += uint64(n)
		return n, nil
	}
}

// Write writes b.  Unless writeAll is set, it returns after the first
// write that made progress.  It returns the number of bytes consumed.
func (d *Descriptor) Write(b []byte, writeAll bool) (int, error) {
	if len(b) == 0 {
		return 0, &LogicError{Msg: "nothing to write"}
	}
	if e := d.check("write"); e != nil {
		return 0, e
	}
	pos := 0
	for {
		n, e := d.writeOnce(b[pos:])
		if e != nil {
			return pos, e
		}
		pos += n
		if !writeAll || pos == len(b) {
			return pos, nil
		}
	}
}

// ReadExactly reads until length bytes have been collected.  If the stream
// ends first, the partial data is returned, along with ErrUnexpectedEOF
// unless failSilently is set.
func (d *Descriptor) ReadExactly(length int, failSilently bool) ([]byte, error) {
	ret := make([]byte, 0, min(length, BufferSize))
	for len(ret) < length {
		b, e := d.Read(length - len(ret))
		if e != nil {
			return ret, e
		}
		ret = append(ret, b...)
		if d.st.eof {
			if failSilently {
				return ret, nil
			}
			return ret, ErrUnexpectedEOF
		}
	}
	return ret, nil
}

// SetBlocking switches the descriptor between blocking and non-blocking
// mode.  In non-blocking mode Read and Write return ErrWouldBlock rather
// than waiting.
func (d *Descriptor) SetBlocking(block bool) error {
	if e := d.check("fcntl F_SETFL"); e != nil {
		return e
	}
	if e := unix.SetNonblock(d.st.fd, !block); e != nil {
		return &SystemCallError{Op: "fcntl F_SETFL", Err: e}
	}
	return nil
}

// Seek repositions the file offset; whence is io.SeekStart and friends.
func (d *Descriptor) Seek(offset int64, whence int) (int64, error) {
	if e := d.check("lseek"); e != nil {
		return 0, e
	}
	off, e := unix.Seek(d.st.fd, offset, whence)
	if e != nil {
		return 0, &SystemCallError{Op: "lseek", Err: e}
	}
	return off, nil
}

func (d *Descriptor) CurrentOffset() (int64, error) {
	return d.Seek(0, io.SeekCurrent)
}

func (d *Descriptor) IncrementOffset(delta int64) (int64, error) {
	return d.Seek(delta, io.SeekCurrent)
}

// FileSize returns the size of the file by seeking to its end and back.
// The restore is not atomic: nothing else may move the offset of this
// file descriptor (or a dup of it) meanwhile.
func (d *Descriptor) FileSize() (int64, error) {
	prev, e := d.CurrentOffset()
	if e != nil {
		return 0, e
	}
	size, e := d.Seek(0, io.SeekEnd)
	if e != nil {
		return 0, e
	}
	if _, e = d.Seek(prev, io.SeekStart); e != nil {
		return 0, e
	}
	return size, nil
}

// Reset rewinds to the start of the file and clears EOF.
func (d *Descriptor) Reset() error {
	if _, e := d.Seek(0, io.SeekStart); e != nil {
		return e
	}
	d.st.eof = false
	return nil
}

// Lock blocks until an exclusive advisory lock on the file is held.  The
// lock only excludes other processes that also use Lock.
func (d *Descriptor) Lock() error {
	return d.flock(unix.LOCK_EX)
}

// Unlock releases the advisory lock.
func (d *Descriptor) Unlock() error {
	return d.flock(unix.LOCK_UN)
}

func (d *Descriptor) flock(how int) error {
	if e := d.check("flock"); e != nil {
		return e
	}
	for {
		e := unix.Flock(d.st.fd, how)
		if e == unix.EINTR {
			continue
		}
		if e != nil {
			return &SystemCallError{Op: "flock", Err: e}
		}
		return nil
	}
}

// Attach registers the descriptor with p and remembers p weakly.
// Attaching twice to the same poller only logs a warning.
func (d *Descriptor) Attach(p *poll.Poller, in poll.Interest) error {
	if e := d.check("attach"); e != nil {
		return e
	}
	key := p.Fd()
	if wp, ok := d.st.pollers[key]; ok {
		if old := wp.Value(); old != nil && old.Alive() {
			d.st.logger.Warn("Failed to attach an already-attached poller",
				zap.Int("poller", key), zap.Int("fd", d.st.fd))
			return nil
		}
		// The poller that used this key is gone; its number was reused.
		delete(d.st.pollers, key)
	}
	if e := p.Register(d.st.fd, in); e != nil {
		return e
	}
	d.st.pollers[key] = weak.Make(p)
	return nil
}

// Detach forgets the poller identified by key and removes the descriptor
// from it.  Detaching an unknown poller only logs a warning.
func (d *Descriptor) Detach(key int) error {
	wp, ok := d.st.pollers[key]
	if !ok {
		d.st.logger.Warn("Failed to detach a non-existent poller",
			zap.Int("poller", key), zap.Int("fd", d.st.fd))
		return nil
	}
	delete(d.st.pollers, key)
	if p := wp.Value(); p != nil && p.Alive() {
		return p.Deregister(d.st.fd)
	}
	return nil
}

// Attached reports whether the descriptor holds a back-reference for key.
func (d *Descriptor) Attached(key int) bool {
	_, ok := d.st.pollers[key]
	return ok
}

// Close removes the descriptor from every live poller, then releases it.
// Closing an invalid descriptor does nothing.
func (d *Descriptor) Close() error {
	return d.st.close()
}

func (st *state) close() error {
	if st.fd < 0 {
		return nil
	}
	for key, wp := range st.pollers {
		if p := wp.Value(); p != nil && p.Alive() {
			if e := p.Deregister(st.fd); e != nil {
				st.logger.Warn("Failed to deregister from poller",
					zap.Int("poller", key), zap.Int("fd", st.fd), zap.Error(e))
			}
		}
		delete(st.pollers, key)
	}
	fd := st.fd
	// Never retry close(2): the number may already belong to someone else.
	st.fd = -1
	if e := unix.Close(fd); e != nil {
		return &SystemCallError{Op: "close", Err: e}
	}
	return nil
}
