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
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pufferlab/streamvisor/fd"
	"github.com/pufferlab/streamvisor/poll"
)

// Spawner creates a process and returns its pid.  files become the
// child's descriptors 0, 1 and 2.
type Spawner func(path string, argv, env []string, files []uintptr) (int, error)

// Signaler delivers a signal to a process.
type Signaler func(pid int, sig syscall.Signal) error

// Supervisor spawns child processes and tracks them until they exit.
//
// RunAsChild and Wait are meant to be called from a single goroutine.
// The query methods (Children, Child, Info, Log) and Signal/Shutdown may
// be called from any goroutine.
type Supervisor struct {
	name       string
	id         string
	children   map[int]*Child
	live       int
	failures   int
	poller     *poll.Poller
	ownPoller  bool
	exits      ExitSource
	spawn      Spawner
	signal     Signaler
	capture    bool
	logger     *zap.Logger
	log        *Log
	metrics    *Metrics
	serial     int64
	createTime time.Time
	updateTime time.Time
	closed     bool
	stopping   bool
	mx         sync.Mutex
	cvs        map[*sync.Cond]bool
}

// SupervisorInfo is top-level information about a Supervisor.
type SupervisorInfo struct {
	Name       string    `json:"name"`
	ID         string    `json:"id"`
	Serial     int64     `json:"serial,string"`
	Live       int       `json:"live"`
	Failures   int       `json:"failures"`
	CreateTime time.Time `json:"created"`
	UpdateTime time.Time `json:"updated"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithName sets the name used in logs and reported by Info.
func WithName(name string) Option {
	return func(s *Supervisor) { s.name = name }
}

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithPoller makes the supervisor use p rather than a poller of its own.
// The caller keeps ownership of p.
func WithPoller(p *poll.Poller) Option {
	return func(s *Supervisor) { s.poller = p }
}

// WithExitSource replaces the pidfd exit source.
func WithExitSource(src ExitSource) Option {
	return func(s *Supervisor) { s.exits = src }
}

// WithSpawner replaces process creation.
func WithSpawner(sp Spawner) Option {
	return func(s *Supervisor) { s.spawn = sp }
}

// WithSignaler replaces signal delivery.
func WithSignaler(sig Signaler) Option {
	return func(s *Supervisor) { s.signal = sig }
}

// WithCapture routes the stdout and stderr of children into the log.
func WithCapture(capture bool) Option {
	return func(s *Supervisor) { s.capture = capture }
}

// WithMetrics registers the supervisor's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Supervisor) { s.metrics = NewMetrics(reg) }
}

// NewSupervisor returns a Supervisor.  Unless WithPoller is given, it
// creates and owns an epoll poller.
func NewSupervisor(opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		name:     "streamvisor",
		id:       uuid.NewString(),
		children: make(map[int]*Child),
		exits:    PidfdExitSource(),
		spawn:    forkExec,
		signal:   sendSignal,
		logger:   zap.NewNop(),
		cvs:      make(map[*sync.Cond]bool),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if s.poller == nil {
		p, e := poll.New()
		if e != nil {
			return nil, e
		}
		s.poller = p
		s.ownPoller = true
	}
	// The serial starts at the current time, so that clients caching by
	// serial notice a restarted supervisor.
	s.serial = time.Now().UnixNano()
	s.createTime = time.Now()
	s.updateTime = s.createTime
	s.log = NewLog(DefaultLogRecords)
	s.logger = teeLog(s.logger, s.log).With(zap.String("supervisor", s.name))
	return s, nil
}

func (s *Supervisor) lock() {
	s.mx.Lock()
}

func (s *Supervisor) unlock() {
	s.mx.Unlock()
}

// bumpSerial records a state change and wakes up watchers.  Call with
// lock held.
func (s *Supervisor) bumpSerial() {
	s.updateTime = time.Now()
	s.serial++
	for cv := range s.cvs {
		cv.Broadcast()
	}
}

// WatchSerial waits until the serial differs from old, or expire has
// passed, and returns the current serial.  A zero expire polls.
func (s *Supervisor) WatchSerial(old int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&s.mx)
	var timer *time.Timer

	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			s.lock()
			expired = true
			cv.Broadcast()
			s.unlock()
		})
	} else {
		expired = true
	}

	s.lock()
	s.cvs[cv] = true
	for s.serial == old && !expired {
		cv.Wait()
	}
	rv := s.serial
	delete(s.cvs, cv)
	s.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// Serial is incremented whenever a child changes state.
func (s *Supervisor) Serial() int64 {
	s.lock()
	defer s.unlock()
	return s.serial
}

func (s *Supervisor) Name() string {
	return s.name
}

// Info returns a consistent summary of the supervisor.
func (s *Supervisor) Info() *SupervisorInfo {
	s.lock()
	defer s.unlock()
	return &SupervisorInfo{
		Name:       s.name,
		ID:         s.id,
		Serial:     s.serial,
		Live:       s.live,
		Failures:   s.failures,
		CreateTime: s.createTime,
		UpdateTime: s.updateTime,
	}
}

// Poller returns the poller on which termination is observed, so that
// other components can share the same loop.
func (s *Supervisor) Poller() *poll.Poller {
	return s.poller
}

// Log returns the in-memory log of supervisor events.
func (s *Supervisor) Log() *Log {
	return s.log
}

// Logger returns the supervisor's logger.
func (s *Supervisor) Logger() *zap.Logger {
	return s.logger
}

// Live returns the number of children that have not terminated.
func (s *Supervisor) Live() int {
	s.lock()
	defer s.unlock()
	return s.live
}

// RunAsChild starts path with argv and env, and returns its pid without
// waiting for it.  A nil env inherits the supervisor's environment.  If
// the process cannot be created, a *SpawnError is returned and onFailure
// is never called.  Otherwise, if the child later exits with a non-zero
// status or is killed, onFailure is called once from Wait.
func (s *Supervisor) RunAsChild(path string, argv, env []string, onFailure func(pid int)) (int, error) {
	s.lock()
	closed, stopping := s.closed, s.stopping
	s.unlock()
	if closed {
		return 0, &SpawnError{Path: path, Err: ErrClosed}
	}
	if stopping {
		return 0, &SpawnError{Path: path, Err: ErrShutdown}
	}
	if env == nil {
		env = os.Environ()
	}

	files := []uintptr{0, 1, 2}
	var reads, writes []*fd.Descriptor
	defer func() {
		// The child has its own copies; ours must not keep the pipes open.
		for _, w := range writes {
			w.Close()
		}
	}()
	if s.capture {
		for i := 1; i <= 2; i++ {
			r, w, e := fd.Pipe()
			if e != nil {
				for _, r := range reads {
					r.Close()
				}
				return 0, &SpawnError{Path: path, Err: e}
			}
			reads = append(reads, r)
			writes = append(writes, w)
			files[i] = uintptr(w.Fd())
		}
	}

	pid, e := s.spawn(path, argv, env, files)
	if e != nil {
		for _, r := range reads {
			r.Close()
		}
		s.metrics.SpawnErrors.WithLabelValues(program(path)).Inc()
		s.logger.Error("Failed to spawn child", zap.String("path", path), zap.Error(e))
		return 0, &SpawnError{Path: path, Err: e}
	}

	c := &Child{
		pid:       pid,
		path:      path,
		args:      append([]string{}, argv...),
		onFailure: onFailure,
		state:     StateSpawned,
		started:   time.Now(),
		logger:    s.logger.With(zap.String("child", program(path)), zap.Int("pid", pid)),
	}

	if e := s.watch(c); e != nil {
		// Without an exit descriptor we would never learn of this
		// child's death, so it must not outlive this call.
		c.logger.Error("Cannot watch child, killing it", zap.Error(e))
		s.signal(pid, syscall.SIGKILL)
		s.reapKilled(c)
		for _, r := range reads {
			r.Close()
		}
		return 0, &SpawnError{Path: path, Err: e}
	}

	for i, r := range reads {
		o := newOutput(r, []string{"stdout", "stderr"}[i], c.logger)
		if e := o.attach(s.poller); e != nil {
			c.logger.Warn("Cannot capture child output", zap.Error(e))
			r.Close()
			continue
		}
		c.outputs = append(c.outputs, o)
	}

	s.lock()
	c.state = StateRunning
	s.children[pid] = c
	s.live++
	s.bumpSerial()
	if s.stopping {
		// Shutdown ran while this child was being created.
		if e := s.signal(pid, syscall.SIGTERM); e != nil {
			c.logger.Warn("Failed sending SIGTERM", zap.Error(e))
		}
	}
	s.unlock()

	s.metrics.Spawned.WithLabelValues(program(path)).Inc()
	s.metrics.Running.Inc()
	c.logger.Info("Started child", zap.Strings("args", argv))
	return pid, nil
}

func (s *Supervisor) watch(c *Child) error {
	d, e := s.exits.Open(c.pid)
	if e != nil {
		return e
	}
	s.poller.Handle(d.Fd(), func(poll.Event) {
		s.reap(c)
	})
	if e := d.Attach(s.poller, poll.In); e != nil {
		s.poller.Handle(d.Fd(), nil)
		d.Close()
		return e
	}
	c.exitfd = d
	return nil
}

// reapKilled collects a child that was sent SIGKILL without an exit
// descriptor, so that it does not linger as a zombie.
func (s *Supervisor) reapKilled(c *Child) {
	for i := 0; i < 1000; i++ {
		if _, e := s.exits.Reap(c.pid); !errors.Is(e, ErrNotExited) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	c.logger.Error("Killed child was not reaped")
}

// reap is called from Wait when the exit descriptor of c is readable.
// The lock is held across the reap, so that Signal and Shutdown, which
// check the state under the lock, never signal a pid that was collected
// and may have been reused.
func (s *Supervisor) reap(c *Child) {
	s.lock()
	ex, e := s.exits.Reap(c.pid)
	if errors.Is(e, ErrNotExited) {
		s.unlock()
		return
	}
	if e != nil {
		// Someone else collected it; we cannot know how it ended.
		c.logger.Error("Failed to reap child", zap.Error(e))
		ex = Exit{Pid: c.pid, Code: -1}
	}
	c.exit = ex
	c.ended = time.Now()
	c.state = ex.state()
	s.live--
	if c.state.Failed() {
		s.failures++
	}
	s.bumpSerial()
	state := c.state
	cb := c.onFailure
	s.unlock()

	if e := c.exitfd.Close(); e != nil {
		c.logger.Warn("Failed closing exit descriptor", zap.Error(e))
	}

	s.metrics.Running.Dec()
	s.metrics.Exits.WithLabelValues(program(c.path), state.String()).Inc()

	if !state.Failed() {
		c.logger.Info("Child exited")
		return
	}
	c.logger.Warn("Child failed", zap.Stringer("status", ex))
	if cb != nil {
		s.metrics.Callbacks.Inc()
		s.callback(c, cb)
	}
}

func (s *Supervisor) callback(c *Child, cb func(int)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Failure callback panicked", zap.Any("panic", r))
		}
	}()
	cb(c.pid)
}

// Wait runs the poller until every child has terminated.  It returns 1
// if any child failed or was killed, else 0.  Children spawned by failure
// callbacks are waited for as well.
func (s *Supervisor) Wait() int {
	status := 0
	for s.Live() > 0 {
		if _, e := s.poller.Poll(-1); e != nil {
			s.logger.Error("Poll failed, abandoning children", zap.Error(e))
			status = 1
			break
		}
	}
	s.drainOutputs()

	s.lock()
	if s.failures > 0 {
		status = 1
	}
	s.unlock()
	return status
}

// drainOutputs collects output still buffered in pipes of reaped
// children, whose readiness may not have been seen before Wait ended.
func (s *Supervisor) drainOutputs() {
	s.lock()
	var outs []*output
	for _, c := range s.children {
		if c.state.Terminal() {
			outs = append(outs, c.outputs...)
			c.outputs = nil
		}
	}
	s.unlock()
	for _, o := range outs {
		o.drain()
		if o.d.Valid() {
			o.close()
		}
	}
}

// Children returns a snapshot of every child, ordered by pid.
func (s *Supervisor) Children() []ChildInfo {
	s.lock()
	rv := make([]ChildInfo, 0, len(s.children))
	for _, c := range s.children {
		rv = append(rv, c.info())
	}
	s.unlock()
	sort.Slice(rv, func(i, j int) bool {
		return rv[i].Pid < rv[j].Pid
	})
	return rv
}

// Child returns a snapshot of the child with the given pid.
func (s *Supervisor) Child(pid int) (ChildInfo, error) {
	s.lock()
	defer s.unlock()
	c, ok := s.children[pid]
	if !ok {
		return ChildInfo{}, ErrNoChild
	}
	return c.info(), nil
}

// Signal delivers sig to a running child.
func (s *Supervisor) Signal(pid int, sig syscall.Signal) error {
	s.lock()
	defer s.unlock()
	c, ok := s.children[pid]
	if !ok {
		return ErrNoChild
	}
	if c.state.Terminal() {
		return ErrNotRunning
	}
	return s.signal(pid, sig)
}

// Shutdown asks every running child to terminate, and refuses to start
// new ones.  The children are still reaped by Wait.
func (s *Supervisor) Shutdown() {
	s.lock()
	s.stopping = true
	for pid, c := range s.children {
		if c.state.Terminal() {
			continue
		}
		if e := s.signal(pid, syscall.SIGTERM); e != nil {
			c.logger.Warn("Failed sending SIGTERM", zap.Error(e))
		}
	}
	s.unlock()
	s.logger.Info("Shutting down children")
}

// Close releases the poller if the supervisor created it.  It does not
// wait for children.
func (s *Supervisor) Close() error {
	s.lock()
	if s.closed {
		s.unlock()
		return nil
	}
	s.closed = true
	s.unlock()
	if s.ownPoller {
		return s.poller.Close()
	}
	return nil
}
