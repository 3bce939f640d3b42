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
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/pufferlab/streamvisor/fd"
)

// ExitSource turns child termination into descriptor readiness.
type ExitSource interface {
	// Open returns a descriptor that becomes readable once pid has
	// terminated.  The caller owns it.
	Open(pid int) (*fd.Descriptor, error)

	// Reap collects the status of pid.  It returns ErrNotExited if the
	// child is still running.  A child is reaped at most once.
	Reap(pid int) (Exit, error)
}

type pidfdSource struct{}

// PidfdExitSource watches children with pidfd_open(2), and reaps them
// with wait4(2).  It requires Linux 5.3 or newer.
func PidfdExitSource() ExitSource {
	return pidfdSource{}
}

func (pidfdSource) Open(pid int) (*fd.Descriptor, error) {
	pfd, e := unix.PidfdOpen(pid, 0)
	if e != nil {
		return nil, os.NewSyscallError("pidfd_open", e)
	}
	d, e := fd.New(pfd)
	if e != nil {
		unix.Close(pfd)
		return nil, e
	}
	return d, nil
}

func (pidfdSource) Reap(pid int) (Exit, error) {
	var ws unix.WaitStatus
	for {
		wpid, e := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if e == unix.EINTR {
			continue
		}
		if e != nil {
			return Exit{Pid: pid}, os.NewSyscallError("wait4", e)
		}
		if wpid == 0 {
			return Exit{Pid: pid}, ErrNotExited
		}
		break
	}
	ex := Exit{Pid: pid}
	switch {
	case ws.Exited():
		ex.Code = ws.ExitStatus()
	case ws.Signaled():
		ex.Signal = syscall.Signal(ws.Signal())
		ex.Code = -1
	}
	return ex, nil
}

func forkExec(path string, argv, env []string, files []uintptr) (int, error) {
	return syscall.ForkExec(path, argv, &syscall.ProcAttr{
		Env:   env,
		Files: files,
	})
}

func sendSignal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}
