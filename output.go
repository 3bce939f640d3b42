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
	"bytes"

	"go.uber.org/zap"

	"github.com/pufferlab/streamvisor/fd"
	"github.com/pufferlab/streamvisor/poll"
)

// maxLine bounds a partial line held while waiting for its newline.
const maxLine = 64 * 1024

// readChunk is the most read from a pipe at once, its default capacity.
const readChunk = 64 * 1024

// output is the read end of a child's stdout or stderr pipe.  It lives on
// the supervisor's poller and logs the child's output a line at a time.
type output struct {
	d       *fd.Descriptor
	prefix  string
	partial []byte
	logger  *zap.Logger
}

func newOutput(d *fd.Descriptor, name string, logger *zap.Logger) *output {
	return &output{d: d, prefix: name + "> ", logger: logger}
}

func (o *output) attach(p *poll.Poller) error {
	if e := o.d.SetBlocking(false); e != nil {
		return e
	}
	p.Handle(o.d.Fd(), func(poll.Event) {
		o.drain()
	})
	if e := o.d.Attach(p, poll.In); e != nil {
		p.Handle(o.d.Fd(), nil)
		return e
	}
	return nil
}

// drain reads whatever is available without blocking.  At end of file,
// or on error, the descriptor is closed, which removes it from the poller.
func (o *output) drain() {
	for o.d.Valid() {
		b, e := o.d.Read(readChunk)
		if e == fd.ErrWouldBlock {
			return
		}
		if e != nil {
			o.logger.Warn("Failed reading child output", zap.Error(e))
			o.close()
			return
		}
		if len(b) == 0 {
			o.close()
			return
		}
		o.lines(b)
	}
}

func (o *output) lines(b []byte) {
	o.partial = append(o.partial, b...)
	for {
		i := bytes.IndexByte(o.partial, '\n')
		if i < 0 {
			break
		}
		o.logger.Info(o.prefix + string(o.partial[:i]))
		o.partial = o.partial[i+1:]
	}
	if len(o.partial) > maxLine {
		o.flush()
	}
}

func (o *output) flush() {
	if len(o.partial) != 0 {
		o.logger.Info(o.prefix + string(o.partial))
		o.partial = nil
	}
}

func (o *output) close() {
	o.flush()
	if e := o.d.Close(); e != nil {
		o.logger.Warn("Failed closing child output", zap.Error(e))
	}
}
