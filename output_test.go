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
	"runtime"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pufferlab/streamvisor/fd"
)

func TestOutput(t *testing.T) {
	Convey("Given the read end of a pipe", t, func() {
		r, w, e := fd.Pipe()
		So(e, ShouldBeNil)
		defer w.Close()
		core, logs := observer.New(zap.InfoLevel)
		o := newOutput(r, "stdout", zap.New(core))
		So(r.SetBlocking(false), ShouldBeNil)

		Convey("A short line is read without a full sized buffer", func() {
			_, e := w.Write([]byte("hello\n"), true)
			So(e, ShouldBeNil)
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			o.drain()
			runtime.ReadMemStats(&after)
			So(int(after.TotalAlloc-before.TotalAlloc), ShouldBeLessThan, fd.BufferSize/2)
			So(logs.FilterMessage("stdout> hello").Len(), ShouldEqual, 1)
			o.close()
		})

		Convey("Lines spanning several reads arrive whole", func() {
			long := strings.Repeat("x", readChunk-10)
			data := []byte(long + "\n" + long + "\n")
			done := make(chan error, 1)
			go func() {
				_, e := w.Write(data, true)
				w.Close()
				done <- e
			}()
			for r.Valid() {
				o.drain()
			}
			So(<-done, ShouldBeNil)
			So(logs.FilterMessage("stdout> "+long).Len(), ShouldEqual, 2)
		})

		Convey("Output without a newline is flushed on close", func() {
			_, e := w.Write(bytes.Repeat([]byte("y"), 3), true)
			So(e, ShouldBeNil)
			o.drain()
			So(logs.Len(), ShouldEqual, 0)
			o.close()
			So(logs.FilterMessage("stdout> yyy").Len(), ShouldEqual, 1)
		})
	})
}
