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
	"fmt"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

func TestLog(t *testing.T) {
	Convey("Given a small ring log", t, func() {
		l := NewLog(3)
		recs, id := l.Records(0)
		So(recs, ShouldBeEmpty)

		Convey("Multi-line writes become separate records", func() {
			l.Write([]byte("one\ntwo\n"))
			recs, nid := l.Records(id)
			So(nid, ShouldNotEqual, id)
			So(len(recs), ShouldEqual, 2)
			So(recs[0].Text, ShouldEqual, "one")
			So(recs[1].Text, ShouldEqual, "two")

			Convey("An unchanged log returns nothing", func() {
				recs, same := l.Records(nid)
				So(recs, ShouldBeNil)
				So(same, ShouldEqual, nid)
			})
		})

		Convey("Only the newest records are kept", func() {
			for i := 0; i < 5; i++ {
				fmt.Fprintf(l, "line %d\n", i)
			}
			recs, _ := l.Records(0)
			So(len(recs), ShouldEqual, 3)
			So(recs[0].Text, ShouldEqual, "line 2")
			So(recs[2].Text, ShouldEqual, "line 4")
			So(recs[2].Id, ShouldEqual, recs[0].Id+2)
		})

		Convey("Clear empties the log and changes the id", func() {
			l.Write([]byte("x"))
			_, before := l.Records(0)
			l.Clear()
			recs, after := l.Records(0)
			So(recs, ShouldBeEmpty)
			So(after, ShouldNotEqual, before)
		})

		Convey("Watch returns when a record arrives", func() {
			_, id := l.Records(0)
			go func() {
				time.Sleep(time.Millisecond * 20)
				l.Write([]byte("late"))
			}()
			So(l.Watch(id, time.Second*5), ShouldNotEqual, id)
		})

		Convey("Watch expires", func() {
			_, id := l.Records(0)
			So(l.Watch(id, time.Millisecond*20), ShouldEqual, id)
		})
	})
}

func TestLogTee(t *testing.T) {
	Convey("A teed logger writes into the ring", t, func() {
		l := NewLog(10)
		logger := teeLog(zap.NewNop(), l)
		logger.Info("hello", zap.Int("n", 1))
		logger.Debug("hidden")
		recs, _ := l.Records(0)
		So(len(recs), ShouldEqual, 1)
		So(recs[0].Text, ShouldContainSubstring, "hello")
		So(recs[0].Text, ShouldContainSubstring, "INFO")
	})

	Convey("NewLogger rejects an unknown level", t, func() {
		_, e := NewLogger(LogConfig{Level: "chatty"})
		So(e, ShouldNotBeNil)
		lg, e := NewLogger(DefaultLogConfig())
		So(e, ShouldBeNil)
		So(lg, ShouldNotBeNil)
	})
}
