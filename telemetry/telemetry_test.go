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

package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLine(t *testing.T) {
	ts := time.UnixMilli(1546300800123)
	assert.Equal(t, "server_state state=1i 1546300800123", Line("server_state", true, ts))
	assert.Equal(t, "log_reporter_state state=0i 1546300800123", Line("log_reporter_state", false, ts))
	Discard{}.Post("ignored")
}

type influxServer struct {
	lines  []string
	query  []string
	auth   []string
	status int
	mx     sync.Mutex
}

func (s *influxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	user, pass, _ := r.BasicAuth()
	s.mx.Lock()
	defer s.mx.Unlock()
	s.query = append(s.query, r.URL.Path+"?"+r.URL.RawQuery)
	s.auth = append(s.auth, user+":"+pass)
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	s.lines = append(s.lines, strings.Split(string(body), "\n")...)
	w.WriteHeader(http.StatusNoContent)
}

func TestInflux(t *testing.T) {
	t.Run("lines are delivered", func(t *testing.T) {
		srv := &influxServer{}
		ts := httptest.NewServer(srv)
		defer ts.Close()

		i := NewInflux(InfluxConfig{URL: ts.URL, DB: "puffer", User: "u", Password: "p"}, zaptest.NewLogger(t))
		i.Post("server_state state=0i 1")
		i.Post("log_reporter_state state=0i 2")
		i.Close()

		srv.mx.Lock()
		defer srv.mx.Unlock()
		assert.Equal(t, []string{"server_state state=0i 1", "log_reporter_state state=0i 2"}, srv.lines)
		require.NotEmpty(t, srv.query)
		assert.Equal(t, "/write?db=puffer&precision=ms", srv.query[0])
		assert.Equal(t, "u:p", srv.auth[0])
		assert.Equal(t, 2, i.Sent())
		assert.Equal(t, 0, i.Dropped())
	})

	t.Run("server errors are dropped", func(t *testing.T) {
		srv := &influxServer{status: http.StatusBadRequest}
		ts := httptest.NewServer(srv)
		defer ts.Close()

		i := NewInflux(InfluxConfig{URL: ts.URL, DB: "puffer"}, zaptest.NewLogger(t))
		i.Post("bad line")
		i.Close()
		assert.Equal(t, 0, i.Sent())
		assert.Equal(t, 1, i.Dropped())
	})

	t.Run("post after close is dropped", func(t *testing.T) {
		i := NewInflux(InfluxConfig{URL: "http://127.0.0.1:1"}, nil)
		i.Close()
		i.Close()
		i.Post("late")
		assert.Equal(t, 1, i.Dropped())
	})

	t.Run("a full queue drops", func(t *testing.T) {
		i := newInflux(InfluxConfig{URL: "http://127.0.0.1:1", QueueSize: 1}, nil)
		i.Post("first")
		i.Post("second")
		assert.Equal(t, 1, i.Dropped())
		assert.Len(t, i.queue, 1)
	})
}
