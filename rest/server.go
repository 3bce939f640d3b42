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

package rest

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sys/unix"

	"github.com/pufferlab/streamvisor"
)

// Handler wraps a Supervisor, adding http.Handler functionality.
type Handler struct {
	s        *streamvisor.Supervisor
	r        *mux.Router
	user     string
	hash     []byte
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

type HandlerOption func(*Handler)

// WithAuth requires HTTP basic authentication as user, with a password
// matching the bcrypt hash.
func WithAuth(user, hash string) HandlerOption {
	return func(h *Handler) {
		h.user = user
		h.hash = []byte(hash)
	}
}

// WithGatherer serves the metrics of g at /metrics.
func WithGatherer(g prometheus.Gatherer) HandlerOption {
	return func(h *Handler) { h.gatherer = g }
}

func WithHandlerLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := sonic.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := sonic.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// await implements conditional and long-polled reads.  cur is the current
// version of the resource, and watch waits for it to move past a version.
// It returns the version to report, and whether the client's copy is still
// current, in which case 304 has been written.
func (h *Handler) await(w http.ResponseWriter, r *http.Request, cur int64, watch func(int64, time.Duration) int64) (int64, bool) {
	inm := r.Header.Get("If-None-Match")
	old, ok := parseEtag(inm)
	if !ok || old != cur {
		return cur, false
	}
	if r.Header.Get(PollEtagHeader) == inm {
		secs, _ := strconv.Atoi(r.Header.Get(PollTimeHeader))
		secs = min(secs, MaxPollTime)
		if secs > 0 {
			cur = watch(cur, time.Duration(secs)*time.Second)
		}
	}
	if cur == old {
		w.Header().Set("Etag", formatEtag(cur))
		w.WriteHeader(http.StatusNotModified)
		return cur, true
	}
	return cur, false
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	serial, same := h.await(w, r, h.s.Serial(), h.s.WatchSerial)
	if same {
		return
	}
	info := h.s.Info()
	info.Serial = serial
	w.Header().Set("Etag", formatEtag(serial))
	h.writeJson(w, info)
}

func (h *Handler) listChildren(w http.ResponseWriter, r *http.Request) {
	serial, same := h.await(w, r, h.s.Serial(), h.s.WatchSerial)
	if same {
		return
	}
	w.Header().Set("Etag", formatEtag(serial))
	h.writeJson(w, h.s.Children())
}

func (h *Handler) findChild(r *http.Request) (streamvisor.ChildInfo, *Error) {
	pid, e := strconv.Atoi(mux.Vars(r)["pid"])
	if e != nil {
		return streamvisor.ChildInfo{}, &Error{http.StatusBadRequest, "Bad process id"}
	}
	c, e := h.s.Child(pid)
	if e != nil {
		return c, &Error{http.StatusNotFound, "Child not found"}
	}
	return c, nil
}

func (h *Handler) getChild(w http.ResponseWriter, r *http.Request) {
	serial, same := h.await(w, r, h.s.Serial(), h.s.WatchSerial)
	if same {
		return
	}
	if c, e := h.findChild(r); e != nil {
		h.writeError(w, e)
	} else {
		w.Header().Set("Etag", formatEtag(serial))
		h.writeJson(w, c)
	}
}

func (h *Handler) signalChild(w http.ResponseWriter, r *http.Request) {
	c, e := h.findChild(r)
	if e != nil {
		h.writeError(w, e)
		return
	}
	var req SignalRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err == nil && len(body) != 0 {
		err = sonic.Unmarshal(body, &req)
	}
	if err != nil {
		h.writeError(w, &Error{http.StatusBadRequest, err.Error()})
		return
	}
	if req.Signal == "" {
		req.Signal = r.URL.Query().Get("signal")
	}
	sig, err := ParseSignal(req.Signal)
	if err != nil {
		h.writeError(w, &Error{http.StatusBadRequest, err.Error()})
		return
	}
	switch err := h.s.Signal(c.Pid, sig); {
	case errors.Is(err, streamvisor.ErrNotRunning):
		h.writeError(w, &Error{http.StatusConflict, err.Error()})
	case err != nil:
		h.writeError(w, &Error{http.StatusInternalServerError, err.Error()})
	default:
		h.logger.Info("Signaled child", zap.Int("pid", c.Pid), zap.Stringer("signal", sig))
		h.writeJson(w, ok)
	}
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	l := h.s.Log()
	if _, same := h.await(w, r, l.ID(), l.Watch); same {
		return
	}
	recs, id := l.Records(0)
	w.Header().Set("Etag", formatEtag(id))
	h.writeJson(w, recs)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, found := r.BasicAuth()
		if !found ||
			subtle.ConstantTimeCompare([]byte(user), []byte(h.user)) != 1 ||
			bcrypt.CompareHashAndPassword(h.hash, []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="streamvisor"`)
			h.writeError(w, &Error{http.StatusUnauthorized, "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// ParseSignal accepts "TERM", "SIGTERM", or a signal number.
func ParseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		return 0, errors.New("no signal given")
	}
	if n, e := strconv.Atoi(name); e == nil && n > 0 && n < 65 {
		return syscall.Signal(n), nil
	}
	name = strings.ToUpper(name)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

func NewHandler(s *streamvisor.Supervisor, opts ...HandlerOption) *Handler {
	r := mux.NewRouter()
	h := &Handler{s: s, r: r, logger: zap.NewNop()}
	for _, o := range opts {
		o(h)
	}
	if h.user != "" {
		r.Use(h.authenticate)
	}
	r.HandleFunc("/", h.getInfo).Methods("GET")
	r.HandleFunc("/children", h.listChildren).Methods("GET")
	r.HandleFunc("/children/{pid:[0-9]+}", h.getChild).Methods("GET")
	r.HandleFunc("/children/{pid:[0-9]+}/signal", h.signalChild).Methods("POST")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return h
}
