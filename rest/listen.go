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
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// Server serves a Handler on a listener that accepts at most a fixed
// number of simultaneous connections.  Long polls hold a connection each.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr.  A maxConns of zero or less means no limit.
func Listen(addr string, maxConns int, h http.Handler, logger *zap.Logger) (*Server, error) {
	ln, e := net.Listen("tcp", addr)
	if e != nil {
		return nil, e
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(logger),
		},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.logger.Info("Status API listening", zap.String("addr", s.Addr()))
	if e := s.srv.Serve(s.ln); !errors.Is(e, http.ErrServerClosed) {
		return e
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
