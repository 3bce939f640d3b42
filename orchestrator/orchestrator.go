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

// Package orchestrator turns a run configuration into supervised workers.
// Each experiment gets num_servers media servers, numbered from 1 across
// the whole run, and, when logging is enabled, one log reporter per log
// stem for every media server.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pufferlab/streamvisor/config"
	"github.com/pufferlab/streamvisor/exptid"
	"github.com/pufferlab/streamvisor/telemetry"
)

// Metrics posted to the telemetry sink.
const (
	ServerState      = "server_state"
	LogReporterState = "log_reporter_state"
)

// LogStems name the logs shipped by the log reporters.
var LogStems = []string{
	"active_streams",
	"rebuffer_events",
	"client_buffer",
	"client_sysinfo",
	"video_sent",
	"video_acked",
}

// Supervisor is what Run needs of a streamvisor.Supervisor.
type Supervisor interface {
	RunAsChild(path string, argv, env []string, onFailure func(pid int)) (int, error)
	Wait() int
	Shutdown()
}

// Context is everything a run depends on.  It is built once, by main, and
// passed down explicitly.
type Context struct {
	Config     *config.Config
	ConfigPath string // absolute
	SrcDir     string // root of the installed tree
	Logger     *zap.Logger
	Now        func() time.Time

	// Canonicalize reduces an experiment fingerprint to the string its id
	// is keyed by.  Nil means exptid.JSON.
	Canonicalize exptid.Canonicalizer
}

// NewContext loads the configuration at configPath.  If srcDir is empty it
// is derived from the location of the running executable.
func NewContext(configPath, srcDir string, logger *zap.Logger) (*Context, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(abs)
	if err != nil {
		return nil, err
	}
	if srcDir == "" {
		if srcDir, err = SrcDirFromExecutable(); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		Config:       cfg,
		ConfigPath:   abs,
		SrcDir:       srcDir,
		Logger:       logger,
		Now:          time.Now,
		Canonicalize: exptid.Script(filepath.Join(srcDir, "scripts", "expt_json.py")),
	}, nil
}

// SrcDirFromExecutable returns the grandparent directory of the running
// binary, which is installed as <src>/<component>/<binary>.
func SrcDirFromExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if exe, err = filepath.EvalSymlinks(exe); err != nil {
		return "", err
	}
	return filepath.Dir(filepath.Dir(exe)), nil
}

func (rc *Context) MediaServer() string {
	return filepath.Join(rc.SrcDir, "media-server", "ws_media_server")
}

func (rc *Context) LogReporter() string {
	return filepath.Join(rc.SrcDir, "monitoring", "log_reporter")
}

// MediaServerArgs is the argv of media server serverID of experiment
// exptID.
func (rc *Context) MediaServerArgs(serverID, exptID int) []string {
	return []string{
		rc.MediaServer(),
		rc.ConfigPath,
		strconv.Itoa(serverID),
		strconv.Itoa(exptID),
	}
}

// LogReporterArgs is the argv of the reporter shipping stem for serverID.
func (rc *Context) LogReporterArgs(stem string, serverID int) []string {
	return []string{
		rc.LogReporter(),
		rc.ConfigPath,
		rc.Config.LogFormat(stem),
		rc.Config.LogPath(stem, serverID),
	}
}

func (rc *Context) canonical(ctx context.Context, fingerprint any) (string, error) {
	if rc.Canonicalize == nil {
		return exptid.JSON(ctx, fingerprint)
	}
	return rc.Canonicalize(ctx, fingerprint)
}

func (rc *Context) now() time.Time {
	if rc.Now == nil {
		return time.Now()
	}
	return rc.Now()
}

// Run starts every worker of the configuration on sup, then waits for all
// of them and returns the aggregate status: 1 if any worker failed, else 0.
//
// If an experiment id cannot be resolved, a worker cannot be started, or
// ctx is cancelled, the workers already running are shut down and reaped,
// and the error is returned with status 1.
func Run(ctx context.Context, rc *Context, sup Supervisor, ids exptid.Store, sink telemetry.Sink) (int, error) {
	logger := rc.Logger
	cfg := rc.Config
	if sink == nil {
		sink = telemetry.Discard{}
	}

	if cfg.EnableLogging {
		logger.Info("Logging is enabled")
	} else {
		logger.Info("Logging is disabled")
	}

	abort := func(err error) (int, error) {
		logger.Error("Aborting run", zap.Error(err))
		sup.Shutdown()
		sup.Wait()
		return 1, err
	}

	serverID := 0
	for n, x := range cfg.Experiments {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		canonical, err := rc.canonical(ctx, x.Fingerprint)
		if err != nil {
			return abort(fmt.Errorf("experiment %d: %w", n, err))
		}
		exptID, err := ids.ID(ctx, canonical)
		if err != nil {
			return abort(fmt.Errorf("experiment %d: failed to resolve id: %w", n, err))
		}
		logger.Info("Running experiment",
			zap.Int("expt_id", exptID), zap.Int("servers", x.NumServers))

		for i := 0; i < x.NumServers; i++ {
			serverID++
			if err := ctx.Err(); err != nil {
				return abort(err)
			}
			if err := rc.startServer(sup, sink, serverID, exptID); err != nil {
				return abort(err)
			}
			if !cfg.EnableLogging {
				continue
			}
			for _, stem := range LogStems {
				if err := ctx.Err(); err != nil {
					return abort(err)
				}
				if err := rc.startReporter(sup, sink, stem, serverID); err != nil {
					return abort(err)
				}
			}
		}
	}

	if cfg.EnableLogging {
		sink.Post(telemetry.Line(ServerState, false, rc.now()))
		sink.Post(telemetry.Line(LogReporterState, false, rc.now()))
	}

	status := sup.Wait()
	if err := ctx.Err(); err != nil {
		// Workers stopped on request did not finish their job.
		return 1, err
	}
	return status, nil
}

func (rc *Context) startServer(sup Supervisor, sink telemetry.Sink, serverID, exptID int) error {
	logger := rc.Logger
	enabled := rc.Config.EnableLogging
	_, err := sup.RunAsChild(rc.MediaServer(), rc.MediaServerArgs(serverID, exptID), nil, func(int) {
		logger.Error("Error in media server", zap.Int("server_id", serverID))
		if enabled {
			sink.Post(telemetry.Line(ServerState, true, rc.now()))
		}
	})
	if err != nil {
		return fmt.Errorf("media server %d: %w", serverID, err)
	}
	return nil
}

func (rc *Context) startReporter(sup Supervisor, sink telemetry.Sink, stem string, serverID int) error {
	logger := rc.Logger
	_, err := sup.RunAsChild(rc.LogReporter(), rc.LogReporterArgs(stem, serverID), nil, func(int) {
		logger.Error("Error in log reporter", zap.String("stem", stem))
		sink.Post(telemetry.Line(LogReporterState, true, rc.now()))
	})
	if err != nil {
		return fmt.Errorf("log reporter %s for server %d: %w", stem, serverID, err)
	}
	return nil
}
