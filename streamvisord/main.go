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

// Command streamvisord runs the workers of a testbed configuration and
// exits, non-zero if any of them failed, once they have all terminated.
//
//	streamvisord [flags] <config.yml>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/pufferlab/streamvisor"
	"github.com/pufferlab/streamvisor/config"
	"github.com/pufferlab/streamvisor/exptid"
	"github.com/pufferlab/streamvisor/fd"
	"github.com/pufferlab/streamvisor/orchestrator"
	"github.com/pufferlab/streamvisor/rest"
	"github.com/pufferlab/streamvisor/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	env, e := config.LoadEnv()
	if e != nil {
		fmt.Fprintln(os.Stderr, e)
		return 1
	}

	logLevel := pflag.String("log-level", env.LogLevel, "log level (debug, info, warn, error)")
	logDev := pflag.Bool("dev", env.LogDev, "human readable logs")
	listen := pflag.String("listen", env.Listen, "status API address, overrides status_api.listen")
	srcDir := pflag.String("src-dir", env.SrcDir, "installation root (default: derived from this executable)")
	pidFile := pflag.String("pid-file", "", "lock this file and write the daemon pid into it")
	capture := pflag.Bool("capture", false, "log the output of workers instead of inheriting it")
	dryRun := pflag.Bool("dry-run", false, "number experiments in memory without expt_json.py and post no telemetry")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <YAML configuration>\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if pflag.NArg() != 1 {
		pflag.Usage()
		return 1
	}

	lc := streamvisor.DefaultLogConfig()
	lc.Level = *logLevel
	lc.Development = *logDev
	logger, e := streamvisor.NewLogger(lc)
	if e != nil {
		fmt.Fprintln(os.Stderr, e)
		return 1
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if *pidFile != "" {
		lock, e := lockPidFile(*pidFile)
		if e != nil {
			logger.Error("Cannot lock pid file", zap.String("path", *pidFile), zap.Error(e))
			return 1
		}
		defer lock.Close()
	}

	rc, e := orchestrator.NewContext(pflag.Arg(0), *srcDir, logger)
	if e != nil {
		logger.Error("Cannot load configuration", zap.Error(e))
		return 1
	}
	cfg := rc.Config
	if *dryRun {
		rc.Canonicalize = exptid.JSON
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sup, e := streamvisor.NewSupervisor(
		streamvisor.WithName("streamvisord"),
		streamvisor.WithLogger(logger),
		streamvisor.WithMetrics(reg),
		streamvisor.WithCapture(*capture),
	)
	if e != nil {
		logger.Error("Cannot create supervisor", zap.Error(e))
		return 1
	}
	defer sup.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Received signal, stopping workers")
			sup.Shutdown()
		case <-finished:
		}
	}()

	ids, closeIDs, e := identityStore(ctx, cfg, *dryRun, logger)
	if e != nil {
		logger.Error("Cannot open experiment store", zap.Error(e))
		return 1
	}
	defer closeIDs()

	var sink telemetry.Sink = telemetry.Discard{}
	if cfg.EnableLogging && !*dryRun {
		pw, e := cfg.Influx.Secret()
		if e != nil {
			logger.Error("Cannot read InfluxDB password", zap.Error(e))
			return 1
		}
		influx := telemetry.NewInflux(telemetry.InfluxConfig{
			URL:      "http://" + cfg.Influx.Address(),
			DB:       cfg.Influx.DBName,
			User:     cfg.Influx.User,
			Password: pw,
			Rate:     10,
			Retries:  3,
		}, logger)
		defer influx.Close()
		sink = influx
	}

	addr := cfg.StatusAPI.Listen
	if *listen != "" {
		addr = *listen
	}
	if addr != "" {
		var opts []rest.HandlerOption
		opts = append(opts, rest.WithGatherer(reg), rest.WithHandlerLogger(logger))
		if cfg.StatusAPI.User != "" {
			opts = append(opts, rest.WithAuth(cfg.StatusAPI.User, cfg.StatusAPI.PasswordHash))
		}
		srv, e := rest.Listen(addr, cfg.StatusAPI.MaxConns, rest.NewHandler(sup, opts...), logger)
		if e != nil {
			logger.Error("Cannot start status API", zap.String("addr", addr), zap.Error(e))
			return 1
		}
		go func() {
			if e := srv.Serve(); e != nil {
				logger.Error("Status API failed", zap.Error(e))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	status, e := orchestrator.Run(ctx, rc, sup, ids, sink)
	if e != nil {
		logger.Error("Run failed", zap.Error(e))
		status = 1
	}
	info := sup.Info()
	logger.Info("All workers have exited",
		zap.Int("status", status), zap.Int("failures", info.Failures))
	return status
}

func identityStore(ctx context.Context, cfg *config.Config, dryRun bool, logger *zap.Logger) (exptid.Store, func(), error) {
	if dryRun {
		return exptid.NewMemStore(), func() {}, nil
	}
	dsn, e := cfg.Postgres.PostgresDSN()
	if e != nil {
		return nil, nil, e
	}
	s, e := exptid.NewPGStore(ctx, dsn, logger)
	if e != nil {
		return nil, nil, e
	}
	return s, s.Close, nil
}

// lockPidFile takes an exclusive lock on path, waiting for a previous
// daemon to release it, and records our pid in it.
func lockPidFile(path string) (*fd.Descriptor, error) {
	d, e := fd.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if e != nil {
		return nil, e
	}
	if e = d.Lock(); e == nil {
		e = unix.Ftruncate(d.Fd(), 0)
	}
	if e == nil {
		e = d.Reset()
	}
	if e == nil {
		_, e = d.Write([]byte(strconv.Itoa(os.Getpid())+"\n"), true)
	}
	if e != nil {
		d.Close()
		return nil, e
	}
	return d, nil
}
