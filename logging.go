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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the level and encoding of the process logger.
type LogConfig struct {
	Level       string // "debug", "info", "warn", "error"
	Development bool
	OutputPaths []string
}

// DefaultLogConfig logs JSON at info level to stderr.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		OutputPaths: []string{"stderr"},
	}
}

// NewLogger builds a zap logger.  Development loggers use the console
// encoder and include stack traces.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if e := level.UnmarshalText([]byte(cfg.Level)); e != nil {
		return nil, e
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stderr"}
	}
	encoding := "json"
	if cfg.Development {
		encoding = "console"
	}
	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig(cfg.Development),
		OutputPaths:       cfg.OutputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !cfg.Development,
	}
	return zc.Build()
}

func encoderConfig(development bool) zapcore.EncoderConfig {
	if development {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		return ec
	}
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}

// teeLog returns a logger writing both to base and, as plain console
// lines, to the ring log.
func teeLog(base *zap.Logger, l *Log) *zap.Logger {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = ""
	ec.CallerKey = ""
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	ring := zapcore.NewCore(zapcore.NewConsoleEncoder(ec), l, zapcore.InfoLevel)
	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, ring)
	}))
}
