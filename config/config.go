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

// Package config loads the YAML document that describes a testbed run.
// The same document is handed to every worker, so fields unknown to this
// package are ignored rather than rejected.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sys/unix"

	"github.com/pufferlab/streamvisor/fd"
)

// Config is the run description.
type Config struct {
	EnableLogging bool         `yaml:"enable_logging"`
	LogDir        string       `yaml:"log_dir"`
	Postgres      Connection   `yaml:"postgres_connection"`
	Influx        Connection   `yaml:"influxdb_connection"`
	Experiments   []Experiment `yaml:"experiments"`
	StatusAPI     StatusAPI    `yaml:"status_api"`
}

// Connection describes a database endpoint.  Password is not the secret
// itself but the name of the environment variable holding it.
type Connection struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Experiment is one experimental group.  Fingerprint is opaque here; it
// only matters through its canonical form.
type Experiment struct {
	Fingerprint any `yaml:"fingerprint"`
	NumServers  int `yaml:"num_servers"`
}

// StatusAPI configures the HTTP status endpoint.  An empty Listen disables
// it.
type StatusAPI struct {
	Listen       string `yaml:"listen"`
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"`
	MaxConns     int    `yaml:"max_conns"`
}

// Env holds the settings taken from STREAMVISOR_* environment variables.
type Env struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
	Listen   string `envconfig:"LISTEN"`
	SrcDir   string `envconfig:"SRC_DIR"`
}

const (
	EnvPrefix       = "streamvisor"
	DefaultMaxConns = 16
)

var ErrNoSecret = errors.New("secret environment variable is not set")

// LoadEnv reads the process settings from the environment.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	return &env, nil
}

// Load reads and validates the document at path.
func Load(path string) (*Config, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.StatusAPI.MaxConns == 0 {
		cfg.StatusAPI.MaxConns = DefaultMaxConns
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks what the orchestrator relies upon.
func (c *Config) Validate() error {
	for i, x := range c.Experiments {
		if x.Fingerprint == nil {
			return fmt.Errorf("experiment %d: missing fingerprint", i)
		}
		if x.NumServers < 0 {
			return fmt.Errorf("experiment %d: negative num_servers", i)
		}
	}
	if c.EnableLogging {
		if c.LogDir == "" {
			return errors.New("enable_logging requires log_dir")
		}
		if c.Influx.Host == "" {
			return errors.New("enable_logging requires influxdb_connection")
		}
	}
	if c.StatusAPI.MaxConns < 0 {
		return errors.New("status_api: negative max_conns")
	}
	return nil
}

// Secret returns the password named by the connection.
func (c Connection) Secret() (string, error) {
	if c.Password == "" {
		return "", nil
	}
	v, ok := os.LookupEnv(c.Password)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSecret, c.Password)
	}
	return v, nil
}

// Address returns host:port.
func (c Connection) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PostgresDSN returns a keyword/value connection string, with the secret
// resolved from the environment.
func (c Connection) PostgresDSN() (string, error) {
	pw, err := c.Secret()
	if err != nil {
		return "", err
	}
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+quote(v))
		}
	}
	add("host", c.Host)
	if c.Port != 0 {
		add("port", fmt.Sprint(c.Port))
	}
	add("dbname", c.DBName)
	add("user", c.User)
	add("password", pw)
	return strings.Join(parts, " "), nil
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// LogFormat and LogPath name the files of the log reporter for stem.
func (c *Config) LogFormat(stem string) string {
	return filepath.Join(c.LogDir, stem+".conf")
}

func (c *Config) LogPath(stem string, serverID int) string {
	return filepath.Join(c.LogDir, fmt.Sprintf("%s.%d.log", stem, serverID))
}

func readFile(path string) ([]byte, error) {
	d, err := fd.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	size, err := d.FileSize()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	return d.ReadExactly(int(size), false)
}
