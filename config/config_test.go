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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
enable_logging: true
log_dir: /var/log/puffer
ws_base_port: 50000
postgres_connection:
  host: 127.0.0.1
  port: 5432
  dbname: puffer
  user: puffer
  password: PUFFER_PG_PASSWORD
influxdb_connection:
  host: 127.0.0.1
  port: 8086
  dbname: puffer
  user: puffer
  password: PUFFER_INFLUX_PASSWORD
experiments:
  - fingerprint:
      abr: mpc
      cc: bbr
    num_servers: 2
  - fingerprint:
      abr: bba
      cc: cubic
    num_servers: 1
status_api:
  listen: 127.0.0.1:8321
`

func writeSample(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeSample(t, sample))
	require.NoError(t, err)

	assert.True(t, cfg.EnableLogging)
	assert.Equal(t, "/var/log/puffer", cfg.LogDir)
	assert.Equal(t, "127.0.0.1:8086", cfg.Influx.Address())
	assert.Equal(t, "PUFFER_PG_PASSWORD", cfg.Postgres.Password)
	require.Len(t, cfg.Experiments, 2)
	assert.Equal(t, 2, cfg.Experiments[0].NumServers)
	assert.NotNil(t, cfg.Experiments[0].Fingerprint)
	assert.Equal(t, "127.0.0.1:8321", cfg.StatusAPI.Listen)
	assert.Equal(t, DefaultMaxConns, cfg.StatusAPI.MaxConns)

	assert.Equal(t, "/var/log/puffer/video_sent.conf", cfg.LogFormat("video_sent"))
	assert.Equal(t, "/var/log/puffer/video_sent.3.log", cfg.LogPath("video_sent", 3))
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
		assert.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := Load(writeSample(t, "experiments:\n  - fingerprint: {a: 1}\n    num_servers: many\n"))
		assert.Error(t, err)
	})

	t.Run("logging without log_dir", func(t *testing.T) {
		_, err := Parse([]byte("enable_logging: true\ninfluxdb_connection: {host: x}\n"))
		assert.ErrorContains(t, err, "log_dir")
	})

	t.Run("negative server count", func(t *testing.T) {
		_, err := Parse([]byte("experiments:\n  - fingerprint: {a: 1}\n    num_servers: -1\n"))
		assert.ErrorContains(t, err, "num_servers")
	})

	t.Run("missing fingerprint", func(t *testing.T) {
		_, err := Parse([]byte("experiments:\n  - num_servers: 1\n"))
		assert.ErrorContains(t, err, "fingerprint")
	})
}

func TestSecret(t *testing.T) {
	c := Connection{Host: "db", Port: 5432, DBName: "puffer", User: "me", Password: "STREAMVISOR_TEST_PW"}

	_, err := c.Secret()
	assert.True(t, errors.Is(err, ErrNoSecret))

	t.Setenv("STREAMVISOR_TEST_PW", "it's secret")
	pw, err := c.Secret()
	require.NoError(t, err)
	assert.Equal(t, "it's secret", pw)

	dsn, err := c.PostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, `host=db port=5432 dbname=puffer user=me password='it\'s secret'`, dsn)

	pw, err = Connection{}.Secret()
	assert.NoError(t, err)
	assert.Empty(t, pw)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("STREAMVISOR_LOG_LEVEL", "debug")
	t.Setenv("STREAMVISOR_LISTEN", ":9000")
	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "debug", env.LogLevel)
	assert.Equal(t, ":9000", env.Listen)
	assert.False(t, env.LogDev)
}
