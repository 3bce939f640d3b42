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
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a Supervisor.
type Metrics struct {
	Spawned     *prometheus.CounterVec
	SpawnErrors *prometheus.CounterVec
	Exits       *prometheus.CounterVec
	Running     prometheus.Gauge
	Callbacks   prometheus.Counter
}

// NewMetrics registers the supervisor collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Spawned: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamvisor_children_spawned_total",
				Help: "Total number of child processes started",
			},
			[]string{"program"},
		),
		SpawnErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamvisor_spawn_errors_total",
				Help: "Total number of child processes that could not be created",
			},
			[]string{"program"},
		),
		Exits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamvisor_children_exited_total",
				Help: "Total number of reaped child processes by outcome",
			},
			[]string{"program", "state"},
		),
		Running: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "streamvisor_children_running",
				Help: "Number of child processes not yet reaped",
			},
		),
		Callbacks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "streamvisor_failure_callbacks_total",
				Help: "Total number of failure callbacks invoked",
			},
		),
	}
}

func program(path string) string {
	return filepath.Base(path)
}
