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
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// InfluxConfig describes an InfluxDB 1.x endpoint.
type InfluxConfig struct {
	URL      string // e.g. http://127.0.0.1:8086
	DB       string
	User     string
	Password string

	QueueSize int           // lines buffered before dropping
	Rate      float64       // requests per second, 0 for unlimited
	Timeout   time.Duration // per request
	Retries   int
}

const (
	DefaultQueueSize = 256
	maxBatch         = 64
)

// Influx is a Sink writing to the /write endpoint of InfluxDB.  Lines are
// queued and sent by a single goroutine, in batches when they pile up.
type Influx struct {
	client  *resty.Client
	db      string
	limiter *rate.Limiter
	queue   chan string
	done    chan struct{}
	logger  *zap.Logger
	closed  bool
	dropped int
	sent    int
	mx      sync.Mutex
}

// NewInflux returns a running Influx sink.
func NewInflux(cfg InfluxConfig, logger *zap.Logger) *Influx {
	i := newInflux(cfg, logger)
	go i.run()
	return i
}

func newInflux(cfg InfluxConfig, logger *zap.Logger) *Influx {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.Retries
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetHeader("User-Agent", "streamvisor")
	client.SetTransport(retryClient.StandardClient().Transport)
	if cfg.User != "" {
		client.SetBasicAuth(cfg.User, cfg.Password)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(1, int(cfg.Rate)))
	}

	return &Influx{
		client:  client,
		db:      cfg.DB,
		limiter: limiter,
		queue:   make(chan string, cfg.QueueSize),
		done:    make(chan struct{}),
		logger:  logger.Named("influx"),
	}
}

// Post queues line.  If the queue is full, or the sink is closed, the line
// is dropped.
func (i *Influx) Post(line string) {
	i.mx.Lock()
	defer i.mx.Unlock()
	if i.closed {
		i.dropped++
		i.logger.Warn("Sink closed, dropping line", zap.String("line", line))
		return
	}
	select {
	case i.queue <- line:
	default:
		i.dropped++
		i.logger.Warn("Queue full, dropping line", zap.String("line", line))
	}
}

// Close stops accepting lines, and waits until the queued ones have been
// sent or have failed.
func (i *Influx) Close() {
	i.mx.Lock()
	if !i.closed {
		i.closed = true
		close(i.queue)
	}
	i.mx.Unlock()
	<-i.done
}

// Dropped and Sent count lines.
func (i *Influx) Dropped() int {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.dropped
}

func (i *Influx) Sent() int {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.sent
}

func (i *Influx) run() {
	defer close(i.done)
	for line := range i.queue {
		batch := []string{line}
	fill:
		for len(batch) < maxBatch {
			select {
			case l, ok := <-i.queue:
				if !ok {
					break fill
				}
				batch = append(batch, l)
			default:
				break fill
			}
		}
		i.limiter.Wait(context.Background())
		if err := i.send(batch); err != nil {
			i.mx.Lock()
			i.dropped += len(batch)
			i.mx.Unlock()
			i.logger.Error("Failed to post telemetry", zap.Int("lines", len(batch)), zap.Error(err))
			continue
		}
		i.mx.Lock()
		i.sent += len(batch)
		i.mx.Unlock()
	}
}

func (i *Influx) send(lines []string) error {
	resp, err := i.client.R().
		SetQueryParams(map[string]string{"db": i.db, "precision": "ms"}).
		SetBody(strings.Join(lines, "\n")).
		Post("/write")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("influx returned %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
	}
	return nil
}
