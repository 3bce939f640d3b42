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
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"

	"github.com/pufferlab/streamvisor"
)

// Client talks to a Handler.  It caches the last copy of each resource,
// so that Watch calls only transfer data that has changed.
type Client struct {
	r *resty.Client

	// Cached data
	info     *streamvisor.SupervisorInfo
	infoTag  string
	children []streamvisor.ChildInfo
	childTag string
	log      []streamvisor.LogRecord
	logTag   string
	lock     sync.Mutex
}

// NewClient returns a Client for the API rooted at baseURI.
func NewClient(baseURI string) *Client {
	r := resty.New().
		SetBaseURL(baseURI).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)
	return &Client{r: r}
}

func (c *Client) SetAuth(user string, pass string) {
	c.r.SetBasicAuth(user, pass)
}

// poll issues a GET against path, optionally checking against etag, and
// optionally as a long poll waiting up to wait for the value to change.
// The return values are the new Etag and any error.  If the value did not
// change, the returned etag is "" and the error is nil.
func (c *Client) poll(ctx context.Context, path string, etag string, wait time.Duration, v interface{}) (string, error) {
	req := c.r.R().SetContext(ctx).SetResult(v).SetError(&Error{})
	if etag != "" {
		req.SetHeader("If-None-Match", etag)
		if secs := int(wait / time.Second); secs > 0 {
			req.SetHeader(PollEtagHeader, etag)
			req.SetHeader(PollTimeHeader, strconv.Itoa(secs))
		}
	}
	res, e := req.Get(path)
	if e != nil {
		return "", e
	}
	if res.StatusCode() == http.StatusNotModified {
		return "", nil
	}
	if res.IsError() {
		return "", asError(res)
	}
	return res.Header().Get("Etag"), nil
}

func asError(res *resty.Response) error {
	if e, ok := res.Error().(*Error); ok && e.Message != "" {
		if e.Code == 0 {
			e.Code = res.StatusCode()
		}
		return e
	}
	return &Error{Code: res.StatusCode(), Message: res.Status()}
}

// Info returns the supervisor summary.
func (c *Client) Info(ctx context.Context) (*streamvisor.SupervisorInfo, error) {
	return c.WatchInfo(ctx, 0)
}

// WatchInfo returns the supervisor summary once it differs from the copy
// returned last, or after wait.
func (c *Client) WatchInfo(ctx context.Context, wait time.Duration) (*streamvisor.SupervisorInfo, error) {
	c.lock.Lock()
	otag := c.infoTag
	c.lock.Unlock()

	v := &streamvisor.SupervisorInfo{}
	etag, e := c.poll(ctx, "/", otag, wait, v)
	if e != nil {
		return nil, e
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if etag != "" {
		c.info, c.infoTag = v, etag
	}
	return c.info, nil
}

// Children lists every child.
func (c *Client) Children(ctx context.Context) ([]streamvisor.ChildInfo, error) {
	return c.WatchChildren(ctx, 0)
}

// WatchChildren is like Children, but waits up to wait for a change from
// the list returned last.
func (c *Client) WatchChildren(ctx context.Context, wait time.Duration) ([]streamvisor.ChildInfo, error) {
	c.lock.Lock()
	otag := c.childTag
	c.lock.Unlock()

	v := []streamvisor.ChildInfo{}
	etag, e := c.poll(ctx, "/children", otag, wait, &v)
	if e != nil {
		c.lock.Lock()
		c.children, c.childTag = nil, ""
		c.lock.Unlock()
		return nil, e
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if etag != "" {
		c.children, c.childTag = v, etag
	}
	return c.children, nil
}

// Child returns one child.  It is never cached.
func (c *Client) Child(ctx context.Context, pid int) (*streamvisor.ChildInfo, error) {
	v := &streamvisor.ChildInfo{}
	if _, e := c.poll(ctx, "/children/"+strconv.Itoa(pid), "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Signal sends a signal, named as for ParseSignal, to a child.
func (c *Client) Signal(ctx context.Context, pid int, sig string) error {
	res, e := c.r.R().
		SetContext(ctx).
		SetBody(&SignalRequest{Signal: sig}).
		SetError(&Error{}).
		Post("/children/" + strconv.Itoa(pid) + "/signal")
	if e != nil {
		return e
	}
	if res.IsError() {
		return asError(res)
	}
	return nil
}

// Log returns the supervisor log.
func (c *Client) Log(ctx context.Context) ([]streamvisor.LogRecord, error) {
	return c.WatchLog(ctx, 0)
}

// WatchLog returns the log once it has new records, or after wait.
func (c *Client) WatchLog(ctx context.Context, wait time.Duration) ([]streamvisor.LogRecord, error) {
	c.lock.Lock()
	otag := c.logTag
	c.lock.Unlock()

	v := []streamvisor.LogRecord{}
	etag, e := c.poll(ctx, "/log", otag, wait, &v)
	if e != nil {
		c.lock.Lock()
		c.log, c.logTag = nil, ""
		c.lock.Unlock()
		return nil, e
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if etag != "" {
		c.log, c.logTag = v, etag
	}
	return c.log, nil
}
