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

// Package ui is the live "top" view of the streamvisor client.
package ui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"
	"go.uber.org/zap"

	"github.com/pufferlab/streamvisor"
	"github.com/pufferlab/streamvisor/rest"
	"github.com/pufferlab/streamvisor/streamvisor/util"
)

const AppName = "Streamvisor"

// pollWait is how long each long poll is held by the server.
const pollWait = time.Minute

type App struct {
	app    *views.Application
	view   views.View
	panel  views.Widget
	log    *LogPanel
	main   *MainPanel
	client *rest.Client
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// written only from PostFunc callbacks
	items   []streamvisor.ChildInfo
	err     error
	records []streamvisor.LogRecord
	logErr  error

	views.WidgetWatchers
}

func NewApp(client *rest.Client, url string, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		app:    &views.Application{},
		client: client,
		logger: logger,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.log = NewLogPanel(a)
	a.main = NewMainPanel(a, url)
	a.panel = a.main
	return a
}

func (a *App) show(w views.Widget) {
	if w != a.panel {
		a.panel.SetView(nil)
		a.panel = w
	}
	a.panel.SetView(a.view)
	a.panel.Resize()
	a.app.Refresh()
}

func (a *App) ShowLog() {
	a.show(a.log)
}

func (a *App) ShowMain() {
	a.show(a.main)
}

// Signal sends sig to a child without blocking the event loop.
func (a *App) Signal(pid int, sig string) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
		defer cancel()
		if e := a.client.Signal(ctx, pid, sig); e != nil {
			a.logger.Warn("Signal failed", zap.Int("pid", pid), zap.Error(e))
		}
	}()
}

func (a *App) Quit() {
	a.cancel()
	a.app.Quit()
}

func (a *App) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		// Intercept a few control keys up front, for global handling.
		case tcell.KeyCtrlC:
			a.Quit()
			return true
		case tcell.KeyCtrlL:
			a.app.Refresh()
			return true
		}
	}
	if a.panel != nil {
		return a.panel.HandleEvent(ev)
	}
	return false
}

func (a *App) Draw() {
	if a.panel != nil {
		a.panel.Draw()
	}
}

func (a *App) Resize() {
	if a.panel != nil {
		a.panel.Resize()
	}
}

func (a *App) SetView(view views.View) {
	a.view = view
	if a.panel != nil {
		a.panel.SetView(view)
	}
}

func (a *App) Size() (int, int) {
	if a.panel != nil {
		return a.panel.Size()
	}
	return 0, 0
}

// refresh keeps the children current, using long polls.
func (a *App) refresh() {
	items, e := a.client.Children(a.ctx)
	for a.ctx.Err() == nil {
		if items != nil {
			items = append([]streamvisor.ChildInfo{}, items...)
			util.SortChildren(items)
		}
		a.app.PostFunc(func() {
			a.items, a.err = items, e
			a.app.Update()
		})
		if e != nil {
			select {
			case <-a.ctx.Done():
			case <-time.After(2 * time.Second):
			}
		}
		items, e = a.client.WatchChildren(a.ctx, pollWait)
	}
}

func (a *App) refreshLog() {
	recs, e := a.client.Log(a.ctx)
	for a.ctx.Err() == nil {
		a.app.PostFunc(func() {
			a.records, a.logErr = recs, e
			a.app.Update()
		})
		if e != nil {
			select {
			case <-a.ctx.Done():
			case <-time.After(2 * time.Second):
			}
		}
		recs, e = a.client.WatchLog(a.ctx, pollWait)
	}
}

func (a *App) Items() ([]streamvisor.ChildInfo, error) {
	return a.items, a.err
}

func (a *App) Records() ([]streamvisor.LogRecord, error) {
	return a.records, a.logErr
}

func (a *App) Run() error {
	a.logger.Info("Starting up user interface")
	a.app.SetRootWidget(a)
	a.ShowMain()
	go a.refresh()
	go a.refreshLog()
	go func() {
		// uptimes move even when nothing else does
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-t.C:
				a.app.Update()
			}
		}
	}()
	return a.app.Run()
}
