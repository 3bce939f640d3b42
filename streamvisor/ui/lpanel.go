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

package ui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"
)

// LogPanel shows the supervisor log.
type LogPanel struct {
	text *views.TextArea

	Panel
}

func NewLogPanel(app *App) *LogPanel {
	p := &LogPanel{}

	p.Panel.Init(app)
	p.SetTitle("Supervisor Log")
	// We don't change the keybar, so set it once
	p.SetKeys([]string{"[ESC] Main", "[Q] Main"})

	p.text = views.NewTextArea()
	p.text.EnableCursor(false)
	p.text.SetStyle(tcell.StyleDefault.
		Foreground(tcell.ColorSilver).Background(tcell.ColorBlack))
	p.SetContent(p.text)

	return p
}

func (p *LogPanel) Draw() {
	p.update()
	p.Panel.Draw()
}

func (p *LogPanel) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			p.App().ShowMain()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				p.App().ShowMain()
				return true
			}
		}
	}
	return p.Panel.HandleEvent(ev)
}

func (p *LogPanel) update() {
	recs, err := p.App().Records()
	if err != nil {
		p.SetStatus(fmt.Sprintf("No data: %v", err))
		p.SetError()
		p.text.SetLines([]string{""})
		return
	}
	if recs == nil {
		p.SetStatus("Loading ...")
		p.SetNormal()
		p.text.SetLines([]string{""})
		return
	}
	p.SetStatus(fmt.Sprintf("%d records", len(recs)))
	p.SetNormal()

	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("%s %s", r.Time.Format(time.StampMilli), r.Text))
	}
	p.text.SetLines(lines)
}
