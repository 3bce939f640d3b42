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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/pufferlab/streamvisor"
	"github.com/pufferlab/streamvisor/rest"
	"github.com/pufferlab/streamvisor/streamvisor/util"
)

var (
	StyleNormal = tcell.StyleDefault.
			Foreground(tcell.ColorSilver).
			Background(tcell.ColorBlack)
	StyleGood = tcell.StyleDefault.
			Foreground(tcell.ColorGreen).
			Background(tcell.ColorBlack)
	StyleError = tcell.StyleDefault.
			Foreground(tcell.ColorMaroon).
			Background(tcell.ColorBlack)
)

// MainPanel lists the children, one per line.
type MainPanel struct {
	content  *views.CellView
	selected int // pid, or 0
	nfailed  int
	nrunning int
	ndone    int
	width    int
	height   int
	curx     int
	cury     int
	lines    []string
	styles   []tcell.Style
	items    []streamvisor.ChildInfo

	Panel
}

// mainModel provides the model for a CellArea.
type mainModel struct {
	m *MainPanel
}

func NewMainPanel(app *App, server string) *MainPanel {
	m := &MainPanel{}

	m.Panel.Init(app)
	m.content = views.NewCellView()
	m.SetContent(m.content)

	m.content.SetModel(&mainModel{m})
	m.content.SetStyle(StyleNormal)

	m.SetTitle(server)
	m.SetKeys([]string{"[Q] Quit"})

	return m
}

func (m *MainPanel) Draw() {
	m.update()
	m.Panel.Draw()
}

func (m *MainPanel) selectedItem() *streamvisor.ChildInfo {
	for i := range m.items {
		if m.items[i].Pid == m.selected {
			return &m.items[i]
		}
	}
	return nil
}

func (m *MainPanel) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			m.unselect()
			return true
		case tcell.KeyRune:
			item := m.selectedItem()
			switch ev.Rune() {
			case 'Q', 'q':
				m.App().Quit()
				return true
			case 'L', 'l':
				m.App().ShowLog()
				return true
			case 'T', 't':
				if item != nil && !item.State.Terminal() {
					m.App().Signal(item.Pid, "TERM")
					return true
				}
			case 'K', 'k':
				if item != nil && !item.State.Terminal() {
					m.App().Signal(item.Pid, "KILL")
					return true
				}
			}
		}
	}
	return m.Panel.HandleEvent(ev)
}

// Model items
func (model *mainModel) GetCell(x, y int) (rune, tcell.Style, []rune, int) {
	m := model.m

	if y < 0 || y >= len(m.lines) {
		return ' ', StyleNormal, nil, 1
	}
	ch := ' '
	if x >= 0 && x < len(m.lines[y]) {
		ch = rune(m.lines[y][x])
	}
	style := m.styles[y]
	if m.items[y].Pid == m.selected {
		style = style.Reverse(true)
	}
	return ch, style, nil, 1
}

func (model *mainModel) GetBounds() (int, int) {
	// This assumes that all content is displayable runes of width 1.
	m := model.m
	x := 0
	for _, l := range m.lines {
		x = max(x, len(l))
	}
	return x, len(m.lines)
}

func (model *mainModel) GetCursor() (int, int, bool, bool) {
	m := model.m
	return m.curx, m.cury, true, false
}

func (model *mainModel) MoveCursor(offx, offy int) {
	m := model.m
	m.curx += offx
	m.cury += offy
	m.updateCursor(true)
}

func (model *mainModel) SetCursor(x, y int) {
	m := model.m
	m.curx = x
	m.cury = y
	m.updateCursor(true)
}

func (m *MainPanel) unselect() {
	m.cury = 0
	m.curx = 0
	m.updateCursor(false)
}

func (m *MainPanel) updateCursor(selected bool) {
	m.curx = max(0, min(m.curx, m.width-1))
	m.cury = max(0, min(m.cury, m.height-1))
	if selected && m.height > 0 {
		if m.selected == 0 {
			m.curx = 0
			m.cury = 0
		}
		m.selected = m.items[m.cury].Pid
	} else {
		m.selected = 0
	}
}

// update is called to update content, e.g. in response to Draw() or
// as part of another update.
func (m *MainPanel) update() {
	items, err := m.App().Items()
	m.items = items

	// keep the cursor on the selected child, which may have moved
	for i := range m.items {
		if m.items[i].Pid == m.selected {
			m.cury = i
		}
	}
	if err != nil {
		var re *rest.Error
		if errors.As(err, &re) && re.Code == http.StatusUnauthorized {
			m.SetStatus("Not authorized; use -u user:pass")
		} else {
			m.SetStatus(fmt.Sprintf("Cannot load children: %v", err))
		}
		m.SetError()
		m.lines = nil
		m.styles = nil
		m.items = nil
		return
	}

	lines := make([]string, 0, len(m.items))
	styles := make([]tcell.Style, 0, len(m.items))
	m.nfailed, m.nrunning, m.ndone = 0, 0, 0
	m.height, m.width = 0, 0

	now := time.Now()
	for i := range items {
		info := &items[i]
		line := fmt.Sprintf("%8d %-20s %-16s %10s   %s",
			info.Pid, info.Name(), util.Status(info),
			util.FormatDuration(util.Uptime(info, now)),
			info.Command())

		m.width = max(m.width, len(line))
		m.height++
		lines = append(lines, line)

		style := StyleNormal
		switch {
		case info.State.Failed():
			style = StyleError
			m.nfailed++
		case !info.State.Terminal():
			style = StyleGood
			m.nrunning++
		default:
			m.ndone++
		}
		styles = append(styles, style)
	}
	m.lines = lines
	m.styles = styles

	m.SetStatus(fmt.Sprintf("%6d Children %6d Failed %6d Running %6d Exited",
		len(m.items), m.nfailed, m.nrunning, m.ndone))
	switch {
	case m.nfailed > 0:
		m.SetError()
	case m.nrunning > 0:
		m.SetGood()
	case len(m.items) == 0:
		m.SetWarn()
	default:
		m.SetNormal()
	}

	words := []string{"[Q] Quit", "[L] Log"}
	if item := m.selectedItem(); item != nil && !item.State.Terminal() {
		words = append(words, "[T] Terminate", "[K] Kill")
	}
	m.SetKeys(words)
}
