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
	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"
)

var (
	barNormal = tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorSilver)
	barAlternate = tcell.StyleDefault.
			Foreground(tcell.ColorBlue).
			Background(tcell.ColorSilver).
			Bold(true)

	StatusBarStyleGood = tcell.StyleDefault.
				Foreground(tcell.ColorWhite).
				Background(tcell.ColorGreen).
				Bold(true)
	StatusBarStyleWarn = tcell.StyleDefault.
				Foreground(tcell.ColorBlack).
				Background(tcell.ColorYellow)
	StatusBarStyleError = tcell.StyleDefault.
				Foreground(tcell.ColorWhite).
				Background(tcell.ColorMaroon).
				Bold(true)
)

func newTitleBar() *views.SimpleStyledTextBar {
	tb := views.NewSimpleStyledTextBar()
	tb.SetStyle(barNormal)
	tb.RegisterCenterStyle('N', barNormal)
	tb.RegisterRightStyle('N', barNormal)
	return tb
}

// StatusBar changes color with the health of what is shown, e.g. a red
// background when a child has failed.
type StatusBar struct {
	status string
	views.SimpleStyledTextBar
}

func NewStatusBar() *StatusBar {
	sb := &StatusBar{}
	sb.SimpleStyledTextBar.Init()
	sb.SetStyle(barNormal)
	return sb
}

func (sb *StatusBar) SetStyle(style tcell.Style) {
	sb.SimpleStyledTextBar.SetStyle(style)
	sb.SimpleStyledTextBar.RegisterLeftStyle('N', style)
	sb.SimpleStyledTextBar.SetLeft(sb.status)
}

func (sb *StatusBar) SetText(status string) {
	sb.status = status
	sb.SetLeft(status)
}

// KeyBar shows the available keys; text in brackets is highlighted.
type KeyBar struct {
	views.SimpleStyledTextBar
}

func NewKeyBar() *KeyBar {
	k := &KeyBar{}
	k.SimpleStyledTextBar.Init()
	k.SimpleStyledTextBar.SetStyle(barNormal)
	k.RegisterLeftStyle('N', barNormal)
	k.RegisterLeftStyle('A', barAlternate)
	return k
}

func (k *KeyBar) SetKeys(words []string) {
	b := make([]rune, 0, 80)
	for i, w := range words {
		if i != 0 && len(w) != 0 {
			b = append(b, ' ')
		}
		for _, r := range w {
			switch r {
			case '[':
				b = append(b, r, '%', 'A')
			case ']':
				b = append(b, '%', 'N', r)
			case '%':
				b = append(b, '%', '%')
			default:
				b = append(b, r)
			}
		}
	}
	k.SetLeft(string(b))
}

// Panel is a views.Panel with a title bar, a status bar and a key bar.
type Panel struct {
	tb  *views.SimpleStyledTextBar
	sb  *StatusBar
	kb  *KeyBar
	app *App

	views.Panel
}

func (p *Panel) Init(app *App) {
	p.app = app
	p.tb = newTitleBar()
	p.tb.SetRight(AppName)
	p.tb.SetCenter(" ")
	p.sb = NewStatusBar()
	p.kb = NewKeyBar()

	p.Panel.SetTitle(p.tb)
	p.Panel.SetMenu(p.sb)
	p.Panel.SetStatus(p.kb)
}

func (p *Panel) App() *App {
	return p.app
}

func (p *Panel) SetTitle(title string) {
	p.tb.SetCenter(title)
}

func (p *Panel) SetKeys(words []string) {
	p.kb.SetKeys(words)
}

func (p *Panel) SetStatus(status string) {
	p.sb.SetText(status)
}

func (p *Panel) SetGood() {
	p.sb.SetStyle(StatusBarStyleGood)
}

func (p *Panel) SetNormal() {
	p.sb.SetStyle(barNormal)
}

func (p *Panel) SetWarn() {
	p.sb.SetStyle(StatusBarStyleWarn)
}

func (p *Panel) SetError() {
	p.sb.SetStyle(StatusBarStyleError)
}
