package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rivo/tview"
)

// FlashLevel represents the severity of a flash message.
type FlashLevel int

const (
	FlashInfo FlashLevel = iota
	FlashWarn
	FlashErr
)

// FlashMessage is a flash notification with a level and expiry.
type FlashMessage struct {
	Text    string
	Level   FlashLevel
	Expires time.Time
}

// FlashModel holds the current transient notification. A newer message
// replaces the previous one regardless of level.
type FlashModel struct {
	mu      sync.RWMutex
	current FlashMessage
	clock   clock.Clock
}

// NewFlashModel creates an empty flash model. A nil clk uses wall time.
func NewFlashModel(clk clock.Clock) *FlashModel {
	if clk == nil {
		clk = clock.New()
	}
	return &FlashModel{clock: clk}
}

// Info sets an info-level flash message.
func (f *FlashModel) Info(msg string) {
	f.set(msg, FlashInfo, 5*time.Second)
}

// Warn sets a warn-level flash message.
func (f *FlashModel) Warn(msg string) {
	f.set(msg, FlashWarn, 8*time.Second)
}

// Err sets an error-level flash message.
func (f *FlashModel) Err(err error) {
	f.set(err.Error(), FlashErr, 10*time.Second)
}

func (f *FlashModel) set(msg string, level FlashLevel, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = FlashMessage{Text: msg, Level: level, Expires: f.clock.Now().Add(d)}
}

// Current returns the live flash message, or nil once it expired.
func (f *FlashModel) Current() *FlashMessage {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.current.Text == "" || f.clock.Now().After(f.current.Expires) {
		return nil
	}
	m := f.current
	return &m
}

// FlashBar is the UI component that displays flash notifications.
type FlashBar struct {
	*tview.TextView
	theme *Theme
}

// NewFlashBar creates a new flash notification bar.
func NewFlashBar(theme *Theme) *FlashBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	return &FlashBar{TextView: tv, theme: theme}
}

// Update renders msg, or clears the bar when msg is nil.
func (fb *FlashBar) Update(msg *FlashMessage) {
	fb.Clear()
	if msg == nil {
		return
	}
	color := fb.theme.FlashInfoColor
	switch msg.Level {
	case FlashWarn:
		color = fb.theme.FlashWarnColor
	case FlashErr:
		color = fb.theme.FlashErrColor
	}
	_, _ = fmt.Fprintf(fb, " [%s]%s[-]", Tag(color), tview.Escape(msg.Text))
}
