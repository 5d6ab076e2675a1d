package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/duochat/internal/status"
	"github.com/matheus3301/duochat/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar displays the profile, connection state and key hints.
type StatusBar struct {
	*tview.TextView
	theme   *ui.Theme
	profile string
	user    string
	state   status.State
	hints   []string
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	return &StatusBar{TextView: tv, theme: theme, state: status.Disconnected}
}

// SetIdentity sets the profile and account shown on the left.
func (sb *StatusBar) SetIdentity(profile, user string) {
	sb.profile = profile
	sb.user = user
	sb.render()
}

// SetState updates the connection state.
func (sb *StatusBar) SetState(s status.State) {
	sb.state = s
	sb.render()
}

// SetHints updates the key hints for the current page.
func (sb *StatusBar) SetHints(hints []string) {
	sb.hints = hints
	sb.render()
}

func (sb *StatusBar) stateColor() string {
	switch sb.state {
	case status.Connected:
		return "green"
	case status.Connecting, status.Reconnecting:
		return "yellow"
	default:
		return "red"
	}
}

func (sb *StatusBar) render() {
	sb.Clear()
	who := tview.Escape(sb.profile)
	if sb.user != "" {
		who += "/" + tview.Escape(sb.user)
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] | [%s]%s[-] | %s",
		who, sb.stateColor(), sb.state, time.Now().Format("15:04"))
	if len(sb.hints) > 0 {
		line += fmt.Sprintf(" | [%s]%s[-]", ui.Tag(sb.theme.MutedColor), tview.Escape(strings.Join(sb.hints, "  ")))
	}
	_, _ = fmt.Fprint(sb, line)
}
