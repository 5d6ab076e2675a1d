package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationList shows the users the account has talked to, most recent
// first.
type ConversationList struct {
	*tview.Table
	theme    *ui.Theme
	partners []domain.Partner
	filter   string
}

// NewConversationList creates the conversation table.
func NewConversationList(theme *ui.Theme) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitle(" Conversations ")
	table.SetTitleColor(theme.TitleColor)

	return &ConversationList{Table: table, theme: theme}
}

// Update replaces the listed partners.
func (cl *ConversationList) Update(partners []domain.Partner) {
	cl.partners = partners
	cl.render()
}

// SetFilter narrows the list to names or previews containing filter.
func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
}

func (cl *ConversationList) visible() []domain.Partner {
	if cl.filter == "" {
		return cl.partners
	}
	f := strings.ToLower(cl.filter)
	var out []domain.Partner
	for _, p := range cl.partners {
		if strings.Contains(strings.ToLower(p.Username), f) || strings.Contains(strings.ToLower(p.LastMessage), f) {
			out = append(out, p)
		}
	}
	return out
}

func (cl *ConversationList) render() {
	cl.Clear()
	headers := []struct {
		text string
		exp  int
	}{
		{" NAME", 1},
		{" LAST MESSAGE", 3},
		{" TIME", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetBackgroundColor(cl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	now := time.Now()
	rows := cl.visible()
	for i, p := range rows {
		name := p.Username
		if name == "" {
			name = fmt.Sprintf("user %d", p.ID)
		}
		row := i + 1
		cl.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(name))).SetExpansion(1).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(p.LastMessage))).SetExpansion(3).SetMaxWidth(60).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 2, tview.NewTableCell(formatPartnerTime(p.LastMessageAt, now)+" ").SetAlign(tview.AlignRight).SetTextColor(cl.theme.MutedColor))
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) filter: %s ", len(rows), len(cl.partners), tview.Escape(cl.filter)))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.partners)))
	}
}

// Selected returns the highlighted partner, or zero.
func (cl *ConversationList) Selected() domain.UserID {
	row, _ := cl.GetSelection()
	rows := cl.visible()
	if row < 1 || row > len(rows) {
		return 0
	}
	return rows[row-1].ID
}
