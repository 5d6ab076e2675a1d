package views

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/tui/ui"
	"github.com/rivo/tview"
)

// UserPicker searches the directory to start a new conversation.
type UserPicker struct {
	*tview.Flex
	theme   *ui.Theme
	input   *tview.InputField
	results *tview.Table
	users   []domain.User
	onQuery func(query string)
}

// NewUserPicker creates the user search view.
func NewUserPicker(theme *ui.Theme) *UserPicker {
	input := tview.NewInputField().
		SetLabel(" Find user: ").
		SetFieldWidth(0)
	input.SetBackgroundColor(theme.BgColor)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)
	input.SetLabelColor(theme.KeyColor)

	results := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	results.SetBorder(true)
	results.SetBorderColor(theme.BorderColor)
	results.SetBackgroundColor(theme.BgColor)
	results.SetTitle(" Users ")
	results.SetTitleColor(theme.TitleColor)
	results.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(input, 1, 0, true).
		AddItem(results, 0, 1, false)

	up := &UserPicker{
		Flex:    flex,
		theme:   theme,
		input:   input,
		results: results,
	}
	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && up.onQuery != nil {
			up.onQuery(input.GetText())
		}
	})
	return up
}

// SetOnQuery sets the callback for Enter in the search field.
func (up *UserPicker) SetOnQuery(fn func(query string)) { up.onQuery = fn }

// Input returns the search field.
func (up *UserPicker) Input() *tview.InputField { return up.input }

// Results returns the results table.
func (up *UserPicker) Results() *tview.Table { return up.results }

// Update lists users, leaving out self.
func (up *UserPicker) Update(users []domain.User, self domain.UserID) {
	up.users = up.users[:0]
	for _, u := range users {
		if u.ID != self {
			up.users = append(up.users, u)
		}
	}

	up.results.Clear()
	up.results.SetCell(0, 0, tview.NewTableCell(" ID").
		SetSelectable(false).
		SetTextColor(up.theme.TableHeaderFg).
		SetAttributes(tcell.AttrBold))
	up.results.SetCell(0, 1, tview.NewTableCell(" USERNAME").
		SetSelectable(false).
		SetTextColor(up.theme.TableHeaderFg).
		SetAttributes(tcell.AttrBold).
		SetExpansion(1))
	for i, u := range up.users {
		up.results.SetCell(i+1, 0, tview.NewTableCell(fmt.Sprintf(" %d", u.ID)).SetTextColor(up.theme.MutedColor))
		up.results.SetCell(i+1, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(u.Username))).SetTextColor(up.theme.FgColor))
	}
	up.results.SetTitle(fmt.Sprintf(" Users (%d) ", len(up.users)))
	if len(up.users) > 0 {
		up.results.Select(1, 0)
	}
}

// Selected returns the highlighted user.
func (up *UserPicker) Selected() (domain.User, bool) {
	row, _ := up.results.GetSelection()
	if row < 1 || row > len(up.users) {
		return domain.User{}, false
	}
	return up.users[row-1], true
}
