package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/tui/ui"
	"github.com/rivo/tview"
)

// Names resolves user ids to display names.
type Names func(domain.UserID) string

// MessageThread displays one conversation with a composer below it.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.Table
	typing   *tview.TextView
	composer *tview.InputField
	title    string
	rows     []domain.Message

	onSend   func(text string)
	onChange func(text string)
}

// NewMessageThread creates the conversation view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	messages.SetTitleColor(theme.TitleColor)

	typing := tview.NewTextView().SetDynamicColors(true)
	typing.SetBackgroundColor(theme.BgColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.KeyColor)
	composer.SetTitle(" Compose (i to focus, Esc to leave) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(typing, 1, 0, false).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		typing:   typing,
		composer: composer,
	}

	composer.SetChangedFunc(func(text string) {
		if mt.onChange != nil {
			mt.onChange(text)
		}
	})
	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			if text := composer.GetText(); text != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})
	return mt
}

// SetOnSend sets the callback for Enter in the composer.
func (mt *MessageThread) SetOnSend(fn func(text string)) { mt.onSend = fn }

// SetOnChange sets the callback for every composer edit.
func (mt *MessageThread) SetOnChange(fn func(text string)) { mt.onChange = fn }

// SetFocusHandlers reports composer focus changes.
func (mt *MessageThread) SetFocusHandlers(focus, blur func()) {
	mt.composer.SetFocusFunc(focus)
	mt.composer.SetBlurFunc(blur)
}

// SetTitle names the conversation.
func (mt *MessageThread) SetTitle(name string) {
	mt.title = name
	mt.messages.SetTitle(fmt.Sprintf(" %s ", tview.Escape(name)))
}

// Reset clears the view for a new conversation.
func (mt *MessageThread) Reset() {
	mt.rows = nil
	mt.messages.Clear()
	mt.typing.Clear()
	mt.composer.SetText("")
}

// Update renders msgs. The selection follows the newest message unless the
// user moved it up.
func (mt *MessageThread) Update(msgs []domain.Message, self domain.UserID, names Names, peerTyping bool) {
	row, _ := mt.messages.GetSelection()
	follow := len(mt.rows) == 0 || row >= len(mt.rows)-1

	mt.rows = msgs
	mt.messages.Clear()
	now := time.Now()
	for i, m := range msgs {
		line := Describe(m, self, names)
		color := mt.theme.PeerColor
		if m.SenderID == self {
			color = mt.theme.SelfColor
		}
		mt.messages.SetCell(i, 0, tview.NewTableCell(" "+formatTime(m.Timestamp, now)).SetTextColor(mt.theme.MutedColor))
		mt.messages.SetCell(i, 1, tview.NewTableCell(" "+tview.Escape(line.Sender)).SetTextColor(color).SetAttributes(tcell.AttrBold))
		body := tview.NewTableCell(" " + tview.Escape(line.Body)).SetExpansion(1).SetTextColor(mt.theme.FgColor)
		mt.messages.SetCell(i, 2, body)
		mt.messages.SetCell(i, 3, tview.NewTableCell(line.Marker+" ").SetTextColor(mt.theme.MutedColor))
		if m.Status == domain.Failed {
			mt.messages.GetCell(i, 3).SetTextColor(mt.theme.FlashErrColor)
		}
	}
	if follow && len(msgs) > 0 {
		mt.messages.Select(len(msgs)-1, 0)
		mt.messages.ScrollToEnd()
	}

	mt.typing.Clear()
	if peerTyping {
		_, _ = fmt.Fprintf(mt.typing, " [%s::i]%s is typing...[-::-]", ui.Tag(mt.theme.MutedColor), tview.Escape(mt.title))
	}
}

// Selected returns the highlighted message.
func (mt *MessageThread) Selected() (domain.Message, bool) {
	row, _ := mt.messages.GetSelection()
	if row < 0 || row >= len(mt.rows) {
		return domain.Message{}, false
	}
	return mt.rows[row], true
}

// Messages returns the message table (for focus management).
func (mt *MessageThread) Messages() *tview.Table { return mt.messages }

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField { return mt.composer }

// Line is the display form of a message.
type Line struct {
	Sender string
	Body   string
	Marker string
}

// Describe renders m for display from the point of view of self.
func Describe(m domain.Message, self domain.UserID, names Names) Line {
	var l Line
	switch {
	case m.SenderID == self:
		l.Sender = "You"
	case names != nil && names(m.SenderID) != "":
		l.Sender = sanitizeForTerminal(names(m.SenderID))
	default:
		l.Sender = fmt.Sprintf("user %d", m.SenderID)
	}

	switch p := m.Payload.(type) {
	case domain.File:
		name := p.Name
		if name == "" {
			name = "file"
		}
		l.Body = fmt.Sprintf("[%s] %s", sanitizeForTerminal(name), p.URL)
	case domain.Join, domain.Leave:
		l.Body = "* " + sanitizeForTerminal(m.Content())
	default:
		l.Body = sanitizeForTerminal(m.Content())
	}

	switch m.Status {
	case domain.Pending:
		l.Marker = "sending"
	case domain.Failed:
		l.Marker = "failed"
	}
	return l
}
