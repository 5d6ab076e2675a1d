// Package tui is the terminal front end of the chat client.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/chat"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/outbox"
	"github.com/matheus3301/duochat/internal/tui/keys"
	"github.com/matheus3301/duochat/internal/tui/ui"
	"github.com/matheus3301/duochat/internal/tui/views"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	pageConversations = "conversations"
	pageChat          = "chat"
	pageUsers         = "users"
)

const requestTimeout = 10 * time.Second

// Options configures the TUI.
type Options struct {
	Profile string
	// Username labels the signed-in account in the status bar.
	Username string
	// LastCounterpart is reopened on start when non-zero.
	LastCounterpart domain.UserID
	Logger          *zap.Logger
}

// App is the main TUI application shell.
type App struct {
	app    *tview.Application
	pages  *tview.Pages
	client *chat.Client
	bus    *bus.Bus
	opts   Options
	logger *zap.Logger

	theme    *ui.Theme
	registry *keys.Registry
	flash    *ui.FlashModel
	flashBar *ui.FlashBar
	status   *views.StatusBar
	filter   *tview.InputField
	list     *views.ConversationList
	thread   *views.MessageThread
	picker   *views.UserPicker

	// names is only touched on the UI goroutine.
	names map[domain.UserID]string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI over a started client. b must be the bus the
// client publishes on.
func NewApp(c *chat.Client, b *bus.Bus, opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:      tview.NewApplication(),
		pages:    tview.NewPages(),
		client:   c,
		bus:      b,
		opts:     opts,
		logger:   opts.Logger,
		theme:    theme,
		registry: keys.NewRegistry(),
		flash:    ui.NewFlashModel(nil),
		flashBar: ui.NewFlashBar(theme),
		status:   views.NewStatusBar(theme),
		list:     views.NewConversationList(theme),
		thread:   views.NewMessageThread(theme),
		picker:   views.NewUserPicker(theme),
		names:    make(map[domain.UserID]string),
		ctx:      ctx,
		cancel:   cancel,
	}
	if opts.Username != "" {
		a.names[c.Self()] = opts.Username
	}

	a.status.SetIdentity(opts.Profile, opts.Username)
	a.status.SetState(c.State())
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'q', Description: "q:quit",
		Handler: a.Stop,
	})

	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: 'n', Description: "n:new chat",
		Handler: a.showUsers,
	})
	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: 'r', Description: "r:refresh",
		Handler: a.refreshPartners,
	})
	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: '/', Description: "/:filter",
		Handler: func() { a.app.SetFocus(a.filter) },
	})

	a.registry.AddPage(pageChat, &keys.Action{
		Key: tcell.KeyRune, Rune: 'i', Description: "i:compose",
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.AddPage(pageChat, &keys.Action{
		Key: tcell.KeyRune, Rune: 'd', Description: "d:delete",
		Handler: a.deleteSelected,
	})
	a.registry.AddPage(pageChat, &keys.Action{
		Key: tcell.KeyRune, Rune: 'x', Description: "x:discard",
		Handler: a.discardSelected,
	})
	a.registry.AddPage(pageChat, &keys.Action{
		Key: tcell.KeyRune, Rune: 'C', Description: "C:clear",
		Handler: a.clearConversation,
	})
	a.registry.AddPage(pageChat, &keys.Action{
		Key: tcell.KeyEscape, Description: "Esc:back",
		Handler: a.showConversations,
	})
	a.registry.AddPage(pageUsers, &keys.Action{
		Key: tcell.KeyEscape, Description: "Esc:back",
		Handler: a.showConversations,
	})
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(row, col int) {
		if id := a.list.Selected(); id != 0 {
			a.openChat(id)
		}
	})

	a.thread.SetOnChange(a.client.Input)
	a.thread.SetFocusHandlers(a.client.Focus, a.client.Blur)
	a.thread.SetOnSend(func(text string) {
		if _, err := a.client.Send(text); err != nil {
			a.flash.Err(err)
			a.refreshFlash()
		}
	})

	a.picker.SetOnQuery(a.searchUsers)
	a.picker.Results().SetSelectedFunc(func(row, col int) {
		if u, ok := a.picker.Selected(); ok {
			a.openChat(u.ID)
		}
	})
}

func (a *App) setupLayout() {
	a.filter = tview.NewInputField().SetLabel(" / ").SetFieldWidth(0)
	a.filter.SetBackgroundColor(a.theme.BgColor)
	a.filter.SetFieldBackgroundColor(a.theme.BgColor)
	a.filter.SetFieldTextColor(a.theme.FgColor)
	a.filter.SetLabelColor(a.theme.KeyColor)
	a.filter.SetChangedFunc(a.list.SetFilter)
	a.filter.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEscape {
			a.filter.SetText("")
		}
		a.app.SetFocus(a.list)
	})

	conversations := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.filter, 1, 0, false).
		AddItem(a.list, 0, 1, true)

	a.pages.AddPage(pageConversations, conversations, true, true)
	a.pages.AddPage(pageChat, a.thread, true, false)
	a.pages.AddPage(pageUsers, a.picker, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.flashBar, 1, 0, false).
		AddItem(a.status, 1, 0, false)
	a.app.SetRoot(root, true)
	a.status.SetHints(a.registry.Hints(pageConversations))

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		page, _ := a.pages.GetFrontPage()

		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			if event.Key() != tcell.KeyEscape {
				return event
			}
			switch a.app.GetFocus() {
			case a.thread.Composer():
				a.app.SetFocus(a.thread.Messages())
				return nil
			case a.picker.Input():
				a.showConversations()
				return nil
			}
			return event
		}

		if a.registry.HandleEvent(page, event) {
			return nil
		}
		return event
	})
}

func (a *App) switchTo(page string, focus tview.Primitive) {
	a.pages.SwitchToPage(page)
	a.app.SetFocus(focus)
	a.status.SetHints(a.registry.Hints(page))
}

func (a *App) showConversations() {
	a.switchTo(pageConversations, a.list)
	a.refreshPartners()
}

func (a *App) showUsers() {
	a.picker.Input().SetText("")
	a.switchTo(pageUsers, a.picker.Input())
	a.searchUsers("")
}

func (a *App) searchUsers(query string) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, requestTimeout)
		defer cancel()
		users, err := a.client.Users(ctx, query)
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.flash.Err(fmt.Errorf("search users: %w", err))
				a.refreshFlash()
				return
			}
			a.learnUsers(users)
			a.picker.Update(users, a.client.Self())
			if query != "" {
				a.app.SetFocus(a.picker.Results())
			}
		})
	}()
}

func (a *App) openChat(id domain.UserID) {
	if id == a.client.Self() {
		a.flash.Warn("cannot open a conversation with yourself")
		a.refreshFlash()
		return
	}
	if a.client.Scope().Counterpart != id {
		a.thread.Reset()
	}
	a.client.Select(id)
	a.thread.SetTitle(a.name(id))
	a.renderThread()
	a.switchTo(pageChat, a.thread.Messages())
}

func (a *App) deleteSelected() {
	m, ok := a.thread.Selected()
	if !ok {
		return
	}
	if m.ID == 0 {
		a.flash.Warn("message is not confirmed yet; use x to discard it")
		a.refreshFlash()
		return
	}
	if m.SenderID != a.client.Self() {
		a.flash.Warn("only your own messages can be deleted")
		a.refreshFlash()
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, requestTimeout)
		defer cancel()
		if err := a.client.Delete(ctx, m.ID); err != nil {
			a.app.QueueUpdateDraw(func() {
				a.flash.Err(fmt.Errorf("delete message: %w", err))
				a.refreshFlash()
			})
		}
	}()
}

func (a *App) discardSelected() {
	m, ok := a.thread.Selected()
	if !ok || !m.Unconfirmed() {
		return
	}
	if a.client.Discard(m.LocalKey) {
		a.flash.Info("message discarded")
		a.refreshFlash()
	}
}

func (a *App) clearConversation() {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, requestTimeout)
		defer cancel()
		ok := a.client.Clear(ctx)
		a.app.QueueUpdateDraw(func() {
			if ok {
				a.flash.Info("conversation cleared")
			} else {
				a.flash.Warn("failed to clear conversation")
			}
			a.refreshFlash()
		})
	}()
}

func (a *App) refreshPartners() {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, requestTimeout)
		defer cancel()
		partners, err := a.client.Partners(ctx)
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.flash.Err(fmt.Errorf("load conversations: %w", err))
				a.refreshFlash()
				return
			}
			for _, p := range partners {
				a.names[p.ID] = p.Username
			}
			a.list.Update(partners)
		})
	}()
}

func (a *App) learnUsers(users []domain.User) {
	for _, u := range users {
		a.names[u.ID] = u.Username
	}
}

func (a *App) name(id domain.UserID) string {
	if n := a.names[id]; n != "" {
		return n
	}
	return fmt.Sprintf("user %d", id)
}

func (a *App) lookup(id domain.UserID) string { return a.names[id] }

func (a *App) renderThread() {
	a.thread.Update(a.client.Messages(), a.client.Self(), a.lookup, a.client.PeerTyping())
}

func (a *App) refreshFlash() {
	a.flashBar.Update(a.flash.Current())
}

// watch redraws on client events until the app stops.
func (a *App) watch() {
	events, unsub := a.bus.Subscribe("", 256)
	defer unsub()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(func() {
				a.status.SetState(a.client.State())
				a.refreshFlash()
			})
		case evt := <-events:
			a.app.QueueUpdateDraw(func() { a.handle(evt) })
		}
	}
}

func (a *App) handle(evt bus.Event) {
	switch evt.Kind {
	case bus.KindStatusChanged:
		a.status.SetState(a.client.State())
	case bus.KindSendFailed:
		if f, ok := evt.Payload.(outbox.SendFailed); ok {
			a.logger.Debug("send failed", zap.String("local_key", f.LocalKey), zap.Error(f.Err))
			a.flash.Warn("send failed: " + f.Err.Error())
			a.refreshFlash()
		}
		a.renderThread()
	case bus.KindTimelineChanged, bus.KindPresenceChanged, bus.KindScopeChanged, bus.KindMessageSent:
		if page, _ := a.pages.GetFrontPage(); page == pageChat {
			a.renderThread()
		}
	}
}

// Run starts the TUI and blocks until it exits.
func (a *App) Run() error {
	go a.watch()
	a.refreshPartners()
	if id := a.opts.LastCounterpart; id != 0 {
		a.app.QueueUpdate(func() { a.openChat(id) })
	}
	err := a.app.Run()
	a.cancel()
	return err
}

// Stop shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
