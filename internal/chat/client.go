// Package chat is the client core. It wires the session manager, timeline,
// presence and conversation selector behind one API for the front ends.
package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/conversation"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/outbox"
	"github.com/matheus3301/duochat/internal/presence"
	"github.com/matheus3301/duochat/internal/realtime"
	"github.com/matheus3301/duochat/internal/status"
	"github.com/matheus3301/duochat/internal/timeline"
	"github.com/matheus3301/duochat/internal/transport"
	"go.uber.org/zap"
)

var (
	// ErrNoConversation is returned by operations that need a counterpart.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrEmptyMessage is returned by Send for blank input.
	ErrEmptyMessage = errors.New("empty message")
)

// Session is the broker session the client runs on.
type Session interface {
	Connect(transport.Credentials, realtime.Handlers) error
	Disconnect()
	AwaitConnected(context.Context) error
	State() status.State
	Publish(destination string, body []byte) error
	UserID() domain.UserID
}

// API is the REST collaborator.
type API interface {
	History(ctx context.Context, a, b domain.UserID) ([]domain.Message, error)
	ClearHistory(ctx context.Context, a, b domain.UserID) error
	DeleteMessage(ctx context.Context, id domain.MessageID) error
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
	Users(ctx context.Context) ([]domain.User, error)
	SearchUsers(ctx context.Context, query string) ([]domain.User, error)
	Partners(ctx context.Context, self domain.UserID) ([]domain.Partner, error)
}

// StateStore persists what the client remembers between runs. Optional.
type StateStore interface {
	SetLastCounterpart(domain.UserID) error
	UpsertUsers([]domain.User) error
	UpsertPartners([]domain.Partner) error
}

// Config holds presence and sweeper timings. Zero values select defaults.
type Config struct {
	TypingTimeout  time.Duration
	BlurGrace      time.Duration
	TypingExpiry   time.Duration
	PendingTimeout time.Duration
}

// Deps are the collaborators of a Client. Bus must be the bus the session's
// status machine emits on, or reconnects will not trigger a resync.
type Deps struct {
	Session Session
	API     API
	Store   StateStore
	Bus     *bus.Bus
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Client is safe for concurrent use by a front end.
type Client struct {
	creds   transport.Credentials
	cfg     Config
	session Session
	api     API
	store   StateStore
	bus     *bus.Bus
	clock   clock.Clock
	logger  *zap.Logger

	timeline   *timeline.Store
	dispatcher *outbox.Dispatcher
	debouncer  *presence.Debouncer
	indicator  *presence.Indicator
	selector   *conversation.Selector

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	loadCancel context.CancelFunc
	loadGen    uint64
	wg         sync.WaitGroup
}

// New builds a client for the account in creds.
func New(creds transport.Credentials, cfg Config, d Deps) *Client {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	logger := d.Logger.With(zap.Int64("self", int64(creds.UserID)))

	c := &Client{
		creds:   creds,
		cfg:     cfg,
		session: d.Session,
		api:     d.API,
		store:   d.Store,
		bus:     d.Bus,
		clock:   d.Clock,
		logger:  logger,
	}
	c.dispatcher = outbox.NewDispatcher(d.Session, d.Bus, logger)
	c.timeline = timeline.New(c.dispatcher, d.Clock, d.Bus, logger)
	c.debouncer = presence.NewDebouncer(c.dispatcher, d.Clock, cfg.TypingTimeout, cfg.BlurGrace, logger)
	c.indicator = presence.NewIndicator(d.Clock, cfg.TypingExpiry, d.Bus)
	c.selector = conversation.NewSelector(creds.UserID, c, d.Bus,
		c.debouncer,
		c.indicator,
	)
	return c
}

// Start connects the broker session and the background workers. It returns
// realtime.ErrInvalidCredentials when the stored account is unusable; the
// client then stays disabled.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("chat client already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.mu.Unlock()

	events, unsub := c.bus.Subscribe("session.", 16)
	failures, unsubFailures := c.bus.Subscribe(bus.KindSendFailed, 64)
	if err := c.session.Connect(c.creds, c.handlers()); err != nil {
		unsub()
		unsubFailures()
		c.cancel()
		return err
	}

	c.wg.Add(2)
	go c.watchStatus(runCtx, events, unsub)
	go c.watchFailures(runCtx, failures, unsubFailures)
	if c.cfg.PendingTimeout > 0 {
		c.wg.Add(1)
		go c.sweepPending(runCtx)
	}
	c.logger.Info("chat client started")
	return nil
}

// Stop disconnects and clears every timer. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	if c.loadCancel != nil {
		c.loadCancel()
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.debouncer.Stop()
	c.indicator.Stop()
	c.session.Disconnect()
	c.wg.Wait()
}

func (c *Client) handlers() realtime.Handlers {
	return realtime.Handlers{
		OnPrivate: func(m domain.Message) { c.timeline.MergeIncoming(m) },
		OnPublic:  func(m domain.Message) { c.timeline.MergeIncoming(m) },
		OnTyping:  c.onTyping,
		OnDelete:  func(n domain.DeleteNotice) { c.timeline.ApplyDelete(n.MessageID) },
	}
}

// onTyping only trusts signals from the active counterpart.
func (c *Client) onTyping(s domain.TypingSignal) {
	scope := c.selector.Current()
	if scope.Empty() || s.SenderID != scope.Counterpart || s.SenderID == c.creds.UserID {
		return
	}
	c.indicator.Observe(s)
}

// watchStatus refetches the visible conversation after a reconnect, since
// the broker does not replay what was pushed while the link was down.
func (c *Client) watchStatus(ctx context.Context, events <-chan bus.Event, unsub func()) {
	defer c.wg.Done()
	defer unsub()

	lost := false
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			change, ok := evt.Payload.(status.StatusChange)
			if !ok {
				continue
			}
			switch change.To {
			case status.Reconnecting:
				lost = true
			case status.Connected:
				if lost {
					lost = false
					if scope := c.selector.Current(); !scope.Empty() {
						c.logger.Info("resynchronizing after reconnect", zap.Int64("counterpart", int64(scope.Counterpart)))
						c.loadHistory(scope, false)
					}
				}
			}
		}
	}
}

// watchFailures marks messages whose publish was rejected as failed.
func (c *Client) watchFailures(ctx context.Context, events <-chan bus.Event, unsub func()) {
	defer c.wg.Done()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if f, ok := evt.Payload.(outbox.SendFailed); ok {
				c.timeline.MarkFailed(f.LocalKey)
			}
		}
	}
}

func (c *Client) sweepPending(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.PendingTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.timeline.ExpirePending(now.Add(-c.cfg.PendingTimeout))
		}
	}
}

// Self returns the logged-in user.
func (c *Client) Self() domain.UserID { return c.creds.UserID }

// State returns the broker connection state.
func (c *Client) State() status.State { return c.session.State() }

// Scope returns the active conversation.
func (c *Client) Scope() conversation.Scope { return c.selector.Current() }

// Select switches the active conversation. Presence is reset before the
// view changes and the history is reloaded in the background.
func (c *Client) Select(counterpart domain.UserID) {
	if counterpart == c.creds.UserID {
		counterpart = 0
	}
	if !c.selector.Select(counterpart) {
		return
	}
	if c.store != nil && counterpart != 0 {
		if err := c.store.SetLastCounterpart(counterpart); err != nil {
			c.logger.Warn("failed to remember conversation", zap.Error(err))
		}
	}
}

// LoadHistory implements conversation.HistoryLoader.
func (c *Client) LoadHistory(scope conversation.Scope) {
	c.loadHistory(scope, true)
}

// loadHistory fetches scope in the background. A result is applied only if
// scope is still active and no newer load started. With emptyOnError a
// failed fetch shows an empty conversation; otherwise the timeline is kept.
func (c *Client) loadHistory(scope conversation.Scope, emptyOnError bool) {
	c.mu.Lock()
	if c.loadCancel != nil {
		c.loadCancel()
	}
	parent := c.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	c.loadCancel = cancel
	c.loadGen++
	gen := c.loadGen
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel()

		msgs, err := c.api.History(ctx, scope.Self, scope.Counterpart)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Error("failed to fetch history", zap.Error(err), zap.Int64("counterpart", int64(scope.Counterpart)))
			if !emptyOnError {
				return
			}
			msgs = nil
		}

		c.mu.Lock()
		stale := gen != c.loadGen
		c.mu.Unlock()
		if stale || c.selector.Current() != scope {
			return
		}
		c.timeline.Replace(scope.Self, scope.Counterpart, msgs)
	}()
}

// Send appends content optimistically and publishes it to the counterpart.
func (c *Client) Send(content string) (domain.Message, error) {
	scope := c.selector.Current()
	if scope.Empty() {
		return domain.Message{}, ErrNoConversation
	}
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	m := c.timeline.AppendOptimistic(domain.Message{
		SenderID:    c.creds.UserID,
		RecipientID: scope.Counterpart,
		Payload:     domain.Text{Body: content},
	})
	c.debouncer.Clear()
	return m, nil
}

// SendFile uploads r and sends a file message referencing it.
func (c *Client) SendFile(ctx context.Context, name string, r io.Reader) (domain.Message, error) {
	scope := c.selector.Current()
	if scope.Empty() {
		return domain.Message{}, ErrNoConversation
	}
	url, err := c.api.Upload(ctx, name, r)
	if err != nil {
		c.logger.Error("file upload failed", zap.Error(err), zap.String("name", name))
		return domain.Message{}, err
	}
	return c.timeline.AppendOptimistic(domain.Message{
		SenderID:    c.creds.UserID,
		RecipientID: scope.Counterpart,
		Payload:     domain.File{URL: url, Name: name},
	}), nil
}

// Delete removes a confirmed message right away and asks the server to
// delete it. If the server refuses, the conversation is refetched.
func (c *Client) Delete(ctx context.Context, id domain.MessageID) error {
	c.timeline.ApplyDelete(id)
	err := c.api.DeleteMessage(ctx, id)
	if err == nil {
		return nil
	}
	c.logger.Error("delete rejected, resynchronizing", zap.Error(err), zap.Int64("message_id", int64(id)))
	if scope := c.selector.Current(); !scope.Empty() {
		msgs, herr := c.api.History(ctx, scope.Self, scope.Counterpart)
		if herr != nil {
			c.logger.Error("failed to fetch history", zap.Error(herr))
		} else if c.selector.Current() == scope {
			c.timeline.Replace(scope.Self, scope.Counterpart, msgs)
		}
	}
	return err
}

// Discard drops a pending or failed local message.
func (c *Client) Discard(localKey string) bool {
	return c.timeline.Discard(localKey)
}

// Clear deletes the active conversation on the server, then locally.
func (c *Client) Clear(ctx context.Context) bool {
	scope := c.selector.Current()
	if scope.Empty() {
		return false
	}
	if err := c.api.ClearHistory(ctx, scope.Self, scope.Counterpart); err != nil {
		c.logger.Error("failed to clear history", zap.Error(err))
		return false
	}
	c.timeline.ApplyClear(scope.Self, scope.Counterpart)
	return true
}

// Input feeds the compose field to the typing debouncer.
func (c *Client) Input(text string) { c.debouncer.Input(text) }

// Blur reports that the compose field lost focus.
func (c *Client) Blur() { c.debouncer.Blur() }

// Focus reports that the compose field regained focus.
func (c *Client) Focus() { c.debouncer.Focus() }

// Messages returns the active conversation in timeline order.
func (c *Client) Messages() []domain.Message {
	scope := c.selector.Current()
	if scope.Empty() {
		return nil
	}
	return c.timeline.Between(scope.Self, scope.Counterpart)
}

// PeerTyping reports whether the counterpart is typing.
func (c *Client) PeerTyping() bool { return c.indicator.Typing() }

// Users lists accounts, filtered by query when it is not blank.
func (c *Client) Users(ctx context.Context, query string) ([]domain.User, error) {
	var (
		users []domain.User
		err   error
	)
	if q := strings.TrimSpace(query); q != "" {
		users, err = c.api.SearchUsers(ctx, q)
	} else {
		users, err = c.api.Users(ctx)
	}
	if err != nil {
		c.logger.Warn("failed to list users", zap.Error(err))
		return nil, err
	}
	if c.store != nil {
		if err := c.store.UpsertUsers(users); err != nil {
			c.logger.Warn("failed to cache users", zap.Error(err))
		}
	}
	return users, nil
}

// Partners lists the users self has talked to.
func (c *Client) Partners(ctx context.Context) ([]domain.Partner, error) {
	partners, err := c.api.Partners(ctx, c.creds.UserID)
	if err != nil {
		c.logger.Warn("failed to list partners", zap.Error(err))
		return nil, err
	}
	if c.store != nil {
		if err := c.store.UpsertPartners(partners); err != nil {
			c.logger.Warn("failed to cache partners", zap.Error(err))
		}
	}
	return partners, nil
}
