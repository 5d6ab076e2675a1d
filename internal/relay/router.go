// Package relay is a development stand-in for the chat server. It routes
// application frames between clients over any broker and serves the REST
// endpoints the client uses from memory.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/transport"
	"go.uber.org/zap"
)

// ErrOffline is returned by Publish while the router has no connection.
var ErrOffline = errors.New("relay: broker offline")

// Router consumes /app destinations and fans frames out to the user queues.
type Router struct {
	dialer  transport.Dialer
	creds   transport.Credentials
	history *History
	clock   clock.Clock
	delay   time.Duration
	logger  *zap.Logger

	mu   sync.RWMutex
	conn transport.Conn
}

// NewRouter creates a router recording chat messages into h.
func NewRouter(d transport.Dialer, creds transport.Credentials, h *History, clk clock.Clock, delay time.Duration, logger *zap.Logger) *Router {
	if clk == nil {
		clk = clock.New()
	}
	if delay <= 0 {
		delay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		dialer:  d,
		creds:   creds,
		history: h,
		clock:   clk,
		delay:   delay,
		logger:  logger,
	}
}

// Run routes frames until ctx is cancelled, redialing after a lost
// connection.
func (r *Router) Run(ctx context.Context) error {
	for {
		conn, err := r.dialer.Dial(ctx, r.creds)
		if err == nil {
			err = r.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("relay connection interrupted", zap.Error(err), zap.Duration("retry_in", r.delay))
		select {
		case <-r.clock.After(r.delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// Publish sends body to destination on the router's connection.
func (r *Router) Publish(destination string, body []byte) error {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn == nil {
		return ErrOffline
	}
	return conn.Publish(destination, body)
}

func (r *Router) setConn(c transport.Conn) {
	r.mu.Lock()
	r.conn = c
	r.mu.Unlock()
}

func (r *Router) serve(ctx context.Context, conn transport.Conn) error {
	defer func() {
		r.setConn(nil)
		_ = conn.Close()
	}()

	chat, unsubChat, err := conn.Subscribe(transport.AppChatSend)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", transport.AppChatSend, err)
	}
	defer unsubChat()
	typing, unsubTyping, err := conn.Subscribe(transport.AppChatTyping)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", transport.AppChatTyping, err)
	}
	defer unsubTyping()

	r.setConn(conn)
	r.logger.Info("relay routing")

	for {
		select {
		case f, ok := <-chat:
			if !ok {
				return errors.New("connection lost")
			}
			r.routeChat(conn, f.Body)
		case f, ok := <-typing:
			if !ok {
				return errors.New("connection lost")
			}
			r.routeTyping(conn, f.Body)
		case <-conn.Done():
			return errors.New("connection lost")
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Router) routeChat(conn transport.Conn, body []byte) {
	m, err := domain.DecodeMessage(body)
	if err != nil {
		r.logger.Warn("dropping malformed chat frame", zap.Error(err))
		return
	}
	m = r.history.Record(m)
	out, err := domain.EncodeMessage(m)
	if err != nil {
		r.logger.Error("encode chat frame", zap.Error(err))
		return
	}

	dests := []string{transport.TopicChat}
	if !m.Broadcast() {
		dests = []string{transport.PrivateQueue(m.RecipientID)}
		if m.SenderID != m.RecipientID {
			dests = append(dests, transport.PrivateQueue(m.SenderID))
		}
	}
	for _, d := range dests {
		if err := conn.Publish(d, out); err != nil {
			r.logger.Warn("route chat frame", zap.String("destination", d), zap.Error(err))
		}
	}
	r.logger.Debug("routed message",
		zap.Int64("id", int64(m.ID)),
		zap.Int64("from", int64(m.SenderID)),
		zap.Int64("to", int64(m.RecipientID)))
}

func (r *Router) routeTyping(conn transport.Conn, body []byte) {
	s, err := domain.DecodeTyping(body)
	if err != nil {
		r.logger.Warn("dropping malformed typing frame", zap.Error(err))
		return
	}
	if s.RecipientID == 0 || s.RecipientID == s.SenderID {
		return
	}
	if err := conn.Publish(transport.TypingQueue(s.RecipientID), body); err != nil {
		r.logger.Warn("route typing frame", zap.Error(err))
	}
}
