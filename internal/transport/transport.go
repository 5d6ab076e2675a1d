// Package transport owns the physical connection to the message broker.
// Every broker exposes the same primitives: connect, subscribe to a named
// destination, publish a body to a destination, and disconnect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/matheus3301/duochat/internal/domain"
	"go.uber.org/zap"
)

// Destinations used by the chat service.
const (
	TopicChat     = "/topic/chat"
	TopicDelete   = "/topic/delete"
	AppChatSend   = "/app/chat.send"
	AppChatTyping = "/app/chat.typing"
)

// PrivateQueue returns the per-user inbox destination.
func PrivateQueue(id domain.UserID) string {
	return fmt.Sprintf("/user/%d/queue/messages", id)
}

// TypingQueue returns the per-user presence destination.
func TypingQueue(id domain.UserID) string {
	return fmt.Sprintf("/user/%d/queue/typing", id)
}

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Credentials authenticate one broker connection.
type Credentials struct {
	Token  string
	UserID domain.UserID
}

// Frame is one message delivered on a subscription.
type Frame struct {
	Destination string
	Body        []byte
}

// Dialer establishes physical broker connections.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one physical broker connection.
type Conn interface {
	// Subscribe registers interest in destination. Frames arrive on the
	// returned channel in broker order until unsubscribe is called or the
	// connection is lost.
	Subscribe(destination string) (<-chan Frame, func(), error)
	// Publish sends body to destination without waiting for delivery.
	Publish(destination string, body []byte) error
	// Done is closed when the physical connection is gone.
	Done() <-chan struct{}
	// Close unsubscribes everything and disconnects. Idempotent.
	Close() error
}

// Options configure broker construction from a URL.
type Options struct {
	URL       string
	HeartBeat time.Duration
	Redis     RedisOptions
}

// NewDialer picks a broker implementation from the URL scheme:
// ws, wss, tcp and stomp speak STOMP; redis uses Redis pub/sub; memory uses
// the process-wide in-memory broker.
func NewDialer(opts Options, logger *zap.Logger) (Dialer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "tcp", "stomp":
		return &StompDialer{URL: u, HeartBeat: opts.HeartBeat, logger: logger.Named("stomp")}, nil
	case "redis":
		ro := opts.Redis
		ro.Addr = u.Host
		return &RedisDialer{Options: ro, HeartBeat: opts.HeartBeat, logger: logger.Named("redis")}, nil
	case "memory":
		return DefaultMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}
