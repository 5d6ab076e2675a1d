package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"go.uber.org/zap"
)

const stompDialTimeout = 10 * time.Second

// StompDialer connects to a STOMP 1.2 broker, either over a WebSocket
// (ws/wss) or over raw TCP (tcp/stomp).
type StompDialer struct {
	URL       *url.URL
	HeartBeat time.Duration
	logger    *zap.Logger
}

// Dial implements Dialer.
func (d *StompDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, stompDialTimeout)
	defer cancel()

	rwc, host, err := d.dialStream(ctx, creds)
	if err != nil {
		return nil, err
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(host),
		stomp.ConnOpt.HeartBeat(d.HeartBeat, d.HeartBeat),
	}
	if creds.Token != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+creds.Token))
	}
	// stomp.Connect has no context; closing the stream unblocks it when the
	// broker accepts the socket but never answers CONNECT.
	release := context.AfterFunc(ctx, func() { _ = rwc.Close() })
	sc, err := stomp.Connect(rwc, opts...)
	if !release() {
		if err == nil {
			_ = sc.MustDisconnect()
		}
		return nil, fmt.Errorf("stomp connect: %w", ctx.Err())
	}
	if err != nil {
		_ = rwc.Close()
		return nil, fmt.Errorf("stomp connect: %w", err)
	}

	d.logger.Info("broker connected", zap.String("url", d.redactedURL()), zap.Int64("user_id", int64(creds.UserID)))
	return &stompConn{
		conn:   sc,
		stream: rwc,
		done:   make(chan struct{}),
		logger: d.logger,
	}, nil
}

func (d *StompDialer) dialStream(ctx context.Context, creds Credentials) (io.ReadWriteCloser, string, error) {
	switch d.URL.Scheme {
	case "ws", "wss":
		u := *d.URL
		if creds.Token != "" {
			q := u.Query()
			q.Set("token", creds.Token)
			u.RawQuery = q.Encode()
		}
		header := http.Header{}
		if creds.Token != "" {
			header.Set("Authorization", "Bearer "+creds.Token)
		}
		ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
			HTTPHeader:   header,
			Subprotocols: []string{"v12.stomp", "v11.stomp"},
		})
		if err != nil {
			return nil, "", fmt.Errorf("websocket dial: %w", err)
		}
		// The NetConn context bounds the stream lifetime, not the dial.
		return websocket.NetConn(context.Background(), ws, websocket.MessageText), d.URL.Hostname(), nil
	default:
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", d.URL.Host)
		if err != nil {
			return nil, "", fmt.Errorf("tcp dial: %w", err)
		}
		return conn, d.URL.Hostname(), nil
	}
}

func (d *StompDialer) redactedURL() string {
	u := *d.URL
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

type stompConn struct {
	conn   *stomp.Conn
	stream io.ReadWriteCloser
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	lostOnce sync.Once
}

func (c *stompConn) Subscribe(destination string) (<-chan Frame, func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	c.mu.Unlock()

	sub, err := c.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		c.lost()
		return nil, nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}

	out := make(chan Frame, 64)
	stop := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		// Keep draining sub.C until the library closes it so its reader
		// goroutine never blocks on us.
		for msg := range sub.C {
			if msg.Err != nil {
				c.logger.Warn("subscription error", zap.String("destination", destination), zap.Error(msg.Err))
				c.lost()
				continue
			}
			select {
			case out <- Frame{Destination: destination, Body: msg.Body}:
			case <-stop:
			case <-c.done:
			}
		}
		c.lost()
	}()

	return out, func() {
		stopOnce.Do(func() {
			close(stop)
			if err := sub.Unsubscribe(); err != nil {
				c.logger.Debug("unsubscribe failed", zap.String("destination", destination), zap.Error(err))
			}
		})
	}, nil
}

func (c *stompConn) Publish(destination string, body []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := c.conn.Send(destination, "application/json", body); err != nil {
		c.lost()
		return fmt.Errorf("send %s: %w", destination, err)
	}
	return nil
}

func (c *stompConn) Done() <-chan struct{} { return c.done }

// lost marks the physical connection as gone.
func (c *stompConn) lost() {
	c.lostOnce.Do(func() { close(c.done) })
}

func (c *stompConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Disconnect()
	c.lost()
	_ = c.stream.Close()
	if err != nil && err != stomp.ErrAlreadyClosed {
		return fmt.Errorf("stomp disconnect: %w", err)
	}
	return nil
}
