package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisWatchdog         = 10 * time.Second
	defaultRedisSubscribeTimeout = 10 * time.Second
)

// RedisOptions configure the Redis pub/sub broker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces channel names, e.g. "duochat" maps /topic/chat to
	// "duochat:/topic/chat".
	Prefix string
}

// RedisDialer uses Redis pub/sub channels as broker destinations.
type RedisDialer struct {
	Options   RedisOptions
	HeartBeat time.Duration
	// SubscribeTimeout bounds the wait for a subscription confirmation.
	SubscribeTimeout time.Duration
	logger           *zap.Logger
}

// Dial implements Dialer. Redis has no bearer tokens; the credentials only
// label the connection in logs.
func (d *RedisDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     d.Options.Addr,
		Password: d.Options.Password,
		DB:       d.Options.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	interval := d.HeartBeat
	if interval <= 0 {
		interval = defaultRedisWatchdog
	}
	c := &redisConn{
		client:           client,
		prefix:           d.Options.Prefix,
		subscribeTimeout: d.SubscribeTimeout,
		done:             make(chan struct{}),
		logger:           d.logger,
	}
	go c.watchdog(interval)

	d.logger.Info("broker connected", zap.String("addr", d.Options.Addr), zap.Int64("user_id", int64(creds.UserID)))
	return c, nil
}

type redisConn struct {
	client           *redis.Client
	prefix           string
	subscribeTimeout time.Duration
	logger           *zap.Logger

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	lostOnce sync.Once
}

// channel maps a broker destination to a Redis channel name.
func (c *redisConn) channel(destination string) string {
	if c.prefix == "" {
		return destination
	}
	return c.prefix + ":" + destination
}

func (c *redisConn) Subscribe(destination string) (<-chan Frame, func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	c.mu.Unlock()

	timeout := c.subscribeTimeout
	if timeout <= 0 {
		timeout = defaultRedisSubscribeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ps := c.client.Subscribe(ctx, c.channel(destination))
	// Wait for the subscription confirmation so frames published right
	// after Subscribe returns are not missed.
	if _, err := ps.ReceiveTimeout(ctx, timeout); err != nil {
		_ = ps.Close()
		c.lost()
		return nil, nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}

	out := make(chan Frame, 64)
	stop := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		for msg := range ps.Channel() {
			select {
			case out <- Frame{Destination: destination, Body: []byte(msg.Payload)}:
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}()

	return out, func() {
		stopOnce.Do(func() {
			close(stop)
			_ = ps.Close()
		})
	}, nil
}

func (c *redisConn) Publish(destination string, body []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := c.client.Publish(context.Background(), c.channel(destination), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

func (c *redisConn) Done() <-chan struct{} { return c.done }

func (c *redisConn) lost() {
	c.lostOnce.Do(func() { close(c.done) })
}

// watchdog pings the server and declares the connection lost on failure.
// go-redis reconnects on its own; the session above must still learn about
// the gap so it can resubscribe and refetch history.
func (c *redisConn) watchdog(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				c.logger.Warn("redis ping failed", zap.Error(err))
				c.lost()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *redisConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.lost()
	return c.client.Close()
}
