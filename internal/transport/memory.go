package transport

import (
	"context"
	"sync"
)

// MemoryBroker routes frames between connections of the same process.
type MemoryBroker struct {
	mu    sync.RWMutex
	conns map[*memConn]struct{}
}

var (
	defaultMemory     *MemoryBroker
	defaultMemoryOnce sync.Once
)

// DefaultMemoryBroker returns the broker shared by memory:// URLs.
func DefaultMemoryBroker() *MemoryBroker {
	defaultMemoryOnce.Do(func() { defaultMemory = NewMemoryBroker() })
	return defaultMemory
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{conns: make(map[*memConn]struct{})}
}

// Dial implements Dialer.
func (b *MemoryBroker) Dial(ctx context.Context, _ Credentials) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &memConn{
		broker: b,
		subs:   make(map[int]*memSub),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c, nil
}

// Sever drops every connection as if the network went away.
func (b *MemoryBroker) Sever() {
	b.mu.Lock()
	conns := make([]*memConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Subscribers returns the number of live subscriptions on destination.
func (b *MemoryBroker) Subscribers(destination string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for c := range b.conns {
		n += c.count(destination)
	}
	return n
}

func (b *MemoryBroker) route(f Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.conns {
		c.deliver(f)
	}
}

type memSub struct {
	destination string
	ch          chan Frame
}

type memConn struct {
	broker *MemoryBroker

	mu     sync.Mutex
	subs   map[int]*memSub
	next   int
	closed bool
	done   chan struct{}
}

func (c *memConn) Subscribe(destination string) (<-chan Frame, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}
	id := c.next
	c.next++
	sub := &memSub{destination: destination, ch: make(chan Frame, 64)}
	c.subs[id] = sub
	return sub.ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}, nil
}

func (c *memConn) Publish(destination string, body []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.broker.route(Frame{Destination: destination, Body: append([]byte(nil), body...)})
	return nil
}

func (c *memConn) deliver(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, sub := range c.subs {
		if sub.destination != f.Destination {
			continue
		}
		select {
		case sub.ch <- f:
		default:
			// Slow consumer; the frame is lost like on a saturated socket.
		}
	}
}

func (c *memConn) count(destination string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sub := range c.subs {
		if sub.destination == destination {
			n++
		}
	}
	return n
}

func (c *memConn) Done() <-chan struct{} { return c.done }

func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[int]*memSub)
	close(c.done)
	c.mu.Unlock()

	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()
	return nil
}
