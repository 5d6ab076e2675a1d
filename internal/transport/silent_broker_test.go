package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// silentListener accepts connections and reads them without ever writing.
func silentListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(io.Discard, conn)
				_ = conn.Close()
			}()
		}
	}()
	return ln
}

func TestStompDialGivesUpOnSilentBroker(t *testing.T) {
	ln := silentListener(t)
	d := &StompDialer{
		URL:    &url.URL{Scheme: "tcp", Host: ln.Addr().String()},
		logger: zap.NewNop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		conn, err := d.Dial(ctx, Credentials{Token: "tok", UserID: 1})
		if conn != nil {
			_ = conn.Close()
		}
		errc <- err
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Dial err = %v, want deadline exceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Dial blocked past its context")
	}
}

// serveRESP answers the connection handshake and PING but never confirms
// SUBSCRIBE.
func serveRESP(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	rd := bufio.NewReader(conn)
	for {
		args, err := readCommand(rd)
		if err != nil {
			return
		}
		var reply string
		switch strings.ToUpper(args[0]) {
		case "HELLO":
			reply = "-ERR unknown command 'HELLO'\r\n"
		case "PING":
			reply = "+PONG\r\n"
		case "SUBSCRIBE":
			continue
		default:
			reply = "+OK\r\n"
		}
		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
	}
}

func readCommand(rd *bufio.Reader) ([]string, error) {
	line, err := rd.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "*") {
		return nil, errors.New("not an array")
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 1 {
		return nil, errors.New("bad array length")
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		head, err := rd.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimRight(head, "\r\n")[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(rd, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestRedisSubscribeGivesUpWithoutConfirmation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveRESP(conn)
		}
	}()

	client := redis.NewClient(&redis.Options{
		Addr:            ln.Addr().String(),
		Protocol:        2,
		DisableIdentity: true,
	})
	c := &redisConn{
		client:           client,
		subscribeTimeout: 200 * time.Millisecond,
		done:             make(chan struct{}),
		logger:           zap.NewNop(),
	}
	defer func() { _ = c.Close() }()

	errc := make(chan error, 1)
	go func() {
		_, unsub, err := c.Subscribe(TopicChat)
		if unsub != nil {
			unsub()
		}
		errc <- err
	}()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("Subscribe succeeded without a confirmation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Subscribe blocked past its timeout")
	}
	select {
	case <-c.Done():
	default:
		t.Error("unconfirmed subscription did not mark the connection lost")
	}
}
