package comm

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/cenkalti/backoff/v5"
)

// Dial connects to a server endpoint, retrying with exponential backoff until
// maxElapsed passes (0 means retry until ctx is done). Addresses starting with
// ws:// or wss:// use the websocket transport, anything else is dialed as TCP.
func Dial(ctx context.Context, addr string, maxElapsed time.Duration) (*Link, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.For("comm").Info("server not reachable yet", "addr", addr, "retry_in", next, "err", err)
		}),
	}
	if maxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(maxElapsed))
	}
	link, err := backoff.Retry(ctx, func() (*Link, error) {
		if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
			return dialWebSocket(ctx, addr)
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return NewLink(conn), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	logging.For("comm").Info("connected", "addr", addr)
	return link, nil
}

// Accept waits for one client connection on l.
func Accept(ctx context.Context, l net.Listener) (*Link, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("accept: %w", r.err)
		}
		logging.For("comm").Info("client connected", "remote", r.conn.RemoteAddr().String())
		return NewLink(r.conn), nil
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	}
}
