package rpcsvc

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/render"
)

// Client calls a remote Service (using Go's net/rpc).
type Client struct {
	cl *rpc.Client
}

// NewClient wraps an already connected rpc client.
func NewClient(cl *rpc.Client) *Client {
	return &Client{cl: cl}
}

// Dial connects to the control service at addr, retrying with exponential
// backoff until maxElapsed passes (0 means retry until ctx is done).
func Dial(ctx context.Context, addr string, maxElapsed time.Duration) (*Client, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	cl, err := backoff.RetryNotifyWithData(func() (*rpc.Client, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return rpc.NewClient(conn), nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logging.For("rpcsvc").Info("control service not reachable yet", "addr", addr, "retry_in", next, "err", err)
	})
	if err != nil {
		return nil, fmt.Errorf("rpcsvc: dial %s: %w", addr, err)
	}
	return NewClient(cl), nil
}

// ServerInformation describes the server group.
func (c *Client) ServerInformation() (ServerInfo, error) {
	var out ServerInfo
	err := c.cl.Call("Service.ServerInformation", 0, &out)
	if err != nil {
		logging.For("rpcsvc").Error("remote call failed", "method", "Service.ServerInformation", "err", err)
	}
	return out, err
}

// LastImage fetches the last image the server composited for view.
func (c *Client) LastImage(view int) (*render.RawImage, error) {
	var out Snapshot
	if err := c.cl.Call("Service.LastImage", view, &out); err != nil {
		logging.For("rpcsvc").Error("remote call failed", "method", "Service.LastImage", "err", err)
		return nil, err
	}
	return out.Image(), nil
}

// Shutdown asks the server to stop, waiting at most timeout for it to accept.
func (c *Client) Shutdown(timeout time.Duration) error {
	var out int
	return c.cl.Call("Service.Shutdown", timeout, &out)
}

func (c *Client) Close() error {
	return c.cl.Close()
}
