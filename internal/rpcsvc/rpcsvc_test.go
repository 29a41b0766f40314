package rpcsvc

import (
	"context"
	"image/color"
	"net"
	"net/rpc"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yeicor/pvrender/internal/render"
	"github.com/Yeicor/pvrender/internal/tile"
)

type fakeBackend struct {
	images map[int]*render.RawImage
}

func (b *fakeBackend) ServerInfo() ServerInfo {
	return ServerInfo{Role: "render-server", Type: "server", Ranks: 4, Tiles: tile.Config{Dimensions: [2]int{2, 1}}}
}

func (b *fakeBackend) LastImage(view int) *render.RawImage {
	if img, ok := b.images[view]; ok {
		return img
	}
	img := render.NewRawImage(0, 0)
	img.Invalidate()
	return img
}

func connect(t *testing.T, server *rpc.Server) *Client {
	a, b := net.Pipe()
	go server.ServeConn(b)
	c := NewClient(rpc.NewClient(a))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServerInformation(t *testing.T) {
	c := connect(t, NewServer(&fakeBackend{}, make(chan os.Signal)))
	info, err := c.ServerInformation()
	require.NoError(t, err)
	assert.Equal(t, 4, info.Ranks)
	assert.Equal(t, [2]int{2, 1}, info.Tiles.Dimensions)
}

func TestLastImage(t *testing.T) {
	img := render.NewRawImage(3, 2)
	img.Color.SetNRGBA(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	c := connect(t, NewServer(&fakeBackend{images: map[int]*render.RawImage{7: img}}, make(chan os.Signal)))

	got, err := c.LastImage(7)
	require.NoError(t, err)
	require.True(t, got.Valid())
	assert.Equal(t, img.Color.Pix, got.Color.Pix)

	_, err = c.LastImage(8)
	assert.Error(t, err)
}

func TestShutdown(t *testing.T) {
	done := make(chan os.Signal, 1)
	c := connect(t, NewServer(&fakeBackend{}, done))
	require.NoError(t, c.Shutdown(time.Second))
	assert.Equal(t, os.Interrupt, <-done)

	// Nobody listens anymore: the request times out
	full := make(chan os.Signal)
	c = connect(t, NewServer(&fakeBackend{}, full))
	assert.Error(t, c.Shutdown(10*time.Millisecond))
}

func TestDialAndServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- Serve(ctx, l, NewServer(&fakeBackend{}, make(chan os.Signal))) }()

	c, err := Dial(ctx, l.Addr().String(), time.Second)
	require.NoError(t, err)
	info, err := c.ServerInformation()
	require.NoError(t, err)
	assert.Equal(t, "render-server", info.Role)
	require.NoError(t, c.Close())

	cancel()
	assert.NoError(t, <-served)
}
