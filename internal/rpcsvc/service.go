// Package rpcsvc is the control channel between a client and a server group:
// server description, snapshots of the last composited frame and shutdown.
// Rendering itself goes through the comm links, this is only bookkeeping.
package rpcsvc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"sync"
	"time"

	"github.com/barkimedes/go-deepcopy"

	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/render"
	"github.com/Yeicor/pvrender/internal/tile"
)

// ServerInfo is an internal struct that has to be exported for RPC.
// It describes the server group a client is connected to.
type ServerInfo struct {
	Role  string
	Type  string
	Ranks int
	Tiles tile.Config
}

// Snapshot is an internal struct that has to be exported for RPC.
// It holds the last image composited by the server root for one view.
type Snapshot struct {
	View   int
	Width  int
	Height int
	Pix    []byte // NRGBA, top row first
}

// Image converts the snapshot, invalid when the server had nothing to send.
func (s *Snapshot) Image() *render.RawImage {
	img := render.NewRawImage(s.Width, s.Height)
	if s.Width <= 0 || s.Height <= 0 || len(s.Pix) != len(img.Color.Pix) {
		img.Invalidate()
		return img
	}
	copy(img.Color.Pix, s.Pix)
	return img
}

// Backend is the server side state the service reports on.
type Backend interface {
	ServerInfo() ServerInfo
	// LastImage returns the last image composited for view, possibly invalid.
	LastImage(view int) *render.RawImage
}

// Service is an internal struct that has to be exported for RPC.
type Service struct {
	backend Backend
	lock    sync.Mutex // one snapshot at a time, they are large
	done    chan os.Signal
}

var errNoImage = errors.New("no image rendered yet")

// NewServer registers a Service for backend. Shutdown requests are delivered
// on done.
func NewServer(backend Backend, done chan os.Signal) *rpc.Server {
	server := rpc.NewServer()
	err := server.Register(&Service{backend: backend, done: done})
	if err != nil {
		panic(err) // Shouldn't happen (only on bad implementation)
	}
	return server
}

// ServerInformation is an internal method that has to be exported for RPC.
func (s *Service) ServerInformation(_ int, out *ServerInfo) error {
	*out = deepcopy.MustAnything(s.backend.ServerInfo()).(ServerInfo)
	return nil
}

// LastImage is an internal method that has to be exported for RPC.
// It fails when the view has not been composited yet.
func (s *Service) LastImage(view int, out *Snapshot) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	img := s.backend.LastImage(view)
	if !img.Valid() {
		return errNoImage
	}
	w, h := img.Size()
	*out = Snapshot{View: view, Width: w, Height: h, Pix: append([]byte(nil), img.Color.Pix...)}
	return nil
}

// Shutdown is an internal method that has to be exported for RPC.
// Shutdown sends a signal on the configured channel (with a timeout)
func (s *Service) Shutdown(t time.Duration, _ *int) error {
	select {
	case s.done <- os.Interrupt:
		return nil
	case <-time.After(t):
		return errors.New("shutdown timeout")
	}
}

// Serve accepts control connections on l until ctx is done.
func Serve(ctx context.Context, l net.Listener, server *rpc.Server) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rpcsvc: accept: %w", err)
		}
		logging.For("rpcsvc").Debug("control connection", "remote", conn.RemoteAddr().String())
		go server.ServeConn(conn)
	}
}
