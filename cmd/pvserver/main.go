// Command pvserver runs a render server group for one pvclient. The ranks run
// in-process, rank 0 talks to the client over TCP or a websocket and the
// control service reports on the group.
//
//	pvserver -ranks 4 -scene pillars -listen :11111 -control :11112
//	pvserver -ranks 2 -ws :8080 -control :11112
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Yeicor/pvrender"
	"github.com/Yeicor/pvrender/internal/cli"
	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/render"
	"github.com/Yeicor/pvrender/internal/rpcsvc"
	"github.com/Yeicor/pvrender/internal/scene"
	"github.com/Yeicor/pvrender/internal/tile"
)

func main() {
	var (
		ranks    = flag.Int("ranks", 4, "number of server ranks")
		name     = flag.String("scene", "spheres", "scene to serve, one of "+strings.Join(scene.Names(), ", "))
		cells    = flag.Int("cells", 100, "marching cubes cells along the longest side")
		listen   = flag.String("listen", ":11111", "TCP address for the client link")
		ws       = flag.String("ws", "", "serve the client link as a websocket on this address instead")
		control  = flag.String("control", ":11112", "TCP address of the control service")
		config   = flag.String("config", "", "TOML render configuration")
		logLevel = flag.String("log", "info", "log level (debug, info, warn, error or off)")
	)
	flag.Parse()
	if err := cli.SetupLogging(*logLevel); err != nil {
		log.Fatal(err)
	}
	cfg, err := cli.LoadConfig(*config)
	if err != nil {
		log.Fatal(err)
	}
	s, err := scene.Get(*name)
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := cli.SignalContext(context.Background())
	defer cancel()

	srv := &server{
		ranks:  max(1, *ranks),
		source: &pvrender.SDFSource{SDF: s, Cells: *cells, SmoothRadians: math.Pi / 3},
		config: cfg,
	}
	if err := srv.run(ctx, *listen, *ws, *control); err != nil {
		log.Fatalf("error: %s", err)
	}
}

type server struct {
	ranks  int
	source pvrender.Source
	config pvrender.Config
	tiles  tile.Source

	mu   sync.Mutex
	root *pvrender.Session
}

// ServerInfo implements rpcsvc.Backend.
func (s *server) ServerInfo() rpcsvc.ServerInfo {
	s.mu.Lock()
	root := s.root
	s.mu.Unlock()
	if root == nil {
		// The client asks before connecting its link
		return rpcsvc.ServerInfo{
			Role:  process.RenderServer.String(),
			Type:  process.TypeServer.String(),
			Ranks: s.ranks,
			Tiles: s.tiles.TileConfig(),
		}
	}
	m := root.Module()
	return rpcsvc.ServerInfo{
		Role:  root.Role().String(),
		Type:  m.Type.String(),
		Ranks: m.Size(),
		Tiles: m.TileConfig(),
	}
}

// LastImage implements rpcsvc.Backend.
func (s *server) LastImage(view int) *render.RawImage {
	s.mu.Lock()
	root := s.root
	s.mu.Unlock()
	if root != nil {
		if v := root.View(view); v != nil {
			return v.CaptureImage()
		}
	}
	img := render.NewRawImage(0, 0)
	img.Invalidate()
	return img
}

func (s *server) run(ctx context.Context, listen, ws, control string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.tiles = tile.Static(s.config.Tiles)
	if s.config.TileFile != "" {
		w, err := tile.Watch(ctx, s.config.TileFile)
		if err != nil {
			return err
		}
		s.tiles = w
	}

	// Control service
	cl, err := net.Listen("tcp", control)
	if err != nil {
		return err
	}
	done := make(chan os.Signal, 1)
	go func() {
		select {
		case <-done:
			pvrender.Logger().Info("shutdown requested by the client")
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		if err := rpcsvc.Serve(ctx, cl, rpcsvc.NewServer(s, done)); err != nil {
			pvrender.Logger().Error("control service stopped", "err", err)
		}
	}()

	link, err := s.accept(ctx, listen, ws)
	if err != nil {
		return err
	}
	defer link.Close()

	group := comm.NewLocalGroup(s.ranks)
	defer func() {
		for _, c := range group {
			_ = c.Close()
		}
	}()
	sessions := make([]*pvrender.Session, s.ranks)
	for r := range group {
		m := &process.Module{Type: process.TypeServer, Parallel: group[r]}
		if r == 0 {
			m.ClientLink = link
		}
		sess, err := pvrender.NewSession(m, pvrender.WithConfig(s.config), pvrender.WithTileSource(s.tiles))
		if err != nil {
			return err
		}
		defer sess.Close()
		// The client creates the same view, ids must match
		v, err := sess.NewRenderView(0)
		if err != nil {
			return err
		}
		v.AddRepresentation(pvrender.NewGeometryRepresentation(s.source))
		sessions[r] = sess
	}
	s.mu.Lock()
	s.root = sessions[0]
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, s.ranks)
	for r, sess := range sessions {
		wg.Add(1)
		go func(r int, sess *pvrender.Session) {
			defer wg.Done()
			errs[r] = sess.Serve(ctx)
			if r == 0 {
				cancel() // the client is gone, stop the control service too
			}
		}(r, sess)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("rank %d: %w", r, err)
		}
	}
	return nil
}

// accept waits for the client on a plain TCP listener, or on a websocket when
// ws is set.
func (s *server) accept(ctx context.Context, listen, ws string) (*comm.Link, error) {
	if ws == "" {
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return nil, err
		}
		defer l.Close()
		pvrender.Logger().Info("waiting for client", "addr", l.Addr().String(), "ranks", s.ranks)
		return comm.Accept(ctx, l)
	}

	links := make(chan *comm.Link, 1)
	hs := &http.Server{
		Addr:              ws,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: comm.WebSocketHandler(func(l *comm.Link) {
			select {
			case links <- l:
			default:
				pvrender.Logger().Warn("rejecting extra client")
				_ = l.Close()
			}
		}),
	}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			pvrender.Logger().Error("websocket listener stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = hs.Close()
	}()
	pvrender.Logger().Info("waiting for websocket client", "addr", ws, "ranks", s.ranks)
	select {
	case l := <-links:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
