// Command pvclient connects to a pvserver group and shows its render view in
// a window. Geometry that is small enough is delivered and rendered locally,
// anything else is rendered remotely and only the composited image travels.
//
//	pvclient -server localhost:11111 -control localhost:11112
//	pvclient -server ws://localhost:8080/ -control localhost:11112
package main

import (
	"context"
	"flag"
	"log"
	"strconv"
	"time"

	"github.com/hajimehoshi/ebiten/v2"

	"github.com/Yeicor/pvrender"
	"github.com/Yeicor/pvrender/internal/cli"
	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/rpcsvc"
	"github.com/Yeicor/pvrender/internal/tile"
)

func main() {
	var (
		server   = flag.String("server", "localhost:11111", "client link address (host:port or ws:// URL)")
		control  = flag.String("control", "localhost:11112", "control service address")
		wait     = flag.Duration("wait", time.Minute, "how long to retry connecting")
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
	ctx, cancel := cli.SignalContext(context.Background())
	defer cancel()

	ctl, err := rpcsvc.Dial(ctx, *control, *wait)
	if err != nil {
		log.Fatal(err)
	}
	defer ctl.Close()
	info, err := ctl.ServerInformation()
	if err != nil {
		log.Fatal(err)
	}
	pvrender.Logger().Info("server", "type", info.Type, "ranks", info.Ranks, "tiles", info.Tiles.Dimensions)

	link, err := comm.Dial(ctx, *server, *wait)
	if err != nil {
		log.Fatal(err)
	}
	defer link.Close()

	// Tiles are a capability of the server, the local configuration cannot
	// override them.
	cfg.Tiles, cfg.TileFile = tile.Config{}, ""
	s, err := pvrender.NewSession(&process.Module{Type: process.TypeClient, RenderServer: link},
		pvrender.WithConfig(cfg), pvrender.WithTileSource(tile.Static(info.Tiles)))
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	v, err := s.NewRenderView(0)
	if err != nil {
		log.Fatal(err)
	}
	// The client holds no data, the source is never asked for a piece
	v.AddRepresentation(pvrender.NewGeometryRepresentation(pvrender.MeshSource{}))

	g := newGame(ctx, v, ctl, info)
	ebiten.SetWindowTitle("pvclient: " + info.Type + " x" + strconv.Itoa(info.Ranks))
	ebiten.SetRunnableOnUnfocused(true)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	runErr := ebiten.RunGame(g)

	g.wait(5 * time.Second)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := s.Shutdown(shutdownCtx); err != nil {
		pvrender.Logger().Error("shutdown", "err", err)
	}
	if runErr != nil && runErr != ebiten.Termination {
		log.Fatal(runErr)
	}
}
