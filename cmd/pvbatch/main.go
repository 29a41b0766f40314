// Command pvbatch renders an SDF scene with a group of in-process batch ranks.
// The scene is triangulated once and shared, each rank keeps its own slab of
// it. The images are composited on rank 0 and written as PNG files.
//
//	pvbatch -ranks 4 -scene spheres -out spheres.png
//	pvbatch -ranks 2 -scene spiral -frames 36 -out orbit.png
package main

import (
	"context"
	"flag"
	"fmt"
	"image/color"
	"image/png"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/deadsy/sdfx/sdf"

	"github.com/Yeicor/pvrender"
	"github.com/Yeicor/pvrender/internal/cli"
	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/render"
	"github.com/Yeicor/pvrender/internal/scene"
	"github.com/Yeicor/pvrender/internal/tile"
)

func main() {
	var (
		ranks    = flag.Int("ranks", 4, "number of batch ranks")
		name     = flag.String("scene", "spheres", "scene to render, one of "+strings.Join(scene.Names(), ", "))
		cells    = flag.Int("cells", 100, "marching cubes cells along the longest side")
		width    = flag.Int("width", 800, "image width")
		height   = flag.Int("height", 600, "image height")
		frames   = flag.Int("frames", 1, "frames to render, orbiting the camera around the scene")
		opacity  = flag.Float64("opacity", 1, "geometry opacity, below 1 composites in visibility order")
		output   = flag.String("out", "pvbatch.png", "output file, numbered when rendering several frames")
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

	b := &batch{
		ranks:   max(1, *ranks),
		cells:   *cells,
		size:    [2]int{*width, *height},
		frames:  max(1, *frames),
		opacity: *opacity,
		output:  *output,
		config:  cfg,
	}
	if b.sdf, err = scene.Get(*name); err != nil {
		log.Fatal(err)
	}
	if err := b.run(ctx); err != nil {
		log.Fatalf("error: %s", err)
	}
}

type batch struct {
	ranks   int
	sdf     sdf.SDF3
	cells   int
	size    [2]int
	frames  int
	opacity float64
	output  string
	config  pvrender.Config
}

func (b *batch) run(ctx context.Context) error {
	var tiles tile.Source
	if b.config.TileFile != "" {
		w, err := tile.Watch(ctx, b.config.TileFile)
		if err != nil {
			return err
		}
		tiles = w
	}

	group := comm.NewLocalGroup(b.ranks)
	defer func() {
		for _, c := range group {
			_ = c.Close()
		}
	}()
	// One source for all ranks, the mesh is built once and each rank takes its slab
	src := &pvrender.SDFSource{SDF: b.sdf, Cells: b.cells, SmoothRadians: math.Pi / 3}

	sessions := make([]*pvrender.Session, b.ranks)
	for r := range group {
		opts := []pvrender.Option{pvrender.WithConfig(b.config)}
		if tiles != nil {
			opts = append(opts, pvrender.WithTileSource(tiles))
		}
		s, err := pvrender.NewSession(&process.Module{Type: process.TypeBatch, Parallel: group[r]}, opts...)
		if err != nil {
			return err
		}
		defer s.Close()
		v, err := s.NewRenderView(0)
		if err != nil {
			return err
		}
		v.SetSize(b.size[0], b.size[1])
		g := pvrender.NewGeometryRepresentation(src)
		g.SetColor(rankColor(r, b.ranks))
		g.SetOpacity(b.opacity)
		v.AddRepresentation(g)
		sessions[r] = s
	}

	var wg sync.WaitGroup
	errs := make([]error, b.ranks)
	for r := 1; r < b.ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = sessions[r].Serve(ctx)
		}(r)
	}
	errs[0] = b.drive(ctx, sessions[0])
	if err := sessions[0].Shutdown(context.Background()); err != nil && errs[0] == nil {
		errs[0] = err
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			return fmt.Errorf("rank %d: %w", r, err)
		}
	}
	return nil
}

func (b *batch) drive(ctx context.Context, s *pvrender.Session) error {
	v := s.View(1)
	if err := v.ResetCamera(ctx); err != nil {
		return err
	}
	step := 2 * math.Pi / float64(b.frames)
	for i := 0; i < b.frames; i++ {
		if i > 0 {
			v.Camera().Orbit(step, 0)
		}
		if err := v.StillRender(ctx); err != nil {
			return err
		}
		path := b.output
		if b.frames > 1 {
			ext := filepath.Ext(path)
			path = fmt.Sprintf("%s-%03d%s", strings.TrimSuffix(path, ext), i, ext)
		}
		if err := writePNG(path, v.CaptureImage()); err != nil {
			return err
		}
		pvrender.Logger().Info("frame written", "path", path, "geometry_kib", v.GeometrySize(),
			"distributed", v.DistributedRendering())
	}
	return nil
}

func writePNG(path string, img *render.RawImage) error {
	if !img.Valid() {
		return fmt.Errorf("no image to write to %s", path)
	}
	img = img.Clone()
	img.Flatten(color.NRGBA{R: 32, G: 32, B: 40, A: 255})
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img.Color); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// rankColor spreads hues over the ranks so each slab can be told apart.
func rankColor(rank, ranks int) color.NRGBA {
	h := float64(rank) / float64(ranks) * 6
	x := uint8(255 * (1 - math.Abs(math.Mod(h, 2)-1)))
	switch int(h) {
	case 0:
		return color.NRGBA{R: 255, G: x, A: 255}
	case 1:
		return color.NRGBA{R: x, G: 255, A: 255}
	case 2:
		return color.NRGBA{G: 255, B: x, A: 255}
	case 3:
		return color.NRGBA{G: x, B: 255, A: 255}
	case 4:
		return color.NRGBA{R: x, B: 255, A: 255}
	}
	return color.NRGBA{R: 255, B: x, A: 255}
}
