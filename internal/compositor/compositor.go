// Package compositor merges the partial images rendered by every rank of a
// parallel group into one image per display tile (sort-last compositing).
package compositor

import (
	"context"
	"fmt"
	"sync"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/render"
	"github.com/Yeicor/pvrender/internal/tile"
)

// MaxImageReductionFactor bounds SetImageReductionFactor.
const MaxImageReductionFactor = 50

// ImageProcessor edits a composited image before it is written back.
type ImageProcessor func(img *render.RawImage)

// Compositor composites the renderer it is installed on. Every setting must
// be identical on every rank before a frame: they drive the message pattern.
type Compositor struct {
	mu              sync.Mutex
	cx              *Context
	parallel        comm.Controller
	reductionFactor int
	tileDims        [2]int
	tileMullions    [2]int
	ordered         bool
	kdtree          *KdTree
	replicated      bool
	processor       ImageProcessor

	renderer *render.Renderer // the renderer of the frame in progress
	plan     framePlan
	lastTile Tile
}

// New returns a compositor drawing through cx and compositing over parallel
// (nil for a single process).
func New(cx *Context, parallel comm.Controller) *Compositor {
	return &Compositor{cx: cx, parallel: parallel, reductionFactor: 1, tileDims: [2]int{1, 1}}
}

// SetImageReductionFactor renders every rank's share at 1/f of the resolution
// and scales the composited image back up. f is clamped to [1,50].
func (c *Compositor) SetImageReductionFactor(f int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f < 1 {
		f = 1
	}
	if f > MaxImageReductionFactor {
		f = MaxImageReductionFactor
	}
	c.reductionFactor = f
}

func (c *Compositor) ImageReductionFactor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reductionFactor
}

// SetTileDimensions sets the display wall grid; (1,1) is a single display.
func (c *Compositor) SetTileDimensions(dims [2]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range dims {
		if dims[i] < 1 {
			dims[i] = 1
		}
	}
	c.tileDims = dims
}

func (c *Compositor) TileDimensions() [2]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tileDims
}

func (c *Compositor) SetTileMullions(m [2]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tileMullions = m
}

// SetUseOrderedCompositing blends the images in visibility order instead of
// picking the nearest fragment. It needs a KdTree.
func (c *Compositor) SetUseOrderedCompositing(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ordered = on
}

func (c *Compositor) UseOrderedCompositing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ordered && c.kdtree != nil
}

func (c *Compositor) SetKdTree(t *KdTree) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kdtree = t
}

// SetDataReplicatedOnAllProcesses tells that every rank holds all the data:
// tile owners render on their own and nothing is transferred.
func (c *Compositor) SetDataReplicatedOnAllProcesses(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicated = on
}

func (c *Compositor) SetImageProcessor(p ImageProcessor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processor = p
}

// LastRenderedTile is the tile this rank composited in the last frame. Its
// image is invalid on ranks that do not display a tile.
func (c *Compositor) LastRenderedTile() Tile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTile
}

// Release forgets the tile kept for write-back.
func (c *Compositor) Release() {
	c.cx.removeTile(c)
}

func (c *Compositor) rank() (rank, size int) {
	if c.parallel == nil {
		return 0, 1
	}
	return c.parallel.Rank(), c.parallel.Size()
}

// Pass is the pass chain to install on the composited renderer.
func (c *Compositor) Pass() render.Pass {
	return render.Pipeline{
		render.PassFunc(c.cameraPass),
		render.PassFunc(c.initialPass),
	}
}

// framePlan is where the renderer's image lives on the whole display, in
// display pixels with y up.
type framePlan struct {
	size, origin [2]int // untiled logical size and origin, times the tile grid
	region       [4]int // x0,y0,x1,y1 on the display, mullions included
	helper       tile.Helper
	tiles        bool
}

// cameraPass computes the logical size of the renderer on the whole display.
// The window's tile scale and viewport are reset while measuring so the
// result is in untiled coordinates, and restored afterwards.
func (c *Compositor) cameraPass(ctx context.Context, s *render.State) error {
	if s.Window == nil {
		return fmt.Errorf("compositor: renderer has no window")
	}
	w := s.Window
	scale, vp := w.TileScale(), w.TileViewport()
	w.SetTileScale([2]int{1, 1})
	w.SetTileViewport([4]float64{0, 0, 1, 1})
	size, origin := s.Renderer.TiledSizeAndOrigin()
	w.SetTileScale(scale)
	w.SetTileViewport(vp)

	c.mu.Lock()
	defer c.mu.Unlock()
	dims := c.tileDims
	plan := framePlan{
		helper: tile.Helper{Dimensions: dims, Mullions: c.tileMullions, WindowSize: w.Size()},
		tiles:  dims != [2]int{1, 1},
	}
	display := plan.helper.DisplaySize()
	for i := 0; i < 2; i++ {
		plan.size[i] = size[i] * dims[i]
		plan.origin[i] = origin[i] * dims[i]
		// Mullions widen the wall beyond tiles x window size
		k := float64(display[i]) / float64(w.Size()[i]*dims[i])
		plan.region[i] = round(float64(plan.origin[i]) * k)
		plan.region[i+2] = round(float64(plan.origin[i]+plan.size[i]) * k)
	}
	c.plan = plan
	c.renderer = s.Renderer
	return nil
}

// TiledSizeAndOrigin is the logical size and origin computed by the last
// camera pass.
func (c *Compositor) TiledSizeAndOrigin() (size, origin [2]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan.size, c.plan.origin
}

// initialPass composites inside the compositing context and pastes the tile
// of this rank into the window.
func (c *Compositor) initialPass(ctx context.Context, s *render.State) error {
	if err := c.cx.SetupContext(ctx, c); err != nil {
		return err
	}
	t, err := c.drawFrame(ctx)
	c.cx.CleanupContext()
	if err != nil {
		return err
	}
	t.window = s.Window

	c.mu.Lock()
	c.lastTile = t
	processor := c.processor
	c.mu.Unlock()
	if !t.Image.Valid() {
		c.cx.removeTile(c)
		return nil
	}
	if processor != nil {
		processor(t.Image)
	}
	if s.Renderer.Erase() {
		t.Image.Flatten(s.Renderer.Background())
	}
	c.cx.storeTile(c, t)
	s.Window.PasteOver(viewportRect(t.PhysicalViewport, s.Window.Size()), t.Image.Color)
	c.cx.flushTiles(c, s.Window)
	logging.For("compositor").Debug("tile composited", "viewport", t.PhysicalViewport)
	return nil
}

// draw renders this rank's share of the frame in progress.
func (c *Compositor) draw(width, height int) *render.RawImage {
	c.mu.Lock()
	r := c.renderer
	c.mu.Unlock()
	if r == nil {
		return render.NewRawImage(width, height)
	}
	return r.DrawFrame(width, height)
}
