package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"sync"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/subchen/go-trylock/v2"

	"github.com/Yeicor/pvrender"
	"github.com/Yeicor/pvrender/internal/rpcsvc"
)

var background = color.NRGBA{R: 32, G: 32, B: 40, A: 255}

// camMove is the camera change queued by the input handlers. It is applied
// by the render goroutine, which owns the camera while rendering.
type camMove struct {
	yaw, pitch float64
	dolly      float64 // multiplicative, 1 is no change
	reset      bool
}

// game is the ebiten.Game showing one render view.
type game struct {
	ctx  context.Context
	view *pvrender.RenderView
	ctl  *rpcsvc.Client
	info rpcsvc.ServerInfo

	rendering trylock.TryLocker

	mu          sync.Mutex
	move        camMove
	size        [2]int
	sizeChanged bool
	queued      bool // a render was requested while another ran
	interactive bool // kind of the queued render
	frame       *image.NRGBA
	frameNew    bool
	lastTook    time.Duration
	lastErr     error
	status      string

	shown    *ebiten.Image
	dragFrom [2]int
}

func newGame(ctx context.Context, v *pvrender.RenderView, ctl *rpcsvc.Client, info rpcsvc.ServerInfo) *game {
	return &game{
		ctx:       ctx,
		view:      v,
		ctl:       ctl,
		info:      info,
		rendering: trylock.New(),
		move:      camMove{dolly: 1, reset: true},
		dragFrom:  [2]int{math.MaxInt, math.MaxInt},
	}
}

func (g *game) Update() error {
	if g.ctx.Err() != nil || inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		return ebiten.Termination
	}
	g.onUpdateInputs()
	return nil
}

func (g *game) onUpdateInputs() {
	// Image reduction
	if inpututil.IsKeyJustPressed(ebiten.KeyKPAdd) || inpututil.IsKeyJustPressed(ebiten.KeyEqual) {
		g.view.SetStillRenderImageReductionFactor(g.view.StillRenderImageReductionFactor() - 1)
		g.rerender(false)
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyKPSubtract) || inpututil.IsKeyJustPressed(ebiten.KeyMinus) {
		g.view.SetStillRenderImageReductionFactor(g.view.StillRenderImageReductionFactor() + 1)
		g.rerender(false)
	}
	// Level of detail
	if inpututil.IsKeyJustPressed(ebiten.KeyL) {
		res := g.view.LODResolution() + 0.25
		if res > 1 {
			res = 0
		}
		g.view.SetLODResolution(res)
		g.rerender(true)
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyS) {
		go g.snapshot()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyR) {
		g.mu.Lock()
		g.move.reset = true
		g.mu.Unlock()
		g.rerender(false)
	}

	// Zooming
	if _, wheel := ebiten.Wheel(); wheel != 0 {
		g.mu.Lock()
		g.move.dolly *= math.Pow(1.1, wheel)
		g.mu.Unlock()
		g.rerender(true)
	}

	// Rotation, interactive while dragging and still on release
	cx, cy := getCursor()
	if ebiten.IsMouseButtonPressed(ebiten.MouseButtonLeft) || ebiten.IsMouseButtonPressed(ebiten.MouseButtonMiddle) {
		if g.dragFrom[0] != math.MaxInt && (cx != g.dragFrom[0] || cy != g.dragFrom[1]) {
			g.mu.Lock()
			g.move.yaw -= float64(cx-g.dragFrom[0]) / 100
			g.move.pitch -= float64(cy-g.dragFrom[1]) / 100
			g.mu.Unlock()
			g.rerender(true)
		}
		g.dragFrom = [2]int{cx, cy}
	} else if g.dragFrom[0] != math.MaxInt {
		g.dragFrom = [2]int{math.MaxInt, math.MaxInt}
		g.rerender(false)
	}
}

func getCursor() (int, int) {
	cx, cy := ebiten.CursorPosition()
	if ids := ebiten.AppendTouchIDs(nil); len(ids) > 0 { // Override cursor with touch if available
		cx, cy = ebiten.TouchPosition(ids[0])
	}
	return cx, cy
}

// rerender queues a render. Renders run one at a time in the background, the
// last request wins.
func (g *game) rerender(interactive bool) {
	g.mu.Lock()
	g.queued = true
	g.interactive = interactive
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(g.ctx, time.Millisecond)
	defer cancel()
	if !g.rendering.TryLock(ctx) {
		return // the running loop picks the request up
	}
	go func() {
		for {
			g.mu.Lock()
			if !g.queued {
				g.mu.Unlock()
				g.rendering.Unlock()
				// A request may have arrived after the check
				g.mu.Lock()
				again, interactive := g.queued, g.interactive
				g.mu.Unlock()
				if again && g.ctx.Err() == nil {
					g.rerender(interactive)
				}
				return
			}
			g.queued = false
			interactive, move, size, sizeChanged := g.interactive, g.move, g.size, g.sizeChanged
			g.move, g.sizeChanged = camMove{dolly: 1}, false
			g.mu.Unlock()

			start := time.Now()
			err := g.render(interactive, move, size, sizeChanged)
			g.mu.Lock()
			g.lastTook, g.lastErr = time.Since(start), err
			g.mu.Unlock()
			if err != nil {
				pvrender.Logger().Error("render failed", "err", err)
				if g.ctx.Err() != nil {
					g.rendering.Unlock()
					return
				}
			}
		}
	}()
}

func (g *game) render(interactive bool, move camMove, size [2]int, sizeChanged bool) error {
	if sizeChanged {
		g.view.SetSize(size[0], size[1])
	}
	if move.reset {
		if err := g.view.ResetCamera(g.ctx); err != nil {
			return err
		}
	}
	cam := g.view.Camera()
	if move.yaw != 0 || move.pitch != 0 {
		cam.Orbit(move.yaw, move.pitch)
	}
	if move.dolly != 1 {
		cam.Dolly(move.dolly)
	}
	if err := g.view.Render(g.ctx, interactive); err != nil {
		return err
	}
	img := g.view.CaptureImage()
	if !img.Valid() {
		return errors.New("nothing rendered")
	}
	img.Flatten(background)

	mode := "local"
	if g.view.DistributedRendering() {
		mode = "remote"
	}
	g.mu.Lock()
	g.frame, g.frameNew = img.Color, true
	g.status = fmt.Sprintf("%s render of %d KiB", mode, g.view.GeometrySize())
	g.mu.Unlock()
	return nil
}

// wait blocks until the running render ends, at most d.
func (g *game) wait(d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if g.rendering.TryLock(ctx) {
		g.rendering.Unlock()
	}
}

// snapshot saves the last image composited by the server root.
func (g *game) snapshot() {
	img, err := g.ctl.LastImage(g.view.ID())
	if err != nil {
		pvrender.Logger().Warn("no server snapshot", "err", err)
		return
	}
	img.Flatten(background)
	path := "snapshot-" + time.Now().Format("20060102-150405") + ".png"
	f, err := os.Create(path)
	if err != nil {
		pvrender.Logger().Error("snapshot", "err", err)
		return
	}
	defer f.Close()
	if err := png.Encode(f, img.Color); err != nil {
		pvrender.Logger().Error("snapshot", "err", err)
		return
	}
	pvrender.Logger().Info("snapshot saved", "path", path)
}

func (g *game) Draw(screen *ebiten.Image) {
	g.mu.Lock()
	if g.frameNew {
		g.shown = ebiten.NewImageFromImage(g.frame)
		g.frameNew = false
	}
	took, lastErr, status := g.lastTook, g.lastErr, g.status
	g.mu.Unlock()

	screen.Fill(background)
	if g.shown != nil {
		// Reduced images are scaled up to the window
		sw, sh := screen.Bounds().Dx(), screen.Bounds().Dy()
		fw, fh := g.shown.Bounds().Dx(), g.shown.Bounds().Dy()
		op := &ebiten.DrawImageOptions{}
		op.GeoM.Scale(float64(sw)/float64(fw), float64(sh)/float64(fh))
		screen.DrawImage(g.shown, op)
	}
	g.drawUI(screen, took, lastErr, status)
}

func (g *game) drawUI(screen *ebiten.Image, took time.Duration, lastErr error, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	busy := !g.rendering.RTryLock(ctx)
	if !busy {
		g.rendering.RUnlock()
	}
	msg := fmt.Sprintf("TPS: %0.2f\nServer: %s x%d, tiles %v\n%s (%s)\nReduction: %d [+/-]\nLOD resolution: %.2f [L]\n"+
		"Reset camera [R]\nServer snapshot [S]\nRotate cam [LeftMouse]\nZoom cam [MouseWheel]",
		ebiten.ActualTPS(), g.info.Type, g.info.Ranks, g.info.Tiles.Dimensions, status, took.Round(time.Millisecond),
		g.view.StillRenderImageReductionFactor(), g.view.LODResolution())
	if busy {
		msg = "Rendering...\n" + msg
	}
	if lastErr != nil {
		msg += "\nError: " + lastErr.Error()
	}
	ebitenutil.DebugPrintAt(screen, msg, 5, 5)
}

func (g *game) Layout(outsideWidth, outsideHeight int) (int, int) {
	g.mu.Lock()
	size := [2]int{outsideWidth, outsideHeight}
	changed := g.size != size
	if changed {
		g.size, g.sizeChanged = size, true
	}
	g.mu.Unlock()
	if changed {
		g.rerender(false)
	}
	return outsideWidth, outsideHeight // Use all available pixels
}
