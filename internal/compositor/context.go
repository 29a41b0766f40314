package compositor

import (
	"context"
	"errors"
	"image"
	"sync"

	"github.com/subchen/go-trylock/v2"

	"github.com/Yeicor/pvrender/internal/render"
)

// ErrContextBusy is returned when the compositing context could not be
// acquired before ctx ended.
var ErrContextBusy = errors.New("compositor: compositing context busy")

// Tile is the last composited image of a compositor, with where it goes in
// its window (normalized, y up).
type Tile struct {
	Image            *render.RawImage
	PhysicalViewport [4]float64
	window           *render.Window
}

// Context is the compositing context of one process. At most one compositor
// is in context at a time; the one in context receives the draw callback.
type Context struct {
	lock   trylock.TryLocker
	active *Compositor // set between SetupContext and CleanupContext

	mu    sync.Mutex
	tiles map[*Compositor]Tile
}

// NewContext returns an idle context. Every compositor of a process shares
// one.
func NewContext() *Context {
	return &Context{lock: trylock.New(), tiles: map[*Compositor]Tile{}}
}

// SetupContext puts c in context, waiting for the previous one to leave.
func (cx *Context) SetupContext(ctx context.Context, c *Compositor) error {
	if !cx.lock.TryLock(ctx) {
		return ErrContextBusy
	}
	cx.active = c
	return nil
}

// CleanupContext takes the active compositor out of context.
func (cx *Context) CleanupContext() {
	cx.active = nil
	cx.lock.Unlock()
}

// drawCallback is the draw trampoline: it renders the local share of the
// compositor currently in context.
func (cx *Context) drawCallback(width, height int) *render.RawImage {
	if cx.active == nil {
		return render.NewRawImage(width, height)
	}
	return cx.active.draw(width, height)
}

func (cx *Context) storeTile(c *Compositor, t Tile) {
	cx.mu.Lock()
	defer cx.mu.Unlock()
	cx.tiles[c] = t
}

func (cx *Context) removeTile(c *Compositor) {
	cx.mu.Lock()
	defer cx.mu.Unlock()
	delete(cx.tiles, c)
}

// flushTiles pastes back the tiles of the other compositors drawing into w,
// except where they would cover the tile just rendered by c.
func (cx *Context) flushTiles(c *Compositor, w *render.Window) {
	cx.mu.Lock()
	defer cx.mu.Unlock()
	own, hasOwn := cx.tiles[c]
	var ownRect image.Rectangle
	if hasOwn {
		ownRect = viewportRect(own.PhysicalViewport, w.Size())
	}
	for other, t := range cx.tiles {
		if other == c || t.window != w || !t.Image.Valid() {
			continue
		}
		rect := viewportRect(t.PhysicalViewport, w.Size())
		if hasOwn && rect.Overlaps(ownRect) {
			continue
		}
		w.PasteOver(rect, t.Image.Color)
	}
}

// viewportRect maps a normalized viewport (y up) to image pixels (y down).
func viewportRect(vp [4]float64, size [2]int) image.Rectangle {
	w, h := float64(size[0]), float64(size[1])
	return image.Rect(round(vp[0]*w), round((1-vp[3])*h), round(vp[2]*w), round((1-vp[1])*h))
}

func round(v float64) int {
	if v < 0 {
		return -int(-v + 0.5)
	}
	return int(v + 0.5)
}
