// Package render is a small software renderer: windows holding layered
// renderers, each drawing meshes through a pipeline of passes.
package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sort"
	"sync"

	"golang.org/x/image/draw"
)

// Event is a window render event.
type Event int

const (
	StartEvent Event = iota // before any renderer draws
	EndEvent                // after every renderer drew
)

// Observer is notified of a window event. Returning an error aborts the frame.
type Observer func(ctx context.Context, w *Window) error

type observer struct {
	event Event
	fn    Observer
}

// WindowOption configures a new Window.
type WindowOption func(w *Window)

// WithSize sets the initial size.
func WithSize(width, height int) WindowOption {
	return func(w *Window) { w.size = [2]int{width, height} }
}

// WithoutDoubleBuffer makes every draw directly visible.
func WithoutDoubleBuffer() WindowOption {
	return func(w *Window) { w.doubleBuffer = false }
}

// Window is a drawable surface composed of layered renderers.
type Window struct {
	mu                sync.RWMutex
	size, position    [2]int
	tileScale         [2]int
	tileViewport      [4]float64
	desiredUpdateRate float64
	swapBuffers       bool
	doubleBuffer      bool
	renderers         []*Renderer
	observers         map[int]observer
	nextObserver      int
	back, front       *image.NRGBA
	frames            int
}

// NewWindow returns a 300x300 double buffered window.
func NewWindow(opts ...WindowOption) *Window {
	w := &Window{
		size:         [2]int{300, 300},
		tileScale:    [2]int{1, 1},
		tileViewport: [4]float64{0, 0, 1, 1},
		swapBuffers:  true,
		doubleBuffer: true,
		observers:    map[int]observer{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Window) Size() [2]int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

func (w *Window) SetSize(s [2]int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.size = s
}

// Position of the window inside the whole layout, in pixels.
func (w *Window) Position() [2]int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.position
}

func (w *Window) SetPosition(p [2]int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.position = p
}

// TileScale is how many windows the whole display spans on each axis.
func (w *Window) TileScale() [2]int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tileScale
}

func (w *Window) SetTileScale(s [2]int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tileScale = s
}

// TileViewport is the part of the whole display this window shows.
func (w *Window) TileViewport() [4]float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tileViewport
}

func (w *Window) SetTileViewport(vp [4]float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tileViewport = vp
}

func (w *Window) DesiredUpdateRate() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.desiredUpdateRate
}

func (w *Window) SetDesiredUpdateRate(r float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.desiredUpdateRate = r
}

// SwapBuffers reports whether a finished frame becomes visible automatically.
func (w *Window) SwapBuffers() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.swapBuffers
}

func (w *Window) SetSwapBuffers(s bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.swapBuffers = s
}

// AddRenderer attaches r to this window.
func (w *Window) AddRenderer(r *Renderer) {
	w.mu.Lock()
	w.renderers = append(w.renderers, r)
	w.mu.Unlock()
	r.setWindow(w)
}

func (w *Window) RemoveRenderer(r *Renderer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, other := range w.renderers {
		if other == r {
			w.renderers = append(w.renderers[:i], w.renderers[i+1:]...)
			r.setWindow(nil)
			return
		}
	}
}

// Renderers in the order they were added.
func (w *Window) Renderers() []*Renderer {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*Renderer(nil), w.renderers...)
}

// AddObserver registers fn for ev and returns an id for RemoveObserver.
func (w *Window) AddObserver(ev Event, fn Observer) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextObserver++
	w.observers[w.nextObserver] = observer{event: ev, fn: fn}
	return w.nextObserver
}

func (w *Window) RemoveObserver(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.observers, id)
}

// ObserverCount counts the observers registered for ev.
func (w *Window) ObserverCount(ev Event) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for _, o := range w.observers {
		if o.event == ev {
			n++
		}
	}
	return n
}

func (w *Window) fire(ctx context.Context, ev Event) error {
	w.mu.RLock()
	ids := make([]int, 0, len(w.observers))
	for id, o := range w.observers {
		if o.event == ev {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	fns := make([]Observer, len(ids))
	for i, id := range ids {
		fns[i] = w.observers[id].fn
	}
	w.mu.RUnlock()
	for _, fn := range fns {
		if err := fn(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// Render draws a frame: start observers, every drawable renderer by layer,
// end observers, then the buffer swap.
func (w *Window) Render(ctx context.Context) error {
	if err := w.fire(ctx, StartEvent); err != nil {
		return err
	}
	w.ensureSurface()
	rs := w.Renderers()
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Layer() < rs[j].Layer() })
	for _, r := range rs {
		if !r.Draw() {
			continue
		}
		if r.Erase() {
			w.Fill(r.PixelRect(), r.Background())
		}
		if err := r.Render(ctx); err != nil {
			return fmt.Errorf("renderer on layer %d: %w", r.Layer(), err)
		}
	}
	if err := w.fire(ctx, EndEvent); err != nil {
		return err
	}
	if w.SwapBuffers() {
		w.Swap()
	}
	return nil
}

func (w *Window) ensureSurface() {
	w.mu.Lock()
	defer w.mu.Unlock()
	rect := image.Rect(0, 0, w.size[0], w.size[1])
	if w.back == nil || w.back.Bounds() != rect {
		w.back = image.NewNRGBA(rect)
	}
}

// Fill paints rect of the back buffer with c.
func (w *Window) Fill(rect image.Rectangle, c color.NRGBA) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.back == nil {
		return
	}
	draw.Draw(w.back, rect, image.NewUniform(c), image.Point{}, draw.Src)
}

// PasteOver blends img over rect of the back buffer, scaling it to fit.
func (w *Window) PasteOver(rect image.Rectangle, img image.Image) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.back == nil {
		return
	}
	PasteOver(w.back, rect, img)
}

// Swap makes the back buffer visible.
func (w *Window) Swap() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.back == nil {
		return
	}
	w.frames++
	if !w.doubleBuffer {
		w.front = w.back
		return
	}
	if w.front == nil || w.front.Bounds() != w.back.Bounds() {
		w.front = image.NewNRGBA(w.back.Bounds())
	}
	copy(w.front.Pix, w.back.Pix)
}

// Frames counts the swapped frames.
func (w *Window) Frames() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.frames
}

// Image returns a copy of the visible buffer, nil before the first swap.
func (w *Window) Image() *image.NRGBA {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.front == nil {
		return nil
	}
	res := image.NewNRGBA(w.front.Bounds())
	copy(res.Pix, w.front.Pix)
	return res
}
