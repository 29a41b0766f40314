package render

import (
	"context"
	"image"
	"image/color"
	"math"
	"sort"
	"sync"

	"github.com/fogleman/fauxgl"
)

// Renderer draws its props into a normalized viewport of a Window.
type Renderer struct {
	mu         sync.RWMutex
	layer      int
	viewport   [4]float64
	draw       bool
	erase      bool
	background color.NRGBA
	camera     *Camera
	props      []Prop
	pass       Pass
	window     *Window
}

// NewRenderer returns a renderer covering the whole window on layer 0.
func NewRenderer() *Renderer {
	return &Renderer{
		viewport:   [4]float64{0, 0, 1, 1},
		draw:       true,
		erase:      true,
		background: color.NRGBA{R: 32, G: 32, B: 48, A: 255},
		camera:     NewCamera(),
	}
}

func (r *Renderer) Layer() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.layer
}

// SetLayer orders renderers in a window: lower layers are drawn first.
func (r *Renderer) SetLayer(l int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layer = l
}

// Viewport is [xmin,ymin,xmax,ymax] in [0,1], with y going up.
func (r *Renderer) Viewport() [4]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewport
}

func (r *Renderer) SetViewport(vp [4]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewport = vp
}

// Draw reports whether the window should render this renderer.
func (r *Renderer) Draw() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.draw
}

func (r *Renderer) SetDraw(d bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draw = d
}

// Erase reports whether the viewport is cleared to the background first.
func (r *Renderer) Erase() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.erase
}

func (r *Renderer) SetErase(e bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.erase = e
}

func (r *Renderer) Background() color.NRGBA {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.background
}

func (r *Renderer) SetBackground(c color.NRGBA) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.background = c
}

// Camera is shared, not copied: renderers of one view use the same camera.
func (r *Renderer) Camera() *Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.camera
}

func (r *Renderer) SetCamera(c *Camera) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.camera = c
}

func (r *Renderer) AddProp(p Prop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.props = append(r.props, p)
}

func (r *Renderer) RemoveProp(p Prop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, other := range r.props {
		if other == p {
			r.props = append(r.props[:i], r.props[i+1:]...)
			return
		}
	}
}

func (r *Renderer) Props() []Prop {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Prop(nil), r.props...)
}

// Pass returns the installed render pass, nil meaning DefaultPass.
func (r *Renderer) Pass() Pass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pass
}

func (r *Renderer) SetPass(p Pass) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pass = p
}

// Window the renderer was added to, if any.
func (r *Renderer) Window() *Window {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.window
}

func (r *Renderer) setWindow(w *Window) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = w
}

// VisiblePropBounds merges the bounds of every visible prop.
func (r *Renderer) VisiblePropBounds() Bounds {
	b := EmptyBounds()
	for _, p := range r.Props() {
		if p.Visible() {
			b = b.Merge(p.Bounds())
		}
	}
	return b
}

// TiledSizeAndOrigin returns the pixel size and bottom-left origin of the part
// of the viewport shown by this window. The window's tile viewport selects
// which part of the whole display the window shows, and its tile scale how
// many windows the whole display spans.
func (r *Renderer) TiledSizeAndOrigin() (size, origin [2]int) {
	w := r.Window()
	if w == nil {
		return
	}
	ws, ts, tv := w.Size(), w.TileScale(), w.TileViewport()
	vp := r.Viewport()
	for i := 0; i < 2; i++ {
		lo := math.Max(vp[i], tv[i])
		hi := math.Min(vp[i+2], tv[i+2])
		if hi <= lo {
			size[i], origin[i] = 0, 0
			continue
		}
		scale := float64(ws[i] * ts[i])
		origin[i] = int(math.Round((lo - tv[i]) * scale))
		size[i] = int(math.Round((hi-tv[i])*scale)) - origin[i]
	}
	return
}

// PixelRect is the window image rectangle (y down) drawn by this renderer.
func (r *Renderer) PixelRect() image.Rectangle {
	w := r.Window()
	if w == nil {
		return image.Rectangle{}
	}
	size, origin := r.TiledSizeAndOrigin()
	h := w.Size()[1]
	return image.Rect(origin[0], h-origin[1]-size[1], origin[0]+size[0], h-origin[1])
}

// DrawFrame rasterizes every visible prop into a new image of the given size.
func (r *Renderer) DrawFrame(width, height int) *RawImage {
	img := NewRawImage(width, height)
	if width <= 0 || height <= 0 {
		return img
	}
	cam := r.Camera()
	matrix := cam.Matrix(float64(width) / float64(height))
	eye := cam.Position()

	var opaque, translucent []Prop
	for _, p := range r.Props() {
		if !p.Visible() {
			continue
		}
		if p.Opacity() < 1 {
			translucent = append(translucent, p)
		} else {
			opaque = append(opaque, p)
		}
	}

	dc := fauxgl.NewContext(width, height)
	dc.ClearColorBufferWith(fauxgl.Color{})
	dc.ClearDepthBuffer()
	for _, p := range opaque {
		p.Draw(dc, matrix, eye)
	}
	copy(img.Color.Pix, dc.Image().(*image.NRGBA).Pix)
	copy(img.Depth, dc.DepthBuffer)

	// Back to front, each one blended over what is already there
	sort.SliceStable(translucent, func(i, j int) bool {
		return translucent[i].Bounds().Center().Sub(eye).Length() > translucent[j].Bounds().Center().Sub(eye).Length()
	})
	for _, p := range translucent {
		dc.ClearColorBufferWith(fauxgl.Color{})
		copy(dc.DepthBuffer, img.Depth)
		p.Draw(dc, matrix, eye)
		layer := dc.Image().(*image.NRGBA).Pix
		alpha := p.Opacity()
		for i := range img.Depth {
			if dc.DepthBuffer[i] >= img.Depth[i] {
				continue
			}
			o := i * 4
			front := color.NRGBA{R: layer[o], G: layer[o+1], B: layer[o+2], A: uint8(math.Round(float64(layer[o+3]) * alpha))}
			back := color.NRGBA{R: img.Color.Pix[o], G: img.Color.Pix[o+1], B: img.Color.Pix[o+2], A: img.Color.Pix[o+3]}
			c := Over(front, back)
			img.Color.Pix[o], img.Color.Pix[o+1], img.Color.Pix[o+2], img.Color.Pix[o+3] = c.R, c.G, c.B, c.A
		}
	}
	return img
}

// Render runs the installed pass (or DefaultPass) for this renderer.
func (r *Renderer) Render(ctx context.Context) error {
	p := r.Pass()
	if p == nil {
		p = DefaultPass
	}
	return p.Render(ctx, &State{Renderer: r, Window: r.Window()})
}
