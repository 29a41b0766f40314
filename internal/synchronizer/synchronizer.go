// Package synchronizer makes the partial renderings of one renderer on every
// process end up as a single composited image: it swaps the renderer's pass
// for the compositing chain while distributed rendering is on.
package synchronizer

import (
	"context"
	"sync"

	"github.com/Yeicor/pvrender/internal/compositor"
	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/render"
	"github.com/Yeicor/pvrender/internal/windows"
)

// Synchronizer is attached to at most one renderer.
type Synchronizer struct {
	mu         sync.Mutex
	reg        *windows.Registry
	comp       *compositor.Compositor // nil on clients and data servers
	renderer   *render.Renderer
	previous   render.Pass // the pass the renderer had before being enabled
	enabled    bool
	processor  compositor.ImageProcessor
	reduction  int
	lastRemote *render.RawImage // image received from the server (client)
}

// New returns a disabled synchronizer. comp composites on Standalone, Batch
// and RenderServer processes and may be nil elsewhere.
func New(reg *windows.Registry, comp *compositor.Compositor) *Synchronizer {
	return &Synchronizer{reg: reg, comp: comp, reduction: 1}
}

// SetRenderer detaches from the previous renderer, restoring its pass, and
// attaches to r (which may be nil).
func (s *Synchronizer) SetRenderer(r *render.Renderer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renderer == r {
		return
	}
	if s.renderer != nil && s.enabled {
		s.renderer.SetPass(s.previous)
	}
	s.renderer = r
	if r != nil && s.enabled {
		s.previous = r.Pass()
		r.SetPass(s.pass())
	}
}

func (s *Synchronizer) Renderer() *render.Renderer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderer
}

// SetEnabled installs the compositing chain on the renderer, or restores the
// pass it had before.
func (s *Synchronizer) SetEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == on {
		return
	}
	s.enabled = on
	if s.renderer == nil {
		return
	}
	if on {
		s.previous = s.renderer.Pass()
		s.renderer.SetPass(s.pass())
	} else {
		s.renderer.SetPass(s.previous)
		s.previous = nil
	}
	logging.For("synchronizer").Debug("compositing toggled", "enabled", on, "role", s.reg.Role())
}

func (s *Synchronizer) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetImageReductionFactor is handed to the compositor. On clients it is sent
// to the server with the renderer info of every frame.
func (s *Synchronizer) SetImageReductionFactor(f int) {
	s.mu.Lock()
	s.reduction = clampReduction(f)
	comp := s.comp
	s.mu.Unlock()
	if comp != nil {
		comp.SetImageReductionFactor(f)
	}
}

func (s *Synchronizer) ImageReductionFactor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reduction
}

func clampReduction(f int) int {
	return max(1, min(f, compositor.MaxImageReductionFactor))
}

func (s *Synchronizer) SetKdTree(t *compositor.KdTree) {
	if s.comp != nil {
		s.comp.SetKdTree(t)
	}
}

func (s *Synchronizer) SetUseOrderedCompositing(on bool) {
	if s.comp != nil {
		s.comp.SetUseOrderedCompositing(on)
	}
}

func (s *Synchronizer) SetDataReplicatedOnAllProcesses(on bool) {
	if s.comp != nil {
		s.comp.SetDataReplicatedOnAllProcesses(on)
	}
}

// SetImageProcessingPass edits the composited image before it is pasted into
// the window.
func (s *Synchronizer) SetImageProcessingPass(p compositor.ImageProcessor) {
	s.mu.Lock()
	s.processor = p
	comp := s.comp
	s.mu.Unlock()
	if comp != nil {
		comp.SetImageProcessor(p)
	}
}

// ComputeVisiblePropBounds returns the bounds of the visible props of every
// process. Every process must call it.
func (s *Synchronizer) ComputeVisiblePropBounds(ctx context.Context) (render.Bounds, error) {
	b := render.EmptyBounds()
	if r := s.Renderer(); r != nil {
		b = r.VisiblePropBounds()
	}
	return s.reg.SynchronizeBounds(ctx, b)
}

// CaptureRenderedImage returns the composited image shown by this process.
// The result is invalid on processes that do not display anything, check
// Valid before reading it.
func (s *Synchronizer) CaptureRenderedImage() *render.RawImage {
	s.mu.Lock()
	enabled, comp, remote, r := s.enabled, s.comp, s.lastRemote, s.renderer
	s.mu.Unlock()

	if enabled {
		switch s.reg.Role() {
		case process.Client:
			if remote.Valid() {
				return remote.Clone()
			}
		case process.DataServer:
			return invalidImage()
		default:
			if comp != nil {
				if t := comp.LastRenderedTile(); t.Image.Valid() {
					return t.Image.Clone()
				}
			}
			return invalidImage()
		}
	}
	// Read back what the renderer left in the window
	if r == nil || r.Window() == nil {
		return invalidImage()
	}
	frame := r.Window().Image()
	if frame == nil {
		return invalidImage()
	}
	rect := r.PixelRect().Intersect(frame.Bounds())
	if rect.Empty() {
		return invalidImage()
	}
	img := render.NewRawImage(rect.Dx(), rect.Dy())
	for y := 0; y < rect.Dy(); y++ {
		src := frame.PixOffset(rect.Min.X, rect.Min.Y+y)
		dst := img.Color.PixOffset(0, y)
		copy(img.Color.Pix[dst:dst+4*rect.Dx()], frame.Pix[src:src+4*rect.Dx()])
	}
	return img
}

func invalidImage() *render.RawImage {
	img := render.NewRawImage(0, 0)
	img.Invalidate()
	return img
}
