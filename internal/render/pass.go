package render

import (
	"context"
	"fmt"
)

// State is what a Pass works on.
type State struct {
	Renderer *Renderer
	Window   *Window
}

// Pass is one step of a renderer's frame. Passes are composed by nesting
// (a pass holding a delegate) or sequencing (Pipeline).
type Pass interface {
	Render(ctx context.Context, s *State) error
}

// PassFunc adapts a function to a Pass.
type PassFunc func(ctx context.Context, s *State) error

func (f PassFunc) Render(ctx context.Context, s *State) error { return f(ctx, s) }

// Pipeline runs passes in order and stops at the first error.
type Pipeline []Pass

func (p Pipeline) Render(ctx context.Context, s *State) error {
	for i, pass := range p {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := pass.Render(ctx, s); err != nil {
			return fmt.Errorf("pass %d: %w", i, err)
		}
	}
	return nil
}

// DefaultPass draws the renderer's props and pastes them over its viewport.
var DefaultPass Pass = PassFunc(func(ctx context.Context, s *State) error {
	if s.Window == nil {
		return nil
	}
	rect := s.Renderer.PixelRect()
	if rect.Empty() {
		return nil
	}
	img := s.Renderer.DrawFrame(rect.Dx(), rect.Dy())
	s.Window.PasteOver(rect, img.Color)
	return nil
})
