// Package pvrender renders the views of a client / server / batch session
// across every process of the session: each frame it decides whether to
// render remotely, at full or reduced detail, delivers the geometry to the
// processes that draw it and composites their images for display.
package pvrender

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/compositor"
	"github.com/Yeicor/pvrender/internal/delivery"
	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/stream"
	"github.com/Yeicor/pvrender/internal/tile"
	"github.com/Yeicor/pvrender/internal/windows"
)

// Commands sent by a driver to the processes it drives.
const (
	viewRenderRMITag  = 15010
	resetCameraRMITag = 15011
)

// Option configures a Session.
type Option func(s *Session)

// WithConfig replaces the default render settings.
func WithConfig(c Config) Option {
	return func(s *Session) { s.config = c.clamped() }
}

// WithTileSource overrides the tile configuration of the process module, for
// example with a tile.Watch result.
func WithTileSource(src tile.Source) Option {
	return func(s *Session) { s.tiles = src }
}

// Session is the render subsystem of one process. It owns the window
// registry and the compositing context shared by its views.
type Session struct {
	module *process.Module
	config Config
	tiles  tile.Source
	reg    *windows.Registry
	cx     *compositor.Context
	mover  *delivery.Mover

	mu     sync.Mutex
	views  map[int]*RenderView
	nextID int
}

// NewSession classifies the process described by m and prepares its registry.
// An impossible topology is returned as a *process.FatalConfigurationError.
func NewSession(m *process.Module, opts ...Option) (*Session, error) {
	s := &Session{module: m, config: DefaultConfig(), views: map[int]*RenderView{}, nextID: 1}
	for _, opt := range opts {
		opt(s)
	}
	if m != nil && s.tiles == nil && s.config.Tiles != (tile.Config{}) {
		s.tiles = tile.Static(s.config.Tiles)
	}
	if m != nil && s.tiles != nil {
		m.Tiles = s.tiles
	}
	timeout, err := s.config.Timeout()
	if err != nil {
		return nil, err
	}
	reg, err := windows.New(m, windows.WithTimeout(timeout), windows.WithRenderEventPropagation(s.config.propagation()))
	if err != nil {
		return nil, err
	}
	s.reg = reg
	s.cx = compositor.NewContext()
	s.mover = delivery.New(m, reg.Role(), timeout)
	reg.Dispatcher().Handle(viewRenderRMITag, s.onViewRender)
	reg.Dispatcher().Handle(resetCameraRMITag, s.onResetCamera)
	logging.For("pvrender").Info("session ready", "role", reg.Role(), "rank", m.Rank(), "ranks", m.Size())
	return s, nil
}

// Role of this process.
func (s *Session) Role() process.Role { return s.reg.Role() }

// Module the session was built from.
func (s *Session) Module() *process.Module { return s.module }

// Registry of the logical windows of this process.
func (s *Session) Registry() *windows.Registry { return s.reg }

// Config is the initial render settings of new views.
func (s *Session) Config() Config { return s.config }

// Mover delivers geometry between the processes of the session.
func (s *Session) Mover() *delivery.Mover { return s.mover }

// View returns the view with the given id, or nil.
func (s *Session) View(id int) *RenderView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[id]
}

// Views lists the open views by id.
func (s *Session) Views() []*RenderView {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*RenderView, 0, len(s.views))
	for _, v := range s.views {
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].id < res[j].id })
	return res
}

func (s *Session) allocateID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

func (s *Session) register(v *RenderView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[v.id] = v
}

func (s *Session) unregister(v *RenderView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, v.id)
}

// Serve runs the commands of the driving process until it shuts the session
// down, then stops the processes driven by this one. Drivers return at once.
func (s *Session) Serve(ctx context.Context) error {
	if err := s.reg.ServeRMIs(ctx); err != nil {
		return err
	}
	if s.reg.LocalProcessIsDriver() {
		return nil
	}
	return s.reg.Shutdown(ctx)
}

// Shutdown stops the Serve loops of the processes driven by this one.
func (s *Session) Shutdown(ctx context.Context) error {
	return s.reg.Shutdown(ctx)
}

// Close releases every view.
func (s *Session) Close() {
	for _, v := range s.Views() {
		v.Close()
	}
}

// forward sends a view command to the processes this one drives, when render
// event propagation is on.
func (s *Session) forward(ctx context.Context, tag int, payload []byte) error {
	if !s.reg.RenderEventPropagation() {
		return nil
	}
	ctx, cancel := comm.WithTimeout(ctx, s.reg.Timeout())
	defer cancel()
	return s.reg.ForwardRMI(ctx, tag, payload)
}

func (s *Session) viewFromPayload(rd *stream.Reader) (*RenderView, error) {
	id := int(rd.Int())
	if rd.Err != nil {
		return nil, rd.Err
	}
	v := s.View(id)
	if v == nil {
		return nil, fmt.Errorf("pvrender: %w %d", windows.ErrUnknownWindow, id)
	}
	return v, nil
}

func (s *Session) onViewRender(ctx context.Context, payload []byte, _ int) error {
	if err := s.forward(ctx, viewRenderRMITag, payload); err != nil {
		return err
	}
	st, err := stream.FromBytes(payload)
	if err != nil {
		return fmt.Errorf("pvrender: view render command: %w", err)
	}
	rd := &stream.Reader{S: st}
	v, err := s.viewFromPayload(rd)
	if err != nil {
		return err
	}
	interactive := rd.Int() != 0
	settings := decodeSettings(rd)
	if rd.Err != nil {
		return fmt.Errorf("pvrender: view render command: %w", rd.Err)
	}
	v.setSettings(settings)
	return v.render(ctx, interactive)
}

func (s *Session) onResetCamera(ctx context.Context, payload []byte, _ int) error {
	if err := s.forward(ctx, resetCameraRMITag, payload); err != nil {
		return err
	}
	st, err := stream.FromBytes(payload)
	if err != nil {
		return fmt.Errorf("pvrender: reset camera command: %w", err)
	}
	v, err := s.viewFromPayload(&stream.Reader{S: st})
	if err != nil {
		return err
	}
	return v.resetCamera(ctx)
}
