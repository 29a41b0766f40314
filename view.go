package pvrender

import (
	"context"
	"fmt"
	"sync"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/compositor"
	"github.com/Yeicor/pvrender/internal/delivery"
	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/render"
	"github.com/Yeicor/pvrender/internal/stream"
	"github.com/Yeicor/pvrender/internal/synchronizer"
	"github.com/Yeicor/pvrender/internal/windows"
)

// viewSettings travel with every render command so that the driven processes
// take the same decisions as the driver.
type viewSettings struct {
	StillReduction       int
	InteractiveReduction int
	RemoteThreshold      float64
	LODThreshold         float64
	OutlineThreshold     float64
	LODResolution        float64
}

func settingsFromConfig(c Config) viewSettings {
	c = c.clamped()
	return viewSettings{
		StillReduction:       c.StillRenderImageReductionFactor,
		InteractiveReduction: c.InteractiveRenderImageReductionFactor,
		RemoteThreshold:      c.RemoteRenderThreshold,
		LODThreshold:         c.LODRenderThreshold,
		OutlineThreshold:     c.ClientOutlineThreshold,
		LODResolution:        c.LODResolution,
	}
}

func (s viewSettings) encode(st *stream.Stream) {
	st.PushInt(int64(s.StillReduction)).
		PushInt(int64(s.InteractiveReduction)).
		PushFloat(s.RemoteThreshold).
		PushFloat(s.LODThreshold).
		PushFloat(s.OutlineThreshold).
		PushFloat(s.LODResolution)
}

func decodeSettings(rd *stream.Reader) viewSettings {
	return viewSettings{
		StillReduction:       int(rd.Int()),
		InteractiveReduction: int(rd.Int()),
		RemoteThreshold:      rd.Float(),
		LODThreshold:         rd.Float(),
		OutlineThreshold:     rd.Float(),
		LODResolution:        rd.Float(),
	}
}

// renderMode is what one frame does with the geometry of the view.
type renderMode struct {
	UseLOD         bool
	Distributed    bool
	DeliverOutline bool // tile display mode only
	DeliverLOD     bool // tile display mode only
	Distribution   delivery.Mode
}

// decideRenderMode picks the render mode from the total geometry size, in
// KiB. Every threshold is inclusive.
func decideRenderMode(s viewSettings, size uint64, interactive, tiles bool) renderMode {
	total := float64(size)
	m := renderMode{
		UseLOD:      interactive && s.LODThreshold <= total,
		Distributed: s.RemoteThreshold <= total,
	}
	if tiles {
		m.DeliverOutline = s.OutlineThreshold <= total
		m.DeliverLOD = !m.DeliverOutline
	}
	switch {
	case m.Distributed && tiles:
		m.Distribution = delivery.CollectAndPassThrough
	case m.Distributed:
		m.Distribution = delivery.PassThrough
	case tiles:
		m.Distribution = delivery.Clone
	default:
		m.Distribution = delivery.Collect
	}
	return m
}

// RenderView is a 3D view rendered by every process of the session. Geometry
// is rendered where it lives when it is large, or moved to the driver when it
// is small enough to render locally.
type RenderView struct {
	id      int
	session *Session
	reg     *windows.Registry
	window  *render.Window

	renderer      *render.Renderer
	nonComposited *render.Renderer
	comp          *compositor.Compositor // nil where nothing is composited
	sync          *synchronizer.Synchronizer
	ordered       bool

	mu           sync.Mutex
	settings     viewSettings
	reprs        []Representation
	geometrySize uint64
	lastBounds   render.Bounds
	lastMode     renderMode
	closed       bool
}

// NewRenderView creates the view id on this process, or the next free id when
// id is 0. Every process of the session must create the same views in the
// same order.
func (s *Session) NewRenderView(id int) (*RenderView, error) {
	if id == 0 {
		id = s.allocateID()
	} else if s.View(id) != nil {
		return nil, fmt.Errorf("pvrender: view %d already exists", id)
	}
	v := &RenderView{
		id:         id,
		session:    s,
		reg:        s.reg,
		window:     s.reg.NewRenderWindow(),
		renderer:   render.NewRenderer(),
		settings:   settingsFromConfig(s.config),
		lastBounds: render.EmptyBounds(),
	}

	// 2D annotations are drawn on top of the composited image and share its camera
	v.nonComposited = render.NewRenderer()
	v.nonComposited.SetErase(false)
	v.nonComposited.SetLayer(2)
	v.nonComposited.SetCamera(v.renderer.Camera())

	s.reg.AddRenderWindow(id, v.window)
	for _, ren := range []*render.Renderer{v.renderer, v.nonComposited} {
		if err := s.reg.AddRenderer(id, ren); err != nil {
			return nil, err
		}
	}

	switch s.reg.Role() {
	case process.Standalone, process.Batch, process.RenderServer:
		v.comp = compositor.New(s.cx, s.module.Parallel)
	}
	v.sync = synchronizer.New(s.reg, v.comp)
	v.sync.SetRenderer(v.renderer)

	switch s.reg.Role() {
	case process.Batch, process.RenderServer:
		v.ordered = s.module.Size() > 1
	}
	v.sync.SetUseOrderedCompositing(v.ordered)

	s.register(v)
	logging.For("pvrender").Debug("view created", "view", id, "role", s.reg.Role())
	return v, nil
}

// ID of the view, the same on every process.
func (v *RenderView) ID() int { return v.id }

// Session the view belongs to.
func (v *RenderView) Session() *Session { return v.session }

// Renderer draws the composited props of the view.
func (v *RenderView) Renderer() *render.Renderer { return v.renderer }

// NonCompositedRenderer draws on top of the composited image, on every
// process that displays it.
func (v *RenderView) NonCompositedRenderer() *render.Renderer { return v.nonComposited }

// Camera of the view.
func (v *RenderView) Camera() *render.Camera { return v.renderer.Camera() }

// Window is the native window the view renders into. It may be shared with
// other views.
func (v *RenderView) Window() *render.Window { return v.window }

// SetPosition places the view on the (possibly shared) window.
func (v *RenderView) SetPosition(x, y int) {
	v.reg.SetWindowPosition(v.id, [2]int{x, y})
}

func (v *RenderView) SetSize(width, height int) {
	v.reg.SetWindowSize(v.id, [2]int{width, height})
}

// AddRepresentation shows r in this view.
func (v *RenderView) AddRepresentation(r Representation) {
	v.mu.Lock()
	v.reprs = append(v.reprs, r)
	v.mu.Unlock()
	r.AddToView(v)
}

func (v *RenderView) RemoveRepresentation(r Representation) {
	v.mu.Lock()
	found := false
	for i, other := range v.reprs {
		if other == r {
			v.reprs = append(v.reprs[:i], v.reprs[i+1:]...)
			found = true
			break
		}
	}
	v.mu.Unlock()
	if found {
		r.RemoveFromView(v)
	}
}

func (v *RenderView) representations() []Representation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Representation(nil), v.reprs...)
}

// SetStillRenderImageReductionFactor sets the reduction of still renders,
// clamped to [1,20].
func (v *RenderView) SetStillRenderImageReductionFactor(f int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settings.StillReduction = clampInt(f, 1, MaxStillRenderImageReductionFactor)
}

func (v *RenderView) StillRenderImageReductionFactor() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.settings.StillReduction
}

// SetInteractiveRenderImageReductionFactor sets the reduction of interactive
// renders, clamped to [1,20].
func (v *RenderView) SetInteractiveRenderImageReductionFactor(f int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settings.InteractiveReduction = clampInt(f, 1, MaxInteractiveRenderImageReductionFactor)
}

func (v *RenderView) InteractiveRenderImageReductionFactor() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.settings.InteractiveReduction
}

// SetRemoteRenderThreshold is the geometry size, in KiB, from which the view
// renders where the data lives.
func (v *RenderView) SetRemoteRenderThreshold(kib float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settings.RemoteThreshold = kib
}

// SetLODRenderThreshold is the geometry size, in KiB, from which interactive
// renders use the reduced geometry.
func (v *RenderView) SetLODRenderThreshold(kib float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settings.LODThreshold = kib
}

// SetClientOutlineThreshold is the geometry size, in KiB, from which a tiled
// display client only receives outlines.
func (v *RenderView) SetClientOutlineThreshold(kib float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settings.OutlineThreshold = kib
}

// SetLODResolution sets the detail of the reduced geometry, clamped to [0,1].
func (v *RenderView) SetLODResolution(res float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settings.LODResolution = max(0, min(res, 1))
}

func (v *RenderView) LODResolution() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.settings.LODResolution
}

func (v *RenderView) currentSettings() viewSettings {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.settings
}

func (v *RenderView) setSettings(s viewSettings) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settings = s
}

// InTileDisplayMode reports whether the server drives a display wall.
func (v *RenderView) InTileDisplayMode() bool {
	_, on := v.reg.TileDisplayParameters()
	return on
}

// GeometrySize is the size of the geometry of every process, in KiB, as of
// the last render.
func (v *RenderView) GeometrySize() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.geometrySize
}

// LastComputedBounds are the bounds of the visible geometry of every process
// as of the last still render or camera reset.
func (v *RenderView) LastComputedBounds() render.Bounds {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastBounds
}

// DistributedRendering reports whether the last render was distributed.
func (v *RenderView) DistributedRendering() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastMode.Distributed
}

// CaptureImage returns the last image shown by this process. It is invalid on
// processes that display nothing.
func (v *RenderView) CaptureImage() *render.RawImage {
	return v.sync.CaptureRenderedImage()
}

// SetImageProcessor edits every composited image before it is displayed.
func (v *RenderView) SetImageProcessor(p compositor.ImageProcessor) {
	v.sync.SetImageProcessingPass(p)
}

// StillRender renders at full detail.
func (v *RenderView) StillRender(ctx context.Context) error {
	return v.Render(ctx, false)
}

// InteractiveRender renders fast, for camera interaction.
func (v *RenderView) InteractiveRender(ctx context.Context) error {
	return v.Render(ctx, true)
}

// Render renders the view. The processes driven by this one render too when
// render event propagation is on; otherwise every process must call Render.
func (v *RenderView) Render(ctx context.Context, interactive bool) error {
	st := &stream.Stream{}
	st.PushInt(int64(v.id))
	if interactive {
		st.PushInt(1)
	} else {
		st.PushInt(0)
	}
	v.currentSettings().encode(st)
	payload, err := st.Bytes()
	if err != nil {
		return err
	}
	if err := v.session.forward(ctx, viewRenderRMITag, payload); err != nil {
		return fmt.Errorf("pvrender: trigger render of view %d: %w", v.id, err)
	}
	return v.render(ctx, interactive)
}

func (v *RenderView) processRequest(ctx context.Context, kind RequestKind, req *Request) error {
	for _, r := range v.representations() {
		if _, err := r.ProcessViewRequest(ctx, kind, req); err != nil {
			return fmt.Errorf("pvrender: %s pass of view %d: %w", kind, v.id, err)
		}
	}
	return nil
}

func (v *RenderView) render(ctx context.Context, interactive bool) error {
	settings := v.currentSettings()
	req := &Request{
		Interactive:    interactive,
		LODResolution:  settings.LODResolution,
		ProducerBounds: render.EmptyBounds(),
	}
	if err := v.processRequest(ctx, RequestUpdate, req); err != nil {
		return err
	}
	if err := v.processRequest(ctx, RequestInformation, req); err != nil {
		return err
	}
	size, err := v.reg.SynchronizeSize(ctx, req.GeometrySize)
	if err != nil {
		return err
	}

	dims, tiles := v.reg.TileDisplayParameters()
	mode := decideRenderMode(settings, size, interactive, tiles)
	v.mu.Lock()
	v.geometrySize = size
	v.lastMode = mode
	v.mu.Unlock()
	logging.For("pvrender").Debug("render mode", "view", v.id, "size", size, "interactive", interactive,
		"distributed", mode.Distributed, "lod", mode.UseLOD, "distribution", mode.Distribution)

	v.sync.SetEnabled(mode.Distributed)
	v.reg.SetEnabled(mode.Distributed)

	req.UseLOD = mode.UseLOD
	req.DistributedRendering = mode.Distributed
	req.DataDistributionMode = mode.Distribution
	req.DeliverLODToClient = mode.DeliverLOD
	req.DeliverOutlineToClient = mode.DeliverOutline
	if err := v.processRequest(ctx, RequestPrepareForRender, req); err != nil {
		return err
	}

	tree, err := v.kdTree(ctx, mode.Distributed, req)
	if err != nil {
		return err
	}
	req.KdTree = tree
	v.sync.SetKdTree(tree)
	if err := v.processRequest(ctx, RequestRender, req); err != nil {
		return err
	}

	v.sync.SetDataReplicatedOnAllProcesses(mode.Distribution == delivery.Clone)
	if v.comp != nil {
		v.comp.SetTileDimensions(dims)
		v.comp.SetTileMullions(v.session.module.TileConfig().Mullions)
	}
	if interactive {
		v.sync.SetImageReductionFactor(settings.InteractiveReduction)
	} else {
		v.sync.SetImageReductionFactor(settings.StillReduction)
		b, err := v.sync.ComputeVisiblePropBounds(ctx)
		if err != nil {
			return err
		}
		v.mu.Lock()
		v.lastBounds = b
		v.mu.Unlock()
		v.renderer.Camera().ResetClippingRange(b)
	}

	if v.reg.LocalProcessIsDriver() || (!v.reg.RenderEventPropagation() && mode.Distributed) {
		return v.reg.Render(ctx, v.id)
	}
	return nil
}

// kdTree partitions the parallel group for ordered compositing, when some
// representation of any rank asks for it.
func (v *RenderView) kdTree(ctx context.Context, distributed bool, req *Request) (*compositor.KdTree, error) {
	if !v.ordered || !distributed {
		return nil, nil
	}
	p := v.session.module.Parallel
	ctx, cancel := comm.WithTimeout(ctx, v.reg.Timeout())
	defer cancel()

	need := []int64{0}
	if req.NeedOrderedCompositing {
		need[0] = 1
	}
	need, err := comm.AllReduce(ctx, p, need, comm.OpMax)
	if err != nil {
		return nil, fmt.Errorf("pvrender: ordered compositing: %w", err)
	}
	if need[0] == 0 {
		return nil, nil
	}
	b := req.ProducerBounds
	parts, err := comm.AllGather(ctx, p, comm.EncodeNumbers(b[:]))
	if err != nil {
		return nil, fmt.Errorf("pvrender: gather producer bounds: %w", err)
	}
	bounds := make([]render.Bounds, len(parts))
	for r, part := range parts {
		vals, err := comm.DecodeNumbers[float64](part, 6)
		if err != nil {
			return nil, fmt.Errorf("pvrender: bounds of rank %d: %w", r, err)
		}
		copy(bounds[r][:], vals)
	}
	return compositor.BuildKdTree(bounds), nil
}

// ResetCamera frames the data of every process. The processes driven by this
// one reset their camera too.
func (v *RenderView) ResetCamera(ctx context.Context) error {
	payload, err := (&stream.Stream{}).PushInt(int64(v.id)).Bytes()
	if err != nil {
		return err
	}
	if err := v.session.forward(ctx, resetCameraRMITag, payload); err != nil {
		return fmt.Errorf("pvrender: trigger camera reset of view %d: %w", v.id, err)
	}
	return v.resetCamera(ctx)
}

func (v *RenderView) resetCamera(ctx context.Context) error {
	req := &Request{ProducerBounds: render.EmptyBounds()}
	if err := v.processRequest(ctx, RequestUpdate, req); err != nil {
		return err
	}
	b := render.EmptyBounds()
	for _, r := range v.representations() {
		b = b.Merge(r.Bounds())
	}
	b, err := v.reg.SynchronizeBounds(ctx, b)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.lastBounds = b
	v.mu.Unlock()
	v.renderer.Camera().Reset(b)
	return nil
}

// PrepareForScreenshot makes the next renders draw this view alone on the
// shared window, at its own size.
func (v *RenderView) PrepareForScreenshot() {
	if !v.InTileDisplayMode() {
		v.reg.SetRenderOneViewAtATime(true)
	}
}

func (v *RenderView) CleanupAfterScreenshot() {
	if !v.InTileDisplayMode() {
		v.reg.SetRenderOneViewAtATime(false)
	}
}

// Close removes the representations and releases the window of the view.
func (v *RenderView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	reprs := v.reprs
	v.reprs = nil
	v.mu.Unlock()

	for _, r := range reprs {
		r.RemoveFromView(v)
	}
	v.reg.RemoveAllRenderers(v.id)
	v.reg.RemoveRenderWindow(v.id)
	v.reg.ReleaseRenderWindow(v.window)
	v.sync.SetRenderer(nil)
	if v.comp != nil {
		v.comp.Release()
	}
	v.session.unregister(v)
}
