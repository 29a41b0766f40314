// Package windows keeps the logical windows of every view consistent across
// the processes of a client / server / batch topology: which native window
// backs each view, where it sits in the layout, and which one is rendering.
package windows

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/render"
	"github.com/barkimedes/go-deepcopy"
)

// RenderRMITag asks a process to render the window whose id is the payload.
const RenderRMITag = 15002

// ErrUnknownWindow is returned for ids that were never added.
var ErrUnknownWindow = errors.New("windows: unknown window id")

// Option configures a Registry.
type Option func(r *Registry)

// WithTimeout bounds every collective call of the registry. A peer that does
// not answer in time yields a *comm.TimeoutError instead of a hang.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithRenderEventPropagation sets whether the driver triggers the render of
// the other processes (the default) or every process renders on its own.
func WithRenderEventPropagation(on bool) Option {
	return func(r *Registry) { r.propagate = on }
}

// Placement is the layout bookkeeping of one logical window, in pixels with
// y going down.
type Placement struct {
	Position [2]int
	Size     [2]int
}

type logicalWindow struct {
	native    *render.Window
	renderers []*render.Renderer // weak references, owned by the views
	Placement
}

type observerIDs struct {
	start, end int
}

// Registry is the authority over the logical windows of one process. It is
// owned by the session and handed to every view.
type Registry struct {
	mu         sync.RWMutex
	module     *process.Module
	role       process.Role
	windows    map[int]*logicalWindow
	observed   map[*render.Window]observerIDs
	shared     *render.Window
	sharedRefs int
	activeID   int
	enabled    bool
	propagate  bool
	oneAtATime bool
	timeout    time.Duration
	dispatcher *comm.Dispatcher
}

// New detects the role of the process described by m. A topology that cannot
// work is reported as a *process.FatalConfigurationError.
func New(m *process.Module, opts ...Option) (*Registry, error) {
	role, err := process.Detect(m)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		module:     m,
		role:       role,
		windows:    map[int]*logicalWindow{},
		observed:   map[*render.Window]observerIDs{},
		propagate:  true,
		dispatcher: comm.NewDispatcher(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.dispatcher.Handle(RenderRMITag, r.onRenderRMI)
	logging.For("windows").Debug("registry ready", "role", role, "rank", m.Rank(), "size", m.Size())
	return r, nil
}

// Role of this process.
func (r *Registry) Role() process.Role { return r.role }

// Module the registry was built from.
func (r *Registry) Module() *process.Module { return r.module }

// Dispatcher serves the RMIs sent to this process. Views register their own
// handlers on it.
func (r *Registry) Dispatcher() *comm.Dispatcher { return r.dispatcher }

// Timeout of collective calls, zero when unbounded.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// LocalProcessIsDriver reports whether this process calls the native render
// and shows the result.
func (r *Registry) LocalProcessIsDriver() bool {
	return process.IsDriver(r.role, r.module.Rank())
}

// Enabled reports whether the render handshakes run. They only run while
// distributed rendering is on.
func (r *Registry) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

func (r *Registry) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
}

// RenderEventPropagation reports whether the driver triggers remote renders.
func (r *Registry) RenderEventPropagation() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.propagate
}

func (r *Registry) SetRenderEventPropagation(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.propagate = on
}

// SetRenderOneViewAtATime makes the shared window show only the rendering
// view, at its own size (used for screenshots).
func (r *Registry) SetRenderOneViewAtATime(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oneAtATime = on
}

func (r *Registry) RenderOneViewAtATime() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.oneAtATime
}

// TileDisplayParameters returns the tile grid and whether tile display mode
// is on.
func (r *Registry) TileDisplayParameters() (dims [2]int, on bool) {
	return r.module.TileConfig().DisplayParameters()
}

// NewRenderWindow returns the native window a new view should use.
func (r *Registry) NewRenderWindow() *render.Window {
	switch r.role {
	case process.RenderServer, process.Batch:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.shared == nil {
			_, tiles := r.TileDisplayParameters()
			r.shared = render.NewWindow()
			r.shared.SetSwapBuffers((r.role == process.Batch && r.module.Rank() == 0) || tiles)
		}
		r.sharedRefs++
		return r.shared
	case process.DataServer:
		w := render.NewWindow(render.WithSize(1, 1))
		w.SetSwapBuffers(false)
		return w
	}
	return render.NewWindow()
}

// ReleaseRenderWindow drops a reference obtained from NewRenderWindow.
func (r *Registry) ReleaseRenderWindow(w *render.Window) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w != nil && w == r.shared {
		r.sharedRefs--
		if r.sharedRefs <= 0 {
			r.shared, r.sharedRefs = nil, 0
		}
	}
}

// SharedRefs is the number of views using the shared window.
func (r *Registry) SharedRefs() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sharedRefs
}

// AddRenderWindow registers the logical window id backed by w. Registering an
// id twice is logged and ignored.
func (r *Registry) AddRenderWindow(id int, w *render.Window) {
	if id == 0 || w == nil {
		panic("windows: AddRenderWindow needs a non-zero id and a window")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.windows[id]; ok && existing.native != nil {
		logging.For("windows").Warn("window id already registered", "id", id)
		return
	}
	r.windows[id] = &logicalWindow{native: w, Placement: Placement{Size: w.Size()}}
	if _, ok := r.observed[w]; !ok {
		r.observed[w] = observerIDs{
			start: w.AddObserver(render.StartEvent, r.onStartRender),
			end:   w.AddObserver(render.EndEvent, r.onEndRender),
		}
	}
}

// RemoveRenderWindow forgets id and unhooks its renderers from the native
// window. Observers go away with the last logical window using it.
func (r *Registry) RemoveRenderWindow(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lw, ok := r.windows[id]
	if !ok {
		return
	}
	for _, ren := range lw.renderers {
		lw.native.RemoveRenderer(ren)
	}
	delete(r.windows, id)
	for _, other := range r.windows {
		if other.native == lw.native {
			return
		}
	}
	if ids, ok := r.observed[lw.native]; ok {
		lw.native.RemoveObserver(ids.start)
		lw.native.RemoveObserver(ids.end)
		delete(r.observed, lw.native)
	}
}

// RenderWindow returns the native window of id.
func (r *Registry) RenderWindow(id int) *render.Window {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lw, ok := r.windows[id]; ok {
		return lw.native
	}
	return nil
}

// AddRenderer associates ren with id and adds it to the native window.
func (r *Registry) AddRenderer(id int, ren *render.Renderer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lw, ok := r.windows[id]
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownWindow, id)
	}
	lw.renderers = append(lw.renderers, ren)
	if ren.Window() != lw.native {
		lw.native.AddRenderer(ren)
	}
	return nil
}

// RemoveAllRenderers detaches every renderer of id.
func (r *Registry) RemoveAllRenderers(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lw, ok := r.windows[id]
	if !ok {
		return
	}
	for _, ren := range lw.renderers {
		lw.native.RemoveRenderer(ren)
	}
	lw.renderers = nil
}

// Renderers of id.
func (r *Registry) Renderers(id int) []*render.Renderer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lw, ok := r.windows[id]; ok {
		return append([]*render.Renderer(nil), lw.renderers...)
	}
	return nil
}

// SetWindowSize records the size of id. Windows that are not shared are
// resized right away.
func (r *Registry) SetWindowSize(id int, size [2]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lw, ok := r.windows[id]; ok {
		lw.Size = size
		if lw.native != r.shared {
			lw.native.SetSize(size)
		}
	}
}

func (r *Registry) SetWindowPosition(id int, pos [2]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lw, ok := r.windows[id]; ok {
		lw.Position = pos
	}
}

func (r *Registry) WindowSize(id int) [2]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lw, ok := r.windows[id]; ok {
		return lw.Size
	}
	return [2]int{}
}

func (r *Registry) WindowPosition(id int) [2]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lw, ok := r.windows[id]; ok {
		return lw.Position
	}
	return [2]int{}
}

// Layout returns a copy of every placement, by id.
func (r *Registry) Layout() map[int]Placement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make(map[int]Placement, len(r.windows))
	for id, lw := range r.windows {
		res[id] = lw.Placement
	}
	return deepcopy.MustAnything(res).(map[int]Placement)
}

// ids returns the registered ids in increasing order. Callers hold mu.
func (r *Registry) ids() []int {
	ids := make([]int, 0, len(r.windows))
	for id := range r.windows {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ActiveWindow is the id being rendered, 0 outside of Render.
func (r *Registry) ActiveWindow() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

type activeWindowKey struct{}

// activeWindow returns the id Render put in ctx, or the recorded one.
func (r *Registry) activeWindow(ctx context.Context) int {
	if id, ok := ctx.Value(activeWindowKey{}).(int); ok {
		return id
	}
	return r.ActiveWindow()
}

// Render draws the logical window id. Renderers of other logical windows
// sharing the native window are turned off for this frame.
func (r *Registry) Render(ctx context.Context, id int) error {
	r.mu.Lock()
	lw, ok := r.windows[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w %d", ErrUnknownWindow, id)
	}
	for otherID, other := range r.windows {
		if otherID == id || other.native != lw.native {
			continue
		}
		for _, ren := range other.renderers {
			ren.SetDraw(false)
		}
	}
	for _, ren := range lw.renderers {
		ren.SetDraw(true)
	}
	r.activeID = id
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.activeID = 0
		r.mu.Unlock()
	}()
	return lw.native.Render(context.WithValue(ctx, activeWindowKey{}, id))
}

func (r *Registry) onRenderRMI(ctx context.Context, payload []byte, remote int) error {
	ids, err := comm.DecodeNumbers[int64](payload, 1)
	if err != nil {
		return fmt.Errorf("windows: render rmi: %w", err)
	}
	return r.Render(ctx, int(ids[0]))
}

// ServeRMIs handles the requests of the parent process until it sends the
// break RMI. Drivers have no parent and return immediately.
func (r *Registry) ServeRMIs(ctx context.Context) error {
	switch {
	case r.module.ClientLink != nil:
		return r.dispatcher.ProcessRMIs(ctx, r.module.ClientLink, comm.RemoteRank)
	case r.module.Parallel != nil && r.module.Rank() > 0:
		return r.dispatcher.ProcessRMIs(ctx, r.module.Parallel, 0)
	}
	return nil
}

// children returns the controllers and ranks this process forwards RMIs to.
func (r *Registry) forEachChild(fn func(c comm.Controller, rank int) error) error {
	if r.role == process.Client {
		for _, link := range []comm.Controller{r.module.RenderServer, r.module.DataServer} {
			if link != nil {
				if err := fn(link, comm.RemoteRank); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if p := r.module.Parallel; p != nil && p.Rank() == 0 {
		for rank := 1; rank < p.Size(); rank++ {
			if err := fn(p, rank); err != nil {
				return err
			}
		}
	}
	return nil
}

// ForwardRMI triggers tag on every process this one drives: the server roots
// for a client, the satellites for a root.
func (r *Registry) ForwardRMI(ctx context.Context, tag int, payload []byte) error {
	return r.forEachChild(func(c comm.Controller, rank int) error {
		return comm.TriggerRMI(ctx, c, rank, tag, payload)
	})
}

// Shutdown stops the RMI loops of the processes this one drives.
func (r *Registry) Shutdown(ctx context.Context) error {
	return r.ForwardRMI(ctx, comm.BreakRMITag, nil)
}
