package windows

import (
	"context"
	"fmt"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/render"
	"github.com/Yeicor/pvrender/internal/stream"
	"github.com/Yeicor/pvrender/internal/tile"
)

var fullViewport = [4]float64{0, 0, 1, 1}

// fullSize is the bounding box of every logical window. Callers hold mu.
func (r *Registry) fullSize() [2]int {
	var full [2]int
	for _, lw := range r.windows {
		for i := range full {
			if v := lw.Position[i] + lw.Size[i]; v > full[i] {
				full[i] = v
			}
		}
	}
	return full
}

// FullSize is the bounding box of every logical window.
func (r *Registry) FullSize() [2]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fullSize()
}

// layoutWindow is the native window whose tile state travels with the
// layout: the one of id, or the shared one.
func (r *Registry) layoutWindow(id int) *render.Window {
	if lw, ok := r.windows[id]; ok {
		return lw.native
	}
	return r.shared
}

// SaveWindowAndLayout serializes the layout table plus the tile state of the
// native window rendering id.
func (r *Registry) SaveWindowAndLayout(id int) *stream.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := &stream.Stream{}
	s.PushUint(uint64(len(r.windows)))
	for _, wid := range r.ids() {
		lw := r.windows[wid]
		s.PushInt(int64(wid)).
			PushInt(int64(lw.Position[0])).PushInt(int64(lw.Position[1])).
			PushInt(int64(lw.Size[0])).PushInt(int64(lw.Size[1]))
	}
	full := r.fullSize()
	s.PushInt(int64(full[0])).PushInt(int64(full[1]))

	scale, vp, rate := [2]int{1, 1}, fullViewport, 0.0
	if w := r.layoutWindow(id); w != nil {
		scale, vp, rate = w.TileScale(), w.TileViewport(), w.DesiredUpdateRate()
	}
	s.PushInt(int64(scale[0])).PushInt(int64(scale[1]))
	for _, v := range vp {
		s.PushFloat(v)
	}
	s.PushFloat(rate)
	return s
}

// LoadWindowAndLayout applies a table written by SaveWindowAndLayout. The
// number of windows must match exactly; unknown ids are logged and skipped.
func (r *Registry) LoadWindowAndLayout(s *stream.Stream, id int) error {
	rd := &stream.Reader{S: s}
	count := rd.Uint()
	if rd.Err != nil {
		return fmt.Errorf("windows: load layout: %w", rd.Err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(count) != len(r.windows) {
		return &process.FatalConfigurationError{
			Reason: fmt.Sprintf("window count mismatch: received %d, have %d", count, len(r.windows)),
		}
	}
	for i := uint64(0); i < count; i++ {
		wid := int(rd.Int())
		pos := [2]int{int(rd.Int()), int(rd.Int())}
		size := [2]int{int(rd.Int()), int(rd.Int())}
		if rd.Err != nil {
			return fmt.Errorf("windows: load layout: %w", rd.Err)
		}
		lw, ok := r.windows[wid]
		if !ok {
			logging.For("windows").Error("layout names an unknown window", "id", wid)
			continue
		}
		lw.Position, lw.Size = pos, size
	}
	_, _ = rd.Int(), rd.Int() // full size, recomputed from the table
	scale := [2]int{int(rd.Int()), int(rd.Int())}
	var vp [4]float64
	for i := range vp {
		vp[i] = rd.Float()
	}
	rate := rd.Float()
	if rd.Err != nil {
		return fmt.Errorf("windows: load layout: %w", rd.Err)
	}
	if w := r.layoutWindow(id); w != nil {
		w.SetTileScale(scale)
		w.SetTileViewport(vp)
		w.SetDesiredUpdateRate(rate)
	}
	return nil
}

// UpdateWindowLayout recomputes the viewport of every renderer from the
// layout table.
func (r *Registry) UpdateWindowLayout() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.oneAtATime {
		if lw, ok := r.windows[r.activeID]; ok {
			lw.native.SetSize(lw.Size)
			lw.native.SetTileScale([2]int{1, 1})
			lw.native.SetTileViewport(fullViewport)
			for _, ren := range lw.renderers {
				ren.SetViewport(fullViewport)
			}
			return
		}
	}

	switch r.role {
	case process.RenderServer, process.Batch:
		full := r.fullSize()
		if r.shared != nil {
			if dims, on := r.TileDisplayParameters(); on {
				cfg := r.module.TileConfig()
				r.shared.SetSize(cfg.TileWindowSize())
				r.shared.SetTileScale(dims)
				r.shared.SetTileViewport(tile.NewHelper(cfg).NormalizedTileViewport(r.module.Rank()))
			} else {
				r.shared.SetSize(full)
				r.shared.SetTileScale([2]int{1, 1})
				r.shared.SetTileViewport(fullViewport)
			}
		}
		for _, lw := range r.windows {
			vp := fullViewport
			if full[0] > 0 && full[1] > 0 {
				// Window coordinates go down, viewports go up
				vp = [4]float64{
					float64(lw.Position[0]) / float64(full[0]),
					1 - float64(lw.Position[1]+lw.Size[1])/float64(full[1]),
					float64(lw.Position[0]+lw.Size[0]) / float64(full[0]),
					1 - float64(lw.Position[1])/float64(full[1]),
				}
			}
			for _, ren := range lw.renderers {
				ren.SetViewport(vp)
			}
		}
	default:
		for _, lw := range r.windows {
			for _, ren := range lw.renderers {
				ren.SetViewport(fullViewport)
			}
		}
	}
}

func encodeID(id int) []byte {
	return comm.EncodeNumbers([]int64{int64(id)})
}

// onStartRender runs the layout handshake before any renderer draws.
func (r *Registry) onStartRender(ctx context.Context, w *render.Window) error {
	if !r.Enabled() {
		return nil
	}
	id := r.activeWindow(ctx)
	ctx, cancel := comm.WithTimeout(ctx, r.timeout)
	defer cancel()

	switch r.role {
	case process.Client:
		link := r.module.RenderServer
		if r.RenderEventPropagation() {
			if err := comm.TriggerRMI(ctx, link, comm.RemoteRank, RenderRMITag, encodeID(id)); err != nil {
				return err
			}
		}
		data, err := r.SaveWindowAndLayout(id).Bytes()
		if err != nil {
			return err
		}
		if _, err := comm.Broadcast(ctx, link, 0, data); err != nil {
			return fmt.Errorf("windows: send layout: %w", err)
		}
		r.UpdateWindowLayout()

	case process.RenderServer, process.Batch:
		p := r.module.Parallel
		if r.module.Rank() == 0 {
			if link := r.module.ClientLink; link != nil {
				if err := r.receiveLayout(ctx, link, comm.RemoteRank, id); err != nil {
					return err
				}
			}
			r.UpdateWindowLayout()
			if p != nil && p.Size() > 1 {
				if r.RenderEventPropagation() {
					if err := comm.TriggerRMIOnAllChildren(ctx, p, RenderRMITag, encodeID(id)); err != nil {
						return err
					}
				}
				data, err := r.SaveWindowAndLayout(id).Bytes()
				if err != nil {
					return err
				}
				if _, err := comm.Broadcast(ctx, p, 0, data); err != nil {
					return fmt.Errorf("windows: broadcast layout: %w", err)
				}
			}
			return nil
		}
		if err := r.receiveLayout(ctx, p, 0, id); err != nil {
			return err
		}
		r.UpdateWindowLayout()
	}
	return nil
}

func (r *Registry) receiveLayout(ctx context.Context, c comm.Controller, root, id int) error {
	data, err := comm.Broadcast(ctx, c, root, nil)
	if err != nil {
		return fmt.Errorf("windows: receive layout: %w", err)
	}
	return r.loadLayoutBytes(data, id)
}

func (r *Registry) loadLayoutBytes(data []byte, id int) error {
	s, err := stream.FromBytes(data)
	if err != nil {
		return fmt.Errorf("windows: receive layout: %w", err)
	}
	return r.LoadWindowAndLayout(s, id)
}

// onEndRender closes the frame on both sides of the client link.
func (r *Registry) onEndRender(ctx context.Context, w *render.Window) error {
	if !r.Enabled() {
		return nil
	}
	ctx, cancel := comm.WithTimeout(ctx, r.timeout)
	defer cancel()
	var link comm.Controller
	switch {
	case r.role == process.Client:
		link = r.module.RenderServer
	case r.role == process.RenderServer && r.module.Rank() == 0:
		link = r.module.ClientLink
	}
	if link == nil {
		return nil
	}
	if err := link.Barrier(ctx); err != nil {
		return fmt.Errorf("windows: end of render: %w", err)
	}
	return nil
}
