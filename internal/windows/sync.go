package windows

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/render"
)

const (
	syncTag      = 41232
	selectionTag = 41233
)

// combineFunc merges in into acc element-wise.
type combineFunc[T comm.Number] func(acc, in []T)

// reduceFunc reduces vals over the parallel group onto rank 0.
type reduceFunc[T comm.Number] func(ctx context.Context, p comm.Controller, vals []T) ([]T, error)

func sumAll[T comm.Number](acc, in []T) {
	for i := range acc {
		acc[i] += in[i]
	}
}

// mergeBounds merges [xmin,xmax,ymin,ymax,zmin,zmax] arrays.
func mergeBounds(acc, in []float64) {
	m := render.Bounds(acc).Merge(render.Bounds(in))
	copy(acc, m[:])
}

// SynchronizeSize returns the sum of size over every process of the session.
// Sizes travel as integers so large totals stay exact.
func (r *Registry) SynchronizeSize(ctx context.Context, size uint64) (uint64, error) {
	res, err := synchronize[uint64](ctx, r, []uint64{size}, sumAll[uint64], reduceSum[uint64])
	if err != nil {
		return 0, fmt.Errorf("windows: synchronize size: %w", err)
	}
	return res[0], nil
}

// SynchronizeBounds merges b over every process of the session.
func (r *Registry) SynchronizeBounds(ctx context.Context, b render.Bounds) (render.Bounds, error) {
	res, err := synchronize[float64](ctx, r, b[:], mergeBounds, reduceBounds)
	if err != nil {
		return b, fmt.Errorf("windows: synchronize bounds: %w", err)
	}
	return render.Bounds(res), nil
}

func reduceSum[T comm.Number](ctx context.Context, p comm.Controller, vals []T) ([]T, error) {
	return comm.Reduce(ctx, p, 0, vals, comm.OpSum)
}

func reduceBounds(ctx context.Context, p comm.Controller, vals []float64) ([]float64, error) {
	b := render.Bounds(vals)
	lo, err := comm.Reduce(ctx, p, 0, b.Lows(), comm.OpMin)
	if err != nil {
		return nil, err
	}
	hi, err := comm.Reduce(ctx, p, 0, b.Highs(), comm.OpMax)
	if err != nil {
		return nil, err
	}
	res := render.BoundsFromLowsHighs(lo, hi)
	return res[:], nil
}

// synchronize reduces vals on the parallel group, exchanges the partial
// results with the client (which combines the render and data server tiers)
// and broadcasts the final value back down the parallel group.
func synchronize[T comm.Number](ctx context.Context, r *Registry, vals []T, combine combineFunc[T], reduce reduceFunc[T]) ([]T, error) {
	ctx, cancel := comm.WithTimeout(ctx, r.timeout)
	defer cancel()
	acc := append([]T(nil), vals...)
	p := r.module.Parallel
	parallel := p != nil && p.Size() > 1

	switch r.role {
	case process.Standalone:
		return acc, nil

	case process.Client:
		links := []comm.Controller{r.module.DataServer, r.module.RenderServer}
		for _, link := range links {
			if link == nil {
				continue
			}
			in, err := comm.ReceiveNumbers[T](ctx, link, comm.RemoteRank, syncTag, len(acc))
			if err != nil {
				return nil, err
			}
			combine(acc, in)
		}
		for _, link := range links {
			if link == nil {
				continue
			}
			if err := comm.SendNumbers(ctx, link, comm.RemoteRank, syncTag, acc); err != nil {
				return nil, err
			}
		}
		return acc, nil
	}

	// Batch and server groups
	if parallel {
		var err error
		if acc, err = reduce(ctx, p, acc); err != nil {
			return nil, err
		}
	}
	if link := r.module.ClientLink; link != nil {
		if err := comm.SendNumbers(ctx, link, comm.RemoteRank, syncTag, acc); err != nil {
			return nil, err
		}
		in, err := comm.ReceiveNumbers[T](ctx, link, comm.RemoteRank, syncTag, len(acc))
		if err != nil {
			return nil, err
		}
		acc = in
	}
	if parallel {
		return comm.BroadcastNumbers(ctx, p, 0, acc)
	}
	return acc, nil
}

// Selection is a set of selected elements handed from the client to the
// processes holding the data.
type Selection struct {
	XMLName xml.Name        `xml:"Selection"`
	Nodes   []SelectionNode `xml:"Node"`
}

// SelectionNode selects ids of one content/field type on one process (-1
// meaning every process).
type SelectionNode struct {
	ContentType string  `xml:"content_type,attr"`
	FieldType   string  `xml:"field_type,attr"`
	ProcessID   int     `xml:"process_id,attr"`
	IDs         []int64 `xml:"ID"`
}

// BroadcastToDataServer funnels sel from the client down to every process of
// the data server (or combined server) and returns the selection as parsed by
// this process. Pure render servers are not involved and return sel as is.
func (r *Registry) BroadcastToDataServer(ctx context.Context, sel *Selection) (*Selection, error) {
	ctx, cancel := comm.WithTimeout(ctx, r.timeout)
	defer cancel()
	var payload []byte
	switch r.role {
	case process.Standalone:
		return sel, nil
	case process.Client:
		data, err := xml.Marshal(sel)
		if err != nil {
			return nil, fmt.Errorf("windows: encode selection: %w", err)
		}
		link := r.module.DataServer
		if link == nil {
			link = r.module.RenderServer
		}
		if err := link.Send(ctx, comm.RemoteRank, selectionTag, data); err != nil {
			return nil, fmt.Errorf("windows: send selection: %w", err)
		}
		return sel, nil
	case process.RenderServer:
		if r.module.Type == process.TypeRenderServer {
			return sel, nil
		}
	case process.Batch:
		if r.module.Size() == 1 {
			return sel, nil
		}
	}

	if link := r.module.ClientLink; link != nil {
		data, err := link.Receive(ctx, comm.RemoteRank, selectionTag)
		if err != nil {
			return nil, fmt.Errorf("windows: receive selection: %w", err)
		}
		payload = data
	} else if r.module.Rank() == 0 {
		data, err := xml.Marshal(sel)
		if err != nil {
			return nil, fmt.Errorf("windows: encode selection: %w", err)
		}
		payload = data
	}
	if p := r.module.Parallel; p != nil && p.Size() > 1 {
		data, err := comm.Broadcast(ctx, p, 0, payload)
		if err != nil {
			return nil, fmt.Errorf("windows: broadcast selection: %w", err)
		}
		payload = data
	}
	res := &Selection{}
	if err := xml.Unmarshal(payload, res); err != nil {
		return nil, fmt.Errorf("windows: decode selection: %w", err)
	}
	return res, nil
}
