package pvrender

import (
	"context"
	"fmt"
	"image/color"
	"sync"

	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"
	"github.com/fogleman/fauxgl"

	"github.com/Yeicor/pvrender/internal/delivery"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/render"
)

// Source produces the piece of a dataset held by one process, out of pieces.
type Source interface {
	Piece(ctx context.Context, piece, pieces int) (*fauxgl.Mesh, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, piece, pieces int) (*fauxgl.Mesh, error)

func (f SourceFunc) Piece(ctx context.Context, piece, pieces int) (*fauxgl.Mesh, error) {
	return f(ctx, piece, pieces)
}

// MeshSource splits a fixed mesh in slabs along X, by triangle centroid.
type MeshSource struct {
	Mesh *fauxgl.Mesh
}

func (s MeshSource) Piece(_ context.Context, piece, pieces int) (*fauxgl.Mesh, error) {
	return slab(s.Mesh, piece, pieces), nil
}

// SDFSource triangulates an SDF once and splits the result like MeshSource.
type SDFSource struct {
	SDF           sdf.SDF3
	Cells         int     // marching cubes resolution, 100 when zero
	SmoothRadians float64 // normal smoothing threshold

	once sync.Once
	mesh *fauxgl.Mesh
}

func (s *SDFSource) Piece(ctx context.Context, piece, pieces int) (*fauxgl.Mesh, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.once.Do(func() {
		cells := s.Cells
		if cells <= 0 {
			cells = 100
		}
		s.mesh = MeshFromSDF(s.SDF, cells, s.SmoothRadians)
	})
	return slab(s.mesh, piece, pieces), nil
}

func slab(m *fauxgl.Mesh, piece, pieces int) *fauxgl.Mesh {
	if m == nil || pieces <= 1 {
		return m
	}
	box := m.BoundingBox()
	width := (box.Max.X - box.Min.X) / float64(pieces)
	var res []*fauxgl.Triangle
	for _, t := range m.Triangles {
		i := pieces - 1
		if width > 0 {
			i = min(int((centroid(t).X-box.Min.X)/width), pieces-1)
		}
		if i == piece {
			res = append(res, t)
		}
	}
	return fauxgl.NewTriangleMesh(res)
}

// GeometryRepresentation shows the triangles of a Source. Every process that
// holds data produces its own piece; the view decides where it is rendered.
type GeometryRepresentation struct {
	source Source
	prop   *render.MeshProp

	mu      sync.Mutex
	view    *RenderView
	dirty   bool
	local   *fauxgl.Mesh
	size    uint64 // KiB
	bounds  render.Bounds
	lod     *fauxgl.Mesh
	lodRes  float64
	opacity float64
	shown   *fauxgl.Mesh
}

// NewGeometryRepresentation shows src, opaque and light gray.
func NewGeometryRepresentation(src Source) *GeometryRepresentation {
	return &GeometryRepresentation{
		source:  src,
		prop:    render.NewMeshProp(nil),
		dirty:   true,
		bounds:  render.EmptyBounds(),
		opacity: 1,
	}
}

// Prop is the drawn prop, for color and visibility settings.
func (g *GeometryRepresentation) Prop() *render.MeshProp { return g.prop }

func (g *GeometryRepresentation) SetColor(c color.NRGBA) { g.prop.SetColor(c) }

func (g *GeometryRepresentation) SetVisible(v bool) { g.prop.SetVisible(v) }

// SetOpacity below 1 asks for ordered compositing.
func (g *GeometryRepresentation) SetOpacity(o float64) {
	o = max(0, min(o, 1))
	g.mu.Lock()
	g.opacity = o
	g.mu.Unlock()
	g.prop.SetOpacity(o)
}

// MarkModified makes the next update read the source again.
func (g *GeometryRepresentation) MarkModified() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty = true
}

// Shown is the geometry drawn by this process in the last render.
func (g *GeometryRepresentation) Shown() *fauxgl.Mesh {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shown
}

func (g *GeometryRepresentation) AddToView(v *RenderView) {
	g.mu.Lock()
	g.view = v
	g.mu.Unlock()
	v.Renderer().AddProp(g.prop)
}

func (g *GeometryRepresentation) RemoveFromView(v *RenderView) {
	v.Renderer().RemoveProp(g.prop)
	g.mu.Lock()
	if g.view == v {
		g.view = nil
	}
	g.mu.Unlock()
}

// Bounds of the piece held by this process.
func (g *GeometryRepresentation) Bounds() render.Bounds {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bounds
}

func (g *GeometryRepresentation) ProcessViewRequest(ctx context.Context, kind RequestKind, req *Request) (bool, error) {
	g.mu.Lock()
	v := g.view
	g.mu.Unlock()
	if v == nil {
		return false, nil
	}
	switch kind {
	case RequestUpdate:
		return true, g.update(ctx, v.Session())
	case RequestInformation:
		g.mu.Lock()
		defer g.mu.Unlock()
		req.GeometrySize += g.size
		req.RedistributableDataProducer = true
		if g.opacity < 1 {
			req.NeedOrderedCompositing = true
		}
		return true, nil
	case RequestPrepareForRender:
		return true, g.prepare(ctx, v.Session(), req)
	case RequestRender:
		return true, g.redistribute(ctx, v.Session(), req)
	}
	return false, nil
}

func (g *GeometryRepresentation) update(ctx context.Context, s *Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.dirty {
		return nil
	}
	var local *fauxgl.Mesh
	if delivery.HoldsData(s.Role(), s.Module()) {
		var err error
		if local, err = g.source.Piece(ctx, s.Module().Rank(), s.Module().Size()); err != nil {
			return fmt.Errorf("geometry source: %w", err)
		}
	}
	if local == nil {
		local = fauxgl.NewEmptyMesh()
	}
	g.local, g.lod, g.dirty = local, nil, false
	g.size = SizeKiB(ApproximateSize(local))
	g.bounds = meshBounds(local)
	return nil
}

func meshBounds(m *fauxgl.Mesh) render.Bounds {
	if m == nil || len(m.Triangles) == 0 && len(m.Lines) == 0 {
		return render.EmptyBounds()
	}
	return render.BoundsFromFauxgl(m.BoundingBox())
}

// lodMesh is the decimated local piece, cached per resolution. Callers hold mu.
func (g *GeometryRepresentation) lodMesh(res float64) *fauxgl.Mesh {
	if g.lod == nil || g.lodRes != res {
		g.lod = Decimate(g.local, int(150*res)+10)
		g.lodRes = res
	}
	return g.lod
}

func (g *GeometryRepresentation) prepare(ctx context.Context, s *Session, req *Request) error {
	g.mu.Lock()
	geometry := g.local
	if req.UseLOD {
		geometry = g.lodMesh(req.LODResolution)
	}
	// A tiled display client draws a lighter version of what the servers render
	var forClient *fauxgl.Mesh
	reduced := req.DeliverOutlineToClient || req.DeliverLODToClient
	if reduced {
		if req.DeliverOutlineToClient {
			forClient = Outline(g.local)
		} else {
			forClient = g.lodMesh(req.LODResolution)
		}
	}
	g.mu.Unlock()

	mv := s.Mover()
	var shown *fauxgl.Mesh
	var err error
	if reduced && req.DataDistributionMode == delivery.CollectAndPassThrough && hasClient(s.Role()) {
		servers, err := mv.Deliver(ctx, delivery.PassThrough, geometry)
		if err != nil {
			return err
		}
		client, err := mv.Deliver(ctx, delivery.Collect, forClient)
		if err != nil {
			return err
		}
		shown = servers
		if s.Role() == process.Client {
			shown = client
		}
	} else if shown, err = mv.Deliver(ctx, req.DataDistributionMode, geometry); err != nil {
		return err
	}

	g.mu.Lock()
	g.shown = shown
	g.mu.Unlock()
	g.prop.SetMesh(shown)
	req.ProducerBounds = req.ProducerBounds.Merge(meshBounds(shown))
	return nil
}

func hasClient(role process.Role) bool {
	switch role {
	case process.Client, process.DataServer, process.RenderServer:
		return true
	}
	return false
}

// redistribute moves the triangles to the rank owning their region of the
// kd-tree, so that every rank renders a convex region for ordered compositing.
func (g *GeometryRepresentation) redistribute(ctx context.Context, s *Session, req *Request) error {
	if req.KdTree == nil {
		return nil
	}
	switch s.Role() {
	case process.Batch, process.RenderServer:
	default:
		return nil
	}
	tree := req.KdTree
	owner := func(c fauxgl.Vector) int { return tree.Owner(v3.Vec{X: c.X, Y: c.Y, Z: c.Z}) }
	m, err := s.Mover().Redistribute(ctx, g.Shown(), owner)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.shown = m
	g.mu.Unlock()
	g.prop.SetMesh(m)
	return nil
}
