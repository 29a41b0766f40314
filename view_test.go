package pvrender

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fogleman/fauxgl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/delivery"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/render"
)

// sizedRepresentation reports a fixed geometry size and records the passes it
// took part in.
type sizedRepresentation struct {
	size uint64

	mu     sync.Mutex
	passes []RequestKind
	last   Request
}

func (r *sizedRepresentation) ProcessViewRequest(_ context.Context, kind RequestKind, req *Request) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = append(r.passes, kind)
	if kind == RequestInformation {
		req.GeometrySize += r.size
	}
	r.last = *req
	return true, nil
}

func (r *sizedRepresentation) Bounds() render.Bounds      { return render.EmptyBounds() }
func (r *sizedRepresentation) AddToView(*RenderView)      {}
func (r *sizedRepresentation) RemoveFromView(*RenderView) {}

func (r *sizedRepresentation) lastRequest() Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestSession(t *testing.T, m *process.Module, opts ...Option) *Session {
	s, err := NewSession(m, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func twoCubes() *fauxgl.Mesh {
	m := fauxgl.NewCubeForBox(fauxgl.Box{Min: fauxgl.V(-5, -1, -1), Max: fauxgl.V(-3, 1, 1)})
	m.Add(fauxgl.NewCubeForBox(fauxgl.Box{Min: fauxgl.V(3, -1, -1), Max: fauxgl.V(5, 1, 1)}))
	return m
}

func TestDecideRenderMode(t *testing.T) {
	s := viewSettings{RemoteThreshold: 30, LODThreshold: 10, OutlineThreshold: 100}
	for _, tc := range []struct {
		name        string
		size        uint64
		interactive bool
		tiles       bool
		want        renderMode
	}{
		{"small still", 5, false, false, renderMode{Distribution: delivery.Collect}},
		{"lod only interactive", 10, false, false, renderMode{Distribution: delivery.Collect}},
		{"lod threshold is inclusive", 10, true, false, renderMode{UseLOD: true, Distribution: delivery.Collect}},
		{"remote threshold is inclusive", 30, false, false, renderMode{Distributed: true, Distribution: delivery.PassThrough}},
		{"below remote threshold", 29, true, false, renderMode{UseLOD: true, Distribution: delivery.Collect}},
		{"tiles local", 5, false, true, renderMode{DeliverLOD: true, Distribution: delivery.Clone}},
		{"tiles distributed", 30, false, true, renderMode{Distributed: true, DeliverLOD: true, Distribution: delivery.CollectAndPassThrough}},
		{"tiles outline", 100, true, true, renderMode{UseLOD: true, Distributed: true, DeliverOutline: true, Distribution: delivery.CollectAndPassThrough}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decideRenderMode(s, tc.size, tc.interactive, tc.tiles))
		})
	}
}

func TestSettersClamp(t *testing.T) {
	s := newTestSession(t, &process.Module{Type: process.TypeClient})
	v, err := s.NewRenderView(0)
	require.NoError(t, err)
	v.SetStillRenderImageReductionFactor(0)
	assert.Equal(t, 1, v.StillRenderImageReductionFactor())
	v.SetStillRenderImageReductionFactor(50)
	assert.Equal(t, MaxStillRenderImageReductionFactor, v.StillRenderImageReductionFactor())
	v.SetInteractiveRenderImageReductionFactor(-3)
	assert.Equal(t, 1, v.InteractiveRenderImageReductionFactor())
	v.SetInteractiveRenderImageReductionFactor(21)
	assert.Equal(t, MaxInteractiveRenderImageReductionFactor, v.InteractiveRenderImageReductionFactor())
	v.SetLODResolution(2)
	assert.Equal(t, 1.0, v.LODResolution())
	v.SetLODResolution(-1)
	assert.Equal(t, 0.0, v.LODResolution())
}

func TestViewIDs(t *testing.T) {
	s := newTestSession(t, &process.Module{Type: process.TypeClient})
	a, err := s.NewRenderView(0)
	require.NoError(t, err)
	b, err := s.NewRenderView(0)
	require.NoError(t, err)
	assert.Equal(t, 1, a.ID())
	assert.Equal(t, 2, b.ID())
	_, err = s.NewRenderView(2)
	assert.Error(t, err)
	assert.Same(t, b, s.View(2))

	a.Close()
	a.Close()
	assert.Nil(t, s.View(1))
	assert.Nil(t, s.Registry().RenderWindow(1))
	assert.Len(t, s.Views(), 1)
}

func TestStandaloneStillRender(t *testing.T) {
	ctx := testContext(t)
	s := newTestSession(t, &process.Module{Type: process.TypeClient})
	assert.Equal(t, process.Standalone, s.Role())
	v, err := s.NewRenderView(0)
	require.NoError(t, err)
	v.SetSize(40, 30)
	geom := NewGeometryRepresentation(MeshSource{Mesh: twoCubes()})
	v.AddRepresentation(geom)

	require.NoError(t, v.ResetCamera(ctx))
	assert.Equal(t, render.Bounds{-5, 5, -1, 1, -1, 1}, v.LastComputedBounds())
	require.NoError(t, v.StillRender(ctx))

	assert.True(t, v.DistributedRendering(), "the default threshold renders everything remotely")
	assert.Greater(t, v.GeometrySize(), uint64(0))
	assert.Len(t, geom.Shown().Triangles, 24)
	img := v.CaptureImage()
	require.True(t, img.Valid())
	w, h := img.Size()
	assert.Equal(t, 40, w)
	assert.Equal(t, 30, h)
}

func TestRemoteThresholdBoundary(t *testing.T) {
	ctx := testContext(t)
	s := newTestSession(t, &process.Module{Type: process.TypeClient})
	v, err := s.NewRenderView(0)
	require.NoError(t, err)
	rep := &sizedRepresentation{size: 30}
	v.AddRepresentation(rep)

	v.SetRemoteRenderThreshold(30)
	require.NoError(t, v.StillRender(ctx))
	assert.True(t, v.DistributedRendering())
	assert.Equal(t, delivery.PassThrough, rep.lastRequest().DataDistributionMode)

	v.SetRemoteRenderThreshold(31)
	require.NoError(t, v.StillRender(ctx))
	assert.False(t, v.DistributedRendering())
	assert.Equal(t, delivery.Collect, rep.lastRequest().DataDistributionMode)
	assert.Equal(t, []RequestKind{RequestUpdate, RequestInformation, RequestPrepareForRender, RequestRender}, rep.passes[4:])

	v.RemoveRepresentation(rep)
	require.NoError(t, v.StillRender(ctx))
	assert.Len(t, rep.passes, 8)
	assert.Equal(t, uint64(0), v.GeometrySize())
}

func TestInteractiveUsesLOD(t *testing.T) {
	ctx := testContext(t)
	s := newTestSession(t, &process.Module{Type: process.TypeClient}, WithConfig(Config{
		InteractiveRenderImageReductionFactor: 4,
		LODRenderThreshold:                    1,
		LODResolution:                         0,
	}))
	v, err := s.NewRenderView(0)
	require.NoError(t, err)
	v.SetSize(16, 16)
	full := sphereMesh(t)
	geom := NewGeometryRepresentation(MeshSource{Mesh: full})
	v.AddRepresentation(geom)

	require.NoError(t, v.InteractiveRender(ctx))
	assert.Less(t, len(geom.Shown().Triangles), len(full.Triangles))
	require.NoError(t, v.StillRender(ctx))
	assert.Len(t, geom.Shown().Triangles, len(full.Triangles))
}

func TestScreenshotMode(t *testing.T) {
	group := comm.NewLocalGroup(1)
	s := newTestSession(t, &process.Module{Type: process.TypeBatch, Parallel: group[0]})
	v, err := s.NewRenderView(0)
	require.NoError(t, err)
	v.PrepareForScreenshot()
	assert.True(t, s.Registry().RenderOneViewAtATime())
	v.CleanupAfterScreenshot()
	assert.False(t, s.Registry().RenderOneViewAtATime())
}

func TestClientServerGeometrySize(t *testing.T) {
	ctx := testContext(t)
	a, b := net.Pipe()
	clientSide, serverSide := comm.NewLink(a), comm.NewLink(b)
	t.Cleanup(func() {
		_ = clientSide.Close()
		_ = serverSide.Close()
	})
	group := comm.NewLocalGroup(4)

	client := newTestSession(t, &process.Module{Type: process.TypeClient, RenderServer: clientSide})
	servers := make([]*Session, len(group))
	for r := range group {
		m := &process.Module{Type: process.TypeServer, Parallel: group[r]}
		if r == 0 {
			m.ClientLink = serverSide
		}
		servers[r] = newTestSession(t, m)
	}

	sizes := []uint64{10, 20, 5, 5, 5}
	var views []*RenderView
	for i, s := range append([]*Session{client}, servers...) {
		v, err := s.NewRenderView(0)
		require.NoError(t, err)
		v.AddRepresentation(&sizedRepresentation{size: sizes[i]})
		views = append(views, v)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(servers))
	for r, s := range servers {
		wg.Add(1)
		go func(r int, s *Session) {
			defer wg.Done()
			errs[r] = s.Serve(ctx)
		}(r, s)
	}
	views[0].SetSize(40, 30)
	views[0].SetRemoteRenderThreshold(30)
	views[0].SetStillRenderImageReductionFactor(2)
	require.NoError(t, views[0].StillRender(ctx))
	require.NoError(t, client.Shutdown(ctx))
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}

	for i, v := range views {
		assert.Equal(t, uint64(45), v.GeometrySize(), "process %d", i)
		assert.True(t, v.DistributedRendering(), "process %d", i)
		assert.Equal(t, 2, v.StillRenderImageReductionFactor(), "process %d", i)
	}
	img := views[0].CaptureImage()
	require.True(t, img.Valid())
	w, h := img.Size()
	assert.Equal(t, 20, w)
	assert.Equal(t, 15, h)
}

func TestBatchOrderedCompositing(t *testing.T) {
	ctx := testContext(t)
	group := comm.NewLocalGroup(2)
	cubes := twoCubes()
	left, right := cubes.Triangles[:12], cubes.Triangles[12:]
	// Rank 0 starts with half of the cube on the right side
	src := SourceFunc(func(_ context.Context, piece, _ int) (*fauxgl.Mesh, error) {
		if piece == 0 {
			return fauxgl.NewTriangleMesh(append(append([]*fauxgl.Triangle(nil), left...), right[:6]...)), nil
		}
		return fauxgl.NewTriangleMesh(append([]*fauxgl.Triangle(nil), right[6:]...)), nil
	})

	var geoms []*GeometryRepresentation
	var sessions []*Session
	for r := range group {
		s := newTestSession(t, &process.Module{Type: process.TypeBatch, Parallel: group[r]})
		v, err := s.NewRenderView(0)
		require.NoError(t, err)
		v.SetSize(32, 32)
		g := NewGeometryRepresentation(src)
		g.SetOpacity(0.5)
		v.AddRepresentation(g)
		geoms = append(geoms, g)
		sessions = append(sessions, s)
	}

	done := make(chan error, 1)
	go func() { done <- sessions[1].Serve(ctx) }()
	v := sessions[0].View(1)
	require.NoError(t, v.ResetCamera(ctx))
	require.NoError(t, v.StillRender(ctx))
	require.NoError(t, sessions[0].Shutdown(ctx))
	require.NoError(t, <-done)

	for r, g := range geoms {
		shown := g.Shown()
		require.NotNil(t, shown, "rank %d", r)
		assert.Len(t, shown.Triangles, 12, "rank %d", r)
		for _, tri := range shown.Triangles {
			if r == 0 {
				assert.Less(t, centroid(tri).X, 0.0)
			} else {
				assert.Greater(t, centroid(tri).X, 0.0)
			}
		}
	}
	assert.True(t, v.CaptureImage().Valid())
	assert.Equal(t, render.Bounds{-5, 5, -1, 1, -1, 1}, sessions[1].View(1).LastComputedBounds())
}
