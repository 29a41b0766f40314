package delivery

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/fogleman/fauxgl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/process"
)

func triangles(n int) *fauxgl.Mesh {
	var tris []*fauxgl.Triangle
	for i := 0; i < n; i++ {
		x := float64(i)
		tris = append(tris, fauxgl.NewTriangleForPoints(fauxgl.V(x, 0, 0), fauxgl.V(x+1, 0, 0), fauxgl.V(x, 1, 0)))
	}
	return fauxgl.NewTriangleMesh(tris)
}

func pipe(t *testing.T) (a, b *comm.Link) {
	c1, c2 := net.Pipe()
	a, b = comm.NewLink(c1), comm.NewLink(c2)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

// peer is one process of a delivery scenario and the piece it produced.
type peer struct {
	module *process.Module
	local  *fauxgl.Mesh
}

// deliverAll runs Deliver on every peer at once and returns the triangle count
// each one ends up with.
func deliverAll(t *testing.T, mode Mode, peers []peer) []int {
	var wg sync.WaitGroup
	res := make([]int, len(peers))
	errs := make([]error, len(peers))
	for i, p := range peers {
		role, err := process.Detect(p.module)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, p peer, role process.Role) {
			defer wg.Done()
			m, err := New(p.module, role, 0).Deliver(context.Background(), mode, p.local)
			if errs[i] = err; err == nil {
				res[i] = len(m.Triangles)
			}
		}(i, p, role)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "process %d", i)
	}
	return res
}

func TestHoldsData(t *testing.T) {
	assert.True(t, HoldsData(process.Standalone, &process.Module{Type: process.TypeClient}))
	assert.True(t, HoldsData(process.Batch, &process.Module{Type: process.TypeBatch}))
	assert.True(t, HoldsData(process.RenderServer, &process.Module{Type: process.TypeServer}))
	assert.True(t, HoldsData(process.DataServer, &process.Module{Type: process.TypeDataServer}))
	assert.False(t, HoldsData(process.RenderServer, &process.Module{Type: process.TypeRenderServer}))
	assert.False(t, HoldsData(process.Client, &process.Module{Type: process.TypeClient}))
}

func TestStandaloneKeepsEverything(t *testing.T) {
	for _, mode := range []Mode{PassThrough, Collect, Clone, CollectAndPassThrough} {
		got := deliverAll(t, mode, []peer{{&process.Module{Type: process.TypeClient}, triangles(4)}})
		assert.Equal(t, []int{4}, got, mode.String())
	}
}

func TestBatch(t *testing.T) {
	for _, tc := range []struct {
		mode Mode
		want []int
	}{
		{PassThrough, []int{1, 2, 3}},
		{Collect, []int{6, 0, 0}},
		{Clone, []int{6, 6, 6}},
		{CollectAndPassThrough, []int{1, 2, 3}},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			group := comm.NewLocalGroup(3)
			var peers []peer
			for r := range group {
				peers = append(peers, peer{&process.Module{Type: process.TypeBatch, Parallel: group[r]}, triangles(r + 1)})
			}
			assert.Equal(t, tc.want, deliverAll(t, tc.mode, peers))
		})
	}
}

func TestClientServer(t *testing.T) {
	for _, tc := range []struct {
		mode Mode
		want []int // client, then server ranks
	}{
		{PassThrough, []int{0, 1, 2}},
		{Collect, []int{3, 0, 0}},
		{Clone, []int{3, 3, 3}},
		{CollectAndPassThrough, []int{3, 1, 2}},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			clientSide, serverSide := pipe(t)
			group := comm.NewLocalGroup(2)
			peers := []peer{
				// The client never produces geometry, whatever it is given
				{&process.Module{Type: process.TypeClient, RenderServer: clientSide}, triangles(7)},
				{&process.Module{Type: process.TypeServer, Parallel: group[0], ClientLink: serverSide}, triangles(1)},
				{&process.Module{Type: process.TypeServer, Parallel: group[1]}, triangles(2)},
			}
			assert.Equal(t, tc.want, deliverAll(t, tc.mode, peers))
		})
	}
}

func TestThreeTiers(t *testing.T) {
	for _, tc := range []struct {
		mode Mode
		want []int // client, data server ranks, render server ranks
	}{
		{PassThrough, []int{0, 0, 0, 3, 0}},
		{Collect, []int{3, 0, 0, 0, 0}},
		{Clone, []int{3, 0, 0, 3, 3}},
		{CollectAndPassThrough, []int{3, 0, 0, 3, 0}},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			toDS, fromClientDS := pipe(t)
			toRS, fromClientRS := pipe(t)
			ds, rs := comm.NewLocalGroup(2), comm.NewLocalGroup(2)
			peers := []peer{
				{&process.Module{Type: process.TypeClient, RenderServer: toRS, DataServer: toDS}, nil},
				{&process.Module{Type: process.TypeDataServer, Parallel: ds[0], ClientLink: fromClientDS}, triangles(1)},
				{&process.Module{Type: process.TypeDataServer, Parallel: ds[1]}, triangles(2)},
				{&process.Module{Type: process.TypeRenderServer, Parallel: rs[0], ClientLink: fromClientRS}, triangles(5)},
				{&process.Module{Type: process.TypeRenderServer, Parallel: rs[1]}, nil},
			}
			assert.Equal(t, tc.want, deliverAll(t, tc.mode, peers))
		})
	}
}

func TestNilMeshTravelsEmpty(t *testing.T) {
	data, err := EncodeMesh(nil)
	require.NoError(t, err)
	m, err := DecodeMesh(data)
	require.NoError(t, err)
	assert.Empty(t, m.Triangles)
	assert.Empty(t, m.Lines)
}

func TestRedistribute(t *testing.T) {
	group := comm.NewLocalGroup(2)
	// Both ranks start with triangles at x = 0..3, rank 0 owns x < 2
	owner := func(c fauxgl.Vector) int {
		if c.X < 2 {
			return 0
		}
		return 1
	}
	res := make([]*fauxgl.Mesh, 2)
	var wg sync.WaitGroup
	for r := range group {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			mv := New(&process.Module{Type: process.TypeBatch, Parallel: group[r]}, process.Batch, 0)
			m, err := mv.Redistribute(context.Background(), triangles(4), owner)
			assert.NoError(t, err)
			res[r] = m
		}(r)
	}
	wg.Wait()
	for r, m := range res {
		require.NotNil(t, m, "rank %d", r)
		assert.Len(t, m.Triangles, 4, "rank %d", r)
		for _, tri := range m.Triangles {
			c := tri.V1.Position.Add(tri.V2.Position).Add(tri.V3.Position).DivScalar(3)
			assert.Equal(t, r, owner(c), "rank %d", r)
		}
	}
}
