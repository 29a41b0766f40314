package windows

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/render"
	"github.com/Yeicor/pvrender/internal/tile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linkPair connects two processes over an in-memory socket.
func linkPair(t *testing.T) (*comm.Link, *comm.Link) {
	a, b := net.Pipe()
	la, lb := comm.NewLink(a), comm.NewLink(b)
	t.Cleanup(func() {
		_ = la.Close()
		_ = lb.Close()
	})
	return la, lb
}

// serverModules builds n ranks of a server whose root is linked to client.
func serverModules(typ process.Type, n int, clientSide *comm.Link) []*process.Module {
	group := comm.NewLocalGroup(n)
	res := make([]*process.Module, n)
	for i := range res {
		res[i] = &process.Module{Type: typ, Parallel: group[i]}
	}
	res[0].ClientLink = clientSide
	return res
}

func batchModules(n int, tiles tile.Source) []*process.Module {
	group := comm.NewLocalGroup(n)
	res := make([]*process.Module, n)
	for i := range res {
		res[i] = &process.Module{Type: process.TypeBatch, Parallel: group[i], Tiles: tiles}
	}
	return res
}

func newRegistry(t *testing.T, m *process.Module, opts ...Option) *Registry {
	r, err := New(m, opts...)
	require.NoError(t, err)
	return r
}

// runAll runs fn once per registry, concurrently, and waits for all of them.
func runAll(t *testing.T, regs []*Registry, fn func(i int, r *Registry) error) {
	var wg sync.WaitGroup
	errs := make([]error, len(regs))
	for i, r := range regs {
		wg.Add(1)
		go func(i int, r *Registry) {
			defer wg.Done()
			errs[i] = fn(i, r)
		}(i, r)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "process %d", i)
	}
}

// addView registers a logical window with one renderer.
func addView(t *testing.T, r *Registry, id int, pos, size [2]int) *render.Renderer {
	r.AddRenderWindow(id, r.NewRenderWindow())
	ren := render.NewRenderer()
	require.NoError(t, r.AddRenderer(id, ren))
	r.SetWindowPosition(id, pos)
	r.SetWindowSize(id, size)
	return ren
}

func TestNewFatal(t *testing.T) {
	_, err := New(nil)
	var fatal *process.FatalConfigurationError
	assert.ErrorAs(t, err, &fatal)
}

func TestClientLayoutIsFullViewport(t *testing.T) {
	c, _ := linkPair(t)
	r := newRegistry(t, &process.Module{Type: process.TypeClient, RenderServer: c})
	require.Equal(t, process.Client, r.Role())
	a := addView(t, r, 1, [2]int{0, 0}, [2]int{100, 100})
	b := addView(t, r, 2, [2]int{250, 30}, [2]int{10, 400})
	r.UpdateWindowLayout()
	assert.Equal(t, [4]float64{0, 0, 1, 1}, a.Viewport())
	assert.Equal(t, [4]float64{0, 0, 1, 1}, b.Viewport())
	assert.NotSame(t, r.RenderWindow(1), r.RenderWindow(2))
}

func TestSharedWindowPartition(t *testing.T) {
	r := newRegistry(t, &process.Module{Type: process.TypeBatch})
	top := addView(t, r, 1, [2]int{0, 0}, [2]int{200, 50})
	bottomLeft := addView(t, r, 2, [2]int{0, 50}, [2]int{100, 150})
	bottomRight := addView(t, r, 3, [2]int{100, 50}, [2]int{100, 150})
	assert.Same(t, r.RenderWindow(1), r.RenderWindow(3))
	assert.Equal(t, 3, r.SharedRefs())

	r.UpdateWindowLayout()
	assert.Equal(t, [2]int{200, 200}, r.RenderWindow(1).Size())
	assert.Equal(t, [4]float64{0, 0.75, 1, 1}, top.Viewport())
	assert.Equal(t, [4]float64{0, 0, 0.5, 0.75}, bottomLeft.Viewport())
	assert.Equal(t, [4]float64{0.5, 0, 1, 0.75}, bottomRight.Viewport())
}

func TestRenderOnlyDrawsActiveWindow(t *testing.T) {
	r := newRegistry(t, &process.Module{Type: process.TypeBatch})
	a := addView(t, r, 1, [2]int{0, 0}, [2]int{10, 10})
	b := addView(t, r, 2, [2]int{10, 0}, [2]int{10, 10})
	var seen []int
	a.SetPass(render.PassFunc(func(ctx context.Context, s *render.State) error {
		seen = append(seen, r.ActiveWindow())
		return nil
	}))
	b.SetPass(a.Pass())
	r.UpdateWindowLayout()

	require.NoError(t, r.Render(context.Background(), 2))
	assert.False(t, a.Draw())
	assert.True(t, b.Draw())
	assert.Equal(t, []int{2}, seen)
	assert.Equal(t, 0, r.ActiveWindow())

	assert.ErrorIs(t, r.Render(context.Background(), 9), ErrUnknownWindow)
}

// captureLogs sends the shared logger to a buffer until the test ends.
func captureLogs(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	logging.Set(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { logging.Set(nil) })
	return &buf
}

func TestAddRenderWindowTwiceIgnored(t *testing.T) {
	r := newRegistry(t, &process.Module{Type: process.TypeClient})
	w := r.NewRenderWindow()
	r.AddRenderWindow(1, w)
	logs := captureLogs(t)
	r.AddRenderWindow(1, r.NewRenderWindow())
	assert.Same(t, w, r.RenderWindow(1))
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "window id already registered")
	assert.NotContains(t, logs.String(), "level=ERROR")
	assert.Equal(t, 1, w.ObserverCount(render.StartEvent))

	r.RemoveRenderWindow(1)
	assert.Nil(t, r.RenderWindow(1))
	assert.Equal(t, 0, w.ObserverCount(render.StartEvent))
}

func TestObserversInstalledOncePerSharedWindow(t *testing.T) {
	r := newRegistry(t, &process.Module{Type: process.TypeBatch})
	addView(t, r, 1, [2]int{}, [2]int{1, 1})
	addView(t, r, 2, [2]int{}, [2]int{1, 1})
	w := r.RenderWindow(1)
	assert.Equal(t, 1, w.ObserverCount(render.StartEvent))
	assert.Equal(t, 1, w.ObserverCount(render.EndEvent))
	r.RemoveRenderWindow(1)
	assert.Equal(t, 1, w.ObserverCount(render.StartEvent))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	src := newRegistry(t, &process.Module{Type: process.TypeClient})
	addView(t, src, 1, [2]int{0, 0}, [2]int{300, 200})
	addView(t, src, 7, [2]int{300, 0}, [2]int{100, 200})
	w := src.RenderWindow(7)
	w.SetTileScale([2]int{2, 3})
	w.SetTileViewport([4]float64{0.25, 0.5, 0.75, 1})
	w.SetDesiredUpdateRate(5)

	data, err := src.SaveWindowAndLayout(7).Bytes()
	require.NoError(t, err)

	dst := newRegistry(t, &process.Module{Type: process.TypeClient})
	addView(t, dst, 1, [2]int{}, [2]int{1, 1})
	addView(t, dst, 7, [2]int{}, [2]int{1, 1})
	require.NoError(t, dst.loadLayoutBytes(data, 7))

	assert.Equal(t, src.Layout(), dst.Layout())
	got := dst.RenderWindow(7)
	assert.Equal(t, [2]int{2, 3}, got.TileScale())
	assert.Equal(t, [4]float64{0.25, 0.5, 0.75, 1}, got.TileViewport())
	assert.Equal(t, 5.0, got.DesiredUpdateRate())
}

func TestLoadCountMismatchIsFatal(t *testing.T) {
	src := newRegistry(t, &process.Module{Type: process.TypeClient})
	addView(t, src, 1, [2]int{}, [2]int{1, 1})
	addView(t, src, 2, [2]int{}, [2]int{1, 1})
	data, err := src.SaveWindowAndLayout(1).Bytes()
	require.NoError(t, err)

	dst := newRegistry(t, &process.Module{Type: process.TypeClient})
	addView(t, dst, 1, [2]int{}, [2]int{1, 1})
	err = dst.loadLayoutBytes(data, 1)
	var fatal *process.FatalConfigurationError
	assert.ErrorAs(t, err, &fatal)
}

func TestLoadSkipsUnknownIDs(t *testing.T) {
	src := newRegistry(t, &process.Module{Type: process.TypeClient})
	addView(t, src, 1, [2]int{}, [2]int{10, 10})
	addView(t, src, 2, [2]int{5, 5}, [2]int{20, 20})
	data, err := src.SaveWindowAndLayout(1).Bytes()
	require.NoError(t, err)

	dst := newRegistry(t, &process.Module{Type: process.TypeClient})
	addView(t, dst, 1, [2]int{}, [2]int{1, 1})
	addView(t, dst, 3, [2]int{}, [2]int{1, 1})
	require.NoError(t, dst.loadLayoutBytes(data, 1))
	assert.Equal(t, [2]int{10, 10}, dst.WindowSize(1))
	assert.Equal(t, [2]int{1, 1}, dst.WindowSize(3))
}

func TestTileQuadrants(t *testing.T) {
	tiles := tile.Static{Dimensions: [2]int{2, 2}}
	mods := batchModules(4, tiles)
	want := [][4]float64{
		{0, 0.5, 0.5, 1},
		{0.5, 0.5, 1, 1},
		{0, 0, 0.5, 0.5},
		{0.5, 0, 1, 0.5},
	}
	seen := map[[4]float64]bool{}
	for rank, m := range mods {
		r := newRegistry(t, m)
		addView(t, r, 1, [2]int{}, [2]int{800, 800})
		r.UpdateWindowLayout()
		w := r.RenderWindow(1)
		assert.Equal(t, [2]int{2, 2}, w.TileScale())
		assert.Equal(t, tile.DefaultWindowSize, w.Size())
		assert.Equal(t, want[rank], w.TileViewport(), "rank %d", rank)
		assert.True(t, w.SwapBuffers())
		seen[w.TileViewport()] = true
	}
	assert.Len(t, seen, 4)
}

func TestRenderOneViewAtATime(t *testing.T) {
	r := newRegistry(t, &process.Module{Type: process.TypeBatch})
	a := addView(t, r, 1, [2]int{0, 0}, [2]int{100, 100})
	addView(t, r, 2, [2]int{100, 0}, [2]int{50, 100})
	r.SetRenderOneViewAtATime(true)
	r.SetEnabled(true)
	require.NoError(t, r.Render(context.Background(), 1))
	assert.Equal(t, [4]float64{0, 0, 1, 1}, a.Viewport())
	assert.Equal(t, [2]int{100, 100}, r.RenderWindow(1).Size())
}

func TestSynchronizeSizeStandalone(t *testing.T) {
	r := newRegistry(t, &process.Module{Type: process.TypeClient})
	got, err := r.SynchronizeSize(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), got)
}

func TestSynchronizeSizeBatch(t *testing.T) {
	var regs []*Registry
	for _, m := range batchModules(4, nil) {
		regs = append(regs, newRegistry(t, m))
	}
	results := make([]uint64, len(regs))
	runAll(t, regs, func(i int, r *Registry) (err error) {
		results[i], err = r.SynchronizeSize(context.Background(), uint64(i+1))
		return err
	})
	assert.Equal(t, []uint64{10, 10, 10, 10}, results)
}

func TestSynchronizeSizeExact(t *testing.T) {
	const big = uint64(1)<<53 + 1
	r := newRegistry(t, &process.Module{Type: process.TypeClient})
	got, err := r.SynchronizeSize(context.Background(), big)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	var regs []*Registry
	for _, m := range batchModules(3, nil) {
		regs = append(regs, newRegistry(t, m))
	}
	results := make([]uint64, len(regs))
	runAll(t, regs, func(i int, r *Registry) (err error) {
		results[i], err = r.SynchronizeSize(context.Background(), big+uint64(i))
		return err
	})
	for i, got := range results {
		assert.Equal(t, 3*big+3, got, "process %d", i)
	}
}

func TestSynchronizeSizeExactClientServer(t *testing.T) {
	const big = uint64(1) << 60
	clientSide, serverSide := linkPair(t)
	regs := []*Registry{newRegistry(t, &process.Module{Type: process.TypeClient, RenderServer: clientSide})}
	for _, m := range serverModules(process.TypeServer, 2, serverSide) {
		regs = append(regs, newRegistry(t, m))
	}
	sizes := []uint64{1, big, 3}
	results := make([]uint64, len(regs))
	runAll(t, regs, func(i int, r *Registry) (err error) {
		results[i], err = r.SynchronizeSize(context.Background(), sizes[i])
		return err
	})
	for i, got := range results {
		assert.Equal(t, big+4, got, "process %d", i)
	}
}

func TestMergeBounds(t *testing.T) {
	acc := []float64{0, 1, 0, 1, 0, 1}
	mergeBounds(acc, []float64{-2, 0.5, 0.5, 3, 0, 1})
	assert.Equal(t, []float64{-2, 1, 0, 3, 0, 1}, acc)

	// Empty bounds leave the other side untouched
	empty := render.EmptyBounds()
	acc = append([]float64(nil), empty[:]...)
	mergeBounds(acc, []float64{1, 2, 3, 4, 5, 6})
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, acc)
}

func TestSynchronizeSizeClientServer(t *testing.T) {
	clientSide, serverSide := linkPair(t)
	regs := []*Registry{newRegistry(t, &process.Module{Type: process.TypeClient, RenderServer: clientSide})}
	for _, m := range serverModules(process.TypeServer, 4, serverSide) {
		regs = append(regs, newRegistry(t, m))
	}
	sizes := []uint64{10, 20, 5, 5, 5}
	results := make([]uint64, len(regs))
	runAll(t, regs, func(i int, r *Registry) (err error) {
		results[i], err = r.SynchronizeSize(context.Background(), sizes[i])
		return err
	})
	for i, got := range results {
		assert.Equal(t, uint64(45), got, "process %d", i)
	}
}

func TestSynchronizeThreeTiers(t *testing.T) {
	toRS, rsSide := linkPair(t)
	toDS, dsSide := linkPair(t)
	regs := []*Registry{newRegistry(t, &process.Module{Type: process.TypeClient, RenderServer: toRS, DataServer: toDS})}
	for _, m := range serverModules(process.TypeRenderServer, 2, rsSide) {
		regs = append(regs, newRegistry(t, m))
	}
	for _, m := range serverModules(process.TypeDataServer, 3, dsSide) {
		regs = append(regs, newRegistry(t, m))
	}
	require.Equal(t, process.DataServer, regs[5].Role())

	sizes := make([]uint64, len(regs))
	bounds := make([]render.Bounds, len(regs))
	runAll(t, regs, func(i int, r *Registry) (err error) {
		if sizes[i], err = r.SynchronizeSize(context.Background(), uint64(i)); err != nil {
			return err
		}
		b := render.Bounds{float64(-i), float64(i), 0, 1, float64(i), float64(i) + 1}
		bounds[i], err = r.SynchronizeBounds(context.Background(), b)
		return err
	})
	for i := range regs {
		assert.Equal(t, uint64(0+1+2+3+4+5), sizes[i])
		assert.Equal(t, render.Bounds{-5, 5, 0, 1, 0, 6}, bounds[i])
	}
}

func TestSynchronizeBoundsIdempotent(t *testing.T) {
	var regs []*Registry
	for _, m := range batchModules(3, nil) {
		regs = append(regs, newRegistry(t, m))
	}
	first := make([]render.Bounds, len(regs))
	second := make([]render.Bounds, len(regs))
	runAll(t, regs, func(i int, r *Registry) (err error) {
		in := render.Bounds{float64(i), float64(i) + 1, -float64(i), 0, 0, float64(i * 2)}
		if first[i], err = r.SynchronizeBounds(context.Background(), in); err != nil {
			return err
		}
		second[i], err = r.SynchronizeBounds(context.Background(), first[i])
		return err
	})
	for i := range regs {
		assert.Equal(t, render.Bounds{0, 3, -2, 0, 0, 4}, first[i])
		assert.Equal(t, first[i], second[i])
	}
}

func TestSynchronizeTimeout(t *testing.T) {
	clientSide, _ := linkPair(t)
	r := newRegistry(t, &process.Module{Type: process.TypeClient, RenderServer: clientSide}, WithTimeout(50*time.Millisecond))
	_, err := r.SynchronizeSize(context.Background(), 1)
	var timeout *comm.TimeoutError
	assert.ErrorAs(t, err, &timeout)
}

func TestBroadcastToDataServer(t *testing.T) {
	clientSide, serverSide := linkPair(t)
	regs := []*Registry{newRegistry(t, &process.Module{Type: process.TypeClient, RenderServer: clientSide})}
	for _, m := range serverModules(process.TypeServer, 3, serverSide) {
		regs = append(regs, newRegistry(t, m))
	}
	sel := &Selection{Nodes: []SelectionNode{{ContentType: "INDICES", FieldType: "POINT", ProcessID: -1, IDs: []int64{3, 1, 4}}}}
	got := make([]*Selection, len(regs))
	runAll(t, regs, func(i int, r *Registry) (err error) {
		in := &Selection{}
		if i == 0 {
			in = sel
		}
		got[i], err = r.BroadcastToDataServer(context.Background(), in)
		return err
	})
	for i := 1; i < len(regs); i++ {
		require.Len(t, got[i].Nodes, 1)
		assert.Equal(t, sel.Nodes[0], got[i].Nodes[0])
	}
}

func TestBroadcastToPureRenderServerIsNoop(t *testing.T) {
	_, rsSide := linkPair(t)
	r := newRegistry(t, &process.Module{Type: process.TypeRenderServer, ClientLink: rsSide})
	sel := &Selection{}
	got, err := r.BroadcastToDataServer(context.Background(), sel)
	require.NoError(t, err)
	assert.Same(t, sel, got)
}

func TestRenderHandshake(t *testing.T) {
	clientSide, serverSide := linkPair(t)
	client := newRegistry(t, &process.Module{Type: process.TypeClient, RenderServer: clientSide})
	var servers []*Registry
	for _, m := range serverModules(process.TypeServer, 3, serverSide) {
		servers = append(servers, newRegistry(t, m))
	}
	for _, r := range append([]*Registry{client}, servers...) {
		addView(t, r, 1, [2]int{}, [2]int{1, 1})
		addView(t, r, 2, [2]int{}, [2]int{1, 1})
		r.SetEnabled(true)
	}
	client.SetWindowSize(1, [2]int{120, 80})
	client.SetWindowPosition(2, [2]int{120, 0})
	client.SetWindowSize(2, [2]int{60, 80})

	rendered := make([]int, len(servers))
	for i, r := range servers {
		i, r := i, r
		for _, ren := range r.Renderers(2) {
			ren.SetPass(render.PassFunc(func(ctx context.Context, s *render.State) error {
				rendered[i]++
				return nil
			}))
		}
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	serveErrs := make([]error, len(servers))
	for i, r := range servers {
		wg.Add(1)
		go func(i int, r *Registry) {
			defer wg.Done()
			serveErrs[i] = r.ServeRMIs(ctx)
			if i == 0 {
				serveErrs[i] = r.Shutdown(ctx)
			}
		}(i, r)
	}

	require.NoError(t, client.Render(ctx, 2))
	require.NoError(t, client.Shutdown(ctx))
	wg.Wait()
	for _, err := range serveErrs {
		require.NoError(t, err)
	}

	for i, r := range servers {
		assert.Equal(t, 1, rendered[i], "rank %d", i)
		assert.Equal(t, client.Layout(), r.Layout(), "rank %d", i)
		assert.Equal(t, [2]int{180, 80}, r.RenderWindow(2).Size())
		assert.Equal(t, [4]float64{120.0 / 180, 0, 1, 1}, r.Renderers(2)[0].Viewport())
	}
}
