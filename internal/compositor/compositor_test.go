package compositor

import (
	"context"
	"image/color"
	"sync"
	"testing"
	"time"

	v3 "github.com/deadsy/sdfx/vec/v3"
	"github.com/fogleman/fauxgl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/render"
)

func TestKdTreeVisibilityOrder(t *testing.T) {
	tree := BuildKdTree([]render.Bounds{
		{0, 1, 0, 1, 0, 1},
		{2, 3, 0, 1, 0, 1},
		render.EmptyBounds(),
		{4, 5, 0, 1, 0, 1},
	})
	assert.Equal(t, []int{0, 1, 3, 2}, tree.VisibilityOrder(v3.Vec{X: -10}))
	assert.Equal(t, []int{3, 1, 0, 2}, tree.VisibilityOrder(v3.Vec{X: 10}))

	assert.Equal(t, 0, tree.Owner(v3.Vec{X: 0.5}))
	assert.Equal(t, 1, tree.Owner(v3.Vec{X: 2.9}))
	assert.Equal(t, 3, tree.Owner(v3.Vec{X: 100}))
	assert.Equal(t, -1, BuildKdTree(nil).Owner(v3.Vec{}))
}

func solid(w, h int, c color.NRGBA, depth float64) *render.RawImage {
	img := render.NewRawImage(w, h)
	for i := range img.Depth {
		img.Depth[i] = depth
		copy(img.Color.Pix[i*4:i*4+4], []uint8{c.R, c.G, c.B, c.A})
	}
	return img
}

func TestCompositeDepthKeepsNearest(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	far, near := solid(2, 2, red, 0.8), solid(2, 2, blue, 0.2)
	near.Depth[3] = 0.9
	res, err := compositeDepth(context.Background(), []*render.RawImage{far, near, render.NewRawImage(2, 2)})
	require.NoError(t, err)
	assert.Equal(t, blue, res.Color.NRGBAAt(0, 0))
	assert.Equal(t, red, res.Color.NRGBAAt(1, 1))
	assert.Equal(t, 0.2, res.Depth[0])
}

func TestCompositeOrderedBlends(t *testing.T) {
	front := solid(1, 1, color.NRGBA{R: 255, A: 128}, 0)
	back := solid(1, 1, color.NRGBA{B: 255, A: 255}, 0)
	res, err := compositeOrdered(context.Background(), []*render.RawImage{back, front}, []int{1, 0})
	require.NoError(t, err)
	got := res.Color.NRGBAAt(0, 0)
	assert.Equal(t, uint8(255), got.A)
	assert.InDelta(t, 128, int(got.R), 1)
	assert.InDelta(t, 127, int(got.B), 1)
}

func TestImageWire(t *testing.T) {
	img := solid(3, 2, color.NRGBA{G: 9, A: 255}, 0.5)
	data, err := EncodeImage(img, true)
	require.NoError(t, err)
	got, err := DecodeImage(data)
	require.NoError(t, err)
	assert.Equal(t, img.Color.Pix, got.Color.Pix)
	assert.Equal(t, img.Depth, got.Depth)

	data, err = EncodeImage(nil, true)
	require.NoError(t, err)
	got, err = DecodeImage(data)
	require.NoError(t, err)
	assert.False(t, got.Valid())
}

func TestImageReductionFactorClamp(t *testing.T) {
	c := New(NewContext(), nil)
	c.SetImageReductionFactor(0)
	assert.Equal(t, 1, c.ImageReductionFactor())
	c.SetImageReductionFactor(99)
	assert.Equal(t, MaxImageReductionFactor, c.ImageReductionFactor())
}

func TestCameraPassRestoresTileState(t *testing.T) {
	w := render.NewWindow(render.WithSize(400, 400))
	r := render.NewRenderer()
	w.AddRenderer(r)
	w.SetTileScale([2]int{2, 2})
	w.SetTileViewport([4]float64{0.5, 0, 1, 0.5})

	c := New(NewContext(), nil)
	c.SetTileDimensions([2]int{2, 2})
	require.NoError(t, c.cameraPass(context.Background(), &render.State{Renderer: r, Window: w}))
	size, origin := c.TiledSizeAndOrigin()
	assert.Equal(t, [2]int{800, 800}, size)
	assert.Equal(t, [2]int{0, 0}, origin)
	assert.Equal(t, [2]int{2, 2}, w.TileScale())
	assert.Equal(t, [4]float64{0.5, 0, 1, 0.5}, w.TileViewport())
}

func TestContextBusy(t *testing.T) {
	cx := NewContext()
	require.NoError(t, cx.SetupContext(context.Background(), nil))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cx.SetupContext(ctx, nil), ErrContextBusy)
	cx.CleanupContext()
	require.NoError(t, cx.SetupContext(context.Background(), nil))
	cx.CleanupContext()
}

// rankScene is one rank rendering one cube at x.
type rankScene struct {
	window     *render.Window
	renderer   *render.Renderer
	compositor *Compositor
}

func newRankScene(p comm.Controller, x float64, all render.Bounds, size [2]int) *rankScene {
	mesh := fauxgl.NewCubeForBox(fauxgl.Box{Min: fauxgl.V(x-1, -1, -1), Max: fauxgl.V(x+1, 1, 1)})
	r := render.NewRenderer()
	r.AddProp(render.NewMeshProp(mesh))
	r.Camera().Reset(all)
	w := render.NewWindow(render.WithSize(size[0], size[1]))
	w.AddRenderer(r)
	c := New(NewContext(), p)
	r.SetPass(c.Pass())
	return &rankScene{window: w, renderer: r, compositor: c}
}

func renderAll(t *testing.T, scenes []*rankScene) {
	var wg sync.WaitGroup
	errs := make([]error, len(scenes))
	for i, s := range scenes {
		wg.Add(1)
		go func(i int, s *rankScene) {
			defer wg.Done()
			errs[i] = s.window.Render(context.Background())
		}(i, s)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}
}

func opaquePixels(img *render.RawImage) int {
	n := 0
	for i := 3; i < len(img.Color.Pix); i += 4 {
		if img.Color.Pix[i] > 0 {
			n++
		}
	}
	return n
}

func TestSortLastTwoRanks(t *testing.T) {
	group := comm.NewLocalGroup(2)
	all := render.Bounds{-3, 3, -1, 1, -1, 1}
	scenes := []*rankScene{
		newRankScene(group[0], -2, all, [2]int{64, 48}),
		newRankScene(group[1], 2, all, [2]int{64, 48}),
	}
	renderAll(t, scenes)

	root := scenes[0].compositor.LastRenderedTile()
	require.True(t, root.Image.Valid())
	assert.Equal(t, [4]float64{0, 0, 1, 1}, root.PhysicalViewport)
	assert.False(t, scenes[1].compositor.LastRenderedTile().Image.Valid())

	// The root tile shows both cubes, more than either rank draws alone
	alone := scenes[0].renderer.DrawFrame(64, 48)
	other := scenes[1].renderer.DrawFrame(64, 48)
	assert.Greater(t, opaquePixels(root.Image), opaquePixels(alone))
	assert.Greater(t, opaquePixels(root.Image), opaquePixels(other))
}

func TestSortLastReducedImage(t *testing.T) {
	group := comm.NewLocalGroup(2)
	all := render.Bounds{-3, 3, -1, 1, -1, 1}
	scenes := []*rankScene{
		newRankScene(group[0], -2, all, [2]int{64, 64}),
		newRankScene(group[1], 2, all, [2]int{64, 64}),
	}
	for _, s := range scenes {
		s.compositor.SetImageReductionFactor(4)
	}
	renderAll(t, scenes)
	w, h := scenes[0].compositor.LastRenderedTile().Image.Size()
	assert.Equal(t, 16, w)
	assert.Equal(t, 16, h)
	assert.NotNil(t, scenes[0].window.Image())
}

func TestSortLastTiles(t *testing.T) {
	group := comm.NewLocalGroup(2)
	all := render.Bounds{-3, 3, -1, 1, -1, 1}
	var scenes []*rankScene
	for rank, x := range []float64{-2, 2} {
		s := newRankScene(group[rank], x, all, [2]int{32, 32})
		s.window.SetTileScale([2]int{2, 1})
		s.window.SetTileViewport([4]float64{float64(rank) / 2, 0, float64(rank+1) / 2, 1})
		s.compositor.SetTileDimensions([2]int{2, 1})
		scenes = append(scenes, s)
	}
	renderAll(t, scenes)
	for rank, s := range scenes {
		tile := s.compositor.LastRenderedTile()
		require.True(t, tile.Image.Valid(), "rank %d", rank)
		assert.Equal(t, [4]float64{0, 0, 1, 1}, tile.PhysicalViewport)
		w, h := tile.Image.Size()
		assert.Equal(t, 32, w)
		assert.Equal(t, 32, h)
	}
}

func TestSortLastOrdered(t *testing.T) {
	group := comm.NewLocalGroup(2)
	all := render.Bounds{-3, 3, -1, 1, -1, 1}
	tree := BuildKdTree([]render.Bounds{{-3, -1, -1, 1, -1, 1}, {1, 3, -1, 1, -1, 1}})
	scenes := []*rankScene{
		newRankScene(group[0], -2, all, [2]int{32, 32}),
		newRankScene(group[1], 2, all, [2]int{32, 32}),
	}
	for _, s := range scenes {
		s.compositor.SetKdTree(tree)
		s.compositor.SetUseOrderedCompositing(true)
		assert.True(t, s.compositor.UseOrderedCompositing())
	}
	renderAll(t, scenes)
	assert.True(t, scenes[0].compositor.LastRenderedTile().Image.Valid())
}

func TestDataReplicatedSkipsTransfers(t *testing.T) {
	group := comm.NewLocalGroup(2)
	all := render.Bounds{-3, 3, -1, 1, -1, 1}
	scenes := []*rankScene{
		newRankScene(group[0], -2, all, [2]int{16, 16}),
		newRankScene(group[1], 2, all, [2]int{16, 16}),
	}
	for _, s := range scenes {
		s.compositor.SetDataReplicatedOnAllProcesses(true)
	}
	// Ranks render one after the other: nothing waits on a peer
	for _, s := range scenes {
		require.NoError(t, s.window.Render(context.Background()))
	}
	assert.True(t, scenes[0].compositor.LastRenderedTile().Image.Valid())
}
