package compositor

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"image"
	"image/color"
	"runtime"
	"sync"

	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/render"
)

const compositeTag = 22000

// drawFrame renders the local share through the draw callback and composites
// every tile on its owner: tile i is displayed by rank i.
func (c *Compositor) drawFrame(ctx context.Context) (Tile, error) {
	c.mu.Lock()
	plan, f := c.plan, c.reductionFactor
	ordered := c.ordered && c.kdtree != nil
	tree, replicated, renderer := c.kdtree, c.replicated, c.renderer
	c.mu.Unlock()
	rank, size := c.rank()

	regionW, regionH := plan.region[2]-plan.region[0], plan.region[3]-plan.region[1]
	if regionW <= 0 || regionH <= 0 {
		return Tile{}, nil
	}
	rw, rh := ceilDiv(regionW, f), ceilDiv(regionH, f)

	tiles := plan.helper.Count()
	if plan.tiles && tiles > size {
		logging.For("compositor").Warn("more tiles than ranks, some tiles stay blank", "tiles", tiles, "ranks", size)
	}
	type tileJob struct {
		owner int
		sub   image.Rectangle // in the reduced local image
		vp    [4]float64      // physical viewport in the owner's window
	}
	var jobs []tileJob
	owns := false
	for t := 0; t < tiles && t < size; t++ {
		tr := plan.helper.PixelViewport(t)
		x0, y0 := max(tr[0], plan.region[0]), max(tr[1], plan.region[1])
		x1, y1 := min(tr[2], plan.region[2]), min(tr[3], plan.region[3])
		if x1 <= x0 || y1 <= y0 {
			continue
		}
		ws := plan.helper.WindowSize
		job := tileJob{
			owner: t,
			// The local image is the region, top row first
			sub: image.Rect(
				(x0-plan.region[0])/f, (plan.region[3]-y1)/f,
				ceilDiv(x1-plan.region[0], f), ceilDiv(plan.region[3]-y0, f),
			).Intersect(image.Rect(0, 0, rw, rh)),
			vp: [4]float64{
				float64(x0-tr[0]) / float64(ws[0]), float64(y0-tr[1]) / float64(ws[1]),
				float64(x1-tr[0]) / float64(ws[0]), float64(y1-tr[1]) / float64(ws[1]),
			},
		}
		owns = owns || t == rank
		jobs = append(jobs, job)
	}

	var local *render.RawImage
	if !replicated || owns {
		local = c.cx.drawCallback(rw, rh)
	}

	result := Tile{}
	for _, job := range jobs {
		if job.owner != rank {
			if replicated {
				continue
			}
			data, err := EncodeImage(local.SubImage(job.sub), !ordered)
			if err != nil {
				return Tile{}, err
			}
			if err := c.parallel.Send(ctx, job.owner, compositeTag, data); err != nil {
				return Tile{}, fmt.Errorf("compositor: send tile %d: %w", job.owner, err)
			}
			continue
		}
		mine := local.SubImage(job.sub)
		if replicated || size == 1 {
			result = Tile{Image: mine, PhysicalViewport: job.vp}
			continue
		}
		images := make([]*render.RawImage, size)
		images[rank] = mine
		for r := 0; r < size; r++ {
			if r == rank {
				continue
			}
			data, err := c.parallel.Receive(ctx, r, compositeTag)
			if err != nil {
				return Tile{}, fmt.Errorf("compositor: receive tile from %d: %w", r, err)
			}
			if images[r], err = DecodeImage(data); err != nil {
				return Tile{}, err
			}
		}
		var merged *render.RawImage
		var err error
		if ordered {
			merged, err = compositeOrdered(ctx, images, tree.VisibilityOrder(renderer.Camera().Position()))
		} else {
			merged, err = compositeDepth(ctx, images)
		}
		if err != nil {
			return Tile{}, err
		}
		result = Tile{Image: merged, PhysicalViewport: job.vp}
	}
	return result, nil
}

// compositeDepth keeps the nearest fragment of every pixel. Ties go to the
// lowest rank.
func compositeDepth(ctx context.Context, images []*render.RawImage) (*render.RawImage, error) {
	w, h := images[0].Size()
	res := render.NewRawImage(w, h)
	err := parallelRows(ctx, h, func(y int) {
		for x := 0; x < w; x++ {
			i := y*w + x
			best := -1
			for r, img := range images {
				if img.Depth[i] < res.Depth[i] {
					res.Depth[i], best = img.Depth[i], r
				}
			}
			if best >= 0 {
				o := res.Color.PixOffset(x, y)
				copy(res.Color.Pix[o:o+4], images[best].Color.Pix[o:o+4])
			}
		}
	})
	return res, err
}

// compositeOrdered blends the images front to back in the given rank order.
func compositeOrdered(ctx context.Context, images []*render.RawImage, order []int) (*render.RawImage, error) {
	w, h := images[0].Size()
	res := render.NewRawImage(w, h)
	err := parallelRows(ctx, h, func(y int) {
		for x := 0; x < w; x++ {
			o := res.Color.PixOffset(x, y)
			acc := color.NRGBA{}
			for _, r := range order {
				if r >= len(images) || images[r] == nil {
					continue
				}
				p := images[r].Color.Pix[o : o+4]
				acc = render.Over(acc, color.NRGBA{R: p[0], G: p[1], B: p[2], A: p[3]})
				if acc.A == 255 {
					break
				}
			}
			res.Color.Pix[o], res.Color.Pix[o+1], res.Color.Pix[o+2], res.Color.Pix[o+3] = acc.R, acc.G, acc.B, acc.A
		}
	})
	return res, err
}

// parallelRows runs fn for every row on all CPUs, stopping early when ctx is
// done.
func parallelRows(ctx context.Context, rows int, fn func(y int)) error {
	jobs := make(chan int)
	wg := &sync.WaitGroup{}
	for i := 0; i < runtime.NumCPU(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for y := range jobs {
				fn(y)
			}
		}()
	}
	var err error
loop:
	for y := 0; y < rows; y++ {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case jobs <- y:
		}
	}
	close(jobs)
	wg.Wait()
	return err
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

type wireImage struct {
	W, H  int
	Pix   []byte
	Depth []float64
}

// EncodeImage serializes img for another process. An invalid image travels as
// an empty one.
func EncodeImage(img *render.RawImage, withDepth bool) ([]byte, error) {
	msg := wireImage{}
	if img.Valid() {
		msg.W, msg.H = img.Size()
		msg.Pix = img.Color.Pix
		if withDepth {
			msg.Depth = img.Depth
		}
	}
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(&msg); err != nil {
		return nil, fmt.Errorf("compositor: encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeImage is the inverse of EncodeImage. Images sent without depth are
// infinitely far.
func DecodeImage(data []byte) (*render.RawImage, error) {
	var msg wireImage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("compositor: decode image: %w", err)
	}
	img := render.NewRawImage(msg.W, msg.H)
	if msg.W == 0 || msg.H == 0 {
		img.Invalidate()
		return img, nil
	}
	if len(msg.Pix) != len(img.Color.Pix) {
		return nil, fmt.Errorf("compositor: decode image: %d bytes for %dx%d", len(msg.Pix), msg.W, msg.H)
	}
	copy(img.Color.Pix, msg.Pix)
	if len(msg.Depth) == len(img.Depth) {
		copy(img.Depth, msg.Depth)
	}
	return img, nil
}
