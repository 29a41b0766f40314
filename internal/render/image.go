package render

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// RawImage is a rendered frame: straight alpha colors plus a depth value per
// pixel (smaller is nearer, math.MaxFloat64 where nothing was drawn).
type RawImage struct {
	Color *image.NRGBA
	Depth []float64
	valid bool
}

// NewRawImage allocates a cleared (transparent and infinitely far) image.
func NewRawImage(w, h int) *RawImage {
	img := &RawImage{Color: image.NewNRGBA(image.Rect(0, 0, w, h)), Depth: make([]float64, w*h), valid: true}
	for i := range img.Depth {
		img.Depth[i] = math.MaxFloat64
	}
	return img
}

// Valid reports whether the image holds a rendered frame.
func (img *RawImage) Valid() bool {
	return img != nil && img.valid && img.Color != nil
}

// Invalidate marks the image as stale.
func (img *RawImage) Invalidate() {
	if img != nil {
		img.valid = false
	}
}

// Size of the image in pixels.
func (img *RawImage) Size() (w, h int) {
	b := img.Color.Bounds()
	return b.Dx(), b.Dy()
}

// Clone returns a deep copy.
func (img *RawImage) Clone() *RawImage {
	w, h := img.Size()
	res := &RawImage{Color: image.NewNRGBA(image.Rect(0, 0, w, h)), Depth: make([]float64, len(img.Depth)), valid: img.valid}
	copy(res.Color.Pix, img.Color.Pix)
	copy(res.Depth, img.Depth)
	return res
}

// SubImage copies the pixels inside r (image coordinates, y down) into a new
// image whose origin is r.Min.
func (img *RawImage) SubImage(r image.Rectangle) *RawImage {
	r = r.Intersect(img.Color.Bounds())
	res := NewRawImage(r.Dx(), r.Dy())
	w, _ := img.Size()
	for y := 0; y < r.Dy(); y++ {
		src := img.Color.PixOffset(r.Min.X, r.Min.Y+y)
		dst := res.Color.PixOffset(0, y)
		copy(res.Color.Pix[dst:dst+4*r.Dx()], img.Color.Pix[src:src+4*r.Dx()])
		copy(res.Depth[y*r.Dx():(y+1)*r.Dx()], img.Depth[(r.Min.Y+y)*w+r.Min.X:(r.Min.Y+y)*w+r.Max.X])
	}
	return res
}

// Over returns front composited over back using straight alpha.
func Over(front, back color.NRGBA) color.NRGBA {
	if front.A == 255 || back.A == 0 {
		return front
	}
	if front.A == 0 {
		return back
	}
	fa, ba := float64(front.A)/255, float64(back.A)/255
	oa := fa + ba*(1-fa)
	mix := func(f, b uint8) uint8 {
		return uint8(math.Round((float64(f)*fa + float64(b)*ba*(1-fa)) / oa))
	}
	return color.NRGBA{R: mix(front.R, back.R), G: mix(front.G, back.G), B: mix(front.B, back.B), A: uint8(math.Round(oa * 255))}
}

// Flatten composites the image over an opaque background in place.
func (img *RawImage) Flatten(bg color.NRGBA) {
	pix := img.Color.Pix
	for i := 0; i < len(pix); i += 4 {
		c := Over(color.NRGBA{R: pix[i], G: pix[i+1], B: pix[i+2], A: pix[i+3]}, bg)
		pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
	}
}

// PasteOver draws src over dst inside r, scaling it to fit.
func PasteOver(dst draw.Image, r image.Rectangle, src image.Image) {
	if r.Empty() || src.Bounds().Empty() {
		return
	}
	if r.Size() == src.Bounds().Size() {
		draw.Draw(dst, r, src, src.Bounds().Min, draw.Over)
		return
	}
	draw.ApproxBiLinear.Scale(dst, r, src, src.Bounds(), draw.Over, nil)
}
