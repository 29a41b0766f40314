package render

import (
	"math"

	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"
	"github.com/fogleman/fauxgl"
)

// Bounds is an axis aligned box laid out as [xmin,xmax,ymin,ymax,zmin,zmax].
// An empty box has min > max on every axis.
type Bounds [6]float64

// EmptyBounds returns the neutral element of Merge.
func EmptyBounds() Bounds {
	return Bounds{math.MaxFloat64, -math.MaxFloat64, math.MaxFloat64, -math.MaxFloat64, math.MaxFloat64, -math.MaxFloat64}
}

// Valid reports whether the box contains at least one point.
func (b Bounds) Valid() bool {
	return b[0] <= b[1] && b[2] <= b[3] && b[4] <= b[5]
}

// Merge returns the smallest box containing both.
func (b Bounds) Merge(o Bounds) Bounds {
	for i := 0; i < 6; i += 2 {
		b[i] = math.Min(b[i], o[i])
		b[i+1] = math.Max(b[i+1], o[i+1])
	}
	return b
}

// Lows and Highs split the box for min/max reductions.
func (b Bounds) Lows() []float64  { return []float64{b[0], b[2], b[4]} }
func (b Bounds) Highs() []float64 { return []float64{b[1], b[3], b[5]} }

// BoundsFromLowsHighs is the inverse of Lows/Highs.
func BoundsFromLowsHighs(lo, hi []float64) Bounds {
	return Bounds{lo[0], hi[0], lo[1], hi[1], lo[2], hi[2]}
}

// Box3 converts to the sdfx representation.
func (b Bounds) Box3() sdf.Box3 {
	return sdf.Box3{Min: v3.Vec{X: b[0], Y: b[2], Z: b[4]}, Max: v3.Vec{X: b[1], Y: b[3], Z: b[5]}}
}

// BoundsFromBox3 converts from the sdfx representation.
func BoundsFromBox3(bb sdf.Box3) Bounds {
	return Bounds{bb.Min.X, bb.Max.X, bb.Min.Y, bb.Max.Y, bb.Min.Z, bb.Max.Z}
}

// BoundsFromFauxgl converts a mesh bounding box.
func BoundsFromFauxgl(bb fauxgl.Box) Bounds {
	return Bounds{bb.Min.X, bb.Max.X, bb.Min.Y, bb.Max.Y, bb.Min.Z, bb.Max.Z}
}

// Fauxgl converts to the rasterizer representation.
func (b Bounds) Fauxgl() fauxgl.Box {
	return fauxgl.Box{Min: fauxgl.Vector{X: b[0], Y: b[2], Z: b[4]}, Max: fauxgl.Vector{X: b[1], Y: b[3], Z: b[5]}}
}

// Center of the box.
func (b Bounds) Center() v3.Vec {
	return v3.Vec{X: (b[0] + b[1]) / 2, Y: (b[2] + b[3]) / 2, Z: (b[4] + b[5]) / 2}
}

// Diagonal length of the box.
func (b Bounds) Diagonal() float64 {
	return math.Sqrt((b[1]-b[0])*(b[1]-b[0]) + (b[3]-b[2])*(b[3]-b[2]) + (b[5]-b[4])*(b[5]-b[4]))
}
