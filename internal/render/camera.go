package render

import (
	"math"

	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"
	"github.com/fogleman/fauxgl"
)

// Camera is an arc-ball camera: it looks at Center from Dist away, rotated by
// Yaw around Z and Pitch around X. All fields are exported so it can be sent
// to other processes as is.
type Camera struct {
	Center     v3.Vec
	Yaw, Pitch float64
	Dist       float64
	FovY       float64 // vertical field of view, in degrees
	Near, Far  float64 // clipping range
}

// NewCamera looks at the origin from 45º up and 45º right.
func NewCamera() *Camera {
	return &Camera{
		Pitch: -math.Pi / 4,
		Yaw:   -math.Pi / 4,
		Dist:  1,
		FovY:  30,
		Near:  0.01,
		Far:   1000,
	}
}

func (c *Camera) rotation() sdf.M44 {
	return sdf.RotateZ(c.Yaw).Mul(sdf.RotateX(c.Pitch))
}

// Position of the eye.
func (c *Camera) Position() v3.Vec {
	return c.Center.Add(c.rotation().MulPosition(v3.Vec{Y: -c.Dist}))
}

// Matrix is the view-projection matrix for an image of the given aspect ratio.
func (c *Camera) Matrix(aspect float64) fauxgl.Matrix {
	return fauxgl.LookAt(toFauxgl(c.Position()), toFauxgl(c.Center), fauxgl.Vector{Z: 1}).
		Perspective(c.FovY, aspect, c.Near, c.Far)
}

// Reset frames the whole box keeping the current orientation.
func (c *Camera) Reset(b Bounds) {
	if !b.Valid() {
		return
	}
	c.Center = b.Center()
	radius := b.Diagonal() / 2
	if radius == 0 {
		radius = 0.5
	}
	c.Dist = radius / math.Sin(c.FovY*math.Pi/360)
	c.ResetClippingRange(b)
}

// ResetClippingRange fits near/far around the box.
func (c *Camera) ResetClippingRange(b Bounds) {
	if !b.Valid() {
		return
	}
	radius := b.Diagonal() / 2
	d := c.Position().Sub(b.Center()).Length()
	c.Far = d + radius*1.01
	c.Near = math.Max(d-radius*1.01, c.Far*1e-3)
}

// Orbit rotates the camera around its center.
func (c *Camera) Orbit(dYaw, dPitch float64) {
	c.Yaw += dYaw
	c.Pitch = math.Max(-math.Pi/2+1e-3, math.Min(math.Pi/2-1e-3, c.Pitch+dPitch))
}

// Dolly moves the camera towards (factor > 1) or away from the center.
func (c *Camera) Dolly(factor float64) {
	if factor > 0 {
		c.Dist /= factor
	}
}

func toFauxgl(v v3.Vec) fauxgl.Vector {
	return fauxgl.Vector{X: v.X, Y: v.Y, Z: v.Z}
}
