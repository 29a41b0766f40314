// Package scene holds the SDF models served by the demo executables.
package scene

import (
	"fmt"
	"sort"

	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"
)

var scenes = map[string]func() (sdf.SDF3, error){
	"spiral":  Spiral,
	"spheres": Spheres,
	"pillars": Pillars,
}

// Names of the available scenes, sorted.
func Names() []string {
	res := make([]string, 0, len(scenes))
	for name := range scenes {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Get builds the scene called name.
func Get(name string) (sdf.SDF3, error) {
	build, ok := scenes[name]
	if !ok {
		return nil, fmt.Errorf("scene: unknown scene %q, have %v", name, Names())
	}
	return build()
}

// Spiral is an extruded arc spiral.
func Spiral() (sdf.SDF3, error) {
	s, err := sdf.ArcSpiral2D(1.0, 20.0, 0.25*sdf.Pi, 8*sdf.Tau, 1.0)
	if err != nil {
		return nil, err
	}
	return sdf.Extrude3D(s, 4), nil
}

// Spheres is a row of spheres along X, so that slabs of it give every rank a
// similar share.
func Spheres() (sdf.SDF3, error) {
	var parts []sdf.SDF3
	for i := 0; i < 8; i++ {
		s, err := sdf.Sphere3D(1 + 0.1*float64(i%3))
		if err != nil {
			return nil, err
		}
		parts = append(parts, sdf.Transform3D(s, sdf.Translate3d(v3.Vec{X: 2.5 * float64(i)})))
	}
	return sdf.Union3D(parts...), nil
}

// Pillars is a slab with a grid of rounded pillars on top.
func Pillars() (sdf.SDF3, error) {
	base, err := sdf.Box3D(v3.Vec{X: 24, Y: 12, Z: 1}, 0.2)
	if err != nil {
		return nil, err
	}
	parts := []sdf.SDF3{base}
	for x := -2; x <= 2; x++ {
		for y := -1; y <= 1; y++ {
			h := 3 + float64((x+y+3)%3)
			c, err := sdf.Cylinder3D(h, 1, 0.2)
			if err != nil {
				return nil, err
			}
			parts = append(parts, sdf.Transform3D(c, sdf.Translate3d(v3.Vec{X: 5 * float64(x), Y: 4 * float64(y), Z: h/2 + 0.5})))
		}
	}
	return sdf.Union3D(parts...), nil
}
