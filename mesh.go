package pvrender

import (
	"math"

	"github.com/deadsy/sdfx/render"
	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"
	"github.com/fogleman/fauxgl"

	"github.com/Yeicor/pvrender/internal/logging"
)

// MeshFromSDF triangulates s with marching cubes over cells voxels along its
// longest side. Normals of faces closer than smoothRadians are averaged.
func MeshFromSDF(s sdf.SDF3, cells int, smoothRadians float64) *fauxgl.Mesh {
	return meshFromRenderer(s, render.NewMarchingCubesUniform(cells), smoothRadians)
}

func meshFromRenderer(s sdf.SDF3, gen render.Render3, smoothRadians float64) *fauxgl.Mesh {
	log := logging.For("pvrender")
	var triangles []*fauxgl.Triangle
	triChan := make(chan []*render.Triangle3)
	go func() {
		gen.Render(s, triChan)
		close(triChan)
	}()
	for tris := range triChan {
		for _, tri := range tris {
			if t := convertTriangle(tri); t != nil {
				triangles = append(triangles, t)
			}
		}
	}
	mesh := fauxgl.NewTriangleMesh(triangles)
	if smoothRadians > 0 {
		mesh.SmoothNormalsThreshold(smoothRadians)
	}
	log.Debug("sdf triangulated", "triangles", len(triangles))
	return mesh
}

// convertTriangle drops degenerate triangles, which have no normal.
func convertTriangle(tri *render.Triangle3) *fauxgl.Triangle {
	normal := tri.Normal()
	if math.IsNaN(normal.X) || normal.Length() == 0 {
		return nil
	}
	n := toFauxgl(normal)
	return &fauxgl.Triangle{
		V1: fauxgl.Vertex{Position: toFauxgl(tri.V[0]), Normal: n, Color: fauxgl.Gray(1)},
		V2: fauxgl.Vertex{Position: toFauxgl(tri.V[1]), Normal: n, Color: fauxgl.Gray(1)},
		V3: fauxgl.Vertex{Position: toFauxgl(tri.V[2]), Normal: n, Color: fauxgl.Gray(1)},
	}
}

func toFauxgl(v v3.Vec) fauxgl.Vector {
	return fauxgl.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

func centroid(t *fauxgl.Triangle) fauxgl.Vector {
	return t.V1.Position.Add(t.V2.Position).Add(t.V3.Position).DivScalar(3)
}

// Decimate simplifies m by vertex clustering: vertices are snapped to the mean
// of the cell they fall in, over a grid of divisions cells along every axis,
// and triangles that collapse are dropped.
func Decimate(m *fauxgl.Mesh, divisions int) *fauxgl.Mesh {
	if m == nil || len(m.Triangles) == 0 {
		return fauxgl.NewEmptyMesh()
	}
	divisions = max(1, divisions)
	box := m.BoundingBox()
	size := box.Size()
	cellOf := func(p fauxgl.Vector) [3]int {
		var c [3]int
		for i, pair := range [3][3]float64{{p.X, box.Min.X, size.X}, {p.Y, box.Min.Y, size.Y}, {p.Z, box.Min.Z, size.Z}} {
			if pair[2] > 0 {
				c[i] = min(int((pair[0]-pair[1])/pair[2]*float64(divisions)), divisions-1)
			}
		}
		return c
	}

	sums := map[[3]int]fauxgl.Vector{}
	counts := map[[3]int]int{}
	for _, t := range m.Triangles {
		for _, v := range []fauxgl.Vector{t.V1.Position, t.V2.Position, t.V3.Position} {
			c := cellOf(v)
			sums[c] = sums[c].Add(v)
			counts[c]++
		}
	}
	mean := func(c [3]int) fauxgl.Vector { return sums[c].DivScalar(float64(counts[c])) }

	var res []*fauxgl.Triangle
	for _, t := range m.Triangles {
		c1, c2, c3 := cellOf(t.V1.Position), cellOf(t.V2.Position), cellOf(t.V3.Position)
		if c1 == c2 || c2 == c3 || c1 == c3 {
			continue
		}
		res = append(res, fauxgl.NewTriangleForPoints(mean(c1), mean(c2), mean(c3)))
	}
	return fauxgl.NewTriangleMesh(res)
}

// Outline is the wireframe of the bounding box of m.
func Outline(m *fauxgl.Mesh) *fauxgl.Mesh {
	if m == nil || len(m.Triangles) == 0 && len(m.Lines) == 0 {
		return fauxgl.NewEmptyMesh()
	}
	return fauxgl.NewCubeOutlineForBox(m.BoundingBox())
}
