package render

import (
	"image/color"
	"sync"

	v3 "github.com/deadsy/sdfx/vec/v3"
	"github.com/fogleman/fauxgl"
)

// Prop is something a Renderer draws.
type Prop interface {
	Bounds() Bounds
	Visible() bool
	// Opacity in [0,1]. Props below 1 are drawn after every opaque prop and
	// do not occlude anything.
	Opacity() float64
	// Draw rasterizes the prop with the given view-projection matrix.
	Draw(dc *fauxgl.Context, matrix fauxgl.Matrix, eye v3.Vec)
}

// MeshProp draws a triangle (or line) mesh with a single color.
type MeshProp struct {
	mu        sync.RWMutex
	mesh      *fauxgl.Mesh
	color     color.NRGBA
	opacity   float64
	visible   bool
	wireframe bool
	lightDir  v3.Vec
}

// NewMeshProp wraps mesh, which may be nil until SetMesh is called.
func NewMeshProp(mesh *fauxgl.Mesh) *MeshProp {
	return &MeshProp{
		mesh:     mesh,
		color:    color.NRGBA{R: 200, G: 200, B: 200, A: 255},
		opacity:  1,
		visible:  true,
		lightDir: v3.Vec{X: -1, Y: 1, Z: 1.5}.Normalize(),
	}
}

// SetMesh replaces the drawn geometry.
func (p *MeshProp) SetMesh(mesh *fauxgl.Mesh) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mesh = mesh
}

// Mesh returns the drawn geometry.
func (p *MeshProp) Mesh() *fauxgl.Mesh {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mesh
}

func (p *MeshProp) SetColor(c color.NRGBA) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.color = c
}

func (p *MeshProp) SetOpacity(o float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opacity = o
}

func (p *MeshProp) SetVisible(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible = v
}

func (p *MeshProp) SetWireframe(w bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wireframe = w
}

func (p *MeshProp) Opacity() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opacity
}

func (p *MeshProp) Visible() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.visible && p.mesh != nil && (len(p.mesh.Triangles) > 0 || len(p.mesh.Lines) > 0)
}

func (p *MeshProp) Bounds() Bounds {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.mesh == nil || (len(p.mesh.Triangles) == 0 && len(p.mesh.Lines) == 0) {
		return EmptyBounds()
	}
	return BoundsFromFauxgl(p.mesh.BoundingBox())
}

func (p *MeshProp) Draw(dc *fauxgl.Context, matrix fauxgl.Matrix, eye v3.Vec) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.mesh == nil {
		return
	}
	objColor := p.color
	objColor.A = 255 // opacity is applied when blending the whole prop
	if len(p.mesh.Triangles) == 0 {
		// Outlines have no normals to shade
		dc.Shader = fauxgl.NewSolidColorShader(matrix, fauxgl.MakeColor(objColor))
		dc.Wireframe = true
	} else {
		shader := fauxgl.NewPhongShader(matrix, toFauxgl(p.lightDir), toFauxgl(eye))
		shader.ObjectColor = fauxgl.MakeColor(objColor)
		dc.Shader = shader
		dc.Wireframe = p.wireframe
	}
	dc.DrawMesh(p.mesh)
}
