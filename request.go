package pvrender

import (
	"context"

	"github.com/Yeicor/pvrender/internal/compositor"
	"github.com/Yeicor/pvrender/internal/delivery"
	"github.com/Yeicor/pvrender/internal/render"
)

// RequestKind is one pass of a render over the representations of a view.
type RequestKind int

const (
	// RequestUpdate brings the data of the representation up to date.
	RequestUpdate RequestKind = iota
	// RequestInformation asks for the size of the local geometry and whether
	// it needs ordered compositing.
	RequestInformation
	// RequestPrepareForRender asks the representation to deliver its geometry
	// following the flags of the request.
	RequestPrepareForRender
	// RequestRender is the last chance to bind the delivered geometry before
	// drawing.
	RequestRender
)

func (k RequestKind) String() string {
	switch k {
	case RequestUpdate:
		return "update"
	case RequestInformation:
		return "information"
	case RequestPrepareForRender:
		return "prepare-for-render"
	case RequestRender:
		return "render"
	}
	return "unknown"
}

// Request is shared by the view and every representation during a pass. The
// view sets the flags, representations add their reports.
type Request struct {
	// Reports, accumulated over the representations of this process.
	GeometrySize           uint64 // KiB
	NeedOrderedCompositing bool
	// RedistributableDataProducer is set by representations whose geometry
	// can be redistributed for ordered compositing. ProducerBounds merges the
	// bounds of what they deliver to this process.
	RedistributableDataProducer bool
	ProducerBounds              render.Bounds

	// Flags, identical on every process.
	Interactive            bool
	DistributedRendering   bool
	DataDistributionMode   delivery.Mode
	UseLOD                 bool
	DeliverLODToClient     bool
	DeliverOutlineToClient bool
	LODResolution          float64
	KdTree                 *compositor.KdTree
}

// Representation is a piece of data shown in a RenderView. Every process adds
// the same representations to the same views in the same order: passes that
// deliver geometry are collective.
type Representation interface {
	// ProcessViewRequest runs one pass. It returns false for passes the
	// representation does not take part in.
	ProcessViewRequest(ctx context.Context, kind RequestKind, req *Request) (bool, error)
	// Bounds of the local data, as of the last update.
	Bounds() render.Bounds
	AddToView(v *RenderView)
	RemoveFromView(v *RenderView)
}
