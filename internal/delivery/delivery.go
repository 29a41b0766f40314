// Package delivery moves the geometry of a representation from the processes
// that produce it to the processes that render it.
package delivery

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/fogleman/fauxgl"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/process"
)

// Mode says where the geometry ends up.
type Mode int

const (
	// PassThrough leaves every piece on the rank that renders it. The client
	// gets nothing.
	PassThrough Mode = iota
	// Collect gathers every piece on the client (or the batch root).
	Collect
	// Clone gives the whole geometry to every process.
	Clone
	// CollectAndPassThrough keeps the pieces where they are and also gives the
	// whole geometry to the client.
	CollectAndPassThrough
)

func (m Mode) String() string {
	switch m {
	case PassThrough:
		return "pass-through"
	case Collect:
		return "collect"
	case Clone:
		return "clone"
	case CollectAndPassThrough:
		return "collect-and-pass-through"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

const (
	deliveryTag     = 23000
	redistributeTag = 23001
)

// HoldsData reports whether processes of this kind run the data pipeline.
// Clients and pure render servers only receive geometry.
func HoldsData(role process.Role, m *process.Module) bool {
	switch role {
	case process.Client:
		return false
	case process.RenderServer:
		return m.Type != process.TypeRenderServer
	}
	return role != process.Invalid
}

// Mover runs the delivery collectives of one process.
type Mover struct {
	module  *process.Module
	role    process.Role
	timeout time.Duration
}

// New returns a mover for the process described by m. timeout bounds every
// delivery, zero waits forever.
func New(m *process.Module, role process.Role, timeout time.Duration) *Mover {
	return &Mover{module: m, role: role, timeout: timeout}
}

// Deliver returns the geometry this process renders for mode, given the piece
// it produced (ignored where HoldsData is false). Every process of the
// session must call it with the same mode, in the same order.
func (mv *Mover) Deliver(ctx context.Context, mode Mode, local *fauxgl.Mesh) (*fauxgl.Mesh, error) {
	ctx, cancel := comm.WithTimeout(ctx, mv.timeout)
	defer cancel()
	if local == nil || !HoldsData(mv.role, mv.module) {
		local = fauxgl.NewEmptyMesh()
	}
	var res *fauxgl.Mesh
	var err error
	switch mv.role {
	case process.Standalone:
		res = local
	case process.Batch:
		res, err = mv.deliverBatch(ctx, mode, local)
	case process.Client:
		res, err = mv.deliverClient(ctx, mode)
	case process.DataServer:
		err = mv.deliverDataServer(ctx, local)
		res = fauxgl.NewEmptyMesh()
	case process.RenderServer:
		if mv.module.Type == process.TypeRenderServer {
			res, err = mv.deliverRenderServer(ctx, mode)
		} else {
			res, err = mv.deliverServer(ctx, mode, local)
		}
	default:
		return nil, fmt.Errorf("delivery: no delivery for role %s", mv.role)
	}
	if err != nil {
		return nil, fmt.Errorf("delivery: %s: %w", mode, err)
	}
	logging.For("delivery").Debug("delivered", "mode", mode, "role", mv.role,
		"rank", mv.module.Rank(), "triangles", len(res.Triangles), "lines", len(res.Lines))
	return res, nil
}

func (mv *Mover) parallel() comm.Controller {
	if p := mv.module.Parallel; p != nil && p.Size() > 1 {
		return p
	}
	return nil
}

// gather merges the pieces of every rank on rank 0. Other ranks get nil.
func (mv *Mover) gather(ctx context.Context, local *fauxgl.Mesh) (*fauxgl.Mesh, error) {
	p := mv.parallel()
	if p == nil {
		return local, nil
	}
	data, err := EncodeMesh(local)
	if err != nil {
		return nil, err
	}
	parts, err := comm.Gather(ctx, p, 0, data)
	if err != nil || p.Rank() != 0 {
		return nil, err
	}
	return decodeAll(parts)
}

// broadcast hands the mesh of rank 0 to every rank.
func (mv *Mover) broadcast(ctx context.Context, m *fauxgl.Mesh) (*fauxgl.Mesh, error) {
	p := mv.parallel()
	if p == nil {
		return m, nil
	}
	var data []byte
	var err error
	if p.Rank() == 0 {
		if data, err = EncodeMesh(m); err != nil {
			return nil, err
		}
	}
	if data, err = comm.Broadcast(ctx, p, 0, data); err != nil {
		return nil, err
	}
	return DecodeMesh(data)
}

func (mv *Mover) deliverBatch(ctx context.Context, mode Mode, local *fauxgl.Mesh) (*fauxgl.Mesh, error) {
	switch mode {
	case Collect:
		all, err := mv.gather(ctx, local)
		if all == nil && err == nil {
			all = fauxgl.NewEmptyMesh()
		}
		return all, err
	case Clone:
		all, err := mv.gather(ctx, local)
		if err != nil {
			return nil, err
		}
		return mv.broadcast(ctx, all)
	}
	return local, nil
}

// sendToClient gathers on the root, which forwards the whole geometry over
// its client link. The gathered mesh is returned on the root.
func (mv *Mover) sendToClient(ctx context.Context, local *fauxgl.Mesh) (*fauxgl.Mesh, error) {
	all, err := mv.gather(ctx, local)
	if err != nil {
		return nil, err
	}
	link := mv.module.ClientLink
	if link == nil {
		return all, nil
	}
	data, err := EncodeMesh(all)
	if err != nil {
		return nil, err
	}
	if err := link.Send(ctx, comm.RemoteRank, deliveryTag, data); err != nil {
		return nil, fmt.Errorf("send to client: %w", err)
	}
	return all, nil
}

func (mv *Mover) deliverServer(ctx context.Context, mode Mode, local *fauxgl.Mesh) (*fauxgl.Mesh, error) {
	if mode == PassThrough {
		return local, nil
	}
	all, err := mv.sendToClient(ctx, local)
	if err != nil {
		return nil, err
	}
	switch mode {
	case Collect:
		return fauxgl.NewEmptyMesh(), nil
	case Clone:
		return mv.broadcast(ctx, all)
	}
	return local, nil
}

// deliverDataServer always sends everything to the client, which relays it to
// the render server when that one needs it.
func (mv *Mover) deliverDataServer(ctx context.Context, local *fauxgl.Mesh) error {
	_, err := mv.sendToClient(ctx, local)
	return err
}

func (mv *Mover) deliverClient(ctx context.Context, mode Mode) (*fauxgl.Mesh, error) {
	ds, rs := mv.module.DataServer, mv.module.RenderServer
	if ds == nil {
		if mode == PassThrough {
			return fauxgl.NewEmptyMesh(), nil
		}
		return receiveMesh(ctx, rs)
	}
	all, err := receiveMesh(ctx, ds)
	if err != nil {
		return nil, err
	}
	if mode != Collect {
		data, err := EncodeMesh(all)
		if err != nil {
			return nil, err
		}
		if err := rs.Send(ctx, comm.RemoteRank, deliveryTag, data); err != nil {
			return nil, fmt.Errorf("relay to render server: %w", err)
		}
	}
	if mode == PassThrough {
		return fauxgl.NewEmptyMesh(), nil
	}
	return all, nil
}

// deliverRenderServer receives the relayed geometry on the root. Only Clone
// spreads it over the satellites.
func (mv *Mover) deliverRenderServer(ctx context.Context, mode Mode) (*fauxgl.Mesh, error) {
	if mode == Collect {
		return fauxgl.NewEmptyMesh(), nil
	}
	var all *fauxgl.Mesh
	if link := mv.module.ClientLink; link != nil {
		var err error
		if all, err = receiveMesh(ctx, link); err != nil {
			return nil, err
		}
	}
	if mode == Clone {
		return mv.broadcast(ctx, all)
	}
	if all == nil {
		all = fauxgl.NewEmptyMesh()
	}
	return all, nil
}

// Redistribute exchanges triangles over the parallel group so that each rank
// keeps the ones owner assigns to it, by centroid. Lines stay where they are.
// A negative owner keeps the triangle local. Every rank must call it.
func (mv *Mover) Redistribute(ctx context.Context, local *fauxgl.Mesh, owner func(c fauxgl.Vector) int) (*fauxgl.Mesh, error) {
	p := mv.parallel()
	if p == nil {
		return local, nil
	}
	if local == nil {
		local = fauxgl.NewEmptyMesh()
	}
	ctx, cancel := comm.WithTimeout(ctx, mv.timeout)
	defer cancel()

	rank, size := p.Rank(), p.Size()
	outgoing := make([]*fauxgl.Mesh, size)
	for r := range outgoing {
		outgoing[r] = fauxgl.NewEmptyMesh()
	}
	res := fauxgl.NewMesh(nil, local.Lines)
	for _, t := range local.Triangles {
		dest := owner(t.V1.Position.Add(t.V2.Position).Add(t.V3.Position).DivScalar(3))
		if dest < 0 || dest >= size || dest == rank {
			res.Triangles = append(res.Triangles, t)
			continue
		}
		outgoing[dest].Triangles = append(outgoing[dest].Triangles, t)
	}
	for r := 0; r < size; r++ {
		if r == rank {
			continue
		}
		data, err := EncodeMesh(outgoing[r])
		if err != nil {
			return nil, err
		}
		if err := p.Send(ctx, r, redistributeTag, data); err != nil {
			return nil, fmt.Errorf("delivery: redistribute to %d: %w", r, err)
		}
	}
	for r := 0; r < size; r++ {
		if r == rank {
			continue
		}
		data, err := p.Receive(ctx, r, redistributeTag)
		if err != nil {
			return nil, fmt.Errorf("delivery: redistribute from %d: %w", r, err)
		}
		in, err := DecodeMesh(data)
		if err != nil {
			return nil, err
		}
		res.Triangles = append(res.Triangles, in.Triangles...)
	}
	return res, nil
}

func receiveMesh(ctx context.Context, link comm.Controller) (*fauxgl.Mesh, error) {
	data, err := link.Receive(ctx, comm.RemoteRank, deliveryTag)
	if err != nil {
		return nil, fmt.Errorf("receive geometry: %w", err)
	}
	return DecodeMesh(data)
}

type wireMesh struct {
	Triangles []fauxgl.Triangle
	Lines     []fauxgl.Line
}

// EncodeMesh serializes m for another process. A nil mesh travels as an
// empty one.
func EncodeMesh(m *fauxgl.Mesh) ([]byte, error) {
	msg := wireMesh{}
	if m != nil {
		msg.Triangles = make([]fauxgl.Triangle, len(m.Triangles))
		for i, t := range m.Triangles {
			msg.Triangles[i] = *t
		}
		msg.Lines = make([]fauxgl.Line, len(m.Lines))
		for i, l := range m.Lines {
			msg.Lines[i] = *l
		}
	}
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(&msg); err != nil {
		return nil, fmt.Errorf("delivery: encode mesh: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMesh is the inverse of EncodeMesh.
func DecodeMesh(data []byte) (*fauxgl.Mesh, error) {
	var msg wireMesh
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("delivery: decode mesh: %w", err)
	}
	tris := make([]*fauxgl.Triangle, len(msg.Triangles))
	for i := range msg.Triangles {
		tris[i] = &msg.Triangles[i]
	}
	lines := make([]*fauxgl.Line, len(msg.Lines))
	for i := range msg.Lines {
		lines[i] = &msg.Lines[i]
	}
	return fauxgl.NewMesh(tris, lines), nil
}

func decodeAll(parts [][]byte) (*fauxgl.Mesh, error) {
	res := fauxgl.NewEmptyMesh()
	for _, data := range parts {
		m, err := DecodeMesh(data)
		if err != nil {
			return nil, err
		}
		res.Triangles = append(res.Triangles, m.Triangles...)
		res.Lines = append(res.Lines, m.Lines...)
	}
	return res, nil
}
