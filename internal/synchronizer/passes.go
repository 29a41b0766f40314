package synchronizer

import (
	"context"
	"fmt"
	"image/color"

	v3 "github.com/deadsy/sdfx/vec/v3"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/compositor"
	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/Yeicor/pvrender/internal/process"
	"github.com/Yeicor/pvrender/internal/render"
	"github.com/Yeicor/pvrender/internal/stream"
)

const (
	infoTag  = 22001 // renderer info, client to server root
	imageTag = 22002 // composited image, server root to client
)

// rendererInfo is what every process must agree on before compositing.
type rendererInfo struct {
	Camera     render.Camera
	Background color.NRGBA
	Reduction  int
}

func (i rendererInfo) encode() ([]byte, error) {
	c := i.Camera
	s := &stream.Stream{}
	s.PushFloat(c.Center.X).PushFloat(c.Center.Y).PushFloat(c.Center.Z).
		PushFloat(c.Yaw).PushFloat(c.Pitch).PushFloat(c.Dist).
		PushFloat(c.FovY).PushFloat(c.Near).PushFloat(c.Far).
		PushUint(uint64(i.Background.R)).PushUint(uint64(i.Background.G)).
		PushUint(uint64(i.Background.B)).PushUint(uint64(i.Background.A)).
		PushInt(int64(i.Reduction))
	return s.Bytes()
}

func decodeRendererInfo(data []byte) (rendererInfo, error) {
	s, err := stream.FromBytes(data)
	if err != nil {
		return rendererInfo{}, err
	}
	rd := &stream.Reader{S: s}
	var i rendererInfo
	i.Camera.Center = v3.Vec{X: rd.Float(), Y: rd.Float(), Z: rd.Float()}
	i.Camera.Yaw, i.Camera.Pitch, i.Camera.Dist = rd.Float(), rd.Float(), rd.Float()
	i.Camera.FovY, i.Camera.Near, i.Camera.Far = rd.Float(), rd.Float(), rd.Float()
	i.Background = color.NRGBA{R: uint8(rd.Uint()), G: uint8(rd.Uint()), B: uint8(rd.Uint()), A: uint8(rd.Uint())}
	i.Reduction = int(rd.Int())
	return i, rd.Err
}

func (s *Synchronizer) capture(r *render.Renderer) rendererInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rendererInfo{Camera: *r.Camera(), Background: r.Background(), Reduction: s.reduction}
}

func (s *Synchronizer) apply(r *render.Renderer, i rendererInfo) {
	*r.Camera() = i.Camera
	r.SetBackground(i.Background)
	s.mu.Lock()
	s.reduction = clampReduction(i.Reduction)
	s.mu.Unlock()
	if s.comp != nil {
		s.comp.SetImageReductionFactor(i.Reduction)
	}
}

// pass returns the chain for the role of this process. Called with s.mu held.
func (s *Synchronizer) pass() render.Pass {
	switch s.reg.Role() {
	case process.Client:
		return render.PassFunc(s.clientPass)
	case process.DataServer:
		return render.PassFunc(func(context.Context, *render.State) error { return nil })
	}
	if s.comp == nil {
		return render.DefaultPass
	}
	return render.Pipeline{
		render.PassFunc(s.serverInfoPass),
		s.comp.Pass(),
		render.PassFunc(s.serverReplyPass),
	}
}

func (s *Synchronizer) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return comm.WithTimeout(ctx, s.reg.Timeout())
}

// clientPass sends the renderer info to the server root, draws what was
// delivered to the client and, outside tile-display mode, pastes the image
// composited by the server over it.
func (s *Synchronizer) clientPass(ctx context.Context, st *render.State) error {
	link := s.reg.Module().RenderServer
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	data, err := s.capture(st.Renderer).encode()
	if err != nil {
		return err
	}
	if err := link.Send(ctx, comm.RemoteRank, infoTag, data); err != nil {
		return fmt.Errorf("synchronizer: send renderer info: %w", err)
	}
	if err := render.DefaultPass.Render(ctx, st); err != nil {
		return err
	}
	if _, tiles := s.reg.TileDisplayParameters(); tiles {
		return nil
	}

	data, err = link.Receive(ctx, comm.RemoteRank, imageTag)
	if err != nil {
		return fmt.Errorf("synchronizer: receive image: %w", err)
	}
	img, err := compositor.DecodeImage(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastRemote = img
	processor := s.processor
	s.mu.Unlock()
	if !img.Valid() {
		logging.For("synchronizer").Debug("server sent no image")
		return nil
	}
	if processor != nil {
		processor(img)
	}
	if st.Window != nil {
		st.Window.PasteOver(st.Renderer.PixelRect(), img.Color)
	}
	return nil
}

// serverInfoPass makes every rank use the camera of the driver: the root
// gets it from the client (if any) and broadcasts it to the satellites.
func (s *Synchronizer) serverInfoPass(ctx context.Context, st *render.State) error {
	m := s.reg.Module()
	p := m.Parallel
	parallel := p != nil && p.Size() > 1
	if m.ClientLink == nil && !parallel {
		return nil
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	var data []byte
	var err error
	if m.Rank() == 0 {
		if m.ClientLink != nil {
			if data, err = m.ClientLink.Receive(ctx, comm.RemoteRank, infoTag); err != nil {
				return fmt.Errorf("synchronizer: receive renderer info: %w", err)
			}
		} else if data, err = s.capture(st.Renderer).encode(); err != nil {
			return err
		}
	}
	if parallel {
		if data, err = comm.Broadcast(ctx, p, 0, data); err != nil {
			return fmt.Errorf("synchronizer: broadcast renderer info: %w", err)
		}
	}
	info, err := decodeRendererInfo(data)
	if err != nil {
		return fmt.Errorf("synchronizer: renderer info: %w", err)
	}
	s.apply(st.Renderer, info)
	return nil
}

// serverReplyPass sends the composited image of the root back to the client.
func (s *Synchronizer) serverReplyPass(ctx context.Context, st *render.State) error {
	m := s.reg.Module()
	if m.ClientLink == nil || m.Rank() != 0 {
		return nil
	}
	if _, tiles := s.reg.TileDisplayParameters(); tiles {
		return nil
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	data, err := compositor.EncodeImage(s.comp.LastRenderedTile().Image, false)
	if err != nil {
		return err
	}
	if err := m.ClientLink.Send(ctx, comm.RemoteRank, imageTag, data); err != nil {
		return fmt.Errorf("synchronizer: send image: %w", err)
	}
	return nil
}
