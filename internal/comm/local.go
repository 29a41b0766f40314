package comm

import (
	"context"
	"fmt"
)

// localGroup connects ranks that live in the same OS process (one goroutine
// per rank).
type localGroup struct {
	boxes []*mailbox
}

type localController struct {
	rank int
	g    *localGroup
}

// NewLocalGroup returns the n controllers of an in-process parallel group.
func NewLocalGroup(n int) []Controller {
	g := &localGroup{boxes: make([]*mailbox, n)}
	for i := range g.boxes {
		g.boxes[i] = newMailbox()
	}
	res := make([]Controller, n)
	for i := range res {
		res[i] = &localController{rank: i, g: g}
	}
	return res
}

func (c *localController) Rank() int { return c.rank }
func (c *localController) Size() int { return len(c.g.boxes) }

func (c *localController) Send(ctx context.Context, dest, tag int, data []byte) error {
	if dest < 0 || dest >= len(c.g.boxes) {
		return fmt.Errorf("comm: send to invalid rank %d (size %d)", dest, len(c.g.boxes))
	}
	if err := ctx.Err(); err != nil {
		return contextError("send", err)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.g.boxes[dest].put(c.rank, tag, buf)
	return nil
}

func (c *localController) Receive(ctx context.Context, src, tag int) ([]byte, error) {
	if src < 0 || src >= len(c.g.boxes) {
		return nil, fmt.Errorf("comm: receive from invalid rank %d (size %d)", src, len(c.g.boxes))
	}
	return c.g.boxes[c.rank].take(ctx, "receive", src, tag)
}

func (c *localController) Barrier(ctx context.Context) error {
	return messageBarrier(ctx, c)
}

// Close fails pending and future receives of this rank with ErrClosed once
// its queues are drained. Other ranks are unaffected.
func (c *localController) Close() error {
	c.g.boxes[c.rank].fail(ErrClosed)
	return nil
}
