// Package comm provides the blocking message-passing layer used by the render
// synchronization protocol: an MPI-like parallel group, point-to-point
// client-server links and the collectives built on top of them.
package comm

import (
	"context"
	"errors"
	"sync"
)

// Controller is one endpoint of a communicator. Every call blocks until the
// matching call on the peer side happened (or ctx is done).
//
// Parallel groups number their processes 0..Size()-1. Client-server links are
// pairs: both ends see themselves as rank 0 and the peer as RemoteRank.
type Controller interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dest, tag int, data []byte) error
	Receive(ctx context.Context, src, tag int) ([]byte, error)
	Barrier(ctx context.Context) error
	Close() error
}

// RemoteRank is the rank of the peer on a client-server link.
const RemoteRank = 1

// Reserved tags. Application tags must be positive.
const (
	tagBarrier = -1 - iota
	tagBroadcast
	tagReduce
	tagGather
	tagRMI
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("comm: controller closed")

type mailboxKey struct{ src, tag int }

// mailbox is an unbounded per-(source, tag) queue of received messages.
type mailbox struct {
	mu     sync.Mutex
	queues map[mailboxKey][][]byte
	wake   chan struct{}
	err    error
}

func newMailbox() *mailbox {
	return &mailbox{queues: map[mailboxKey][][]byte{}, wake: make(chan struct{})}
}

func (m *mailbox) put(src, tag int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mailboxKey{src, tag}
	m.queues[k] = append(m.queues[k], data)
	close(m.wake)
	m.wake = make(chan struct{})
}

// fail wakes every waiter; later takes drain queued messages first.
func (m *mailbox) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	m.err = err
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *mailbox) take(ctx context.Context, op string, src, tag int) ([]byte, error) {
	k := mailboxKey{src, tag}
	for {
		m.mu.Lock()
		if q := m.queues[k]; len(q) > 0 {
			data := q[0]
			if len(q) == 1 {
				delete(m.queues, k)
			} else {
				m.queues[k] = q[1:]
			}
			m.mu.Unlock()
			return data, nil
		}
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return nil, err
		}
		wake := m.wake
		m.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, contextError(op, ctx.Err())
		}
	}
}

// messageBarrier implements Barrier with plain messages: every rank reports to
// rank 0, which then releases everybody.
func messageBarrier(ctx context.Context, c Controller) error {
	if c.Size() <= 1 {
		return nil
	}
	if c.Rank() == 0 {
		for r := 1; r < c.Size(); r++ {
			if _, err := c.Receive(ctx, r, tagBarrier); err != nil {
				return err
			}
		}
		for r := 1; r < c.Size(); r++ {
			if err := c.Send(ctx, r, tagBarrier, nil); err != nil {
				return err
			}
		}
		return nil
	}
	if err := c.Send(ctx, 0, tagBarrier, nil); err != nil {
		return err
	}
	_, err := c.Receive(ctx, 0, tagBarrier)
	return err
}
