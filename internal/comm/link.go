package comm

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/Yeicor/pvrender/internal/logging"
)

// frameConn transports whole tagged frames.
type frameConn interface {
	writeFrame(tag int, data []byte) error
	readFrame() (tag int, data []byte, err error)
	Close() error
}

// Link is a client-server pair controller. Incoming frames are demultiplexed
// by tag by a background reader so that messages for different tags never
// block each other.
type Link struct {
	conn      frameConn
	writeMu   sync.Mutex
	box       *mailbox
	closeOnce sync.Once
	closeErr  error
}

func newLink(conn frameConn) *Link {
	l := &Link{conn: conn, box: newMailbox()}
	go l.readLoop()
	return l
}

// NewLink wraps a stream connection (TCP, unix socket, net.Pipe...).
func NewLink(conn io.ReadWriteCloser) *Link {
	return newLink(&gobConn{rwc: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)})
}

func (l *Link) readLoop() {
	for {
		tag, data, err := l.conn.readFrame()
		if err != nil {
			logging.For("comm").Debug("link reader stopped", "err", err)
			l.box.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		l.box.put(RemoteRank, tag, data)
	}
}

func (l *Link) Rank() int { return 0 }
func (l *Link) Size() int { return 2 }

func (l *Link) Send(ctx context.Context, dest, tag int, data []byte) error {
	if dest != RemoteRank {
		return fmt.Errorf("comm: link can only send to rank %d, not %d", RemoteRank, dest)
	}
	if err := ctx.Err(); err != nil {
		return contextError("send", err)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.writeFrame(tag, data); err != nil {
		return fmt.Errorf("comm: link send (tag %d): %w", tag, err)
	}
	return nil
}

func (l *Link) Receive(ctx context.Context, src, tag int) ([]byte, error) {
	if src != RemoteRank {
		return nil, fmt.Errorf("comm: link can only receive from rank %d, not %d", RemoteRank, src)
	}
	return l.box.take(ctx, "receive", src, tag)
}

// Barrier on a link is a symmetric exchange of empty messages.
func (l *Link) Barrier(ctx context.Context) error {
	if err := l.Send(ctx, RemoteRank, tagBarrier, nil); err != nil {
		return err
	}
	_, err := l.Receive(ctx, RemoteRank, tagBarrier)
	return err
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
		l.box.fail(ErrClosed)
	})
	return l.closeErr
}

type frame struct {
	Tag  int
	Data []byte
}

type gobConn struct {
	rwc io.ReadWriteCloser
	enc *gob.Encoder
	dec *gob.Decoder
}

func (c *gobConn) writeFrame(tag int, data []byte) error {
	return c.enc.Encode(&frame{Tag: tag, Data: data})
}

func (c *gobConn) readFrame() (int, []byte, error) {
	var f frame
	if err := c.dec.Decode(&f); err != nil {
		return 0, nil, err
	}
	return f.Tag, f.Data, nil
}

func (c *gobConn) Close() error {
	return c.rwc.Close()
}
