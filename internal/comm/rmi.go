package comm

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/Yeicor/pvrender/internal/logging"
)

// BreakRMITag stops a ProcessRMIs loop.
const BreakRMITag = 239954

// RMIFunc handles one remote method invocation. remote is the rank that
// triggered it on the controller being served.
type RMIFunc func(ctx context.Context, payload []byte, remote int) error

type rmiMessage struct {
	Tag     int
	Payload []byte
}

// Dispatcher maps RMI tags to handlers, in the same spirit as a net/rpc
// server: remote peers name the method by tag and pass an opaque payload.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[int]RMIFunc
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[int]RMIFunc{}}
}

// Handle registers fn for tag, replacing any previous handler.
func (d *Dispatcher) Handle(tag int, fn RMIFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tag] = fn
}

// Remove unregisters the handler for tag.
func (d *Dispatcher) Remove(tag int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, tag)
}

// TriggerRMI asks dest to run the handler registered for tag.
func TriggerRMI(ctx context.Context, c Controller, dest, tag int, payload []byte) error {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(&rmiMessage{Tag: tag, Payload: payload}); err != nil {
		return err
	}
	if err := c.Send(ctx, dest, tagRMI, buf.Bytes()); err != nil {
		return fmt.Errorf("trigger rmi %d on %d: %w", tag, dest, err)
	}
	return nil
}

// TriggerRMIOnAllChildren triggers tag on every rank but the caller's. On a
// Link this is the remote peer.
func TriggerRMIOnAllChildren(ctx context.Context, c Controller, tag int, payload []byte) error {
	for r := 0; r < c.Size(); r++ {
		if r == c.Rank() {
			continue
		}
		if err := TriggerRMI(ctx, c, r, tag, payload); err != nil {
			return err
		}
	}
	return nil
}

// TriggerBreakRMIs stops the ProcessRMIs loops of every child.
func TriggerBreakRMIs(ctx context.Context, c Controller) error {
	return TriggerRMIOnAllChildren(ctx, c, BreakRMITag, nil)
}

// ErrUnknownRMI is returned for a tag nobody registered.
var ErrUnknownRMI = errors.New("comm: no handler for rmi")

// ProcessRMI receives one RMI from src and runs its handler. done is true when
// the break RMI was received.
func (d *Dispatcher) ProcessRMI(ctx context.Context, c Controller, src int) (done bool, err error) {
	data, err := c.Receive(ctx, src, tagRMI)
	if err != nil {
		return false, err
	}
	var msg rmiMessage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return false, fmt.Errorf("comm: decode rmi: %w", err)
	}
	if msg.Tag == BreakRMITag {
		return true, nil
	}
	d.mu.RLock()
	fn := d.handlers[msg.Tag]
	d.mu.RUnlock()
	if fn == nil {
		logging.For("comm").Warn("ignoring rmi without handler", "tag", msg.Tag)
		return false, fmt.Errorf("%w %d", ErrUnknownRMI, msg.Tag)
	}
	return false, fn(ctx, msg.Payload, src)
}

// ProcessRMIs serves RMIs from src until a break RMI arrives, ctx is done or
// the controller fails. Handler errors for unknown tags are logged and
// skipped; any other handler error stops the loop.
func (d *Dispatcher) ProcessRMIs(ctx context.Context, c Controller, src int) error {
	for {
		done, err := d.ProcessRMI(ctx, c, src)
		if errors.Is(err, ErrUnknownRMI) {
			continue
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
