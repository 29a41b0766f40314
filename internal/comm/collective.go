package comm

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
)

// Op is an element-wise reduction operation.
type Op int

const (
	OpSum Op = iota
	OpMax
	OpMin
)

func (op Op) String() string {
	switch op {
	case OpSum:
		return "sum"
	case OpMax:
		return "max"
	case OpMin:
		return "min"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// Number is any fixed-size scalar that can travel through a reduction.
type Number interface {
	~int32 | ~int64 | ~uint32 | ~uint64 | ~float64
}

func apply[T Number](op Op, acc, in []T) {
	for i := range acc {
		switch op {
		case OpSum:
			acc[i] += in[i]
		case OpMax:
			if in[i] > acc[i] {
				acc[i] = in[i]
			}
		case OpMin:
			if in[i] < acc[i] {
				acc[i] = in[i]
			}
		}
	}
}

// EncodeNumbers serializes a fixed-size scalar slice (little endian).
func EncodeNumbers[T Number](vals []T) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8*len(vals)))
	_ = binary.Write(buf, binary.LittleEndian, vals) // writes to a bytes.Buffer never fail
	return buf.Bytes()
}

// DecodeNumbers parses exactly n values written by EncodeNumbers.
func DecodeNumbers[T Number](data []byte, n int) ([]T, error) {
	out := make([]T, n)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("comm: decode %d values: %w", n, err)
	}
	return out, nil
}

// SendNumbers is Send with an EncodeNumbers payload.
func SendNumbers[T Number](ctx context.Context, c Controller, dest, tag int, vals []T) error {
	return c.Send(ctx, dest, tag, EncodeNumbers(vals))
}

// ReceiveNumbers receives exactly n values sent by SendNumbers.
func ReceiveNumbers[T Number](ctx context.Context, c Controller, src, tag, n int) ([]T, error) {
	data, err := c.Receive(ctx, src, tag)
	if err != nil {
		return nil, err
	}
	return DecodeNumbers[T](data, n)
}

// Broadcast sends data from root to every other rank and returns it on all of
// them. On a Link the local side is rank 0 and the peer is RemoteRank.
func Broadcast(ctx context.Context, c Controller, root int, data []byte) ([]byte, error) {
	if c.Rank() == root {
		for r := 0; r < c.Size(); r++ {
			if r == root {
				continue
			}
			if err := c.Send(ctx, r, tagBroadcast, data); err != nil {
				return nil, fmt.Errorf("broadcast to %d: %w", r, err)
			}
		}
		return data, nil
	}
	data, err := c.Receive(ctx, root, tagBroadcast)
	if err != nil {
		return nil, fmt.Errorf("broadcast from %d: %w", root, err)
	}
	return data, nil
}

// BroadcastNumbers is Broadcast for scalar slices of a known length.
func BroadcastNumbers[T Number](ctx context.Context, c Controller, root int, vals []T) ([]T, error) {
	data, err := Broadcast(ctx, c, root, EncodeNumbers(vals))
	if err != nil {
		return nil, err
	}
	return DecodeNumbers[T](data, len(vals))
}

// Reduce combines vals element-wise on root. The combined result is only
// meaningful on root; other ranks get their own input back.
func Reduce[T Number](ctx context.Context, c Controller, root int, vals []T, op Op) ([]T, error) {
	acc := append([]T(nil), vals...)
	if c.Rank() != root {
		if err := SendNumbers(ctx, c, root, tagReduce, vals); err != nil {
			return nil, fmt.Errorf("reduce (%s) to %d: %w", op, root, err)
		}
		return acc, nil
	}
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		in, err := ReceiveNumbers[T](ctx, c, r, tagReduce, len(vals))
		if err != nil {
			return nil, fmt.Errorf("reduce (%s) from %d: %w", op, r, err)
		}
		apply(op, acc, in)
	}
	return acc, nil
}

// AllReduce is Reduce to rank 0 followed by a Broadcast of the result.
func AllReduce[T Number](ctx context.Context, c Controller, vals []T, op Op) ([]T, error) {
	acc, err := Reduce(ctx, c, 0, vals, op)
	if err != nil {
		return nil, err
	}
	return BroadcastNumbers(ctx, c, 0, acc)
}

// Gather collects one payload per rank on root, indexed by rank. Non-root
// ranks get nil.
func Gather(ctx context.Context, c Controller, root int, data []byte) ([][]byte, error) {
	if c.Rank() != root {
		if err := c.Send(ctx, root, tagGather, data); err != nil {
			return nil, fmt.Errorf("gather to %d: %w", root, err)
		}
		return nil, nil
	}
	res := make([][]byte, c.Size())
	res[root] = data
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		in, err := c.Receive(ctx, r, tagGather)
		if err != nil {
			return nil, fmt.Errorf("gather from %d: %w", r, err)
		}
		res[r] = in
	}
	return res, nil
}

// AllGather is Gather on rank 0 followed by a broadcast of every payload.
func AllGather(ctx context.Context, c Controller, data []byte) ([][]byte, error) {
	parts, err := Gather(ctx, c, 0, data)
	if err != nil {
		return nil, err
	}
	res := make([][]byte, c.Size())
	for r := range res {
		var part []byte
		if c.Rank() == 0 {
			part = parts[r]
		}
		if res[r], err = Broadcast(ctx, c, 0, part); err != nil {
			return nil, err
		}
	}
	return res, nil
}
