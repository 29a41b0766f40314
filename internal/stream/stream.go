// Package stream implements a typed value stream for protocol messages:
// values are read back in the order they were pushed and a read of the wrong
// type is reported instead of silently reinterpreting bytes.
package stream

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// Kind identifies the type of one stream value.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindUint
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// value is exported field-wise for gob.
type value struct {
	K Kind
	I int64
	U uint64
	F float64
	S string
}

var (
	// ErrEndOfStream is returned when reading past the last value.
	ErrEndOfStream = errors.New("stream: end of stream")
	// ErrTypeMismatch is returned when the next value has another type.
	ErrTypeMismatch = errors.New("stream: type mismatch")
)

// Stream is a FIFO of typed values. The zero value is an empty stream.
type Stream struct {
	values []value
	pos    int
}

// PushInt appends a signed integer.
func (s *Stream) PushInt(v int64) *Stream {
	s.values = append(s.values, value{K: KindInt, I: v})
	return s
}

// PushUint appends an unsigned integer.
func (s *Stream) PushUint(v uint64) *Stream {
	s.values = append(s.values, value{K: KindUint, U: v})
	return s
}

// PushFloat appends a double.
func (s *Stream) PushFloat(v float64) *Stream {
	s.values = append(s.values, value{K: KindFloat, F: v})
	return s
}

// PushString appends a string blob.
func (s *Stream) PushString(v string) *Stream {
	s.values = append(s.values, value{K: KindString, S: v})
	return s
}

func (s *Stream) next(k Kind) (value, error) {
	if s.pos >= len(s.values) {
		return value{}, ErrEndOfStream
	}
	v := s.values[s.pos]
	if v.K != k {
		return value{}, fmt.Errorf("%w: want %s, have %s at position %d", ErrTypeMismatch, k, v.K, s.pos)
	}
	s.pos++
	return v, nil
}

// Int pops a signed integer.
func (s *Stream) Int() (int64, error) {
	v, err := s.next(KindInt)
	return v.I, err
}

// Uint pops an unsigned integer.
func (s *Stream) Uint() (uint64, error) {
	v, err := s.next(KindUint)
	return v.U, err
}

// Float pops a double.
func (s *Stream) Float() (float64, error) {
	v, err := s.next(KindFloat)
	return v.F, err
}

// Text pops a string blob.
func (s *Stream) Text() (string, error) {
	v, err := s.next(KindString)
	return v.S, err
}

// Len is the number of values left to read.
func (s *Stream) Len() int {
	return len(s.values) - s.pos
}

// Reset rewinds the read position.
func (s *Stream) Reset() {
	s.pos = 0
}

// Bytes serializes the unread values.
func (s *Stream) Bytes() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(s.values[s.pos:]); err != nil {
		return nil, fmt.Errorf("stream: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes parses data produced by Bytes.
func FromBytes(data []byte) (*Stream, error) {
	s := &Stream{}
	if len(data) == 0 {
		return s, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s.values); err != nil {
		return nil, fmt.Errorf("stream: decode: %w", err)
	}
	return s, nil
}

// Reader accumulates the first read error so that long fixed layouts can be
// parsed without checking every call.
type Reader struct {
	S   *Stream
	Err error
}

func (r *Reader) Int() int64 {
	if r.Err != nil {
		return 0
	}
	v, err := r.S.Int()
	r.Err = err
	return v
}

func (r *Reader) Uint() uint64 {
	if r.Err != nil {
		return 0
	}
	v, err := r.S.Uint()
	r.Err = err
	return v
}

func (r *Reader) Float() float64 {
	if r.Err != nil {
		return 0
	}
	v, err := r.S.Float()
	r.Err = err
	return v
}

func (r *Reader) Text() string {
	if r.Err != nil {
		return ""
	}
	v, err := r.S.Text()
	r.Err = err
	return v
}
