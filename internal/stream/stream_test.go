package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamBytesKeepsOrderAndTypes(t *testing.T) {
	s := &Stream{}
	s.PushUint(2).PushInt(-3).PushFloat(0.25).PushString("<Selection/>")
	data, err := s.Bytes()
	require.NoError(t, err)

	got, err := FromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Len())
	r := &Reader{S: got}
	assert.Equal(t, uint64(2), r.Uint())
	assert.Equal(t, int64(-3), r.Int())
	assert.Equal(t, 0.25, r.Float())
	assert.Equal(t, "<Selection/>", r.Text())
	require.NoError(t, r.Err)
	assert.Equal(t, 0, got.Len())
}

func TestStreamTypeMismatch(t *testing.T) {
	s := (&Stream{}).PushFloat(1)
	_, err := s.Int()
	assert.ErrorIs(t, err, ErrTypeMismatch)
	v, err := s.Float()
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
	_, err = s.Float()
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestReaderStopsAtFirstError(t *testing.T) {
	r := &Reader{S: (&Stream{}).PushString("x").PushInt(4)}
	assert.Equal(t, int64(0), r.Int())
	assert.ErrorIs(t, r.Err, ErrTypeMismatch)
	assert.Equal(t, "", r.Text())
}

func TestEmptyBytes(t *testing.T) {
	s, err := FromBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}
