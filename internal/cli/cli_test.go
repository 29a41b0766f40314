package cli

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yeicor/pvrender"
)

func TestParseLevel(t *testing.T) {
	_, on, err := ParseLevel("off")
	require.NoError(t, err)
	assert.False(t, on)

	l, on, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, slog.LevelDebug, l)

	_, _, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	t.Cleanup(func() { pvrender.SetLogger(nil) })
	require.NoError(t, SetupLogging("warn"))
	assert.True(t, pvrender.Logger().Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, pvrender.Logger().Enabled(context.Background(), slog.LevelInfo))
	require.NoError(t, SetupLogging("off"))
	assert.False(t, pvrender.Logger().Enabled(context.Background(), slog.LevelError))
}

func TestSignalContextCancel(t *testing.T) {
	ctx, cancel := SignalContext(context.Background())
	cancel()
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestLoadConfigDefault(t *testing.T) {
	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, pvrender.DefaultConfig(), c)
}
