package pvrender

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/Yeicor/pvrender/internal/tile"
)

// Limits of the view settings. Values outside are clamped.
const (
	MaxStillRenderImageReductionFactor       = 20
	MaxInteractiveRenderImageReductionFactor = 20
)

// Config holds the render settings of a session. Sizes and thresholds are in
// KiB of geometry.
type Config struct {
	StillRenderImageReductionFactor       int     `toml:"still_render_image_reduction_factor"`
	InteractiveRenderImageReductionFactor int     `toml:"interactive_render_image_reduction_factor"`
	RemoteRenderThreshold                 float64 `toml:"remote_render_threshold"`
	LODRenderThreshold                    float64 `toml:"lod_render_threshold"`
	ClientOutlineThreshold                float64 `toml:"client_outline_threshold"`
	LODResolution                         float64 `toml:"lod_resolution"`

	// CollectiveTimeout bounds every collective call, as a Go duration
	// ("5s"). Empty waits forever.
	CollectiveTimeout string `toml:"collective_timeout"`
	// RenderEventPropagation lets the driver trigger the renders of the other
	// processes. Defaults to true.
	RenderEventPropagation *bool `toml:"render_event_propagation"`

	// Tiles is the display wall driven by the server. TileFile, when set,
	// replaces it and is reloaded on change.
	Tiles    tile.Config `toml:"tiles"`
	TileFile string      `toml:"tile_file"`
}

// DefaultConfig renders everything remotely at full resolution while still,
// and at half resolution while interacting.
func DefaultConfig() Config {
	return Config{
		StillRenderImageReductionFactor:       1,
		InteractiveRenderImageReductionFactor: 2,
		RemoteRenderThreshold:                 0,
		LODRenderThreshold:                    0,
		ClientOutlineThreshold:                100,
		LODResolution:                         0.5,
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	if _, err := c.Timeout(); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c.clamped(), nil
}

// Timeout parses CollectiveTimeout.
func (c Config) Timeout() (time.Duration, error) {
	if c.CollectiveTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.CollectiveTimeout)
	if err != nil {
		return 0, fmt.Errorf("collective_timeout: %w", err)
	}
	return d, nil
}

func (c Config) propagation() bool {
	return c.RenderEventPropagation == nil || *c.RenderEventPropagation
}

func (c Config) clamped() Config {
	c.StillRenderImageReductionFactor = clampInt(c.StillRenderImageReductionFactor, 1, MaxStillRenderImageReductionFactor)
	c.InteractiveRenderImageReductionFactor = clampInt(c.InteractiveRenderImageReductionFactor, 1, MaxInteractiveRenderImageReductionFactor)
	c.LODResolution = max(0, min(c.LODResolution, 1))
	return c
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
