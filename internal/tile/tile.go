// Package tile describes tiled display walls: the server-side tile
// configuration and the per-rank viewport math derived from it.
package tile

// DefaultWindowSize is the pixel size of one tile window when none is
// configured.
var DefaultWindowSize = [2]int{400, 400}

// Config is the tile capability of a server. Dimensions are columns x rows,
// a zero dimension counts as 1. Mullions are the pixel gaps between tiles
// (negative values mean overlap).
type Config struct {
	Dimensions [2]int `toml:"dimensions"`
	Mullions   [2]int `toml:"mullions"`
	WindowSize [2]int `toml:"window_size"`
}

// Source provides the current tile configuration. It is queried once per
// layout computation.
type Source interface {
	TileConfig() Config
}

// Static is a fixed Source.
type Static Config

func (s Static) TileConfig() Config { return Config(s) }

// DisplayParameters returns the normalized tile dimensions and whether tile
// display mode is on. Any non-zero dimension turns it on.
func (c Config) DisplayParameters() (dims [2]int, on bool) {
	dims = c.Dimensions
	on = dims[0] > 0 || dims[1] > 0
	for i := range dims {
		if dims[i] <= 0 {
			dims[i] = 1
		}
	}
	return dims, on
}

// TileWindowSize returns the configured tile window size or the default.
func (c Config) TileWindowSize() [2]int {
	if c.WindowSize[0] <= 0 || c.WindowSize[1] <= 0 {
		return DefaultWindowSize
	}
	return c.WindowSize
}

// Helper computes tile placement for one tile grid.
type Helper struct {
	Dimensions [2]int
	Mullions   [2]int
	WindowSize [2]int
}

// NewHelper builds a Helper from a configuration, with normalized dimensions.
func NewHelper(c Config) Helper {
	dims, _ := c.DisplayParameters()
	return Helper{Dimensions: dims, Mullions: c.Mullions, WindowSize: c.TileWindowSize()}
}

// Index returns the grid position of the tile shown by rank. Rows are
// counted bottom-up, so rank 0 is the top-left tile.
func (h Helper) Index(rank int) (x, y int) {
	x = rank % h.Dimensions[0]
	y = rank / h.Dimensions[0]
	return x, h.Dimensions[1] - y - 1
}

// Count is the number of tiles in the grid.
func (h Helper) Count() int {
	return h.Dimensions[0] * h.Dimensions[1]
}

// NormalizedTileViewport returns the [xmin,ymin,xmax,ymax] rectangle of the
// whole display covered by rank's tile.
func (h Helper) NormalizedTileViewport(rank int) [4]float64 {
	var mullions [2]float64
	for i := range mullions {
		mullions[i] = float64(h.Mullions[i]) / float64(h.WindowSize[i]*h.Dimensions[i])
	}
	x, y := h.Index(rank)
	w, hh := 1/float64(h.Dimensions[0]), 1/float64(h.Dimensions[1])
	vp := [4]float64{float64(x) * w, float64(y) * hh, float64(x+1) * w, float64(y+1) * hh}
	vp[0] += float64(x) * mullions[0]
	vp[1] += float64(y) * mullions[1]
	vp[2] += float64(x) * mullions[0]
	vp[3] += float64(y) * mullions[1]
	return vp
}

// DisplaySize is the pixel size of the whole wall: every tile plus the
// mullions between them.
func (h Helper) DisplaySize() [2]int {
	var res [2]int
	for i := range res {
		res[i] = h.Dimensions[i]*h.WindowSize[i] + (h.Dimensions[i]-1)*h.Mullions[i]
	}
	return res
}

// PixelViewport is the tile's pixel rectangle [x0,y0,x1,y1) inside the
// display, with y counted bottom-up like viewports.
func (h Helper) PixelViewport(rank int) [4]int {
	x, y := h.Index(rank)
	x0 := x * (h.WindowSize[0] + h.Mullions[0])
	y0 := y * (h.WindowSize[1] + h.Mullions[1])
	return [4]int{x0, y0, x0 + h.WindowSize[0], y0 + h.WindowSize[1]}
}
