package tile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// LoadFile reads a tile configuration from a TOML file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tile config: %w", err)
	}
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("tile config %s: %w", path, err)
	}
	return c, nil
}

// Watched is a Source backed by a file that is reloaded when it changes.
// Readers always see a complete configuration.
type Watched struct {
	path string
	cur  atomic.Pointer[Config]
}

func (w *Watched) TileConfig() Config {
	return *w.cur.Load()
}

// Watch loads path and keeps reloading it until ctx is done. A reload that
// fails to parse keeps the previous configuration. The new value only
// affects layouts computed after the change, so every rank of a group should
// see the same file.
func Watch(ctx context.Context, path string) (*Watched, error) {
	c, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	w := &Watched{path: path}
	w.cur.Store(&c)
	watcher, err := newFsWatcher()
	if err != nil {
		return nil, fmt.Errorf("tile config watcher: %w", err)
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("tile config watcher: %w", err)
	}
	go w.loop(ctx, watcher)
	return w, nil
}

func (w *Watched) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	log := logging.For("tile")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			c, err := LoadFile(w.path)
			if err != nil {
				log.Warn("keeping previous tile config", "path", w.path, "err", err)
				continue
			}
			w.cur.Store(&c)
			log.Info("tile config reloaded", "path", w.path, "dimensions", c.Dimensions, "mullions", c.Mullions)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error("tile config watcher", "err", err)
		}
	}
}
