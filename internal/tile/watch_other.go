//go:build !(freebsd || openbsd || netbsd || dragonfly || darwin || windows || linux || solaris)

package tile

import (
	"errors"

	"github.com/fsnotify/fsnotify"
)

func newFsWatcher() (*fsnotify.Watcher, error) {
	return nil, errors.New("file watching is not supported on this platform")
}
