// Package cli holds the plumbing shared by the pvrender executables.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/Yeicor/pvrender"
)

// SignalContext returns a context that is cancelled on the first termination
// signal. A second signal kills the process.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, signals()...)
	go func() {
		select {
		case sig := <-ch:
			pvrender.Logger().Info("shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
			signal.Stop(ch)
			return
		}
		<-ch
		os.Exit(1)
	}()
	return ctx, cancel
}

// ParseLevel maps a -log flag value to a slog level. "off" disables logging.
func ParseLevel(s string) (slog.Level, bool, error) {
	if s == "off" || s == "" {
		return 0, false, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, false, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, true, nil
}

// SetupLogging installs a text logger on stderr for the given level flag.
func SetupLogging(level string) error {
	l, on, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if !on {
		pvrender.SetLogger(nil)
		return nil
	}
	pvrender.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

// LoadConfig loads path, or returns the defaults when path is empty.
func LoadConfig(path string) (pvrender.Config, error) {
	if path == "" {
		return pvrender.DefaultConfig(), nil
	}
	return pvrender.LoadConfig(path)
}
