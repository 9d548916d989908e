// Package window reports which application window has foreground focus.
package window

import (
	"errors"

	"github.com/rs/zerolog"
)

// ErrNoWindow is returned when nothing has focus (bare desktop).
var ErrNoWindow = errors.New("no focused window")

// Info describes the focused window.
type Info struct {
	ID       uint32
	Title    string
	Class    string
	Instance string
	PID      int
}

// Backend defines the interface for active-window discovery
type Backend interface {
	// Active returns the focused window, or ErrNoWindow.
	Active() (*Info, error)

	// Close releases the display connection
	Close() error

	// Name returns the backend name (e.g., "x11")
	Name() string
}

// Open connects to the best available backend. Without a display server it
// returns a backend that always reports ErrNoWindow, so callers never need a
// nil check.
func Open(log zerolog.Logger) Backend {
	b, err := NewX11Backend(log)
	if err != nil {
		log.Warn().Err(err).Msg("No X11 display, active window tracking disabled")
		return nullBackend{}
	}
	log.Info().Str("backend", b.Name()).Msg("Window backend ready")
	return b
}

type nullBackend struct{}

func (nullBackend) Active() (*Info, error) { return nil, ErrNoWindow }
func (nullBackend) Close() error           { return nil }
func (nullBackend) Name() string           { return "none" }
