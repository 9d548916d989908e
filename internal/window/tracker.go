package window

import (
	"errors"
	"sync"
)

// Tracker remembers the last focused window so callers can tell when focus
// moved between two polls.
type Tracker struct {
	backend Backend
	mu      sync.Mutex
	current *Info
}

// NewTracker wraps backend.
func NewTracker(backend Backend) *Tracker {
	return &Tracker{backend: backend}
}

// Poll reads the focused window. info is nil when nothing has focus.
// changed reports a different window ID or title than the previous poll.
func (t *Tracker) Poll() (info *Info, changed bool, err error) {
	info, err = t.backend.Active()
	if errors.Is(err, ErrNoWindow) {
		info, err = nil, nil
	}
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.current == nil && info == nil:
		changed = false
	case t.current == nil || info == nil:
		changed = true
	default:
		changed = t.current.ID != info.ID || t.current.Title != info.Title
	}
	t.current = info
	return info, changed, nil
}

// Current returns the result of the last successful Poll.
func (t *Tracker) Current() *Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	cp := *t.current
	return &cp
}
