// Package action turns presses on the remote display into host-side effects.
package action

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/StatDeck/internal/layout"
	"github.com/rs/zerolog"
)

// Handler performs one kind of action.
type Handler interface {
	Run(cfg layout.ActionConfig) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(cfg layout.ActionConfig) error

func (f HandlerFunc) Run(cfg layout.ActionConfig) error { return f(cfg) }

// Router resolves a tile's action in the current layout and runs the
// handler registered for its type.
type Router struct {
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	current atomic.Pointer[layout.Layout]
	source  atomic.Pointer[func() layout.Layout]
}

// NewRouter creates a router with no handlers and an empty layout.
func NewRouter(log zerolog.Logger) *Router {
	r := &Router{
		log:      log,
		handlers: make(map[string]Handler),
	}
	empty := layout.Layout(nil)
	r.current.Store(&empty)
	return r
}

// Register binds an action-type tag to a handler, replacing any previous one.
func (r *Router) Register(actionType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// Types lists registered action types, sorted.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// UpdateLayout swaps the layout searched by Execute. It has no effect once a
// source is set.
func (r *Router) UpdateLayout(l layout.Layout) {
	l = l.Clone()
	r.current.Store(&l)
}

// UseSource makes Execute search whatever fn returns at the time of the
// press, typically a layout.Store's Read.
func (r *Router) UseSource(fn func() layout.Layout) {
	r.source.Store(&fn)
}

func (r *Router) snapshot() layout.Layout {
	if fn := r.source.Load(); fn != nil {
		return (*fn)()
	}
	return *r.current.Load()
}

// Layout returns the layout Execute currently searches.
func (r *Router) Layout() layout.Layout {
	return r.snapshot().Clone()
}

// Execute runs the action bound to kind on tileID. Every failure is logged
// and absorbed; the return value reports whether a handler ran and returned
// without error.
func (r *Router) Execute(tileID string, kind layout.InteractionKind) (ok bool) {
	log := r.log.With().Str("tile", tileID).Str("interaction", string(kind)).Logger()

	tile, found := r.snapshot().FindTile(tileID)
	if !found {
		log.Debug().Msg("No such tile")
		return false
	}
	cfg, found := tile.Action(kind)
	if !found {
		log.Debug().Msg("No action bound")
		return false
	}

	r.mu.RLock()
	h, found := r.handlers[cfg.Type()]
	r.mu.RUnlock()
	if !found {
		log.Warn().Str("type", cfg.Type()).Msg("Unknown action type")
		return false
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("type", cfg.Type()).Str("panic", fmt.Sprint(p)).Msg("Action handler panicked")
			ok = false
		}
	}()

	if err := h.Run(cfg); err != nil {
		log.Error().Err(err).Str("type", cfg.Type()).Msg("Action failed")
		return false
	}
	log.Info().Str("type", cfg.Type()).Msg("Action executed")
	return true
}
