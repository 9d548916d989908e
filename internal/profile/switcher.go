// Package profile switches the active layout to follow the foreground
// application.
//
// The layouts directory holds one document per profile, named after the
// lowercased process name ("chrome.json") plus a mandatory "default.json".
// Without default.json the switcher is inert.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/clock"
	"github.com/bryanchriswhite/StatDeck/internal/layout"
	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"
)

// DefaultProfile is the fallback profile and the feature's enablement flag.
const DefaultProfile = "default"

// DefaultDebounce is used when no debounce is configured.
const DefaultDebounce = time.Second

// SwitchFunc receives a committed switch. It runs without any switcher lock
// held, so it may call back into the Switcher.
type SwitchFunc func(l layout.Layout, name string)

// State is a snapshot of the switcher's state machine.
type State struct {
	Current      string
	Pending      string
	PendingSince time.Time
}

// Switcher is the debounced profile state machine.
type Switcher struct {
	dir      string
	onSwitch SwitchFunc
	clock    clock.Clock
	log      zerolog.Logger

	mu           sync.Mutex
	debounce     time.Duration
	current      string
	pending      string
	pendingSince time.Time

	cacheMu sync.Mutex
	cache   map[string]layout.Layout
}

// Option configures a Switcher.
type Option func(*Switcher)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Switcher) { s.clock = c }
}

// New creates a switcher over the layouts in dir.
func New(dir string, debounce time.Duration, onSwitch SwitchFunc, log zerolog.Logger, opts ...Option) *Switcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	s := &Switcher{
		dir:      dir,
		debounce: debounce,
		onSwitch: onSwitch,
		clock:    clock.Real(),
		log:      log,
		cache:    make(map[string]layout.Layout),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LogProfiles reports what the layouts directory offers.
func (s *Switcher) LogProfiles() {
	profiles, err := s.Profiles()
	switch {
	case err != nil:
		s.log.Info().Str("dir", s.dir).Msg("No layouts directory, profile switching inactive")
	case len(profiles) == 0:
		s.log.Info().Str("dir", s.dir).Msg("No layouts found, profile switching inactive")
	case !s.Enabled():
		s.log.Info().Str("dir", s.dir).Strs("profiles", profiles).Msg("default.json missing, profile switching inactive")
	default:
		s.log.Info().Str("dir", s.dir).Strs("profiles", profiles).Msg("Profile switching ready")
	}
}

// Dir returns the layouts directory.
func (s *Switcher) Dir() string { return s.dir }

// Profiles lists profile names found in the layouts directory, sorted.
func (s *Switcher) Profiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var profiles []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		profiles = append(profiles, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(profiles)
	return profiles, nil
}

// Enabled reports whether default.json exists.
func (s *Switcher) Enabled() bool {
	return s.exists(DefaultProfile)
}

// HasProfile reports whether a document exists for process.
func (s *Switcher) HasProfile(process string) bool {
	name := strings.ToLower(process)
	if name == "" {
		return false
	}
	return s.exists(name)
}

func (s *Switcher) exists(name string) bool {
	info, err := os.Stat(s.path(name))
	return err == nil && info.Mode().IsRegular()
}

func (s *Switcher) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Debounce returns the current debounce window.
func (s *Switcher) Debounce() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debounce
}

// SetDebounce changes the debounce window in place. An in-flight pending
// window is judged against the new value on the next Observe.
func (s *Switcher) SetDebounce(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	old := s.debounce
	s.debounce = d
	s.mu.Unlock()
	s.log.Info().Dur("old", old).Dur("new", d).Msg("Debounce updated")
}

// Current returns the committed profile, or "" before the first switch.
func (s *Switcher) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// State returns a snapshot of the state machine.
func (s *Switcher) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Current: s.current, Pending: s.pending, PendingSince: s.pendingSince}
}

// Resolve maps an active process name to the profile that would serve it.
func (s *Switcher) Resolve(process string) string {
	if s.HasProfile(process) {
		return strings.ToLower(process)
	}
	return DefaultProfile
}

// Observe feeds one active-process sample through the state machine. It
// returns true when the sample committed a switch.
func (s *Switcher) Observe(process string) bool {
	if !s.Enabled() {
		return false
	}
	if process == "" {
		process = "desktop"
	}
	target := s.Resolve(process)
	now := s.clock.Now()

	s.mu.Lock()
	if target == s.current {
		s.pending = ""
		s.pendingSince = time.Time{}
		s.mu.Unlock()
		return false
	}
	if target != s.pending {
		s.pending = target
		s.pendingSince = now
		s.mu.Unlock()
		s.log.Debug().Str("target", target).Msg("Profile switch pending")
		return false
	}
	if now.Sub(s.pendingSince) < s.debounce {
		s.mu.Unlock()
		return false
	}
	s.pending = ""
	s.pendingSince = time.Time{}
	s.mu.Unlock()

	return s.commit(target)
}

// ForceSwitch commits name immediately, bypassing the debounce.
func (s *Switcher) ForceSwitch(name string) bool {
	s.mu.Lock()
	s.pending = ""
	s.pendingSince = time.Time{}
	s.mu.Unlock()
	return s.commit(strings.ToLower(name))
}

func (s *Switcher) commit(name string) bool {
	l, err := s.Load(name)
	if err != nil {
		s.log.Error().Err(err).Str("profile", name).Msg("Failed to load layout")
		return false
	}

	s.mu.Lock()
	old := s.current
	s.current = name
	s.mu.Unlock()

	if old == "" {
		old = "none"
	}
	s.log.Info().Str("from", old).Str("to", name).Msg("Profile switch")

	if s.onSwitch != nil {
		s.onSwitch(l, name)
	}
	return true
}

// Load returns the named layout document, reading it on first use. The
// document may contain comments and trailing commas.
func (s *Switcher) Load(name string) (layout.Layout, error) {
	s.cacheMu.Lock()
	if l, ok := s.cache[name]; ok {
		s.cacheMu.Unlock()
		return l.Clone(), nil
	}
	s.cacheMu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, err
	}
	l, err := layout.Parse(jsonc.ToJSON(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path(name), err)
	}
	if l.IsEmpty() {
		return nil, errors.New(s.path(name) + ": empty layout")
	}

	s.cacheMu.Lock()
	s.cache[name] = l
	s.cacheMu.Unlock()
	return l.Clone(), nil
}

// Invalidate drops cached documents: the named ones, or all when called
// without arguments.
func (s *Switcher) Invalidate(names ...string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if len(names) == 0 {
		s.cache = make(map[string]layout.Layout)
		return
	}
	for _, n := range names {
		delete(s.cache, n)
	}
}
