// Package service runs the StatDeck orchestrator: the sampling tick, the
// device message pump and the shared layout.
//
// The device link is driven only from Run's goroutine. Config gateway clients
// reach it through a request channel that Run drains between ticks. Profile
// switches commit from inside the tick, so they use the link directly.
//
// The layout store is the only copy of the active layout the service reads;
// the action router looks tiles up in it directly. layoutMu serialises a store
// replacement with the matching config document update.
//
// Lock order: layoutMu, then the store lock, then the config lock. The
// profile switcher releases its own lock before invoking the switch callback,
// so it is never held together with any of these.
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/action"
	"github.com/bryanchriswhite/StatDeck/internal/api"
	"github.com/bryanchriswhite/StatDeck/internal/clock"
	"github.com/bryanchriswhite/StatDeck/internal/collector"
	"github.com/bryanchriswhite/StatDeck/internal/config"
	"github.com/bryanchriswhite/StatDeck/internal/gateway"
	"github.com/bryanchriswhite/StatDeck/internal/layout"
	"github.com/bryanchriswhite/StatDeck/internal/profile"
	"github.com/bryanchriswhite/StatDeck/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// loopSleep bounds CPU use between iterations of the main loop.
	loopSleep = 10 * time.Millisecond
	// pushTimeout bounds how long a gateway push waits for the main loop.
	pushTimeout = 5 * time.Second
	// requestQueue is the depth of the link request channel.
	requestQueue = 8
)

// ErrStopped is returned to callers that need the main loop after it exited.
var ErrStopped = errors.New("service stopped")

// DeviceLink is the connection to the remote display.
type DeviceLink interface {
	Connect() bool
	IsConnected() bool
	Send(msg any) bool
	Receive() (protocol.Message, bool)
	Close() error
}

// Sampler produces one full metrics sample per call.
type Sampler interface {
	SampleAll(ctx context.Context) map[string]collector.Sample
}

// linkRequest asks the main loop to send msg and report the result.
type linkRequest struct {
	msg   any
	reply chan bool
}

// Service is the orchestrator. It implements gateway.Backend and the
// status and stats sources of the HTTP API.
type Service struct {
	cfg      *config.Manager
	link     DeviceLink
	sampler  Sampler
	router   *action.Router
	store    *layout.Store
	layoutMu sync.Mutex
	switcher *profile.Switcher
	gateway  *gateway.Server
	clock    clock.Clock
	log      zerolog.Logger
	logFor   func(component string) zerolog.Logger

	gatewayPort int
	interval    atomic.Int64
	latest      atomic.Pointer[map[string]collector.Sample]
	requests    chan linkRequest
	reload      chan struct{}

	lastTick time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for tick scheduling, timestamps and
// profile debouncing.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithComponentLoggers sets the logger factory for the profile switcher and
// the config gateway.
func WithComponentLoggers(fn func(component string) zerolog.Logger) Option {
	return func(s *Service) { s.logFor = fn }
}

// WithGatewayPort overrides the configured gateway port; 0 picks a free port.
func WithGatewayPort(port int) Option {
	return func(s *Service) { s.gatewayPort = port }
}

// New assembles the orchestrator around its collaborators. The layout store
// is seeded from the persisted configuration.
func New(cfg *config.Manager, link DeviceLink, sampler Sampler, router *action.Router, log zerolog.Logger, opts ...Option) *Service {
	c := cfg.Get()
	s := &Service{
		cfg:         cfg,
		link:        link,
		sampler:     sampler,
		router:      router,
		store:       layout.NewStore(c.Layout),
		clock:       clock.Real(),
		log:         log,
		logFor:      func(string) zerolog.Logger { return log },
		gatewayPort: c.ConfigPort,
		requests:    make(chan linkRequest, requestQueue),
		reload:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.interval.Store(int64(clampInterval(c.Interval())))
	s.router.UseSource(s.store.Read)
	s.switcher = profile.New(cfg.LayoutsPath(), c.Debounce(), s.applyProfile,
		s.logFor("profile"), profile.WithClock(s.clock))
	s.gateway = gateway.NewServer(s, s.logFor("gateway"), gateway.WithClock(s.clock))
	return s
}

func clampInterval(d time.Duration) time.Duration {
	if d < config.MinUpdateInterval {
		return config.MinUpdateInterval
	}
	return d
}

// Switcher exposes the profile switcher.
func (s *Service) Switcher() *profile.Switcher { return s.switcher }

// GatewayAddr returns the config gateway's bound address, or "" when it is
// not listening.
func (s *Service) GatewayAddr() string {
	if addr := s.gateway.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Interval returns the current sampling interval.
func (s *Service) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// Run performs startup, drives the main loop until ctx is cancelled, then
// shuts down. Startup failures to reach the device or bind the gateway are
// logged, not returned.
func (s *Service) Run(ctx context.Context) error {
	s.start()
	defer s.shutdown()

	ticker := time.NewTicker(loopSleep)
	defer ticker.Stop()
	for {
		s.step(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) start() {
	s.log.Info().Msg("StatDeck service starting")

	if s.link.Connect() {
		s.link.Send(protocol.NewGetLayout(s.clock.Now()))
	} else {
		s.log.Error().Msg("Failed to connect to device, will keep retrying")
	}

	if err := s.gateway.Start(s.gatewayPort); err != nil {
		s.log.Error().Err(err).Msg("Failed to start config gateway")
	}
	s.switcher.LogProfiles()
}

func (s *Service) shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.gateway.Stop()
		if err := s.link.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Device link close")
		}
		s.log.Info().Msg("StatDeck service stopped")
	})
}

// step is one iteration of the main loop: forward queued gateway requests,
// tick when the interval has elapsed, then pump one device message.
func (s *Service) step(ctx context.Context) {
	s.drainRequests()

	select {
	case <-s.reload:
		s.reloadLayouts()
	default:
	}

	now := s.clock.Now()
	if s.lastTick.IsZero() || now.Sub(s.lastTick) >= s.Interval() {
		s.tick(ctx)
		s.lastTick = now
	}

	if msg, ok := s.link.Receive(); ok {
		s.handleDeviceMessage(msg)
	}
}

func (s *Service) drainRequests() {
	for {
		select {
		case req := <-s.requests:
			req.reply <- s.link.Send(req.msg)
		default:
			return
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	stats := s.sampler.SampleAll(ctx)
	s.latest.Store(&stats)

	proc, _ := stats["system"]["active_process"].(string)
	if proc == "" {
		proc = collector.DesktopProcess
	}
	s.switcher.Observe(proc)

	s.link.Send(protocol.NewStats(s.clock.Now(), stats))
}

func (s *Service) handleDeviceMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeAction:
		var a protocol.Action
		if err := msg.Into(&a); err != nil {
			s.log.Warn().Err(err).Msg("Malformed action message")
			return
		}
		s.router.Execute(a.TileID, a.ActionType)

	case protocol.TypeConfigRequest:
		s.link.Send(protocol.NewConfig(s.store.Read()))

	case protocol.TypeLayoutResponse:
		var r protocol.LayoutResponse
		if err := msg.Into(&r); err != nil {
			s.log.Warn().Err(err).Msg("Malformed layout response")
			return
		}
		if r.Layout.IsEmpty() {
			s.log.Debug().Msg("Device has no stored layout")
			return
		}
		s.setLayout(r.Layout)
		s.log.Info().Int("tiles", r.Layout.TileCount()).Msg("Layout received from device")

	case protocol.TypeStatus:
		s.log.Debug().RawJSON("status", msg.Raw).Msg("Device status")

	default:
		s.log.Warn().Str("type", msg.Type).Msg("Unknown device message type")
	}
}

// setLayout makes l the active layout for lookups, replies and persistence.
func (s *Service) setLayout(l layout.Layout) {
	s.layoutMu.Lock()
	defer s.layoutMu.Unlock()
	s.store.Replace(l)
	s.cfg.SetLayout(l)
}

// applyProfile is the switcher's commit callback. It runs on the main loop.
func (s *Service) applyProfile(l layout.Layout, name string) {
	s.setLayout(l)
	if !s.link.Send(protocol.NewConfig(l)) {
		s.log.Warn().Str("profile", name).Msg("Profile layout not delivered to device")
	}
}

// ReloadLayouts asks the main loop to drop cached layout documents and
// re-apply the current profile from disk. Safe to call from any goroutine.
func (s *Service) ReloadLayouts() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

func (s *Service) reloadLayouts() {
	s.switcher.Invalidate()
	s.log.Info().Msg("Layout documents reloaded")
	s.switcher.LogProfiles()
	if current := s.switcher.Current(); current != "" {
		s.switcher.ForceSwitch(current)
	}
}

// forward hands msg to the main loop and waits for the send result.
func (s *Service) forward(msg any) (bool, error) {
	req := linkRequest{msg: msg, reply: make(chan bool, 1)}
	timeout := time.NewTimer(pushTimeout)
	defer timeout.Stop()

	select {
	case s.requests <- req:
	case <-s.done:
		return false, ErrStopped
	case <-timeout.C:
		return false, context.DeadlineExceeded
	}

	select {
	case ok := <-req.reply:
		return ok, nil
	case <-s.done:
		return false, ErrStopped
	case <-timeout.C:
		return false, context.DeadlineExceeded
	}
}

// Layout returns a snapshot of the active layout.
func (s *Service) Layout() layout.Layout {
	return s.store.Read()
}

// PushLayout replaces the active layout and forwards it to the device.
func (s *Service) PushLayout(l layout.Layout) bool {
	s.setLayout(l)
	ok, err := s.forward(protocol.NewConfig(l))
	if err != nil {
		s.log.Warn().Err(err).Msg("Layout push not forwarded")
	}
	return ok
}

// UpdateTuning applies a new sampling interval and profile debounce and
// persists both.
func (s *Service) UpdateTuning(interval, debounce time.Duration) error {
	s.interval.Store(int64(clampInterval(interval)))
	s.switcher.SetDebounce(debounce)
	return s.cfg.SetTuning(interval, debounce)
}

// DeviceConnected reports the device link state.
func (s *Service) DeviceConnected() bool {
	return s.link.IsConnected()
}

// TileCount counts tiles in the active layout.
func (s *Service) TileCount() int {
	return s.store.TileCount()
}

// SampleAll returns the sample taken by the most recent tick, or an empty
// map before the first tick. It never samples the collectors itself.
func (s *Service) SampleAll(context.Context) map[string]collector.Sample {
	p := s.latest.Load()
	if p == nil {
		return map[string]collector.Sample{}
	}
	return *p
}

// Status summarises the service for the HTTP API.
func (s *Service) Status() api.Status {
	current := s.switcher.Current()
	if current == "" {
		current = "none"
	}
	return api.Status{
		DeviceConnected: s.link.IsConnected(),
		Profile:         current,
		LayoutTiles:     s.store.TileCount(),
	}
}
