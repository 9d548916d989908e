// Package gateway serves local configuration clients over a loopback TCP
// port using the newline-delimited JSON protocol.
package gateway

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/clock"
	"github.com/bryanchriswhite/StatDeck/internal/layout"
	"github.com/bryanchriswhite/StatDeck/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Tuning defaults used when update_tuning omits a field, and the floors
// applied before anything else sees the values.
const (
	DefaultStatsRate = 500 * time.Millisecond
	DefaultDebounce  = 1500 * time.Millisecond
	MinStatsRate     = 100 * time.Millisecond
	MinDebounce      = 500 * time.Millisecond
)

const (
	clientReadTimeout  = 500 * time.Millisecond
	clientWriteTimeout = 2 * time.Second
	readChunk          = 4096
)

// Backend is what the gateway needs from the running service.
type Backend interface {
	// Layout returns a snapshot of the current layout.
	Layout() layout.Layout
	// PushLayout replaces the current layout and forwards it to the device,
	// reporting whether the forward succeeded.
	PushLayout(l layout.Layout) bool
	// UpdateTuning applies and persists already-clamped values.
	UpdateTuning(interval, debounce time.Duration) error
	DeviceConnected() bool
	TileCount() int
}

// Server accepts any number of concurrent local clients.
type Server struct {
	backend Backend
	clock   clock.Clock
	log     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the wall clock used for reply timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// NewServer creates a stopped server.
func NewServer(backend Backend, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		clock:   clock.Real(),
		log:     log,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on 127.0.0.1:port (0 picks a free port) and begins
// accepting clients.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Config gateway listening")

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for every client goroutine to notice.
func (s *Server) Stop() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("Config gateway stopped")
}

func (s *Server) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves one client until it disconnects or the server stops.
// The buffer belongs to this goroutine alone.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	log := s.log.With().
		Str("session", uuid.NewString()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	log.Info().Msg("Config client connected")
	defer log.Info().Msg("Config client disconnected")

	var buf protocol.LineBuffer
	chunk := make([]byte, readChunk)

	for !s.stopping() {
		if err := conn.SetReadDeadline(time.Now().Add(clientReadTimeout)); err != nil {
			return
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				line, ok := buf.Next()
				if !ok {
					break
				}
				if !s.dispatch(conn, line, log) {
					return
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
	}
}

// dispatch handles one line. It returns false when the reply could not be
// written and the connection should be dropped.
func (s *Server) dispatch(conn net.Conn, line []byte, log zerolog.Logger) bool {
	msg, err := protocol.Decode(line)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring malformed request")
		return true
	}

	var reply any
	switch msg.Type {
	case protocol.TypeGetLayout:
		reply = protocol.NewLayoutData(s.clock.Now(), s.backend.Layout())

	case protocol.TypeConfig:
		reply = s.handleConfig(msg, log)

	case protocol.TypeUpdateTuning:
		reply = s.handleTuning(msg, log)

	case protocol.TypeGetStatus:
		reply = protocol.NewStatus(s.clock.Now(), s.backend.DeviceConnected(), s.backend.TileCount())

	default:
		log.Warn().Str("type", msg.Type).Msg("Ignoring unknown request type")
		return true
	}

	return s.reply(conn, reply, log)
}

func (s *Server) handleConfig(msg protocol.Message, log zerolog.Logger) protocol.Ack {
	var req protocol.Config
	if err := msg.Into(&req); err != nil {
		log.Warn().Err(err).Msg("Bad config request")
		return protocol.NewConfigAck(false)
	}
	if req.Layout.IsEmpty() {
		log.Warn().Msg("Rejecting empty layout")
		return protocol.NewConfigAck(false)
	}

	ok := s.backend.PushLayout(req.Layout)
	log.Info().Bool("forwarded", ok).Int("tiles", req.Layout.TileCount()).Msg("Layout pushed")
	return protocol.NewConfigAck(ok)
}

func (s *Server) handleTuning(msg protocol.Message, log zerolog.Logger) protocol.Ack {
	var req protocol.UpdateTuning
	if err := msg.Into(&req); err != nil {
		log.Warn().Err(err).Msg("Bad update_tuning request")
		return protocol.NewTuningAck(false)
	}

	interval, debounce := ClampTuning(req.StatsRateMs, req.DebounceMs)
	if err := s.backend.UpdateTuning(interval, debounce); err != nil {
		log.Error().Err(err).Msg("Failed to apply tuning")
		return protocol.NewTuningAck(false)
	}
	return protocol.NewTuningAck(true)
}

// ClampTuning resolves update_tuning fields to effective durations: absent
// fields take the defaults, values under the floors are raised.
func ClampTuning(statsRateMs, debounceMs *float64) (interval, debounce time.Duration) {
	interval, debounce = DefaultStatsRate, DefaultDebounce
	if statsRateMs != nil {
		interval = msToDuration(*statsRateMs)
	}
	if debounceMs != nil {
		debounce = msToDuration(*debounceMs)
	}
	return max(interval, MinStatsRate), max(debounce, MinDebounce)
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func (s *Server) reply(conn net.Conn, v any, log zerolog.Logger) bool {
	data, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode reply")
		return true
	}
	if err := conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout)); err != nil {
		return false
	}
	if _, err := conn.Write(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write reply")
		return false
	}
	return true
}
