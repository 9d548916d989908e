// Package devicelink maintains the outbound connection to the remote display.
//
// A Link is driven from a single goroutine (the service loop) and is not safe
// for concurrent Send/Receive. IsConnected may be called from anywhere.
package devicelink

import (
	"errors"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultReadTimeout    = 10 * time.Millisecond
	DefaultWriteTimeout   = time.Second

	readChunk = 4096
)

// DialFunc opens a connection; net.DialTimeout satisfies it.
type DialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// Link is the client side of the device protocol.
type Link struct {
	addr           string
	dial           DialFunc
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	log            zerolog.Logger

	conn      net.Conn
	buf       protocol.LineBuffer
	chunk     []byte
	connected atomic.Bool
}

// Option configures a Link.
type Option func(*Link)

// WithDialer replaces net.DialTimeout.
func WithDialer(d DialFunc) Option {
	return func(l *Link) { l.dial = d }
}

// WithTimeouts overrides the connect and read timeouts. Zero keeps the default.
func WithTimeouts(connect, read time.Duration) Option {
	return func(l *Link) {
		if connect > 0 {
			l.connectTimeout = connect
		}
		if read > 0 {
			l.readTimeout = read
		}
	}
}

// New creates a disconnected Link to host:port.
func New(host string, port int, log zerolog.Logger, opts ...Option) *Link {
	l := &Link{
		addr:           net.JoinHostPort(host, strconv.Itoa(port)),
		dial:           net.DialTimeout,
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
		writeTimeout:   DefaultWriteTimeout,
		log:            log,
		chunk:          make([]byte, readChunk),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Addr returns the remote address.
func (l *Link) Addr() string { return l.addr }

// Connect dials the device, replacing any existing connection. A failure is
// logged and reported as false.
func (l *Link) Connect() bool {
	l.teardown()

	conn, err := l.dial("tcp", l.addr, l.connectTimeout)
	if err != nil {
		l.log.Warn().Err(err).Str("addr", l.addr).Msg("Device connect failed")
		return false
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	l.conn = conn
	l.buf.Reset()
	l.connected.Store(true)
	l.log.Info().Str("addr", l.addr).Msg("Device connected")
	return true
}

// IsConnected reports whether a connection is currently held.
func (l *Link) IsConnected() bool {
	return l.connected.Load()
}

// Send writes msg as one line. While disconnected it makes exactly one
// connect attempt. A write failure on an established connection gets one
// reconnect and one retry.
func (l *Link) Send(msg any) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		l.log.Warn().Err(err).Msg("Dropping unencodable message")
		return false
	}

	if l.conn == nil {
		if !l.Connect() {
			return false
		}
		return l.write(data)
	}
	if l.write(data) {
		return true
	}
	if !l.Connect() {
		return false
	}
	return l.write(data)
}

func (l *Link) write(data []byte) bool {
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		l.log.Warn().Err(err).Msg("Device write failed")
		l.teardown()
		return false
	}
	for len(data) > 0 {
		n, err := l.conn.Write(data)
		if err != nil {
			l.log.Warn().Err(err).Msg("Device write failed")
			l.teardown()
			return false
		}
		data = data[n:]
	}
	return true
}

// Receive returns the oldest complete message, reading at most once with a
// short deadline. Malformed lines are dropped.
func (l *Link) Receive() (protocol.Message, bool) {
	if msg, ok := l.next(); ok {
		return msg, true
	}
	if l.conn == nil {
		return protocol.Message{}, false
	}

	if err := l.conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
		l.teardown()
		return protocol.Message{}, false
	}
	n, err := l.conn.Read(l.chunk)
	if n > 0 {
		l.buf.Write(l.chunk[:n])
	}
	if err != nil && !isTimeout(err) {
		l.log.Warn().Err(err).Msg("Device connection lost")
		// Lines that arrived before the close are still delivered.
		msg, ok := l.next()
		l.teardown()
		return msg, ok
	}
	return l.next()
}

func (l *Link) next() (protocol.Message, bool) {
	for {
		line, ok := l.buf.Next()
		if !ok {
			return protocol.Message{}, false
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			l.log.Warn().Err(err).Bytes("line", line).Msg("Dropping malformed device message")
			continue
		}
		return msg, true
	}
}

// Close drops the connection. The Link may be reconnected later.
func (l *Link) Close() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	l.buf.Reset()
	l.connected.Store(false)
	l.log.Info().Msg("Device link closed")
	return err
}

func (l *Link) teardown() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.buf.Reset()
	l.connected.Store(false)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
