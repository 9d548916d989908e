package devicelink

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/protocol"
	"github.com/rs/zerolog"
)

func listen(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return ln, host, port
}

func countingDialer(n *atomic.Int32) DialFunc {
	return func(network, address string, timeout time.Duration) (net.Conn, error) {
		n.Add(1)
		return net.DialTimeout(network, address, timeout)
	}
}

// receiveWithin polls Receive the way the service loop does.
func receiveWithin(l *Link, d time.Duration) (protocol.Message, bool) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if msg, ok := l.Receive(); ok {
			return msg, true
		}
	}
	return protocol.Message{}, false
}

func TestSendWhileDisconnectedDialsOnce(t *testing.T) {
	ln, host, port := listen(t)
	ln.Close()

	var dials atomic.Int32
	l := New(host, port, zerolog.Nop(), WithDialer(countingDialer(&dials)))
	if l.Send(protocol.NewGetLayout(time.Now())) {
		t.Fatal("Send succeeded with nothing listening")
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("dials = %d, want exactly 1", got)
	}
	if l.IsConnected() {
		t.Error("IsConnected = true after failed send")
	}
}

func TestSendConnectsLazily(t *testing.T) {
	ln, host, port := listen(t)
	lines := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		r := bufio.NewReader(c)
		s, _ := r.ReadString('\n')
		lines <- s
	}()

	l := New(host, port, zerolog.Nop())
	defer l.Close()
	if !l.Send(protocol.NewConfig(nil)) {
		t.Fatal("Send failed")
	}
	if !l.IsConnected() {
		t.Error("IsConnected = false after successful send")
	}
	select {
	case got := <-lines:
		if want := `{"type":"config","layout":{}}` + "\n"; got != want {
			t.Errorf("wire = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the line")
	}
}

type brokenConn struct{ net.Conn }

func (brokenConn) Write([]byte) (int, error)        { return 0, errors.New("broken pipe") }
func (brokenConn) Close() error                     { return nil }
func (brokenConn) SetWriteDeadline(time.Time) error { return nil }

func TestSendRetriesOnceAfterWriteFailure(t *testing.T) {
	ln, host, port := listen(t)
	got := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		s, _ := bufio.NewReader(c).ReadString('\n')
		got <- s
	}()

	var dials atomic.Int32
	dial := func(network, address string, timeout time.Duration) (net.Conn, error) {
		if dials.Add(1) == 1 {
			return brokenConn{}, nil
		}
		return net.DialTimeout(network, address, timeout)
	}
	l := New(host, port, zerolog.Nop(), WithDialer(dial))
	defer l.Close()
	if !l.Connect() {
		t.Fatal("Connect failed")
	}
	if !l.Send(protocol.NewStats(time.UnixMilli(5), nil)) {
		t.Fatal("Send did not recover from a dropped connection")
	}
	if n := dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
	select {
	case line := <-got:
		if line == "" {
			t.Error("retried line was empty")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retried line never arrived")
	}
}

func TestSendGivesUpAfterFailedReconnect(t *testing.T) {
	var dials atomic.Int32
	dial := func(network, address string, timeout time.Duration) (net.Conn, error) {
		if dials.Add(1) == 1 {
			return brokenConn{}, nil
		}
		return nil, errors.New("connection refused")
	}
	l := New("127.0.0.1", 1, zerolog.Nop(), WithDialer(dial))
	l.Connect()
	if l.Send(protocol.NewGetLayout(time.Now())) {
		t.Fatal("Send reported success")
	}
	if n := dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2 (initial connect + one reconnect)", n)
	}
	if l.IsConnected() {
		t.Error("still connected")
	}
}

func TestReceiveAccumulatesPartialLines(t *testing.T) {
	ln, host, port := listen(t)
	peer := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			peer <- c
		}
	}()

	l := New(host, port, zerolog.Nop())
	defer l.Close()
	if !l.Connect() {
		t.Fatal("Connect failed")
	}
	c := <-peer
	defer c.Close()

	if _, ok := l.Receive(); ok {
		t.Fatal("Receive returned a message on an idle link")
	}

	c.Write([]byte(`{"type":"act`))
	if _, ok := receiveWithin(l, 100*time.Millisecond); ok {
		t.Fatal("Receive returned a partial line")
	}
	c.Write([]byte(`ion","tile_id":"vol_up","action_type":"tap"}` + "\nnot json\n" + `{"type":"config_request"}` + "\n"))

	msg, ok := receiveWithin(l, 2*time.Second)
	if !ok || msg.Type != protocol.TypeAction {
		t.Fatalf("first message = %+v, %v; want action", msg, ok)
	}
	var a protocol.Action
	if err := msg.Into(&a); err != nil || a.TileID != "vol_up" || a.ActionType != "tap" {
		t.Errorf("action = %+v, %v", a, err)
	}

	msg, ok = receiveWithin(l, 2*time.Second)
	if !ok || msg.Type != protocol.TypeConfigRequest {
		t.Fatalf("second message = %+v, %v; want config_request after the malformed line", msg, ok)
	}
}

func TestReceiveNoticesPeerClose(t *testing.T) {
	ln, host, port := listen(t)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Write([]byte(`{"type":"status","ok":true}` + "\n"))
		c.Close()
	}()

	l := New(host, port, zerolog.Nop())
	if !l.Connect() {
		t.Fatal("Connect failed")
	}
	msg, ok := receiveWithin(l, 2*time.Second)
	if !ok || msg.Type != protocol.TypeStatus {
		t.Fatalf("message = %+v, %v; want status", msg, ok)
	}

	deadline := time.Now().Add(2 * time.Second)
	for l.IsConnected() && time.Now().Before(deadline) {
		l.Receive()
	}
	if l.IsConnected() {
		t.Error("link still connected after peer closed")
	}
}

func TestReconnectResetsBuffer(t *testing.T) {
	ln, host, port := listen(t)
	peers := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			peers <- c
		}
	}()

	l := New(host, port, zerolog.Nop())
	defer l.Close()
	l.Connect()
	first := <-peers
	defer first.Close()
	first.Write([]byte(`{"type":"sta`))
	receiveWithin(l, 100*time.Millisecond)

	l.Connect()
	second := <-peers
	defer second.Close()
	second.Write([]byte(`{"type":"config_request"}` + "\n"))
	msg, ok := receiveWithin(l, 2*time.Second)
	if !ok || msg.Type != protocol.TypeConfigRequest {
		t.Fatalf("message = %+v, %v; stale bytes leaked across reconnect", msg, ok)
	}
}
