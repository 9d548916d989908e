package gateway

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/layout"
	"github.com/bryanchriswhite/StatDeck/internal/protocol"
	"github.com/rs/zerolog"
)

type fakeBackend struct {
	store     *layout.Store
	forwardOK bool
	connected bool

	mu       sync.Mutex
	pushes   int
	interval time.Duration
	debounce time.Duration
	tunes    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{store: layout.NewStore(layout.MustParse(`{}`)), forwardOK: true}
}

func (b *fakeBackend) Layout() layout.Layout { return b.store.Read() }
func (b *fakeBackend) DeviceConnected() bool { return b.connected }
func (b *fakeBackend) TileCount() int        { return b.store.TileCount() }

func (b *fakeBackend) PushLayout(l layout.Layout) bool {
	b.store.Replace(l)
	b.mu.Lock()
	b.pushes++
	b.mu.Unlock()
	return b.forwardOK
}

func (b *fakeBackend) UpdateTuning(interval, debounce time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interval, b.debounce = interval, debounce
	b.tunes++
	return nil
}

func startServer(t *testing.T, b Backend) (*Server, *Client) {
	t.Helper()
	s := NewServer(b, zerolog.Nop())
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, NewClientAddr(s.Addr().String(), 2*time.Second)
}

func TestPushVisibleToSecondClient(t *testing.T) {
	b := newFakeBackend()
	s, _ := startServer(t, b)
	ctx := context.Background()

	// Two clients held open at the same time.
	a := NewClientAddr(s.Addr().String(), 2*time.Second)
	c := NewClientAddr(s.Addr().String(), 2*time.Second)
	idle, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer idle.Close()

	pushed := layout.MustParse(`{"pages": [{"tiles": [{"id": "vol_up", "actions": {"tap": {"type": "hotkey", "keys": "XF86AudioRaiseVolume"}}}]}]}`)
	ok, err := a.Push(ctx, pushed)
	if err != nil || !ok {
		t.Fatalf("Push = %v, %v", ok, err)
	}

	got, err := c.Layout(ctx)
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if !got.Equal(pushed) {
		t.Errorf("second client got %s, want %s", got, pushed)
	}
}

func TestEmptyConfigRejected(t *testing.T) {
	b := newFakeBackend()
	_, c := startServer(t, b)
	for _, doc := range []string{`{}`, `[]`, `null`} {
		ok, err := c.Push(context.Background(), layout.Layout(doc))
		if err != nil {
			t.Fatalf("Push(%s): %v", doc, err)
		}
		if ok {
			t.Errorf("Push(%s) acked success", doc)
		}
	}
	if b.pushes != 0 {
		t.Errorf("backend saw %d pushes, want 0", b.pushes)
	}
}

func TestConfigAckReflectsForward(t *testing.T) {
	b := newFakeBackend()
	b.forwardOK = false
	_, c := startServer(t, b)
	ok, err := c.Push(context.Background(), layout.MustParse(`{"tiles":[{"id":"a"}]}`))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if ok {
		t.Error("ack success although the forward failed")
	}
	if b.store.TileCount() != 1 {
		t.Error("store not updated when the forward failed")
	}
}

func TestTuningClampedAndIdempotent(t *testing.T) {
	b := newFakeBackend()
	_, c := startServer(t, b)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := c.Tune(ctx, 10, 10)
		if err != nil || !ok {
			t.Fatalf("Tune #%d = %v, %v", i, ok, err)
		}
		b.mu.Lock()
		interval, debounce := b.interval, b.debounce
		b.mu.Unlock()
		if interval != 100*time.Millisecond || debounce != 500*time.Millisecond {
			t.Errorf("Tune #%d applied %v / %v, want 100ms / 500ms", i, interval, debounce)
		}
	}
}

func TestClampTuningDefaults(t *testing.T) {
	interval, debounce := ClampTuning(nil, nil)
	if interval != DefaultStatsRate || debounce != DefaultDebounce {
		t.Errorf("ClampTuning(nil, nil) = %v, %v", interval, debounce)
	}
	rate, deb := 250.0, 2000.0
	interval, debounce = ClampTuning(&rate, &deb)
	if interval != 250*time.Millisecond || debounce != 2*time.Second {
		t.Errorf("ClampTuning(250, 2000) = %v, %v", interval, debounce)
	}
}

func TestStatus(t *testing.T) {
	b := newFakeBackend()
	b.connected = true
	b.store.Replace(layout.MustParse(`{"pages":[{"tiles":[{"id":"a"},{"id":"b"}]},{"tiles":[{"id":"c"}]}]}`))
	_, c := startServer(t, b)

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.USBConnected || st.PiLayoutTiles != 3 || st.Timestamp == 0 {
		t.Errorf("status = %+v, want connected with 3 tiles", st)
	}
}

func TestPipelinedRequestsAndUnknownType(t *testing.T) {
	b := newFakeBackend()
	s, _ := startServer(t, b)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	// Unknown and malformed lines get no reply; the two valid ones do, in order.
	conn.Write([]byte("{\"type\":\"reboot\"}\nnot json\n{\"type\":\"get_st"))
	time.Sleep(50 * time.Millisecond)
	conn.Write([]byte("atus\"}\n\n{\"type\":\"get_layout\"}\n"))

	r := bufio.NewReader(conn)
	for _, want := range []string{protocol.TypeStatus, protocol.TypeLayoutData} {
		line, err := r.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if msg.Type != want {
			t.Errorf("reply type = %q, want %q", msg.Type, want)
		}
	}
}

func TestStopReleasesClients(t *testing.T) {
	b := newFakeBackend()
	s := NewServer(b, zerolog.Nop())
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while a client was idle")
	}

	if _, err := net.DialTimeout("tcp", s.Addr().String(), 200*time.Millisecond); err == nil {
		t.Error("listener still accepting after Stop")
	}
	s.Stop()
}
