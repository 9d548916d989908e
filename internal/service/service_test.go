package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/action"
	"github.com/bryanchriswhite/StatDeck/internal/clock"
	"github.com/bryanchriswhite/StatDeck/internal/collector"
	"github.com/bryanchriswhite/StatDeck/internal/config"
	"github.com/bryanchriswhite/StatDeck/internal/layout"
	"github.com/bryanchriswhite/StatDeck/internal/protocol"
	"github.com/rs/zerolog"
)

type fakeLink struct {
	mu        sync.Mutex
	connected bool
	connectOK bool
	sendOK    bool
	sent      []json.RawMessage
	inbound   []protocol.Message
	closed    bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{connectOK: true, sendOK: true}
}

func (f *fakeLink) Connect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = f.connectOK
	return f.connected
}

func (f *fakeLink) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) Send(msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return f.sendOK
}

func (f *fakeLink) Receive() (protocol.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return protocol.Message{}, false
	}
	m := f.inbound[0]
	f.inbound = f.inbound[1:]
	return m, true
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeLink) push(t *testing.T, line string) {
	t.Helper()
	m, err := protocol.Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode %s: %v", line, err)
	}
	f.mu.Lock()
	f.inbound = append(f.inbound, m)
	f.mu.Unlock()
}

// sentOfType returns the payloads sent with the given message type.
func (f *fakeLink) sentOfType(typ string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, raw := range f.sent {
		m, err := protocol.Decode(raw)
		if err == nil && m.Type == typ {
			out = append(out, raw)
		}
	}
	return out
}

type fakeSampler struct {
	mu      sync.Mutex
	process string
	calls   int
}

func (f *fakeSampler) SampleAll(context.Context) map[string]collector.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	stats := map[string]collector.Sample{"cpu": {"usage": 10.0}}
	if f.process != "" {
		stats["system"] = collector.Sample{"active_process": f.process}
	}
	return stats
}

const defaultLayout = `{"tiles": [{"id": "home", "actions": {"tap": {"type": "test", "name": "home"}}}]}`
const chromeLayout = `{"pages": [{"tiles": [{"id": "tab", "actions": {"tap": {"type": "test", "name": "tab"}}}]}]}`

type harness struct {
	svc     *Service
	link    *fakeLink
	sampler *fakeSampler
	clock   *clock.FakeClock
	cfg     *config.Manager
	ran     []string
	mu      sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	layouts := filepath.Join(dir, "layouts")
	if err := os.Mkdir(layouts, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, doc := range map[string]string{"default": defaultLayout, "chrome": chromeLayout} {
		if err := os.WriteFile(filepath.Join(layouts, name+".json"), []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg, err := config.NewManager(filepath.Join(dir, "config.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	h := &harness{
		link:    newFakeLink(),
		sampler: &fakeSampler{process: "explorer"},
		clock:   clock.Fake(time.Unix(1000, 0)),
		cfg:     cfg,
	}
	router := action.NewRouter(zerolog.Nop())
	router.Register("test", action.HandlerFunc(func(c layout.ActionConfig) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.ran = append(h.ran, c["name"])
		return nil
	}))

	h.svc = New(cfg, h.link, h.sampler, router, zerolog.Nop(),
		WithClock(h.clock), WithGatewayPort(0))
	return h
}

func (h *harness) actions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ran...)
}

func TestStartupRequestsLayout(t *testing.T) {
	h := newHarness(t)
	h.svc.start()
	defer h.svc.shutdown()

	if got := h.link.sentOfType(protocol.TypeGetLayout); len(got) != 1 {
		t.Fatalf("get_layout sent %d times, want 1", len(got))
	}
	if h.svc.GatewayAddr() == "" {
		t.Error("gateway not listening after start")
	}
}

func TestStartupWithoutDevice(t *testing.T) {
	h := newHarness(t)
	h.link.connectOK = false
	h.svc.start()
	defer h.svc.shutdown()

	if got := h.link.sentOfType(protocol.TypeGetLayout); len(got) != 0 {
		t.Errorf("get_layout sent while disconnected: %s", got)
	}
	if h.svc.GatewayAddr() == "" {
		t.Error("gateway must start even when the device is unreachable")
	}
}

func TestTickSendsStatsOnInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.step(ctx)
	h.svc.step(ctx)
	if got := len(h.link.sentOfType(protocol.TypeStats)); got != 1 {
		t.Fatalf("stats frames = %d after two steps within the interval, want 1", got)
	}

	h.clock.Advance(500 * time.Millisecond)
	h.svc.step(ctx)
	frames := h.link.sentOfType(protocol.TypeStats)
	if len(frames) != 2 {
		t.Fatalf("stats frames = %d after the interval, want 2", len(frames))
	}

	var frame struct {
		Timestamp int64                     `json:"timestamp"`
		Data      map[string]map[string]any `json:"data"`
	}
	if err := json.Unmarshal(frames[1], &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Timestamp != h.clock.Now().UnixMilli() || frame.Data["cpu"]["usage"] != 10.0 {
		t.Errorf("frame = %+v", frame)
	}
	if got := h.svc.SampleAll(ctx); got["cpu"]["usage"] != 10.0 {
		t.Errorf("latest sample = %v", got)
	}
}

func TestSampleAllBeforeFirstTick(t *testing.T) {
	h := newHarness(t)
	got := h.svc.SampleAll(context.Background())
	if got == nil || len(got) != 0 {
		t.Errorf("SampleAll = %v, want an empty map", got)
	}
	if h.sampler.calls != 0 {
		t.Error("SampleAll sampled the collectors")
	}
}

func TestDeviceMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.link.push(t, `{"type":"layout_response","layout":`+defaultLayout+`}`)
	h.svc.step(ctx)
	if !h.svc.Layout().Equal(layout.MustParse(defaultLayout)) {
		t.Fatalf("store = %s, want the device layout", h.svc.Layout())
	}
	if !h.cfg.Get().Layout.Equal(layout.MustParse(defaultLayout)) {
		t.Error("config document not updated from the device layout")
	}

	h.link.push(t, `{"type":"action","tile_id":"home","action_type":"tap"}`)
	h.svc.step(ctx)
	if got := h.actions(); len(got) != 1 || got[0] != "home" {
		t.Errorf("actions = %v, want [home]", got)
	}

	h.link.push(t, `{"type":"config_request"}`)
	h.svc.step(ctx)
	configs := h.link.sentOfType(protocol.TypeConfig)
	if len(configs) != 1 {
		t.Fatalf("config replies = %d, want 1", len(configs))
	}
	var reply protocol.LayoutResponse
	json.Unmarshal(configs[0], &reply)
	if !reply.Layout.Equal(layout.MustParse(defaultLayout)) {
		t.Errorf("config reply layout = %s", reply.Layout)
	}

	// Ignored without side effects.
	h.link.push(t, `{"type":"layout_response","layout":{}}`)
	h.link.push(t, `{"type":"status","uptime":5}`)
	h.link.push(t, `{"type":"reboot"}`)
	h.link.push(t, `{"type":"action","tile_id":"missing","action_type":"tap"}`)
	for i := 0; i < 4; i++ {
		h.svc.step(ctx)
	}
	if !h.svc.Layout().Equal(layout.MustParse(defaultLayout)) {
		t.Error("empty layout_response replaced the store")
	}
	if got := h.actions(); len(got) != 1 {
		t.Errorf("actions = %v after no-op messages", got)
	}
}

func TestProfileSwitchFromTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sampler.process = "chrome"
	h.svc.step(ctx)
	if h.svc.Switcher().Current() != "" {
		t.Fatalf("switched before the debounce elapsed")
	}

	h.clock.Advance(time.Second)
	h.svc.step(ctx)
	if got := h.svc.Switcher().Current(); got != "chrome" {
		t.Fatalf("current profile = %q, want chrome", got)
	}
	if !h.svc.Layout().Equal(layout.MustParse(chromeLayout)) {
		t.Errorf("store = %s, want the chrome layout", h.svc.Layout())
	}
	if got := len(h.link.sentOfType(protocol.TypeConfig)); got != 1 {
		t.Errorf("config frames = %d, want 1 for the switch", got)
	}

	h.link.push(t, `{"type":"action","tile_id":"tab","action_type":"tap"}`)
	h.svc.step(ctx)
	if got := h.actions(); len(got) != 1 || got[0] != "tab" {
		t.Errorf("actions = %v, want the switched layout's tile", got)
	}
	if st := h.svc.Status(); st.Profile != "chrome" || st.LayoutTiles != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestPushLayoutThroughMainLoop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	pushed := layout.MustParse(chromeLayout)
	if !h.svc.PushLayout(pushed) {
		t.Fatal("PushLayout = false with a healthy link")
	}
	if !h.svc.Layout().Equal(pushed) {
		t.Error("store not replaced by push")
	}
	if got := len(h.link.sentOfType(protocol.TypeConfig)); got != 1 {
		t.Errorf("config frames = %d, want 1", got)
	}

	h.link.mu.Lock()
	h.link.sendOK = false
	h.link.mu.Unlock()
	if h.svc.PushLayout(layout.MustParse(defaultLayout)) {
		t.Error("PushLayout = true although the device send failed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !h.link.closed {
		t.Error("link not closed on shutdown")
	}

	if _, err := h.svc.forward(protocol.NewConfig(pushed)); !errors.Is(err, ErrStopped) {
		t.Errorf("forward after stop = %v, want ErrStopped", err)
	}
	if h.svc.PushLayout(pushed) {
		t.Error("PushLayout = true after shutdown")
	}
}

func TestUpdateTuning(t *testing.T) {
	h := newHarness(t)

	if err := h.svc.UpdateTuning(10*time.Millisecond, 2*time.Second); err != nil {
		t.Fatalf("UpdateTuning: %v", err)
	}
	if got := h.svc.Interval(); got != config.MinUpdateInterval {
		t.Errorf("interval = %v, want the floor", got)
	}
	if got := h.svc.Switcher().Debounce(); got != 2*time.Second {
		t.Errorf("debounce = %v, want 2s", got)
	}

	reloaded, err := config.NewManager(h.cfg.GetConfigPath(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if c := reloaded.Get(); c.UpdateInterval != 0.1 || c.ProfileDebounce != 2 {
		t.Errorf("persisted tuning = %v / %v", c.UpdateInterval, c.ProfileDebounce)
	}
}

func TestStatusReflectsLink(t *testing.T) {
	h := newHarness(t)
	if st := h.svc.Status(); st.DeviceConnected || st.Profile != "none" || st.LayoutTiles != 0 {
		t.Errorf("initial status = %+v", st)
	}
	h.link.Connect()
	if !h.svc.DeviceConnected() || !h.svc.Status().DeviceConnected {
		t.Error("status does not follow the link")
	}
}

func TestConcurrentLayoutWritersAgree(t *testing.T) {
	h := newHarness(t)
	a := layout.MustParse(defaultLayout)
	b := layout.MustParse(chromeLayout)

	for i := 0; i < 2000; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); h.svc.setLayout(a) }()
		go func() { defer wg.Done(); h.svc.setLayout(b) }()
		wg.Wait()

		stored := h.svc.Layout()
		if !stored.Equal(h.svc.router.Layout()) {
			t.Fatalf("iteration %d: router searches %s, store holds %s", i, h.svc.router.Layout(), stored)
		}
		if !stored.Equal(h.cfg.Get().Layout) {
			t.Fatalf("iteration %d: config holds %s, store holds %s", i, h.cfg.Get().Layout, stored)
		}
	}
}

func TestActionsFollowStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.store.Replace(layout.MustParse(chromeLayout))
	h.link.push(t, `{"type":"action","tile_id":"tab","action_type":"tap"}`)
	h.svc.step(ctx)
	if got := h.actions(); len(got) != 1 || got[0] != "tab" {
		t.Errorf("actions = %v, want the stored layout's tile", got)
	}
}

func TestMissingSystemSampleMeansDesktop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sampler.process = ""

	h.svc.step(ctx)
	h.clock.Advance(time.Second)
	h.svc.step(ctx)
	if got := h.svc.Switcher().Current(); got != "default" {
		t.Errorf("current profile = %q, want default for a desktop without a system sample", got)
	}
}

func TestReloadLayoutsReappliesProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sampler.process = "chrome"
	h.svc.step(ctx)
	h.clock.Advance(time.Second)
	h.svc.step(ctx)
	if h.svc.Switcher().Current() != "chrome" {
		t.Fatal("chrome profile not active")
	}

	edited := `{"tiles": [{"id": "tab"}, {"id": "reload"}]}`
	path := filepath.Join(h.cfg.LayoutsPath(), "chrome.json")
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	h.svc.step(ctx)
	if h.svc.TileCount() != 1 {
		t.Fatal("edited document applied before a reload")
	}

	h.svc.ReloadLayouts()
	h.svc.ReloadLayouts()
	h.svc.step(ctx)
	if !h.svc.Layout().Equal(layout.MustParse(edited)) {
		t.Errorf("store = %s, want the edited document", h.svc.Layout())
	}
	if got := len(h.link.sentOfType(protocol.TypeConfig)); got != 2 {
		t.Errorf("config frames = %d, want 2 (switch and reload)", got)
	}
	if got := h.svc.Switcher().Current(); got != "chrome" {
		t.Errorf("current profile = %q after reload", got)
	}
}
