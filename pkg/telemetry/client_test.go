package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory StateStore with a switchable load failure.
type memStore struct {
	mu       sync.Mutex
	st       State
	failLoad bool
	saves    int
}

func newMemStore() *memStore {
	return &memStore{st: State{ServerID: "test-server-id"}}
}

func (m *memStore) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLoad {
		return State{}, errors.New("backing store unavailable")
	}
	return m.st, nil
}

func (m *memStore) Save(st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = st
	m.saves++
	return nil
}

func (m *memStore) setOptOut(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.OptOut = v
}

func (m *memStore) setFailLoad(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLoad = v
}

// stubSender records submitted bodies and replays canned receipts.
type stubSender struct {
	mu      sync.Mutex
	bodies  []string
	receipt Receipt
	err     error
	sent    chan string
}

func newStubSender() *stubSender {
	return &stubSender{sent: make(chan string, 16)}
}

func (s *stubSender) Send(_ context.Context, body []byte) (*Receipt, error) {
	s.mu.Lock()
	s.bodies = append(s.bodies, string(body))
	receipt := s.receipt
	err := s.err
	s.mu.Unlock()

	select {
	case s.sent <- string(body):
	default:
	}
	if err != nil {
		return nil, err
	}
	r := receipt
	return &r, nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

// stubHost is a fixed HostInfo.
type stubHost struct {
	players int
}

func (h *stubHost) Name() string          { return "TestApp" }
func (h *stubHost) Version() string       { return "0.9.0" }
func (h *stubHost) ServerVersion() string { return "env-1" }
func (h *stubHost) PlayersOnline() int    { return h.players }
func (h *stubHost) OnlineMode() bool      { return true }

// resetPlotter counts Reset and OnOptOut invocations.
type resetPlotter struct {
	mu      sync.Mutex
	name    string
	value   int
	resets  int
	optOuts int
}

func (p *resetPlotter) Name() string { return p.name }
func (p *resetPlotter) Value() int   { return p.value }

func (p *resetPlotter) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
}

func (p *resetPlotter) OnOptOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.optOuts++
}

func (p *resetPlotter) resetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

func (p *resetPlotter) optOutCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.optOuts
}

func newTestClient(t *testing.T, store *memStore, sender Sender, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithSender(sender),
		WithEnvironment(fixedEnv{arch: "amd64", cpus: 4}),
		WithInterval(time.Hour),
	}, opts...)
	c, err := New(&stubHost{players: 5}, store, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func waitSend(t *testing.T, s *stubSender) string {
	t.Helper()
	select {
	case body := <-s.sent:
		return body
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a submission")
		return ""
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, newMemStore()); !errors.Is(err, ErrNilHost) {
		t.Errorf("New(nil host) error = %v, want ErrNilHost", err)
	}
	if _, err := New(&stubHost{}, nil); !errors.Is(err, ErrNilState) {
		t.Errorf("New(nil state) error = %v, want ErrNilState", err)
	}

	broken := newMemStore()
	broken.setFailLoad(true)
	if _, err := New(&stubHost{}, broken); err == nil {
		t.Error("New() with failing store should error")
	}
}

func TestStartIdempotent(t *testing.T) {
	store := newMemStore()
	sender := newStubSender()
	c := newTestClient(t, store, sender)

	if !c.Start() {
		t.Fatal("Start() = false, want true")
	}
	waitSend(t, sender)

	if !c.Start() {
		t.Error("second Start() = false, want true")
	}
	if !c.Running() {
		t.Error("Running() = false after Start")
	}

	// A second task would fire its own immediate first tick.
	time.Sleep(100 * time.Millisecond)
	if got := sender.count(); got != 1 {
		t.Errorf("submissions after double Start = %d, want 1", got)
	}
}

func TestStartOptedOut(t *testing.T) {
	store := newMemStore()
	store.setOptOut(true)
	sender := newStubSender()
	c := newTestClient(t, store, sender)

	if c.Start() {
		t.Error("Start() = true while opted out, want false")
	}
	if c.Start() {
		t.Error("second Start() = true while opted out, want false")
	}
	if c.Running() {
		t.Error("Running() = true, want false")
	}
	if got := sender.count(); got != 0 {
		t.Errorf("submissions = %d, want 0", got)
	}
}

func TestOptOutFailSafe(t *testing.T) {
	store := newMemStore()
	sender := newStubSender()
	c := newTestClient(t, store, sender)

	if c.IsOptedOut() {
		t.Fatal("IsOptedOut() = true with healthy store")
	}

	store.setFailLoad(true)
	if !c.IsOptedOut() {
		t.Error("IsOptedOut() = false with broken store, want fail-safe true")
	}
}

func TestEnableDisableConvergence(t *testing.T) {
	store := newMemStore()
	sender := newStubSender()
	c := newTestClient(t, store, sender)

	if err := c.Disable(); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if !c.IsOptedOut() {
		t.Error("IsOptedOut() = false after Disable")
	}
	if c.Running() {
		t.Error("Running() = true after Disable")
	}

	if err := c.Disable(); err != nil {
		t.Fatalf("repeated Disable() error = %v", err)
	}

	if err := c.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if c.IsOptedOut() {
		t.Error("IsOptedOut() = true after Enable")
	}
	if !c.Running() {
		t.Error("Running() = false after Enable")
	}
	waitSend(t, sender)

	if err := c.Enable(); err != nil {
		t.Fatalf("repeated Enable() error = %v", err)
	}
	if !c.Running() {
		t.Error("Running() = false after repeated Enable")
	}
}

func TestPingFlagging(t *testing.T) {
	store := newMemStore()
	sender := newStubSender()
	c := newTestClient(t, store, sender, WithInterval(20*time.Millisecond))

	if !c.Start() {
		t.Fatal("Start() = false")
	}

	first := waitSend(t, sender)
	second := waitSend(t, sender)
	c.Stop()

	if strings.Contains(first, `"ping"`) {
		t.Errorf("first submission should omit ping marker: %s", first)
	}
	if !strings.Contains(second, `"ping":1`) {
		t.Errorf("second submission should carry ping marker: %s", second)
	}
}

func TestPingRestartsAfterStop(t *testing.T) {
	store := newMemStore()
	sender := newStubSender()
	c := newTestClient(t, store, sender)

	c.Start()
	first := waitSend(t, sender)
	c.Stop()

	c.Start()
	restarted := waitSend(t, sender)
	c.Stop()

	if strings.Contains(first, `"ping"`) {
		t.Errorf("first submission should omit ping marker: %s", first)
	}
	if strings.Contains(restarted, `"ping"`) {
		t.Errorf("first submission after restart should omit ping marker: %s", restarted)
	}
}

func TestResetOnFirstUpdate(t *testing.T) {
	store := newMemStore()
	sender := newStubSender()
	c := newTestClient(t, store, sender)

	g, err := c.CreateGraph("Usage")
	if err != nil {
		t.Fatalf("CreateGraph() error = %v", err)
	}
	plotter := &resetPlotter{name: "Players", value: 5}
	if err := g.AddPlotter(plotter); err != nil {
		t.Fatalf("AddPlotter() error = %v", err)
	}

	// "1": first update of the window, resets fire.
	sender.receipt = Receipt{FirstUpdate: true}
	if err := c.submit(false); err != nil {
		t.Fatalf("submit() error = %v", err)
	}
	if got := plotter.resetCount(); got != 1 {
		t.Errorf("resets after first-update ack = %d, want 1", got)
	}

	// "2": delivered but not first, no reset.
	sender.receipt = Receipt{}
	if err := c.submit(true); err != nil {
		t.Fatalf("submit() error = %v", err)
	}
	if got := plotter.resetCount(); got != 1 {
		t.Errorf("resets after plain ack = %d, want 1", got)
	}

	// "ERR bad id": failure surfaces, no reset.
	sender.err = &DeliveryError{Detail: "ERR bad id"}
	err = c.submit(true)
	var dErr *DeliveryError
	if !errors.As(err, &dErr) {
		t.Fatalf("submit() error = %v, want DeliveryError", err)
	}
	if got := plotter.resetCount(); got != 1 {
		t.Errorf("resets after failure = %d, want 1", got)
	}
}

func TestTickOptOutCancelsAndNotifies(t *testing.T) {
	store := newMemStore()
	sender := newStubSender()
	c := newTestClient(t, store, sender)

	g, err := c.CreateGraph("Usage")
	if err != nil {
		t.Fatalf("CreateGraph() error = %v", err)
	}
	plotter := &resetPlotter{name: "Players", value: 5}
	if err := g.AddPlotter(plotter); err != nil {
		t.Fatalf("AddPlotter() error = %v", err)
	}
	var graphHook int
	g.OnOptOut = func() { graphHook++ }

	if !c.Start() {
		t.Fatal("Start() = false")
	}
	waitSend(t, sender)

	// Operator edits the backing store between ticks.
	store.setOptOut(true)
	c.tick(true)

	if c.Running() {
		t.Error("Running() = true after opted-out tick")
	}
	if graphHook != 1 {
		t.Errorf("graph OnOptOut fired %d times, want 1", graphHook)
	}
	if got := plotter.optOutCount(); got != 1 {
		t.Errorf("plotter OnOptOut fired %d times, want 1", got)
	}
	// The opted-out tick still performs its submission.
	waitSend(t, sender)
}

func TestSubmissionFailureKeepsTaskAlive(t *testing.T) {
	store := newMemStore()
	sender := newStubSender()
	sender.err = &DeliveryError{Detail: "null"}
	c := newTestClient(t, store, sender, WithInterval(20*time.Millisecond))

	if !c.Start() {
		t.Fatal("Start() = false")
	}
	waitSend(t, sender)
	waitSend(t, sender)

	if !c.Running() {
		t.Error("Running() = false after delivery failures, want true")
	}
}

func TestEndToEndPayload(t *testing.T) {
	store := newMemStore()
	sender := newStubSender()
	c := newTestClient(t, store, sender)

	g, err := c.CreateGraph("Usage")
	if err != nil {
		t.Fatalf("CreateGraph() error = %v", err)
	}
	plotter := &resetPlotter{name: "Players", value: 5}
	if err := g.AddPlotter(plotter); err != nil {
		t.Fatalf("AddPlotter() error = %v", err)
	}

	sender.receipt = Receipt{FirstUpdate: true}
	if !c.Start() {
		t.Fatal("Start() = false")
	}
	body := waitSend(t, sender)
	c.Stop()

	if !strings.Contains(body, `"Usage":{"Players":5}`) {
		t.Errorf("payload missing bare-numeric graph values: %s", body)
	}
	if got := plotter.resetCount(); got != 1 {
		t.Errorf("resets after acknowledged submit = %d, want 1", got)
	}
}

func TestCreateGraphValidation(t *testing.T) {
	store := newMemStore()
	c := newTestClient(t, store, newStubSender())

	if _, err := c.CreateGraph(""); !errors.Is(err, ErrEmptyName) {
		t.Errorf("CreateGraph(\"\") error = %v, want ErrEmptyName", err)
	}
	if err := c.AddGraph(nil); !errors.Is(err, ErrNilGraph) {
		t.Errorf("AddGraph(nil) error = %v, want ErrNilGraph", err)
	}

	g1, err := c.CreateGraph("Usage")
	if err != nil {
		t.Fatalf("CreateGraph() error = %v", err)
	}
	g2, err := c.CreateGraph("Usage")
	if err != nil {
		t.Fatalf("CreateGraph() error = %v", err)
	}
	if g1 != g2 {
		t.Error("CreateGraph with same name should return the existing graph")
	}
}

func TestEnablePreservesServerID(t *testing.T) {
	store := newMemStore()
	sender := newStubSender()
	c := newTestClient(t, store, sender)

	if err := c.Disable(); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}

	// Enable while the store cannot be read must not clobber the ID.
	store.setFailLoad(true)
	defer store.setFailLoad(false)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	store.setFailLoad(false)
	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st.ServerID != "test-server-id" {
		t.Errorf("ServerID = %q after recovery save, want %q", st.ServerID, "test-server-id")
	}
	if st.OptOut {
		t.Error("OptOut = true after Enable")
	}
}
