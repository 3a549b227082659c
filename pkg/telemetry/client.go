// Package telemetry implements an opt-in usage reporting client. A host
// application registers graphs of pollable integer plotters; the client
// periodically assembles a report (host identity, environment facts, graph
// values) and submits it to a collection endpoint over HTTP. A persisted
// opt-out flag is re-read on every tick so an operator can disable
// reporting while the host is running.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/statbeacon/statbeacon/pkg/events"
)

// DefaultInterval is the reporting period used unless overridden with
// WithInterval.
const DefaultInterval = time.Minute

// Event topics published by the client when a bus is attached.
const (
	TopicSubmit       = "telemetry.submit"
	TopicSubmitFailed = "telemetry.submit.failed"
	TopicOptOut       = "telemetry.optout"
)

// State is the persisted client state. The server ID is generated once by
// the store and never changes afterwards.
type State struct {
	ServerID string
	OptOut   bool
	Debug    bool
}

// StateStore persists client state. Load must re-read the backing store on
// every call: the opt-out flag can be toggled externally between ticks.
type StateStore interface {
	Load() (State, error)
	Save(State) error
}

// SubmissionRecord describes the outcome of one submission attempt.
type SubmissionRecord struct {
	At          time.Time
	Ping        bool
	FirstUpdate bool
	OK          bool
	Detail      string
	Bytes       int
}

// Recorder observes submission outcomes, e.g. a diagnostics journal.
// Recorder errors are logged and otherwise ignored.
type Recorder interface {
	Record(ctx context.Context, rec SubmissionRecord) error
}

var (
	// ErrNilHost is returned by New when no HostInfo is supplied.
	ErrNilHost = errors.New("telemetry: host info cannot be nil")

	// ErrNilState is returned by New when no StateStore is supplied.
	ErrNilState = errors.New("telemetry: state store cannot be nil")
)

// task is the handle of the live reporting goroutine. At most one exists
// per client; nil means not running.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Client is the reporting engine. Construct one per host application;
// there is no process-wide instance.
type Client struct {
	host     HostInfo
	env      Environment
	state    StateStore
	sender   Sender
	logger   *zap.Logger
	bus      *events.Bus
	recorder Recorder
	interval time.Duration

	serverID string
	debug    bool

	// mu is the opt-out lock: it serializes Start, Enable, Disable,
	// IsOptedOut, and the tick's check-and-cancel step so an external
	// toggle cannot race the loop over the task handle.
	mu   sync.Mutex
	task *task

	// graphMu guards the graph registry. Plotter values are polled only
	// after copying the set out from under it.
	graphMu sync.Mutex
	order   []string
	graphs  map[string]*Graph
}

// Option configures a Client.
type Option func(*Client)

// WithLogger attaches a logger. Delivery failures are logged only when the
// persisted debug flag is set.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSender substitutes the transport. The default is an HTTPSender for
// the host's application name.
func WithSender(s Sender) Option {
	return func(c *Client) { c.sender = s }
}

// WithEnvironment substitutes the environment facts provider.
func WithEnvironment(e Environment) Option {
	return func(c *Client) { c.env = e }
}

// WithInterval overrides the reporting period.
func WithInterval(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

// WithBus attaches an event bus; the client publishes submission and
// opt-out lifecycle events on it.
func WithBus(b *events.Bus) Option {
	return func(c *Client) { c.bus = b }
}

// WithRecorder attaches a submission outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// New creates a client for the given host. The state store is loaded once
// to capture the server ID and debug flag; a failing store here is a
// constructor error, not a silent opt-out.
func New(host HostInfo, state StateStore, opts ...Option) (*Client, error) {
	if host == nil {
		return nil, ErrNilHost
	}
	if state == nil {
		return nil, ErrNilState
	}

	c := &Client{
		host:     host,
		state:    state,
		env:      runtimeEnvironment{},
		logger:   zap.NewNop(),
		interval: DefaultInterval,
		graphs:   make(map[string]*Graph),
	}
	for _, opt := range opts {
		opt(c)
	}

	st, err := state.Load()
	if err != nil {
		return nil, fmt.Errorf("telemetry: load state: %w", err)
	}
	c.serverID = st.ServerID
	c.debug = st.Debug

	if c.sender == nil {
		sender, err := NewHTTPSender(host.Name(), WithSenderLogger(c.logger))
		if err != nil {
			return nil, err
		}
		c.sender = sender
	}

	return c, nil
}

// CreateGraph returns the graph registered under name, creating it if
// necessary.
func (c *Client) CreateGraph(name string) (*Graph, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	c.graphMu.Lock()
	defer c.graphMu.Unlock()
	if g, ok := c.graphs[name]; ok {
		return g, nil
	}
	g := newGraph(name)
	c.graphs[name] = g
	c.order = append(c.order, name)
	return g, nil
}

// AddGraph registers an externally constructed graph. If a graph with the
// same name is already registered, the existing one is kept.
func (c *Client) AddGraph(g *Graph) error {
	if g == nil {
		return ErrNilGraph
	}

	c.graphMu.Lock()
	defer c.graphMu.Unlock()
	if _, ok := c.graphs[g.name]; ok {
		return nil
	}
	c.graphs[g.name] = g
	c.order = append(c.order, g.name)
	return nil
}

// Start launches the periodic reporting task. It returns false without
// starting anything if the operator has opted out, and true without
// starting a second task if one is already running. The first tick fires
// immediately.
func (c *Client) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isOptOutLocked() {
		return false
	}
	if c.task != nil {
		return true
	}
	c.startLocked()
	return true
}

// Running reports whether the periodic task is live.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task != nil
}

// IsOptedOut re-reads the persisted state. Any load failure reports
// opted-out: a broken state store disables reporting rather than silently
// enabling it.
func (c *Client) IsOptedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOptOutLocked()
}

// Enable clears the persisted opt-out flag and starts the reporting task
// if it is not already running.
func (c *Client) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isOptOutLocked() {
		if err := c.saveOptOutLocked(false); err != nil {
			return err
		}
	}
	if c.task == nil {
		c.startLocked()
	}
	return nil
}

// Disable sets the persisted opt-out flag and cancels the reporting task
// if one is running. An in-flight tick runs to completion.
func (c *Client) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isOptOutLocked() {
		if err := c.saveOptOutLocked(true); err != nil {
			return err
		}
	}
	if c.task != nil {
		c.task.cancel()
		c.task = nil
	}
	return nil
}

// Stop cancels the reporting task without touching the opt-out flag and
// waits for an in-flight tick to finish. Intended for host shutdown.
func (c *Client) Stop() {
	c.mu.Lock()
	t := c.task
	c.task = nil
	c.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}
}

// startLocked creates the reporting goroutine. Caller holds c.mu.
func (c *Client) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	c.task = t

	go c.run(ctx, t)
}

// run is the periodic loop: an immediate first tick, then one per
// interval. The first submission of each task lifetime omits the ping
// marker; a stop/restart cycle restarts the numbering.
func (c *Client) run(ctx context.Context, t *task) {
	defer close(t.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	first := true
	for {
		c.tick(!first)
		first = false

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick performs one reporting cycle: re-check opt-out under the opt-out
// lock (cancelling the task and notifying graphs if the operator opted out
// since the last tick), then submit one report. A delivery failure is
// swallowed; it never cancels the task.
func (c *Client) tick(ping bool) {
	c.mu.Lock()
	if c.isOptOutLocked() && c.task != nil {
		c.task.cancel()
		c.task = nil
		c.notifyOptOut()
	}
	c.mu.Unlock()

	if err := c.submit(ping); err != nil {
		if c.debug {
			c.logger.Info("report submission failed", zap.Error(err))
		}
	}
}

// isOptOutLocked re-loads persisted state; load failure fails safe to
// opted-out. Caller holds c.mu.
func (c *Client) isOptOutLocked() bool {
	st, err := c.state.Load()
	if err != nil {
		if c.debug {
			c.logger.Info("state reload failed", zap.Error(err))
		}
		return true
	}
	return st.OptOut
}

// saveOptOutLocked persists the opt-out flag, preserving the server ID
// even when the state file has become unreadable. Caller holds c.mu.
func (c *Client) saveOptOutLocked(optOut bool) error {
	st, err := c.state.Load()
	if err != nil {
		st = State{ServerID: c.serverID, Debug: c.debug}
	}
	if st.ServerID == "" {
		st.ServerID = c.serverID
	}
	st.OptOut = optOut
	if err := c.state.Save(st); err != nil {
		return fmt.Errorf("telemetry: save state: %w", err)
	}
	return nil
}

// notifyOptOut tells every graph to stop gathering and publishes the
// opt-out event. Caller holds c.mu; graph hooks run outside graphMu via
// each graph's own snapshot.
func (c *Client) notifyOptOut() {
	for _, g := range c.graphList() {
		g.notifyOptOut()
	}
	c.publish(TopicOptOut, nil)
}

// graphList copies the registry in insertion order.
func (c *Client) graphList() []*Graph {
	c.graphMu.Lock()
	defer c.graphMu.Unlock()
	out := make([]*Graph, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.graphs[name])
	}
	return out
}

// snapshotGraphs polls every plotter. The registry and each graph's
// plotter set are copied out under their locks first; the potentially slow
// Value calls run with no locks held.
func (c *Client) snapshotGraphs() []graphSnapshot {
	graphs := c.graphList()
	out := make([]graphSnapshot, 0, len(graphs))
	for _, g := range graphs {
		snap := graphSnapshot{name: g.name}
		for _, np := range g.snapshot() {
			snap.columns = append(snap.columns, column{
				name:  np.name,
				value: fmt.Sprintf("%d", np.plotter.Value()),
			})
		}
		out = append(out, snap)
	}
	return out
}

// submit builds and delivers one report. On a delivery acknowledged as the
// first update of the server-side window, every plotter's Reset hook fires
// exactly once.
func (c *Client) submit(ping bool) error {
	body := buildReport(reportInput{
		serverID:      c.serverID,
		appVersion:    c.host.Version(),
		serverVersion: c.host.ServerVersion(),
		playersOnline: c.host.PlayersOnline(),
		onlineMode:    c.host.OnlineMode(),
		env:           c.env,
		ping:          ping,
		graphs:        c.snapshotGraphs(),
	})

	receipt, err := c.sender.Send(context.Background(), []byte(body))

	rec := SubmissionRecord{
		At:    time.Now().UTC(),
		Ping:  ping,
		OK:    err == nil,
		Bytes: len(body),
	}
	if err != nil {
		rec.Detail = err.Error()
	} else {
		rec.FirstUpdate = receipt.FirstUpdate
	}
	c.record(rec)

	if err != nil {
		c.publish(TopicSubmitFailed, rec)
		return err
	}

	if receipt.FirstUpdate {
		for _, g := range c.graphList() {
			g.resetPlotters()
		}
	}
	c.publish(TopicSubmit, rec)
	return nil
}

func (c *Client) record(rec SubmissionRecord) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(context.Background(), rec); err != nil {
		c.logger.Warn("submission record failed", zap.Error(err))
	}
}

func (c *Client) publish(topic string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.PublishAsync(context.Background(), events.Event{
		Topic:     topic,
		Source:    c.host.Name(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
