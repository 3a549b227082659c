package telemetry

import (
	"errors"
	"sync"
)

// DefaultPlotterName is used for plotters that do not report a name of
// their own.
const DefaultPlotterName = "Default"

var (
	// ErrEmptyName is returned when a graph or application name is empty.
	ErrEmptyName = errors.New("telemetry: name cannot be empty")

	// ErrNilPlotter is returned when a nil plotter is registered.
	ErrNilPlotter = errors.New("telemetry: plotter cannot be nil")

	// ErrNilGraph is returned when a nil graph is registered.
	ErrNilGraph = errors.New("telemetry: graph cannot be nil")
)

// Plotter is a named, pollable integer data source contributing one column
// to a graph. Value is invoked from the reporting goroutine with no locks
// held; it may block, and it is the implementor's responsibility to
// synchronize access to whatever it reads.
type Plotter interface {
	Name() string
	Value() int
}

// PlotterFunc adapts a plain function to the Plotter interface.
type PlotterFunc struct {
	name string
	fn   func() int
}

// NewPlotter returns a Plotter backed by fn. An empty name falls back to
// DefaultPlotterName.
func NewPlotter(name string, fn func() int) *PlotterFunc {
	if name == "" {
		name = DefaultPlotterName
	}
	return &PlotterFunc{name: name, fn: fn}
}

func (p *PlotterFunc) Name() string { return p.name }
func (p *PlotterFunc) Value() int   { return p.fn() }

// Graph is a named grouping of plotters shown as one chart on the
// collection dashboard. Plotters are keyed by name and kept in insertion
// order; adding a plotter under a name that is already present replaces it.
type Graph struct {
	name string

	// OnOptOut, if set, is invoked once when the owning client stops
	// reporting because the operator opted out.
	OnOptOut func()

	mu       sync.Mutex
	order    []string
	plotters map[string]Plotter
}

func newGraph(name string) *Graph {
	return &Graph{
		name:     name,
		plotters: make(map[string]Plotter),
	}
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// AddPlotter registers a plotter with the graph. A plotter reporting an
// empty name is registered under DefaultPlotterName.
func (g *Graph) AddPlotter(p Plotter) error {
	if p == nil {
		return ErrNilPlotter
	}
	name := p.Name()
	if name == "" {
		name = DefaultPlotterName
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.plotters[name]; !ok {
		g.order = append(g.order, name)
	}
	g.plotters[name] = p
	return nil
}

// Add is a convenience wrapper registering fn as a plotter named name.
func (g *Graph) Add(name string, fn func() int) error {
	if fn == nil {
		return ErrNilPlotter
	}
	return g.AddPlotter(NewPlotter(name, fn))
}

// Remove unregisters the plotter with the given name. Removing a name that
// is not present is a no-op.
func (g *Graph) Remove(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.plotters[name]; !ok {
		return
	}
	delete(g.plotters, name)
	for i, n := range g.order {
		if n == name {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// namedPlotter pairs a plotter with the column name it was registered under.
type namedPlotter struct {
	name    string
	plotter Plotter
}

// snapshot copies the current plotter set out from under the graph lock so
// that callers can poll values without holding it.
func (g *Graph) snapshot() []namedPlotter {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]namedPlotter, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, namedPlotter{name: name, plotter: g.plotters[name]})
	}
	return out
}

// notifyOptOut fires the graph's opt-out hooks: the graph-level callback
// first, then every plotter that implements OptOutHandler.
func (g *Graph) notifyOptOut() {
	if g.OnOptOut != nil {
		g.OnOptOut()
	}
	for _, np := range g.snapshot() {
		if h, ok := np.plotter.(OptOutHandler); ok {
			h.OnOptOut()
		}
	}
}

// resetPlotters invokes the Reset hook on every plotter that has one.
func (g *Graph) resetPlotters() {
	for _, np := range g.snapshot() {
		if r, ok := np.plotter.(Resetter); ok {
			r.Reset()
		}
	}
}
