package jobs

import (
	"context"
	"fmt"

	"fwdctl/internal/model"
)

// Mux routes each job kind to its own runner. Kinds without a route go to
// the fallback runner.
type Mux struct {
	fallback Runner
	routes   map[model.JobKind]Runner
}

var (
	_ Runner   = (*Mux)(nil)
	_ Canceler = (*Mux)(nil)
)

// NewMux creates a mux that sends unrouted kinds to fallback, which may be
// nil.
func NewMux(fallback Runner) *Mux {
	return &Mux{fallback: fallback, routes: make(map[model.JobKind]Runner)}
}

// Handle routes kind to r.
func (m *Mux) Handle(kind model.JobKind, r Runner) {
	m.routes[kind] = r
}

func (m *Mux) runner(kind model.JobKind) (Runner, error) {
	if r, ok := m.routes[kind]; ok {
		return r, nil
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no runner for job kind %q", kind)
	}
	return m.fallback, nil
}

func (m *Mux) Start(ctx context.Context, nodeID string, kind model.JobKind) (string, error) {
	r, err := m.runner(kind)
	if err != nil {
		return "", err
	}
	return r.Start(ctx, nodeID, kind)
}

func (m *Mux) Result(ctx context.Context, nodeID string, kind model.JobKind, requestID string) (Result, error) {
	r, err := m.runner(kind)
	if err != nil {
		return Result{}, err
	}
	return r.Result(ctx, nodeID, kind, requestID)
}

// Cancel forwards to the routed runner when it implements Canceler.
func (m *Mux) Cancel(nodeID string, kind model.JobKind, requestID string) {
	r, err := m.runner(kind)
	if err != nil {
		return
	}
	if c, ok := r.(Canceler); ok {
		c.Cancel(nodeID, kind, requestID)
	}
}
