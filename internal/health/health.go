// Package health runs the named dependency probes behind /health.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is one probe's result.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Probe checks one dependency. A nil error is healthy.
type Probe func(ctx context.Context) error

type probe struct {
	name string
	fn   Probe
}

// Registry holds probes in registration order.
type Registry struct {
	timeout time.Duration

	mu     sync.RWMutex
	probes []probe
}

// NewRegistry returns a registry whose probes each get at most timeout.
// A non-positive timeout means 2s.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a probe.
func (r *Registry) Register(name string, fn Probe) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, fn: fn})
	r.mu.Unlock()
}

// CheckAll runs every probe concurrently and reports whether all passed.
// Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	r.mu.RUnlock()

	statuses := make([]Status, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			statuses[i] = r.run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, p probe) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := p.fn(ctx)
	st := Status{Name: p.name, Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}
