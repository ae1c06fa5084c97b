// Package registry holds the monetization modules and routes tenant events
// to them.
//
// Every module implements Module. Revenue reporting and optimization are
// optional capabilities, discovered with a type assertion when they are
// needed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/metrics"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrModuleExists  = errors.New("registry: module already registered")
	ErrModuleUnnamed = errors.New("registry: module has no name")
	ErrInvalidEvent  = errors.New("registry: event type and tenant are required")
)

// Module names.
const (
	AdRevenue  = "adsense"
	Newsletter = "newsletter"
	Analytics  = "analytics"
	Payments   = "payments"
	Automation = "automation"
)

// -----------------------------------------------------------------------------
// Capabilities
// -----------------------------------------------------------------------------

// Event is a typed tenant event routed through the registry.
type Event struct {
	Type       string         `json:"type"`
	TenantID   string         `json:"tenantId"`
	SiteID     string         `json:"siteId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Module is the contract every monetization module implements.
type Module interface {
	Name() string
	IsActive() bool
	ProcessEvent(ctx context.Context, ev Event) error
}

// RevenueReporter is implemented by modules that report their own revenue.
type RevenueReporter interface {
	RevenueData(ctx context.Context, tenantID string, period ledger.Period) (any, error)
}

// Recommender is implemented by modules that suggest optimizations.
type Recommender interface {
	OptimizationRecommendations(ctx context.Context, tenantID string) ([]Recommendation, error)
}

// Optimizer is implemented by modules that can apply optimizations.
type Optimizer interface {
	RunOptimization(ctx context.Context, tenantID string) (*OptimizationResult, error)
}

// Recommendation is one suggested change.
type Recommendation struct {
	Module   string `json:"module"`
	Kind     string `json:"kind"`
	Priority string `json:"priority"`
	Message  string `json:"message"`
}

// OptimizationResult summarizes what a module changed.
type OptimizationResult struct {
	Module  string   `json:"module"`
	Changes []string `json:"changes"`
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// DefaultRoutes maps event types to the module that owns them. Types not
// listed go to Analytics only.
func DefaultRoutes() map[string]string {
	return map[string]string{
		"adsense_impression":   AdRevenue,
		"adsense_click":        AdRevenue,
		"affiliate_sale":       AdRevenue,
		"sponsorship_payment":  AdRevenue,
		"newsletter_signup":    Newsletter,
		"subscription_payment": Payments,
		"automation_run":       Automation,
	}
}

// Registry holds modules by name.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	routes  map[string]string
}

// New creates an empty registry with DefaultRoutes.
func New() *Registry {
	return &Registry{
		modules: make(map[string]Module),
		routes:  DefaultRoutes(),
	}
}

// Register adds a module under its own name.
func (r *Registry) Register(m Module) error {
	name := m.Name()
	if name == "" {
		return ErrModuleUnnamed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[name]; ok {
		return fmt.Errorf("%w: %s", ErrModuleExists, name)
	}
	r.modules[name] = m
	return nil
}

// Route sends events of eventType to module.
func (r *Registry) Route(eventType, module string) {
	r.mu.Lock()
	r.routes[eventType] = module
	r.mu.Unlock()
}

// Get returns a registered module.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// ActiveModules returns the registered modules that report themselves
// active, ordered by name.
func (r *Registry) ActiveModules() []Module {
	r.mu.RLock()
	all := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		all = append(all, m)
	}
	r.mu.RUnlock()

	active := all[:0]
	for _, m := range all {
		if m.IsActive() {
			active = append(active, m)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name() < active[j].Name() })
	return active
}

// DispatchResult lists the modules that processed an event.
type DispatchResult struct {
	Owner     string   `json:"owner,omitempty"`
	HandledBy []string `json:"handledBy"`
}

// Dispatch sends ev to the module that owns its type, when that module is
// registered and active, and always to Analytics. Only the owner's error is
// returned; an Analytics failure is logged.
func (r *Registry) Dispatch(ctx context.Context, ev Event) (*DispatchResult, error) {
	if ev.Type == "" || ev.TenantID == "" {
		return nil, ErrInvalidEvent
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	r.mu.RLock()
	owner := r.routes[ev.Type]
	target := r.modules[owner]
	analytics := r.modules[Analytics]
	r.mu.RUnlock()

	res := &DispatchResult{HandledBy: []string{}}
	var ownerErr error
	if owner != "" && owner != Analytics {
		res.Owner = owner
		ownerErr = deliver(ctx, target, owner, ev, res)
	}

	if err := deliver(ctx, analytics, Analytics, ev, res); err != nil {
		logging.L(ctx).Warn("analytics tracking failed", "event_type", ev.Type, "error", err)
	}
	return res, ownerErr
}

func deliver(ctx context.Context, m Module, name string, ev Event, res *DispatchResult) error {
	if m == nil || !m.IsActive() {
		metrics.RegistryDispatchTotal.WithLabelValues(name, "skipped").Inc()
		return nil
	}
	if err := m.ProcessEvent(ctx, ev); err != nil {
		metrics.RegistryDispatchTotal.WithLabelValues(name, "error").Inc()
		return fmt.Errorf("%s: %w", name, err)
	}
	metrics.RegistryDispatchTotal.WithLabelValues(name, "ok").Inc()
	res.HandledBy = append(res.HandledBy, name)
	return nil
}

// RevenueData collects revenue data from every active module that reports
// it, keyed by module name. A failing module is logged and left out.
func (r *Registry) RevenueData(ctx context.Context, tenantID string, period ledger.Period) map[string]any {
	out := make(map[string]any)
	for _, m := range r.ActiveModules() {
		rep, ok := m.(RevenueReporter)
		if !ok {
			continue
		}
		data, err := rep.RevenueData(ctx, tenantID, period)
		if err != nil {
			logging.L(ctx).Warn("module revenue data failed", "module", m.Name(), "error", err)
			continue
		}
		if data == nil {
			continue
		}
		out[m.Name()] = data
	}
	return out
}

// Recommendations collects optimization recommendations from every active
// module that offers them.
func (r *Registry) Recommendations(ctx context.Context, tenantID string) []Recommendation {
	var out []Recommendation
	for _, m := range r.ActiveModules() {
		rec, ok := m.(Recommender)
		if !ok {
			continue
		}
		recs, err := rec.OptimizationRecommendations(ctx, tenantID)
		if err != nil {
			logging.L(ctx).Warn("module recommendations failed", "module", m.Name(), "error", err)
			continue
		}
		for i := range recs {
			if recs[i].Module == "" {
				recs[i].Module = m.Name()
			}
		}
		out = append(out, recs...)
	}
	return out
}

// RunOptimizations runs every active Optimizer for the tenant.
func (r *Registry) RunOptimizations(ctx context.Context, tenantID string) []OptimizationResult {
	var out []OptimizationResult
	for _, m := range r.ActiveModules() {
		opt, ok := m.(Optimizer)
		if !ok {
			continue
		}
		res, err := opt.RunOptimization(ctx, tenantID)
		if err != nil {
			logging.L(ctx).Warn("module optimization failed", "module", m.Name(), "error", err)
			continue
		}
		if res == nil {
			continue
		}
		if res.Module == "" {
			res.Module = m.Name()
		}
		out = append(out, *res)
	}
	return out
}
