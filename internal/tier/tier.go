// Package tier evaluates tier-based resource limits.
//
// Evaluate is a pure function of (table, tier, action, current count). It
// performs no I/O; callers supply live counts.
package tier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidLimit = errors.New("tier: invalid limit")

// Name identifies a pricing tier.
type Name string

const (
	Free       Name = "free"
	Pro        Name = "pro"
	Enterprise Name = "enterprise"
)

// Resource is a named, countable limit inside a tier.
type Resource string

const (
	Sites           Resource = "sites"
	Subscribers     Resource = "subscribers"
	MonthlyRevenue  Resource = "monthly_revenue"
	AutomationTasks Resource = "automation_tasks"
	APICalls        Resource = "api_calls"
)

// Action is an entitlement-gated operation.
type Action string

const (
	ActionCreateSite     Action = "create_site"
	ActionSendNewsletter Action = "send_newsletter"
	ActionAPICall        Action = "api_call"
	ActionAutomationTask Action = "automation_task"
)

// ResourceFor returns the resource an action is counted against. Actions
// outside the known set name their limit directly.
func ResourceFor(a Action) Resource {
	switch a {
	case ActionCreateSite:
		return Sites
	case ActionSendNewsletter:
		return Subscribers
	case ActionAPICall:
		return APICalls
	case ActionAutomationTask:
		return AutomationTasks
	default:
		return Resource(a)
	}
}

// Limit is either a finite maximum or Unlimited. The zero value is a
// finite limit of 0.
type Limit struct {
	max       int64
	unlimited bool
}

// Max returns a finite limit.
func Max(n int64) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{max: n}
}

// Unlimited returns the limit that allows any count.
func Unlimited() Limit { return Limit{unlimited: true} }

// IsUnlimited reports whether the limit has no maximum.
func (l Limit) IsUnlimited() bool { return l.unlimited }

// Value returns the finite maximum; ok is false for Unlimited.
func (l Limit) Value() (n int64, ok bool) {
	if l.unlimited {
		return 0, false
	}
	return l.max, true
}

// Allows reports whether one more unit may be consumed at count.
func (l Limit) Allows(count int64) bool {
	return l.unlimited || count < l.max
}

func (l Limit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(l.max, 10)
}

// ParseLimit accepts "unlimited", a non-negative integer, or the legacy
// "-1" encoding of unlimited.
func ParseLimit(s string) (Limit, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "unlimited" || s == "-1" {
		return Unlimited(), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return Limit{}, fmt.Errorf("%w: %q", ErrInvalidLimit, s)
	}
	return Max(n), nil
}

func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unlimited {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.FormatInt(l.max, 10)), nil
}

func (l *Limit) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidLimit, string(b))
		}
		s = n.String()
	}
	parsed, err := ParseLimit(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Plan is the bundle of limits and feature flags for one tier.
type Plan struct {
	Limits   map[Resource]Limit `json:"limits"`
	Features map[string]bool    `json:"features"`
}

// Table maps tier names to plans.
type Table map[Name]Plan

// Has reports whether the tier is defined.
func (t Table) Has(n Name) bool {
	_, ok := t[n]
	return ok
}

// Limit returns the limit for a resource; ok is false when the tier or
// resource is not defined.
func (t Table) Limit(n Name, r Resource) (Limit, bool) {
	p, ok := t[n]
	if !ok {
		return Limit{}, false
	}
	l, ok := p.Limits[r]
	return l, ok
}

// CanAccess reports whether the tier carries a feature flag. Unknown tiers
// and unknown features are false.
func (t Table) CanAccess(n Name, feature string) bool {
	p, ok := t[n]
	if !ok {
		return false
	}
	return p.Features[feature]
}

// Clone returns a deep copy.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for name, p := range t {
		cp := Plan{
			Limits:   make(map[Resource]Limit, len(p.Limits)),
			Features: make(map[string]bool, len(p.Features)),
		}
		for r, l := range p.Limits {
			cp.Limits[r] = l
		}
		for f, v := range p.Features {
			cp.Features[f] = v
		}
		out[name] = cp
	}
	return out
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed  bool     `json:"allowed"`
	Tier     Name     `json:"tier"`
	Action   Action   `json:"action"`
	Resource Resource `json:"resource"`
	Limit    Limit    `json:"limit"`
	Count    int64    `json:"count"`
}

// Evaluate decides whether action may proceed for a tenant on tier that
// currently holds count units of the action's resource. Unknown tiers and
// undefined resources are denied.
func Evaluate(t Table, n Name, action Action, count int64) Decision {
	res := ResourceFor(action)
	d := Decision{Tier: n, Action: action, Resource: res, Count: count}
	limit, ok := t.Limit(n, res)
	if !ok {
		return d
	}
	d.Limit = limit
	d.Allowed = limit.Allows(count)
	return d
}
