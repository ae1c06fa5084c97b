// Package settings holds the application's runtime configuration tree:
// defaults compiled into the binary, with operator overrides persisted
// through a Store and merged on top at startup.
//
// Keys are dotted paths ("modules.newsletter.enabled"). Set persists the
// override before it becomes visible to readers.
package settings

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/monetize/internal/tier"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var (
	ErrInvalidKey   = errors.New("settings: invalid key")
	ErrInvalidValue = errors.New("settings: invalid value")
)

var keyRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

// Sections that may be written. Anything else is rejected by Set.
var writableSections = map[string]bool{
	"modules":       true,
	"apis":          true,
	"pricing":       true,
	"features":      true,
	"security":      true,
	"tier_limits":   true,
	"tier_features": true,
}

// Key fragments whose values are replaced in Redacted output.
var secretFragments = []string{"secret", "api_key", "password"}

// Store persists overrides keyed by dotted path.
type Store interface {
	All(ctx context.Context) (map[string]any, error)
	Put(ctx context.Context, key string, value any) error
	DeleteAll(ctx context.Context) error
}

// Manager is the merged settings tree.
type Manager struct {
	mu    sync.RWMutex
	tree  map[string]any
	store Store
}

// Load builds a Manager from the embedded defaults and every override in
// store. Overrides are applied shortest-key first so a whole-section
// override never clobbers a more specific one.
func Load(ctx context.Context, store Store) (*Manager, error) {
	tree, err := defaults()
	if err != nil {
		return nil, err
	}
	overrides, err := store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("settings: load overrides: %w", err)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		di, dj := strings.Count(keys[i], "."), strings.Count(keys[j], ".")
		if di != dj {
			return di < dj
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		setPath(tree, k, overrides[k])
	}

	return &Manager{tree: tree, store: store}, nil
}

func defaults() (map[string]any, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(defaultsYAML, &tree); err != nil {
		return nil, fmt.Errorf("settings: parse defaults: %w", err)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// Get returns the value at key.
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := getPath(m.tree, key)
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// String returns the string at key, or def.
func (m *Manager) String(key, def string) string {
	v, ok := m.Get(key)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// Bool returns the bool at key, false when absent or not a bool.
func (m *Manager) Bool(key string) bool {
	v, ok := m.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Int returns the integer at key, or def.
func (m *Manager) Int(key string, def int) int {
	v, ok := m.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// Float returns the number at key, or def.
func (m *Manager) Float(key string, def float64) float64 {
	v, ok := m.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

// Set validates key and value, persists the override, then applies it.
func (m *Manager) Set(ctx context.Context, key string, value any) error {
	if err := validate(key, value); err != nil {
		return err
	}
	if err := m.store.Put(ctx, key, value); err != nil {
		return fmt.Errorf("settings: persist %s: %w", key, err)
	}
	m.mu.Lock()
	setPath(m.tree, key, deepCopy(value))
	m.mu.Unlock()
	return nil
}

// Reset drops every persisted override and reverts to the defaults.
func (m *Manager) Reset(ctx context.Context) error {
	tree, err := defaults()
	if err != nil {
		return err
	}
	if err := m.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("settings: reset: %w", err)
	}
	m.mu.Lock()
	m.tree = tree
	m.mu.Unlock()
	return nil
}

// Override applies a non-persisted value, used for credentials supplied
// through the process environment.
func (m *Manager) Override(key, value string) {
	if value == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	setPath(m.tree, key, value)
}

// ModuleEnabled reports modules.<name>.enabled.
func (m *Manager) ModuleEnabled(name string) bool {
	return m.Bool("modules." + name + ".enabled")
}

// FeatureEnabled reports features.<name>.
func (m *Manager) FeatureEnabled(name string) bool {
	return m.Bool("features." + name)
}

// Tiers returns the built-in tier table with tier_limits and tier_features
// overrides applied. Invalid override values are skipped; Set never
// accepts them, so they can only come from a hand-edited store.
func (m *Manager) Tiers() tier.Table {
	table := tier.Default()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if limits, ok := m.tree["tier_limits"].(map[string]any); ok {
		for tierName, raw := range limits {
			resources, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			plan := ensurePlan(table, tier.Name(tierName))
			for res, v := range resources {
				l, err := limitValue(v)
				if err != nil {
					continue
				}
				plan.Limits[tier.Resource(res)] = l
			}
			table[tier.Name(tierName)] = plan
		}
	}
	if features, ok := m.tree["tier_features"].(map[string]any); ok {
		for tierName, raw := range features {
			flags, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			plan := ensurePlan(table, tier.Name(tierName))
			for f, v := range flags {
				if b, ok := v.(bool); ok {
					plan.Features[f] = b
				}
			}
			table[tier.Name(tierName)] = plan
		}
	}
	return table
}

func ensurePlan(t tier.Table, n tier.Name) tier.Plan {
	p, ok := t[n]
	if !ok {
		p = tier.Plan{}
	}
	if p.Limits == nil {
		p.Limits = map[tier.Resource]tier.Limit{}
	}
	if p.Features == nil {
		p.Features = map[string]bool{}
	}
	return p
}

// Redacted returns a copy of the tree with credential values masked.
func (m *Manager) Redacted() map[string]any {
	m.mu.RLock()
	cp := deepCopy(m.tree).(map[string]any)
	m.mu.RUnlock()
	redact(cp, "")
	return cp
}

func redact(node map[string]any, prefix string) {
	for k, v := range node {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			redact(child, path)
			continue
		}
		if s, ok := v.(string); ok && s != "" && isSecretKey(path) {
			node[k] = "********"
		}
	}
}

func isSecretKey(path string) bool {
	for _, frag := range secretFragments {
		if strings.Contains(path, frag) {
			return true
		}
	}
	return false
}

func validate(key string, value any) error {
	if !keyRegex.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	parts := strings.Split(key, ".")
	if !writableSections[parts[0]] {
		return fmt.Errorf("%w: section %q is read-only", ErrInvalidKey, parts[0])
	}
	switch parts[0] {
	case "tier_limits":
		if len(parts) != 3 {
			return fmt.Errorf("%w: expected tier_limits.<tier>.<resource>", ErrInvalidKey)
		}
		if _, err := limitValue(value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	case "tier_features":
		if len(parts) != 3 {
			return fmt.Errorf("%w: expected tier_features.<tier>.<feature>", ErrInvalidKey)
		}
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: feature flags are booleans", ErrInvalidValue)
		}
	case "features":
		if len(parts) == 2 {
			if _, ok := value.(bool); !ok {
				return fmt.Errorf("%w: feature flags are booleans", ErrInvalidValue)
			}
		}
	}
	if len(parts) == 3 && parts[0] == "modules" && parts[2] == "enabled" {
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: enabled is a boolean", ErrInvalidValue)
		}
	}
	return nil
}

// limitValue accepts the shapes a limit takes after a YAML or JSON round
// trip: a string, an int, or an integral float.
func limitValue(v any) (tier.Limit, error) {
	switch n := v.(type) {
	case string:
		return tier.ParseLimit(n)
	case int:
		return tier.ParseLimit(strconv.Itoa(n))
	case int64:
		return tier.ParseLimit(strconv.FormatInt(n, 10))
	case float64:
		if n != float64(int64(n)) {
			return tier.Limit{}, fmt.Errorf("%w: %v", tier.ErrInvalidLimit, n)
		}
		return tier.ParseLimit(strconv.FormatInt(int64(n), 10))
	default:
		return tier.Limit{}, fmt.Errorf("%w: %v", tier.ErrInvalidLimit, v)
	}
}

func getPath(tree map[string]any, key string) (any, bool) {
	var cur any = tree
	for _, part := range strings.Split(key, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(tree map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	node := tree
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// RedactedGet returns the value at key with credential values masked.
func (m *Manager) RedactedGet(key string) (any, bool) {
	return getPath(m.Redacted(), key)
}
