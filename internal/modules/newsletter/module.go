package newsletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/idgen"
	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/pagination"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/validation"
)

// SiteCheck returns an error unless siteID is one of tenantID's sites.
type SiteCheck func(ctx context.Context, tenantID, siteID string) error

// Module is the newsletter module.
type Module struct {
	store       Store
	list        MailingList
	sites       SiteCheck
	enabled     func() bool
	doubleOptIn func() bool
	now         func() time.Time
}

// Option configures a Module.
type Option func(*Module)

// WithMailingList pushes signups to an external list.
func WithMailingList(l MailingList) Option { return func(m *Module) { m.list = l } }

// WithSiteCheck verifies the site a subscriber is attached to.
func WithSiteCheck(c SiteCheck) Option { return func(m *Module) { m.sites = c } }

// WithDoubleOptIn sets whether new members must confirm by email.
func WithDoubleOptIn(f func() bool) Option { return func(m *Module) { m.doubleOptIn = f } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Module) { m.now = now } }

func New(store Store, enabled func() bool, opts ...Option) *Module {
	m := &Module{
		store:       store,
		enabled:     enabled,
		doubleOptIn: func() bool { return true },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string   { return registry.Newsletter }
func (m *Module) IsActive() bool { return m.enabled() }

// SubscriberInput is a signup request.
type SubscriberInput struct {
	Email     string   `json:"email" validate:"required,email,max=254"`
	FirstName string   `json:"firstName" validate:"max=100"`
	LastName  string   `json:"lastName" validate:"max=100"`
	SiteID    string   `json:"siteId" validate:"omitempty,max=64"`
	Tags      []string `json:"tags" validate:"max=20,dive,tag"`
	Source    string   `json:"source" validate:"max=64"`
}

// AddSubscriber stores a new active subscriber, pushing it to the mailing
// list first when one is configured. An address the list provider rejects
// is not stored. A provider outage does not lose the signup: the subscriber
// is stored without a remote status. Callers gate this with the
// subscribers limit.
func (m *Module) AddSubscriber(ctx context.Context, tenantID string, in SubscriberInput) (*Subscriber, error) {
	in.Email = validation.NormalizeEmail(in.Email)
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if in.SiteID != "" && m.sites != nil {
		if err := m.sites(ctx, tenantID, in.SiteID); err != nil {
			return nil, err
		}
	}
	if _, err := m.store.GetByEmail(ctx, tenantID, in.Email, in.SiteID); err == nil {
		return nil, ErrSubscriberExists
	} else if !errors.Is(err, ErrSubscriberNotFound) {
		return nil, err
	}

	source := in.Source
	if source == "" {
		source = "api"
	}
	var remote RemoteStatus
	if m.list != nil && m.list.Configured() {
		r, err := m.list.AddMember(ctx, Member{
			Email:       in.Email,
			FirstName:   in.FirstName,
			LastName:    in.LastName,
			Tags:        in.Tags,
			Source:      source,
			DoubleOptIn: m.doubleOptIn(),
		})
		switch {
		case err == nil:
			remote = r
		case apperr.KindOf(err) == apperr.KindValidation:
			return nil, err
		default:
			logging.L(ctx).Warn("mailing list sync failed; subscriber stored locally",
				"tenant_id", tenantID, "error", err)
		}
	}

	now := m.now().UTC()
	s := &Subscriber{
		ID:           idgen.WithPrefix("sub_"),
		TenantID:     tenantID,
		SiteID:       in.SiteID,
		Email:        in.Email,
		FirstName:    validation.SanitizeString(in.FirstName, 100),
		LastName:     validation.SanitizeString(in.LastName, 100),
		Status:       StatusActive,
		Tags:         normalizeTags(in.Tags),
		Source:       source,
		RemoteStatus: string(remote),
		SubscribedAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// updatable lists the fields UpdateSubscriber accepts.
var updatable = map[string]bool{"first_name": true, "last_name": true, "status": true, "tags": true}

// UpdateSubscriber applies a partial update. Only first_name, last_name,
// status and tags may change; status follows CanTransition.
func (m *Module) UpdateSubscriber(ctx context.Context, tenantID, id string, fields map[string]any) (*Subscriber, error) {
	if len(fields) == 0 {
		return nil, apperr.Validation("no_fields", "no fields to update")
	}
	for k := range fields {
		if !updatable[k] {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotUpdatable, k)
		}
	}

	s, err := m.Subscriber(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()

	for k, v := range fields {
		switch k {
		case "first_name", "last_name":
			str, ok := v.(string)
			if !ok {
				return nil, apperr.Validation("invalid_field", k+" must be a string")
			}
			str = validation.SanitizeString(str, 100)
			if k == "first_name" {
				s.FirstName = str
			} else {
				s.LastName = str
			}
		case "tags":
			tags, err := toTags(v)
			if err != nil {
				return nil, err
			}
			s.Tags = tags
		case "status":
			str, _ := v.(string)
			to := Status(str)
			if to == s.Status {
				continue
			}
			if !CanTransition(s.Status, to) {
				return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
			}
			switch to {
			case StatusUnsubscribed:
				s.UnsubscribedAt = &now
			case StatusActive:
				s.UnsubscribedAt = nil
				s.SubscribedAt = now
			}
			s.Status = to
		}
	}
	s.UpdatedAt = now
	if err := m.store.Update(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func toTags(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			raw = make([]any, len(ss))
			for i, s := range ss {
				raw[i] = s
			}
		} else {
			return nil, apperr.Validation("invalid_field", "tags must be a list of strings")
		}
	}
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		s, ok := t.(string)
		if !ok || validation.Struct(struct {
			T string `validate:"tag"`
		}{s}) != nil {
			return nil, apperr.Validation("invalid_field", "tags must be short alphanumeric labels")
		}
		tags = append(tags, s)
	}
	return normalizeTags(tags), nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Subscriber returns one of the tenant's subscribers.
func (m *Module) Subscriber(ctx context.Context, tenantID, id string) (*Subscriber, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.TenantID != tenantID {
		return nil, ErrSubscriberNotFound
	}
	return s, nil
}

// ListSubscribers returns one page of subscribers and the next cursor.
func (m *Module) ListSubscribers(ctx context.Context, tenantID string, limit int, cursor string) ([]*Subscriber, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	items, err := m.store.List(ctx, tenantID, limit+1, after)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(s *Subscriber) (time.Time, string) {
		return s.CreatedAt, s.ID
	})
	return page, next, nil
}

// AllSubscribers returns every subscriber of a tenant.
func (m *Module) AllSubscribers(ctx context.Context, tenantID string) ([]*Subscriber, error) {
	return m.store.List(ctx, tenantID, 0, nil)
}

// CountActive counts a tenant's active subscribers.
func (m *Module) CountActive(ctx context.Context, tenantID string) (int64, error) {
	return m.store.CountActive(ctx, tenantID)
}

// DeleteTenant erases a tenant's subscribers.
func (m *Module) DeleteTenant(ctx context.Context, tenantID string) (int, error) {
	return m.store.DeleteByTenant(ctx, tenantID)
}

// ProcessEvent handles newsletter_signup events. A repeat signup for the
// same address is not an error.
func (m *Module) ProcessEvent(ctx context.Context, ev registry.Event) error {
	if ev.Type != "newsletter_signup" {
		return nil
	}
	var tags []string
	if raw, ok := ev.Data["tags"]; ok {
		t, err := toTags(raw)
		if err != nil {
			return err
		}
		tags = t
	}
	_, err := m.AddSubscriber(ctx, ev.TenantID, SubscriberInput{
		Email:     ev.String("email"),
		FirstName: ev.String("first_name"),
		LastName:  ev.String("last_name"),
		SiteID:    ev.SiteID,
		Tags:      tags,
		Source:    "event",
	})
	if errors.Is(err, ErrSubscriberExists) {
		return nil
	}
	return err
}

// ListData is the module's reporting view.
type ListData struct {
	ActiveSubscribers int64 `json:"activeSubscribers"`
	NewSubscribers    int64 `json:"newSubscribers"`
}

func (m *Module) RevenueData(ctx context.Context, tenantID string, period ledger.Period) (any, error) {
	active, err := m.store.CountActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	from, _ := period.Window(m.now())
	added, err := m.store.CountSince(ctx, tenantID, from)
	if err != nil {
		return nil, err
	}
	return &ListData{ActiveSubscribers: active, NewSubscribers: added}, nil
}

func (m *Module) OptimizationRecommendations(ctx context.Context, tenantID string) ([]registry.Recommendation, error) {
	var recs []registry.Recommendation
	active, err := m.store.CountActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if active == 0 {
		recs = append(recs, registry.Recommendation{
			Kind:     "empty_list",
			Priority: "high",
			Message:  "no active subscribers; add a signup form to your highest-traffic pages",
		})
	}
	if m.list == nil || !m.list.Configured() {
		recs = append(recs, registry.Recommendation{
			Kind:     "list_not_connected",
			Priority: "medium",
			Message:  "connect a Mailchimp audience so signups reach your mailing list",
		})
	}
	return recs, nil
}

var (
	_ registry.Module          = (*Module)(nil)
	_ registry.RevenueReporter = (*Module)(nil)
	_ registry.Recommender     = (*Module)(nil)
)
