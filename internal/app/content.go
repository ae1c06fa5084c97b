package app

import (
	"context"
	"time"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/modules/adrevenue"
	"github.com/mbd888/monetize/internal/modules/automation"
	"github.com/mbd888/monetize/internal/modules/newsletter"
	"github.com/mbd888/monetize/internal/pagination"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/tier"
)

// ActionSubscribers gates subscriber creation. It has no dedicated policy
// entry and is looked up as the "subscribers" limit directly.
const ActionSubscribers tier.Action = "subscribers"

// Activity action names for operations that are not themselves gated.
const (
	actionSiteStatus       = "site_status"
	actionSubscriberUpdate = "subscriber_update"
	actionNewsletterSend   = "newsletter_send"
	actionTaskStatus       = "task_status"
)

func (a *App) requireModule(name string) error {
	m, ok := a.registry.Get(name)
	if !ok || !m.IsActive() {
		return apperr.Configuration("module_disabled", name+" module is disabled", nil)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sites
// -----------------------------------------------------------------------------

// CreateSite registers a site, gated by create_site.
func (a *App) CreateSite(ctx context.Context, tenantID string, in adrevenue.SiteInput) (*adrevenue.Site, error) {
	var site *adrevenue.Site
	err := a.gated(ctx, tenantID, tier.ActionCreateSite, map[string]any{"url": in.URL}, func() error {
		s, err := a.adrevenue.CreateSite(ctx, tenantID, in)
		site = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return site, nil
}

// Sites lists a tenant's sites newest first.
func (a *App) Sites(ctx context.Context, tenantID string, limit int, cursor string) ([]*adrevenue.Site, string, error) {
	page, next, err := a.adrevenue.ListSites(ctx, tenantID, pagination.ClampLimit(limit), cursor)
	if err != nil {
		return nil, "", classify(err)
	}
	return page, next, nil
}

// SetSiteStatus moves a site through its lifecycle. Reactivating a site
// counts against the sites limit like creating one.
func (a *App) SetSiteStatus(ctx context.Context, tenantID, id string, to adrevenue.SiteStatus) (*adrevenue.Site, error) {
	var site *adrevenue.Site
	change := func() error {
		s, err := a.adrevenue.SetSiteStatus(ctx, tenantID, id, to)
		site = s
		return err
	}
	data := map[string]any{"site_id": id, "status": string(to)}

	if to == adrevenue.SiteActive {
		cur, err := a.adrevenue.Site(ctx, tenantID, id)
		if err != nil {
			return nil, classify(err)
		}
		if cur.Status != adrevenue.SiteActive {
			if err := a.gated(ctx, tenantID, tier.ActionCreateSite, data, change); err != nil {
				return nil, err
			}
			return site, nil
		}
	}

	err := classify(change())
	a.record(ctx, tenantID, actionSiteStatus, err, data)
	if err != nil {
		return nil, err
	}
	return site, nil
}

// -----------------------------------------------------------------------------
// Subscribers
// -----------------------------------------------------------------------------

// AddSubscriber adds a newsletter subscriber, gated by the subscribers
// limit.
func (a *App) AddSubscriber(ctx context.Context, tenantID string, in newsletter.SubscriberInput) (*newsletter.Subscriber, error) {
	if err := a.requireModule(registry.Newsletter); err != nil {
		return nil, err
	}
	var sub *newsletter.Subscriber
	err := a.gated(ctx, tenantID, ActionSubscribers, map[string]any{"site_id": in.SiteID}, func() error {
		s, err := a.newsletter.AddSubscriber(ctx, tenantID, in)
		sub = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// UpdateSubscriber changes a subscriber's allowed fields. Re-activating an
// unsubscribed address counts against the subscribers limit.
func (a *App) UpdateSubscriber(ctx context.Context, tenantID, id string, fields map[string]any) (*newsletter.Subscriber, error) {
	var sub *newsletter.Subscriber
	update := func() error {
		s, err := a.newsletter.UpdateSubscriber(ctx, tenantID, id, fields)
		sub = s
		return err
	}
	data := map[string]any{"subscriber_id": id}

	if status, _ := fields["status"].(string); newsletter.Status(status) == newsletter.StatusActive {
		cur, err := a.newsletter.Subscriber(ctx, tenantID, id)
		if err != nil {
			return nil, classify(err)
		}
		if cur.Status != newsletter.StatusActive {
			if err := a.gated(ctx, tenantID, ActionSubscribers, data, update); err != nil {
				return nil, err
			}
			return sub, nil
		}
	}

	err := classify(update())
	a.record(ctx, tenantID, actionSubscriberUpdate, err, data)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Subscribers lists a tenant's subscribers newest first.
func (a *App) Subscribers(ctx context.Context, tenantID string, limit int, cursor string) ([]*newsletter.Subscriber, string, error) {
	page, next, err := a.newsletter.ListSubscribers(ctx, tenantID, pagination.ClampLimit(limit), cursor)
	if err != nil {
		return nil, "", classify(err)
	}
	return page, next, nil
}

// NewsletterSend is the outcome of SendNewsletter.
type NewsletterSend struct {
	Recipients int64     `json:"recipients"`
	SentAt     time.Time `json:"sentAt"`
}

// SendNewsletter admits a send to the tenant's active subscribers, gated by
// send_newsletter against the active subscriber count. Delivery is the
// mailing-list provider's concern; the send is recorded in the activity
// log.
func (a *App) SendNewsletter(ctx context.Context, tenantID, subject string) (*NewsletterSend, error) {
	if err := a.requireModule(registry.Newsletter); err != nil {
		return nil, err
	}
	if err := a.guard.Require(ctx, tenantID, tier.ActionSendNewsletter); err != nil {
		a.record(ctx, tenantID, string(tier.ActionSendNewsletter), err, nil)
		return nil, err
	}
	n, err := a.newsletter.CountActive(ctx, tenantID)
	if err != nil {
		return nil, classify(err)
	}
	if n == 0 {
		err := apperr.Validation("no_recipients", "newsletter has no active subscribers")
		a.record(ctx, tenantID, string(tier.ActionSendNewsletter), err, nil)
		return nil, err
	}
	send := &NewsletterSend{Recipients: n, SentAt: a.now().UTC()}
	a.record(ctx, tenantID, actionNewsletterSend, nil, map[string]any{
		"recipients": n,
		"subject":    subject,
	})
	return send, nil
}

// -----------------------------------------------------------------------------
// Automation tasks
// -----------------------------------------------------------------------------

// CreateAutomationTask stores a scheduled task, gated by automation_task.
func (a *App) CreateAutomationTask(ctx context.Context, tenantID string, in automation.TaskInput) (*automation.Task, error) {
	if err := a.requireModule(registry.Automation); err != nil {
		return nil, err
	}
	if in.SiteID != "" {
		if _, err := a.adrevenue.Site(ctx, tenantID, in.SiteID); err != nil {
			return nil, classify(err)
		}
	}
	var task *automation.Task
	data := map[string]any{"task_type": in.TaskType, "schedule": in.Schedule}
	err := a.gated(ctx, tenantID, tier.ActionAutomationTask, data, func() error {
		t, err := a.automation.CreateTask(ctx, tenantID, in)
		task = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// AutomationTasks lists a tenant's tasks newest first.
func (a *App) AutomationTasks(ctx context.Context, tenantID string, limit int, cursor string) ([]*automation.Task, string, error) {
	page, next, err := a.automation.ListTasks(ctx, tenantID, pagination.ClampLimit(limit), cursor)
	if err != nil {
		return nil, "", classify(err)
	}
	return page, next, nil
}

// SetTaskStatus moves a task through its lifecycle. Resuming a task counts
// against the automation_tasks limit.
func (a *App) SetTaskStatus(ctx context.Context, tenantID, id string, to automation.Status) (*automation.Task, error) {
	var task *automation.Task
	change := func() error {
		t, err := a.automation.SetTaskStatus(ctx, tenantID, id, to)
		task = t
		return err
	}
	data := map[string]any{"task_id": id, "status": string(to)}

	if to == automation.StatusActive {
		cur, err := a.automation.Task(ctx, tenantID, id)
		if err != nil {
			return nil, classify(err)
		}
		if cur.Status != automation.StatusActive {
			if err := a.gated(ctx, tenantID, tier.ActionAutomationTask, data, change); err != nil {
				return nil, err
			}
			return task, nil
		}
	}

	err := classify(change())
	a.record(ctx, tenantID, actionTaskStatus, err, data)
	if err != nil {
		return nil, err
	}
	return task, nil
}
