package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/monetize/internal/idgen"
	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/pagination"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/validation"
)

// Admission decides whether a tenant may add another active task.
type Admission func(ctx context.Context, tenantID string) error

// Module is the automation module.
type Module struct {
	store   Store
	enabled func() bool
	admit   Admission
	now     func() time.Time
}

type Option func(*Module)

// WithAdmission gates tasks the module creates on its own behalf.
func WithAdmission(a Admission) Option { return func(m *Module) { m.admit = a } }

func WithClock(now func() time.Time) Option { return func(m *Module) { m.now = now } }

func New(store Store, enabled func() bool, opts ...Option) *Module {
	m := &Module{store: store, enabled: enabled, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string   { return registry.Automation }
func (m *Module) IsActive() bool { return m.enabled() }

// TaskInput is a task creation request.
type TaskInput struct {
	Name     string         `json:"name" validate:"required,max=200"`
	TaskType string         `json:"taskType" validate:"required,oneof=content_publish seo_optimize ad_refresh newsletter_send"`
	Schedule string         `json:"schedule" validate:"required,oneof=hourly daily weekly monthly"`
	SiteID   string         `json:"siteId" validate:"omitempty,max=64"`
	Config   map[string]any `json:"config"`
}

// CreateTask stores a new active task whose first run is one schedule
// interval from now. Callers gate this with the automation_task entitlement.
func (m *Module) CreateTask(ctx context.Context, tenantID string, in TaskInput) (*Task, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	sched := Schedule(in.Schedule)
	next := sched.Next(now)
	t := &Task{
		ID:        idgen.WithPrefix("task_"),
		TenantID:  tenantID,
		SiteID:    in.SiteID,
		Name:      validation.SanitizeString(in.Name, 200),
		Type:      TaskType(in.TaskType),
		Schedule:  sched,
		Status:    StatusActive,
		Config:    in.Config,
		NextRun:   &next,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Task returns one of the tenant's tasks.
func (m *Module) Task(ctx context.Context, tenantID, id string) (*Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.TenantID != tenantID {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// ListTasks returns one page of tasks and the next cursor.
func (m *Module) ListTasks(ctx context.Context, tenantID string, limit int, cursor string) ([]*Task, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	items, err := m.store.List(ctx, tenantID, limit+1, after)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(t *Task) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// SetTaskStatus moves a task through its lifecycle. Re-activating a task
// schedules its next run from now.
func (m *Module) SetTaskStatus(ctx context.Context, tenantID, id string, to Status) (*Task, error) {
	t, err := m.Task(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if t.Status == to {
		return t, nil
	}
	if !CanTransition(t.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	now := m.now().UTC()
	switch to {
	case StatusActive:
		next := t.Schedule.Next(now)
		t.NextRun = &next
	case StatusCompleted, StatusFailed:
		t.NextRun = nil
	}
	t.Status = to
	t.UpdatedAt = now
	if err := m.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// AllTasks returns every task of a tenant.
func (m *Module) AllTasks(ctx context.Context, tenantID string) ([]*Task, error) {
	return m.store.List(ctx, tenantID, 0, nil)
}

// CountActive counts a tenant's active tasks.
func (m *Module) CountActive(ctx context.Context, tenantID string) (int64, error) {
	return m.store.CountActive(ctx, tenantID)
}

func (m *Module) DeleteTenant(ctx context.Context, tenantID string) (int, error) {
	return m.store.DeleteByTenant(ctx, tenantID)
}

// ScheduleAdRefresh creates a weekly ad_refresh task for a site unless an
// active one exists. It reports whether a task was created.
func (m *Module) ScheduleAdRefresh(ctx context.Context, tenantID, siteID string) (bool, error) {
	existing, err := m.store.FindActive(ctx, tenantID, TaskAdRefresh, siteID)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	if m.admit != nil {
		if err := m.admit(ctx, tenantID); err != nil {
			return false, err
		}
	}
	_, err = m.CreateTask(ctx, tenantID, TaskInput{
		Name:     "Refresh ad placements",
		TaskType: string(TaskAdRefresh),
		Schedule: string(ScheduleWeekly),
		SiteID:   siteID,
	})
	return err == nil, err
}

// ProcessEvent handles automation_run events reported by the scheduler.
// Data: task_id (required) and an optional result of "failed".
func (m *Module) ProcessEvent(ctx context.Context, ev registry.Event) error {
	if ev.Type != "automation_run" {
		return nil
	}
	id := ev.String("task_id")
	if id == "" {
		return ErrMissingTaskID
	}
	t, err := m.Task(ctx, ev.TenantID, id)
	if err != nil {
		return err
	}
	if t.Status != StatusActive {
		logging.L(ctx).Info("run reported for inactive task", "task_id", id, "status", t.Status)
		return nil
	}

	ran := ev.OccurredAt.UTC()
	if ran.IsZero() {
		ran = m.now().UTC()
	}
	t.LastRun = &ran
	if ev.String("result") == "failed" {
		t.Status = StatusFailed
		t.NextRun = nil
	} else {
		next := t.Schedule.Next(ran)
		t.NextRun = &next
	}
	t.UpdatedAt = m.now().UTC()
	return m.store.Update(ctx, t)
}

// TaskSummary is the module's reporting view.
type TaskSummary struct {
	Active    int64 `json:"active"`
	Paused    int64 `json:"paused"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (m *Module) RevenueData(ctx context.Context, tenantID string, _ ledger.Period) (any, error) {
	c, err := m.store.CountByStatus(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &TaskSummary{
		Active:    c[StatusActive],
		Paused:    c[StatusPaused],
		Completed: c[StatusCompleted],
		Failed:    c[StatusFailed],
	}, nil
}

func (m *Module) OptimizationRecommendations(ctx context.Context, tenantID string) ([]registry.Recommendation, error) {
	c, err := m.store.CountByStatus(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if c[StatusFailed] > 0 {
		return []registry.Recommendation{{
			Kind:     "failed_tasks",
			Priority: "high",
			Message:  fmt.Sprintf("%d automation task(s) failed; review and re-activate them", c[StatusFailed]),
		}}, nil
	}
	return nil, nil
}

var (
	_ registry.Module          = (*Module)(nil)
	_ registry.RevenueReporter = (*Module)(nil)
	_ registry.Recommender     = (*Module)(nil)
)
