package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/validation"
)

var testNow = time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)

func newTestModule(opts ...Option) *Module {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(NewMemoryStore(), func() bool { return true }, opts...)
}

func createTask(t *testing.T, m *Module, tenantID, schedule string) *Task {
	t.Helper()
	task, err := m.CreateTask(context.Background(), tenantID, TaskInput{
		Name: "Publish drafts", TaskType: "content_publish", Schedule: schedule,
	})
	require.NoError(t, err)
	return task
}

func TestScheduleNext(t *testing.T) {
	base := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(time.Hour), ScheduleHourly.Next(base))
	assert.Equal(t, base.AddDate(0, 0, 1), ScheduleDaily.Next(base))
	assert.Equal(t, base.AddDate(0, 0, 7), ScheduleWeekly.Next(base))
	assert.Equal(t, base.AddDate(0, 1, 0), ScheduleMonthly.Next(base))
}

func TestCreateTask(t *testing.T) {
	m := newTestModule()
	task := createTask(t, m, "ten_1", "daily")

	assert.Equal(t, StatusActive, task.Status)
	assert.Equal(t, TaskContentPublish, task.Type)
	require.NotNil(t, task.NextRun)
	assert.Equal(t, testNow.AddDate(0, 0, 1), *task.NextRun)
	assert.Nil(t, task.LastRun)
}

func TestCreateTask_Validation(t *testing.T) {
	m := newTestModule()
	_, err := m.CreateTask(context.Background(), "ten_1", TaskInput{Name: "x", TaskType: "mine_bitcoin", Schedule: "yearly"})
	var verrs validation.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := map[string]bool{}
	for _, v := range verrs {
		fields[v.Field] = true
	}
	assert.True(t, fields["taskType"])
	assert.True(t, fields["schedule"])
}

func TestSetTaskStatus(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()
	task := createTask(t, m, "ten_1", "weekly")

	paused, err := m.SetTaskStatus(ctx, "ten_1", task.ID, StatusPaused)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	n, _ := m.CountActive(ctx, "ten_1")
	assert.Zero(t, n)

	_, err = m.SetTaskStatus(ctx, "ten_2", task.ID, StatusActive)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	done, err := m.SetTaskStatus(ctx, "ten_1", task.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Nil(t, done.NextRun)

	_, err = m.SetTaskStatus(ctx, "ten_1", task.ID, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusActive, StatusPaused))
	assert.True(t, CanTransition(StatusPaused, StatusActive))
	assert.True(t, CanTransition(StatusFailed, StatusActive))
	assert.False(t, CanTransition(StatusFailed, StatusPaused))
	assert.False(t, CanTransition(StatusCompleted, StatusActive))
}

func TestProcessEvent_AutomationRun(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()
	task := createTask(t, m, "ten_1", "hourly")
	ran := testNow.Add(10 * time.Minute)

	err := m.ProcessEvent(ctx, registry.Event{
		Type: "automation_run", TenantID: "ten_1", OccurredAt: ran,
		Data: map[string]any{"task_id": task.ID},
	})
	require.NoError(t, err)

	got, err := m.Task(ctx, "ten_1", task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, ran, *got.LastRun)
	assert.Equal(t, ran.Add(time.Hour), *got.NextRun)

	err = m.ProcessEvent(ctx, registry.Event{
		Type: "automation_run", TenantID: "ten_1",
		Data: map[string]any{"task_id": task.ID, "result": "failed"},
	})
	require.NoError(t, err)
	got, _ = m.Task(ctx, "ten_1", task.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Nil(t, got.NextRun)
}

func TestProcessEvent_Rejections(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()
	task := createTask(t, m, "ten_1", "daily")

	err := m.ProcessEvent(ctx, registry.Event{Type: "automation_run", TenantID: "ten_1"})
	assert.ErrorIs(t, err, ErrMissingTaskID)

	err = m.ProcessEvent(ctx, registry.Event{Type: "automation_run", TenantID: "ten_2",
		Data: map[string]any{"task_id": task.ID}})
	assert.ErrorIs(t, err, ErrTaskNotFound)

	assert.NoError(t, m.ProcessEvent(ctx, registry.Event{Type: "content_view", TenantID: "ten_1"}))
}

func TestScheduleAdRefresh(t *testing.T) {
	var admitted int
	m := newTestModule(WithAdmission(func(context.Context, string) error {
		admitted++
		return nil
	}))
	ctx := context.Background()

	created, err := m.ScheduleAdRefresh(ctx, "ten_1", "site_1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.ScheduleAdRefresh(ctx, "ten_1", "site_1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, admitted)

	tasks, _ := m.AllTasks(ctx, "ten_1")
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskAdRefresh, tasks[0].Type)
	assert.Equal(t, ScheduleWeekly, tasks[0].Schedule)
	assert.Equal(t, "site_1", tasks[0].SiteID)
}

func TestScheduleAdRefresh_AdmissionDenied(t *testing.T) {
	denied := errors.New("limit reached")
	m := newTestModule(WithAdmission(func(context.Context, string) error { return denied }))

	created, err := m.ScheduleAdRefresh(context.Background(), "ten_1", "site_1")
	assert.ErrorIs(t, err, denied)
	assert.False(t, created)
}

func TestReportingAndRecommendations(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()
	a := createTask(t, m, "ten_1", "daily")
	createTask(t, m, "ten_1", "daily")
	_, err := m.SetTaskStatus(ctx, "ten_1", a.ID, StatusFailed)
	require.NoError(t, err)

	data, err := m.RevenueData(ctx, "ten_1", ledger.Period30d)
	require.NoError(t, err)
	s := data.(*TaskSummary)
	assert.Equal(t, int64(1), s.Active)
	assert.Equal(t, int64(1), s.Failed)

	recs, err := m.OptimizationRecommendations(ctx, "ten_1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "failed_tasks", recs[0].Kind)
}

func TestListTasksAndDelete(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		createTask(t, m, "ten_1", "daily")
	}
	createTask(t, m, "ten_2", "daily")

	page, next, err := m.ListTasks(ctx, "ten_1", 2, "")
	require.NoError(t, err)
	assert.Len(t, page, 2)
	rest, _, err := m.ListTasks(ctx, "ten_1", 2, next)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	n, err := m.DeleteTenant(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
