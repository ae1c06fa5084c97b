// Package automation is the automation module. It stores recurring tasks;
// an external scheduler runs them and reports back with automation_run
// events, which move last_run and next_run forward.
package automation

import (
	"errors"
	"time"
)

var (
	ErrTaskNotFound      = errors.New("automation: task not found")
	ErrInvalidTransition = errors.New("automation: invalid task status transition")
	ErrMissingTaskID     = errors.New("automation: automation_run requires task_id")
)

// TaskType is what a task does when it runs.
type TaskType string

const (
	TaskContentPublish TaskType = "content_publish"
	TaskSEOOptimize    TaskType = "seo_optimize"
	TaskAdRefresh      TaskType = "ad_refresh"
	TaskNewsletterSend TaskType = "newsletter_send"
)

// Schedule is how often a task runs.
type Schedule string

const (
	ScheduleHourly  Schedule = "hourly"
	ScheduleDaily   Schedule = "daily"
	ScheduleWeekly  Schedule = "weekly"
	ScheduleMonthly Schedule = "monthly"
)

// Next returns the run time after t.
func (s Schedule) Next(t time.Time) time.Time {
	switch s {
	case ScheduleHourly:
		return t.Add(time.Hour)
	case ScheduleWeekly:
		return t.AddDate(0, 0, 7)
	case ScheduleMonthly:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// Status is the task lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusActive: {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused: {StatusActive, StatusCompleted},
	StatusFailed: {StatusActive},
}

// CanTransition reports whether a task may move between statuses.
// Completed is terminal; a failed task can only be re-activated.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is a recurring automation owned by a tenant. LastRun and NextRun
// are advisory; the external scheduler owns them.
type Task struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	SiteID    string         `json:"siteId,omitempty"`
	Name      string         `json:"name"`
	Type      TaskType       `json:"taskType"`
	Schedule  Schedule       `json:"schedule"`
	Status    Status         `json:"status"`
	Config    map[string]any `json:"config,omitempty"`
	LastRun   *time.Time     `json:"lastRun,omitempty"`
	NextRun   *time.Time     `json:"nextRun,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (t *Task) clone() *Task {
	c := *t
	if t.Config != nil {
		c.Config = make(map[string]any, len(t.Config))
		for k, v := range t.Config {
			c.Config[k] = v
		}
	}
	if t.LastRun != nil {
		lr := *t.LastRun
		c.LastRun = &lr
	}
	if t.NextRun != nil {
		nr := *t.NextRun
		c.NextRun = &nr
	}
	return &c
}
