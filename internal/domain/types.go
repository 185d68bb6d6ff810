package domain

import (
	"fmt"
	"time"

	"taskbridge/internal/recur"
)

type RuleKind string

const (
	RuleDaily    RuleKind = "daily"
	RuleMonthly  RuleKind = "monthly"
	RuleMinutely RuleKind = "minutely"
)

// RecurrenceRule is a tagged variant: only the fields belonging to Kind may
// be set. Validate enforces this so a daily rule can never carry a stray
// day-of-month.
type RecurrenceRule struct {
	Kind        RuleKind `json:"kind"`
	TimeOfDay   string   `json:"time_of_day,omitempty"`  // "HH:mm", daily and monthly
	DayOfMonth  int      `json:"day_of_month,omitempty"` // 1..31, monthly only
	StepMinutes int      `json:"step_minutes,omitempty"` // minutely only
}

func (r RecurrenceRule) Validate() error {
	switch r.Kind {
	case RuleDaily:
		if _, _, err := recur.ParseTimeOfDay(r.TimeOfDay); err != nil {
			return fmt.Errorf("daily rule: %w", err)
		}
		if r.DayOfMonth != 0 || r.StepMinutes != 0 {
			return fmt.Errorf("daily rule: day_of_month and step_minutes must not be set")
		}
	case RuleMonthly:
		if _, _, err := recur.ParseTimeOfDay(r.TimeOfDay); err != nil {
			return fmt.Errorf("monthly rule: %w", err)
		}
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return fmt.Errorf("monthly rule: day_of_month must be 1..31, got %d", r.DayOfMonth)
		}
		if r.StepMinutes != 0 {
			return fmt.Errorf("monthly rule: step_minutes must not be set")
		}
	case RuleMinutely:
		if r.StepMinutes < 1 {
			return fmt.Errorf("minutely rule: step_minutes must be >= 1, got %d", r.StepMinutes)
		}
		if r.TimeOfDay != "" || r.DayOfMonth != 0 {
			return fmt.Errorf("minutely rule: time_of_day and day_of_month must not be set")
		}
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}

type ChecklistItem struct {
	Title string `json:"title"`
	Done  bool   `json:"done,omitempty"`
}

// TaskTemplate is the immutable snapshot a job re-creates the remote task
// from on every firing. A new registration replaces it wholesale.
type TaskTemplate struct {
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	CreatorID     int             `json:"creator_id,omitempty"`
	ResponsibleID int             `json:"responsible_id,omitempty"`
	CoAssigneeIDs []int           `json:"co_assignee_ids,omitempty"`
	ObserverIDs   []int           `json:"observer_ids,omitempty"`
	Priority      int             `json:"priority"` // 0 low, 1 normal, 2 high
	RequireResult bool            `json:"require_result,omitempty"`
	Deadline      string          `json:"deadline,omitempty"` // user-local "YYYY-MM-DDTHH:mm"
	Checklist     []ChecklistItem `json:"checklist,omitempty"`
	WebhookBase   string          `json:"webhook_base,omitempty"` // per-task portal override
}

// Job is the schedulable unit: one recurrence instance tied to one task
// template and one responsible party. NextRunAt and RemainingRuns are the
// only fields the due-scan mutates; everything else is fixed at
// registration.
type Job struct {
	ID              string         `json:"id"`
	Rule            RecurrenceRule `json:"rule"`
	TZOffsetMinutes int            `json:"tz_offset_minutes"`
	RemainingRuns   *int           `json:"remaining_runs,omitempty"`
	StartAt         *time.Time     `json:"start_at,omitempty"` // UTC
	EndAt           *time.Time     `json:"end_at,omitempty"`   // UTC
	Template        TaskTemplate   `json:"template"`
	NextRunAt       time.Time      `json:"next_run_at"` // UTC
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
