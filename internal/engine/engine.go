// Package engine owns recurring-job registration and the periodic due-scan
// that re-creates remote tasks. One Engine instance per process; all job
// state lives in the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"taskbridge/internal/bitrix"
	"taskbridge/internal/domain"
	"taskbridge/internal/recur"
	"taskbridge/internal/store"
)

// retryDelay is the fixed reschedule applied after a failed fire,
// regardless of the job's cadence. Retries are unbounded; a permanently
// broken job has to be unregistered by an operator.
const retryDelay = time.Minute

// ErrInvalid marks registration inputs the caller got wrong, as opposed
// to store failures.
var ErrInvalid = errors.New("invalid registration")

// TaskCreator is the remote side effect a due job performs.
type TaskCreator interface {
	CreateTask(ctx context.Context, tpl domain.TaskTemplate, userOffsetMin int) (bitrix.CreateResult, error)
}

type Engine struct {
	store  store.Store
	portal TaskCreator
	now    func() time.Time
}

func New(st store.Store, portal TaskCreator) *Engine {
	return &Engine{store: st, portal: portal, now: time.Now}
}

// RegisterInput describes one recurring task submission. When Assignees
// has multiple entries the registration fans out into one independent job
// per assignee, so a failure for one never blocks the others.
type RegisterInput struct {
	TaskID          string
	Rule            domain.RecurrenceRule
	TZOffsetMinutes int
	RemainingRuns   *int
	StartDate       string // "YYYY-MM-DD", user-local, optional
	EndDate         string // "YYYY-MM-DD", user-local, optional
	Assignees       []int
	Template        domain.TaskTemplate
}

func (in RegisterInput) validate() error {
	if in.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if in.Template.Title == "" {
		return fmt.Errorf("title is required")
	}
	if err := in.Rule.Validate(); err != nil {
		return err
	}
	if in.RemainingRuns != nil && *in.RemainingRuns < 1 {
		return fmt.Errorf("remaining_runs must be >= 1")
	}
	return nil
}

// Register computes first due instants and persists one job per assignee.
// Re-registering an existing id replaces the prior job.
func (e *Engine) Register(ctx context.Context, in RegisterInput) ([]domain.Job, error) {
	if err := in.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	now := e.now().UTC()

	startAt, err := e.startInstant(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	endAt, err := e.endInstant(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	assignees := in.Assignees
	if len(assignees) == 0 {
		assignees = []int{in.Template.ResponsibleID}
	}

	jobs := make([]domain.Job, 0, len(assignees))
	for _, assignee := range assignees {
		next, err := nextRun(in.Rule, in.TZOffsetMinutes, now)
		if err != nil {
			return jobs, fmt.Errorf("%w: %s", ErrInvalid, err)
		}
		if startAt != nil && next.Before(*startAt) {
			next = *startAt
		}

		tpl := in.Template
		tpl.ResponsibleID = assignee

		job := domain.Job{
			ID:              jobID(in.TaskID, assignee),
			Rule:            in.Rule,
			TZOffsetMinutes: in.TZOffsetMinutes,
			RemainingRuns:   copyInt(in.RemainingRuns),
			StartAt:         startAt,
			EndAt:           endAt,
			Template:        tpl,
			NextRunAt:       next,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := e.store.Put(ctx, job); err != nil {
			return jobs, fmt.Errorf("persist job %s: %w", job.ID, err)
		}
		log.Info().Str("job_id", job.ID).Str("kind", string(job.Rule.Kind)).
			Time("next_run", job.NextRunAt).Msg("job registered")
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Unregister deletes a job. Idempotent; unknown ids are not an error.
func (e *Engine) Unregister(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

func (e *Engine) List(ctx context.Context) ([]domain.Job, error) {
	return e.store.List(ctx)
}

func (e *Engine) Get(ctx context.Context, id string) (domain.Job, error) {
	return e.store.Get(ctx, id)
}

// Scan retires every job whose end date has passed, fires every job due at
// or before now, and returns how many fired successfully. Per-job
// processing is independent: one job's failure is logged and the scan
// moves on.
func (e *Engine) Scan(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	if err := e.retireExpired(ctx, now); err != nil {
		return 0, err
	}
	ids, err := e.store.DueBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("query due jobs: %w", err)
	}

	fired := 0
	for _, id := range ids {
		job, err := e.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			// stray index entry; drop it and move on
			log.Warn().Str("job_id", id).Msg("due index references missing job, dropping")
			_ = e.store.Delete(ctx, id)
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("load due job")
			continue
		}
		if e.processDue(ctx, job, now) {
			fired++
		}
	}
	return fired, nil
}

// retireExpired walks the whole store and deletes every job whose end
// bound has passed, whether or not it is due. A job that reschedules past
// its end date has to disappear on the following scan, not when its
// next-run instant would have arrived.
func (e *Engine) retireExpired(ctx context.Context, now time.Time) error {
	jobs, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if job.EndAt == nil || !now.After(*job.EndAt) {
			continue
		}
		log.Info().Str("job_id", job.ID).Time("end_at", *job.EndAt).Msg("job past end date, retiring")
		if err := e.store.Delete(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("retire job")
		}
	}
	return nil
}

// processDue runs one due job through its state transitions. Reports
// whether the remote task was created.
func (e *Engine) processDue(ctx context.Context, job domain.Job, now time.Time) bool {
	res, err := e.portal.CreateTask(ctx, job.Template, job.TZOffsetMinutes)
	if err != nil {
		// transient by definition: retry in a minute, don't consume a run
		job.NextRunAt = now.Add(retryDelay)
		job.UpdatedAt = now
		if perr := e.store.Put(ctx, job); perr != nil {
			log.Error().Err(perr).Str("job_id", job.ID).Msg("persist retry")
		}
		log.Error().Err(err).Str("job_id", job.ID).Time("retry_at", job.NextRunAt).
			Msg("remote task creation failed")
		return false
	}

	log.Info().Str("job_id", job.ID).Int64("task_id", res.TaskID).Msg("remote task created")

	if job.RemainingRuns != nil {
		n := *job.RemainingRuns - 1
		job.RemainingRuns = &n
		if n <= 0 {
			if err := e.store.Delete(ctx, job.ID); err != nil {
				log.Error().Err(err).Str("job_id", job.ID).Msg("retire exhausted job")
			}
			log.Info().Str("job_id", job.ID).Msg("run count exhausted, retired")
			return true
		}
	}

	next, err := nextRun(job.Rule, job.TZOffsetMinutes, now)
	if err != nil {
		// stored rule no longer computable; nothing sane to reschedule to
		log.Error().Err(err).Str("job_id", job.ID).Msg("rule not computable, retiring")
		_ = e.store.Delete(ctx, job.ID)
		return true
	}
	if job.StartAt != nil && next.Before(*job.StartAt) {
		next = *job.StartAt
	}
	job.NextRunAt = next
	job.UpdatedAt = now
	if err := e.store.Put(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("persist rescheduled job")
	}
	return true
}

func nextRun(rule domain.RecurrenceRule, tzOffsetMin int, from time.Time) (time.Time, error) {
	switch rule.Kind {
	case domain.RuleDaily:
		return recur.NextDaily(rule.TimeOfDay, tzOffsetMin, from)
	case domain.RuleMonthly:
		return recur.NextMonthly(rule.DayOfMonth, rule.TimeOfDay, tzOffsetMin, from)
	default:
		return recur.NextInterval(rule.StepMinutes, from), nil
	}
}

// startInstant resolves the optional not-before bound: the start date at
// the rule's time-of-day (midnight for minutely) in the user's zone.
func (e *Engine) startInstant(in RegisterInput) (*time.Time, error) {
	if in.StartDate == "" {
		return nil, nil
	}
	tod := in.Rule.TimeOfDay
	if in.Rule.Kind == domain.RuleMinutely {
		tod = "00:00"
	}
	t, ok := recur.LocalWallClockToUTC(in.StartDate+"T"+tod, in.TZOffsetMinutes)
	if !ok {
		return nil, fmt.Errorf("malformed start_date %q", in.StartDate)
	}
	return &t, nil
}

// endInstant resolves the optional end bound to the last instant of the
// end date in the user's zone.
func (e *Engine) endInstant(in RegisterInput) (*time.Time, error) {
	if in.EndDate == "" {
		return nil, nil
	}
	t, ok := recur.LocalWallClockToUTC(in.EndDate+"T23:59", in.TZOffsetMinutes)
	if !ok {
		return nil, fmt.Errorf("malformed end_date %q", in.EndDate)
	}
	t = t.Add(59*time.Second + 999*time.Millisecond)
	return &t, nil
}

func jobID(taskID string, assignee int) string {
	return fmt.Sprintf("%s__u%d", taskID, assignee)
}

func copyInt(n *int) *int {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
