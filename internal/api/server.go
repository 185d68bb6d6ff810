package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"taskbridge/internal/bitrix"
	"taskbridge/internal/domain"
	"taskbridge/internal/engine"
	"taskbridge/internal/store"
)

// Portal is the slice of the bitrix client the HTTP surface needs:
// immediate task creation and the user directory.
type Portal interface {
	CreateTask(ctx context.Context, tpl domain.TaskTemplate, userOffsetMin int) (bitrix.CreateResult, error)
	ListUsers(ctx context.Context) ([]bitrix.User, error)
}

type Server struct {
	r      *chi.Mux
	eng    *engine.Engine
	portal Portal
}

func NewServer(eng *engine.Engine, portal Portal) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, eng: eng, portal: portal}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/tasks", s.createTasks)
	r.Post("/api/jobs", s.registerJobs)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)
	r.Delete("/api/jobs/{id}", s.unregisterJob)
	r.Post("/api/scan", s.triggerScan)
	r.Get("/api/users", s.listUsers)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("taskbridge_up 1\n"))
}

type taskPayload struct {
	Title           string                 `json:"title"`
	Description     string                 `json:"description"`
	CreatorID       int                    `json:"creator_id"`
	Assignees       []int                  `json:"assignees"`
	CoAssignees     []int                  `json:"co_assignees"`
	Observers       []int                  `json:"observers"`
	Priority        *int                   `json:"priority"`
	IsImportant     bool                   `json:"is_important"`
	RequireResult   bool                   `json:"require_result"`
	Deadline        string                 `json:"deadline"` // user-local "YYYY-MM-DDTHH:mm"
	Checklist       []domain.ChecklistItem `json:"checklist"`
	WebhookBase     string                 `json:"webhook_base"`
	TZOffsetMinutes int                    `json:"tz_offset_minutes"`
}

func (p taskPayload) priorityLevel() int {
	if p.Priority != nil {
		return *p.Priority
	}
	if p.IsImportant {
		return 2
	}
	return 1
}

func (p taskPayload) template() domain.TaskTemplate {
	return domain.TaskTemplate{
		Title:         p.Title,
		Description:   p.Description,
		CreatorID:     p.CreatorID,
		CoAssigneeIDs: p.CoAssignees,
		ObserverIDs:   p.Observers,
		Priority:      p.priorityLevel(),
		RequireResult: p.RequireResult,
		Deadline:      p.Deadline,
		Checklist:     p.Checklist,
		WebhookBase:   p.WebhookBase,
	}
}

type assigneeResult struct {
	AssigneeID int                       `json:"assignee_id"`
	OK         bool                      `json:"ok"`
	TaskID     int64                     `json:"task_id,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Checklist  []bitrix.ChecklistOutcome `json:"checklist,omitempty"`
}

// createTasks creates one remote task per assignee right away. Partial
// failure is reported per assignee instead of failing the whole request.
func (s *Server) createTasks(w http.ResponseWriter, r *http.Request) {
	var req taskPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", 400)
		return
	}
	if len(req.Assignees) == 0 {
		http.Error(w, "at least one assignee is required", 400)
		return
	}

	submissionID := "sub_" + uuid.NewString()
	results := make([]assigneeResult, 0, len(req.Assignees))
	for _, assignee := range req.Assignees {
		tpl := req.template()
		tpl.ResponsibleID = assignee

		res, err := s.portal.CreateTask(r.Context(), tpl, req.TZOffsetMinutes)
		if err != nil {
			results = append(results, assigneeResult{AssigneeID: assignee, Error: err.Error()})
			log.Error().Err(err).Str("submission", submissionID).Int("assignee", assignee).
				Msg("immediate task creation failed")
			continue
		}
		results = append(results, assigneeResult{
			AssigneeID: assignee, OK: true, TaskID: res.TaskID, Checklist: res.Checklist,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"submission_id": submissionID, "results": results})
}

type registerReq struct {
	TaskID        string                `json:"task_id"`
	Rule          domain.RecurrenceRule `json:"rule"`
	RemainingRuns *int                  `json:"remaining_runs"`
	StartDate     string                `json:"start_date"` // "YYYY-MM-DD"
	EndDate       string                `json:"end_date"`   // "YYYY-MM-DD"
	Task          taskPayload           `json:"task"`
}

type registeredJob struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	NextRunAt time.Time `json:"next_run_at"`
}

func (s *Server) registerJobs(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	jobs, err := s.eng.Register(r.Context(), engine.RegisterInput{
		TaskID:          req.TaskID,
		Rule:            req.Rule,
		TZOffsetMinutes: req.Task.TZOffsetMinutes,
		RemainingRuns:   req.RemainingRuns,
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
		Assignees:       req.Task.Assignees,
		Template:        req.Task.template(),
	})
	if errors.Is(err, engine.ErrInvalid) {
		http.Error(w, err.Error(), 400)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	out := make([]registeredJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, registeredJob{ID: j.ID, Kind: string(j.Rule.Kind), NextRunAt: j.NextRunAt})
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobs": out})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.eng.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.eng.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, job)
}

// unregisterJob always reports success; deleting an unknown id is a no-op.
func (s *Server) unregisterJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.eng.Unregister(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) triggerScan(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	ran, err := s.eng.Scan(r.Context(), now)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"ran": ran, "at": now.Format(time.RFC3339)})
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.portal.ListUsers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	writeJSON(w, 200, users)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
