// Package bitrix talks to a Bitrix24-style webhook API: task creation,
// per-item checklist appends and the active-user directory. The portal
// parses timestamp strings with no zone marker in its own configured UTC
// offset, so deadlines go through the recur double conversion.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"taskbridge/internal/domain"
	"taskbridge/internal/recur"
)

const (
	addTaskMethod      = "tasks.task.add.json"
	addChecklistMethod = "task.checklistitem.add.json"
	listUsersMethod    = "user.get.json"

	// display-order step between checklist items
	sortIndexStep = 10
)

type Config struct {
	WebhookBase     string        // https://portal.example/rest/1/token/
	PortalOffsetMin int           // portal's fixed UTC offset, minutes
	Timeout         time.Duration // per-request; zero means 30s
	RateLimit       float64       // requests per second; zero disables
}

type Client struct {
	base            string
	portalOffsetMin int
	httpc           *http.Client
	limiter         *rate.Limiter
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Client{
		base:            cfg.WebhookBase,
		portalOffsetMin: cfg.PortalOffsetMin,
		httpc:           &http.Client{Timeout: timeout},
		limiter:         limiter,
	}
}

// ChecklistOutcome records the best-effort result of one checklist-item
// append. Item failures never fail the overall creation; the primary task
// already exists by then.
type ChecklistOutcome struct {
	Title string `json:"title"`
	Error string `json:"error,omitempty"`
}

type CreateResult struct {
	TaskID    int64              `json:"task_id"`
	Checklist []ChecklistOutcome `json:"checklist,omitempty"`
}

// CreateTask maps the template into the portal's field vocabulary and
// issues the creation call, then appends checklist items one by one.
// userOffsetMin is the acting job's user zone, needed to translate the
// deadline. Remote rejections and transport failures both come back as an
// ordinary error.
func (c *Client) CreateTask(ctx context.Context, tpl domain.TaskTemplate, userOffsetMin int) (CreateResult, error) {
	base := c.base
	if tpl.WebhookBase != "" {
		base = tpl.WebhookBase
	}
	if base == "" {
		return CreateResult{}, fmt.Errorf("no webhook base configured")
	}

	fields := map[string]any{
		"TITLE":        tpl.Title,
		"DESCRIPTION":  tpl.Description,
		"ACCOMPLICES":  intsOrEmpty(tpl.CoAssigneeIDs),
		"AUDITORS":     intsOrEmpty(tpl.ObserverIDs),
		"PRIORITY":     clampPriority(tpl.Priority),
		"TASK_CONTROL": yn(tpl.RequireResult),
	}
	if tpl.ResponsibleID > 0 {
		fields["RESPONSIBLE_ID"] = tpl.ResponsibleID
	}
	if tpl.CreatorID > 0 {
		fields["CREATED_BY"] = tpl.CreatorID
	}
	if dl, ok := recur.UserLocalToPortalLocal(tpl.Deadline, userOffsetMin, c.portalOffsetMin); ok {
		fields["DEADLINE"] = dl
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
		Desc   string          `json:"error_description"`
	}
	if err := c.post(ctx, base, addTaskMethod, map[string]any{"fields": fields}, &resp); err != nil {
		return CreateResult{}, err
	}
	if resp.Error != "" {
		return CreateResult{}, fmt.Errorf("portal error %s: %s", resp.Error, resp.Desc)
	}
	taskID, err := extractTaskID(resp.Result)
	if err != nil {
		return CreateResult{}, err
	}

	res := CreateResult{TaskID: taskID}
	for i, item := range tpl.Checklist {
		if strings.TrimSpace(item.Title) == "" {
			continue
		}
		outcome := ChecklistOutcome{Title: item.Title}
		if err := c.addChecklistItem(ctx, base, taskID, item, (i+1)*sortIndexStep); err != nil {
			outcome.Error = err.Error()
			log.Warn().Err(err).Int64("task_id", taskID).Str("item", item.Title).
				Msg("checklist item append failed")
		}
		res.Checklist = append(res.Checklist, outcome)
	}
	return res, nil
}

func (c *Client) addChecklistItem(ctx context.Context, base string, taskID int64, item domain.ChecklistItem, sortIndex int) error {
	body := map[string]any{
		"taskId": taskID,
		"fields": map[string]any{
			"TITLE":       item.Title,
			"IS_COMPLETE": yn(item.Done),
			"SORT_INDEX":  sortIndex,
		},
	}
	var resp struct {
		Error string `json:"error"`
		Desc  string `json:"error_description"`
	}
	if err := c.post(ctx, base, addChecklistMethod, body, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("portal error %s: %s", resp.Error, resp.Desc)
	}
	return nil
}

type User struct {
	ID       string `json:"ID"`
	Name     string `json:"NAME"`
	LastName string `json:"LAST_NAME"`
	Active   string `json:"ACTIVE"`
}

// ListUsers fetches all active users, following the cursor-based "next"
// token until the directory is exhausted.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	if c.base == "" {
		return nil, fmt.Errorf("no webhook base configured")
	}
	var users []User
	start := 0
	for {
		body := map[string]any{
			"FILTER": map[string]string{"ACTIVE": "Y"},
			"start":  start,
		}
		var resp struct {
			Result []User `json:"result"`
			Next   *int   `json:"next"`
			Error  string `json:"error"`
			Desc   string `json:"error_description"`
		}
		if err := c.post(ctx, c.base, listUsersMethod, body, &resp); err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("portal error %s: %s", resp.Error, resp.Desc)
		}
		users = append(users, resp.Result...)
		if resp.Next == nil {
			return users, nil
		}
		start = *resp.Next
	}
}

func (c *Client) post(ctx context.Context, base, method string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(base, "/") + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("portal request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read portal response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("portal HTTP %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode portal response: %w", err)
	}
	return nil
}

// flexID tolerates ids arriving as numbers or quoted strings.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexID(n)
	return nil
}

// extractTaskID handles both response shapes the portal is known to
// return: {"task":{"id":123}} and a bare numeric result.
func extractTaskID(result json.RawMessage) (int64, error) {
	var obj struct {
		Task struct {
			ID flexID `json:"id"`
		} `json:"task"`
	}
	if err := json.Unmarshal(result, &obj); err == nil && obj.Task.ID > 0 {
		return int64(obj.Task.ID), nil
	}
	var n flexID
	if err := json.Unmarshal(result, &n); err == nil && n > 0 {
		return int64(n), nil
	}
	return 0, fmt.Errorf("no task id in portal response: %s", truncate(result, 200))
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 2 {
		return 2
	}
	return p
}

func yn(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

func intsOrEmpty(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
