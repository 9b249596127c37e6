package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/tasks"
)

type scheduleSpec struct {
	CallingDate string `json:"calling_date"`
}

type taskSpec struct {
	Provider      string          `json:"provider"`
	Tier          string          `json:"tier"`
	CallType      string          `json:"call_type"`
	Input         json.RawMessage `json:"input"`
	RefID         string          `json:"ref_id"`
	CollectionRef string          `json:"collection_ref"`
}

type createRunRequest struct {
	Data struct {
		Context       json.RawMessage `json:"context"`
		ExecutionType string          `json:"execution_type"`
		ExtraInput    json.RawMessage `json:"extra_input"`
		Schedule      *scheduleSpec   `json:"schedule"`
		Filters       map[string]any  `json:"filters"`
		SpaceToken    string          `json:"space_token"`
	} `json:"data"`
	Tasks         []taskSpec `json:"tasks"`
	RunMode       string     `json:"run_mode"`
	Assignee      string     `json:"assignee"`
	CollectionRef string     `json:"collection_ref"`
	ThreadID      string     `json:"thread_id"`
	OrgID         string     `json:"org_id"`
	User          string     `json:"user"`
	SpaceID       string     `json:"space_id"`
}

type createRunResponse struct {
	RunID   string                  `json:"run_id"`
	TaskIDs []string                `json:"task_ids"`
	Status  map[string]tasks.Status `json:"status"`
}

const filterContactLimit = 500

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Tasks) == 0 && len(req.Data.Filters) == 0 {
		writeDetail(w, http.StatusBadRequest, "either tasks or filters is required")
		return
	}

	var scheduledAt *time.Time
	if req.Data.Schedule != nil && req.Data.Schedule.CallingDate != "" {
		at, err := parseCallingDate(req.Data.Schedule.CallingDate)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "unparseable schedule.calling_date")
			return
		}
		scheduledAt = &at
	}

	taskList, err := h.buildTaskList(r, req, scheduledAt)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	run := tasks.Run{
		SpaceID:       req.SpaceID,
		UserID:        req.User,
		ThreadID:      req.ThreadID,
		OrgID:         req.OrgID,
		Context:       req.Data.Context,
		ExecutionType: req.Data.ExecutionType,
		RunMode:       req.RunMode,
		Assignee:      req.Assignee,
		CollectionRef: req.CollectionRef,
	}

	run, created, err := h.store.CreateRun(r.Context(), run, taskList)
	if err != nil {
		if errors.Is(err, tasks.ErrPastSchedule) {
			writeDetail(w, http.StatusBadRequest, "Scheduled time must be in the future.")
			return
		}
		h.logger.Error("run creation failed", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "run creation failed")
		return
	}

	resp := createRunResponse{
		RunID:   run.ID,
		TaskIDs: make([]string, 0, len(created)),
		Status:  make(map[string]tasks.Status, len(created)),
	}
	for _, t := range created {
		resp.TaskIDs = append(resp.TaskIDs, t.ID)
		resp.Status[t.ID] = t.Status
		// Scheduled tasks wait for the reconciler; pending ones go out now.
		if t.Status == tasks.StatusPending {
			if err := h.queue.Enqueue(r.Context(), t); err != nil {
				h.logger.Error("task enqueue failed",
					zap.String("task_id", t.ID), zap.Error(err))
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// buildTaskList turns the request's explicit tasks, or its CRM segment
// filters, into task rows.
func (h *Handler) buildTaskList(r *http.Request, req createRunRequest, scheduledAt *time.Time) ([]tasks.Task, error) {
	if len(req.Tasks) > 0 {
		out := make([]tasks.Task, 0, len(req.Tasks))
		for _, spec := range req.Tasks {
			out = append(out, tasks.Task{
				Provider:      spec.Provider,
				Tier:          tasks.Tier(spec.Tier),
				CallType:      spec.CallType,
				Input:         spec.Input,
				RefID:         spec.RefID,
				CollectionRef: spec.CollectionRef,
				ScheduledAt:   scheduledAt,
			})
		}
		return out, nil
	}

	if h.contacts == nil {
		return nil, fmt.Errorf("filter-driven runs are not enabled")
	}
	found, err := h.contacts.FindContacts(r.Context(), req.CollectionRef, req.Data.Filters, filterContactLimit)
	if err != nil {
		h.logger.Error("contact filter query failed", zap.Error(err))
		return nil, fmt.Errorf("contact filter query failed")
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("filters matched no contacts")
	}

	out := make([]tasks.Task, 0, len(found))
	for _, c := range found {
		input, _ := json.Marshal(map[string]string{"name": c.Name, "phone": c.Phone})
		out = append(out, tasks.Task{
			CallType:      "outbound",
			Input:         input,
			RefID:         c.ID.Hex(),
			CollectionRef: req.CollectionRef,
			ScheduledAt:   scheduledAt,
		})
	}
	return out, nil
}

// parseCallingDate accepts a timestamp or a bare date.
func parseCallingDate(raw string) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		return at, nil
	}
	return time.Parse("2006-01-02", raw)
}

func (h *Handler) handleGetRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	scope, filter := parseListing(r.URL.Query())
	page, err := h.store.Runs(r.Context(), scope, filter)
	if err != nil {
		h.logger.Error("run listing failed", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "run listing failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	scope, filter := parseListing(r.URL.Query())
	page, err := h.store.Tasks(r.Context(), scope, filter, "")
	if err != nil {
		h.logger.Error("task listing failed", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "task listing failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGetRunTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/get_run_tasks/"), "/")
	if runID == "" {
		writeDetail(w, http.StatusBadRequest, "run id is required")
		return
	}
	scope, filter := parseListing(r.URL.Query())
	page, err := h.store.Tasks(r.Context(), scope, filter, runID)
	if err != nil {
		h.logger.Error("run task listing failed", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "run task listing failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// parseListing extracts the mandatory scope and optional filters from
// the query string. An empty scope is passed through; the store answers
// it with an empty page.
func parseListing(q url.Values) (tasks.Scope, tasks.Filter) {
	scope := tasks.Scope{
		SpaceID:  q.Get("space_id"),
		UserID:   q.Get("user_id"),
		ThreadID: q.Get("thread_id"),
	}
	f := tasks.Filter{
		Status:   tasks.Status(q.Get("status")),
		CallType: q.Get("call_type"),
		Search:   q.Get("search"),
	}
	if n, err := strconv.Atoi(q.Get("page")); err == nil {
		f.Page = n
	}
	if n, err := strconv.Atoi(q.Get("page_size")); err == nil {
		f.PageSize = n
	}
	if at, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		f.From = &at
	}
	if at, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		f.To = &at
	}
	return scope, f
}
