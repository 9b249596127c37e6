// Package postcall runs the terminal portion of a call: analysis,
// output assembly, call-log persistence, task completion, webhook
// delivery, and follow-up scheduling. The flow is idempotent under a
// short-lived Redis lock on the task id.
package postcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/callog"
	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
	"github.com/unpod-ai/voicecore/internal/metrics"
	"github.com/unpod-ai/voicecore/internal/tasks"
	"github.com/unpod-ai/voicecore/internal/voice"
)

const lockKeyPrefix = "prefect:"

// TaskStore is the slice of the task store the flow needs; *tasks.Store
// satisfies it.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
	UpdateTask(ctx context.Context, id string, to tasks.Status, upd *tasks.Update) (*tasks.Task, error)
	AppendLog(ctx context.Context, e tasks.LogEntry) error
	AddTask(ctx context.Context, runID string, t tasks.Task) (string, error)
	CompleteRunIfDone(ctx context.Context, runID string) (bool, error)
}

// CallLogStore persists the terminal call record and resolves contact
// documents; *callog.Store satisfies it.
type CallLogStore interface {
	Insert(ctx context.Context, cl *callog.CallLog) error
	ResolveContact(ctx context.Context, collection, name, phone string) (string, string, error)
}

// CallAnalyzer runs the LLM post-call workflow; *Analyzer satisfies it.
type CallAnalyzer interface {
	Analyze(ctx context.Context, result *voice.CallResult) (*Analysis, error)
}

// Doer issues the webhook request; *circuitbreaker.HTTPWrapper and
// *http.Client both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes the flow.
type Config struct {
	WebhookURL     string
	WebhookRetries int           // default 3
	MaxFollowups   int           // default 4: initial call + 3 retries
	LockTTL        time.Duration // default 100s
	FollowupDelay  time.Duration // default 24h
	CostMarkup     float64       // default 1.05
}

func (c *Config) applyDefaults() {
	if c.WebhookRetries <= 0 {
		c.WebhookRetries = 3
	}
	if c.MaxFollowups <= 0 {
		c.MaxFollowups = 4
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 100 * time.Second
	}
	if c.FollowupDelay <= 0 {
		c.FollowupDelay = 24 * time.Hour
	}
	if c.CostMarkup <= 0 {
		c.CostMarkup = 1.05
	}
}

// Flow orchestrates one post-call pass per completed task.
type Flow struct {
	redis    *circuitbreaker.RedisWrapper
	store    TaskStore
	logs     CallLogStore
	analyzer CallAnalyzer // nil when no analysis LLM is configured
	webhook  Doer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewFlow(redis *circuitbreaker.RedisWrapper, store TaskStore, logs CallLogStore,
	analyzer CallAnalyzer, webhook Doer, cfg Config, logger *zap.Logger) *Flow {
	cfg.applyDefaults()
	return &Flow{
		redis:    redis,
		store:    store,
		logs:     logs,
		analyzer: analyzer,
		webhook:  webhook,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the post-call flow for one sealed call. A concurrent
// invocation for the same task returns immediately without touching
// state.
func (f *Flow) Run(ctx context.Context, taskID string, result *voice.CallResult) error {
	ok, err := f.redis.SetNX(ctx, lockKeyPrefix+taskID, "1", f.cfg.LockTTL)
	if err != nil {
		metrics.PostCallRuns.WithLabelValues("lock_error").Inc()
		return fmt.Errorf("acquire post-call lock: %w", err)
	}
	if !ok {
		f.logger.Info("post-call flow already running", zap.String("task_id", taskID))
		metrics.PostCallRuns.WithLabelValues("duplicate").Inc()
		return nil
	}

	task, err := f.store.GetTask(ctx, taskID)
	if err != nil {
		metrics.PostCallRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("load task: %w", err)
	}
	log := f.logger.With(zap.String("task_id", task.ID), zap.String("call_id", result.CallID))

	// Analysis outputs are optional; the flow completes without them.
	var analysis *Analysis
	if f.analyzer != nil {
		analysis, err = f.analyzer.Analyze(ctx, result)
		if err != nil {
			log.Warn("post-call analysis failed", zap.Error(err))
			analysis = nil
		}
	}

	output := BuildOutput(result, analysis, f.cfg.CostMarkup)

	if err := f.logs.Insert(ctx, buildCallLog(task, result, output, analysis)); err != nil {
		log.Error("call log persistence failed", zap.Error(err))
	}

	upd := &tasks.Update{Output: marshalOutput(output, log)}
	if task.RefID == "" && output.ContactNumber != "" {
		refID, collection, err := f.logs.ResolveContact(ctx, task.CollectionRef, output.Customer, output.ContactNumber)
		if err != nil {
			log.Warn("contact resolution failed", zap.Error(err))
		} else {
			upd.RefID, upd.CollectionRef = &refID, &collection
		}
	}

	if _, err := f.store.UpdateTask(ctx, task.ID, tasks.StatusCompleted, upd); err != nil {
		metrics.PostCallRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("complete task: %w", err)
	}
	if err := f.store.AppendLog(ctx, tasks.LogEntry{
		TaskID: task.ID, RunID: task.RunID, Step: "completed", Status: "ok",
		Output: upd.Output,
	}); err != nil {
		log.Warn("completion log write failed", zap.Error(err))
	}
	if _, err := f.store.CompleteRunIfDone(ctx, task.RunID); err != nil {
		log.Warn("run completion check failed", zap.Error(err))
	}

	f.deliverWebhook(ctx, task, output, log)
	f.scheduleFollowup(ctx, task, analysis, log)

	metrics.PostCallRuns.WithLabelValues("completed").Inc()
	return nil
}

// marshalOutput falls back to a sanitized record preserving the error
// text rather than propagating an unserializable payload.
func marshalOutput(output Output, log *zap.Logger) json.RawMessage {
	raw, err := json.Marshal(output)
	if err != nil {
		log.Error("output serialization failed", zap.Error(err))
		raw, _ = json.Marshal(map[string]string{
			"call_id": output.CallID,
			"error":   fmt.Sprintf("output serialization failed: %v", err),
		})
	}
	return raw
}

func buildCallLog(task *tasks.Task, result *voice.CallResult, output Output, analysis *Analysis) *callog.CallLog {
	cl := &callog.CallLog{
		CallID:        result.CallID,
		ThreadID:      result.ThreadID,
		AgentID:       result.AgentID,
		TaskID:        task.ID,
		Customer:      output.Customer,
		ContactNumber: output.ContactNumber,
		Status:        string(result.Status),
		EndReason:     output.CallEndReason,
		RecordingURL:  output.RecordingURL,
		Transcript:    output.Transcript,
		StartTime:     output.StartTime,
		EndTime:       output.EndTime,
		DurationSec:   output.DurationSec,
		Cost:          output.Cost,
		Metadata:      output.Metadata,
	}
	if analysis != nil {
		cl.Summary = analysis.Summary
		cl.Classification = analysis.Classification
	}
	return cl
}

// deliverWebhook posts the output with bounded retries; every attempt
// lands in the execution log.
func (f *Flow) deliverWebhook(ctx context.Context, task *tasks.Task, output Output, log *zap.Logger) {
	if f.cfg.WebhookURL == "" || f.webhook == nil {
		return
	}
	body, err := json.Marshal(output)
	if err != nil {
		log.Error("webhook payload serialization failed", zap.Error(err))
		return
	}

	for attempt := 1; attempt <= f.cfg.WebhookRetries; attempt++ {
		status := f.postWebhook(ctx, body)
		result := "ok"
		if status != "" {
			result = "error"
		} else {
			status = "ok"
		}
		metrics.WebhookAttempts.WithLabelValues(result).Inc()
		if err := f.store.AppendLog(ctx, tasks.LogEntry{
			TaskID: task.ID, RunID: task.RunID, Step: "webhook", Status: status,
		}); err != nil {
			log.Warn("webhook log write failed", zap.Error(err))
		}
		if result == "ok" {
			return
		}
		log.Warn("webhook delivery failed",
			zap.Int("attempt", attempt), zap.String("status", status))
	}
}

// postWebhook returns "" on success, otherwise a short failure label.
func (f *Flow) postWebhook(ctx context.Context, body []byte) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return "request: " + err.Error()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.webhook.Do(req)
	if err != nil {
		return "transport: " + err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("http %d", resp.StatusCode)
	}
	return ""
}

// scheduleFollowup creates the follow-up task when the analyzer flagged
// one and the retry budget allows it. The follow-up inherits the agent,
// contact, and tier of the original task.
func (f *Flow) scheduleFollowup(ctx context.Context, task *tasks.Task, analysis *Analysis, log *zap.Logger) {
	if analysis == nil || !analysis.RequiresFollowup {
		return
	}
	next := task.FollowupCount + 1
	if next >= f.cfg.MaxFollowups {
		reason := fmt.Sprintf("follow-up budget exhausted: max_calls=%d", f.cfg.MaxFollowups)
		log.Info("follow-up suppressed", zap.String("reason", reason))
		if err := f.store.AppendLog(ctx, tasks.LogEntry{
			TaskID: task.ID, RunID: task.RunID, Step: "followup", Status: "skipped",
			Output: json.RawMessage(fmt.Sprintf(`{"reason": %q}`, reason)),
		}); err != nil {
			log.Warn("followup log write failed", zap.Error(err))
		}
		return
	}

	at := f.now().Add(f.cfg.FollowupDelay)
	followup := tasks.Task{
		SpaceID:       task.SpaceID,
		UserID:        task.UserID,
		ThreadID:      task.ThreadID,
		Tier:          task.Tier,
		Provider:      task.Provider,
		CallType:      task.CallType,
		Input:         task.Input,
		RefID:         task.RefID,
		CollectionRef: task.CollectionRef,
		ScheduledAt:   &at,
		FollowupCount: next,
	}
	id, err := f.store.AddTask(ctx, task.RunID, followup)
	if err != nil {
		log.Error("follow-up scheduling failed", zap.Error(err))
		return
	}
	metrics.FollowupsScheduled.Inc()
	if err := f.store.AppendLog(ctx, tasks.LogEntry{
		TaskID: task.ID, RunID: task.RunID, Step: "followup", Status: "scheduled",
		Output: json.RawMessage(fmt.Sprintf(`{"followup_task_id": %q}`, id)),
	}); err != nil {
		log.Warn("followup log write failed", zap.Error(err))
	}
	log.Info("follow-up scheduled",
		zap.String("followup_task_id", id), zap.Time("scheduled_at", at))
}
