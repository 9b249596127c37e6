package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unpod-ai/voicecore/internal/metrics"
	"github.com/unpod-ai/voicecore/internal/tasks"
)

// QueueMessage is the wire shape of a dispatched task.
type QueueMessage struct {
	TaskID      string     `json:"task_id"`
	RunID       string     `json:"run_id"`
	Provider    string     `json:"provider"`
	Tier        tasks.Tier `json:"tier"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// Fetcher is the consuming side of one tier's queue; *kafka.Reader
// satisfies it.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Requeuer returns a message to its tier's queue after a delay.
type Requeuer interface {
	Requeue(ctx context.Context, tier tasks.Tier, msg QueueMessage, delay time.Duration) error
}

// TaskStore is the slice of the task store the pool needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
	UpdateTask(ctx context.Context, id string, to tasks.Status, upd *tasks.Update) (*tasks.Task, error)
	AppendLog(ctx context.Context, e tasks.LogEntry) error
}

// Handler executes one claimed task; the post-call flow inside it is
// responsible for marking the task completed.
type Handler func(ctx context.Context, task tasks.Task) error

// Config sizes the pool.
type Config struct {
	MaxWorkers   int
	NormalShare  float64 // default 0.7
	BulkShare    float64 // default 0.4; shares may sum past 1.0
	RequeueDelay time.Duration
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.NormalShare <= 0 {
		c.NormalShare = 0.7
	}
	if c.BulkShare <= 0 {
		c.BulkShare = 0.4
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
}

// TierCap returns the worker ceiling for a tier.
func (c *Config) TierCap(tier tasks.Tier) int {
	share := c.NormalShare
	if tier == tasks.TierBulk {
		share = c.BulkShare
	}
	cap := int(float64(c.MaxWorkers) * share)
	if cap < 1 {
		cap = 1
	}
	return cap
}

// ProviderCap is half the tier cap: one provider's outage cannot
// starve the whole tier.
func (c *Config) ProviderCap(tier tasks.Tier) int {
	cap := c.TierCap(tier) / 2
	if cap < 1 {
		cap = 1
	}
	return cap
}

// Pool consumes both tier queues and dispatches tasks to workers
// within the shared budget.
type Pool struct {
	cfg      Config
	counters *Counters
	latency  *LatencyRecorder
	store    TaskStore
	requeue  Requeuer
	handler  Handler
	logger   *zap.Logger

	readers map[tasks.Tier]Fetcher
	wg      sync.WaitGroup
}

func NewPool(cfg Config, counters *Counters, latency *LatencyRecorder, store TaskStore,
	requeue Requeuer, handler Handler, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:      cfg,
		counters: counters,
		latency:  latency,
		store:    store,
		requeue:  requeue,
		handler:  handler,
		logger:   logger,
		readers:  make(map[tasks.Tier]Fetcher),
	}
}

// AddTier attaches a queue reader to a tier.
func (p *Pool) AddTier(tier tasks.Tier, r Fetcher) { p.readers[tier] = r }

// NewTierReader builds the kafka reader for one tier topic.
func NewTierReader(broker, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        []string{broker},
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0, // explicit commits only
	})
}

// Run consumes until ctx is cancelled, then drains in-flight workers.
func (p *Pool) Run(ctx context.Context) {
	for tier, reader := range p.readers {
		p.wg.Add(1)
		go func(tier tasks.Tier, reader Fetcher) {
			defer p.wg.Done()
			p.runTier(ctx, tier, reader)
		}(tier, reader)
	}
	p.wg.Wait()
}

func (p *Pool) runTier(ctx context.Context, tier tasks.Tier, reader Fetcher) {
	limiter := rate.NewLimiter(rate.Every(p.cfg.PollInterval), 1)
	log := p.logger.With(zap.String("tier", string(tier)))

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		count, err := p.counters.TierCount(ctx, tier)
		if err != nil {
			log.Warn("tier count unavailable", zap.Error(err))
			continue
		}
		if count >= int64(p.cfg.TierCap(tier)) {
			continue
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("queue fetch failed", zap.Error(err))
			continue
		}
		p.handleMessage(ctx, tier, reader, msg, log)
	}
}

// handleMessage admits, dispatches, or requeues one fetched message.
// The offset is committed only once the task is running or back on the
// wire; an uncommittable message is left for redelivery.
func (p *Pool) handleMessage(ctx context.Context, tier tasks.Tier, reader Fetcher, msg kafka.Message, log *zap.Logger) {
	var qm QueueMessage
	if err := json.Unmarshal(msg.Value, &qm); err != nil {
		log.Error("dropping unparseable queue message", zap.Error(err))
		reader.CommitMessages(ctx, msg)
		return
	}
	qm.Tier = tier

	admitted, err := p.admit(ctx, qm)
	if err != nil {
		log.Warn("admission check failed", zap.String("task_id", qm.TaskID), zap.Error(err))
		p.returnToQueue(ctx, tier, reader, msg, qm, "admission_error", log)
		return
	}
	if !admitted {
		p.returnToQueue(ctx, tier, reader, msg, qm, "provider_cap", log)
		return
	}

	if err := p.dispatch(ctx, qm); err != nil {
		p.counters.Release(ctx, tier, qm.Provider)
		log.Warn("dispatch failed", zap.String("task_id", qm.TaskID), zap.Error(err))
	}
	reader.CommitMessages(ctx, msg)
}

// returnToQueue schedules a delayed requeue and commits the original
// offset; if the requeue write cannot be arranged the offset stays
// uncommitted so the broker redelivers it.
func (p *Pool) returnToQueue(ctx context.Context, tier tasks.Tier, reader Fetcher,
	msg kafka.Message, qm QueueMessage, reason string, log *zap.Logger) {
	metrics.TasksRequeued.WithLabelValues(string(tier), reason).Inc()
	if err := p.requeue.Requeue(ctx, tier, qm, p.cfg.RequeueDelay); err != nil {
		log.Error("requeue failed", zap.String("task_id", qm.TaskID), zap.Error(err))
		return
	}
	reader.CommitMessages(ctx, msg)
}

// admit enforces the per-provider cap and claims a counter slot.
func (p *Pool) admit(ctx context.Context, qm QueueMessage) (bool, error) {
	n, err := p.counters.ProviderCount(ctx, qm.Tier, qm.Provider)
	if err != nil {
		return false, err
	}
	if n >= int64(p.cfg.ProviderCap(qm.Tier)) {
		return false, nil
	}
	if err := p.counters.Claim(ctx, qm.Tier, qm.Provider); err != nil {
		return false, err
	}
	return true, nil
}

// dispatch moves the task to in_progress and hands it to a worker.
// The counter slot is already held and is released when the worker
// finishes.
func (p *Pool) dispatch(ctx context.Context, qm QueueMessage) error {
	task, err := p.store.UpdateTask(ctx, qm.TaskID, tasks.StatusInProgress, nil)
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if err := p.store.AppendLog(ctx, tasks.LogEntry{
		TaskID: task.ID, RunID: task.RunID, Step: "claimed", Status: "ok",
	}); err != nil {
		p.logger.Warn("claim log write failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	metrics.TasksClaimed.WithLabelValues(string(qm.Tier), qm.Provider).Inc()
	if !qm.SubmittedAt.IsZero() {
		metrics.TaskQueueLatency.WithLabelValues(string(qm.Tier)).
			Observe(float64(time.Since(qm.SubmittedAt).Milliseconds()))
	}
	metrics.ActiveWorkers.WithLabelValues(string(qm.Tier)).Inc()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.work(ctx, qm, *task)
	}()
	return nil
}

func (p *Pool) work(ctx context.Context, qm QueueMessage, task tasks.Task) {
	started := time.Now()
	err := p.handler(ctx, task)
	elapsed := time.Since(started)

	status := "ok"
	if err != nil {
		status = "error"
		if _, uerr := p.store.UpdateTask(ctx, task.ID, tasks.StatusFailed, nil); uerr != nil {
			p.logger.Error("failed-task status write failed",
				zap.String("task_id", task.ID), zap.Error(uerr))
		}
		p.logger.Error("task execution failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	if lerr := p.store.AppendLog(ctx, tasks.LogEntry{
		TaskID: task.ID, RunID: task.RunID, Step: "finished", Status: status,
	}); lerr != nil {
		p.logger.Warn("finish log write failed", zap.String("task_id", task.ID), zap.Error(lerr))
	}

	p.counters.Release(ctx, qm.Tier, qm.Provider)
	metrics.ActiveWorkers.WithLabelValues(string(qm.Tier)).Dec()
	metrics.TaskDuration.WithLabelValues(string(qm.Tier), status).Observe(elapsed.Seconds())
	if !qm.SubmittedAt.IsZero() {
		if rerr := p.latency.Record(ctx, qm.Tier, time.Since(qm.SubmittedAt)); rerr != nil {
			p.logger.Debug("latency sample write failed", zap.Error(rerr))
		}
	}
}
