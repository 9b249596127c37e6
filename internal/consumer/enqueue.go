package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/tasks"
)

// Writer is the producing side of one topic; *kafka.Writer satisfies
// it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Enqueuer publishes tasks onto their tier topics. It also serves as
// the pool's Requeuer.
type Enqueuer struct {
	writers map[tasks.Tier]Writer
	logger  *zap.Logger
}

func NewEnqueuer(logger *zap.Logger) *Enqueuer {
	return &Enqueuer{writers: make(map[tasks.Tier]Writer), logger: logger}
}

// AddTier attaches a topic writer to a tier.
func (e *Enqueuer) AddTier(tier tasks.Tier, w Writer) { e.writers[tier] = w }

// NewTierWriter builds the kafka writer for one tier topic.
func NewTierWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
}

// Enqueue publishes one task to its tier queue.
func (e *Enqueuer) Enqueue(ctx context.Context, task tasks.Task) error {
	w, ok := e.writers[task.Tier]
	if !ok {
		return fmt.Errorf("no writer for tier %q", task.Tier)
	}
	qm := QueueMessage{
		TaskID:      task.ID,
		RunID:       task.RunID,
		Provider:    task.Provider,
		Tier:        task.Tier,
		SubmittedAt: time.Now(),
	}
	value, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(task.ID), Value: value})
}

// Requeue returns a message to its tier queue after delay. Kafka has
// no native delay, so the write happens on a process-local timer; a
// crash inside the window strands the task pending, and the
// reconciler's pending rescue puts it back on the wire.
func (e *Enqueuer) Requeue(ctx context.Context, tier tasks.Tier, qm QueueMessage, delay time.Duration) error {
	w, ok := e.writers[tier]
	if !ok {
		return fmt.Errorf("no writer for tier %q", tier)
	}
	value, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	time.AfterFunc(delay, func() {
		wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.WriteMessages(wctx, kafka.Message{Key: []byte(qm.TaskID), Value: value}); err != nil {
			e.logger.Error("delayed requeue write failed",
				zap.String("task_id", qm.TaskID), zap.Error(err))
		}
	})
	return nil
}

// Close closes every tier writer.
func (e *Enqueuer) Close() error {
	var first error
	for _, w := range e.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
