package consumer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
	"github.com/unpod-ai/voicecore/internal/tasks"
)

const latencyKeyPrefix = "metrics:task_latency:"

// LatencyRecorder keeps a bounded rolling sample of end-to-end task
// latencies per tier in a Redis list, for the p95/avg report.
type LatencyRecorder struct {
	redis      *circuitbreaker.RedisWrapper
	sampleSize int64
}

func NewLatencyRecorder(rw *circuitbreaker.RedisWrapper, sampleSize int) *LatencyRecorder {
	if sampleSize <= 0 {
		sampleSize = 500
	}
	return &LatencyRecorder{redis: rw, sampleSize: int64(sampleSize)}
}

func latencyKey(tier tasks.Tier) string {
	return latencyKeyPrefix + string(tier)
}

// Record pushes one latency sample and trims the list to its bound.
func (l *LatencyRecorder) Record(ctx context.Context, tier tasks.Tier, d time.Duration) error {
	key := latencyKey(tier)
	if err := l.redis.LPush(ctx, key, d.Milliseconds()); err != nil {
		return err
	}
	return l.redis.LTrim(ctx, key, 0, l.sampleSize-1)
}

// Report holds the latency digest of one tier's rolling sample.
type Report struct {
	Tier    tasks.Tier    `json:"tier"`
	Samples int           `json:"samples"`
	Avg     time.Duration `json:"avg"`
	P95     time.Duration `json:"p95"`
}

// Digest computes avg and p95 over the current sample.
func (l *LatencyRecorder) Digest(ctx context.Context, tier tasks.Tier) (Report, error) {
	raw, err := l.redis.LRange(ctx, latencyKey(tier), 0, l.sampleSize-1)
	if err != nil {
		return Report{}, err
	}
	r := Report{Tier: tier, Samples: len(raw)}
	if len(raw) == 0 {
		return r, nil
	}

	ms := make([]int64, 0, len(raw))
	var sum int64
	for _, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Report{}, fmt.Errorf("latency sample %q: %w", v, err)
		}
		ms = append(ms, n)
		sum += n
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })

	r.Avg = time.Duration(sum/int64(len(ms))) * time.Millisecond
	idx := (95*len(ms) + 99) / 100 // ceil rank
	if idx > 0 {
		idx--
	}
	r.P95 = time.Duration(ms[idx]) * time.Millisecond
	return r, nil
}
