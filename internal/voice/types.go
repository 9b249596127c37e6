// Package voice implements the per-call session runtime: agent config
// resolution, prompt composition, the STT→LLM→TTS pipeline, utterance
// hygiene, per-turn metrics, and the terminal CallResult.
package voice

import (
	"fmt"
	"time"
)

// CallStatus is the externally visible status on the call record.
// Transitions are forward-only; ended and failed are terminal.
type CallStatus string

const (
	StatusIdle       CallStatus = "idle"
	StatusInitiating CallStatus = "initiating"
	StatusConnecting CallStatus = "connecting"
	StatusRinging    CallStatus = "ringing"
	StatusActive     CallStatus = "active"
	StatusEnded      CallStatus = "ended"
	StatusFailed     CallStatus = "failed"
)

var statusRank = map[CallStatus]int{
	StatusIdle:       0,
	StatusInitiating: 1,
	StatusConnecting: 2,
	StatusRinging:    3,
	StatusActive:     4,
	StatusEnded:      5,
	StatusFailed:     5,
}

// CanTransition reports whether from→to is a legal forward move.
func CanTransition(from, to CallStatus) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == StatusEnded || from == StatusFailed {
		return false
	}
	return tr > fr
}

// TranscriptEntry is one ordered line of the call transcript.
type TranscriptEntry struct {
	Role      string    `json:"role"` // user | assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnMetrics captures the latency profile of a single turn.
type TurnMetrics struct {
	STTDuration      time.Duration
	LLMTimeToFirst   time.Duration
	CompletionTokens int
	TTSTimeToFirst   time.Duration
	TTSChars         int
	TurnLatency      time.Duration
}

// PipelineMetrics accumulates per-turn samples into running sums so the
// CallResult can report averages without retaining every sample.
type PipelineMetrics struct {
	Turns            int
	STTDurationSum   time.Duration
	LLMTTFTSum       time.Duration
	CompletionTokens int
	TTSTTFBSum       time.Duration
	TTSChars         int
	TurnLatencySum   time.Duration
}

func (p *PipelineMetrics) Observe(t TurnMetrics) {
	p.Turns++
	p.STTDurationSum += t.STTDuration
	p.LLMTTFTSum += t.LLMTimeToFirst
	p.CompletionTokens += t.CompletionTokens
	p.TTSTTFBSum += t.TTSTimeToFirst
	p.TTSChars += t.TTSChars
	p.TurnLatencySum += t.TurnLatency
}

// AvgTurnLatency returns the mean wall-clock turn latency.
func (p *PipelineMetrics) AvgTurnLatency() time.Duration {
	if p.Turns == 0 {
		return 0
	}
	return p.TurnLatencySum / time.Duration(p.Turns)
}

// ProviderUsage is the accumulated consumption charged to one provider.
type ProviderUsage struct {
	Tokens  int     `json:"tokens,omitempty"`
	Chars   int     `json:"chars,omitempty"`
	CostUSD float64 `json:"cost_usd"`
}

// CallResult is the terminal record emitted when a session seals. It is
// the input to the post-call flow.
type CallResult struct {
	CallID       string                   `json:"call_id"`
	ThreadID     string                   `json:"thread_id"`
	SessionID    string                   `json:"session_id"`
	AgentID      string                   `json:"agent_id"`
	SpaceToken   string                   `json:"space_token"`
	CallType     string                   `json:"call_type"`
	ContactName  string                   `json:"contact_name,omitempty"`
	ContactPhone string                   `json:"contact_phone,omitempty"`
	Status       CallStatus               `json:"status"` // ended or failed
	Reason       string                   `json:"reason"`
	Error        string                   `json:"error,omitempty"`
	StartedAt    time.Time                `json:"started_at"`
	EndedAt      time.Time                `json:"ended_at"`
	Transcript   []TranscriptEntry        `json:"transcript"`
	Usage        map[string]ProviderUsage `json:"usage"`
	Metrics      PipelineMetrics          `json:"metrics"`
	RecordingURL string                   `json:"recording_url,omitempty"`
}

// Duration is the wall-clock call length.
func (r *CallResult) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// RawCost sums provider costs before any billing markup.
func (r *CallResult) RawCost() float64 {
	var total float64
	for _, u := range r.Usage {
		total += u.CostUSD
	}
	return total
}

// ErrInvalidTransition reports a rejected call-status move.
type ErrInvalidTransition struct {
	From, To CallStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid call status transition %s -> %s", e.From, e.To)
}
