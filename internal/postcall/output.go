package postcall

import (
	"math"
	"strings"
	"time"

	"github.com/unpod-ai/voicecore/internal/voice"
)

// Output is the task output record the billing and CRM side consumes.
type Output struct {
	CallID        string                  `json:"call_id"`
	Customer      string                  `json:"customer"`
	ContactNumber string                  `json:"contact_number"`
	CallEndReason string                  `json:"call_end_reason"`
	RecordingURL  string                  `json:"recording_url,omitempty"`
	Transcript    []voice.TranscriptEntry `json:"transcript"`
	StartTime     time.Time               `json:"start_time"`
	EndTime       time.Time               `json:"end_time"`
	DurationSec   float64                 `json:"duration"`
	Cost          float64                 `json:"cost"`
	PostCallData  *Analysis               `json:"post_call_data,omitempty"`
	Metadata      map[string]any          `json:"metadata,omitempty"`
}

// BuildOutput assembles the output record from the sealed call result.
// Cost carries the billing markup over the raw provider spend.
func BuildOutput(result *voice.CallResult, analysis *Analysis, markup float64) Output {
	if markup <= 0 {
		markup = 1.05
	}
	meta := map[string]any{
		"turns":               result.Metrics.Turns,
		"avg_turn_latency_ms": result.Metrics.AvgTurnLatency().Milliseconds(),
		"status":              string(result.Status),
	}
	if result.Error != "" {
		meta["error"] = result.Error
	}
	for provider, u := range result.Usage {
		meta["usage_"+provider] = u
	}

	return Output{
		CallID:        result.CallID,
		Customer:      result.ContactName,
		ContactNumber: StripLeadingZero(result.ContactPhone),
		CallEndReason: result.Reason,
		RecordingURL:  result.RecordingURL,
		Transcript:    result.Transcript,
		StartTime:     result.StartedAt,
		EndTime:       result.EndedAt,
		DurationSec:   result.Duration().Seconds(),
		Cost:          roundCost(result.RawCost() * markup),
		PostCallData:  analysis,
		Metadata:      meta,
	}
}

// StripLeadingZero drops a single leading zero from a dialed number;
// upstream stores sometimes carry the local-dialing prefix.
func StripLeadingZero(phone string) string {
	if strings.HasPrefix(phone, "0") {
		return phone[1:]
	}
	return phone
}

func roundCost(c float64) float64 {
	return math.Round(c*1e6) / 1e6
}
