package postcall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/providers"
	"github.com/unpod-ai/voicecore/internal/voice"
)

// Analysis is the structured verdict of the post-call workflow. Every
// field is optional; a failed analysis degrades to an empty record.
type Analysis struct {
	Summary          string `json:"summary"`
	Classification   string `json:"classification"`
	RequiresFollowup bool   `json:"requires_followup"`
	FollowupReason   string `json:"followup_reason,omitempty"`
}

const analysisPrompt = `You review finished voice-agent calls. Given the transcript,
respond with a single JSON object and nothing else:
{"summary": "<2-3 sentence summary>",
 "classification": "<interested|not_interested|callback|wrong_number|no_answer|other>",
 "requires_followup": <true|false>,
 "followup_reason": "<why, if a follow-up is needed>"}`

// Analyzer runs the LLM summarization/classification pass over a
// finished call.
type Analyzer struct {
	llm    providers.LargeLanguageModel
	cfg    providers.Config
	logger *zap.Logger
}

func NewAnalyzer(llm providers.LargeLanguageModel, cfg providers.Config, logger *zap.Logger) *Analyzer {
	return &Analyzer{llm: llm, cfg: cfg, logger: logger}
}

// Analyze produces the post-call verdict for one call.
func (a *Analyzer) Analyze(ctx context.Context, result *voice.CallResult) (*Analysis, error) {
	session, err := a.llm.Open(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("open analysis session: %w", err)
	}
	defer session.Close()

	msgs := []providers.Message{
		{Role: "system", Content: analysisPrompt},
		{Role: "user", Content: transcriptText(result.Transcript)},
	}
	chunks, err := session.Generate(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("analysis generation: %w", err)
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, fmt.Errorf("analysis stream: %w", chunk.Err)
		}
		sb.WriteString(chunk.Text)
	}
	return parseAnalysis(sb.String())
}

func transcriptText(entries []voice.TranscriptEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Role)
		sb.WriteString(": ")
		sb.WriteString(e.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// parseAnalysis tolerates prose around the JSON object; models wrap
// their answer in explanation more often than not.
func parseAnalysis(raw string) (*Analysis, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in analysis output")
	}
	var a Analysis
	if err := json.Unmarshal([]byte(raw[start:end+1]), &a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return &a, nil
}
