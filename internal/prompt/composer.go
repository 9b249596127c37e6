package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/unpod-ai/voicecore/internal/agentconfig"
)

// Input selects and parameterizes the prompt fragments.
type Input struct {
	AgentName     string
	CompanyName   string
	Now           *time.Time // optional; included in the identity line when set
	Tone          string     // professional | casual
	Language      string     // BCP-47-ish code; non-English appends the multilingual fragment
	CallType      string     // outbound and sales call types append sales+booking patterns
	CustomPersona string
	StrictScript  bool
	Memory        bool
	FollowUp      bool
}

// FromAgentConfig builds the composer input from a resolved agent config.
func FromAgentConfig(cfg *agentconfig.AgentConfig, now *time.Time) Input {
	return Input{
		AgentName:     cfg.Name,
		CompanyName:   cfg.CompanyName,
		Now:           now,
		Tone:          cfg.Tone,
		Language:      cfg.Language,
		CallType:      cfg.CallType,
		CustomPersona: cfg.CustomPersona,
		StrictScript:  cfg.StrictScript,
		Memory:        cfg.Features.Memory,
		FollowUp:      cfg.Features.FollowUp,
	}
}

// Compose deterministically assembles the system prompt. Sections are
// joined by blank lines in a fixed order: identity, custom persona, voice
// rules (omitted in strict-script mode), STT-error handling, reference
// context handling, pattern fragments, tone, memory, follow-up.
func Compose(in Input) string {
	sections := make([]string, 0, 12)

	sections = append(sections, identityLine(in))

	if in.CustomPersona != "" {
		sections = append(sections, "Business context:\n"+strings.TrimSpace(in.CustomPersona))
	}

	if !in.StrictScript {
		sections = append(sections, voiceRules)
	}

	sections = append(sections, sttErrorHandling, referenceContextHandling)
	sections = append(sections, patternFragments(in)...)
	sections = append(sections, toneFragment(in.Tone))

	if in.Memory {
		sections = append(sections, memoryFragment)
	}
	if in.FollowUp {
		sections = append(sections, followupFragment)
	}

	return strings.Join(sections, "\n\n")
}

func identityLine(in Input) string {
	line := fmt.Sprintf("You are %s, a voice assistant for %s.", in.AgentName, in.CompanyName)
	if in.Now != nil {
		line += fmt.Sprintf(" The current date and time is %s.", in.Now.Format("Monday, 2 January 2006, 3:04 PM MST"))
	}
	return line
}

func patternFragments(in Input) []string {
	fragments := []string{patternSupport}

	switch strings.ToLower(in.CallType) {
	case "outbound", "sales":
		fragments = append(fragments, patternSales, patternBooking)
	}

	lang := strings.ToLower(in.Language)
	if lang != "" && lang != "en" && !strings.HasPrefix(lang, "en-") {
		fragments = append(fragments, patternMultilingual)
	}
	return fragments
}

func toneFragment(tone string) string {
	if strings.EqualFold(tone, "casual") {
		return toneCasual
	}
	return toneProfessional
}
