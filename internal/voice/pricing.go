package voice

// Nominal per-provider rates used to accumulate raw call cost. Billing
// applies its own markup downstream; these only need to be stable
// within a deploy.

var llmRates = map[string]float64{ // USD per 1K completion tokens
	"openai":            0.010,
	"anthropic":         0.015,
	"google":            0.005,
	"groq":              0.001,
	"livekit-inference": 0.010,
}

var ttsRates = map[string]float64{ // USD per 1K characters
	"cartesia": 0.030,
	"openai":   0.015,
}

func llmRatePer1K(provider string) float64 {
	if r, ok := llmRates[provider]; ok {
		return r
	}
	return 0.010
}

func ttsRatePer1KChars(provider string) float64 {
	if r, ok := ttsRates[provider]; ok {
		return r
	}
	return 0.015
}
