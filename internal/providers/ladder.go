package providers

import "fmt"

// Tier is one rung of the model ladder. Index 0 is the best quality and the
// smallest quota.
type Tier struct {
	Index       int    `json:"index"`
	Model       string `json:"model"`
	Kind        Kind   `json:"kind"`
	DisplayName string `json:"display_name"`
}

// Ladder is an ordered, fixed list of tiers.
type Ladder []Tier

// MaxIndex returns the highest tier index.
func (l Ladder) MaxIndex() int {
	return len(l) - 1
}

// At returns the tier at index i, clamped into range.
func (l Ladder) At(i int) Tier {
	if i < 0 {
		i = 0
	}
	if i > l.MaxIndex() {
		i = l.MaxIndex()
	}
	return l[i]
}

// GeminiLadder is the Google AI Studio ladder: two chat models followed by
// Gemma, which only accepts a single prompt.
func GeminiLadder() Ladder {
	return Ladder{
		{Index: 0, Model: "gemini-2.0-flash-exp", Kind: KindChat, DisplayName: "Gemini 2.0 Flash Experimental"},
		{Index: 1, Model: "gemini-2.5-flash-lite", Kind: KindChat, DisplayName: "Gemini 2.5 Flash-Lite"},
		{Index: 2, Model: "gemma-3-27b-it", Kind: KindPrompt, DisplayName: "Gemma 3 27B"},
	}
}

// OpenRouterLadder routes the same model families through OpenRouter's free
// endpoints.
func OpenRouterLadder() Ladder {
	return Ladder{
		{Index: 0, Model: "google/gemini-2.0-flash-exp:free", Kind: KindOpenAI, DisplayName: "Gemini 2.0 Flash Experimental (OpenRouter)"},
		{Index: 1, Model: "google/gemma-3-27b-it:free", Kind: KindOpenAI, DisplayName: "Gemma 3 27B (OpenRouter)"},
	}
}

// LadderFor returns the hard-coded ladder for an upstream name.
func LadderFor(upstream string) (Ladder, error) {
	switch upstream {
	case "", "gemini":
		return GeminiLadder(), nil
	case "openrouter":
		return OpenRouterLadder(), nil
	default:
		return nil, fmt.Errorf("unknown upstream %q", upstream)
	}
}
