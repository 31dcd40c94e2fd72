package invoker

import (
	"time"
	"unicode/utf8"

	"github.com/kalambet/tutorai/internal/registry"
)

// Message is a chat message in OpenAI-compatible form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params tunes a single call. Zero values leave provider defaults in place.
type Params struct {
	Temperature float64
	MaxTokens   int
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// Call is what a Provider receives.
type Call struct {
	Model    string
	Messages []Message
	Params   Params
}

// Completion is a successful model response.
type Completion struct {
	Text             string
	Model            string
	Tier             registry.Tier
	PromptTokens     int
	CompletionTokens int
	Elapsed          time.Duration
	Cost             float64
}

// TotalTokens returns prompt plus completion tokens.
func (c Completion) TotalTokens() int {
	return c.PromptTokens + c.CompletionTokens
}

// EstimateTokens approximates a token count when a provider omits usage.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// EstimatePromptTokens sums EstimateTokens over all messages.
func EstimatePromptTokens(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += EstimateTokens(m.Content) + 4
	}
	return n
}
