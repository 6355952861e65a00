// Package llm defines the Provider interface for text-completion backends.
//
// A provider wraps a remote or local model API (e.g., OpenAI GPT-4o, Anthropic
// Claude, or a local Ollama instance) and exposes a uniform interface so the
// note pipeline can request completions without coupling to any specific SDK.
// Both pipeline contracts (structured extraction and the CDI improvement pass)
// are single-shot request/response exchanges: a system instruction plus one
// user message in, one JSON-shaped text response out.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Message is a single conversation message sent to the model.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// Usage holds token accounting information returned by the backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Some providers return it
	// directly rather than computing it from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. For the pipeline contracts this is
	// a single "user" message carrying the transcript or the chart fields.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Both
	// pipeline contracts use low values for near-deterministic output.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is a high-priority instruction injected before the
	// conversation. Providers without a dedicated system slot must prepend it
	// as a "system"-role message.
	SystemPrompt string
}

// CompletionResponse is the full model reply.
type CompletionResponse struct {
	// Content is the text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelCapabilities describes static metadata about a provider's model.
type ModelCapabilities struct {
	// ContextWindow is the maximum total tokens (prompt + completion).
	ContextWindow int

	// MaxOutputTokens is the maximum completion tokens per request.
	MaxOutputTokens int

	// SupportsJSONOutput reports whether the model reliably honours
	// "respond with only a JSON object" instructions.
	SupportsJSONOutput bool
}

// Provider is the abstraction over any text-completion backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled before the
	// completion arrives. The pipeline makes exactly one attempt per
	// invocation; retry policy belongs to the caller.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens the given messages would consume
	// in the model's context window. The result need not be exact but should
	// not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata for the underlying model, assumed
	// constant for the lifetime of the Provider instance.
	Capabilities() ModelCapabilities
}
