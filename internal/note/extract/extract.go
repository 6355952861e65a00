// Package extract implements the structured-extraction stage of the note
// pipeline: a raw dictated transcript goes to an [llm.Provider] with a fixed
// extraction contract, and the response is normalized into a valid
// [note.StructuredNote].
//
// The contract is deliberately conservative: the model must categorize only
// information the physician explicitly stated, with no inference,
// and leave unmentioned sections empty. Shape defects in the response are
// repaired by [note.Normalize]; only a response that is not a JSON object at
// all is an error.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chartflow/chartflow/internal/note"
	"github.com/chartflow/chartflow/pkg/provider/llm"
)

const defaultTemperature = 0.2

// Sentinel errors for the two extraction failure modes. Both are terminal for
// the current pipeline invocation; the caller decides whether to retry.
var (
	// ErrService indicates the completion service call itself failed
	// (unreachable, non-2xx, cancelled).
	ErrService = errors.New("extraction service failure")

	// ErrParse indicates the completion service responded but the body could
	// not be parsed as the expected JSON object.
	ErrParse = errors.New("extraction response unparseable")

	// ErrEmptyTranscript indicates the transcript was empty or whitespace
	// only; it is rejected before any provider call.
	ErrEmptyTranscript = errors.New("transcript is empty")
)

// systemPrompt is the fixed extraction contract sent with every transcript.
const systemPrompt = `You are a clinical documentation assistant. You convert a physician's raw dictated transcript into a structured note.

Rules:
- Extract ONLY information explicitly stated in the transcript. Do NOT infer, assume, or add anything.
- Categorize the content into the sections of the JSON schema below.
- If a section is not mentioned in the transcript, leave it as an empty string. Do not guess.
- For vitals, use "-" for any value not mentioned.
- List each diagnosis the physician states together with its stated treatment. If no diagnosis is discussed, return an empty diagnosis array.
- Put any content that fits no section into extra_info.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "chief_complaint": "",
  "history_of_present_illness": "",
  "history": {
    "past_medical_history": "",
    "surgical_history": "",
    "family_history": "",
    "social_history": ""
  },
  "review_of_systems": "",
  "physical_exam": "",
  "vitals": {"height": "-", "weight": "-", "bmi": "-", "bp": "-"},
  "diagnosis": [{"diagnosis_name": "", "treatment": ""}],
  "plan": "",
  "extra_info": ""
}`

// Option is a functional option for configuring an [Extractor].
type Option func(*Extractor)

// WithTemperature sets the LLM sampling temperature. Lower values produce
// more deterministic extraction. Default: 0.2.
func WithTemperature(temp float64) Option {
	return func(e *Extractor) {
		e.temperature = temp
	}
}

// Extractor converts raw transcripts into structured notes via an
// [llm.Provider]. It is safe for concurrent use.
type Extractor struct {
	llm         llm.Provider
	temperature float64
}

// New returns a new [Extractor] backed by the given [llm.Provider].
func New(provider llm.Provider, opts ...Option) *Extractor {
	e := &Extractor{
		llm:         provider,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract sends transcript to the model under the fixed extraction contract
// and returns the normalized structured note.
//
// An empty or whitespace-only transcript is rejected before any provider call.
// Provider failures wrap [ErrService]; unparseable responses wrap [ErrParse].
// On any error the returned note is the zero value and nothing is persisted.
func (e *Extractor) Extract(ctx context.Context, transcript string) (note.StructuredNote, error) {
	if strings.TrimSpace(transcript) == "" {
		return note.StructuredNote{}, fmt.Errorf("extract: %w", ErrEmptyTranscript)
	}

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  e.temperature,
		Messages: []llm.Message{
			{Role: "user", Content: transcript},
		},
	}

	resp, err := e.llm.Complete(ctx, req)
	if err != nil {
		return note.StructuredNote{}, fmt.Errorf("extract: complete: %w: %w", ErrService, err)
	}

	n, err := note.Parse([]byte(StripMarkdown(resp.Content)))
	if err != nil {
		return note.StructuredNote{}, fmt.Errorf("extract: %w: %w", ErrParse, err)
	}
	return n, nil
}

// StripMarkdown removes optional markdown code fences (```json ... ```) that
// some models prepend and append to JSON output.
func StripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
