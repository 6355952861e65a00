package extract_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chartflow/chartflow/internal/note/extract"
	"github.com/chartflow/chartflow/pkg/provider/llm"
	"github.com/chartflow/chartflow/pkg/provider/llm/mock"
)

func TestExtract_RejectsEmptyTranscript(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	e := extract.New(provider)

	for _, transcript := range []string{"", "   ", "\n\t"} {
		if _, err := e.Extract(context.Background(), transcript); err == nil {
			t.Errorf("Extract(%q) succeeded, want error", transcript)
		}
	}
	if len(provider.CompleteCalls) != 0 {
		t.Errorf("provider called %d times for empty input, want 0", len(provider.CompleteCalls))
	}
}

func TestExtract_SendsContractAndTranscript(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{}`},
	}
	e := extract.New(provider)

	transcript := "Patient reports headache for 3 days, no fever."
	if _, err := e.Extract(context.Background(), transcript); err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("expected 1 Complete call, got %d", len(provider.CompleteCalls))
	}
	req := provider.CompleteCalls[0].Req

	for _, want := range []string{"explicitly stated", "chief_complaint", "extra_info", `"-"`} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != transcript {
		t.Errorf("user message = %+v, want single message with transcript", req.Messages)
	}
}

// Scenario: transcript mentioning only a complaint and its history yields empty
// sections, placeholder vitals, and a single blank diagnosis row.
func TestExtract_NormalizesSparseResponse(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "```json\n" + `{
  "chief_complaint": "Headache",
  "history_of_present_illness": "Headache for 3 days, no fever.",
  "diagnosis": []
}` + "\n```",
		},
	}
	e := extract.New(provider)

	n, err := e.Extract(context.Background(), "Patient reports headache for 3 days, no fever.")
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if !strings.Contains(n.ChiefComplaint, "Headache") {
		t.Errorf("ChiefComplaint = %q, want headache mention", n.ChiefComplaint)
	}
	if n.HistoryOfPresentIllness == "" {
		t.Error("HistoryOfPresentIllness is empty")
	}
	if n.Vitals.Height != "-" || n.Vitals.Weight != "-" || n.Vitals.BMI != "-" || n.Vitals.BP != "-" {
		t.Errorf("vitals = %+v, want all %q", n.Vitals, "-")
	}
	if len(n.Diagnosis) != 1 || n.Diagnosis[0].DiagnosisName != "" || n.Diagnosis[0].Treatment != "" {
		t.Errorf("diagnosis = %+v, want single blank placeholder", n.Diagnosis)
	}
}

func TestExtract_ServiceError(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteErr: errors.New("connection refused"),
	}
	e := extract.New(provider)

	_, err := e.Extract(context.Background(), "some transcript")
	if !errors.Is(err, extract.ErrService) {
		t.Errorf("err = %v, want ErrService", err)
	}
	if errors.Is(err, extract.ErrParse) {
		t.Error("service failure should not also be a parse failure")
	}
}

func TestExtract_ParseError(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "I'm sorry, I cannot structure this transcript.",
		},
	}
	e := extract.New(provider)

	_, err := e.Extract(context.Background(), "some transcript")
	if !errors.Is(err, extract.ErrParse) {
		t.Errorf("err = %v, want ErrParse", err)
	}
}

func TestStripMarkdown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := extract.StripMarkdown(tt.in); got != tt.want {
			t.Errorf("StripMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
