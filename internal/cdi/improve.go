package cdi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chartflow/chartflow/internal/note/extract"
	"github.com/chartflow/chartflow/pkg/provider/llm"
)

const defaultTemperature = 0.3

// Sentinel errors for the two improvement failure modes. On either, the
// review step never opens and no partial data is generated.
var (
	// ErrService indicates the completion service call itself failed.
	ErrService = errors.New("improvement service failure")

	// ErrParse indicates the response body could not be parsed as the
	// expected JSON object.
	ErrParse = errors.New("improvement response unparseable")
)

// ClarificationMarker is the inline marker the contract requires for areas
// the model finds ambiguous. Reviewers resolve or remove markers by hand
// before confirming.
const ClarificationMarker = "[NEEDS CLARIFICATION"

// systemPromptTemplate is the fixed improvement contract. The patient
// reference phrase is substituted at call time.
const systemPromptTemplate = `You are a Clinical Documentation Improvement (CDI) specialist reviewing a physician's note%s.

Improve the documentation according to CDI best practices:
- Increase specificity of diagnoses and findings.
- Add supporting clinical indicators already present in the note.
- Document severity and acuity where the note supports them.
- Establish causal relationships between conditions ("due to", "secondary to") when the note states them.
- Preserve all factual content. Do NOT invent findings, values, or history that the note does not contain.
- Where the documentation is ambiguous or incomplete, insert an inline marker in the form [NEEDS CLARIFICATION: <what is missing>].%s

Respond with ONLY a JSON object in this exact format (no markdown, no prose),
keeping every field even if unchanged and using empty strings for fields with no content:
{
  "chiefComplaint": "",
  "historyOfIllness": "",
  "history": "",
  "ros": "",
  "physicalExam": "",
  "vitalSigns": "",
  "diagnosis": "",
  "plan": "",
  "assessment": "",
  "clinicalImpression": "",
  "cdiNotes": "<summary of the improvements you made>"
}`

// PatientInfo carries the optional demographics used solely to phrase
// references to the patient in generated text. Zero values mean unknown.
// Demographics never alter clinical facts and a provided value must not be
// flagged for clarification.
type PatientInfo struct {
	Age    int
	Gender string
}

// phrase renders the parenthetical patient reference for the contract, e.g.
// " for a 45-year-old female patient". Empty when nothing is known.
func (p PatientInfo) phrase() string {
	switch {
	case p.Age > 0 && p.Gender != "":
		return fmt.Sprintf(" for a %d-year-old %s patient", p.Age, strings.ToLower(p.Gender))
	case p.Age > 0:
		return fmt.Sprintf(" for a %d-year-old patient", p.Age)
	case p.Gender != "":
		return fmt.Sprintf(" for a %s patient", strings.ToLower(p.Gender))
	default:
		return ""
	}
}

// Result holds the two parallel field maps produced by an improvement pass.
// Original is the untouched input; Improved is the model's version with every
// field defaulted to "" if absent. Notes is the model's free-text summary.
type Result struct {
	Original Fields
	Improved Fields
	Notes    string
}

// Option is a functional option for configuring an [Improver].
type Option func(*Improver)

// WithTemperature sets the LLM sampling temperature. Default: 0.3.
func WithTemperature(temp float64) Option {
	return func(i *Improver) {
		i.temperature = temp
	}
}

// Improver requests CDI-improved chart versions from an [llm.Provider].
// It is safe for concurrent use.
type Improver struct {
	llm         llm.Provider
	temperature float64
}

// NewImprover returns an [Improver] backed by the given provider.
func NewImprover(provider llm.Provider, opts ...Option) *Improver {
	i := &Improver{
		llm:         provider,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Improve sends the base chart fields to the model under the improvement
// contract and returns both versions for review. Provider failures wrap
// [ErrService]; unparseable responses wrap [ErrParse]. On error no review
// state exists.
func (i *Improver) Improve(ctx context.Context, base Fields, patient PatientInfo) (*Result, error) {
	demographicRule := ""
	if patient.Age > 0 || patient.Gender != "" {
		demographicRule = "\n- The patient's demographics above are known facts; never emit a clarification marker for age or gender."
	}
	sysPrompt := fmt.Sprintf(systemPromptTemplate, patient.phrase(), demographicRule)

	req := llm.CompletionRequest{
		SystemPrompt: sysPrompt,
		Temperature:  i.temperature,
		Messages: []llm.Message{
			{Role: "user", Content: renderChart(base)},
		},
	}

	resp, err := i.llm.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("cdi: complete: %w: %w", ErrService, err)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(extract.StripMarkdown(resp.Content)), &raw); err != nil {
		return nil, fmt.Errorf("cdi: %w: %w", ErrParse, err)
	}

	notes, _ := raw["cdiNotes"].(string)
	return &Result{
		Original: base.Clone(),
		Improved: normalizeFields(raw),
		Notes:    notes,
	}, nil
}

// renderChart formats the base chart as the user message: one labelled block
// per non-empty field, in canonical order.
func renderChart(base Fields) string {
	labels := map[string]string{
		FieldChiefComplaint:     "Chief Complaint",
		FieldHistoryOfIllness:   "History of Present Illness",
		FieldHistory:            "History",
		FieldROS:                "Review of Systems",
		FieldPhysicalExam:       "Physical Exam",
		FieldVitalSigns:         "Vital Signs",
		FieldDiagnosis:          "Diagnosis",
		FieldPlan:               "Plan",
		FieldAssessment:         "Assessment",
		FieldClinicalImpression: "Clinical Impression",
	}

	var sb strings.Builder
	for _, k := range FieldKeys {
		v := strings.TrimSpace(base.Get(k))
		if v == "" {
			continue
		}
		sb.WriteString(labels[k])
		sb.WriteString(":\n")
		sb.WriteString(v)
		sb.WriteString("\n\n")
	}
	if sb.Len() == 0 {
		return "(the chart is empty)"
	}
	return strings.TrimSpace(sb.String())
}
