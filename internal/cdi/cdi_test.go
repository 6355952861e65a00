package cdi_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chartflow/chartflow/internal/cdi"
	"github.com/chartflow/chartflow/pkg/provider/llm"
	"github.com/chartflow/chartflow/pkg/provider/llm/mock"
)

func baseChart() cdi.Fields {
	return cdi.Fields{
		cdi.FieldChiefComplaint:   "Shortness of breath",
		cdi.FieldHistoryOfIllness: "Worsening over 2 days",
		cdi.FieldDiagnosis:        "1. CHF",
		cdi.FieldPlan:             "Follow up in 2 weeks",
	}
}

func improvedResponse() string {
	return `{
  "chiefComplaint": "Shortness of breath",
  "historyOfIllness": "Progressive dyspnea worsening over 2 days",
  "history": "",
  "ros": "",
  "physicalExam": "",
  "vitalSigns": "",
  "diagnosis": "1. Acute on chronic congestive heart failure [NEEDS CLARIFICATION: systolic or diastolic]",
  "plan": "Follow up in 2 weeks; monitor blood pressure weekly",
  "assessment": "",
  "clinicalImpression": "",
  "cdiNotes": "Specified acuity of CHF; flagged EF documentation gap."
}`
}

func TestImprove_PromptCarriesChartAndDemographics(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: improvedResponse()},
	}
	imp := cdi.NewImprover(provider)

	_, err := imp.Improve(context.Background(), baseChart(), cdi.PatientInfo{Age: 45, Gender: "female"})
	if err != nil {
		t.Fatalf("Improve returned error: %v", err)
	}

	req := provider.CompleteCalls[0].Req
	if !strings.Contains(req.SystemPrompt, "a 45-year-old female patient") {
		t.Errorf("system prompt missing demographic phrase:\n%s", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "never emit a clarification marker for age or gender") {
		t.Error("system prompt missing demographic no-flag rule")
	}
	if !strings.Contains(req.SystemPrompt, "[NEEDS CLARIFICATION") {
		t.Error("system prompt missing clarification marker instruction")
	}

	user := req.Messages[0].Content
	for _, want := range []string{"Chief Complaint:", "Shortness of breath", "Plan:", "Follow up in 2 weeks"} {
		if !strings.Contains(user, want) {
			t.Errorf("user message missing %q", want)
		}
	}
	// Empty fields are not rendered into the prompt.
	if strings.Contains(user, "Review of Systems") {
		t.Error("user message contains empty section")
	}
}

func TestImprove_NoDemographics(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: improvedResponse()},
	}
	imp := cdi.NewImprover(provider)

	if _, err := imp.Improve(context.Background(), baseChart(), cdi.PatientInfo{}); err != nil {
		t.Fatalf("Improve returned error: %v", err)
	}

	req := provider.CompleteCalls[0].Req
	if strings.Contains(req.SystemPrompt, "year-old") {
		t.Error("system prompt phrases unknown demographics")
	}
}

func TestImprove_ResultMaps(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: improvedResponse()},
	}
	imp := cdi.NewImprover(provider)

	base := baseChart()
	res, err := imp.Improve(context.Background(), base, cdi.PatientInfo{})
	if err != nil {
		t.Fatalf("Improve returned error: %v", err)
	}

	// Original is the untouched input over all canonical keys.
	if res.Original.Get(cdi.FieldChiefComplaint) != "Shortness of breath" {
		t.Errorf("original chiefComplaint = %q", res.Original.Get(cdi.FieldChiefComplaint))
	}
	if res.Original.Get(cdi.FieldAssessment) != "" {
		t.Errorf("original assessment = %q, want empty", res.Original.Get(cdi.FieldAssessment))
	}

	// Improved fields default to "" when absent, never nil lookups.
	for _, k := range cdi.FieldKeys {
		if _, ok := res.Improved[k]; !ok {
			t.Errorf("improved map missing key %q", k)
		}
	}
	if res.Notes == "" {
		t.Error("cdiNotes not captured")
	}
}

func TestImprove_Errors(t *testing.T) {
	t.Parallel()

	svcDown := cdi.NewImprover(&mock.Provider{CompleteErr: errors.New("502")})
	if _, err := svcDown.Improve(context.Background(), baseChart(), cdi.PatientInfo{}); !errors.Is(err, cdi.ErrService) {
		t.Errorf("err = %v, want ErrService", err)
	}

	badJSON := cdi.NewImprover(&mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "not json"},
	})
	if _, err := badJSON.Improve(context.Background(), baseChart(), cdi.PatientInfo{}); !errors.Is(err, cdi.ErrParse) {
		t.Errorf("err = %v, want ErrParse", err)
	}
}

func TestDiff_ExactInequalityAndHiddenEmpties(t *testing.T) {
	t.Parallel()

	original := cdi.Fields{
		cdi.FieldPlan:           "Follow up in 2 weeks",
		cdi.FieldChiefComplaint: "Cough",
	}
	improved := cdi.Fields{
		cdi.FieldPlan:           "Follow up in 2 weeks; monitor blood pressure weekly [NEEDS CLARIFICATION: target BP]",
		cdi.FieldChiefComplaint: "Cough",
		cdi.FieldAssessment:     "Likely viral bronchitis",
	}

	diffs := cdi.Diff(original, improved)

	byField := map[string]cdi.FieldDiff{}
	for _, d := range diffs {
		byField[d.Field] = d
	}

	if d := byField[cdi.FieldPlan]; !d.Changed {
		t.Error("plan not marked changed")
	}
	if d := byField[cdi.FieldChiefComplaint]; d.Changed {
		t.Error("identical chiefComplaint marked changed")
	}
	if d := byField[cdi.FieldAssessment]; !d.Changed || d.Original != "" {
		t.Errorf("one-sided assessment diff = %+v", d)
	}

	// Fields empty on both sides are hidden entirely.
	if _, ok := byField[cdi.FieldROS]; ok {
		t.Error("both-empty ros shown in diff")
	}

	// Changed fields carry a similarity below 1; unchanged fields exactly 1.
	if byField[cdi.FieldPlan].Similarity >= 1 {
		t.Errorf("plan similarity = %f, want < 1", byField[cdi.FieldPlan].Similarity)
	}
	if byField[cdi.FieldChiefComplaint].Similarity != 1 {
		t.Errorf("unchanged similarity = %f, want 1", byField[cdi.FieldChiefComplaint].Similarity)
	}
}

func TestDiff_Symmetry(t *testing.T) {
	t.Parallel()

	a := cdi.Fields{cdi.FieldPlan: "A", cdi.FieldDiagnosis: "same"}
	b := cdi.Fields{cdi.FieldPlan: "B", cdi.FieldDiagnosis: "same"}

	forward := cdi.ChangedFields(a, b)
	backward := cdi.ChangedFields(b, a)

	if len(forward) != 1 || forward[0] != cdi.FieldPlan {
		t.Errorf("forward changed = %v", forward)
	}
	if len(backward) != len(forward) || backward[0] != forward[0] {
		t.Errorf("diff not symmetric: forward %v, backward %v", forward, backward)
	}
}

func TestReview_EditsImprovedOnly(t *testing.T) {
	t.Parallel()

	res := &cdi.Result{
		Original: cdi.Fields{cdi.FieldPlan: "Follow up in 2 weeks"},
		Improved: cdi.Fields{cdi.FieldPlan: "Follow up in 2 weeks; monitor blood pressure weekly [NEEDS CLARIFICATION: target BP]"},
		Notes:    "Added monitoring cadence.",
	}
	r := cdi.NewReview(res)

	edited := "Follow up in 2 weeks; monitor blood pressure weekly"
	if err := r.Edit(cdi.FieldPlan, edited); err != nil {
		t.Fatalf("Edit returned error: %v", err)
	}

	if got := r.Improved().Get(cdi.FieldPlan); got != edited {
		t.Errorf("improved plan = %q, want edited value verbatim", got)
	}
	if got := r.Original().Get(cdi.FieldPlan); got != "Follow up in 2 weeks" {
		t.Errorf("original mutated: %q", got)
	}

	if err := r.Edit("noSuchField", "x"); err == nil {
		t.Error("Edit accepted unknown field")
	}
}

func TestReview_DiffTracksEdits(t *testing.T) {
	t.Parallel()

	res := &cdi.Result{
		Original: cdi.Fields{cdi.FieldPlan: "same"},
		Improved: cdi.Fields{cdi.FieldPlan: "different"},
	}
	r := cdi.NewReview(res)

	if diffs := r.Diffs(); !diffs[0].Changed {
		t.Error("initial diff not changed")
	}

	// Editing improved back to the original clears the change.
	if err := r.Edit(cdi.FieldPlan, "same"); err != nil {
		t.Fatalf("Edit returned error: %v", err)
	}
	if diffs := r.Diffs(); diffs[0].Changed {
		t.Error("diff still changed after reverting edit")
	}
}
