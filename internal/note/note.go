// Package note defines the structured physician note produced by the
// extraction stage and consumed by the reveal sequencer, the form editor, and
// the flattening codec.
//
// The schema invariant is total presence: every leaf field of a
// [StructuredNote] is always a string value, never an absent key. Unset values
// are empty strings (or "-" for vitals). Consumers therefore never branch on
// missing fields. [Normalize] enforces the invariant at the boundary where
// model output enters the system.
package note

import (
	"encoding/json"
	"fmt"
	"strings"
)

// VitalsPlaceholder is the default value for vitals sub-fields that were not
// mentioned in the transcript.
const VitalsPlaceholder = "-"

// History groups the four history sub-sections of a structured note.
type History struct {
	PastMedicalHistory string `json:"past_medical_history"`
	SurgicalHistory    string `json:"surgical_history"`
	FamilyHistory      string `json:"family_history"`
	SocialHistory      string `json:"social_history"`
}

// Vitals holds the four vital-sign readings. Each defaults to
// [VitalsPlaceholder] when unknown rather than the empty string, so the form
// renderer always shows a visible dash for unmeasured vitals.
type Vitals struct {
	Height string `json:"height"`
	Weight string `json:"weight"`
	BMI    string `json:"bmi"`
	BP     string `json:"bp"`
}

// Diagnosis is one entry of the ordered diagnosis list.
type Diagnosis struct {
	DiagnosisName string `json:"diagnosis_name"`
	Treatment     string `json:"treatment"`
}

// StructuredNote is the in-memory form of an extracted physician note.
//
// The Diagnosis slice always has at least one entry; a note with no discussed
// diagnoses carries a single blank placeholder entry so the editor always has
// a row to render.
type StructuredNote struct {
	ChiefComplaint          string      `json:"chief_complaint"`
	HistoryOfPresentIllness string      `json:"history_of_present_illness"`
	History                 History     `json:"history"`
	ReviewOfSystems         string      `json:"review_of_systems"`
	PhysicalExam            string      `json:"physical_exam"`
	Vitals                  Vitals      `json:"vitals"`
	Diagnosis               []Diagnosis `json:"diagnosis"`
	Plan                    string      `json:"plan"`
	ExtraInfo               string      `json:"extra_info"`
}

// Empty returns the all-empty StructuredNote used as the reveal sequencer's
// starting state: every text field "", every vitals sub-field "-", and one
// blank diagnosis row.
func Empty() StructuredNote {
	return StructuredNote{
		Vitals: Vitals{
			Height: VitalsPlaceholder,
			Weight: VitalsPlaceholder,
			BMI:    VitalsPlaceholder,
			BP:     VitalsPlaceholder,
		},
		Diagnosis: []Diagnosis{{}},
	}
}

// Normalize coerces arbitrary decoded JSON into a valid StructuredNote.
//
// Missing keys become empty strings, missing or empty vitals sub-fields become
// "-", and a missing or empty diagnosis list becomes a single blank entry.
// Non-string leaf values are ignored (treated as absent) rather than
// stringified, so a model that emits a number where text was expected cannot
// corrupt the note shape.
func Normalize(raw map[string]any) StructuredNote {
	n := StructuredNote{
		ChiefComplaint:          stringField(raw, "chief_complaint"),
		HistoryOfPresentIllness: stringField(raw, "history_of_present_illness"),
		ReviewOfSystems:         stringField(raw, "review_of_systems"),
		PhysicalExam:            stringField(raw, "physical_exam"),
		Plan:                    stringField(raw, "plan"),
		ExtraInfo:               stringField(raw, "extra_info"),
	}

	if h, ok := raw["history"].(map[string]any); ok {
		n.History = History{
			PastMedicalHistory: stringField(h, "past_medical_history"),
			SurgicalHistory:    stringField(h, "surgical_history"),
			FamilyHistory:      stringField(h, "family_history"),
			SocialHistory:      stringField(h, "social_history"),
		}
	}

	n.Vitals = Vitals{
		Height: VitalsPlaceholder,
		Weight: VitalsPlaceholder,
		BMI:    VitalsPlaceholder,
		BP:     VitalsPlaceholder,
	}
	if v, ok := raw["vitals"].(map[string]any); ok {
		n.Vitals.Height = vitalsField(v, "height")
		n.Vitals.Weight = vitalsField(v, "weight")
		n.Vitals.BMI = vitalsField(v, "bmi")
		n.Vitals.BP = vitalsField(v, "bp")
	}

	if ds, ok := raw["diagnosis"].([]any); ok {
		for _, d := range ds {
			entry, ok := d.(map[string]any)
			if !ok {
				continue
			}
			n.Diagnosis = append(n.Diagnosis, Diagnosis{
				DiagnosisName: stringField(entry, "diagnosis_name"),
				Treatment:     stringField(entry, "treatment"),
			})
		}
	}
	if len(n.Diagnosis) == 0 {
		n.Diagnosis = []Diagnosis{{}}
	}

	return n
}

// Parse decodes a JSON object into a normalized StructuredNote. It is the
// single entry point for model output: shape violations in the decoded object
// are repaired by [Normalize]; only bytes that are not a JSON object at all
// produce an error.
func Parse(data []byte) (StructuredNote, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return StructuredNote{}, fmt.Errorf("note: parse: %w", err)
	}
	return Normalize(raw), nil
}

// stringField returns m[key] when it is a string, trimmed; "" otherwise.
func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// vitalsField is stringField with the vitals placeholder default.
func vitalsField(m map[string]any, key string) string {
	if s := stringField(m, key); s != "" {
		return s
	}
	return VitalsPlaceholder
}
