// Package cdi implements the Clinical Documentation Improvement pass: a
// persisted chart goes to an [llm.Provider] with a best-practices improvement
// contract, and the returned version is diffed field-by-field against the
// original for manual review before a CDI record is persisted.
//
// All chart content moves through this package as a [Fields] map from
// canonical field key to string. Absent keys read as empty strings, so the
// optional/nullable variants of the storage layer never leak into the diff or
// review logic.
package cdi

// Canonical field keys shared by the base chart, the improvement contract,
// and the CDI record.
const (
	FieldChiefComplaint     = "chiefComplaint"
	FieldHistoryOfIllness   = "historyOfIllness"
	FieldHistory            = "history"
	FieldROS                = "ros"
	FieldPhysicalExam       = "physicalExam"
	FieldVitalSigns         = "vitalSigns"
	FieldDiagnosis          = "diagnosis"
	FieldPlan               = "plan"
	FieldAssessment         = "assessment"
	FieldClinicalImpression = "clinicalImpression"
)

// FieldKeys lists the ten shared field keys in presentation order.
var FieldKeys = []string{
	FieldChiefComplaint,
	FieldHistoryOfIllness,
	FieldHistory,
	FieldROS,
	FieldPhysicalExam,
	FieldVitalSigns,
	FieldDiagnosis,
	FieldPlan,
	FieldAssessment,
	FieldClinicalImpression,
}

// Fields maps canonical field keys to chart text. A nil map is a valid
// all-empty value.
type Fields map[string]string

// Get returns the value for key, or "" when absent.
func (f Fields) Get(key string) string {
	if f == nil {
		return ""
	}
	return f[key]
}

// Clone returns an independent copy restricted to the canonical keys.
func (f Fields) Clone() Fields {
	out := make(Fields, len(FieldKeys))
	for _, k := range FieldKeys {
		out[k] = f.Get(k)
	}
	return out
}

// normalizeFields projects a decoded JSON object onto the canonical keys,
// defaulting absent or non-string values to "".
func normalizeFields(raw map[string]any) Fields {
	out := make(Fields, len(FieldKeys))
	for _, k := range FieldKeys {
		s, _ := raw[k].(string)
		out[k] = s
	}
	return out
}
