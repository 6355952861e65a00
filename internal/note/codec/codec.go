// Package codec converts between the nested [note.StructuredNote] sub-trees
// and the flattened text-blob form used by the persisted chart record.
//
// The flattened form is label-prefixed prose ("Past Medical History: ...")
// rather than a structured encoding, because the chart columns are plain text
// shown directly to clinicians and printed into reports. The reverse direction
// parses with label-anchored, case-insensitive matching: each known label
// anchors a capture that runs to the next known label (history), the next
// comma (vitals), or the next numbered entry (diagnosis).
//
// The anchors are greedy and unescaped, so clinical text that itself contains
// a label string or a numbered-list prefix will parse back differently than it
// was written. That behaviour is kept intact deliberately: charts already
// persisted in this format must reload identically.
package codec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chartflow/chartflow/internal/note"
)

// History section labels, in flattening order.
var historyLabels = []struct {
	label string
	get   func(note.History) string
	set   func(*note.History, string)
}{
	{"Past Medical History", func(h note.History) string { return h.PastMedicalHistory }, func(h *note.History, v string) { h.PastMedicalHistory = v }},
	{"Surgical History", func(h note.History) string { return h.SurgicalHistory }, func(h *note.History, v string) { h.SurgicalHistory = v }},
	{"Family History", func(h note.History) string { return h.FamilyHistory }, func(h *note.History, v string) { h.FamilyHistory = v }},
	{"Social History", func(h note.History) string { return h.SocialHistory }, func(h *note.History, v string) { h.SocialHistory = v }},
}

// Vitals labels, in flattening order.
var vitalsLabels = []struct {
	label string
	get   func(note.Vitals) string
	set   func(*note.Vitals, string)
}{
	{"Height", func(v note.Vitals) string { return v.Height }, func(v *note.Vitals, s string) { v.Height = s }},
	{"Weight", func(v note.Vitals) string { return v.Weight }, func(v *note.Vitals, s string) { v.Weight = s }},
	{"BMI", func(v note.Vitals) string { return v.BMI }, func(v *note.Vitals, s string) { v.BMI = s }},
	{"Blood Pressure", func(v note.Vitals) string { return v.BP }, func(v *note.Vitals, s string) { v.BP = s }},
}

// vitalsAnchors holds one compiled capture pattern per vitals label, built
// once at package init.
var vitalsAnchors = func() []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(vitalsLabels))
	for i, l := range vitalsLabels {
		res[i] = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(l.label) + `\s*:\s*([^,]*)`)
	}
	return res
}()

// historyAnchor matches any known history label (case-insensitive) with its
// trailing colon.
var historyAnchor = regexp.MustCompile(`(?i)(past medical history|surgical history|family history|social history)\s*:`)

// diagnosisEntry matches the numbered-list prefix that starts each flattened
// diagnosis entry.
var diagnosisEntry = regexp.MustCompile(`(?m)^\s*\d+\.\s*`)

// treatmentMarker separates a diagnosis name from its treatment line.
var treatmentMarker = regexp.MustCompile(`(?i)treatment\s*:`)

// FlattenHistory joins the non-empty history sections as labelled paragraphs
// separated by blank lines, in fixed label order. Empty sections are omitted
// entirely (no bare labels).
func FlattenHistory(h note.History) string {
	var parts []string
	for _, l := range historyLabels {
		if v := strings.TrimSpace(l.get(h)); v != "" {
			parts = append(parts, l.label+": "+v)
		}
	}
	return strings.Join(parts, "\n\n")
}

// UnflattenHistory locates each known label anchor in text and captures its
// value up to the next known label or end of string.
func UnflattenHistory(text string) note.History {
	var h note.History
	if strings.TrimSpace(text) == "" {
		return h
	}

	matches := historyAnchor.FindAllStringSubmatchIndex(text, -1)
	for i, m := range matches {
		label := strings.ToLower(text[m[2]:m[3]])
		start := m[1] // after the colon
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		value := strings.TrimSpace(text[start:end])

		for j := range historyLabels {
			if strings.ToLower(historyLabels[j].label) == label {
				historyLabels[j].set(&h, value)
				break
			}
		}
	}
	return h
}

// FlattenVitals joins the measured vitals as comma-separated "Label: value"
// pairs in fixed order. Sub-fields that are empty or hold the "-" placeholder
// are omitted.
func FlattenVitals(v note.Vitals) string {
	var parts []string
	for _, l := range vitalsLabels {
		val := strings.TrimSpace(l.get(v))
		if val == "" || val == note.VitalsPlaceholder {
			continue
		}
		parts = append(parts, l.label+": "+val)
	}
	return strings.Join(parts, ", ")
}

// UnflattenVitals locates each vitals label in text and captures its value up
// to the next comma. Any sub-field without a match defaults to "-".
func UnflattenVitals(text string) note.Vitals {
	v := note.Vitals{
		Height: note.VitalsPlaceholder,
		Weight: note.VitalsPlaceholder,
		BMI:    note.VitalsPlaceholder,
		BP:     note.VitalsPlaceholder,
	}
	for i := range vitalsLabels {
		if m := vitalsAnchors[i].FindStringSubmatch(text); m != nil {
			if val := strings.TrimSpace(m[1]); val != "" {
				vitalsLabels[i].set(&v, val)
			}
		}
	}
	return v
}

// FlattenDiagnosis renders each entry with a non-empty name as a numbered item
// with an optional indented treatment line, joined by blank lines. Entries
// with an empty name are dropped from the flattened text (they remain in the
// in-memory sequence while editing).
//
// Example:
//
//	1. Hypertension
//	   Treatment: Lisinopril 10mg
func FlattenDiagnosis(ds []note.Diagnosis) string {
	var parts []string
	n := 0
	for _, d := range ds {
		name := strings.TrimSpace(d.DiagnosisName)
		if name == "" {
			continue
		}
		n++
		entry := fmt.Sprintf("%d. %s", n, name)
		if t := strings.TrimSpace(d.Treatment); t != "" {
			entry += "\n   Treatment: " + t
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, "\n\n")
}

// UnflattenDiagnosis splits text on the numbered-list prefix, then splits each
// chunk on the "Treatment:" marker to separate name from treatment. An empty
// or unparseable text yields the single blank placeholder entry, keeping the
// at-least-one-row invariant.
func UnflattenDiagnosis(text string) []note.Diagnosis {
	var ds []note.Diagnosis

	locs := diagnosisEntry.FindAllStringIndex(text, -1)
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		chunk := text[loc[1]:end]

		var d note.Diagnosis
		if m := treatmentMarker.FindStringIndex(chunk); m != nil {
			d.DiagnosisName = strings.TrimSpace(chunk[:m[0]])
			d.Treatment = strings.TrimSpace(chunk[m[1]:])
		} else {
			d.DiagnosisName = strings.TrimSpace(chunk)
		}
		if d.DiagnosisName != "" {
			ds = append(ds, d)
		}
	}

	if len(ds) == 0 {
		ds = []note.Diagnosis{{}}
	}
	return ds
}
