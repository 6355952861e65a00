package cdi

import "github.com/antzucaro/matchr"

// FieldDiff describes one field's comparison between the original and
// improved chart versions.
type FieldDiff struct {
	// Field is the canonical field key.
	Field string `json:"field"`

	// Original and Improved are the two values as plain strings.
	Original string `json:"original"`
	Improved string `json:"improved"`

	// Changed reports exact string inequality. There is no semantic diffing:
	// a whitespace-only difference counts as changed.
	Changed bool `json:"changed"`

	// Similarity is the Jaro-Winkler similarity of the two values in [0,1],
	// recorded for changed fields so the review view can order large rewrites
	// before cosmetic edits. 1 for unchanged fields.
	Similarity float64 `json:"similarity"`
}

// Diff compares the two field maps over the canonical keys in presentation
// order. Fields where both sides are empty are omitted entirely, so the
// reviewer never sees them. The changed set is symmetric: swapping the
// arguments yields the same changed field names.
func Diff(original, improved Fields) []FieldDiff {
	var diffs []FieldDiff
	for _, k := range FieldKeys {
		o, v := original.Get(k), improved.Get(k)
		if o == "" && v == "" {
			continue
		}
		d := FieldDiff{
			Field:      k,
			Original:   o,
			Improved:   v,
			Changed:    o != v,
			Similarity: 1,
		}
		if d.Changed {
			d.Similarity = matchr.JaroWinkler(o, v, false)
		}
		diffs = append(diffs, d)
	}
	return diffs
}

// ChangedFields returns the names of the changed fields in presentation order.
func ChangedFields(original, improved Fields) []string {
	var changed []string
	for _, d := range Diff(original, improved) {
		if d.Changed {
			changed = append(changed, d.Field)
		}
	}
	return changed
}
