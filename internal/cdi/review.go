package cdi

import (
	"fmt"
	"slices"
	"sync"
)

// Review is the in-memory state of one improvement review. The reviewer may
// freely edit any field of the improved version; the original is never
// mutated and is always available alongside. Review state exists only
// between the improvement call and confirm/cancel; it is never persisted.
//
// All methods are safe for concurrent use, though a review is normally
// driven by a single editing session.
type Review struct {
	mu       sync.Mutex
	original Fields
	improved Fields
	notes    string
}

// NewReview starts a review over an improvement result.
func NewReview(res *Result) *Review {
	return &Review{
		original: res.Original.Clone(),
		improved: res.Improved.Clone(),
		notes:    res.Notes,
	}
}

// Edit replaces the improved value of field. The edit is applied verbatim:
// reviewers may remove clarification markers, rewrite sentences, or clear a
// field entirely. Unknown field keys are rejected.
func (r *Review) Edit(field, value string) error {
	if !slices.Contains(FieldKeys, field) {
		return fmt.Errorf("cdi: unknown field %q", field)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.improved[field] = value
	return nil
}

// SetNotes replaces the free-text CDI summary.
func (r *Review) SetNotes(notes string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = notes
}

// Original returns a copy of the untouched input fields.
func (r *Review) Original() Fields {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.original.Clone()
}

// Improved returns a copy of the current (possibly hand-edited) improved
// fields.
func (r *Review) Improved() Fields {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.improved.Clone()
}

// Notes returns the current CDI summary text.
func (r *Review) Notes() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notes
}

// Diffs returns the field-by-field comparison of the original against the
// current improved values.
func (r *Review) Diffs() []FieldDiff {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Diff(r.original, r.improved)
}
