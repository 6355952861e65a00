// Package reveal implements the field-by-field reveal sequencer that animates
// a freshly extracted note into view before it becomes editable.
//
// The sequencer is an explicit state machine (Idle → Revealing → Complete)
// that walks a fixed twelve-step plan. Each step marks one field (or field
// group) as animating, waits a short settle delay, copies the extracted
// value(s) into the working note atomically, waits a short reveal delay, and
// moves on. The working note is a valid [note.StructuredNote] at every
// intermediate point: not-yet-revealed fields hold their empty defaults and
// already-revealed fields hold their final values.
//
// The step order and the per-step atomicity are behavioural contracts, not a
// cosmetic flourish: they determine what a consumer observes at any
// intermediate point, including the diagnosis placeholder row if the process
// is abandoned mid-sequence.
package reveal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chartflow/chartflow/internal/note"
)

// Field names for the reveal plan. Grouped fields (vitals, diagnosis) reveal
// as a single step.
const (
	FieldChiefComplaint  = "chief_complaint"
	FieldHPI             = "history_of_present_illness"
	FieldPastMedical     = "history.past_medical_history"
	FieldSurgical        = "history.surgical_history"
	FieldFamily          = "history.family_history"
	FieldSocial          = "history.social_history"
	FieldReviewOfSystems = "review_of_systems"
	FieldPhysicalExam    = "physical_exam"
	FieldVitals          = "vitals"
	FieldDiagnosis       = "diagnosis"
	FieldPlan            = "plan"
	FieldExtraInfo       = "extra_info"
)

// Step is one entry of the fixed reveal plan. Percent is the filling progress
// reported once the step has completed.
type Step struct {
	Field   string
	Percent int
}

// Plan is the fixed twelve-step reveal order.
var Plan = [12]Step{
	{FieldChiefComplaint, 9},
	{FieldHPI, 17},
	{FieldPastMedical, 25},
	{FieldSurgical, 33},
	{FieldFamily, 42},
	{FieldSocial, 50},
	{FieldReviewOfSystems, 58},
	{FieldPhysicalExam, 67},
	{FieldVitals, 75},
	{FieldDiagnosis, 83},
	{FieldPlan, 92},
	{FieldExtraInfo, 100},
}

// Phase distinguishes the two events emitted per step.
type Phase string

const (
	// PhaseAnimating is emitted when a step starts, before its settle delay.
	PhaseAnimating Phase = "animating"

	// PhaseRevealed is emitted after the field value has been copied into the
	// working note and the reveal delay has elapsed.
	PhaseRevealed Phase = "revealed"
)

// Event is a single observation of reveal progress. For PhaseRevealed events
// Note is a copy of the working note after the step's copy; consumers may
// retain it without synchronisation.
type Event struct {
	Phase    Phase
	Field    string
	Progress int
	Note     note.StructuredNote
}

// Default step delays. Short enough to feel responsive, long enough that each
// field is perceived to fill individually.
const (
	DefaultSettleDelay = 150 * time.Millisecond
	DefaultRevealDelay = 350 * time.Millisecond
)

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the
// latter case. Injectable so tests run without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option is a functional option for a [Sequencer].
type Option func(*Sequencer)

// WithDelays overrides the per-step settle and reveal delays.
func WithDelays(settle, reveal time.Duration) Option {
	return func(s *Sequencer) {
		s.settleDelay = settle
		s.revealDelay = reveal
	}
}

// WithSleep injects the sleep function. Tests use this to run the full plan
// instantly while still observing every delay request.
func WithSleep(sleep SleepFunc) Option {
	return func(s *Sequencer) {
		s.sleep = sleep
	}
}

// Sequencer runs the fixed reveal plan. A Sequencer is single-flight: Run
// rejects a second concurrent invocation rather than interleaving two
// sequences over the same note view.
type Sequencer struct {
	settleDelay time.Duration
	revealDelay time.Duration
	sleep       SleepFunc

	mu      sync.Mutex
	running bool
}

// New returns a Sequencer with default delays.
func New(opts ...Option) *Sequencer {
	s := &Sequencer{
		settleDelay: DefaultSettleDelay,
		revealDelay: DefaultRevealDelay,
		sleep:       defaultSleep,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run walks the reveal plan from an all-empty working note towards extracted,
// invoking emit for every phase transition. It returns the completed working
// note, which equals extracted field-for-field.
//
// There is no mid-sequence cancellation path beyond the context: when ctx is
// cancelled the sequence stops with the working note left in its last partial
// state, which is safe because nothing is persisted until after completion.
// emit must not block indefinitely; it is called synchronously between delays.
func (s *Sequencer) Run(ctx context.Context, extracted note.StructuredNote, emit func(Event)) (note.StructuredNote, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return note.StructuredNote{}, fmt.Errorf("reveal: sequence already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	working := note.Empty()
	progress := 0

	for _, step := range Plan {
		emit(Event{Phase: PhaseAnimating, Field: step.Field, Progress: progress, Note: working})

		if err := s.sleep(ctx, s.settleDelay); err != nil {
			return working, fmt.Errorf("reveal: %w", err)
		}

		applyStep(&working, extracted, step.Field)
		progress = step.Percent

		if err := s.sleep(ctx, s.revealDelay); err != nil {
			return working, fmt.Errorf("reveal: %w", err)
		}

		emit(Event{Phase: PhaseRevealed, Field: step.Field, Progress: progress, Note: working})
	}

	return working, nil
}

// applyStep copies the field(s) named by field from src into dst. Grouped
// steps copy all their sub-fields in one assignment so no partially-revealed
// group is ever observable.
func applyStep(dst *note.StructuredNote, src note.StructuredNote, field string) {
	switch field {
	case FieldChiefComplaint:
		dst.ChiefComplaint = src.ChiefComplaint
	case FieldHPI:
		dst.HistoryOfPresentIllness = src.HistoryOfPresentIllness
	case FieldPastMedical:
		dst.History.PastMedicalHistory = src.History.PastMedicalHistory
	case FieldSurgical:
		dst.History.SurgicalHistory = src.History.SurgicalHistory
	case FieldFamily:
		dst.History.FamilyHistory = src.History.FamilyHistory
	case FieldSocial:
		dst.History.SocialHistory = src.History.SocialHistory
	case FieldReviewOfSystems:
		dst.ReviewOfSystems = src.ReviewOfSystems
	case FieldPhysicalExam:
		dst.PhysicalExam = src.PhysicalExam
	case FieldVitals:
		dst.Vitals = src.Vitals
	case FieldDiagnosis:
		dst.Diagnosis = append([]note.Diagnosis(nil), src.Diagnosis...)
	case FieldPlan:
		dst.Plan = src.Plan
	case FieldExtraInfo:
		dst.ExtraInfo = src.ExtraInfo
	}
}
