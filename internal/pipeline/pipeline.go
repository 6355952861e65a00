// Package pipeline orchestrates the documentation stages: transcript
// extraction into a structured note, persistence of the flattened chart, the
// CDI improvement pass with its review session, and active-note resolution.
//
// The pipeline is strictly sequential per appointment. Each external call is
// a single attempt; retry policy belongs to the caller. A second concurrent
// extraction or improvement for the same appointment is rejected with
// [ErrBusy] rather than queued.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chartflow/chartflow/internal/cdi"
	"github.com/chartflow/chartflow/internal/chart"
	"github.com/chartflow/chartflow/internal/note"
	"github.com/chartflow/chartflow/internal/note/codec"
	"github.com/chartflow/chartflow/internal/note/extract"
	"github.com/chartflow/chartflow/internal/observe"
)

var (
	// ErrBusy is returned when an extraction or improvement is already in
	// flight for the appointment.
	ErrBusy = errors.New("pipeline: operation already in flight for appointment")

	// ErrNoReview is returned by confirm/cancel when no review is open for
	// the appointment.
	ErrNoReview = errors.New("pipeline: no open review for appointment")
)

// Option is a functional option for configuring a [Service].
type Option func(*Service)

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithProviderName sets the provider label used in metrics attributes.
func WithProviderName(name string) Option {
	return func(s *Service) {
		s.providerName = name
	}
}

// WithNow sets the clock used for CDI review timestamps. Tests only.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithRequestTimeout bounds each completion-service call. Zero means no
// pipeline-imposed timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.requestTimeout = d
	}
}

// Service drives the documentation pipeline against a [chart.Store] and the
// two LLM contract wrappers. All methods are safe for concurrent use across
// appointments; per-appointment concurrency is rejected, not serialised.
type Service struct {
	extractor      *extract.Extractor
	improver       *cdi.Improver
	store          chart.Store
	metrics        *observe.Metrics
	providerName   string
	now            func() time.Time
	requestTimeout time.Duration

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	reviews  map[uuid.UUID]*cdi.Review
}

// New creates a Service over the given stage implementations.
func New(extractor *extract.Extractor, improver *cdi.Improver, store chart.Store, opts ...Option) *Service {
	s := &Service{
		extractor:    extractor,
		improver:     improver,
		store:        store,
		providerName: "unknown",
		now:          time.Now,
		inflight:     make(map[uuid.UUID]struct{}),
		reviews:      make(map[uuid.UUID]*cdi.Review),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// acquire marks the appointment as having an operation in flight.
func (s *Service) acquire(appointmentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[appointmentID]; busy {
		return ErrBusy
	}
	s.inflight[appointmentID] = struct{}{}
	return nil
}

// boundCtx applies the configured request timeout to a completion call.
func (s *Service) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.requestTimeout)
}

func (s *Service) release(appointmentID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, appointmentID)
}

// Extract runs the extraction contract over the transcript and returns the
// structured note. Nothing is persisted; the caller reveals and saves after
// the user's edits. Returns [ErrBusy] if an operation is already in flight
// for the appointment.
func (s *Service) Extract(ctx context.Context, appointmentID uuid.UUID, transcript string) (note.StructuredNote, error) {
	if err := s.acquire(appointmentID); err != nil {
		return note.Empty(), err
	}
	defer s.release(appointmentID)

	callCtx, cancel := s.boundCtx(ctx)
	defer cancel()

	start := time.Now()
	n, err := s.extractor.Extract(callCtx, transcript)
	s.metrics.ExtractionDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.providerName, "extraction", "error")
		s.metrics.RecordProviderError(ctx, s.providerName, "extraction")
		return note.Empty(), err
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, "extraction", "ok")
	return n, nil
}

// SaveChart flattens the note into the storage form and upserts the base
// chart record for the appointment.
func (s *Service) SaveChart(ctx context.Context, appointmentID uuid.UUID, n note.StructuredNote, rawTranscription string) error {
	rec := chart.Record{
		AppointmentID:    appointmentID,
		Fields:           FlattenNote(n),
		RawTranscription: rawTranscription,
	}

	start := time.Now()
	err := s.store.UpsertChart(ctx, rec)
	s.metrics.PersistDuration.Record(ctx, time.Since(start).Seconds())
	return err
}

// LoadNote reads the appointment's base chart and unflattens it back into a
// structured note for editing, along with the stored raw transcription.
func (s *Service) LoadNote(ctx context.Context, appointmentID uuid.UUID) (note.StructuredNote, string, error) {
	rec, err := s.store.GetChart(ctx, appointmentID)
	if err != nil {
		return note.Empty(), "", err
	}
	return NoteFromFields(rec.Fields), rec.RawTranscription, nil
}

// ActiveNote resolves the field set a consumer should display: CDI values
// supersede base chart values per field. Both records are fetched
// concurrently; a missing CDI record is normal, but if neither record exists
// [chart.ErrNotFound] is returned.
func (s *Service) ActiveNote(ctx context.Context, appointmentID uuid.UUID) (cdi.Fields, error) {
	var (
		base     *chart.Record
		improved *chart.CDIRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rec, err := s.store.GetChart(gctx, appointmentID)
		if errors.Is(err, chart.ErrNotFound) {
			return nil
		}
		base = rec
		return err
	})
	g.Go(func() error {
		rec, err := s.store.GetCDI(gctx, appointmentID)
		if errors.Is(err, chart.ErrNotFound) {
			return nil
		}
		improved = rec
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if base == nil && improved == nil {
		return nil, chart.ErrNotFound
	}
	return chart.ActiveFields(base, improved), nil
}

// StartImprovement runs the CDI improvement pass for the appointment's
// persisted chart and opens an in-memory review session. The base chart and
// the patient demographics are fetched concurrently and both must succeed
// before the provider is called. An already-open review for the appointment
// is replaced. Returns [ErrBusy] if an operation is already in flight.
func (s *Service) StartImprovement(ctx context.Context, appointmentID uuid.UUID) (*cdi.Review, error) {
	if err := s.acquire(appointmentID); err != nil {
		return nil, err
	}
	defer s.release(appointmentID)

	var (
		rec  *chart.Record
		demo *chart.Demographics
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rec, err = s.store.GetChart(gctx, appointmentID)
		return err
	})
	g.Go(func() error {
		var err error
		demo, err = s.store.GetDemographics(gctx, appointmentID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	patient := cdi.PatientInfo{Age: demo.Age, Gender: demo.Gender}

	callCtx, cancel := s.boundCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := s.improver.Improve(callCtx, rec.Fields, patient)
	s.metrics.ImprovementDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.providerName, "improvement", "error")
		s.metrics.RecordProviderError(ctx, s.providerName, "improvement")
		return nil, err
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, "improvement", "ok")

	review := cdi.NewReview(res)
	s.mu.Lock()
	if _, open := s.reviews[appointmentID]; !open {
		s.metrics.OpenReviews.Add(ctx, 1)
	}
	s.reviews[appointmentID] = review
	s.mu.Unlock()
	return review, nil
}

// Review returns the open review session for the appointment, if any.
func (s *Service) Review(appointmentID uuid.UUID) (*cdi.Review, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[appointmentID]
	return r, ok
}

// ConfirmImprovement persists the current (possibly hand-edited) improved
// fields of the open review as the appointment's CDI record, marked reviewed
// at the current time, and closes the review. The review stays open if the
// upsert fails so the user can retry.
func (s *Service) ConfirmImprovement(ctx context.Context, appointmentID uuid.UUID) (*chart.CDIRecord, error) {
	review, ok := s.Review(appointmentID)
	if !ok {
		return nil, ErrNoReview
	}

	rec := chart.CDIRecord{
		AppointmentID: appointmentID,
		Fields:        review.Improved(),
		Notes:         review.Notes(),
		Status:        chart.CDIStatusReviewed,
		ReviewedAt:    s.now(),
	}

	start := time.Now()
	if err := s.store.UpsertCDI(ctx, rec); err != nil {
		s.metrics.PersistDuration.Record(ctx, time.Since(start).Seconds())
		return nil, err
	}
	s.metrics.PersistDuration.Record(ctx, time.Since(start).Seconds())
	s.metrics.CDIConfirmations.Add(ctx, 1)

	s.closeReview(ctx, appointmentID)
	return &rec, nil
}

// CancelImprovement discards the open review without persisting anything.
func (s *Service) CancelImprovement(ctx context.Context, appointmentID uuid.UUID) error {
	s.mu.Lock()
	_, ok := s.reviews[appointmentID]
	s.mu.Unlock()
	if !ok {
		return ErrNoReview
	}
	s.closeReview(ctx, appointmentID)
	return nil
}

func (s *Service) closeReview(ctx context.Context, appointmentID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reviews[appointmentID]; ok {
		delete(s.reviews, appointmentID)
		s.metrics.OpenReviews.Add(ctx, -1)
	}
}

// FlattenNote converts a structured note into the flattened chart fields.
// The extra-info catch-all has no storage column and is dropped here; it
// exists only within a capture/editing session.
func FlattenNote(n note.StructuredNote) cdi.Fields {
	return cdi.Fields{
		cdi.FieldChiefComplaint:   n.ChiefComplaint,
		cdi.FieldHistoryOfIllness: n.HistoryOfPresentIllness,
		cdi.FieldHistory:          codec.FlattenHistory(n.History),
		cdi.FieldROS:              n.ReviewOfSystems,
		cdi.FieldPhysicalExam:     n.PhysicalExam,
		cdi.FieldVitalSigns:       codec.FlattenVitals(n.Vitals),
		cdi.FieldDiagnosis:        codec.FlattenDiagnosis(n.Diagnosis),
		cdi.FieldPlan:             n.Plan,
	}
}

// NoteFromFields parses the flattened chart fields back into a structured
// note for the editor.
func NoteFromFields(f cdi.Fields) note.StructuredNote {
	return note.StructuredNote{
		ChiefComplaint:          f.Get(cdi.FieldChiefComplaint),
		HistoryOfPresentIllness: f.Get(cdi.FieldHistoryOfIllness),
		History:                 codec.UnflattenHistory(f.Get(cdi.FieldHistory)),
		ReviewOfSystems:         f.Get(cdi.FieldROS),
		PhysicalExam:            f.Get(cdi.FieldPhysicalExam),
		Vitals:                  codec.UnflattenVitals(f.Get(cdi.FieldVitalSigns)),
		Diagnosis:               codec.UnflattenDiagnosis(f.Get(cdi.FieldDiagnosis)),
		Plan:                    f.Get(cdi.FieldPlan),
	}
}
