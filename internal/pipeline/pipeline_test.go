package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/chartflow/chartflow/internal/cdi"
	"github.com/chartflow/chartflow/internal/chart"
	chartmock "github.com/chartflow/chartflow/internal/chart/mock"
	"github.com/chartflow/chartflow/internal/note"
	"github.com/chartflow/chartflow/internal/note/extract"
	"github.com/chartflow/chartflow/internal/observe"
	"github.com/chartflow/chartflow/internal/pipeline"
	"github.com/chartflow/chartflow/pkg/provider/llm"
	llmmock "github.com/chartflow/chartflow/pkg/provider/llm/mock"
)

const extractionResponse = `{
  "chief_complaint": "Chest pain",
  "history_of_present_illness": "Started this morning",
  "history": {"past_medical_history": "Hypertension"},
  "vitals": {"bp": "140/90"},
  "diagnosis": [{"diagnosis_name": "Angina", "treatment": "Nitroglycerin"}],
  "plan": "Stress test"
}`

const improvementResponse = `{
  "chiefComplaint": "Chest pain",
  "plan": "Stress test; cardiology referral within 1 week",
  "cdiNotes": "Added referral timeframe."
}`

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newService(t *testing.T, provider llm.Provider, store chart.Store, opts ...pipeline.Option) *pipeline.Service {
	t.Helper()
	opts = append([]pipeline.Option{pipeline.WithMetrics(testMetrics(t))}, opts...)
	return pipeline.New(extract.New(provider), cdi.NewImprover(provider), store, opts...)
}

func TestExtractThenSave_RoundTripsThroughStore(t *testing.T) {
	t.Parallel()

	store := chartmock.New()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: extractionResponse},
	}
	svc := newService(t, provider, store)
	id := uuid.New()

	n, err := svc.Extract(context.Background(), id, "patient reports chest pain since this morning")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if n.ChiefComplaint != "Chest pain" {
		t.Errorf("chiefComplaint = %q", n.ChiefComplaint)
	}

	if err := svc.SaveChart(context.Background(), id, n, "patient reports chest pain since this morning"); err != nil {
		t.Fatalf("SaveChart: %v", err)
	}

	loaded, raw, err := svc.LoadNote(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadNote: %v", err)
	}
	if raw != "patient reports chest pain since this morning" {
		t.Errorf("raw transcription = %q", raw)
	}
	if loaded.History.PastMedicalHistory != "Hypertension" {
		t.Errorf("past medical history = %q", loaded.History.PastMedicalHistory)
	}
	if loaded.Vitals.BP != "140/90" {
		t.Errorf("bp = %q", loaded.Vitals.BP)
	}
	if len(loaded.Diagnosis) != 1 || loaded.Diagnosis[0].Treatment != "Nitroglycerin" {
		t.Errorf("diagnosis = %+v", loaded.Diagnosis)
	}
}

func TestExtract_SingleFlightPerAppointment(t *testing.T) {
	t.Parallel()

	store := chartmock.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: extractionResponse},
		CompleteHook: func() {
			once.Do(func() { close(entered) })
			<-release
		},
	}
	svc := newService(t, provider, store)
	id := uuid.New()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Extract(context.Background(), id, "transcript")
		done <- err
	}()
	<-entered

	// The second call for the same appointment is rejected, not queued.
	if _, err := svc.Extract(context.Background(), id, "transcript"); !errors.Is(err, pipeline.ErrBusy) {
		t.Errorf("concurrent Extract err = %v, want ErrBusy", err)
	}

	// Once the first call finishes the guard clears.
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Extract: %v", err)
	}
	if _, err := svc.Extract(context.Background(), id, "transcript"); err != nil {
		t.Errorf("Extract after release: %v", err)
	}
}

func TestStartImprovement_FetchesChartAndDemographics(t *testing.T) {
	t.Parallel()

	store := chartmock.New()
	id := uuid.New()
	store.SetDemographics(id, chart.Demographics{Age: 45, Gender: "female"})

	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: improvementResponse},
	}
	svc := newService(t, provider, store)

	if err := svc.SaveChart(context.Background(), id, note.StructuredNote{
		ChiefComplaint: "Chest pain",
		Plan:           "Stress test",
		Vitals:         note.Empty().Vitals,
		Diagnosis:      []note.Diagnosis{{DiagnosisName: "Angina"}},
	}, "raw"); err != nil {
		t.Fatalf("SaveChart: %v", err)
	}

	review, err := svc.StartImprovement(context.Background(), id)
	if err != nil {
		t.Fatalf("StartImprovement: %v", err)
	}

	// Demographics reached the prompt.
	prompt := provider.CompleteCalls[0].Req.SystemPrompt
	if want := "a 45-year-old female patient"; !strings.Contains(prompt, want) {
		t.Errorf("system prompt missing %q", want)
	}

	if got := review.Improved().Get(cdi.FieldPlan); got != "Stress test; cardiology referral within 1 week" {
		t.Errorf("improved plan = %q", got)
	}
	if _, ok := svc.Review(id); !ok {
		t.Error("review not registered")
	}
}

func TestStartImprovement_RequiresPersistedChart(t *testing.T) {
	t.Parallel()

	store := chartmock.New()
	id := uuid.New()
	store.SetDemographics(id, chart.Demographics{Age: 60})

	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: improvementResponse},
	}
	svc := newService(t, provider, store)

	if _, err := svc.StartImprovement(context.Background(), id); !errors.Is(err, chart.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Error("provider called despite missing chart")
	}
}

func TestConfirmImprovement_PersistsEditedFieldsVerbatim(t *testing.T) {
	t.Parallel()

	store := chartmock.New()
	id := uuid.New()
	store.SetDemographics(id, chart.Demographics{})

	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{
  "plan": "Follow up in 2 weeks; monitor blood pressure weekly [NEEDS CLARIFICATION: target BP]",
  "cdiNotes": "Added monitoring."
}`},
	}
	fixed := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	svc := newService(t, provider, store, pipeline.WithNow(func() time.Time { return fixed }))

	if err := svc.SaveChart(context.Background(), id, note.StructuredNote{
		Plan:      "Follow up in 2 weeks",
		Vitals:    note.Empty().Vitals,
		Diagnosis: []note.Diagnosis{{}},
	}, ""); err != nil {
		t.Fatalf("SaveChart: %v", err)
	}

	review, err := svc.StartImprovement(context.Background(), id)
	if err != nil {
		t.Fatalf("StartImprovement: %v", err)
	}

	// Reviewer removes the clarification marker by hand.
	edited := "Follow up in 2 weeks; monitor blood pressure weekly"
	if err := review.Edit(cdi.FieldPlan, edited); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	rec, err := svc.ConfirmImprovement(context.Background(), id)
	if err != nil {
		t.Fatalf("ConfirmImprovement: %v", err)
	}
	if got := rec.Fields.Get(cdi.FieldPlan); got != edited {
		t.Errorf("persisted plan = %q, want edited value verbatim", got)
	}
	if rec.Status != chart.CDIStatusReviewed {
		t.Errorf("status = %q", rec.Status)
	}
	if !rec.ReviewedAt.Equal(fixed) {
		t.Errorf("reviewedAt = %v", rec.ReviewedAt)
	}

	if _, ok := svc.Review(id); ok {
		t.Error("review still open after confirm")
	}
	if _, err := svc.ConfirmImprovement(context.Background(), id); !errors.Is(err, pipeline.ErrNoReview) {
		t.Errorf("second confirm err = %v, want ErrNoReview", err)
	}
}

func TestCancelImprovement_DiscardsWithoutPersist(t *testing.T) {
	t.Parallel()

	store := chartmock.New()
	id := uuid.New()
	store.SetDemographics(id, chart.Demographics{})

	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: improvementResponse},
	}
	svc := newService(t, provider, store)

	if err := svc.SaveChart(context.Background(), id, note.StructuredNote{
		Plan: "Stress test", Vitals: note.Empty().Vitals, Diagnosis: []note.Diagnosis{{}},
	}, ""); err != nil {
		t.Fatalf("SaveChart: %v", err)
	}
	if _, err := svc.StartImprovement(context.Background(), id); err != nil {
		t.Fatalf("StartImprovement: %v", err)
	}

	if err := svc.CancelImprovement(context.Background(), id); err != nil {
		t.Fatalf("CancelImprovement: %v", err)
	}
	if len(store.UpsertCDICalls) != 0 {
		t.Error("cancel persisted a CDI record")
	}
	if _, err := store.GetCDI(context.Background(), id); !errors.Is(err, chart.ErrNotFound) {
		t.Errorf("GetCDI err = %v, want ErrNotFound", err)
	}
}

func TestActiveNote_CDISupersedesBase(t *testing.T) {
	t.Parallel()

	store := chartmock.New()
	id := uuid.New()
	svc := newService(t, &llmmock.Provider{}, store)

	if _, err := svc.ActiveNote(context.Background(), id); !errors.Is(err, chart.ErrNotFound) {
		t.Errorf("empty store err = %v, want ErrNotFound", err)
	}

	if err := store.UpsertChart(context.Background(), chart.Record{
		AppointmentID: id,
		Fields: cdi.Fields{
			cdi.FieldChiefComplaint: "Cough",
			cdi.FieldPlan:           "Rest",
		},
	}); err != nil {
		t.Fatalf("UpsertChart: %v", err)
	}
	if err := store.UpsertCDI(context.Background(), chart.CDIRecord{
		AppointmentID: id,
		Fields:        cdi.Fields{cdi.FieldPlan: "Rest; recheck in 1 week"},
		Status:        chart.CDIStatusReviewed,
	}); err != nil {
		t.Fatalf("UpsertCDI: %v", err)
	}

	active, err := svc.ActiveNote(context.Background(), id)
	if err != nil {
		t.Fatalf("ActiveNote: %v", err)
	}
	if got := active.Get(cdi.FieldPlan); got != "Rest; recheck in 1 week" {
		t.Errorf("plan = %q, want CDI value", got)
	}
	if got := active.Get(cdi.FieldChiefComplaint); got != "Cough" {
		t.Errorf("chiefComplaint = %q, want base fallback", got)
	}
}
