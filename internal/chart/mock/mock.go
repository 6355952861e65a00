// Package mock provides an in-memory [chart.Store] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/chartflow/chartflow/internal/chart"
)

// Store is an in-memory [chart.Store]. Records are stored by appointment ID.
// Err fields, when set, are returned by the corresponding method instead of
// touching state. All methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	charts       map[uuid.UUID]chart.Record
	cdis         map[uuid.UUID]chart.CDIRecord
	demographics map[uuid.UUID]chart.Demographics

	UpsertChartErr     error
	GetChartErr        error
	UpsertCDIErr       error
	GetCDIErr          error
	GetDemographicsErr error

	// UpsertChartCalls and UpsertCDICalls record every write in order.
	UpsertChartCalls []chart.Record
	UpsertCDICalls   []chart.CDIRecord
}

// Compile-time interface check.
var _ chart.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		charts:       make(map[uuid.UUID]chart.Record),
		cdis:         make(map[uuid.UUID]chart.CDIRecord),
		demographics: make(map[uuid.UUID]chart.Demographics),
	}
}

// SetDemographics seeds the appointment to patient demographics mapping.
func (s *Store) SetDemographics(appointmentID uuid.UUID, d chart.Demographics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demographics[appointmentID] = d
}

func (s *Store) UpsertChart(_ context.Context, rec chart.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertChartErr != nil {
		return &chart.PersistenceError{Op: "upsert chart", Err: s.UpsertChartErr}
	}
	s.UpsertChartCalls = append(s.UpsertChartCalls, rec)
	s.charts[rec.AppointmentID] = rec
	return nil
}

func (s *Store) GetChart(_ context.Context, appointmentID uuid.UUID) (*chart.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetChartErr != nil {
		return nil, &chart.PersistenceError{Op: "get chart", Err: s.GetChartErr}
	}
	rec, ok := s.charts[appointmentID]
	if !ok {
		return nil, chart.ErrNotFound
	}
	rec.Fields = rec.Fields.Clone()
	return &rec, nil
}

func (s *Store) UpsertCDI(_ context.Context, rec chart.CDIRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertCDIErr != nil {
		return &chart.PersistenceError{Op: "upsert cdi", Err: s.UpsertCDIErr}
	}
	s.UpsertCDICalls = append(s.UpsertCDICalls, rec)
	s.cdis[rec.AppointmentID] = rec
	return nil
}

func (s *Store) GetCDI(_ context.Context, appointmentID uuid.UUID) (*chart.CDIRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetCDIErr != nil {
		return nil, &chart.PersistenceError{Op: "get cdi", Err: s.GetCDIErr}
	}
	rec, ok := s.cdis[appointmentID]
	if !ok {
		return nil, chart.ErrNotFound
	}
	rec.Fields = rec.Fields.Clone()
	return &rec, nil
}

func (s *Store) GetDemographics(_ context.Context, appointmentID uuid.UUID) (*chart.Demographics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetDemographicsErr != nil {
		return nil, &chart.PersistenceError{Op: "get demographics", Err: s.GetDemographicsErr}
	}
	d, ok := s.demographics[appointmentID]
	if !ok {
		return nil, chart.ErrNotFound
	}
	return &d, nil
}
