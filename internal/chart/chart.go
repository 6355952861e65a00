// Package chart defines the persisted forms of a clinical note: the base
// chart record written after extraction and the CDI record written after an
// improvement review. Both are keyed by appointment and upserted, so at most
// one of each exists per appointment.
//
// The package also resolves the "active note" a consumer should display:
// CDI field values always supersede base chart values when a CDI record
// exists for the appointment.
package chart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chartflow/chartflow/internal/cdi"
)

// CDIStatusReviewed is the status a CDI record carries once its review has
// been confirmed. It is the only status the improvement pass writes.
const CDIStatusReviewed = "reviewed"

// ErrNotFound is returned by reads when no record exists for the appointment.
var ErrNotFound = errors.New("chart: record not found")

// Record is the flattened base chart for one appointment, produced by the
// extraction stage. Nested note structures (history, vitals, diagnosis) are
// stored as label-prefixed text blobs inside Fields; see the codec package.
type Record struct {
	AppointmentID    uuid.UUID
	Fields           cdi.Fields
	RawTranscription string
	UpdatedAt        time.Time
}

// CDIRecord is the improved version of a chart, written only by a confirmed
// improvement review. Its lifecycle is independent of the base [Record].
type CDIRecord struct {
	AppointmentID uuid.UUID
	Fields        cdi.Fields
	Notes         string
	Status        string
	ReviewedAt    time.Time
}

// Demographics are the patient facts the improvement pass may use to phrase
// references to the patient. Zero values mean unknown.
type Demographics struct {
	PatientID uuid.UUID
	Name      string
	Age       int
	Gender    string
}

// Store is the persistence boundary for chart data. Writes are upserts keyed
// on appointment identity; that uniqueness constraint is the only
// concurrency safeguard the pipeline relies on.
type Store interface {
	// UpsertChart inserts or replaces the base chart for rec's appointment.
	UpsertChart(ctx context.Context, rec Record) error

	// GetChart returns the base chart for the appointment, or [ErrNotFound].
	GetChart(ctx context.Context, appointmentID uuid.UUID) (*Record, error)

	// UpsertCDI inserts or replaces the CDI record for rec's appointment.
	UpsertCDI(ctx context.Context, rec CDIRecord) error

	// GetCDI returns the CDI record for the appointment, or [ErrNotFound].
	GetCDI(ctx context.Context, appointmentID uuid.UUID) (*CDIRecord, error)

	// GetDemographics resolves the appointment to its patient's demographics,
	// or [ErrNotFound] when the appointment does not exist.
	GetDemographics(ctx context.Context, appointmentID uuid.UUID) (*Demographics, error)
}

// PersistenceError wraps a failed store operation with the operation name.
// All store failures surface through this type so callers can distinguish
// persistence faults from pipeline faults with a single errors.As check.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("chart: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ActiveFields resolves the note a consumer should display for an
// appointment. For every canonical field the CDI record has non-empty, the
// CDI value wins; otherwise the base chart value is used. Either argument
// may be nil.
func ActiveFields(base *Record, improved *CDIRecord) cdi.Fields {
	out := make(cdi.Fields, len(cdi.FieldKeys))
	for _, k := range cdi.FieldKeys {
		var v string
		if improved != nil {
			v = improved.Fields.Get(k)
		}
		if v == "" && base != nil {
			v = base.Fields.Get(k)
		}
		out[k] = v
	}
	return out
}
