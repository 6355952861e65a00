// Package postgres provides the PostgreSQL-backed implementation of
// [chart.Store]. All tables are created on startup via CREATE TABLE IF NOT
// EXISTS so no external migration tooling is required.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chartflow/chartflow/internal/cdi"
	"github.com/chartflow/chartflow/internal/chart"
)

// Schema is the SQL DDL for the chart tables. Execute it via [Store.Migrate]
// or apply it manually during deployment.
//
// The patients and appointments tables carry only the columns the pipeline
// reads; the surrounding application owns their full shape and lifecycle.
const Schema = `
CREATE TABLE IF NOT EXISTS patients (
    id         UUID         PRIMARY KEY,
    name       TEXT         NOT NULL DEFAULT '',
    age        INT          NOT NULL DEFAULT 0,
    gender     TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS appointments (
    id           UUID         PRIMARY KEY,
    patient_id   UUID         NOT NULL REFERENCES patients(id),
    scheduled_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments(patient_id);

CREATE TABLE IF NOT EXISTS charts (
    appointment_id      UUID         PRIMARY KEY REFERENCES appointments(id),
    chief_complaint     TEXT         NOT NULL DEFAULT '',
    history_of_illness  TEXT         NOT NULL DEFAULT '',
    history             TEXT         NOT NULL DEFAULT '',
    ros                 TEXT         NOT NULL DEFAULT '',
    physical_exam       TEXT         NOT NULL DEFAULT '',
    vital_signs         TEXT         NOT NULL DEFAULT '',
    diagnosis           TEXT         NOT NULL DEFAULT '',
    plan                TEXT         NOT NULL DEFAULT '',
    assessment          TEXT         NOT NULL DEFAULT '',
    clinical_impression TEXT         NOT NULL DEFAULT '',
    raw_transcription   TEXT         NOT NULL DEFAULT '',
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cdi_records (
    appointment_id      UUID         PRIMARY KEY REFERENCES appointments(id),
    chief_complaint     TEXT         NOT NULL DEFAULT '',
    history_of_illness  TEXT         NOT NULL DEFAULT '',
    history             TEXT         NOT NULL DEFAULT '',
    ros                 TEXT         NOT NULL DEFAULT '',
    physical_exam       TEXT         NOT NULL DEFAULT '',
    vital_signs         TEXT         NOT NULL DEFAULT '',
    diagnosis           TEXT         NOT NULL DEFAULT '',
    plan                TEXT         NOT NULL DEFAULT '',
    assessment          TEXT         NOT NULL DEFAULT '',
    clinical_impression TEXT         NOT NULL DEFAULT '',
    cdi_notes           TEXT         NOT NULL DEFAULT '',
    cdi_status          TEXT         NOT NULL DEFAULT '',
    cdi_reviewed_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [chart.Store] backed by a PostgreSQL database.
type Store struct {
	db DB

	// pool is set only when the Store owns its connection pool via [New];
	// [NewWithDB] leaves it nil and the caller manages the connection.
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ chart.Store = (*Store)(nil)

// New establishes a connection pool to the PostgreSQL database at dsn, pings
// it, and runs [Store.Migrate]. Close the returned Store when done.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("chart postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("chart postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chart postgres: ping: %w", err)
	}

	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection or pool. The caller is responsible
// for running [Store.Migrate] before issuing queries, and for closing the
// connection.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL, creating all tables if they do not
// already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("chart postgres: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool when the Store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("chart postgres: ping: %w", err)
	}
	return nil
}

// UpsertChart inserts or replaces the base chart for rec's appointment.
func (s *Store) UpsertChart(ctx context.Context, rec chart.Record) error {
	const q = `
INSERT INTO charts (
    appointment_id, chief_complaint, history_of_illness, history, ros,
    physical_exam, vital_signs, diagnosis, plan, assessment,
    clinical_impression, raw_transcription, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
ON CONFLICT (appointment_id) DO UPDATE SET
    chief_complaint = EXCLUDED.chief_complaint,
    history_of_illness = EXCLUDED.history_of_illness,
    history = EXCLUDED.history,
    ros = EXCLUDED.ros,
    physical_exam = EXCLUDED.physical_exam,
    vital_signs = EXCLUDED.vital_signs,
    diagnosis = EXCLUDED.diagnosis,
    plan = EXCLUDED.plan,
    assessment = EXCLUDED.assessment,
    clinical_impression = EXCLUDED.clinical_impression,
    raw_transcription = EXCLUDED.raw_transcription,
    updated_at = now()`

	f := rec.Fields
	_, err := s.db.Exec(ctx, q,
		rec.AppointmentID,
		f.Get(cdi.FieldChiefComplaint),
		f.Get(cdi.FieldHistoryOfIllness),
		f.Get(cdi.FieldHistory),
		f.Get(cdi.FieldROS),
		f.Get(cdi.FieldPhysicalExam),
		f.Get(cdi.FieldVitalSigns),
		f.Get(cdi.FieldDiagnosis),
		f.Get(cdi.FieldPlan),
		f.Get(cdi.FieldAssessment),
		f.Get(cdi.FieldClinicalImpression),
		rec.RawTranscription,
	)
	if err != nil {
		return &chart.PersistenceError{Op: "upsert chart", Err: err}
	}
	return nil
}

// GetChart returns the base chart for the appointment, or [chart.ErrNotFound].
func (s *Store) GetChart(ctx context.Context, appointmentID uuid.UUID) (*chart.Record, error) {
	const q = `
SELECT chief_complaint, history_of_illness, history, ros, physical_exam,
       vital_signs, diagnosis, plan, assessment, clinical_impression,
       raw_transcription, updated_at
FROM charts WHERE appointment_id = $1`

	rec := chart.Record{
		AppointmentID: appointmentID,
		Fields:        make(cdi.Fields, len(cdi.FieldKeys)),
	}
	var (
		chiefComplaint, historyOfIllness, history, ros, physicalExam string
		vitalSigns, diagnosis, plan, assessment, clinicalImpression  string
	)
	err := s.db.QueryRow(ctx, q, appointmentID).Scan(
		&chiefComplaint, &historyOfIllness, &history, &ros, &physicalExam,
		&vitalSigns, &diagnosis, &plan, &assessment, &clinicalImpression,
		&rec.RawTranscription, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chart.ErrNotFound
	}
	if err != nil {
		return nil, &chart.PersistenceError{Op: "get chart", Err: err}
	}

	rec.Fields[cdi.FieldChiefComplaint] = chiefComplaint
	rec.Fields[cdi.FieldHistoryOfIllness] = historyOfIllness
	rec.Fields[cdi.FieldHistory] = history
	rec.Fields[cdi.FieldROS] = ros
	rec.Fields[cdi.FieldPhysicalExam] = physicalExam
	rec.Fields[cdi.FieldVitalSigns] = vitalSigns
	rec.Fields[cdi.FieldDiagnosis] = diagnosis
	rec.Fields[cdi.FieldPlan] = plan
	rec.Fields[cdi.FieldAssessment] = assessment
	rec.Fields[cdi.FieldClinicalImpression] = clinicalImpression
	return &rec, nil
}

// UpsertCDI inserts or replaces the CDI record for rec's appointment.
func (s *Store) UpsertCDI(ctx context.Context, rec chart.CDIRecord) error {
	const q = `
INSERT INTO cdi_records (
    appointment_id, chief_complaint, history_of_illness, history, ros,
    physical_exam, vital_signs, diagnosis, plan, assessment,
    clinical_impression, cdi_notes, cdi_status, cdi_reviewed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (appointment_id) DO UPDATE SET
    chief_complaint = EXCLUDED.chief_complaint,
    history_of_illness = EXCLUDED.history_of_illness,
    history = EXCLUDED.history,
    ros = EXCLUDED.ros,
    physical_exam = EXCLUDED.physical_exam,
    vital_signs = EXCLUDED.vital_signs,
    diagnosis = EXCLUDED.diagnosis,
    plan = EXCLUDED.plan,
    assessment = EXCLUDED.assessment,
    clinical_impression = EXCLUDED.clinical_impression,
    cdi_notes = EXCLUDED.cdi_notes,
    cdi_status = EXCLUDED.cdi_status,
    cdi_reviewed_at = EXCLUDED.cdi_reviewed_at`

	f := rec.Fields
	_, err := s.db.Exec(ctx, q,
		rec.AppointmentID,
		f.Get(cdi.FieldChiefComplaint),
		f.Get(cdi.FieldHistoryOfIllness),
		f.Get(cdi.FieldHistory),
		f.Get(cdi.FieldROS),
		f.Get(cdi.FieldPhysicalExam),
		f.Get(cdi.FieldVitalSigns),
		f.Get(cdi.FieldDiagnosis),
		f.Get(cdi.FieldPlan),
		f.Get(cdi.FieldAssessment),
		f.Get(cdi.FieldClinicalImpression),
		rec.Notes,
		rec.Status,
		rec.ReviewedAt,
	)
	if err != nil {
		return &chart.PersistenceError{Op: "upsert cdi", Err: err}
	}
	return nil
}

// GetCDI returns the CDI record for the appointment, or [chart.ErrNotFound].
func (s *Store) GetCDI(ctx context.Context, appointmentID uuid.UUID) (*chart.CDIRecord, error) {
	const q = `
SELECT chief_complaint, history_of_illness, history, ros, physical_exam,
       vital_signs, diagnosis, plan, assessment, clinical_impression,
       cdi_notes, cdi_status, cdi_reviewed_at
FROM cdi_records WHERE appointment_id = $1`

	rec := chart.CDIRecord{
		AppointmentID: appointmentID,
		Fields:        make(cdi.Fields, len(cdi.FieldKeys)),
	}
	var (
		chiefComplaint, historyOfIllness, history, ros, physicalExam string
		vitalSigns, diagnosis, plan, assessment, clinicalImpression  string
	)
	err := s.db.QueryRow(ctx, q, appointmentID).Scan(
		&chiefComplaint, &historyOfIllness, &history, &ros, &physicalExam,
		&vitalSigns, &diagnosis, &plan, &assessment, &clinicalImpression,
		&rec.Notes, &rec.Status, &rec.ReviewedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chart.ErrNotFound
	}
	if err != nil {
		return nil, &chart.PersistenceError{Op: "get cdi", Err: err}
	}

	rec.Fields[cdi.FieldChiefComplaint] = chiefComplaint
	rec.Fields[cdi.FieldHistoryOfIllness] = historyOfIllness
	rec.Fields[cdi.FieldHistory] = history
	rec.Fields[cdi.FieldROS] = ros
	rec.Fields[cdi.FieldPhysicalExam] = physicalExam
	rec.Fields[cdi.FieldVitalSigns] = vitalSigns
	rec.Fields[cdi.FieldDiagnosis] = diagnosis
	rec.Fields[cdi.FieldPlan] = plan
	rec.Fields[cdi.FieldAssessment] = assessment
	rec.Fields[cdi.FieldClinicalImpression] = clinicalImpression
	return &rec, nil
}

// GetDemographics resolves the appointment to its patient's demographics.
func (s *Store) GetDemographics(ctx context.Context, appointmentID uuid.UUID) (*chart.Demographics, error) {
	const q = `
SELECT p.id, p.name, p.age, p.gender
FROM appointments a
JOIN patients p ON p.id = a.patient_id
WHERE a.id = $1`

	var d chart.Demographics
	err := s.db.QueryRow(ctx, q, appointmentID).Scan(&d.PatientID, &d.Name, &d.Age, &d.Gender)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chart.ErrNotFound
	}
	if err != nil {
		return nil, &chart.PersistenceError{Op: "get demographics", Err: err}
	}
	return &d, nil
}
