// Package report defines the document renderer collaborator. The pipeline
// hands the renderer a fully resolved flat field set (CDI values already
// superseding base chart values); layout and styling are the renderer's
// concern, not the pipeline's.
package report

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chartflow/chartflow/internal/cdi"
)

// Document is the input to a render: the resolved note fields plus the
// header facts a printed chart carries.
type Document struct {
	AppointmentID uuid.UUID
	PatientName   string
	Fields        cdi.Fields
	CDIReviewed   bool
	GeneratedAt   time.Time
}

// Renderer produces a binary document (typically PDF) from a resolved chart.
type Renderer interface {
	// Render returns the rendered document bytes and its media type.
	Render(ctx context.Context, doc Document) (data []byte, contentType string, err error)
}
