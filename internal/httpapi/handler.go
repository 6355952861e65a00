// Package httpapi exposes the documentation pipeline over HTTP. Routes are
// grouped under /api/appointments/:appointmentID and map one-to-one onto
// pipeline operations; the WebSocket capture endpoint and the operational
// endpoints (health, metrics) are registered on the server root.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chartflow/chartflow/internal/cdi"
	"github.com/chartflow/chartflow/internal/chart"
	"github.com/chartflow/chartflow/internal/note"
	"github.com/chartflow/chartflow/internal/note/extract"
	"github.com/chartflow/chartflow/internal/pipeline"
	"github.com/chartflow/chartflow/internal/report"
)

// Handler provides the HTTP endpoints for the documentation pipeline.
type Handler struct {
	pipeline *pipeline.Service
	store    chart.Store
	renderer report.Renderer
}

// NewHandler creates a new pipeline API handler.
func NewHandler(p *pipeline.Service, store chart.Store, renderer report.Renderer) *Handler {
	return &Handler{
		pipeline: p,
		store:    store,
		renderer: renderer,
	}
}

// RegisterRoutes registers the pipeline endpoints on the provided group
// (typically /api).
//
//	POST   /appointments/:appointmentID/chart/extract - transcript extraction
//	GET    /appointments/:appointmentID/chart         - load chart as a structured note
//	PUT    /appointments/:appointmentID/chart         - persist edited note
//	GET    /appointments/:appointmentID/note          - active-note resolution (CDI over base)
//	POST   /appointments/:appointmentID/cdi/improve   - improvement pass, opens review
//	PUT    /appointments/:appointmentID/cdi/review    - edit a field of the open review
//	DELETE /appointments/:appointmentID/cdi/review    - cancel the open review
//	POST   /appointments/:appointmentID/cdi           - confirm review as CDI record
//	GET    /appointments/:appointmentID/report        - rendered document
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/appointments/:appointmentID/chart/extract", h.ExtractChart)
	g.GET("/appointments/:appointmentID/chart", h.GetChart)
	g.PUT("/appointments/:appointmentID/chart", h.SaveChart)
	g.GET("/appointments/:appointmentID/note", h.ActiveNote)
	g.POST("/appointments/:appointmentID/cdi/improve", h.StartImprovement)
	g.PUT("/appointments/:appointmentID/cdi/review", h.EditReview)
	g.DELETE("/appointments/:appointmentID/cdi/review", h.CancelReview)
	g.POST("/appointments/:appointmentID/cdi", h.ConfirmImprovement)
	g.GET("/appointments/:appointmentID/report", h.Report)
}

type extractRequest struct {
	Transcript string `json:"transcript"`
}

type chartPayload struct {
	Note             note.StructuredNote `json:"note"`
	RawTranscription string              `json:"raw_transcription"`
}

type reviewPayload struct {
	Original cdi.Fields      `json:"original"`
	Improved cdi.Fields      `json:"improved"`
	Diffs    []cdi.FieldDiff `json:"diffs"`
	Notes    string          `json:"notes"`
}

type editReviewRequest struct {
	Field string  `json:"field"`
	Value string  `json:"value"`
	Notes *string `json:"notes"`
}

type cdiRecordPayload struct {
	AppointmentID uuid.UUID  `json:"appointment_id"`
	Fields        cdi.Fields `json:"fields"`
	Notes         string     `json:"notes"`
	Status        string     `json:"status"`
	ReviewedAt    time.Time  `json:"reviewed_at"`
}

// ExtractChart handles POST /appointments/:appointmentID/chart/extract. It
// runs the extraction contract over the submitted transcript and returns the
// structured note without persisting anything. The WebSocket capture
// endpoint is the animated variant of this operation.
func (h *Handler) ExtractChart(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}

	var req extractRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	n, err := h.pipeline.Extract(c.Request().Context(), id, req.Transcript)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, chartPayload{Note: n, RawTranscription: req.Transcript})
}

// GetChart handles GET /appointments/:appointmentID/chart.
func (h *Handler) GetChart(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}

	n, raw, err := h.pipeline.LoadNote(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, chartPayload{Note: n, RawTranscription: raw})
}

// SaveChart handles PUT /appointments/:appointmentID/chart. The submitted
// note is flattened and upserted as the appointment's base chart.
func (h *Handler) SaveChart(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}

	var req chartPayload
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.pipeline.SaveChart(c.Request().Context(), id, req.Note, req.RawTranscription); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ActiveNote handles GET /appointments/:appointmentID/note: the resolved
// field set with CDI values superseding base chart values.
func (h *Handler) ActiveNote(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}

	fields, err := h.pipeline.ActiveNote(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, fields)
}

// StartImprovement handles POST /appointments/:appointmentID/cdi/improve.
// On success a review session is open and its initial state is returned.
func (h *Handler) StartImprovement(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}

	review, err := h.pipeline.StartImprovement(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reviewState(review))
}

// EditReview handles PUT /appointments/:appointmentID/cdi/review. A request
// may edit one field, replace the CDI notes, or both.
func (h *Handler) EditReview(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}

	review, ok := h.pipeline.Review(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, pipeline.ErrNoReview.Error())
	}

	var req editReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Field != "" {
		if err := review.Edit(req.Field, req.Value); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.Notes != nil {
		review.SetNotes(*req.Notes)
	}
	return c.JSON(http.StatusOK, reviewState(review))
}

// CancelReview handles DELETE /appointments/:appointmentID/cdi/review.
func (h *Handler) CancelReview(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}

	if err := h.pipeline.CancelImprovement(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ConfirmImprovement handles POST /appointments/:appointmentID/cdi: the
// current (possibly hand-edited) improved fields become the CDI record.
func (h *Handler) ConfirmImprovement(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}

	rec, err := h.pipeline.ConfirmImprovement(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cdiRecordPayload{
		AppointmentID: rec.AppointmentID,
		Fields:        rec.Fields,
		Notes:         rec.Notes,
		Status:        rec.Status,
		ReviewedAt:    rec.ReviewedAt,
	})
}

// Report handles GET /appointments/:appointmentID/report. The renderer
// receives the resolved active-note field set; CDI values already supersede
// base chart values.
func (h *Handler) Report(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	if h.renderer == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "no report renderer configured")
	}
	ctx := c.Request().Context()

	fields, err := h.pipeline.ActiveNote(ctx, id)
	if err != nil {
		return httpError(err)
	}

	doc := report.Document{
		AppointmentID: id,
		Fields:        fields,
		GeneratedAt:   time.Now(),
	}
	if demo, err := h.store.GetDemographics(ctx, id); err == nil {
		doc.PatientName = demo.Name
	}
	if _, err := h.store.GetCDI(ctx, id); err == nil {
		doc.CDIReviewed = true
	}

	data, contentType, err := h.renderer.Render(ctx, doc)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "render report: "+err.Error())
	}
	return c.Blob(http.StatusOK, contentType, data)
}

// reviewState snapshots a review session for the client.
func reviewState(r *cdi.Review) reviewPayload {
	return reviewPayload{
		Original: r.Original(),
		Improved: r.Improved(),
		Diffs:    r.Diffs(),
		Notes:    r.Notes(),
	}
}

// appointmentID parses the :appointmentID route parameter.
func appointmentID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("appointmentID"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	return id, nil
}

// httpError maps pipeline and store failures to HTTP status codes.
func httpError(err error) error {
	var pe *chart.PersistenceError
	switch {
	case errors.Is(err, extract.ErrEmptyTranscript):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, chart.ErrNotFound), errors.Is(err, pipeline.ErrNoReview):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, extract.ErrService), errors.Is(err, cdi.ErrService):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, extract.ErrParse), errors.Is(err, cdi.ErrParse):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.As(err, &pe):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
