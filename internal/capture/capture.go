// Package capture implements the transcription capture session: a WebSocket
// endpoint that accumulates transcript segments streamed from the browser's
// speech recognizer and, on finalize, runs the extraction contract and
// streams the reveal sequence back to the client step by step.
//
// A session exclusively owns its transcript and lives for exactly one
// recording; the client opens a fresh socket per recording. Nothing is
// persisted by this package; the client submits the note for persistence
// after the user's edits.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/metric"

	"github.com/chartflow/chartflow/internal/note"
	"github.com/chartflow/chartflow/internal/note/extract"
	"github.com/chartflow/chartflow/internal/note/reveal"
	"github.com/chartflow/chartflow/internal/observe"
	"github.com/chartflow/chartflow/internal/pipeline"
)

// Client message types.
const (
	// MessageSegment appends a transcript segment to the session.
	MessageSegment = "segment"

	// MessageFinalize ends recording and starts extraction + reveal.
	MessageFinalize = "finalize"

	// MessageCancel discards the session without extraction.
	MessageCancel = "cancel"
)

// Server event types.
const (
	// EventReveal is one reveal sequencer step (animating or revealed).
	EventReveal = "reveal"

	// EventComplete carries the fully revealed note; the socket closes after.
	EventComplete = "complete"

	// EventError carries a terminal failure; the socket closes after.
	EventError = "error"
)

// Message is a client-to-server frame.
type Message struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Event is a server-to-client frame.
type Event struct {
	Type     string               `json:"type"`
	Phase    string               `json:"phase,omitempty"`
	Field    string               `json:"field,omitempty"`
	Progress int                  `json:"progress,omitempty"`
	Note     *note.StructuredNote `json:"note,omitempty"`
	Message  string               `json:"message,omitempty"`
	Code     string               `json:"code,omitempty"`
}

// Session accumulates transcript segments for one recording. It is owned by
// a single socket; the mutex only guards against the server's writer racing
// a late reader during shutdown.
type Session struct {
	mu        sync.Mutex
	segments  []string
	finalized bool
}

// Append adds a transcript segment. Appends after finalize are ignored.
func (s *Session) Append(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	if t := strings.TrimSpace(text); t != "" {
		s.segments = append(s.segments, t)
	}
}

// Finalize marks the session complete and returns the accumulated
// transcript, segments joined with single spaces.
func (s *Session) Finalize() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return strings.Join(s.segments, " ")
}

// Transcript returns the accumulated transcript so far.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.segments, " ")
}

// Option is a functional option for configuring a [Handler].
type Option func(*Handler)

// WithRevealOptions sets the reveal sequencer options (delays, sleep func).
func WithRevealOptions(opts ...reveal.Option) Option {
	return func(h *Handler) {
		h.revealOpts = opts
	}
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithInsecureSkipVerify disables WebSocket origin checking. Development
// only; the browser client and API are served from different ports there.
func WithInsecureSkipVerify() Option {
	return func(h *Handler) {
		h.skipVerify = true
	}
}

// Handler serves the capture WebSocket endpoint.
type Handler struct {
	pipeline   *pipeline.Service
	revealOpts []reveal.Option
	metrics    *observe.Metrics
	skipVerify bool
}

// NewHandler creates a capture Handler over the pipeline service.
func NewHandler(p *pipeline.Service, opts ...Option) *Handler {
	h := &Handler{pipeline: p}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Handle upgrades the request to a WebSocket and drives one capture session
// for the appointment in the :appointmentID route parameter.
func (h *Handler) Handle(c echo.Context) error {
	appointmentID, err := uuid.Parse(c.Param("appointmentID"))
	if err != nil {
		return echo.NewHTTPError(400, "invalid appointment id")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: h.skipVerify,
	})
	if err != nil {
		return fmt.Errorf("capture: accept: %w", err)
	}

	ctx := c.Request().Context()
	h.metrics.ActiveCaptures.Add(ctx, 1)
	defer h.metrics.ActiveCaptures.Add(context.WithoutCancel(ctx), -1)

	h.run(ctx, conn, appointmentID)
	return nil
}

// run reads client frames until finalize or cancel, then streams the reveal.
func (h *Handler) run(ctx context.Context, conn *websocket.Conn, appointmentID uuid.UUID) {
	session := &Session{}
	logger := observe.Logger(ctx).With("appointment_id", appointmentID.String())

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			// Client went away mid-recording; nothing was persisted.
			logger.Debug("capture socket closed", "err", err)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		switch msg.Type {
		case MessageSegment:
			session.Append(msg.Text)

		case MessageCancel:
			conn.Close(websocket.StatusNormalClosure, "cancelled")
			return

		case MessageFinalize:
			h.finalize(ctx, conn, appointmentID, session)
			return

		default:
			h.send(ctx, conn, Event{
				Type:    EventError,
				Code:    "bad_message",
				Message: fmt.Sprintf("unknown message type %q", msg.Type),
			})
			conn.Close(websocket.StatusUnsupportedData, "unknown message type")
			return
		}
	}
}

// finalize runs extraction and streams the reveal sequence.
func (h *Handler) finalize(ctx context.Context, conn *websocket.Conn, appointmentID uuid.UUID, session *Session) {
	transcript := session.Finalize()

	extracted, err := h.pipeline.Extract(ctx, appointmentID, transcript)
	if err != nil {
		h.send(ctx, conn, Event{Type: EventError, Code: errorCode(err), Message: err.Error()})
		conn.Close(websocket.StatusInternalError, "extraction failed")
		return
	}

	seq := reveal.New(h.revealOpts...)
	final, err := seq.Run(ctx, extracted, func(ev reveal.Event) {
		h.send(ctx, conn, Event{
			Type:     EventReveal,
			Phase:    string(ev.Phase),
			Field:    ev.Field,
			Progress: ev.Progress,
			Note:     &ev.Note,
		})
		if ev.Phase == reveal.PhaseRevealed {
			h.metrics.RevealSteps.Add(ctx, 1,
				metric.WithAttributes(observe.Attr("field", ev.Field)))
		}
	})
	if err != nil {
		// Context cancellation mid-reveal; the partial state is abandoned.
		conn.Close(websocket.StatusGoingAway, "reveal abandoned")
		return
	}

	h.send(ctx, conn, Event{Type: EventComplete, Progress: 100, Note: &final})
	conn.Close(websocket.StatusNormalClosure, "complete")
}

func (h *Handler) send(ctx context.Context, conn *websocket.Conn, ev Event) {
	if err := wsjson.Write(ctx, conn, ev); err != nil {
		observe.Logger(ctx).Debug("capture event write failed", "err", err)
	}
}

// errorCode maps pipeline failures to stable client-facing codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, extract.ErrService):
		return "extraction_service_error"
	case errors.Is(err, extract.ErrParse):
		return "extraction_parse_error"
	case errors.Is(err, pipeline.ErrBusy):
		return "busy"
	default:
		return "internal_error"
	}
}
