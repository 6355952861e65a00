// Package mock provides a test double for the report.Renderer interface.
package mock

import (
	"context"
	"sync"

	"github.com/chartflow/chartflow/internal/report"
)

// Renderer is a mock implementation of report.Renderer. It returns Data and
// ContentType, or Err when set, and records every document it was asked to
// render.
type Renderer struct {
	mu sync.Mutex

	// Data is returned by Render. Defaults to a minimal PDF header so
	// callers that sniff content still work.
	Data []byte

	// ContentType is returned by Render. Default: "application/pdf".
	ContentType string

	// Err, if non-nil, is returned as the error from Render.
	Err error

	// RenderCalls records every document passed to Render in order.
	RenderCalls []report.Document
}

var _ report.Renderer = (*Renderer)(nil)

// Render implements report.Renderer.
func (r *Renderer) Render(_ context.Context, doc report.Document) ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.RenderCalls = append(r.RenderCalls, doc)

	if r.Err != nil {
		return nil, "", r.Err
	}
	data := r.Data
	if data == nil {
		data = []byte("%PDF-1.4\n")
	}
	ct := r.ContentType
	if ct == "" {
		ct = "application/pdf"
	}
	return data, ct, nil
}
