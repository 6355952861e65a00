package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, result) {
	t.Helper()

	e := echo.New()
	h.Register(e)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	rec, body := serve(t, New(), "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "database", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "provider", Check: func(_ context.Context) error { return nil }},
	)

	rec, body := serve(t, h, "/readyz")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body.Checks["database"] != "ok" {
		t.Errorf("database check = %q, want %q", body.Checks["database"], "ok")
	}
	if body.Checks["provider"] != "ok" {
		t.Errorf("provider check = %q, want %q", body.Checks["provider"], "ok")
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "database", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "provider", Check: func(_ context.Context) error { return nil }},
	)

	rec, body := serve(t, h, "/readyz")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["database"] != "fail: connection refused" {
		t.Errorf("database check = %q", body.Checks["database"])
	}
	if body.Checks["provider"] != "ok" {
		t.Errorf("provider check = %q, want %q", body.Checks["provider"], "ok")
	}
}

func TestReadyz_CheckerReceivesDeadline(t *testing.T) {
	var hadDeadline bool
	h := New(Checker{Name: "database", Check: func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	}})

	serve(t, h, "/readyz")

	if !hadDeadline {
		t.Error("checker context has no deadline")
	}
}
