package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chartflow/chartflow/internal/capture"
	"github.com/chartflow/chartflow/internal/health"
	"github.com/chartflow/chartflow/internal/observe"
)

// shutdownTimeout bounds graceful shutdown once Serve's context is done.
const shutdownTimeout = 10 * time.Second

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on (e.g., ":8080").
	ListenAddr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
}

// Server is the assembled HTTP surface: the pipeline API under /api, the
// capture WebSocket, and the operational endpoints.
type Server struct {
	echo *echo.Echo
	cfg  ServerConfig
}

// NewServer builds the echo server with middleware and all routes
// registered.
func NewServer(cfg ServerConfig, api *Handler, ws *capture.Handler, hc *health.Handler, metrics *observe.Metrics) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(observe.Middleware(metrics))

	hc.Register(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ws/capture/:appointmentID", ws.Handle)

	api.RegisterRoutes(e.Group("/api"))

	return &Server{echo: e, cfg: cfg}
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Serve runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = s.echo.StartTLS(s.cfg.ListenAddr, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.echo.Start(s.cfg.ListenAddr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
