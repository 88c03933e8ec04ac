// Package ops serves the daemon's operational endpoints: liveness against
// the catalog, Prometheus metrics, and drain status.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/superfly/catalogsync"
)

const (
	shutdownTimeout = 10 * time.Second
	probeTimeout    = 3 * time.Second
)

// Config configures the listener.
type Config struct {
	Listen         string `yaml:"listen"`
	MaxConnections int    `yaml:"max_connections"`
}

// DefaultConfig returns a loopback listener with a small connection cap.
func DefaultConfig() Config {
	return Config{Listen: "127.0.0.1:9464", MaxConnections: 32}
}

// DrainState reports whether a drain loop is active.
type DrainState interface {
	Draining() bool
}

// schemaVersioner is implemented by catalogs with a migrated schema.
type schemaVersioner interface {
	SchemaVersion(ctx context.Context) (int, error)
}

// Dependencies holds what the endpoints read from.
type Dependencies struct {
	Catalog  catalogsync.Catalog
	Drain    DrainState
	Gatherer prometheus.Gatherer
	Logger   logrus.FieldLogger
}

// Server is the ops HTTP server.
type Server struct {
	echo   *echo.Echo
	deps   Dependencies
	logger logrus.FieldLogger
}

// ReleaseStatus describes the oldest not-ready release.
type ReleaseStatus struct {
	ID           int64     `json:"id"`
	ClientLabel  string    `json:"client_label"`
	ContentLabel string    `json:"content_label"`
	Files        int       `json:"files"`
	Entries      int       `json:"entries"`
	CreatedAt    time.Time `json:"created_at"`
}

// Status is the /status response body.
type Status struct {
	Draining      bool           `json:"draining"`
	Pending       bool           `json:"pending"`
	OldestUnready *ReleaseStatus `json:"oldest_unready"`
}

// New builds the server and its routes.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		echo:   echo.New(),
		deps:   deps,
		logger: deps.Logger.WithField("component", "ops"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.WithFields(logrus.Fields{
				"method":      v.Method,
				"uri":         v.URI,
				"status":      v.Status,
				"duration_ms": v.Latency.Milliseconds(),
			}).Debug("ops request")
			return nil
		},
	}))

	s.echo.GET("/healthz", s.healthz)
	s.echo.GET("/status", s.status)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe listens on cfg.Listen and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, cfg.MaxConnections)
}

// Serve accepts on ln, at most maxConns at once when maxConns > 0, until
// ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener, maxConns int) error {
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	s.echo.Listener = ln

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", ln.Addr().String()).Info("ops server listening")
		errCh <- s.echo.Start("")
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("ops server shutdown failed")
		return err
	}
	return nil
}

func (s *Server) healthz(c echo.Context) error {
	if s.deps.Catalog == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "no catalog"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), probeTimeout)
	defer cancel()

	if err := s.deps.Catalog.Ping(ctx); err != nil {
		s.logger.WithError(err).Warn("health check failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
	}

	body := map[string]any{"status": "ok"}
	if sv, ok := s.deps.Catalog.(schemaVersioner); ok {
		v, err := sv.SchemaVersion(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("health check failed")
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
		body["schema_version"] = v
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) status(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), probeTimeout)
	defer cancel()

	var st Status
	if s.deps.Drain != nil {
		st.Draining = s.deps.Drain.Draining()
	}

	if s.deps.Catalog != nil {
		r, err := s.deps.Catalog.OldestUnreadyRelease(ctx)
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		}
		if r != nil {
			entries, err := s.deps.Catalog.CountEntries(ctx, r.ID)
			if err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			}
			st.Pending = true
			st.OldestUnready = &ReleaseStatus{
				ID:           r.ID,
				ClientLabel:  r.Labels.Client,
				ContentLabel: r.Labels.Content,
				Files:        r.Manifest.Len(),
				Entries:      entries,
				CreatedAt:    r.CreatedAt,
			}
		}
	}

	return c.JSON(http.StatusOK, st)
}
