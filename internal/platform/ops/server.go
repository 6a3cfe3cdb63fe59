// Package ops serves the loader's operational endpoints: liveness, database
// pool health and ingest counters.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirparams/internal/ingest"
	"github.com/ehr/fhirparams/internal/platform/db"
)

// StatsFunc reports the ingest counters. It may be nil when nothing is
// being ingested.
type StatsFunc func() ingest.PoolStats

// Server wires the operational routes onto an echo instance.
type Server struct {
	echo   *echo.Echo
	logger zerolog.Logger
}

// NewServer registers /health, /health/db and /stats. pool or sdb may be nil
// depending on the engine in use.
func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, sdb *sqlx.DB, stats StatsFunc) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(Recovery(logger))
	e.Use(RequestID())
	e.Use(Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, sdb))
	e.GET("/stats", statsHandler(stats))

	return &Server{echo: e, logger: logger}
}

func statsHandler(stats StatsFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if stats == nil {
			return c.JSON(http.StatusOK, ingest.PoolStats{})
		}
		return c.JSON(http.StatusOK, stats())
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start(addr string) {
	go func() {
		s.logger.Info().Str("addr", addr).Msg("starting ops server")
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("ops server error")
		}
	}()
}

// Shutdown stops the server, waiting up to ten seconds for requests in flight.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
