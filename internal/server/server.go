// Package server is the HTTP and gRPC surface of the daemon.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/joseph-ayodele/docjobs/internal/billing"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/jobs"
	"github.com/joseph-ayodele/docjobs/internal/quota"
)

// Authenticator resolves the caller's account from an API key.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*entity.Account, error)
}

// JobService is the part of the job controller the API drives.
type JobService interface {
	Admit(ctx context.Context, req jobs.SubmitRequest) error
	Submit(ctx context.Context, req jobs.SubmitRequest) (*entity.Job, error)
	Get(ctx context.Context, jobID string) (*entity.Job, error)
	Poll(ctx context.Context, jobID string) (*entity.Job, error)
}

// ObjectStore uploads sources and serves signed downloads.
type ObjectStore interface {
	PutStream(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	PresignDownload(key string, ttl time.Duration) (string, error)
	VerifyDownload(key, expires, sig string) error
}

type UsageReader interface {
	Usage(ctx context.Context, accountID uuid.UUID) (quota.Usage, error)
}

type HistoryLister interface {
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*entity.HistoryRecord, error)
}

type Exporter interface {
	ExportHistoryXLSX(ctx context.Context, accountID uuid.UUID, from, to *time.Time) ([]byte, int, error)
}

type WebhookHandler interface {
	Handle(ctx context.Context, payload []byte, header string) (billing.Outcome, error)
}

// Config holds HTTP settings.
type Config struct {
	MaxUploadBytes int64
	DownloadTTL    time.Duration
}

// Deps are the services behind the routes.
type Deps struct {
	Accounts Authenticator
	Jobs     JobService
	Store    ObjectStore
	Usage    UsageReader
	History  HistoryLister
	Exporter Exporter
	Billing  WebhookHandler
}

// Server wires routes onto an echo instance.
type Server struct {
	cfg    Config
	deps   Deps
	echo   *echo.Echo
	logger *slog.Logger
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if cfg.DownloadTTL <= 0 {
		cfg.DownloadTTL = 300 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, echo: echo.New(), logger: logger}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:        uuid.NewString,
		RequestIDHandler: attachRequestID,
	}))
	e.Use(s.accessLog())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.POST("/v1/billing/webhook", s.billingWebhook)
	e.GET("/v1/downloads/*", s.download)

	api := e.Group("/v1", s.requireAPIKey)
	api.POST("/documents", s.submitDocument, middleware.BodyLimit(bodyLimit(s.cfg.MaxUploadBytes)))
	api.GET("/jobs/:id", s.getJob)
	api.GET("/account", s.getAccount)
	api.GET("/history", s.listHistory)
	api.GET("/history/export", s.exportHistory)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("http.listen", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
