// Package app assembles the runtime object graph from configuration. Both the
// daemon and the CLI build on it.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/billing"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/export"
	"github.com/joseph-ayodele/docjobs/internal/extraction"
	"github.com/joseph-ayodele/docjobs/internal/extraction/local"
	"github.com/joseph-ayodele/docjobs/internal/extraction/remote"
	"github.com/joseph-ayodele/docjobs/internal/jobs"
	"github.com/joseph-ayodele/docjobs/internal/llm"
	"github.com/joseph-ayodele/docjobs/internal/llm/provider"
	"github.com/joseph-ayodele/docjobs/internal/ocr"
	"github.com/joseph-ayodele/docjobs/internal/quota"
	"github.com/joseph-ayodele/docjobs/internal/repository"
	"github.com/joseph-ayodele/docjobs/internal/services/account"
	"github.com/joseph-ayodele/docjobs/internal/storage"
)

// App holds every long-lived component.
type App struct {
	Config *common.Config
	Logger *slog.Logger

	DB       *repository.DB
	Accounts repository.AccountRepository
	Jobs     repository.JobRepository
	History  repository.HistoryRepository

	Ledger     *quota.Ledger
	Store      *storage.Gateway
	OCR        *ocr.Extractor
	Extraction extraction.Client
	Invoker    llm.Invoker
	Analyzer   *llm.Analyzer

	Controller  *jobs.Controller
	AccountSvc  *account.Service
	Exporter    *export.Service
	Billing     *billing.Handler
	localEngine *local.Engine
}

// OpenDB connects and optionally migrates without building the rest.
func OpenDB(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*repository.DB, error) {
	return repository.Open(ctx, repository.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime.Duration,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime.Duration,
		DialTimeout:     cfg.Database.DialTimeout.Duration,
	}, logger)
}

// Build validates cfg, connects to the database, applies migrations and wires
// the job controller with its collaborators.
func Build(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	db, err := OpenDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Accounts: repository.NewAccountRepository(db, logger),
		Jobs:     repository.NewJobRepository(db, logger),
		History:  repository.NewHistoryRepository(db, logger),
	}
	fail := func(err error) (*App, error) {
		a.Close(context.Background())
		return nil, err
	}

	a.Ledger = quota.NewLedger(a.Accounts, quota.PolicyFromConfig(cfg.Quota),
		quota.WithMaxRetries(cfg.Quota.MaxRetries), quota.WithLogger(logger))

	backend, err := storage.NewBackend(ctx, cfg.Storage)
	if err != nil {
		return fail(err)
	}
	secret := cfg.Storage.SigningKey
	if secret == "" {
		secret = randomSecret()
		logger.Warn("storage.signing_key.ephemeral", "hint", "set STORAGE_SIGNING_KEY so download links survive restarts")
	}
	a.Store = storage.NewGateway(backend, storage.NewSigner(secret, cfg.Server.PublicBaseURL),
		cfg.Storage.DownloadTTL.Duration, logger)

	a.OCR = ocr.NewExtractor(OCRConfig(cfg), logger)

	switch cfg.Extraction.Backend {
	case "remote":
		c, err := remote.NewClient(ctx, remote.Config{
			BaseURL:      cfg.Extraction.BaseURL,
			APIKey:       cfg.Extraction.APIKey,
			TokenURL:     cfg.Extraction.TokenURL,
			ClientID:     cfg.Extraction.ClientID,
			ClientSecret: cfg.Extraction.ClientSecret,
			RPS:          cfg.Extraction.RequestsPerSecond,
			Timeout:      cfg.Extraction.SubmitTimeout.Duration,
		}, logger)
		if err != nil {
			return fail(err)
		}
		a.Extraction = c
	default:
		a.localEngine = local.NewEngine(local.Config{
			PageSize:   cfg.Extraction.PageSize,
			Workers:    cfg.Extraction.Workers,
			ScratchDir: cfg.OCR.ArtifactCacheDir,
		}, a.Store, a.OCR, logger)
		a.Extraction = a.localEngine
	}

	a.Invoker, err = provider.New(cfg.Enrichment, logger)
	if err != nil {
		return fail(err)
	}
	deps := jobs.Deps{
		Jobs:       a.Jobs,
		Accounts:   a.Accounts,
		Ledger:     a.Ledger,
		Extraction: a.Extraction,
		Store:      a.Store,
	}
	if a.Invoker != nil {
		a.Analyzer = llm.NewAnalyzer(a.Invoker, cfg.Enrichment.MaxChars, logger)
		deps.Analyzer = a.Analyzer
	}

	a.Controller = jobs.NewController(jobs.Config{
		SubmitTimeout: cfg.Extraction.SubmitTimeout.Duration,
		PollTimeout:   cfg.Extraction.PollTimeout.Duration,
		PageTimeout:   cfg.Extraction.PageTimeout.Duration,
		EnrichTimeout: cfg.Enrichment.Timeout.Duration,
		ClaimLease:    cfg.Poller.ClaimLease.Duration,
	}, deps, logger)

	a.AccountSvc = account.NewService(a.Accounts, logger)
	a.Exporter = export.NewService(a.History, logger)
	a.Billing = billing.NewHandler(cfg.Billing.WebhookSecret, cfg.Billing.Tolerance.Duration, a.Accounts, a.Ledger, logger)

	logger.Info("app.ready",
		"db", cfg.Database.Driver,
		"storage", cfg.Storage.Backend,
		"extraction", cfg.Extraction.Backend,
		"enrichment", cfg.Enrichment.Provider,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return a, nil
}

// AccountSource returns a loader that re-reads ref on every call so counters
// and tier are current.
func (a *App) AccountSource(ref string) func(ctx context.Context) (*entity.Account, error) {
	return func(ctx context.Context) (*entity.Account, error) {
		return a.AccountSvc.Lookup(ctx, ref)
	}
}

// Local reports whether extraction runs in this process. Jobs submitted to a
// local engine must be polled by the same process.
func (a *App) Local() bool { return a.localEngine != nil }

// Close stops background workers and closes the database.
func (a *App) Close(ctx context.Context) {
	if a.localEngine != nil {
		a.localEngine.Close(ctx)
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// OCRConfig maps the [ocr] section onto the extractor's settings.
func OCRConfig(cfg *common.Config) ocr.Config {
	return ocr.Config{
		TesseractLang:    cfg.OCR.Language,
		DPI:              cfg.OCR.DPI,
		TessdataDir:      cfg.OCR.TessdataDir,
		HeicConverter:    cfg.OCR.HeicConverter,
		ArtifactCacheDir: cfg.OCR.ArtifactCacheDir,
	}
}

// ParseTier is a CLI helper that rejects unknown tier names.
func ParseTier(s string) (constants.Tier, error) {
	t, ok := constants.CanonicalizeTier(s)
	if !ok {
		return "", fmt.Errorf("unknown tier %q: %w", s, common.ErrInvalidInput)
	}
	return t, nil
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
