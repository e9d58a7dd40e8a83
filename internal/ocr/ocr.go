// Package ocr turns PDFs and images into page/line/word text using the
// tesseract and poppler command-line tools.
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/docjobs/constants"
)

type Config struct {
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	TesseractLang string // default "eng"
	DPI           int    // rasterization DPI for PDFs, default 300
	MaxPages      int    // 0 = no limit

	TessdataDir   string
	HeicConverter string

	PSM int // e.g., 6 is good for uniform block of text
	OEM int // 1 = LSTM; leave 0 to use default

	ArtifactCacheDir string

	// CommandTimeout bounds each external tool run; 0 means DefaultCommandTimeout.
	CommandTimeout time.Duration
}

// Word is a single recognised token. Confidence is 0..100.
type Word struct {
	Text       string
	Confidence float64
}

// Line is a run of words on one text line.
type Line struct {
	Text       string
	Confidence float64
	Words      []Word
}

// Page holds the lines recognised on one page, in reading order.
type Page struct {
	Number     int
	Confidence float64
	Lines      []Line
}

type Result struct {
	Pages      []Page
	SourceType string // constants.PDF | constants.IMAGE
	Language   string
	Duration   time.Duration
	Warnings   []string
}

type Extractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

type Option func(*Extractor)

// WithRunner swaps the command runner, mainly for tests.
func WithRunner(r Runner) Option {
	return func(e *Extractor) { e.runner = r }
}

func NewExtractor(cfg Config, logger *slog.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.ArtifactCacheDir == "" {
		cfg.ArtifactCacheDir = "./tmp"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	e := &Extractor{cfg: cfg, runner: execRunner{logger: logger, timeout: cfg.CommandTimeout}, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract picks a strategy based on file extension.
func (e *Extractor) Extract(ctx context.Context, path string) (Result, error) {
	start := time.Now()
	ext := constants.NormalizeExt(filepath.Ext(path))
	e.logger.Debug("ocr.extract.start", "path", path, "ext", ext)

	var (
		res Result
		err error
	)
	switch constants.MapExtToFormat(ext) {
	case constants.PDF:
		res, err = e.extractPDF(ctx, path)
	case constants.IMAGE:
		var warns []string
		if constants.IsHEICExt(ext) {
			out, w, cleanup, cerr := convertHEICtoPNG(ctx, e.runner, e.cfg.HeicConverter, path, e.cfg.ArtifactCacheDir)
			warns = append(warns, w...)
			if cleanup != nil {
				defer cleanup()
			}
			if cerr != nil {
				e.logger.Error("ocr.heic.error", "path", path, "err", cerr)
				return Result{SourceType: constants.IMAGE, Warnings: warns}, cerr
			}
			path = out
		}
		res, err = e.extractImage(ctx, path)
		res.Warnings = append(res.Warnings, warns...)
	default:
		e.logger.Error("ocr.extract.unsupported", "ext", ext)
		return Result{}, fmt.Errorf("unsupported extension: %q", ext)
	}
	res.Duration = time.Since(start)
	res.Language = e.cfg.TesseractLang
	if err != nil {
		e.logger.Error("ocr.extract.error", "path", path, "err", err, "elapsed_ms", res.Duration.Milliseconds())
		return res, err
	}
	e.logger.Info("ocr.extract.done", "path", path, "pages", len(res.Pages),
		"source", res.SourceType, "elapsed_ms", res.Duration.Milliseconds())
	return res, nil
}
