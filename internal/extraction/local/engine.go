// Package local runs text extraction in-process: uploaded objects are copied
// to a scratch file and handed to the tesseract-backed OCR extractor on a
// worker pool. Results are kept in memory and served in cursor-linked pages.
package local

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/async"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/extraction"
	"github.com/joseph-ayodele/docjobs/internal/ocr"
)

// ObjectOpener reads uploaded objects.
type ObjectOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// TextExtractor turns a file on disk into OCR pages.
type TextExtractor interface {
	Extract(ctx context.Context, path string) (ocr.Result, error)
}

var ErrBadCursor = errors.New("invalid cursor")

type Config struct {
	PageSize   int
	Workers    int
	JobTimeout time.Duration
	// ScratchDir holds downloaded objects while OCR runs; empty uses os.TempDir.
	ScratchDir string
	// Retain is how long finished results stay readable.
	Retain time.Duration
}

type jobState struct {
	key      string
	status   constants.JobStatus
	message  string
	blocks   []entity.Block
	pages    int
	finished time.Time
}

type Engine struct {
	cfg       Config
	store     ObjectOpener
	ocr       TextExtractor
	queue     *async.WorkerQueue
	log       *slog.Logger
	now       func() time.Time
	mu        sync.RWMutex
	jobs      map[string]*jobState
	closeOnce sync.Once
}

var _ extraction.Client = (*Engine)(nil)

func NewEngine(cfg Config, store ObjectOpener, extractor TextExtractor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 24 * time.Hour
	}
	e := &Engine{
		cfg:   cfg,
		store: store,
		ocr:   extractor,
		log:   logger,
		now:   time.Now,
		jobs:  make(map[string]*jobState),
	}
	e.queue = async.NewWorkerQueue("extraction", e.process, logger,
		async.WithWorkers(cfg.Workers),
		async.WithProcessTimeout(cfg.JobTimeout))
	return e
}

// Start registers a job and schedules OCR for the referenced object.
func (e *Engine) Start(ctx context.Context, ref extraction.ObjectRef) (string, error) {
	if ref.Key == "" {
		return "", fmt.Errorf("object key is required")
	}
	id := uuid.NewString()

	e.mu.Lock()
	e.gcLocked()
	e.jobs[id] = &jobState{key: ref.Key, status: constants.JobStatusInProgress}
	e.mu.Unlock()

	if err := e.queue.Enqueue(ctx, async.Task{Key: id}); err != nil {
		e.mu.Lock()
		delete(e.jobs, id)
		e.mu.Unlock()
		return "", fmt.Errorf("schedule extraction: %w", err)
	}
	e.log.Info("extraction.local.start", "job_id", id, "key", ref.Key)
	return id, nil
}

// GetStatus reports job state and, once finished, one page of blocks.
// Jobs this process has no record of (for example after a restart) report
// FAILED so callers stop polling them.
func (e *Engine) GetStatus(_ context.Context, jobID, cursor string) (extraction.Page, error) {
	e.mu.RLock()
	st, ok := e.jobs[jobID]
	var snapshot jobState
	if ok {
		snapshot = *st
	}
	e.mu.RUnlock()

	if !ok {
		return extraction.Page{Status: constants.JobStatusFailed, StatusMessage: "unknown job"}, nil
	}
	switch snapshot.status {
	case constants.JobStatusFailed:
		return extraction.Page{Status: snapshot.status, StatusMessage: snapshot.message}, nil
	case constants.JobStatusSucceeded:
	default:
		return extraction.Page{Status: snapshot.status}, nil
	}

	offset := 0
	if cursor != "" {
		var err error
		if offset, err = decodeCursor(jobID, cursor); err != nil {
			return extraction.Page{}, err
		}
		if offset > len(snapshot.blocks) {
			return extraction.Page{}, ErrBadCursor
		}
	}
	end := min(offset+e.cfg.PageSize, len(snapshot.blocks))
	page := extraction.Page{
		Status: constants.JobStatusSucceeded,
		Blocks: snapshot.blocks[offset:end],
		Pages:  snapshot.pages,
	}
	if end < len(snapshot.blocks) {
		page.NextCursor = encodeCursor(jobID, end)
	}
	return page, nil
}

// Close stops accepting jobs and waits for running OCR up to ctx.
func (e *Engine) Close(ctx context.Context) {
	e.closeOnce.Do(func() { e.queue.Shutdown(ctx) })
}

func (e *Engine) process(ctx context.Context, t async.Task) error {
	start := time.Now()
	e.mu.RLock()
	st, ok := e.jobs[t.Key]
	var key string
	if ok {
		key = st.key
	}
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	res, err := e.run(ctx, key)

	e.mu.Lock()
	defer e.mu.Unlock()
	st.finished = e.now()
	if err != nil {
		st.status = constants.JobStatusFailed
		st.message = err.Error()
		e.log.Warn("extraction.local.failed", "job_id", t.Key, "err", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return err
	}
	st.status = constants.JobStatusSucceeded
	st.blocks = res.Blocks()
	st.pages = len(res.Pages)
	e.log.Info("extraction.local.done", "job_id", t.Key, "pages", st.pages, "blocks", len(st.blocks),
		"elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func (e *Engine) run(ctx context.Context, key string) (ocr.Result, error) {
	rc, err := e.store.Open(ctx, key)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("open object: %w", err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(e.cfg.ScratchDir, "extract-*"+strings.ToLower(filepath.Ext(key)))
	if err != nil {
		return ocr.Result{}, fmt.Errorf("scratch file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return ocr.Result{}, fmt.Errorf("copy object: %w", err)
	}
	if err := f.Close(); err != nil {
		return ocr.Result{}, err
	}
	return e.ocr.Extract(ctx, f.Name())
}

// gcLocked drops finished jobs older than the retention period.
func (e *Engine) gcLocked() {
	cutoff := e.now().Add(-e.cfg.Retain)
	for id, st := range e.jobs {
		if !st.finished.IsZero() && st.finished.Before(cutoff) {
			delete(e.jobs, id)
		}
	}
}

func encodeCursor(jobID string, offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(jobID + ":" + strconv.Itoa(offset)))
}

func decodeCursor(jobID, cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrBadCursor
	}
	id, off, ok := strings.Cut(string(raw), ":")
	if !ok || id != jobID {
		return 0, ErrBadCursor
	}
	n, err := strconv.Atoi(off)
	if err != nil || n < 0 {
		return 0, ErrBadCursor
	}
	return n, nil
}
