package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/jobs"
)

// Inbox uploads local files and submits them as jobs. Files with content
// already submitted by this Inbox are skipped.
type Inbox struct {
	store   Uploader
	submit  Submitter
	account AccountSource
	profile string
	log     *slog.Logger

	mu   sync.Mutex
	seen map[string]string // content hash -> job id
}

func NewInbox(store Uploader, submit Submitter, account AccountSource, profile string, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		store:   store,
		submit:  submit,
		account: account,
		profile: profile,
		log:     logger,
		seen:    make(map[string]string),
	}
}

// IngestPath uploads and submits a single file.
func (i *Inbox) IngestPath(ctx context.Context, path string) (Result, error) {
	start := time.Now()
	out := Result{SourcePath: path}

	abs, err := filepath.Abs(path)
	if err != nil {
		return out, fmt.Errorf("abs path: %w", err)
	}
	out.SourcePath = abs
	ext := constants.NormalizeExt(filepath.Ext(abs))
	if ext == "" || !AllowedExt(ext) {
		return out, fmt.Errorf("unsupported or missing extension: %q", ext)
	}

	sum, size, err := hashFile(abs)
	if err != nil {
		return out, err
	}
	out.HashHex, out.Size = sum, size

	i.mu.Lock()
	prior, dup := i.seen[sum]
	i.mu.Unlock()
	if dup {
		out.JobID = prior
		out.Deduplicated = true
		i.log.Info("ingest.skip.duplicate", "path", abs, "job_id", prior)
		return out, nil
	}

	acct, err := i.account(ctx)
	if err != nil {
		return out, fmt.Errorf("load account: %w", err)
	}

	out.ObjectKey = jobs.UploadKey(acct.ID, filepath.Base(abs))
	req := jobs.SubmitRequest{
		Account:           acct,
		ObjectKey:         out.ObjectKey,
		OriginalFilename:  filepath.Base(abs),
		FileSize:          size,
		EnrichmentProfile: i.profile,
	}
	if err := i.submit.Admit(ctx, req); err != nil {
		return out, err
	}

	f, err := os.Open(abs)
	if err != nil {
		return out, fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if err := i.store.PutStream(ctx, out.ObjectKey, f, size, constants.ContentTypeForExt(ext)); err != nil {
		return out, fmt.Errorf("upload: %w", err)
	}

	job, err := i.submit.Submit(ctx, req)
	if err != nil {
		return out, err
	}
	out.JobID = job.ID

	i.mu.Lock()
	i.seen[sum] = job.ID
	i.mu.Unlock()
	i.log.Info("ingest.submitted", "path", abs, "job_id", job.ID, "bytes", size,
		"elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

// IngestDirectory walks root, skips hidden entries if requested, and calls
// IngestPath for each accepted file. Per-file failures are collected, not returned.
func (i *Inbox) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]Result, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, errors.New("root path is required")
	}

	var results []Result
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, Result{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++

		r, err := i.IngestPath(ctx, path)
		if err != nil {
			r.Err = err.Error()
			results = append(results, r)
			stats.Failed++
			i.log.Warn("ingest.failed", "path", path, "err", err)
			return nil
		}
		results = append(results, r)
		if r.Deduplicated {
			stats.Deduplicated++
		} else {
			stats.Submitted++
		}
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	return results, stats, nil
}

// Watch ingests every file the watcher reports until ctx ends.
func (i *Inbox) Watch(ctx context.Context, cfg WatchConfig, onResult func(Result)) error {
	paths, errs, err := StartWatcher(ctx, cfg, i.log)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-paths:
			if !ok {
				return nil
			}
			if cfg.SkipHidden && IsHidden(p) {
				continue
			}
			r, err := i.IngestPath(ctx, p)
			if err != nil {
				r.Err = err.Error()
				i.log.Warn("ingest.failed", "path", p, "err", err)
			}
			if onResult != nil {
				onResult(r)
			}
		case err, ok := <-errs:
			if ok && err != nil {
				i.log.Warn("ingest.watch.error", "err", err)
			}
		}
	}
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
