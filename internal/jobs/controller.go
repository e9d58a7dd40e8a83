// Package jobs owns the path from an uploaded object to downloadable results:
// submission with quota admission, single-flight polling, result aggregation,
// the tabular artifact, best-effort enrichment and the history record.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/async"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/extraction"
	"github.com/joseph-ayodele/docjobs/internal/llm"
	"github.com/joseph-ayodele/docjobs/internal/quota"
	"github.com/joseph-ayodele/docjobs/internal/repository"
)

// ObjectStore is the part of the storage gateway the controller writes to.
type ObjectStore interface {
	Bucket() string
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Ledger meters account usage.
type Ledger interface {
	LimitsFor(a *entity.Account) quota.Limits
	Admit(ctx context.Context, accountID uuid.UUID, r quota.Resource) (*entity.Account, error)
	Charge(ctx context.Context, accountID uuid.UUID, r quota.Resource) (quota.Charge, error)
	Refund(ctx context.Context, c quota.Charge) error
}

// Analyzer produces an enrichment document from text.
type Analyzer interface {
	Analyze(ctx context.Context, profile constants.AnalysisProfile, text string) (llm.Analysis, error)
}

type Config struct {
	SubmitTimeout time.Duration
	PollTimeout   time.Duration
	PageTimeout   time.Duration
	EnrichTimeout time.Duration
	// ClaimLease bounds how long one poller may hold a job's finalize claim.
	ClaimLease time.Duration
}

func (c *Config) applyDefaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 15 * time.Second
	}
	if c.EnrichTimeout <= 0 {
		c.EnrichTimeout = 45 * time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 5 * time.Minute
	}
}

// Deps are the collaborators a Controller is built from. Analyzer may be nil,
// in which case every enrichment is skipped.
type Deps struct {
	Jobs       repository.JobRepository
	Accounts   repository.AccountRepository
	Ledger     Ledger
	Extraction extraction.Client
	Store      ObjectStore
	Analyzer   Analyzer
}

type Controller struct {
	cfg        Config
	jobs       repository.JobRepository
	accounts   repository.AccountRepository
	ledger     Ledger
	extraction extraction.Client
	store      ObjectStore
	analyzer   Analyzer
	group      singleflight.Group
	now        func() time.Time
	log        *slog.Logger
}

func NewController(cfg Config, deps Deps, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Controller{
		cfg:        cfg,
		jobs:       deps.Jobs,
		accounts:   deps.Accounts,
		ledger:     deps.Ledger,
		extraction: deps.Extraction,
		store:      deps.Store,
		analyzer:   deps.Analyzer,
		now:        time.Now,
		log:        logger,
	}
}

// SubmitRequest describes an already-uploaded object to process.
type SubmitRequest struct {
	Account          *entity.Account
	ObjectKey        string
	OriginalFilename string
	FileSize         int64
	// EnrichmentProfile enables enrichment when non-empty.
	EnrichmentProfile string
}

// Submit admits the document against the account's quota, charges it and
// starts extraction. A rejected start refunds the charge.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*entity.Job, error) {
	if req.Account == nil || req.ObjectKey == "" {
		return nil, common.NewAppError("INVALID_INPUT", "account and object key are required", common.ErrInvalidInput)
	}
	acct := req.Account
	if err := c.checkSize(acct, req.FileSize); err != nil {
		return nil, err
	}

	charge, err := c.ledger.Charge(ctx, acct.ID, quota.Documents)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sctx, cancel := common.WithTimeout(ctx, c.cfg.SubmitTimeout)
	jobID, err := c.extraction.Start(sctx, extraction.ObjectRef{Bucket: c.store.Bucket(), Key: req.ObjectKey})
	cancel()
	if err != nil {
		c.log.Warn("jobs.submit.upstream_error", "account_id", acct.ID, "key", req.ObjectKey, "err", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		if rErr := c.ledger.Refund(context.WithoutCancel(ctx), charge); rErr != nil {
			c.log.Error("jobs.submit.refund_failed", "account_id", acct.ID, "err", rErr)
		}
		return nil, fmt.Errorf("%w: %w", common.ErrUpstreamSubmission, err)
	}

	profile := ""
	if req.EnrichmentProfile != "" {
		profile = string(constants.CanonicalizeProfile(req.EnrichmentProfile))
	}
	now := c.now().UTC()
	job := &entity.Job{
		ID:                jobID,
		AccountID:         acct.ID,
		SourceObjectKey:   req.ObjectKey,
		OriginalFilename:  req.OriginalFilename,
		FileSize:          req.FileSize,
		Status:            constants.JobStatusSubmitted,
		EnrichmentProfile: profile,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	c.log.Info("jobs.submit.ok", "job_id", jobID, "account_id", acct.ID, "file", req.OriginalFilename,
		"profile", profile, "elapsed_ms", time.Since(start).Milliseconds())
	return job, nil
}

// Admit runs Submit's size and document quota checks without charging, so
// callers can reject a request before uploading anything.
func (c *Controller) Admit(ctx context.Context, req SubmitRequest) error {
	if req.Account == nil {
		return common.NewAppError("INVALID_INPUT", "account is required", common.ErrInvalidInput)
	}
	if err := c.checkSize(req.Account, req.FileSize); err != nil {
		return err
	}
	_, err := c.ledger.Admit(ctx, req.Account.ID, quota.Documents)
	return err
}

func (c *Controller) checkSize(acct *entity.Account, size int64) error {
	limits := c.ledger.LimitsFor(acct)
	if limits.MaxFileSize > 0 && size > limits.MaxFileSize {
		c.log.Info("jobs.submit.too_large", "account_id", acct.ID, "size", size, "max", limits.MaxFileSize)
		return common.NewAppError("FILE_TOO_LARGE",
			fmt.Sprintf("file is %d bytes; %s tier allows %d", size, acct.Tier, limits.MaxFileSize),
			common.ErrFileTooLarge)
	}
	return nil
}

// Get returns a stored job.
func (c *Controller) Get(ctx context.Context, jobID string) (*entity.Job, error) {
	return c.jobs.Get(ctx, jobID)
}

// Poll asks the extraction service for status once and applies what it reports.
// It never waits for the job to finish. Concurrent calls for the same job in
// this process share one upstream call, which outlives any single caller's context.
func (c *Controller) Poll(ctx context.Context, jobID string) (*entity.Job, error) {
	ch := c.group.DoChan(jobID, func() (any, error) {
		return c.poll(context.WithoutCancel(ctx), jobID)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Shared {
		c.log.Debug("jobs.poll.coalesced", "job_id", jobID)
	}
	job, _ := res.Val.(*entity.Job)
	if job == nil {
		return nil, res.Err
	}
	cp := *job
	return &cp, res.Err
}

// PollTask adapts Poll to the async worker queue.
func (c *Controller) PollTask(ctx context.Context, t async.Task) error {
	_, err := c.Poll(ctx, t.Key)
	return err
}

func (c *Controller) poll(ctx context.Context, jobID string) (*entity.Job, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}
	if err := c.jobs.MarkPolled(ctx, jobID, c.now()); err != nil {
		c.log.Warn("jobs.poll.stamp_failed", "job_id", jobID, "err", err)
	}

	start := time.Now()
	pctx, cancel := common.WithTimeout(ctx, c.cfg.PollTimeout)
	page, err := c.extraction.GetStatus(pctx, jobID, "")
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.log.Info("jobs.poll.timeout", "job_id", jobID, "elapsed_ms", time.Since(start).Milliseconds())
			return job, nil
		}
		c.log.Warn("jobs.poll.upstream_error", "job_id", jobID, "err", err)
		return job, fmt.Errorf("%w: %w", common.ErrUpstreamPoll, err)
	}

	switch page.Status {
	case constants.JobStatusSubmitted, constants.JobStatusInProgress:
		if job.Status == constants.JobStatusSubmitted {
			if _, err := c.jobs.Transition(ctx, jobID, constants.JobStatusInProgress, ""); err != nil {
				return job, err
			}
			job.Status = constants.JobStatusInProgress
		}
		return job, nil
	case constants.JobStatusFailed:
		reason := page.StatusMessage
		if reason == "" {
			reason = "extraction failed"
		}
		return c.fail(ctx, job, reason)
	case constants.JobStatusSucceeded:
		job, err = c.finalize(ctx, job, page)
		if errors.Is(err, common.ErrAggregationBusy) {
			return job, nil
		}
		return job, err
	default:
		return job, fmt.Errorf("%w: unexpected status %q", common.ErrUpstreamPoll, page.Status)
	}
}

// fail marks the job FAILED and returns the stored row.
func (c *Controller) fail(ctx context.Context, job *entity.Job, reason string) (*entity.Job, error) {
	if _, err := c.jobs.Transition(ctx, job.ID, constants.JobStatusFailed, reason); err != nil {
		return job, err
	}
	c.log.Warn("jobs.failed", "job_id", job.ID, "account_id", job.AccountID, "reason", reason)
	return c.jobs.Get(ctx, job.ID)
}

// finalize runs once per job under the aggregation claim: collect every
// result page, enforce the page limit, store artifacts, then complete the job
// and record history in one write.
func (c *Controller) finalize(ctx context.Context, job *entity.Job, first extraction.Page) (*entity.Job, error) {
	start := time.Now()
	claimed, err := c.jobs.ClaimAggregation(ctx, job.ID, c.now(), c.cfg.ClaimLease)
	if err != nil {
		return job, err
	}
	if !claimed {
		c.log.Debug("jobs.finalize.busy", "job_id", job.ID)
		return job, common.ErrAggregationBusy
	}
	release := func() {
		if rErr := c.jobs.ReleaseAggregation(context.WithoutCancel(ctx), job.ID); rErr != nil {
			c.log.Error("jobs.finalize.release_failed", "job_id", job.ID, "err", rErr)
		}
	}

	blocks, err := c.Aggregate(ctx, job, first)
	switch {
	case errors.Is(err, common.ErrCursorLoop), errors.Is(err, common.ErrMalformedPage):
		return c.fail(ctx, job, err.Error())
	case err != nil:
		release()
		return job, err
	}
	job.ResultBlocks = blocks
	job.PageCount = countPages(blocks)
	if job.PageCount == 0 {
		job.PageCount = first.Pages
	}

	acct, err := c.accounts.Get(ctx, job.AccountID)
	if err != nil {
		release()
		return job, err
	}
	if limit := c.ledger.LimitsFor(acct).PagesPerDocument; limit > 0 && job.PageCount > limit {
		return c.fail(ctx, job, fmt.Sprintf("%s: %d pages, %s tier allows %d",
			common.ErrPageLimitExceeded, job.PageCount, acct.Tier, limit))
	}

	tabular, err := c.SynthesizeArtifact(ctx, job)
	if err != nil {
		release()
		return job, err
	}
	job.Artifacts = []entity.Artifact{*tabular}

	completion := repository.Completion{PageCount: job.PageCount, TabularKey: tabular.Key}
	if job.EnrichmentProfile != "" {
		outcome := c.Enrich(ctx, job, job.EnrichmentProfile)
		if outcome.Skipped {
			completion.EnrichmentSkipReason = outcome.Reason
		} else {
			completion.EnrichmentKey = outcome.Artifact.Key
			job.Artifacts = append(job.Artifacts, *outcome.Artifact)
		}
	}

	completion.History = &entity.HistoryRecord{
		ID:                   uuid.New(),
		AccountID:            job.AccountID,
		JobID:                job.ID,
		Filename:             job.OriginalFilename,
		TabularKey:           completion.TabularKey,
		EnrichmentKey:        completion.EnrichmentKey,
		AnalysisProfile:      job.EnrichmentProfile,
		EnrichmentSkipReason: completion.EnrichmentSkipReason,
		FileSize:             job.FileSize,
		PageCount:            job.PageCount,
		CreatedAt:            c.now().UTC(),
	}
	// the job only turns SUCCEEDED together with its history record
	done, err := c.jobs.Complete(ctx, job.ID, completion)
	if err != nil {
		release()
		return job, err
	}
	if !done {
		// another poller already settled the job
		return c.jobs.Get(ctx, job.ID)
	}

	stored, err := c.jobs.Get(ctx, job.ID)
	if err != nil {
		return job, err
	}
	stored.ResultBlocks = blocks
	c.log.Info("jobs.finalize.ok", "job_id", job.ID, "account_id", job.AccountID,
		"pages", job.PageCount, "blocks", len(blocks), "enriched", completion.EnrichmentKey != "",
		"elapsed_ms", time.Since(start).Milliseconds())
	return stored, nil
}

// Aggregate collects every result block starting from the already-fetched
// first page and following cursors until one comes back empty. Blocks
// already stored for the job are returned as-is.
func (c *Controller) Aggregate(ctx context.Context, job *entity.Job, first extraction.Page) ([]entity.Block, error) {
	existing, err := c.jobs.LoadBlocks(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		c.log.Debug("jobs.aggregate.cached", "job_id", job.ID, "blocks", len(existing))
		return existing, nil
	}
	if first.Status != constants.JobStatusSucceeded {
		return nil, fmt.Errorf("%w: first page status %q", common.ErrMalformedPage, first.Status)
	}

	start := time.Now()
	blocks := append([]entity.Block(nil), first.Blocks...)
	seen := make(map[string]struct{})
	pages := 1
	for cursor := first.NextCursor; cursor != ""; {
		if _, dup := seen[cursor]; dup {
			return nil, fmt.Errorf("%w: %q after %d pages", common.ErrCursorLoop, cursor, pages)
		}
		seen[cursor] = struct{}{}

		pctx, cancel := common.WithTimeout(ctx, c.cfg.PageTimeout)
		page, err := c.extraction.GetStatus(pctx, job.ID, cursor)
		cancel()
		if err != nil {
			c.log.Warn("jobs.aggregate.page_error", "job_id", job.ID, "page", pages+1, "err", err)
			return nil, fmt.Errorf("%w: fetch page %d: %w", common.ErrUpstreamPoll, pages+1, err)
		}
		if page.Status != constants.JobStatusSucceeded {
			return nil, fmt.Errorf("%w: page %d status %q", common.ErrMalformedPage, pages+1, page.Status)
		}
		blocks = append(blocks, page.Blocks...)
		pages++
		cursor = page.NextCursor
	}

	if err := c.jobs.SaveBlocks(ctx, job.ID, blocks); err != nil {
		return nil, err
	}
	c.log.Info("jobs.aggregate.ok", "job_id", job.ID, "pages_fetched", pages, "blocks", len(blocks),
		"elapsed_ms", time.Since(start).Milliseconds())
	// stored rows win if a concurrent aggregation got there first
	return c.jobs.LoadBlocks(ctx, job.ID)
}

// SynthesizeArtifact stores the LINE text of the job as CSV.
func (c *Controller) SynthesizeArtifact(ctx context.Context, job *entity.Job) (*entity.Artifact, error) {
	blocks := job.ResultBlocks
	if len(blocks) == 0 {
		var err error
		if blocks, err = c.jobs.LoadBlocks(ctx, job.ID); err != nil {
			return nil, err
		}
	}
	data, err := TabularCSV(blocks)
	if err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	key := AccountArtifactKey(job.AccountID, job.OriginalFilename, constants.ArtifactTabularText)
	ct := constants.ContentTypeForExt("csv")
	if err := c.store.Put(ctx, key, data, ct); err != nil {
		return nil, fmt.Errorf("store tabular artifact: %w", err)
	}
	return &entity.Artifact{
		Kind:        constants.ArtifactTabularText,
		Key:         key,
		ContentType: ct,
		Size:        int64(len(data)),
	}, nil
}

// EnrichmentOutcome is either a stored analysis artifact or a skip with a reason.
type EnrichmentOutcome struct {
	Profile  constants.AnalysisProfile
	Artifact *entity.Artifact
	Skipped  bool
	Reason   string
}

func skipped(p constants.AnalysisProfile, reason string) EnrichmentOutcome {
	return EnrichmentOutcome{Profile: p, Skipped: true, Reason: reason}
}

// Enrich analyzes the job text with the given profile. It never fails the
// job: every problem comes back as a skipped outcome. The enrichment counter
// is charged only after a valid analysis exists.
func (c *Controller) Enrich(ctx context.Context, job *entity.Job, profile string) EnrichmentOutcome {
	p := constants.CanonicalizeProfile(profile)
	if c.analyzer == nil {
		return skipped(p, "enrichment not configured")
	}
	if _, err := c.ledger.Admit(ctx, job.AccountID, quota.Enrichments); err != nil {
		if errors.Is(err, common.ErrQuotaExceeded) {
			return skipped(p, "enrichment quota exhausted")
		}
		c.log.Warn("jobs.enrich.admit_error", "job_id", job.ID, "err", err)
		return skipped(p, "quota check failed: "+err.Error())
	}

	blocks := job.ResultBlocks
	if len(blocks) == 0 {
		var err error
		if blocks, err = c.jobs.LoadBlocks(ctx, job.ID); err != nil {
			return skipped(p, "load blocks: "+err.Error())
		}
	}
	text := DocumentText(blocks)
	if text == "" {
		return skipped(p, "no text to analyze")
	}

	start := time.Now()
	ectx, cancel := common.WithTimeout(ctx, c.cfg.EnrichTimeout)
	analysis, err := c.analyzer.Analyze(ectx, p, text)
	cancel()
	if err != nil {
		c.log.Warn("jobs.enrich.skipped", "job_id", job.ID, "profile", p, "err", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return skipped(p, llm.SkipReason(err))
	}

	if analysis.SchemaMismatch != "" {
		c.log.Warn("jobs.enrich.schema_mismatch", "job_id", job.ID, "profile", p, "err", analysis.SchemaMismatch)
	}

	charge, err := c.ledger.Charge(ctx, job.AccountID, quota.Enrichments)
	if err != nil {
		if errors.Is(err, common.ErrQuotaExceeded) {
			return skipped(p, "enrichment quota exhausted")
		}
		return skipped(p, "quota charge failed: "+err.Error())
	}

	key := AccountArtifactKey(job.AccountID, job.OriginalFilename, constants.ArtifactEnrichmentJSON)
	ct := constants.ContentTypeForExt("json")
	if err := c.store.Put(ctx, key, analysis.JSON, ct); err != nil {
		if rErr := c.ledger.Refund(context.WithoutCancel(ctx), charge); rErr != nil {
			c.log.Error("jobs.enrich.refund_failed", "job_id", job.ID, "err", rErr)
		}
		return skipped(p, "store analysis: "+err.Error())
	}
	c.log.Info("jobs.enrich.ok", "job_id", job.ID, "profile", p, "bytes", len(analysis.JSON),
		"elapsed_ms", time.Since(start).Milliseconds())
	return EnrichmentOutcome{
		Profile: p,
		Artifact: &entity.Artifact{
			Kind:        constants.ArtifactEnrichmentJSON,
			Key:         key,
			ContentType: ct,
			Size:        int64(len(analysis.JSON)),
		},
	}
}
