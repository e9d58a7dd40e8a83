package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/async"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/extraction"
	"github.com/joseph-ayodele/docjobs/internal/extraction/remote"
	"github.com/joseph-ayodele/docjobs/internal/llm"
	"github.com/joseph-ayodele/docjobs/internal/quota"
	"github.com/joseph-ayodele/docjobs/internal/repository"
)

type fakeExtraction struct {
	mu       sync.Mutex
	startErr error
	started  []extraction.ObjectRef
	status   constants.JobStatus
	message  string
	pages    map[string]extraction.Page
	pageErr  map[string]error
	pollErr  error
	hang     bool
	gate     chan struct{}
	calls    map[string]int
	perJob   map[string]int
}

func newFakeExtraction() *fakeExtraction {
	return &fakeExtraction{
		status:  constants.JobStatusInProgress,
		pages:   map[string]extraction.Page{},
		pageErr: map[string]error{},
		calls:   map[string]int{},
		perJob:  map[string]int{},
	}
}

func (f *fakeExtraction) Start(_ context.Context, ref extraction.ObjectRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, ref)
	return fmt.Sprintf("job-%d", len(f.started)), nil
}

func (f *fakeExtraction) GetStatus(ctx context.Context, jobID string, cursor string) (extraction.Page, error) {
	f.mu.Lock()
	f.calls[cursor]++
	if cursor == "" {
		f.perJob[jobID]++
	}
	hang, status, gate := f.hang, f.status, f.gate
	pollErr, pageErr := f.pollErr, f.pageErr[cursor]
	page, msg := f.pages[cursor], f.message
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return extraction.Page{}, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return extraction.Page{}, ctx.Err()
		}
	}
	if cursor == "" && pollErr != nil {
		return extraction.Page{}, pollErr
	}
	if pageErr != nil {
		return extraction.Page{}, pageErr
	}
	if cursor == "" && status != constants.JobStatusSucceeded {
		return extraction.Page{Status: status, StatusMessage: msg}, nil
	}
	return page, nil
}

func (f *fakeExtraction) callCount(cursor string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[cursor]
}

func (f *fakeExtraction) jobCalls(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perJob[jobID]
}

func (f *fakeExtraction) set(fn func(f *fakeExtraction)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memStore) Bucket() string { return "test-bucket" }

func (m *memStore) Put(_ context.Context, key string, data []byte, ct string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	m.types[key] = ct
	return nil
}

func (m *memStore) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

type testEnv struct {
	ctl      *Controller
	accounts repository.AccountRepository
	jobs     repository.JobRepository
	history  repository.HistoryRepository
	ext      *fakeExtraction
	store    *memStore
	acct     *entity.Account
}

func newTestEnv(t *testing.T, analyzer Analyzer) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.Open(context.Background(), repository.Config{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "jobs.db"),
	}, logger)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(db.Close)

	env := &testEnv{
		accounts: repository.NewAccountRepository(db, logger),
		jobs:     repository.NewJobRepository(db, logger),
		history:  repository.NewHistoryRepository(db, logger),
		ext:      newFakeExtraction(),
		store:    newMemStore(),
	}
	env.acct = &entity.Account{Email: "owner@example.com", APIKey: "key-" + uuid.NewString()}
	require.NoError(t, env.accounts.Create(context.Background(), env.acct))

	ledger := quota.NewLedger(env.accounts, quota.DefaultPolicy(), quota.WithLogger(logger))
	deps := Deps{
		Jobs:       env.jobs,
		Accounts:   env.accounts,
		Ledger:     ledger,
		Extraction: env.ext,
		Store:      env.store,
	}
	if analyzer != nil {
		deps.Analyzer = analyzer
	}
	env.ctl = NewController(Config{PollTimeout: 200 * time.Millisecond}, deps, logger)
	return env
}

func (e *testEnv) account(t *testing.T) *entity.Account {
	t.Helper()
	a, err := e.accounts.Get(context.Background(), e.acct.ID)
	require.NoError(t, err)
	return a
}

func (e *testEnv) setUsage(t *testing.T, docs, enrichments int) {
	t.Helper()
	a := e.account(t)
	next := *a
	next.DocumentsUsed, next.EnrichmentsUsed = docs, enrichments
	ok, err := e.accounts.CompareAndSwap(context.Background(), &next, a.Version)
	require.NoError(t, err)
	require.True(t, ok)
}

func (e *testEnv) submit(t *testing.T, filename, profile string) *entity.Job {
	t.Helper()
	job, err := e.ctl.Submit(context.Background(), SubmitRequest{
		Account:           e.account(t),
		ObjectKey:         "uploads/" + filename,
		OriginalFilename:  filename,
		FileSize:          1024,
		EnrichmentProfile: profile,
	})
	require.NoError(t, err)
	return job
}

func pageBlock(n int) entity.Block {
	return entity.Block{ID: fmt.Sprintf("p%d", n), Type: constants.BlockPage, Page: n}
}

func lineBlock(n int, text string) entity.Block {
	return entity.Block{ID: fmt.Sprintf("p%d-l1", n), Type: constants.BlockLine, Page: n, Text: text}
}

func wordBlock(n int, text string) entity.Block {
	return entity.Block{ID: fmt.Sprintf("p%d-l1-w1", n), Type: constants.BlockWord, Page: n, Text: text}
}

// succeedWithThreePages scripts the chain [A] c1 -> [B] c2 -> [C] end.
func (e *testEnv) succeedWithThreePages() {
	e.ext.set(func(f *fakeExtraction) {
		f.status = constants.JobStatusSucceeded
		f.pages[""] = extraction.Page{Status: constants.JobStatusSucceeded, NextCursor: "c1",
			Blocks: []entity.Block{pageBlock(1), lineBlock(1, "A"), wordBlock(1, "A")}}
		f.pages["c1"] = extraction.Page{Status: constants.JobStatusSucceeded, NextCursor: "c2",
			Blocks: []entity.Block{pageBlock(2), lineBlock(2, "B")}}
		f.pages["c2"] = extraction.Page{Status: constants.JobStatusSucceeded,
			Blocks: []entity.Block{pageBlock(3), lineBlock(3, "C")}}
	})
}

func TestSubmit_QuotaExceededLeavesCounter(t *testing.T) {
	env := newTestEnv(t, nil)
	env.setUsage(t, 5, 0)

	_, err := env.ctl.Submit(context.Background(), SubmitRequest{
		Account: env.account(t), ObjectKey: "uploads/a.pdf", OriginalFilename: "a.pdf", FileSize: 10,
	})
	require.ErrorIs(t, err, common.ErrQuotaExceeded)
	assert.Equal(t, 5, env.account(t).DocumentsUsed)
	assert.Empty(t, env.ext.started)
}

func TestAdmit_ChecksWithoutCharging(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	req := SubmitRequest{Account: env.account(t), ObjectKey: "uploads/a.pdf", OriginalFilename: "a.pdf", FileSize: 10}
	require.NoError(t, env.ctl.Admit(ctx, req))
	assert.Equal(t, 0, env.account(t).DocumentsUsed)

	req.FileSize = 3 << 20
	require.ErrorIs(t, env.ctl.Admit(ctx, req), common.ErrFileTooLarge)

	env.setUsage(t, 5, 0)
	req.Account, req.FileSize = env.account(t), 10
	require.ErrorIs(t, env.ctl.Admit(ctx, req), common.ErrQuotaExceeded)
	assert.Equal(t, 5, env.account(t).DocumentsUsed)
	assert.Empty(t, env.ext.started)
}

func TestSubmit_FileTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.ctl.Submit(context.Background(), SubmitRequest{
		Account: env.account(t), ObjectKey: "uploads/big.pdf", OriginalFilename: "big.pdf", FileSize: 3 << 20,
	})
	require.ErrorIs(t, err, common.ErrFileTooLarge)
	assert.Equal(t, 0, env.account(t).DocumentsUsed)
	assert.Empty(t, env.ext.started)
}

func TestSubmit_UpstreamRejectionRefunds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ext.startErr = errors.New("service unavailable")

	_, err := env.ctl.Submit(context.Background(), SubmitRequest{
		Account: env.account(t), ObjectKey: "uploads/a.pdf", OriginalFilename: "a.pdf", FileSize: 10,
	})
	require.ErrorIs(t, err, common.ErrUpstreamSubmission)
	assert.Equal(t, 0, env.account(t).DocumentsUsed)

	stored, err := env.jobs.ListByAccount(context.Background(), env.acct.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSubmit_ChargesAndPersists(t *testing.T) {
	env := newTestEnv(t, nil)

	job := env.submit(t, "scan.pdf", "INVOICE")
	assert.Equal(t, constants.JobStatusSubmitted, job.Status)
	assert.Equal(t, "processing", job.State())
	assert.Equal(t, "invoice", job.EnrichmentProfile)
	assert.Equal(t, 1, env.account(t).DocumentsUsed)
	require.Len(t, env.ext.started, 1)
	assert.Equal(t, extraction.ObjectRef{Bucket: "test-bucket", Key: "uploads/scan.pdf"}, env.ext.started[0])

	stored, err := env.ctl.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
}

func TestSubmit_NeverExceedsDocumentLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 7; i++ {
		_, err := env.ctl.Submit(context.Background(), SubmitRequest{
			Account: env.account(t), ObjectKey: fmt.Sprintf("uploads/%d.pdf", i),
			OriginalFilename: fmt.Sprintf("%d.pdf", i), FileSize: 10,
		})
		if i < 5 {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, common.ErrQuotaExceeded)
		}
		assert.LessOrEqual(t, env.account(t).DocumentsUsed, 5)
	}
}

func TestPoll_InProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "a.pdf", "")

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusInProgress, got.Status)
	assert.Equal(t, "processing", got.State())

	got, err = env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusInProgress, got.Status)
}

func TestPoll_TimeoutLeavesJobUnchanged(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "a.pdf", "")
	env.ext.set(func(f *fakeExtraction) { f.hang = true })

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSubmitted, got.Status)
}

// throttledExtraction waits on a real limiter before each status call.
type throttledExtraction struct {
	*fakeExtraction
	limiter *remote.RateLimiter
}

func (e throttledExtraction) GetStatus(ctx context.Context, jobID, cursor string) (extraction.Page, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return extraction.Page{}, err
	}
	return e.fakeExtraction.GetStatus(ctx, jobID, cursor)
}

func TestPoll_ThrottledPastDeadlineCountsAsTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "a.pdf", "")
	limiter := remote.NewRateLimiter(0.01, 1)
	require.NoError(t, limiter.Wait(context.Background()))
	env.ctl.extraction = throttledExtraction{fakeExtraction: env.ext, limiter: limiter}

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSubmitted, got.Status)
	assert.Zero(t, env.ext.jobCalls(job.ID))
}

func TestPoll_UpstreamErrorIsRetryable(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "a.pdf", "")
	env.ext.set(func(f *fakeExtraction) { f.pollErr = errors.New("connection refused") })

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.ErrorIs(t, err, common.ErrUpstreamPoll)
	require.NotNil(t, got)
	assert.Equal(t, constants.JobStatusSubmitted, got.Status)
}

func TestPoll_FailedIsTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "a.pdf", "")
	env.ext.set(func(f *fakeExtraction) {
		f.status = constants.JobStatusFailed
		f.message = "unsupported document"
	})

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	assert.Equal(t, "failed", got.State())
	assert.Equal(t, "unsupported document", got.FailureReason)

	env.ext.set(func(f *fakeExtraction) { f.status = constants.JobStatusSucceeded })
	calls := env.ext.callCount("")
	got, err = env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	assert.Equal(t, calls, env.ext.callCount(""))
	// the charge made at submission stands
	assert.Equal(t, 1, env.account(t).DocumentsUsed)
}

func TestPoll_AggregatesCursorChainInOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "report.pdf", "")
	env.succeedWithThreePages()

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSucceeded, got.Status)
	assert.Equal(t, "succeeded", got.State())
	assert.Equal(t, 3, got.PageCount)
	assert.Equal(t, []string{"A", "B", "C"}, LineTexts(got.ResultBlocks))
	assert.Len(t, got.ResultBlocks, 7)
	assert.Equal(t, 1, env.ext.callCount("c1"))
	assert.Equal(t, 1, env.ext.callCount("c2"))

	key := AccountArtifactKey(env.acct.ID, "report.pdf", constants.ArtifactTabularText)
	data, ok := env.store.get(key)
	require.True(t, ok)
	assert.Equal(t, "DetectedText\nA\nB\nC\n", string(data))
	assert.Equal(t, "text/csv", env.store.types[key])
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, key, got.Artifacts[0].Key)

	rec, err := env.history.GetByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, key, rec.TabularKey)
	assert.Equal(t, 3, rec.PageCount)

	// a second poll touches nothing upstream
	got, err = env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSucceeded, got.Status)
	assert.Equal(t, 1, env.ext.callCount("c1"))
	recs, err := env.history.ListByAccount(context.Background(), env.acct.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestAggregate_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "a.pdf", "")
	env.succeedWithThreePages()
	first := env.ext.pages[""]

	b1, err := env.ctl.Aggregate(context.Background(), job, first)
	require.NoError(t, err)
	b2, err := env.ctl.Aggregate(context.Background(), job, first)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.Len(t, b1, 7)
	assert.Equal(t, 1, env.ext.callCount("c1"))
	// the first page is never re-fetched
	assert.Equal(t, 0, env.ext.callCount(""))
}

func TestAggregate_SinglePage(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "a.pdf", "")

	blocks, err := env.ctl.Aggregate(context.Background(), job, extraction.Page{
		Status: constants.JobStatusSucceeded,
		Blocks: []entity.Block{pageBlock(1), lineBlock(1, "only")},
	})
	require.NoError(t, err)
	assert.Len(t, blocks, 2)
	assert.Empty(t, env.ext.calls)
}

func TestPoll_CursorLoopFailsJob(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "a.pdf", "")
	env.ext.set(func(f *fakeExtraction) {
		f.status = constants.JobStatusSucceeded
		f.pages[""] = extraction.Page{Status: constants.JobStatusSucceeded, NextCursor: "c1",
			Blocks: []entity.Block{lineBlock(1, "A")}}
		f.pages["c1"] = extraction.Page{Status: constants.JobStatusSucceeded, NextCursor: "c1",
			Blocks: []entity.Block{lineBlock(2, "B")}}
	})

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, common.ErrCursorLoop.Error())
	assert.Equal(t, 1, env.ext.callCount("c1"))
}

func TestPoll_MalformedPageFailsJob(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "a.pdf", "")
	env.ext.set(func(f *fakeExtraction) {
		f.status = constants.JobStatusSucceeded
		f.pages[""] = extraction.Page{Status: constants.JobStatusSucceeded, NextCursor: "c1"}
		f.pages["c1"] = extraction.Page{Status: constants.JobStatusInProgress}
	})

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, common.ErrMalformedPage.Error())
}

func TestPoll_TransientPageErrorReleasesClaim(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "a.pdf", "")
	env.succeedWithThreePages()
	env.ext.set(func(f *fakeExtraction) { f.pageErr["c2"] = errors.New("connection reset") })

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.ErrorIs(t, err, common.ErrUpstreamPoll)
	assert.False(t, got.Status.IsTerminal())

	env.ext.set(func(f *fakeExtraction) { delete(f.pageErr, "c2") })
	got, err = env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSucceeded, got.Status)
	assert.Equal(t, []string{"A", "B", "C"}, LineTexts(got.ResultBlocks))
}

func TestPoll_PageLimitExceeded(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "long.pdf", "")
	blocks := []entity.Block{}
	for i := 1; i <= 4; i++ {
		blocks = append(blocks, pageBlock(i), lineBlock(i, "x"))
	}
	env.ext.set(func(f *fakeExtraction) {
		f.status = constants.JobStatusSucceeded
		f.pages[""] = extraction.Page{Status: constants.JobStatusSucceeded, Blocks: blocks}
	})

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, common.ErrPageLimitExceeded.Error())
}

func TestSynthesizeArtifact_Deterministic(t *testing.T) {
	env := newTestEnv(t, nil)
	job := &entity.Job{
		ID: "j1", AccountID: env.acct.ID, OriginalFilename: "notes.png",
		ResultBlocks: []entity.Block{
			pageBlock(1), lineBlock(1, "Total, due"), wordBlock(1, "Total"), lineBlock(1, `say "hi"`),
		},
	}

	a1, err := env.ctl.SynthesizeArtifact(context.Background(), job)
	require.NoError(t, err)
	d1, _ := env.store.get(a1.Key)
	a2, err := env.ctl.SynthesizeArtifact(context.Background(), job)
	require.NoError(t, err)
	d2, _ := env.store.get(a2.Key)

	assert.Equal(t, a1, a2)
	assert.Equal(t, d1, d2)
	assert.Equal(t, "DetectedText\n\"Total, due\"\n\"say \"\"hi\"\"\"\n", string(d1))
	assert.Equal(t, constants.ArtifactTabularText, a1.Kind)
	assert.True(t, strings.HasSuffix(a1.Key, "/notes_result.csv"))
	assert.Equal(t, int64(len(d1)), a1.Size)
}

type countingAnalyzer struct {
	calls atomic.Int32
	inner Analyzer
}

func (c *countingAnalyzer) Analyze(ctx context.Context, p constants.AnalysisProfile, text string) (llm.Analysis, error) {
	c.calls.Add(1)
	return c.inner.Analyze(ctx, p, text)
}

func analyzerReplying(reply string, err error) *countingAnalyzer {
	return &countingAnalyzer{inner: llm.NewAnalyzer(llm.InvokerFunc(func(context.Context, string) (string, error) {
		return reply, err
	}), 0, nil)}
}

func TestPoll_EnrichmentStoresAnalysis(t *testing.T) {
	analyzer := analyzerReplying(`Sure! {"summary":"x"} thanks`, nil)
	env := newTestEnv(t, analyzer)
	job := env.submit(t, "letter.pdf", "bogus-profile")
	assert.Equal(t, "general", job.EnrichmentProfile)
	env.succeedWithThreePages()

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSucceeded, got.Status)
	require.Len(t, got.Artifacts, 2)

	key := AccountArtifactKey(env.acct.ID, "letter.pdf", constants.ArtifactEnrichmentJSON)
	data, ok := env.store.get(key)
	require.True(t, ok)
	assert.JSONEq(t, `{"summary":"x","analysis_type":"general"}`, string(data))
	assert.Equal(t, 1, env.account(t).EnrichmentsUsed)

	rec, err := env.history.GetByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, key, rec.EnrichmentKey)
	assert.Equal(t, "general", rec.AnalysisProfile)
}

func TestPoll_EnrichmentFailureIsNotFatal(t *testing.T) {
	analyzer := analyzerReplying("", errors.New("model overloaded"))
	env := newTestEnv(t, analyzer)
	job := env.submit(t, "a.pdf", "contract")
	env.succeedWithThreePages()

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSucceeded, got.Status)
	assert.Contains(t, got.EnrichmentSkipReason, "model overloaded")
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, constants.ArtifactTabularText, got.Artifacts[0].Kind)
	_, ok := env.store.get(got.Artifacts[0].Key)
	assert.True(t, ok)
	assert.Equal(t, 0, env.account(t).EnrichmentsUsed)
}

func TestPoll_RateLimitedProviderSkipReason(t *testing.T) {
	limited := fmt.Errorf("anthropic: %w", &llm.StatusError{StatusCode: 429, RetryAfter: 20 * time.Second})
	env := newTestEnv(t, analyzerReplying("", limited))
	job := env.submit(t, "a.pdf", "general")
	env.succeedWithThreePages()

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSucceeded, got.Status)
	assert.Equal(t, "enrichment provider rate limited (retry after 20s)", got.EnrichmentSkipReason)
	assert.Equal(t, 0, env.account(t).EnrichmentsUsed)
}

func TestPoll_EnrichmentKeepsOffSchemaDocument(t *testing.T) {
	analyzer := analyzerReplying(`Sure! {"summary":["x","y"]} thanks`, nil)
	env := newTestEnv(t, analyzer)
	job := env.submit(t, "notes.pdf", "general")
	env.succeedWithThreePages()

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSucceeded, got.Status)
	assert.Empty(t, got.EnrichmentSkipReason)
	require.Len(t, got.Artifacts, 2)

	data, ok := env.store.get(AccountArtifactKey(env.acct.ID, "notes.pdf", constants.ArtifactEnrichmentJSON))
	require.True(t, ok)
	assert.JSONEq(t, `{"summary":["x","y"],"analysis_type":"general"}`, string(data))
	assert.Equal(t, 1, env.account(t).EnrichmentsUsed)
}

func TestEnrich_QuotaExhaustedSkipsWithoutInvoking(t *testing.T) {
	analyzer := analyzerReplying(`{"summary":"x"}`, nil)
	env := newTestEnv(t, analyzer)
	env.setUsage(t, 0, 3)
	job := &entity.Job{ID: "j1", AccountID: env.acct.ID, OriginalFilename: "a.pdf",
		ResultBlocks: []entity.Block{lineBlock(1, "text")}}

	out := env.ctl.Enrich(context.Background(), job, "form")
	assert.True(t, out.Skipped)
	assert.Equal(t, constants.ProfileForm, out.Profile)
	assert.Contains(t, out.Reason, "quota")
	assert.Equal(t, int32(0), analyzer.calls.Load())
	assert.Equal(t, 3, env.account(t).EnrichmentsUsed)
}

func TestEnrich_NotConfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	out := env.ctl.Enrich(context.Background(), &entity.Job{ID: "j1", AccountID: env.acct.ID}, "")
	assert.True(t, out.Skipped)
	assert.Equal(t, constants.ProfileGeneral, out.Profile)
}

func TestPoll_ConcurrentPollersConverge(t *testing.T) {
	analyzer := analyzerReplying(`{"summary":"x"}`, nil)
	env := newTestEnv(t, analyzer)
	job := env.submit(t, "a.pdf", "general")
	env.succeedWithThreePages()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.ctl.Poll(context.Background(), job.ID)
		}()
	}
	wg.Wait()

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSucceeded, got.Status)

	blocks, err := env.jobs.LoadBlocks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, blocks, 7)
	assert.Equal(t, int32(1), analyzer.calls.Load())
	assert.Equal(t, 1, env.account(t).EnrichmentsUsed)
}

func TestArtifactKey(t *testing.T) {
	assert.Equal(t, "report.final_result.csv", ArtifactKey("report.final.pdf", constants.ArtifactTabularText))
	assert.Equal(t, "x_analysis.json", ArtifactKey("dir/x.png", constants.ArtifactEnrichmentJSON))
	assert.Equal(t, "scan_result.csv", ArtifactKey(`C:\docs\scan.tiff`, constants.ArtifactTabularText))
	assert.Equal(t, "document_result.csv", ArtifactKey("", constants.ArtifactTabularText))
	assert.Equal(t, ArtifactKey("a.pdf", constants.ArtifactTabularText), ArtifactKey("a.pdf", constants.ArtifactTabularText))

	id := uuid.New()
	assert.Equal(t, "accounts/"+id.String()+"/results/a_result.csv",
		AccountArtifactKey(id, "a.pdf", constants.ArtifactTabularText))
	up := UploadKey(id, "../../etc/passwd.pdf")
	assert.True(t, strings.HasPrefix(up, "accounts/"+id.String()+"/uploads/"))
	assert.True(t, strings.HasSuffix(up, "/passwd.pdf"))
}

// flakyCompletion fails the first n Complete calls.
type flakyCompletion struct {
	repository.JobRepository
	failures atomic.Int32
}

func (f *flakyCompletion) Complete(ctx context.Context, id string, c repository.Completion) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("database is locked")
	}
	return f.JobRepository.Complete(ctx, id, c)
}

func TestPoll_CompletionFailureKeepsJobRetryable(t *testing.T) {
	env := newTestEnv(t, nil)
	flaky := &flakyCompletion{JobRepository: env.jobs}
	flaky.failures.Store(1)
	env.ctl.jobs = flaky
	job := env.submit(t, "a.pdf", "")
	env.succeedWithThreePages()

	_, err := env.ctl.Poll(context.Background(), job.ID)
	require.Error(t, err)
	stored, err := env.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, stored.Status.IsTerminal())
	_, err = env.history.GetByJob(context.Background(), job.ID)
	require.ErrorIs(t, err, common.ErrNotFound)

	got, err := env.ctl.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSucceeded, got.Status)
	recs, err := env.history.ListByAccount(context.Background(), env.acct.ID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, job.ID, recs[0].JobID)
}

// inlineQueue runs each task as soon as it is enqueued.
type inlineQueue struct{ handle async.Handler }

func (q inlineQueue) Enqueue(ctx context.Context, t async.Task) error { return q.handle(ctx, t) }
func (inlineQueue) Shutdown(context.Context) {}

func TestPoller_RotatesThroughPendingJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	var clock atomic.Int64
	base := time.Now()
	env.ctl.now = func() time.Time { return base.Add(time.Duration(clock.Add(1)) * time.Second) }

	ids := make([]string, 0, 3)
	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		ids = append(ids, env.submit(t, name, "").ID)
	}

	poller := async.NewPoller(env.jobs, inlineQueue{handle: env.ctl.PollTask}, time.Second, 2, nil)
	for i := 0; i < 9; i++ {
		n, err := poller.Tick(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, n)
	}
	for _, id := range ids {
		assert.Equal(t, 6, env.ext.jobCalls(id), "job %s", id)
	}
}

func TestPoll_CallerCancelDoesNotAbortSharedPoll(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submit(t, "a.pdf", "")
	gate := make(chan struct{})
	env.ext.set(func(f *fakeExtraction) { f.gate = gate })

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.ctl.Poll(ctx, job.ID)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return env.ext.jobCalls(job.ID) == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		job *entity.Job
		err error
	}
	second := make(chan result, 1)
	go func() {
		got, err := env.ctl.Poll(context.Background(), job.ID)
		second <- result{got, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(gate)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, constants.JobStatusInProgress, res.job.Status)
}
