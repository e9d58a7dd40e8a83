package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
)

const (
	jobsTable   = "jobs"
	blocksTable = "job_blocks"

	aggregationNone    = ""
	aggregationClaimed = "CLAIMED"
	aggregationDone    = "DONE"

	// Postgres caps a statement at 65535 bind parameters.
	blockInsertBatch = 500
)

var jobColumns = []string{
	"id", "account_id", "source_object_key", "original_filename", "file_size",
	"status", "failure_reason", "enrichment_profile", "page_count",
	"enrichment_skip_reason", "tabular_key", "enrichment_key",
	"created_at", "updated_at", "finished_at",
}

// Completion carries everything written when a job reaches SUCCEEDED.
// History, when set, is inserted in the same transaction.
type Completion struct {
	PageCount            int
	TabularKey           string
	EnrichmentKey        string
	EnrichmentSkipReason string
	History              *entity.HistoryRecord
}

type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	Get(ctx context.Context, id string) (*entity.Job, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*entity.Job, error)
	// ListPending returns non-terminal jobs, least recently polled first.
	ListPending(ctx context.Context, limit int) ([]*entity.Job, error)
	// MarkPolled stamps a poll so ListPending rotates through every job.
	MarkPolled(ctx context.Context, id string, at time.Time) error

	// Transition moves a non-terminal job to status. It reports false when
	// the stored row was already terminal.
	Transition(ctx context.Context, id string, to constants.JobStatus, reason string) (bool, error)
	// ClaimAggregation takes the finalize lease. An expired lease can be stolen.
	ClaimAggregation(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)
	ReleaseAggregation(ctx context.Context, id string) error
	// Complete marks the job SUCCEEDED and the aggregation DONE. It reports
	// false, writing nothing, when the job was already terminal.
	Complete(ctx context.Context, id string, c Completion) (bool, error)

	// SaveBlocks stores the aggregated blocks once; later calls are no-ops.
	SaveBlocks(ctx context.Context, jobID string, blocks []entity.Block) error
	LoadBlocks(ctx context.Context, jobID string) ([]entity.Block, error)
}

type jobRepo struct {
	db  *DB
	log *slog.Logger
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log}
}

func (r *jobRepo) Create(ctx context.Context, job *entity.Job) error {
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = constants.JobStatusSubmitted
	}
	job.CreatedAt, job.UpdatedAt = now, now

	q := r.db.builder().Insert(jobsTable).
		Columns(jobColumns...).
		Values(job.ID, job.AccountID.String(), job.SourceObjectKey, job.OriginalFilename, job.FileSize,
			string(job.Status), job.FailureReason, job.EnrichmentProfile, job.PageCount,
			job.EnrichmentSkipReason, "", "",
			toMillis(job.CreatedAt), toMillis(job.UpdatedAt), int64(0))
	if _, err := exec(ctx, r.db.SQL, q); err != nil {
		r.log.Error("job create failed", "job_id", job.ID, "err", err)
		return fmt.Errorf("create job: %w", err)
	}
	r.log.Info("job created", "job_id", job.ID, "account_id", job.AccountID, "status", job.Status)
	return nil
}

func (r *jobRepo) Get(ctx context.Context, id string) (*entity.Job, error) {
	q, args := r.db.builder().Select(jobColumns...).
		From(r.db.builder().Table(jobsTable)).
		Where(entsql.EQ("id", id)).
		Query()
	job, err := scanJob(r.db.SQL.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		r.log.Error("job lookup failed", "job_id", id, "err", err)
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *jobRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*entity.Job, error) {
	sel := r.db.builder().Select(jobColumns...).
		From(r.db.builder().Table(jobsTable)).
		Where(entsql.EQ("account_id", accountID.String())).
		OrderBy(entsql.Desc("created_at"))
	if limit > 0 {
		sel.Limit(limit)
	}
	return r.list(ctx, sel)
}

func (r *jobRepo) ListPending(ctx context.Context, limit int) ([]*entity.Job, error) {
	sel := r.db.builder().Select(jobColumns...).
		From(r.db.builder().Table(jobsTable)).
		Where(nonTerminal()).
		OrderBy("last_polled_at", "created_at", "id")
	if limit > 0 {
		sel.Limit(limit)
	}
	return r.list(ctx, sel)
}

func (r *jobRepo) MarkPolled(ctx context.Context, id string, at time.Time) error {
	u := r.db.builder().Update(jobsTable).
		Set("last_polled_at", toMillis(at)).
		Where(entsql.And(entsql.EQ("id", id), nonTerminal()))
	if _, err := exec(ctx, r.db.SQL, u); err != nil {
		r.log.Error("job poll stamp failed", "job_id", id, "err", err)
		return fmt.Errorf("mark polled: %w", err)
	}
	return nil
}

func (r *jobRepo) list(ctx context.Context, sel *entsql.Selector) ([]*entity.Job, error) {
	q, args := sel.Query()
	rows, err := r.db.SQL.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func nonTerminal() *entsql.Predicate {
	return entsql.In("status", string(constants.JobStatusSubmitted), string(constants.JobStatusInProgress))
}

func (r *jobRepo) Transition(ctx context.Context, id string, to constants.JobStatus, reason string) (bool, error) {
	now := time.Now().UTC()
	u := r.db.builder().Update(jobsTable).
		Set("status", string(to)).
		Set("updated_at", toMillis(now))
	if to.IsTerminal() {
		u.Set("finished_at", toMillis(now))
	}
	if to == constants.JobStatusFailed {
		u.Set("failure_reason", reason).
			Set("aggregation", aggregationNone)
	}
	u.Where(entsql.And(entsql.EQ("id", id), nonTerminal()))

	res, err := exec(ctx, r.db.SQL, u)
	if err != nil {
		r.log.Error("job transition failed", "job_id", id, "to", to, "err", err)
		return false, fmt.Errorf("transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		r.log.Info("job transitioned", "job_id", id, "status", to)
	}
	return n == 1, nil
}

func (r *jobRepo) ClaimAggregation(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	u := r.db.builder().Update(jobsTable).
		Set("aggregation", aggregationClaimed).
		Set("aggregation_claimed_at", toMillis(now)).
		Where(entsql.And(
			entsql.EQ("id", id),
			nonTerminal(),
			entsql.Or(
				entsql.EQ("aggregation", aggregationNone),
				entsql.And(
					entsql.EQ("aggregation", aggregationClaimed),
					entsql.LT("aggregation_claimed_at", toMillis(now.Add(-lease))),
				),
			),
		))
	res, err := exec(ctx, r.db.SQL, u)
	if err != nil {
		r.log.Error("aggregation claim failed", "job_id", id, "err", err)
		return false, fmt.Errorf("claim aggregation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *jobRepo) ReleaseAggregation(ctx context.Context, id string) error {
	u := r.db.builder().Update(jobsTable).
		Set("aggregation", aggregationNone).
		Set("aggregation_claimed_at", int64(0)).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("aggregation", aggregationClaimed)))
	if _, err := exec(ctx, r.db.SQL, u); err != nil {
		r.log.Error("aggregation release failed", "job_id", id, "err", err)
		return fmt.Errorf("release aggregation: %w", err)
	}
	return nil
}

func (r *jobRepo) Complete(ctx context.Context, id string, c Completion) (bool, error) {
	now := time.Now().UTC()
	done := false
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		u := r.db.builder().Update(jobsTable).
			Set("status", string(constants.JobStatusSucceeded)).
			Set("aggregation", aggregationDone).
			Set("page_count", c.PageCount).
			Set("tabular_key", c.TabularKey).
			Set("enrichment_key", c.EnrichmentKey).
			Set("enrichment_skip_reason", c.EnrichmentSkipReason).
			Set("updated_at", toMillis(now)).
			Set("finished_at", toMillis(now)).
			Where(entsql.And(entsql.EQ("id", id), nonTerminal()))
		res, err := exec(ctx, tx, u)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		if c.History != nil {
			if _, err := insertHistory(ctx, r.db, tx, c.History); err != nil {
				return err
			}
		}
		done = true
		return nil
	})
	if err != nil {
		r.log.Error("job completion failed", "job_id", id, "err", err)
		return false, err
	}
	if done {
		r.log.Info("job completed", "job_id", id, "pages", c.PageCount)
	}
	return done, nil
}

func (r *jobRepo) SaveBlocks(ctx context.Context, jobID string, blocks []entity.Block) error {
	return r.db.InTx(ctx, func(tx *sql.Tx) error {
		var existing int
		cq, cargs := r.db.builder().Select(entsql.Count("*")).
			From(r.db.builder().Table(blocksTable)).
			Where(entsql.EQ("job_id", jobID)).
			Query()
		if err := tx.QueryRowContext(ctx, cq, cargs...).Scan(&existing); err != nil {
			return fmt.Errorf("count blocks: %w", err)
		}
		if existing > 0 {
			r.log.Debug("blocks already stored", "job_id", jobID, "count", existing)
			return nil
		}

		for start := 0; start < len(blocks); start += blockInsertBatch {
			end := min(start+blockInsertBatch, len(blocks))
			ins := r.db.builder().Insert(blocksTable).
				Columns("job_id", "seq", "block_id", "block_type", "text", "page", "confidence")
			for i := start; i < end; i++ {
				b := blocks[i]
				ins.Values(jobID, i, b.ID, string(b.Type), b.Text, b.Page, b.Confidence)
			}
			ins.OnConflict(entsql.ConflictColumns("job_id", "seq"), entsql.DoNothing())
			if _, err := exec(ctx, tx, ins); err != nil {
				return fmt.Errorf("insert blocks: %w", err)
			}
		}
		r.log.Info("blocks stored", "job_id", jobID, "count", len(blocks))
		return nil
	})
}

func (r *jobRepo) LoadBlocks(ctx context.Context, jobID string) ([]entity.Block, error) {
	q, args := r.db.builder().Select("block_id", "block_type", "text", "page", "confidence").
		From(r.db.builder().Table(blocksTable)).
		Where(entsql.EQ("job_id", jobID)).
		OrderBy("seq").
		Query()
	rows, err := r.db.SQL.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	defer rows.Close()

	var out []entity.Block
	for rows.Next() {
		var (
			b  entity.Block
			bt string
		)
		if err := rows.Scan(&b.ID, &bt, &b.Text, &b.Page, &b.Confidence); err != nil {
			return nil, err
		}
		b.Type = constants.BlockType(bt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanJob(s rowScanner) (*entity.Job, error) {
	var (
		j                         entity.Job
		accountID, status         string
		tabularKey, enrichmentKey string
		createdMs, updMs, finMs   int64
	)
	if err := s.Scan(&j.ID, &accountID, &j.SourceObjectKey, &j.OriginalFilename, &j.FileSize,
		&status, &j.FailureReason, &j.EnrichmentProfile, &j.PageCount,
		&j.EnrichmentSkipReason, &tabularKey, &enrichmentKey,
		&createdMs, &updMs, &finMs); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(accountID)
	if err != nil {
		return nil, fmt.Errorf("job account id %q: %w", accountID, err)
	}
	j.AccountID = parsed
	j.Status = constants.JobStatus(status)
	j.CreatedAt = fromMillis(createdMs)
	j.UpdatedAt = fromMillis(updMs)
	if finMs > 0 {
		t := fromMillis(finMs)
		j.FinishedAt = &t
	}
	if tabularKey != "" {
		j.Artifacts = append(j.Artifacts, entity.Artifact{
			Kind: constants.ArtifactTabularText, Key: tabularKey, ContentType: "text/csv",
		})
	}
	if enrichmentKey != "" {
		j.Artifacts = append(j.Artifacts, entity.Artifact{
			Kind: constants.ArtifactEnrichmentJSON, Key: enrichmentKey, ContentType: "application/json",
		})
	}
	return &j, nil
}
