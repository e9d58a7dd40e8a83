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

	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
)

const historyTable = "history"

var historyColumns = []string{
	"id", "account_id", "job_id", "filename", "tabular_key", "enrichment_key",
	"analysis_profile", "enrichment_skip_reason", "file_size", "page_count", "created_at",
}

type HistoryRepository interface {
	// Insert writes the record unless one already exists for the job.
	Insert(ctx context.Context, rec *entity.HistoryRecord) (bool, error)
	GetByJob(ctx context.Context, jobID string) (*entity.HistoryRecord, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*entity.HistoryRecord, error)
}

type historyRepo struct {
	db  *DB
	log *slog.Logger
}

func NewHistoryRepository(db *DB, log *slog.Logger) HistoryRepository {
	if log == nil {
		log = slog.Default()
	}
	return &historyRepo{db: db, log: log}
}

func (r *historyRepo) Insert(ctx context.Context, rec *entity.HistoryRecord) (bool, error) {
	inserted, err := insertHistory(ctx, r.db, r.db.SQL, rec)
	if err != nil {
		r.log.Error("history insert failed", "job_id", rec.JobID, "err", err)
		return false, err
	}
	if !inserted {
		r.log.Debug("history already recorded", "job_id", rec.JobID)
		return false, nil
	}
	r.log.Info("history recorded", "job_id", rec.JobID, "account_id", rec.AccountID)
	return true, nil
}

// insertHistory writes rec through q unless the job already has a record.
func insertHistory(ctx context.Context, db *DB, q querier, rec *entity.HistoryRecord) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	ins := db.builder().Insert(historyTable).
		Columns(historyColumns...).
		Values(rec.ID.String(), rec.AccountID.String(), rec.JobID, rec.Filename, rec.TabularKey,
			rec.EnrichmentKey, rec.AnalysisProfile, rec.EnrichmentSkipReason, rec.FileSize,
			rec.PageCount, toMillis(rec.CreatedAt)).
		OnConflict(entsql.ConflictColumns("job_id"), entsql.DoNothing())
	res, err := exec(ctx, q, ins)
	if err != nil {
		return false, fmt.Errorf("insert history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *historyRepo) GetByJob(ctx context.Context, jobID string) (*entity.HistoryRecord, error) {
	q, args := r.db.builder().Select(historyColumns...).
		From(r.db.builder().Table(historyTable)).
		Where(entsql.EQ("job_id", jobID)).
		Query()
	rec, err := scanHistory(r.db.SQL.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history for job %s: %w", jobID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	return rec, nil
}

func (r *historyRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*entity.HistoryRecord, error) {
	sel := r.db.builder().Select(historyColumns...).
		From(r.db.builder().Table(historyTable)).
		Where(entsql.EQ("account_id", accountID.String())).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("id"))
	if limit > 0 {
		sel.Limit(limit)
	}
	q, args := sel.Query()
	rows, err := r.db.SQL.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []*entity.HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanHistory(s rowScanner) (*entity.HistoryRecord, error) {
	var (
		rec           entity.HistoryRecord
		id, accountID string
		createdMs     int64
	)
	if err := s.Scan(&id, &accountID, &rec.JobID, &rec.Filename, &rec.TabularKey, &rec.EnrichmentKey,
		&rec.AnalysisProfile, &rec.EnrichmentSkipReason, &rec.FileSize, &rec.PageCount, &createdMs); err != nil {
		return nil, err
	}
	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("history id %q: %w", id, err)
	}
	if rec.AccountID, err = uuid.Parse(accountID); err != nil {
		return nil, fmt.Errorf("history account id %q: %w", accountID, err)
	}
	rec.CreatedAt = fromMillis(createdMs)
	return &rec, nil
}
