package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
)

const accountsTable = "accounts"

var accountColumns = []string{
	"id", "email", "name", "api_key", "tier", "window_started_at",
	"documents_used", "enrichments_used", "version", "created_at", "updated_at",
}

type AccountRepository interface {
	Create(ctx context.Context, a *entity.Account) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Account, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*entity.Account, error)
	GetByEmail(ctx context.Context, email string) (*entity.Account, error)
	List(ctx context.Context) ([]*entity.Account, error)
	// CompareAndSwap writes tier, window and counters only if the stored
	// version still equals expectedVersion. It bumps the version on success.
	CompareAndSwap(ctx context.Context, next *entity.Account, expectedVersion int64) (bool, error)
	RotateAPIKey(ctx context.Context, id uuid.UUID, apiKey string) error
}

type accountRepo struct {
	db  *DB
	log *slog.Logger
}

func NewAccountRepository(db *DB, log *slog.Logger) AccountRepository {
	if log == nil {
		log = slog.Default()
	}
	return &accountRepo{db: db, log: log}
}

func (r *accountRepo) Create(ctx context.Context, a *entity.Account) error {
	now := time.Now().UTC()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Tier == "" {
		a.Tier = constants.TierFree
	}
	if a.WindowStartedAt.IsZero() {
		a.WindowStartedAt = now
	}
	a.CreatedAt, a.UpdatedAt = now, now

	q := r.db.builder().Insert(accountsTable).
		Columns(accountColumns...).
		Values(a.ID.String(), strings.ToLower(strings.TrimSpace(a.Email)), a.Name, a.APIKey, string(a.Tier),
			toMillis(a.WindowStartedAt), a.DocumentsUsed, a.EnrichmentsUsed, a.Version,
			toMillis(a.CreatedAt), toMillis(a.UpdatedAt))
	if _, err := exec(ctx, r.db.SQL, q); err != nil {
		r.log.Error("account create failed", "email", a.Email, "err", err)
		return fmt.Errorf("create account: %w", err)
	}
	r.log.Info("account created", "account_id", a.ID, "tier", a.Tier)
	return nil
}

func (r *accountRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Account, error) {
	return r.getOne(ctx, entsql.EQ("id", id.String()))
}

func (r *accountRepo) GetByAPIKey(ctx context.Context, apiKey string) (*entity.Account, error) {
	if apiKey == "" {
		return nil, common.ErrUnauthorized
	}
	a, err := r.getOne(ctx, entsql.EQ("api_key", apiKey))
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrUnauthorized
	}
	return a, err
}

func (r *accountRepo) GetByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return r.getOne(ctx, entsql.EQ("email", strings.ToLower(strings.TrimSpace(email))))
}

func (r *accountRepo) getOne(ctx context.Context, where *entsql.Predicate) (*entity.Account, error) {
	q, args := r.db.builder().Select(accountColumns...).
		From(r.db.builder().Table(accountsTable)).
		Where(where).
		Query()
	a, err := scanAccount(r.db.SQL.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account: %w", common.ErrNotFound)
	}
	if err != nil {
		r.log.Error("account lookup failed", "err", err)
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (r *accountRepo) List(ctx context.Context) ([]*entity.Account, error) {
	q, args := r.db.builder().Select(accountColumns...).
		From(r.db.builder().Table(accountsTable)).
		OrderBy("created_at").
		Query()
	rows, err := r.db.SQL.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*entity.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *accountRepo) CompareAndSwap(ctx context.Context, next *entity.Account, expectedVersion int64) (bool, error) {
	now := time.Now().UTC()
	q := r.db.builder().Update(accountsTable).
		Set("tier", string(next.Tier)).
		Set("window_started_at", toMillis(next.WindowStartedAt)).
		Set("documents_used", next.DocumentsUsed).
		Set("enrichments_used", next.EnrichmentsUsed).
		Set("version", expectedVersion+1).
		Set("updated_at", toMillis(now)).
		Where(entsql.And(
			entsql.EQ("id", next.ID.String()),
			entsql.EQ("version", expectedVersion),
		))
	res, err := exec(ctx, r.db.SQL, q)
	if err != nil {
		r.log.Error("account cas failed", "account_id", next.ID, "err", err)
		return false, fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		next.Version = expectedVersion + 1
		next.UpdatedAt = now
		return true, nil
	}
	return false, nil
}

func (r *accountRepo) RotateAPIKey(ctx context.Context, id uuid.UUID, apiKey string) error {
	q := r.db.builder().Update(accountsTable).
		Set("api_key", apiKey).
		Set("updated_at", toMillis(time.Now())).
		Where(entsql.EQ("id", id.String()))
	res, err := exec(ctx, r.db.SQL, q)
	if err != nil {
		r.log.Error("api key rotation failed", "account_id", id, "err", err)
		return fmt.Errorf("rotate api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, common.ErrNotFound)
	}
	r.log.Info("api key rotated", "account_id", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(s rowScanner) (*entity.Account, error) {
	var (
		a                          entity.Account
		id, tier                   string
		windowMs, createdMs, updMs int64
	)
	if err := s.Scan(&id, &a.Email, &a.Name, &a.APIKey, &tier, &windowMs,
		&a.DocumentsUsed, &a.EnrichmentsUsed, &a.Version, &createdMs, &updMs); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("account id %q: %w", id, err)
	}
	a.ID = parsed
	a.Tier = constants.Tier(tier)
	a.WindowStartedAt = fromMillis(windowMs)
	a.CreatedAt = fromMillis(createdMs)
	a.UpdatedAt = fromMillis(updMs)
	return &a, nil
}
