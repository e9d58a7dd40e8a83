package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/repository"
)

const DefaultMaxRetries = 5

// errUnchanged aborts an update without writing and without failing.
var errUnchanged = errors.New("unchanged")

// Charge records a successful increment so it can be refunded within the same window.
type Charge struct {
	AccountID       uuid.UUID
	Resource        Resource
	WindowStartedAt time.Time
}

// Usage is a read-only snapshot of an account's standing in its window.
type Usage struct {
	Tier            constants.Tier `json:"tier"`
	Limits          Limits         `json:"limits"`
	DocumentsUsed   int            `json:"documents_used"`
	EnrichmentsUsed int            `json:"enrichments_used"`
	WindowStartedAt time.Time      `json:"window_started_at"`
	WindowEndsAt    time.Time      `json:"window_ends_at"`
}

// Ledger meters per-account usage with optimistic read-modify-write updates.
type Ledger struct {
	accounts   repository.AccountRepository
	policy     Policy
	maxRetries int
	now        func() time.Time
	log        *slog.Logger
}

type Option func(*Ledger)

func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

func NewLedger(accounts repository.AccountRepository, policy Policy, opts ...Option) *Ledger {
	l := &Ledger{
		accounts:   accounts,
		policy:     policy,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the tier policy the ledger enforces.
func (l *Ledger) Policy() Policy { return l.policy }

// LimitsFor returns the limits that apply to the account's tier.
func (l *Ledger) LimitsFor(a *entity.Account) Limits {
	return l.policy.LimitsFor(a.Tier)
}

// update applies mutate to a fresh copy of the account and writes it back with
// a version check, retrying on conflicts.
func (l *Ledger) update(ctx context.Context, accountID uuid.UUID, mutate func(a *entity.Account) error) (*entity.Account, error) {
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		current, err := l.accounts.Get(ctx, accountID)
		if err != nil {
			return nil, err
		}
		next := *current
		if err := mutate(&next); err != nil {
			if errors.Is(err, errUnchanged) {
				return current, nil
			}
			return current, err
		}
		ok, err := l.accounts.CompareAndSwap(ctx, &next, current.Version)
		if err != nil {
			return nil, err
		}
		if ok {
			return &next, nil
		}
		l.log.Debug("quota.cas.retry", "account_id", accountID, "attempt", attempt)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	l.log.Warn("quota.cas.exhausted", "account_id", accountID, "retries", l.maxRetries)
	return nil, fmt.Errorf("account %s: %w", accountID, common.ErrLedgerContention)
}

// resetIfExpired zeroes both counters and restarts the window. It reports
// whether anything changed.
func (l *Ledger) resetIfExpired(a *entity.Account, now time.Time) bool {
	if !l.policy.Expired(a.WindowStartedAt, now) {
		return false
	}
	a.DocumentsUsed = 0
	a.EnrichmentsUsed = 0
	// stored with millisecond precision
	a.WindowStartedAt = now.UTC().Truncate(time.Millisecond)
	return true
}

func used(a *entity.Account, r Resource) int {
	if r == Enrichments {
		return a.EnrichmentsUsed
	}
	return a.DocumentsUsed
}

func (l *Ledger) check(a *entity.Account, r Resource) error {
	limit := l.policy.LimitsFor(a.Tier).Allowance(r)
	if used(a, r) >= limit {
		return fmt.Errorf("%s %d/%d on %s: %w", r, used(a, r), limit, a.Tier, common.ErrQuotaExceeded)
	}
	return nil
}

// CheckAndMaybeReset persists a window reset when the window has elapsed and
// returns the account as it now stands.
func (l *Ledger) CheckAndMaybeReset(ctx context.Context, accountID uuid.UUID, now time.Time) (*entity.Account, error) {
	a, err := l.update(ctx, accountID, func(a *entity.Account) error {
		if !l.resetIfExpired(a, now) {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Admit checks that one more unit of r fits, resetting the window first if due.
// Nothing is charged.
func (l *Ledger) Admit(ctx context.Context, accountID uuid.UUID, r Resource) (*entity.Account, error) {
	now := l.now()
	return l.update(ctx, accountID, func(a *entity.Account) error {
		reset := l.resetIfExpired(a, now)
		if err := l.check(a, r); err != nil {
			return err
		}
		if !reset {
			return errUnchanged
		}
		return nil
	})
}

// Charge resets the window if due, checks the limit and increments r in a
// single versioned write.
func (l *Ledger) Charge(ctx context.Context, accountID uuid.UUID, r Resource) (Charge, error) {
	now := l.now()
	a, err := l.update(ctx, accountID, func(a *entity.Account) error {
		l.resetIfExpired(a, now)
		if err := l.check(a, r); err != nil {
			return err
		}
		if r == Enrichments {
			a.EnrichmentsUsed++
		} else {
			a.DocumentsUsed++
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrQuotaExceeded) {
			l.log.Info("quota.charge.denied", "account_id", accountID, "resource", r)
		}
		return Charge{}, err
	}
	l.log.Info("quota.charge", "account_id", accountID, "resource", r,
		"documents_used", a.DocumentsUsed, "enrichments_used", a.EnrichmentsUsed)
	return Charge{AccountID: accountID, Resource: r, WindowStartedAt: a.WindowStartedAt}, nil
}

// Refund undoes c if the account is still in the window the charge was made in.
func (l *Ledger) Refund(ctx context.Context, c Charge) error {
	_, err := l.update(ctx, c.AccountID, func(a *entity.Account) error {
		if !a.WindowStartedAt.Equal(c.WindowStartedAt) {
			return errUnchanged
		}
		switch {
		case c.Resource == Enrichments && a.EnrichmentsUsed > 0:
			a.EnrichmentsUsed--
		case c.Resource == Documents && a.DocumentsUsed > 0:
			a.DocumentsUsed--
		default:
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.log.Info("quota.refund", "account_id", c.AccountID, "resource", c.Resource)
	return nil
}

// SetTier changes the account's plan. Counters and window are left alone.
func (l *Ledger) SetTier(ctx context.Context, accountID uuid.UUID, tier constants.Tier) (*entity.Account, error) {
	a, err := l.update(ctx, accountID, func(a *entity.Account) error {
		if a.Tier == tier {
			return errUnchanged
		}
		a.Tier = tier
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("quota.tier.set", "account_id", accountID, "tier", tier)
	return a, nil
}

// Usage reports the account's counters, applying a due reset first.
func (l *Ledger) Usage(ctx context.Context, accountID uuid.UUID) (Usage, error) {
	a, err := l.CheckAndMaybeReset(ctx, accountID, l.now())
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		Tier:            a.Tier,
		Limits:          l.policy.LimitsFor(a.Tier),
		DocumentsUsed:   a.DocumentsUsed,
		EnrichmentsUsed: a.EnrichmentsUsed,
		WindowStartedAt: a.WindowStartedAt,
		WindowEndsAt:    a.WindowStartedAt.Add(l.policy.Window),
	}, nil
}
