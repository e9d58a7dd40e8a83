// Package billing applies signed billing notifications to account tiers.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>".
const SignatureHeader = "Docjobs-Signature"

// Event types understood by the handler.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventTierChanged         = "tier.changed"
)

var ErrBadSignature = fmt.Errorf("billing signature: %w", common.ErrUnauthorized)

// Event is the webhook payload.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		AccountID string `json:"account_id"`
		Email     string `json:"customer_email"`
		Tier      string `json:"tier"`
	} `json:"data"`
}

// AccountFinder resolves the account an event refers to.
type AccountFinder interface {
	Get(ctx context.Context, id uuid.UUID) (*entity.Account, error)
	GetByEmail(ctx context.Context, email string) (*entity.Account, error)
}

// TierSetter changes an account's plan.
type TierSetter interface {
	SetTier(ctx context.Context, accountID uuid.UUID, tier constants.Tier) (*entity.Account, error)
}

// Outcome reports what an event did.
type Outcome struct {
	EventType string         `json:"event_type"`
	AccountID uuid.UUID      `json:"account_id,omitempty"`
	Tier      constants.Tier `json:"tier,omitempty"`
	Ignored   bool           `json:"ignored,omitempty"`
}

// Handler verifies and applies webhook deliveries.
type Handler struct {
	secret    []byte
	tolerance time.Duration
	accounts  AccountFinder
	tiers     TierSetter
	now       func() time.Time
	log       *slog.Logger
}

func NewHandler(secret string, tolerance time.Duration, accounts AccountFinder, tiers TierSetter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Handler{
		secret:    []byte(secret),
		tolerance: tolerance,
		accounts:  accounts,
		tiers:     tiers,
		now:       time.Now,
		log:       logger,
	}
}

// Sign builds a signature header value for payload at t.
func Sign(secret string, payload []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + mac([]byte(secret), ts, payload)
}

func mac(secret []byte, ts string, payload []byte) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(ts))
	m.Write([]byte{'.'})
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// Verify checks header against payload and the tolerance window.
func (h *Handler) Verify(payload []byte, header string) error {
	if len(h.secret) == 0 {
		return fmt.Errorf("webhook secret not configured: %w", ErrBadSignature)
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(sigs) == 0 {
		return fmt.Errorf("malformed header: %w", ErrBadSignature)
	}
	age := h.now().Sub(time.Unix(sec, 0))
	if age < 0 {
		age = -age
	}
	if age > h.tolerance {
		return fmt.Errorf("timestamp outside tolerance: %w", ErrBadSignature)
	}
	want := []byte(mac(h.secret, ts, payload))
	for _, s := range sigs {
		if hmac.Equal(want, []byte(s)) {
			return nil
		}
	}
	return ErrBadSignature
}

// Handle verifies a delivery and applies it. Unknown event types are
// acknowledged and ignored.
func (h *Handler) Handle(ctx context.Context, payload []byte, header string) (Outcome, error) {
	start := time.Now()
	if err := h.Verify(payload, header); err != nil {
		h.log.Warn("billing.webhook.rejected", "err", err)
		return Outcome{}, err
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Outcome{}, fmt.Errorf("decode event: %w", common.ErrInvalidInput)
	}
	out := Outcome{EventType: ev.Type}

	var tier constants.Tier
	switch ev.Type {
	case EventCheckoutCompleted:
		tier = constants.TierPro
	case EventSubscriptionDeleted:
		tier = constants.TierFree
	case EventTierChanged:
		t, ok := constants.CanonicalizeTier(ev.Data.Tier)
		if !ok {
			return out, fmt.Errorf("unknown tier %q: %w", ev.Data.Tier, common.ErrInvalidInput)
		}
		tier = t
	default:
		out.Ignored = true
		h.log.Info("billing.webhook.ignored", "event_id", ev.ID, "type", ev.Type)
		return out, nil
	}

	acct, err := h.resolve(ctx, ev)
	if err != nil {
		return out, err
	}
	updated, err := h.tiers.SetTier(ctx, acct.ID, tier)
	if err != nil {
		return out, err
	}
	out.AccountID, out.Tier = updated.ID, updated.Tier
	h.log.Info("billing.webhook.applied",
		"event_id", ev.ID,
		"type", ev.Type,
		"account_id", updated.ID,
		"tier", updated.Tier,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (h *Handler) resolve(ctx context.Context, ev Event) (*entity.Account, error) {
	if ev.Data.AccountID != "" {
		id, err := uuid.Parse(ev.Data.AccountID)
		if err != nil {
			return nil, fmt.Errorf("account_id: %w", common.ErrInvalidInput)
		}
		return h.accounts.Get(ctx, id)
	}
	if ev.Data.Email != "" {
		return h.accounts.GetByEmail(ctx, ev.Data.Email)
	}
	return nil, fmt.Errorf("event names no account: %w", common.ErrInvalidInput)
}
