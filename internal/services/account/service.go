package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/repository"
)

// APIKeyPrefix marks keys issued by this service.
const APIKeyPrefix = "dj_"

const apiKeyLen = len(APIKeyPrefix) + 64

// Service handles account business logic.
type Service struct {
	accounts repository.AccountRepository
	logger   *slog.Logger
}

// NewService creates a new account service.
func NewService(accounts repository.AccountRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{accounts: accounts, logger: logger}
}

// CreateAccountRequest represents account creation parameters.
type CreateAccountRequest struct {
	Email string
	Name  string
	Tier  string
}

// CreateAccount creates an account with a fresh API key. The returned account
// carries the plaintext key; it is not retrievable later.
func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*entity.Account, error) {
	validator := common.NewValidator()
	validator.Field("email", req.Email, common.Required, common.Email)
	validator.Field("name", req.Name, common.Max(200))
	if err := common.ValidateAndReturnError(validator); err != nil {
		return nil, err
	}

	tier := constants.TierFree
	if strings.TrimSpace(req.Tier) != "" {
		t, ok := constants.CanonicalizeTier(req.Tier)
		if !ok {
			return nil, common.NewAppError("VALIDATION_ERROR", fmt.Sprintf("unknown tier %q", req.Tier), common.ErrValidation)
		}
		tier = t
	}

	if _, err := s.accounts.GetByEmail(ctx, req.Email); err == nil {
		return nil, common.NewAppError("ALREADY_EXISTS", "an account with this email already exists", common.ErrInvalidInput)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	key, err := GenerateAPIKey()
	if err != nil {
		return nil, common.WrapError(err, "generate api key")
	}
	a := &entity.Account{
		Email:  strings.TrimSpace(req.Email),
		Name:   strings.TrimSpace(req.Name),
		Tier:   tier,
		APIKey: key,
	}
	if err := s.accounts.Create(ctx, a); err != nil {
		// DB error already logged in repository layer
		return nil, common.NewAppError("INTERNAL", "create account", err)
	}
	s.logger.Info("account.created", "account_id", a.ID, "tier", a.Tier)
	return a, nil
}

// Lookup resolves an account by UUID or email.
func (s *Service) Lookup(ctx context.Context, ref string) (*entity.Account, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("account reference is required: %w", common.ErrInvalidInput)
	}
	if strings.Contains(ref, "@") {
		return s.accounts.GetByEmail(ctx, ref)
	}
	v := common.NewValidator().Field("account", ref, common.UUID)
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}
	return s.accounts.Get(ctx, uuid.MustParse(ref))
}

// Authenticate returns the account owning apiKey.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*entity.Account, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("missing api key: %w", common.ErrUnauthorized)
	}
	// Shorter than any issued key.
	if common.MinLength("api_key", apiKey, apiKeyLen) != nil {
		return nil, fmt.Errorf("malformed api key: %w", common.ErrUnauthorized)
	}
	return s.accounts.GetByAPIKey(ctx, apiKey)
}

// RotateAPIKey replaces the account's key and returns the new one.
func (s *Service) RotateAPIKey(ctx context.Context, id uuid.UUID) (string, error) {
	key, err := GenerateAPIKey()
	if err != nil {
		return "", common.WrapError(err, "generate api key")
	}
	if err := s.accounts.RotateAPIKey(ctx, id, key); err != nil {
		return "", err
	}
	s.logger.Info("account.key.rotated", "account_id", id)
	return key, nil
}

// GenerateAPIKey returns a random 32-byte hex key with APIKeyPrefix.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}
