package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docjobs/constants"
)

// Account owns jobs and carries the usage counters for the current window.
type Account struct {
	ID              uuid.UUID      `json:"id"`
	Email           string         `json:"email"`
	Name            string         `json:"name,omitempty"`
	APIKey          string         `json:"-"`
	Tier            constants.Tier `json:"tier"`
	WindowStartedAt time.Time      `json:"window_started_at"`
	DocumentsUsed   int            `json:"documents_used"`
	EnrichmentsUsed int            `json:"enrichments_used"`
	Version         int64          `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
