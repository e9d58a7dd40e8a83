package entity

import (
	"time"

	"github.com/google/uuid"
)

// HistoryRecord is the immutable summary written once per succeeded job.
type HistoryRecord struct {
	ID                   uuid.UUID `json:"id"`
	AccountID            uuid.UUID `json:"account_id"`
	JobID                string    `json:"job_id"`
	Filename             string    `json:"filename"`
	TabularKey           string    `json:"tabular_key"`
	EnrichmentKey        string    `json:"enrichment_key,omitempty"`
	AnalysisProfile      string    `json:"analysis_profile,omitempty"`
	EnrichmentSkipReason string    `json:"enrichment_skip_reason,omitempty"`
	FileSize             int64     `json:"file_size"`
	PageCount            int       `json:"page_count"`
	CreatedAt            time.Time `json:"created_at"`
}
