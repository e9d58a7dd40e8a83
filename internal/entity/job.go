package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docjobs/constants"
)

// Job is one document's extraction lifecycle for data transfer between layers.
type Job struct {
	ID                   string              `json:"id"`
	AccountID            uuid.UUID           `json:"account_id"`
	SourceObjectKey      string              `json:"source_object_key"`
	OriginalFilename     string              `json:"original_filename"`
	FileSize             int64               `json:"file_size"`
	Status               constants.JobStatus `json:"status"`
	FailureReason        string              `json:"failure_reason,omitempty"`
	EnrichmentProfile    string              `json:"enrichment_profile,omitempty"`
	PageCount            int                 `json:"page_count"`
	EnrichmentSkipReason string              `json:"enrichment_skip_reason,omitempty"`
	ResultBlocks         []Block             `json:"-"`
	Artifacts            []Artifact          `json:"artifacts,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
	FinishedAt           *time.Time          `json:"finished_at,omitempty"`
}

// State is the externally visible lifecycle state.
func (j *Job) State() string {
	return j.Status.ExternalState()
}

// Block is a unit of extracted text.
type Block struct {
	ID         string              `json:"id"`
	Type       constants.BlockType `json:"type"`
	Text       string              `json:"text,omitempty"`
	Page       int                 `json:"page"`
	Confidence float64             `json:"confidence"`
}

// Artifact is a derived output stored in the object store.
type Artifact struct {
	Kind        constants.ArtifactKind `json:"kind"`
	Key         string                 `json:"key"`
	ContentType string                 `json:"content_type"`
	Size        int64                  `json:"size"`
}
