// Package ingest feeds files from a local directory into the job controller:
// each file is uploaded to the object store and submitted for extraction.
package ingest

import (
	"context"
	"io"

	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/jobs"
)

// Result is the per-file ingest outcome.
type Result struct {
	SourcePath   string
	ObjectKey    string
	JobID        string
	Size         int64
	HashHex      string
	Deduplicated bool
	Err          string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Submitted    uint32
	Deduplicated uint32
	Failed       uint32
}

// Uploader stores source bytes.
type Uploader interface {
	PutStream(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// Submitter starts extraction for an uploaded object. Admit is checked
// before the upload so a rejected file never reaches the store.
type Submitter interface {
	Admit(ctx context.Context, req jobs.SubmitRequest) error
	Submit(ctx context.Context, req jobs.SubmitRequest) (*entity.Job, error)
}

// AccountSource returns the current state of the account files are ingested for.
type AccountSource func(ctx context.Context) (*entity.Account, error)
