// Package extraction defines the contract with the asynchronous text-extraction
// service. Backends live in the remote and local subpackages.
package extraction

import (
	"context"
	"errors"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/entity"
)

// ErrUnknownJob is returned when the service has no record of a job id.
var ErrUnknownJob = errors.New("extraction job not found")

// ObjectRef points the service at an uploaded blob.
type ObjectRef struct {
	Bucket string
	Key    string
}

// Page is one response of GetStatus. While the job runs only Status is set.
// Once SUCCEEDED, Blocks holds one slice of results and NextCursor, when
// non-empty, fetches the next slice.
type Page struct {
	Status        constants.JobStatus
	StatusMessage string
	Blocks        []entity.Block
	NextCursor    string
	// Pages is the document page count when the service reports it.
	Pages int
}

// Client is the extraction service as seen by the job controller.
type Client interface {
	Start(ctx context.Context, ref ObjectRef) (jobID string, err error)
	GetStatus(ctx context.Context, jobID, cursor string) (Page, error)
}
