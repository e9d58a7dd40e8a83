package storage

import (
	"context"
	"fmt"

	"google.golang.org/api/option"

	"github.com/joseph-ayodele/docjobs/internal/common"
)

// NewBackend selects the backend named in cfg.
func NewBackend(ctx context.Context, cfg common.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "fs", "":
		return NewFSBackend(cfg.Dir)
	case "gcs":
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		return NewGCSBackend(ctx, cfg.Bucket, opts...)
	default:
		return nil, fmt.Errorf("storage backend %q: %w", cfg.Backend, common.ErrInvalidInput)
	}
}
