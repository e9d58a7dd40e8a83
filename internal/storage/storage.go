// Package storage is the object store gateway: durable blobs addressed by key,
// plus time-limited download links.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/joseph-ayodele/docjobs/internal/common"
)

// ErrObjectNotFound is returned by backends for missing keys.
var ErrObjectNotFound = fmt.Errorf("object: %w", common.ErrNotFound)

// Backend stores and retrieves blobs.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Bucket names the container for extraction requests.
	Bucket() string
}

// Gateway wraps a Backend with link signing and logging.
type Gateway struct {
	backend    Backend
	signer     *Signer
	defaultTTL time.Duration
	log        *slog.Logger
}

func NewGateway(backend Backend, signer *Signer, defaultTTL time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTTL <= 0 {
		defaultTTL = 300 * time.Second
	}
	return &Gateway{backend: backend, signer: signer, defaultTTL: defaultTTL, log: logger}
}

// Bucket returns the backend bucket name.
func (g *Gateway) Bucket() string { return g.backend.Bucket() }

// Put stores data under key, overwriting any previous object.
func (g *Gateway) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return g.PutStream(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// PutStream stores r under key.
func (g *Gateway) PutStream(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	clean, err := CleanKey(key)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := g.backend.Put(ctx, clean, r, size, contentType); err != nil {
		g.log.Error("storage.put.error", "key", clean, "err", err)
		return fmt.Errorf("put %s: %w", clean, err)
	}
	g.log.Debug("storage.put", "key", clean, "size", size, "content_type", contentType,
		"elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// Get reads the whole object.
func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := g.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Open streams the object.
func (g *Gateway) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	rc, err := g.backend.Open(ctx, clean)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			g.log.Error("storage.get.error", "key", clean, "err", err)
		}
		return nil, fmt.Errorf("get %s: %w", clean, err)
	}
	return rc, nil
}

// PresignDownload returns a link valid for ttl (the gateway default when ttl <= 0).
func (g *Gateway) PresignDownload(key string, ttl time.Duration) (string, error) {
	if g.signer == nil {
		return "", fmt.Errorf("download signing not configured: %w", common.ErrInvalidInput)
	}
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = g.defaultTTL
	}
	return g.signer.SignURL(clean, time.Now().Add(ttl)), nil
}

// VerifyDownload checks a signed link's parameters.
func (g *Gateway) VerifyDownload(key, expires, sig string) error {
	if g.signer == nil {
		return common.ErrUnauthorized
	}
	clean, err := CleanKey(key)
	if err != nil {
		return err
	}
	return g.signer.Verify(clean, expires, sig, time.Now())
}

// CleanKey normalises an object key and rejects traversal.
func CleanKey(key string) (string, error) {
	k := strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	k = strings.TrimPrefix(path.Clean("/"+k), "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("empty object key: %w", common.ErrInvalidInput)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("object key %q escapes root: %w", key, common.ErrInvalidInput)
		}
	}
	return k, nil
}
