package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHTTPTimeout = 45 * time.Second
	maxResponseBytes   = 4 << 20
	errorSnippetBytes  = 256
)

var (
	// ErrRateLimited marks a provider reply of 429.
	ErrRateLimited = errors.New("model provider rate limited")
	// ErrProviderUnavailable marks a 5xx provider reply.
	ErrProviderUnavailable = errors.New("model provider unavailable")
)

// StatusError is a non-2xx reply from a model endpoint. It unwraps to
// ErrRateLimited or ErrProviderUnavailable when the status calls for it.
type StatusError struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("status %d", e.StatusCode)
	if s := snippet(e.Body); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrProviderUnavailable
	}
	return nil
}

// Retryable reports whether a later attempt may succeed.
func (e *StatusError) Retryable() bool {
	return e.Unwrap() != nil
}

// SkipReason turns an analysis error into the short reason recorded on a
// skipped enrichment.
func SkipReason(err error) string {
	var se *StatusError
	switch {
	case errors.Is(err, ErrRateLimited):
		if errors.As(err, &se) && se.RetryAfter > 0 {
			return fmt.Sprintf("enrichment provider rate limited (retry after %s)", se.RetryAfter)
		}
		return "enrichment provider rate limited"
	case errors.Is(err, ErrProviderUnavailable):
		return "enrichment provider unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "enrichment timed out"
	}
	return "analysis unavailable: " + err.Error()
}

// SendJSON posts body as JSON to url and returns the reply body and status.
// A non-2xx reply comes back together with a *StatusError.
func SendJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string, logger *slog.Logger) ([]byte, int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	log := logger.With("req_id", uuid.NewString())

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encode json: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		log.Warn("llm.http.send_error", "url", url, "err", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	elapsed := time.Since(start).Milliseconds()

	if resp.StatusCode/100 == 2 {
		log.Debug("llm.http.ok", "url", url, "status", resp.StatusCode,
			"request_bytes", len(payload), "response_bytes", len(raw), "elapsed_ms", elapsed)
		return raw, resp.StatusCode, nil
	}
	se := &StatusError{
		StatusCode: resp.StatusCode,
		Body:       raw,
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
	log.Warn("llm.http.status", "url", url, "status", resp.StatusCode, "retryable", se.Retryable(),
		"retry_after", se.RetryAfter, "elapsed_ms", elapsed)
	return raw, resp.StatusCode, se
}

// retryAfter reads the delay-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > errorSnippetBytes {
		s = s[:errorSnippetBytes] + "..."
	}
	return s
}
