// Package remote talks to an extraction service over HTTP+JSON. The wire
// format follows the asynchronous document-analysis APIs of the large cloud
// OCR services: start a job, then page through results with a NextToken.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/extraction"
)

type Config struct {
	BaseURL string
	// APIKey is sent as a bearer token when no OAuth2 client is configured.
	APIKey       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RPS          float64
	Timeout      time.Duration
}

type Client struct {
	base    string
	http    *http.Client
	apiKey  string
	limiter *RateLimiter
	log     *slog.Logger
}

var _ extraction.Client = (*Client)(nil)

// ErrRateLimited is returned for 429 responses after the limiter backs off.
var ErrRateLimited = errors.New("extraction service rate limited")

func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("extraction base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var hc *http.Client
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		hc = cc.Client(ctx)
		hc.Timeout = timeout
	} else {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		apiKey:  cfg.APIKey,
		limiter: NewRateLimiter(cfg.RPS, 0),
		log:     logger,
	}, nil
}

type startRequest struct {
	DocumentLocation documentLocation `json:"DocumentLocation"`
	ClientRequestID  string           `json:"ClientRequestToken,omitempty"`
}

type documentLocation struct {
	Bucket string `json:"Bucket"`
	Name   string `json:"Name"`
}

type startResponse struct {
	JobID string `json:"JobId"`
}

type wireBlock struct {
	ID         string  `json:"Id"`
	BlockType  string  `json:"BlockType"`
	Text       string  `json:"Text"`
	Page       int     `json:"Page"`
	Confidence float64 `json:"Confidence"`
}

type statusResponse struct {
	JobStatus        string      `json:"JobStatus"`
	StatusMessage    string      `json:"StatusMessage"`
	NextToken        string      `json:"NextToken"`
	Blocks           []wireBlock `json:"Blocks"`
	DocumentMetadata struct {
		Pages int `json:"Pages"`
	} `json:"DocumentMetadata"`
}

func (c *Client) Start(ctx context.Context, ref extraction.ObjectRef) (string, error) {
	body := startRequest{
		DocumentLocation: documentLocation{Bucket: ref.Bucket, Name: ref.Key},
		ClientRequestID:  uuid.NewString(),
	}
	var out startResponse
	if err := c.do(ctx, http.MethodPost, c.base+"/jobs", body, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("extraction service returned no job id")
	}
	return out.JobID, nil
}

func (c *Client) GetStatus(ctx context.Context, jobID, cursor string) (extraction.Page, error) {
	u := c.base + "/jobs/" + url.PathEscape(jobID)
	if cursor != "" {
		u += "?" + url.Values{"NextToken": {cursor}}.Encode()
	}
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return extraction.Page{}, err
	}
	status, ok := constants.ParseJobStatus(out.JobStatus)
	if !ok {
		return extraction.Page{}, fmt.Errorf("unknown job status %q", out.JobStatus)
	}
	page := extraction.Page{
		Status:        status,
		StatusMessage: out.StatusMessage,
		NextCursor:    out.NextToken,
		Pages:         out.DocumentMetadata.Pages,
	}
	for _, b := range out.Blocks {
		page.Blocks = append(page.Blocks, entity.Block{
			ID:         b.ID,
			Type:       constants.BlockType(b.BlockType),
			Text:       b.Text,
			Page:       b.Page,
			Confidence: b.Confidence,
		})
	}
	return page, nil
}

// do sends one JSON request and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	reqID := uuid.NewString()
	start := time.Now()

	var rdr io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		rdr = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("extraction.http.send_error", "req_id", reqID, "method", method, "err", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<20))

	c.log.Debug("extraction.http.response", "req_id", reqID, "method", method, "status", resp.StatusCode,
		"bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.limiter.Backoff(resp.Header.Get("Retry-After"))
		return ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return extraction.ErrUnknownJob
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("extraction service: status %d: %s", resp.StatusCode, truncate(string(raw), 512))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
