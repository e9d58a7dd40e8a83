// Package anthropic invokes Claude models through the Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joseph-ayodele/docjobs/internal/llm"
)

const (
	DefaultBaseURL = "https://api.anthropic.com"
	DefaultModel   = "claude-3-haiku-20240307"

	anthropicVersion = "2023-06-01"
)

type Config struct {
	APIKey      string // if empty, falls back to env ANTHROPIC_API_KEY
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

var _ llm.Invoker = (*Client)(nil)

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: logger}, nil
}

// Invoke sends prompt as a single user turn and joins the text blocks of the reply.
func (c *Client) Invoke(ctx context.Context, prompt string) (string, error) {
	body := messagesRequest{
		Model:       c.cfg.Model,
		Messages:    []message{{Role: "user", Content: prompt}},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/messages"

	raw, status, err := llm.SendJSON(ctx, c.http, url, body, headers, c.log)

	var resp messagesResponse
	if len(raw) > 0 {
		if dErr := json.Unmarshal(raw, &resp); dErr != nil && err == nil {
			return "", fmt.Errorf("decode anthropic response: %w", dErr)
		}
	}
	if resp.Error != nil {
		if err != nil {
			return "", fmt.Errorf("anthropic error (status %d): %s: %w", status, resp.Error.Message, err)
		}
		return "", fmt.Errorf("anthropic error (status %d): %s", status, resp.Error.Message)
	}
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("anthropic: no response content returned")
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	c.log.Debug("llm.anthropic.usage", "model", c.cfg.Model,
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason)
	return out.String(), nil
}
