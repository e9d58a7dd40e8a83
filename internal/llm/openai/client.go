package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joseph-ayodele/docjobs/internal/llm"
)

var _ llm.Invoker = (*Client)(nil)

const systemPrompt = "You extract structured information from documents. Reply with a single JSON object."

// Invoke implements llm.Invoker using chat/completions in JSON mode.
func (c *Client) Invoke(ctx context.Context, prompt string) (string, error) {
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
	}
	if c.cfg.MaxTokens > 0 {
		body["max_tokens"] = c.cfg.MaxTokens
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"

	raw, _, err := llm.SendJSON(ctx, c.http, endpoint, body, headers, c.log)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.openai.no_choices", "raw", truncate(string(raw), 512))
		return "", fmt.Errorf("no choices in openai response")
	}
	return strings.TrimSpace(cc.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
