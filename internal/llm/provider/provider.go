// Package provider builds the configured enrichment model client.
package provider

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/llm"
	"github.com/joseph-ayodele/docjobs/internal/llm/anthropic"
	"github.com/joseph-ayodele/docjobs/internal/llm/openai"
)

// New returns the Invoker for cfg.Provider, or nil when enrichment is disabled.
func New(cfg common.EnrichmentConfig, logger *slog.Logger) (llm.Invoker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "":
		return nil, nil
	case "anthropic":
		c, err := anthropic.NewClient(anthropic.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout.Duration,
		}, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "openai":
		model := cfg.Model
		if strings.HasPrefix(model, "claude") {
			// the shipped default names a Claude model
			model = ""
		}
		return openai.NewClient(openai.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout.Duration,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown enrichment provider %q", cfg.Provider)
	}
}
