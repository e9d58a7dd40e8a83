package quota

import (
	"time"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/common"
)

// Resource is a metered counter on an account.
type Resource string

const (
	Documents   Resource = "documents"
	Enrichments Resource = "enrichments"
)

// Limits are the per-window allowances of one tier.
type Limits struct {
	Documents        int   `json:"documents"`
	PagesPerDocument int   `json:"pages_per_document"`
	MaxFileSize      int64 `json:"max_file_size"`
	Enrichments      int   `json:"enrichments"`
}

// Allowance returns the limit for r.
func (l Limits) Allowance(r Resource) int {
	if r == Enrichments {
		return l.Enrichments
	}
	return l.Documents
}

// Policy maps tiers to limits and defines the usage window.
type Policy struct {
	Window time.Duration
	Tiers  map[constants.Tier]Limits
}

// DefaultPolicy mirrors the built-in configuration defaults.
func DefaultPolicy() Policy {
	return PolicyFromConfig(common.DefaultConfig().Quota)
}

// PolicyFromConfig builds a Policy from the [quota] config section.
// Unrecognised tier names are ignored.
func PolicyFromConfig(cfg common.QuotaConfig) Policy {
	p := Policy{Window: cfg.Window.Duration, Tiers: make(map[constants.Tier]Limits, len(cfg.Tiers))}
	if p.Window <= 0 {
		p.Window = 30 * 24 * time.Hour
	}
	for name, l := range cfg.Tiers {
		tier, ok := constants.CanonicalizeTier(name)
		if !ok {
			continue
		}
		p.Tiers[tier] = Limits{
			Documents:        l.Documents,
			PagesPerDocument: l.PagesPerDocument,
			MaxFileSize:      l.MaxFileSize,
			Enrichments:      l.Enrichments,
		}
	}
	return p
}

// LimitsFor returns the tier's limits, falling back to FREE for unknown tiers.
func (p Policy) LimitsFor(tier constants.Tier) Limits {
	if l, ok := p.Tiers[tier]; ok {
		return l
	}
	return p.Tiers[constants.TierFree]
}

// Expired reports whether a window that started at start has elapsed at now.
func (p Policy) Expired(start, now time.Time) bool {
	return !now.Before(start.Add(p.Window))
}
