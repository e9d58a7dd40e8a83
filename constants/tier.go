package constants

import "strings"

// Tier is an account's subscription plan.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

var allTiers = []Tier{TierFree, TierPro, TierEnterprise}

// Tiers returns every known tier in ascending order.
func Tiers() []Tier {
	out := make([]Tier, len(allTiers))
	copy(out, allTiers)
	return out
}

// CanonicalizeTier maps free-form input (billing payloads, CLI flags) onto a Tier.
// Unknown values fall back to FREE and report false.
func CanonicalizeTier(input string) (Tier, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return TierFree, false
	}

	synonyms := map[string]Tier{
		"basic":    TierFree,
		"starter":  TierFree,
		"premium":  TierPro,
		"plus":     TierPro,
		"business": TierEnterprise,
		"team":     TierEnterprise,
	}
	if t, ok := synonyms[normalized]; ok {
		return t, true
	}
	for _, t := range allTiers {
		if normalized == strings.ToLower(string(t)) {
			return t, true
		}
	}
	return TierFree, false
}
