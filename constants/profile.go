package constants

import "strings"

// AnalysisProfile selects the enrichment prompt and output schema.
type AnalysisProfile string

const (
	ProfileGeneral  AnalysisProfile = "general"
	ProfileInvoice  AnalysisProfile = "invoice"
	ProfileContract AnalysisProfile = "contract"
	ProfileForm     AnalysisProfile = "form"
)

var allProfiles = []AnalysisProfile{ProfileGeneral, ProfileInvoice, ProfileContract, ProfileForm}

// Profiles returns the fixed set of analysis profiles.
func Profiles() []AnalysisProfile {
	out := make([]AnalysisProfile, len(allProfiles))
	copy(out, allProfiles)
	return out
}

// CanonicalizeProfile resolves input to a known profile. Unknown input falls
// back to GENERAL rather than failing.
func CanonicalizeProfile(input string) AnalysisProfile {
	normalized := strings.ToLower(strings.TrimSpace(input))
	for _, p := range allProfiles {
		if normalized == string(p) {
			return p
		}
	}
	return ProfileGeneral
}

// ArtifactKind identifies a derived output stored in the object store.
type ArtifactKind string

const (
	ArtifactTabularText    ArtifactKind = "TABULAR_TEXT"
	ArtifactEnrichmentJSON ArtifactKind = "ENRICHMENT_JSON"
)

// BlockType is the structural level of an extracted text unit.
type BlockType string

const (
	BlockPage BlockType = "PAGE"
	BlockLine BlockType = "LINE"
	BlockWord BlockType = "WORD"
)
