package jobs

import (
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docjobs/constants"
)

// ArtifactKey derives the artifact name from the uploaded filename: the base
// name without extension plus a kind suffix. The same filename always maps to
// the same key.
func ArtifactKey(filename string, kind constants.ArtifactKind) string {
	base := baseName(filename)
	switch kind {
	case constants.ArtifactEnrichmentJSON:
		return base + "_analysis.json"
	default:
		return base + "_result.csv"
	}
}

// AccountArtifactKey places an artifact under the owning account's namespace.
func AccountArtifactKey(accountID uuid.UUID, filename string, kind constants.ArtifactKind) string {
	return "accounts/" + accountID.String() + "/results/" + ArtifactKey(filename, kind)
}

// UploadKey returns a fresh object key for an uploaded source file.
func UploadKey(accountID uuid.UUID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "document"
	}
	return "accounts/" + accountID.String() + "/uploads/" + uuid.NewString() + "/" + name
}

func baseName(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	name = strings.TrimSuffix(name, path.Ext(name))
	if name == "" || name == "." || name == "/" {
		return "document"
	}
	return name
}
