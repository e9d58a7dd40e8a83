package ocr

import (
	"regexp"
	"strings"
)

var (
	reMultiSpace = regexp.MustCompile(`\s{2,}`)
	reBoxNoise   = regexp.MustCompile(`^\s*[_\-=|]{3,}\s*$`)
)

// NormalizeLine collapses runs of whitespace. Lines made only of box-drawing
// noise come back empty.
func NormalizeLine(s string) string {
	if reBoxNoise.MatchString(s) {
		return ""
	}
	s = reMultiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
