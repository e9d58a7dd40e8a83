package jobs

import (
	"bytes"
	"encoding/csv"
	"strings"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/entity"
)

// TabularHeader is the single column of the tabular artifact.
const TabularHeader = "DetectedText"

// LineTexts projects LINE blocks to their text, in order.
func LineTexts(blocks []entity.Block) []string {
	var out []string
	for _, b := range blocks {
		if b.Type == constants.BlockLine {
			out = append(out, b.Text)
		}
	}
	return out
}

// TabularCSV renders LINE blocks as a one-column CSV with a header row.
func TabularCSV(blocks []entity.Block) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{TabularHeader}); err != nil {
		return nil, err
	}
	for _, line := range LineTexts(blocks) {
		if err := w.Write([]string{line}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DocumentText joins line texts with newlines for enrichment prompts.
func DocumentText(blocks []entity.Block) string {
	return strings.Join(LineTexts(blocks), "\n")
}

func countPages(blocks []entity.Block) int {
	n := 0
	for _, b := range blocks {
		if b.Type == constants.BlockPage {
			n++
		}
	}
	return n
}
