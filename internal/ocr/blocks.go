package ocr

import (
	"fmt"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/entity"
)

// Blocks flattens the result into PAGE, LINE and WORD blocks in reading order.
// Each PAGE block precedes its lines and each LINE precedes its words.
func (r Result) Blocks() []entity.Block {
	var out []entity.Block
	for _, p := range r.Pages {
		out = append(out, entity.Block{
			ID:         fmt.Sprintf("p%d", p.Number),
			Type:       constants.BlockPage,
			Page:       p.Number,
			Confidence: p.Confidence,
		})
		for li, ln := range p.Lines {
			out = append(out, entity.Block{
				ID:         fmt.Sprintf("p%d-l%d", p.Number, li+1),
				Type:       constants.BlockLine,
				Text:       ln.Text,
				Page:       p.Number,
				Confidence: ln.Confidence,
			})
			for wi, w := range ln.Words {
				out = append(out, entity.Block{
					ID:         fmt.Sprintf("p%d-l%d-w%d", p.Number, li+1, wi+1),
					Type:       constants.BlockWord,
					Text:       w.Text,
					Page:       p.Number,
					Confidence: w.Confidence,
				})
			}
		}
	}
	return out
}
