package ocr

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// tesseract TSV columns:
// level page_num block_num par_num line_num word_num left top width height conf text
const (
	tsvLevel = iota
	tsvPage
	tsvBlock
	tsvPar
	tsvLine
	tsvWord
	tsvLeft
	tsvTop
	tsvWidth
	tsvHeight
	tsvConf
	tsvText
	tsvColumns
)

const tsvWordLevel = "5"

type lineKey struct{ block, par, line int }

// parseTSV groups level-5 word rows into lines for one page.
func parseTSV(data []byte, pageNumber int) Page {
	page := Page{Number: pageNumber}
	index := map[lineKey]int{}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	first := true
	for sc.Scan() {
		row := sc.Text()
		if first {
			first = false
			if strings.HasPrefix(row, "level") {
				continue
			}
		}
		cols := strings.Split(row, "\t")
		if len(cols) < tsvColumns || cols[tsvLevel] != tsvWordLevel {
			continue
		}
		text := strings.TrimSpace(cols[tsvText])
		if text == "" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[tsvConf], 64)
		if err != nil || conf < 0 {
			conf = 0
		}
		key := lineKey{atoi(cols[tsvBlock]), atoi(cols[tsvPar]), atoi(cols[tsvLine])}
		i, ok := index[key]
		if !ok {
			i = len(page.Lines)
			index[key] = i
			page.Lines = append(page.Lines, Line{})
		}
		page.Lines[i].Words = append(page.Lines[i].Words, Word{Text: text, Confidence: conf})
	}

	kept := page.Lines[:0]
	var pageSum float64
	for _, ln := range page.Lines {
		parts := make([]string, len(ln.Words))
		var sum float64
		for j, w := range ln.Words {
			parts[j] = w.Text
			sum += w.Confidence
		}
		ln.Text = NormalizeLine(strings.Join(parts, " "))
		if ln.Text == "" {
			continue
		}
		ln.Confidence = sum / float64(len(ln.Words))
		pageSum += ln.Confidence
		kept = append(kept, ln)
	}
	page.Lines = kept
	if len(kept) > 0 {
		page.Confidence = pageSum / float64(len(kept))
	}
	return page
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
