package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/docjobs/constants"
)

func (e *Extractor) extractPDF(ctx context.Context, path string) (Result, error) {
	res := Result{SourceType: constants.PDF}
	if err := os.MkdirAll(e.cfg.ArtifactCacheDir, 0o755); err != nil {
		return res, err
	}
	tmpDir, err := os.MkdirTemp(e.cfg.ArtifactCacheDir, "pdf-*")
	if err != nil {
		return res, err
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			e.logger.Warn("ocr.cleanup.error", "dir", tmpDir, "err", err)
		}
	}()

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r 300 -png <in.pdf> <tmp/page>
	_, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm, "-r", strconv.Itoa(e.cfg.DPI), "-png", path, prefix)
	if err != nil {
		res.Warnings = append(res.Warnings, string(errb))
		return res, fmt.Errorf("render pdf: %w", err)
	}

	// prefix-1.png, prefix-2.png, ... (zero padded for larger documents)
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Slice(matches, func(i, j int) bool { return pageIndex(matches[i]) < pageIndex(matches[j]) })
	if e.cfg.MaxPages > 0 && len(matches) > e.cfg.MaxPages {
		res.Warnings = append(res.Warnings, fmt.Sprintf("truncated to %d pages", e.cfg.MaxPages))
		matches = matches[:e.cfg.MaxPages]
	}
	if len(matches) == 0 {
		res.Warnings = append(res.Warnings, "pdftoppm produced no images")
		return res, fmt.Errorf("no pages rendered")
	}

	for i, img := range matches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, w, err := e.tesseractPage(ctx, img, i+1)
		res.Warnings = append(res.Warnings, w...)
		if err != nil {
			// keep the page so numbering stays aligned with the document
			res.Warnings = append(res.Warnings, err.Error())
		}
		res.Pages = append(res.Pages, page)
	}
	return res, nil
}

func pageIndex(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".png")
	n, _ := strconv.Atoi(base[strings.LastIndex(base, "-")+1:])
	return n
}
