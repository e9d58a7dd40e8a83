package ocr

import (
	"context"
	"fmt"
	"strconv"

	"github.com/joseph-ayodele/docjobs/constants"
)

func (e *Extractor) extractImage(ctx context.Context, path string) (Result, error) {
	page, warn, err := e.tesseractPage(ctx, path, 1)
	if err != nil {
		return Result{SourceType: constants.IMAGE, Warnings: warn}, err
	}
	return Result{
		Pages:      []Page{page},
		SourceType: constants.IMAGE,
		Warnings:   warn,
	}, nil
}

// tesseractPage runs tesseract in TSV mode on one image.
func (e *Extractor) tesseractPage(ctx context.Context, path string, pageNumber int) (Page, []string, error) {
	args := []string{path, "stdout", "-l", e.cfg.TesseractLang}
	if e.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(e.cfg.PSM))
	}
	if e.cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(e.cfg.OEM))
	}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	args = append(args, "tsv")

	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, args...)
	if err != nil {
		return Page{Number: pageNumber}, []string{string(errb)}, fmt.Errorf("ocr page %d: %w", pageNumber, err)
	}
	return parseTSV(out, pageNumber), nil, nil
}
