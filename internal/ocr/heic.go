package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// convertHEICtoPNG converts a HEIC/HEIF file to a temporary PNG using the chosen converter.
// converter: "heif-convert" | "magick" | "sips"
//
// Returns (outPath, warnings, cleanup, err). Call cleanup() to remove temp files.
func convertHEICtoPNG(ctx context.Context, r Runner, converter, in, cacheDir string) (string, []string, func(), error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", nil, nil, err
	}
	tmpDir, err := os.MkdirTemp(cacheDir, "heic-*")
	if err != nil {
		return "", nil, nil, err
	}
	cleanup := func() { _ = os.RemoveAll(tmpDir) }
	out := filepath.Join(tmpDir, "page.png")

	var args []string
	switch converter {
	case "heif-convert", "magick":
		args = []string{in, out}
	case "sips":
		args = []string{"-s", "format", "png", in, "--out", out}
	default:
		return "", nil, cleanup, fmt.Errorf("HEIC not supported: set ocr.heic_converter to one of: heif-convert | magick | sips")
	}
	if _, errb, err := r.Run(ctx, converter, args...); err != nil {
		return "", []string{string(errb)}, cleanup, fmt.Errorf("convert heic: %w", err)
	}

	if _, statErr := os.Stat(out); statErr != nil {
		return "", nil, cleanup, fmt.Errorf("HEIC conversion produced no output: %w", statErr)
	}
	return out, nil, cleanup, nil
}
