package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/app"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/jobs"
	"github.com/joseph-ayodele/docjobs/internal/llm"
	"github.com/joseph-ayodele/docjobs/internal/llm/provider"
	"github.com/joseph-ayodele/docjobs/internal/ocr"
)

func newOCRCmd(g *globals) *cobra.Command {
	var csvOut bool
	cmd := &cobra.Command{
		Use:   "ocr [file]",
		Short: "Run local OCR on a file and print the recognised lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			x := ocr.NewExtractor(app.OCRConfig(cfg), logger)
			res, err := x.Extract(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			blocks := res.Blocks()
			out := cmd.OutOrStdout()
			if csvOut {
				data, err := jobs.TabularCSV(blocks)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}
			for _, line := range jobs.LineTexts(blocks) {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&csvOut, "csv", false, "Print the tabular CSV artifact instead of plain lines")
	return cmd
}

func newAnalyzeCmd(g *globals) *cobra.Command {
	var profile string
	cmd := &cobra.Command{
		Use:   "analyze [file|-]",
		Short: "Run enrichment on text, or on a document after local OCR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			invoker, err := provider.New(cfg.Enrichment, logger)
			if err != nil {
				return err
			}
			if invoker == nil {
				return fmt.Errorf("enrichment provider not configured (set ENRICHMENT_PROVIDER): %w", common.ErrInvalidInput)
			}

			text, err := readText(cmd, cfg, logger, args[0])
			if err != nil {
				return err
			}
			an := llm.NewAnalyzer(invoker, cfg.Enrichment.MaxChars, logger)
			res, err := an.Analyze(cmd.Context(), constants.CanonicalizeProfile(profile), text)
			if err != nil {
				return err
			}
			var pretty any
			if err := json.Unmarshal(res.JSON, &pretty); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}
	cmd.Flags().StringVarP(&profile, "profile", "p", string(constants.ProfileGeneral), "general, invoice, contract or form")
	return cmd
}

// readText returns stdin for "-", the OCR text of supported documents, and
// the raw contents of anything else.
func readText(cmd *cobra.Command, cfg *common.Config, logger *slog.Logger, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	}
	if _, ok := constants.AllowedExtensions[constants.NormalizeExt(filepath.Ext(path))]; ok {
		x := ocr.NewExtractor(app.OCRConfig(cfg), logger)
		res, err := x.Extract(cmd.Context(), path)
		if err != nil {
			return "", err
		}
		return jobs.DocumentText(res.Blocks()), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
