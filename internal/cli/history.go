package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [id-or-email]",
		Short: "List processed documents, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.build(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())
			acct, err := a.AccountSvc.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			recs, err := a.History.ListByAccount(cmd.Context(), acct.ID, limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No documents processed yet.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROCESSED\tFILE\tPAGES\tPROFILE\tJOB")
			for _, r := range recs {
				profile := r.AnalysisProfile
				if profile == "" {
					profile = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					r.CreatedAt.UTC().Format("2006-01-02 15:04"), r.Filename, r.PageCount, profile, r.JobID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows (0 for all)")
	return cmd
}

func newExportCmd(g *globals) *cobra.Command {
	var from, to, outPath string
	cmd := &cobra.Command{
		Use:   "export [id-or-email]",
		Short: "Write document history to an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromPtr, err := parseDay(from, "from")
			if err != nil {
				return err
			}
			toPtr, err := parseDay(to, "to")
			if err != nil {
				return err
			}
			a, err := g.build(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())
			acct, err := a.AccountSvc.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, rows, err := a.Exporter.ExportHistoryXLSX(cmd.Context(), acct.ID, fromPtr, toPtr)
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", rows, outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "First day to include (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Last day to include (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "history.xlsx", "Output file")
	return cmd
}

func parseDay(s, flag string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("--%s must be YYYY-MM-DD", flag)
	}
	return &t, nil
}
