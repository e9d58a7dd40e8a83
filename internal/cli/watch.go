package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/docjobs/internal/ingest"
)

func newWatchCmd(g *globals) *cobra.Command {
	var (
		acctRef    string
		profile    string
		initial    bool
		skipHidden bool
		debounce   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Submit files dropped into directories and poll them to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.build(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			inbox := ingest.NewInbox(a.Store, a.Controller, a.AccountSource(acctRef), profile, a.Logger)
			out := cmd.OutOrStdout()

			grp, ctx := errgroup.WithContext(cmd.Context())
			grp.Go(func() error {
				return inbox.Watch(ctx, ingest.WatchConfig{
					Roots:       args,
					InitialScan: initial,
					Debounce:    debounce,
					SkipHidden:  skipHidden,
				}, func(r ingest.Result) {
					switch {
					case r.Err != "":
						fmt.Fprintf(out, "failed     %s: %s\n", r.SourcePath, r.Err)
					case r.Deduplicated:
						fmt.Fprintf(out, "duplicate  %s (job %s)\n", r.SourcePath, r.JobID)
					default:
						fmt.Fprintf(out, "submitted  %s (job %s)\n", r.SourcePath, r.JobID)
					}
				})
			})
			grp.Go(func() error { return a.RunPoller(ctx) })
			return grp.Wait()
		},
	}
	cmd.Flags().StringVarP(&acctRef, "account", "a", "", "Account id or email (required)")
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "Enrichment profile for submitted files")
	cmd.Flags().BoolVar(&initial, "initial-scan", true, "Submit files already present at startup")
	cmd.Flags().BoolVar(&skipHidden, "skip-hidden", true, "Ignore dot-files")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "Coalesce bursts of file events")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
