package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/docjobs/internal/app"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/ingest"
)

type waitOptions struct {
	wait     bool
	interval time.Duration
	timeout  time.Duration
}

func (o *waitOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&o.wait, "wait", "w", false, "Keep polling until the job finishes")
	cmd.Flags().DurationVar(&o.interval, "interval", 2*time.Second, "Delay between polls when waiting")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 15*time.Minute, "Give up waiting after this long")
}

func newSubmitCmd(g *globals) *cobra.Command {
	var (
		acctRef string
		profile string
		opts    waitOptions
	)
	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Upload a document and start extraction",
		Long: `Uploads the file to the object store and submits it for text extraction.
With the local extraction backend the command always waits, since the job
runs inside this process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.build(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			inbox := ingest.NewInbox(a.Store, a.Controller, a.AccountSource(acctRef), profile, a.Logger)
			res, err := inbox.IngestPath(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job:    %s\n", res.JobID)
			fmt.Fprintf(out, "object: %s\n", res.ObjectKey)

			if !opts.wait && !a.Local() {
				return nil
			}
			job, err := waitForJob(cmd.Context(), a, res.JobID, opts)
			if err != nil {
				return err
			}
			return printJob(out, a, job)
		},
	}
	cmd.Flags().StringVarP(&acctRef, "account", "a", "", "Account id or email (required)")
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "Enrichment profile (general, invoice, contract, form)")
	_ = cmd.MarkFlagRequired("account")
	opts.bind(cmd)
	return cmd
}

func newPollCmd(g *globals) *cobra.Command {
	var opts waitOptions
	cmd := &cobra.Command{
		Use:   "poll [job-id]",
		Short: "Check a job once, or poll until it finishes with --wait",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.build(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			var job *entity.Job
			if opts.wait {
				job, err = waitForJob(cmd.Context(), a, args[0], opts)
			} else {
				job, err = a.Controller.Poll(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), a, job)
		},
	}
	opts.bind(cmd)
	return cmd
}

// waitForJob polls until the job is terminal, ctx ends or opts.timeout passes.
// Poll errors are retried; the last one is returned on timeout.
func waitForJob(ctx context.Context, a *app.App, jobID string, opts waitOptions) (*entity.Job, error) {
	if opts.interval <= 0 {
		opts.interval = 2 * time.Second
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	var lastErr error
	for {
		job, err := a.Controller.Poll(ctx, jobID)
		switch {
		case err != nil:
			lastErr = err
			a.Logger.Warn("cli.poll.retry", "job_id", jobID, "err", err)
		case job.Status.IsTerminal():
			return job, nil
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("gave up waiting for %s: %w", jobID, lastErr)
			}
			return nil, fmt.Errorf("gave up waiting for %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printJob(out io.Writer, a *app.App, job *entity.Job) error {
	fmt.Fprintf(out, "state:  %s (%s)\n", job.State(), job.Status)
	if job.FailureReason != "" {
		fmt.Fprintf(out, "reason: %s\n", job.FailureReason)
	}
	if job.PageCount > 0 {
		fmt.Fprintf(out, "pages:  %d\n", job.PageCount)
	}
	if job.EnrichmentSkipReason != "" {
		fmt.Fprintf(out, "enrichment skipped: %s\n", job.EnrichmentSkipReason)
	}
	for _, art := range job.Artifacts {
		link, err := a.Store.PresignDownload(art.Key, 0)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", art.Kind, link)
	}
	return nil
}
