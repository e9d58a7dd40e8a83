package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/docjobs/internal/app"
	"github.com/joseph-ayodele/docjobs/internal/services/account"
)

func newAccountCmd(g *globals) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
		Long:  `Create accounts, inspect usage, change tiers and rotate API keys.`,
	}

	var req account.CreateAccountRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an account and print its API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.build(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())
			acct, err := a.AccountSvc.CreateAccount(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:      %s\n", acct.ID)
			fmt.Fprintf(out, "email:   %s\n", acct.Email)
			fmt.Fprintf(out, "tier:    %s\n", acct.Tier)
			fmt.Fprintf(out, "api_key: %s\n", acct.APIKey)
			return nil
		},
	}
	create.Flags().StringVar(&req.Email, "email", "", "Account email (required)")
	create.Flags().StringVar(&req.Name, "name", "", "Display name")
	create.Flags().StringVar(&req.Tier, "tier", "", "Initial tier (FREE, PRO, ENTERPRISE)")
	_ = create.MarkFlagRequired("email")

	show := &cobra.Command{
		Use:   "show [id-or-email]",
		Short: "Show tier and usage for the current window",
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
			usage, err := a.Ledger.Usage(cmd.Context(), acct.ID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "id:\t%s\n", acct.ID)
			fmt.Fprintf(w, "email:\t%s\n", acct.Email)
			fmt.Fprintf(w, "tier:\t%s\n", usage.Tier)
			fmt.Fprintf(w, "documents:\t%d / %d\n", usage.DocumentsUsed, usage.Limits.Documents)
			fmt.Fprintf(w, "enrichments:\t%d / %d\n", usage.EnrichmentsUsed, usage.Limits.Enrichments)
			fmt.Fprintf(w, "pages per document:\t%d\n", usage.Limits.PagesPerDocument)
			fmt.Fprintf(w, "max file size:\t%d bytes\n", usage.Limits.MaxFileSize)
			fmt.Fprintf(w, "window ends:\t%s\n", usage.WindowEndsAt.UTC().Format("2006-01-02 15:04:05"))
			return w.Flush()
		},
	}

	tier := &cobra.Command{
		Use:   "tier [id-or-email] [tier]",
		Short: "Change an account's tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := app.ParseTier(args[1])
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
			updated, err := a.Ledger.SetTier(cmd.Context(), acct.ID, t)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", updated.Email, updated.Tier)
			return nil
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate-key [id-or-email]",
		Short: "Issue a new API key; the old one stops working",
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
			key, err := a.AccountSvc.RotateAPIKey(cmd.Context(), acct.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "api_key: %s\n", key)
			return nil
		},
	}

	accountCmd.AddCommand(create, show, tier, rotate)
	return accountCmd
}
