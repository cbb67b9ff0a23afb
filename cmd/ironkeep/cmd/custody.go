package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/custody"
	"github.com/jmcleod/ironkeep/threshold"
	"github.com/jmcleod/ironkeep/vault"
)

// releaser is the release-request surface shared by custody.Service and
// custody.Client.
type releaser interface {
	Held(ctx context.Context, vaultID string) (*custody.Deposit, error)
	RequestRelease(ctx context.Context, vaultID, nomineeID string) (*custody.Request, error)
	Cancel(ctx context.Context, vaultID, requestID string) (*custody.Request, error)
	Release(ctx context.Context, vaultID, requestID string) (threshold.Share, *custody.Request, error)
	Requests(ctx context.Context, vaultID string) ([]*custody.Request, error)
	Request(ctx context.Context, vaultID, requestID string) (*custody.Request, error)
}

var (
	_ releaser = (*custody.Service)(nil)
	_ releaser = (*custody.Client)(nil)
)

var requestNominee string

var custodyCmd = &cobra.Command{
	Use:   "custody",
	Short: "Inspect the custodial share and manage release requests",
}

var custodyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the custodial share held for the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCustody(cmd, func(ctx context.Context, rel releaser) error {
			d, err := rel.Held(ctx, vaultID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Holding share x=%d of set %s since %s\n", d.X, d.ShareSetID, d.DepositedAt.Format(time.RFC3339))
			return nil
		})
	},
}

var custodyRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Open a release request on behalf of a nominee",
	RunE: func(cmd *cobra.Command, args []string) error {
		if requestNominee == "" {
			return errors.New("--nominee is required")
		}
		return withCustody(cmd, func(ctx context.Context, rel releaser) error {
			r, err := rel.RequestRelease(ctx, vaultID, requestNominee)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s opened; the custodial share is released after %s unless the owner cancels\n", r.ID, r.ReleaseAt.Format(time.RFC3339))
			return nil
		})
	},
}

var custodyCancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a pending release request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCustody(cmd, func(ctx context.Context, rel releaser) error {
			r, err := rel.Cancel(ctx, vaultID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s %s\n", r.ID, r.Status)
			return nil
		})
	},
}

var custodyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List release requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCustody(cmd, func(ctx context.Context, rel releaser) error {
			reqs, err := rel.Requests(ctx, vaultID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNOMINEE\tSTATUS\tREQUESTED\tRELEASE AT")
			for _, r := range reqs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.NomineeID, r.Status, r.RequestedAt.Format(time.RFC3339), r.ReleaseAt.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

var custodyShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show one release request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCustody(cmd, func(ctx context.Context, rel releaser) error {
			r, err := rel.Request(ctx, vaultID, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Request %s for nominee %s: %s\n", r.ID, r.NomineeID, r.Status)
			if r.Open() {
				fmt.Fprintf(out, "Releasable from %s\n", r.ReleaseAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}

func withCustody(cmd *cobra.Command, fn func(ctx context.Context, rel releaser) error) error {
	return withVault(cmd, func(ctx context.Context, c *client, _ *vault.Vault) error {
		rel, err := c.custody()
		if err != nil {
			return err
		}
		return fn(ctx, rel)
	})
}

func init() {
	rootCmd.AddCommand(custodyCmd)
	addVaultFlags(custodyCmd, false)
	custodyCmd.AddCommand(custodyStatusCmd, custodyRequestCmd, custodyCancelCmd, custodyListCmd, custodyShowCmd)
	custodyRequestCmd.Flags().StringVar(&requestNominee, "nominee", "", "Nominee ID making the request")
}
