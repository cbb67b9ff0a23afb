package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/vault"
)

var (
	nomineeIdentity string
	nomineeTrigger  int
)

var nomineeCmd = &cobra.Command{
	Use:   "nominee",
	Short: "Manage the share set and emergency-access nominees",
}

var nomineeRegenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Split the vault key into a fresh share set",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			set, err := s.RegenerateShares(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Share set %s created (generation %d); earlier nominees must be reissued\n", set.ID, set.Generation)
			return nil
		})
	},
}

var nomineeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Wrap Share C for a new nominee",
	RunE: func(cmd *cobra.Command, args []string) error {
		if nomineeIdentity == "" {
			return errors.New("--identity is required")
		}
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			pw, err := nomineePassword(cmd)
			if err != nil {
				return err
			}
			n, err := s.CreateNominee(ctx, nomineeIdentity, pw, nomineeTrigger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Nominee %s added for %s (trigger %d days)\n", n.ID, n.Identity, n.TriggerDays)
			fmt.Fprintln(cmd.OutOrStdout(), "Give the nominee password to them in person; it is never sent.")
			return nil
		})
	},
}

var nomineeReissueCmd = &cobra.Command{
	Use:   "reissue <nominee-id>",
	Short: "Rewrap the current Share C for an existing nominee",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			pw, err := nomineePassword(cmd)
			if err != nil {
				return err
			}
			n, err := s.ReissueNominee(ctx, args[0], pw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Nominee %s reissued for share set %s\n", n.ID, n.ShareSetID)
			return nil
		})
	},
}

var nomineeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nominees and the current share set",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			out := cmd.OutOrStdout()
			set, err := s.ShareSet(ctx)
			switch {
			case errors.Is(err, vault.ErrNoShareSet):
				fmt.Fprintln(out, "No share set; run 'ironkeep nominee regenerate'")
			case err != nil:
				return err
			default:
				fmt.Fprintf(out, "Share set %s (generation %d, created %s)\n\n", set.ID, set.Generation, set.CreatedAt.Format(time.RFC3339))
			}
			list, err := s.Nominees(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tIDENTITY\tTRIGGER\tACTIVE\tSHARE SET")
			for _, n := range list {
				fmt.Fprintf(tw, "%s\t%s\t%dd\t%t\t%s\n", n.ID, n.Identity, n.TriggerDays, n.Active, n.ShareSetID)
			}
			return tw.Flush()
		})
	},
}

var nomineeShowCmd = &cobra.Command{
	Use:   "share <nominee-id>",
	Short: "Print a nominee's wrapped share for redelivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(ctx context.Context, _ *client, v *vault.Vault) error {
			share, err := v.NomineeShare(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(share)
		})
	},
}

var nomineeRemoveCmd = &cobra.Command{
	Use:   "remove <nominee-id>",
	Short: "Delete a nominee",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			if err := s.RemoveNominee(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Nominee %s removed\n", args[0])
			return nil
		})
	},
}

func nomineePassword(cmd *cobra.Command) (string, error) {
	pw, confirm, err := newPrompter(cmd).newPassword("Nominee password")
	if err != nil {
		return "", err
	}
	if pw != confirm {
		return "", vault.ErrPasswordMismatch
	}
	return pw, nil
}

func init() {
	rootCmd.AddCommand(nomineeCmd)
	addVaultFlags(nomineeCmd, false)
	nomineeCmd.AddCommand(nomineeRegenerateCmd, nomineeAddCmd, nomineeReissueCmd, nomineeListCmd, nomineeShowCmd, nomineeRemoveCmd)
	nomineeAddCmd.Flags().StringVar(&nomineeIdentity, "identity", "", "Nominee contact identity")
	nomineeAddCmd.Flags().IntVar(&nomineeTrigger, "trigger-days", 7, "Days a release request waits before the custodial share is released")
}
