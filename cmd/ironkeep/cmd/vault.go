package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/vault"
)

var (
	recoverNominee string
	recoverRequest string
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Create, unlock and recover vaults",
}

var vaultCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a vault and print its first recovery artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(ctx context.Context, _ *client, v *vault.Vault) error {
			pw, confirm, err := newPrompter(cmd).newPassword("Password")
			if err != nil {
				return err
			}
			if pw != confirm {
				return vault.ErrPasswordMismatch
			}
			s, artifact, err := v.Create(ctx, pw)
			if err != nil {
				return err
			}
			defer s.Lock()
			fmt.Fprintf(cmd.OutOrStdout(), "Vault %s created (generation %d)\n", v.ID(), s.Generation())
			printArtifact(cmd, artifact)
			return nil
		})
	},
}

var vaultUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Check a password against the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Unlocked vault %s as %s (generation %d)\n", s.VaultID(), s.MemberID(), s.Generation())
			if !s.IsOwner() {
				return nil
			}
			pending, err := s.PendingRegrants(ctx)
			if err != nil {
				return err
			}
			for _, id := range pending {
				fmt.Fprintf(out, "Member %s is waiting for a regrant\n", id)
			}
			return nil
		})
	},
}

var vaultRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Unlock with a recovery artifact and set a new password",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(ctx context.Context, _ *client, v *vault.Vault) error {
			p := newPrompter(cmd)
			raw, err := p.ask("Recovery artifact")
			if err != nil {
				return err
			}
			cred, err := vault.ParseRecovery(raw)
			if err != nil {
				return err
			}
			s, err := v.Unlock(ctx, cred)
			if err != nil {
				return err
			}
			defer s.Lock()
			return completeReset(cmd, p, s)
		})
	},
}

var vaultRecoverSharesCmd = &cobra.Command{
	Use:   "recover-shares",
	Short: "Recover with a nominee share and the released custodial share",
	RunE: func(cmd *cobra.Command, args []string) error {
		if recoverNominee == "" || recoverRequest == "" {
			return errors.New("--nominee and --request are required")
		}
		return withVault(cmd, func(ctx context.Context, c *client, v *vault.Vault) error {
			rel, err := c.custody()
			if err != nil {
				return err
			}
			p := newPrompter(cmd)
			pw, err := p.ask("Nominee password")
			if err != nil {
				return err
			}
			shareC, err := v.ReadNominee(ctx, recoverNominee, pw)
			if err != nil {
				return err
			}
			defer shareC.Wipe()
			shareB, _, err := rel.Release(ctx, v.ID(), recoverRequest)
			if err != nil {
				return err
			}
			defer shareB.Wipe()

			s, err := v.RecoverWithShares(ctx, shareB, shareC)
			if err != nil {
				return err
			}
			defer s.Lock()
			return completeReset(cmd, p, s)
		})
	},
}

var vaultPasswdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the owner password",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(ctx context.Context, _ *client, v *vault.Vault) error {
			p := newPrompter(cmd)
			old, err := p.ask("Current password")
			if err != nil {
				return err
			}
			s, err := v.Unlock(ctx, vault.Password(old))
			if err != nil {
				return err
			}
			defer s.Lock()
			pw, confirm, err := p.newPassword("New password")
			if err != nil {
				return err
			}
			if err := s.ChangePassword(ctx, old, pw, confirm); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password changed (generation %d)\n", s.Generation())
			return nil
		})
	},
}

func completeReset(cmd *cobra.Command, p *prompter, s *vault.Session) error {
	fmt.Fprintln(cmd.ErrOrStderr(), "A new password is required before the vault can be used.")
	pw, confirm, err := p.newPassword("New password")
	if err != nil {
		return err
	}
	artifact, err := s.CompleteReset(cmd.Context(), pw, confirm)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Vault %s reset (generation %d)\n", s.VaultID(), s.Generation())
	printArtifact(cmd, artifact)
	fmt.Fprintln(out, "The share set and its nominees were invalidated; run 'ironkeep nominee regenerate' and reissue nominees.")
	return nil
}

func printArtifact(cmd *cobra.Command, artifact crypto.RecoveryArtifact) {
	defer artifact.Destroy()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Recovery artifact:\n\n    %s\n\n", artifact)
	fmt.Fprintln(out, "Store it offline. It is shown only once and replaces any earlier artifact.")
}

func init() {
	rootCmd.AddCommand(vaultCmd)
	addVaultFlags(vaultCmd, true)
	vaultCmd.AddCommand(vaultCreateCmd, vaultUnlockCmd, vaultRecoverCmd, vaultRecoverSharesCmd, vaultPasswdCmd)
	vaultRecoverSharesCmd.Flags().StringVar(&recoverNominee, "nominee", "", "Nominee ID whose share is used")
	vaultRecoverSharesCmd.Flags().StringVar(&recoverRequest, "request", "", "Matured custody release request ID")
}
