package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/members"
	"github.com/jmcleod/ironkeep/vault"
)

var (
	newMemberID   string
	newMemberRole string
	exportPath    string
)

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage vault members and their key pairs",
}

var memberAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a member key pair and grant it the vault key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if newMemberID == "" {
			return errors.New("--id is required")
		}
		role := members.Role(newMemberRole)
		if !role.Valid() {
			return fmt.Errorf("invalid role %q", newMemberRole)
		}
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			p := newPrompter(cmd)
			pw, confirm, err := p.newPassword("Member password")
			if err != nil {
				return err
			}
			if pw != confirm {
				return vault.ErrPasswordMismatch
			}
			params, err := cfg.KDFParams()
			if err != nil {
				return err
			}
			kp, priv, err := members.CreateMember(s.VaultID(), pw,
				members.WithMemberID(newMemberID),
				members.WithScheme(cfg.Client.MemberScheme),
				members.WithKDFParams(params),
			)
			if err != nil {
				return err
			}
			defer priv.Destroy()
			if exportPath != "" {
				if err := exportKey(p, priv, exportPath); err != nil {
					return err
				}
			}
			if err := s.AddMember(ctx, kp, role); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Member %s added as %s (fingerprint %s)\n", kp.MemberID, role, kp.Fingerprint())
			return nil
		})
	},
}

var memberListCmd = &cobra.Command{
	Use:   "list",
	Short: "List members",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			list, err := s.Members(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tROLE\tSTATUS\tSCHEME\tFINGERPRINT\tREGRANT\tADDED")
			for _, m := range list {
				id := m.MemberID
				if m.Owner {
					id += " (owner)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n", id, m.Role, m.Status, m.Scheme, m.Fingerprint, m.NeedsRegrant, m.AddedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

var memberRotationsCmd = &cobra.Command{
	Use:   "rotations",
	Short: "List key-pair replacements",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			list, err := s.Rotations(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MEMBER\tOLD\tNEW\tREASON\tREGRANTED\tAT")
			for _, r := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", r.MemberID, r.OldFingerprint, r.NewFingerprint, r.Reason, r.Regranted, r.At.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

var memberRegrantCmd = &cobra.Command{
	Use:   "regrant [member-id]",
	Short: "Re-seal the vault key to a member's current public key",
	Long:  "Re-seal the vault key to one member, or to every member waiting for a regrant when no ID is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			ids := args
			if len(ids) == 0 {
				pending, err := s.PendingRegrants(ctx)
				if err != nil {
					return err
				}
				ids = pending
			}
			for _, id := range ids {
				if err := s.Regrant(ctx, id); err != nil {
					return fmt.Errorf("regrant %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Member %s regranted\n", id)
			}
			return nil
		})
	},
}

var memberRemoveCmd = &cobra.Command{
	Use:   "remove <member-id>",
	Short: "Remove a member's key material and grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			if err := s.RemoveMember(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Member %s removed; the vault key was not rotated\n", args[0])
			return nil
		})
	},
}

var memberPasswdCmd = &cobra.Command{
	Use:   "passwd <member-id>",
	Short: "Change a member's password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(ctx context.Context, _ *client, v *vault.Vault) error {
			p := newPrompter(cmd)
			old, err := p.ask("Current password")
			if err != nil {
				return err
			}
			pw, confirm, err := p.newPassword("New password")
			if err != nil {
				return err
			}
			if err := v.ChangeMemberPassword(ctx, args[0], old, pw, confirm); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password changed for member %s\n", args[0])
			return nil
		})
	},
}

var memberReplaceKeysCmd = &cobra.Command{
	Use:   "replace-keys <member-id>",
	Short: "Set a new password for a member who lost theirs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(ctx context.Context, _ *client, v *vault.Vault) error {
			pw, confirm, err := newPrompter(cmd).newPassword("New password")
			if err != nil {
				return err
			}
			kp, replaced, err := v.ReplaceMemberKeys(ctx, args[0], pw, confirm)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !replaced {
				fmt.Fprintf(out, "Private key of member %s re-wrapped under the new password\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "Member %s has a new key pair (fingerprint %s); the owner must run 'ironkeep member regrant %s'\n", args[0], kp.Fingerprint(), args[0])
			return nil
		})
	},
}

func exportKey(p *prompter, priv *members.PrivateKey, path string) error {
	passphrase, confirm, err := p.newPassword("Backup passphrase")
	if err != nil {
		return err
	}
	if passphrase != confirm {
		return vault.ErrPasswordMismatch
	}
	data, err := members.ExportPrivateKey(priv, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing key backup: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(memberCmd)
	addVaultFlags(memberCmd, true)
	memberCmd.AddCommand(memberAddCmd, memberListCmd, memberRotationsCmd, memberRegrantCmd, memberRemoveCmd, memberPasswdCmd, memberReplaceKeysCmd)
	memberAddCmd.Flags().StringVar(&newMemberID, "id", "", "New member ID")
	memberAddCmd.Flags().StringVar(&newMemberRole, "role", string(members.RoleViewer), "Member role (admin, editor, viewer)")
	memberAddCmd.Flags().StringVar(&exportPath, "export", "", "Write a passphrase-protected private key backup to this file")
}
