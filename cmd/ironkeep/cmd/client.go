package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/members"
	"github.com/jmcleod/ironkeep/vault"
)

var (
	vaultID   string
	memberID  string
	keyBackup string
)

// prompter reads answers line by line from the command's input. Passwords
// are not masked; pipe them in for unattended use.
type prompter struct {
	src io.Reader
	in  *bufio.Reader
	out io.Writer
}

// current is reused while the input stays the same so that buffered lines
// are not lost between prompts.
var current *prompter

func newPrompter(cmd *cobra.Command) *prompter {
	src := cmd.InOrStdin()
	if current == nil || current.src != src {
		current = &prompter{src: src, in: bufio.NewReader(src)}
	}
	current.out = cmd.ErrOrStderr()
	return current
}

func (p *prompter) ask(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// newPassword asks for a password and its confirmation.
func (p *prompter) newPassword(label string) (string, string, error) {
	pw, err := p.ask(label)
	if err != nil {
		return "", "", err
	}
	confirm, err := p.ask("Confirm " + strings.ToLower(label))
	if err != nil {
		return "", "", err
	}
	return pw, confirm, nil
}

// withVault opens the configured client and runs fn against the vault
// named by --vault.
func withVault(cmd *cobra.Command, fn func(ctx context.Context, c *client, v *vault.Vault) error) error {
	if vaultID == "" {
		return errors.New("--vault is required")
	}
	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	var extra []vault.Option
	if keyBackup != "" {
		ring, err := loadKeyBackup(cmd, keyBackup)
		if err != nil {
			return err
		}
		extra = append(extra, vault.WithKeyRing(ring))
	}
	return fn(ctx, c, c.vault(vaultID, extra...))
}

// loadKeyBackup imports a private key exported by 'member add --export'
// so that a lost password re-wraps the key pair instead of replacing it.
func loadKeyBackup(cmd *cobra.Command, path string) (*members.MemoryKeyRing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key backup: %w", err)
	}
	passphrase, err := newPrompter(cmd).ask("Key backup passphrase")
	if err != nil {
		return nil, err
	}
	priv, err := members.ImportPrivateKey(data, passphrase)
	if err != nil {
		return nil, err
	}
	defer priv.Destroy()
	ring := members.NewMemoryKeyRing()
	if err := ring.Put(priv); err != nil {
		return nil, err
	}
	return ring, nil
}

// withSession unlocks the vault, as the owner or as --member, and locks
// the session once fn returns.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *vault.Session) error) error {
	return withVault(cmd, func(ctx context.Context, _ *client, v *vault.Vault) error {
		p := newPrompter(cmd)
		pw, err := p.ask("Password")
		if err != nil {
			return err
		}
		var s *vault.Session
		if memberID != "" {
			s, err = v.UnlockAsMember(ctx, memberID, pw)
		} else {
			s, err = v.Unlock(ctx, vault.Password(pw))
		}
		if err != nil {
			return err
		}
		defer s.Lock()
		return fn(ctx, s)
	})
}

func addVaultFlags(cmd *cobra.Command, member bool) {
	cmd.PersistentFlags().StringVar(&vaultID, "vault", "", "Vault ID")
	cmd.PersistentFlags().StringVar(&keyBackup, "key-backup", "", "Exported private key to use when a password is lost")
	if member {
		cmd.PersistentFlags().StringVar(&memberID, "member", "", "Unlock as this member instead of the owner")
	}
}
