package cmd

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/vault"
)

var (
	artifactRE = regexp.MustCompile(`R\d-[2-9A-HJ-NP-TV-Z-]{37}`)
	nomineeRE  = regexp.MustCompile(`Nominee (\S+) added`)
	requestRE  = regexp.MustCompile(`Request (\S+) opened`)
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("IRONKEEP_STORAGE_BACKEND", "bbolt")
	t.Setenv("IRONKEEP_STORAGE_DATA_DIR", t.TempDir())
	t.Setenv("IRONKEEP_CUSTODY_SERVICE_KEY", strings.Repeat("0b", 32))
	t.Setenv("IRONKEEP_KDF_PROFILE", "interactive")
	t.Setenv("IRONKEEP_LOG_LEVEL", "error")
	t.Setenv("IRONKEEP_CLIENT_SERVER_URL", "")
}

// resetCommands returns the shared command tree to its pristine state.
// Cobra keeps a subcommand's context once set, and pflag keeps parsed
// values, so both would leak from one run into the next.
func resetCommands(c *cobra.Command, ctx context.Context) {
	c.SetContext(ctx)
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetCommands(sub, ctx)
	}
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetCommands(rootCmd, t.Context())
	var out, errOut bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestRun_FreshStatePerInvocation(t *testing.T) {
	setupEnv(t)
	const pw = "Owner-password1"

	t.Run("first", func(t *testing.T) {
		_, err := run(t, lines(pw, pw), "vault", "create", "--vault", "a1", "--log-level", "warn")
		require.NoError(t, err)
	})
	// The first subtest's context is cancelled by now.
	t.Run("second", func(t *testing.T) {
		_, err := run(t, lines(pw, pw), "vault", "create", "--vault", "a2")
		require.NoError(t, err)
		f := rootCmd.PersistentFlags().Lookup("log-level")
		assert.False(t, f.Changed)
		assert.Equal(t, "info", f.Value.String())
	})
}

func lines(s ...string) string {
	return strings.Join(s, "\n") + "\n"
}

func TestVaultLifecycle(t *testing.T) {
	setupEnv(t)
	const (
		ownerPW   = "Owner-password1"
		nomineePW = "Nominee-pass99"
		resetPW   = "Reset-password2"
	)

	out, err := run(t, lines(ownerPW, ownerPW), "vault", "create", "--vault", "v1")
	require.NoError(t, err)
	assert.Contains(t, out, "Vault v1 created")
	first := artifactRE.FindString(out)
	require.NotEmpty(t, first)

	_, err = run(t, lines(ownerPW, ownerPW), "vault", "create", "--vault", "v1")
	require.ErrorIs(t, err, vault.ErrVaultExists)

	out, err = run(t, lines(ownerPW), "vault", "unlock", "--vault", "v1")
	require.NoError(t, err)
	assert.Contains(t, out, "Unlocked vault v1")

	_, err = run(t, lines("Wrong-password1"), "vault", "unlock", "--vault", "v1")
	require.ErrorIs(t, err, vault.ErrInvalidCredential)

	out, err = run(t, lines(ownerPW), "nominee", "regenerate", "--vault", "v1")
	require.NoError(t, err)
	assert.Contains(t, out, "Share set")

	out, err = run(t, lines(ownerPW, nomineePW, nomineePW), "nominee", "add", "--vault", "v1",
		"--identity", "alice@example.com", "--trigger-days", "0")
	require.NoError(t, err)
	m := nomineeRE.FindStringSubmatch(out)
	require.Len(t, m, 2)
	nomineeID := m[1]

	out, err = run(t, "", "custody", "status", "--vault", "v1")
	require.NoError(t, err)
	assert.Contains(t, out, "Holding share")

	out, err = run(t, "", "custody", "request", "--vault", "v1", "--nominee", nomineeID)
	require.NoError(t, err)
	m = requestRE.FindStringSubmatch(out)
	require.Len(t, m, 2)
	requestID := m[1]

	out, err = run(t, lines(nomineePW, resetPW, resetPW), "vault", "recover-shares", "--vault", "v1",
		"--nominee", nomineeID, "--request", requestID)
	require.NoError(t, err)
	assert.Contains(t, out, "Vault v1 reset")
	second := artifactRE.FindString(out)
	require.NotEmpty(t, second)
	assert.NotEqual(t, first, second)

	_, err = run(t, lines(ownerPW), "vault", "unlock", "--vault", "v1")
	require.ErrorIs(t, err, vault.ErrInvalidCredential)

	_, err = run(t, lines(first, "Third-password3", "Third-password3"), "vault", "recover", "--vault", "v1")
	require.ErrorIs(t, err, vault.ErrInvalidCredential)

	out, err = run(t, lines(second, "Third-password3", "Third-password3"), "vault", "recover", "--vault", "v1")
	require.NoError(t, err)
	assert.Contains(t, out, "Vault v1 reset")

	out, err = run(t, lines("Third-password3"), "nominee", "list", "--vault", "v1")
	require.NoError(t, err)
	assert.Contains(t, out, "No share set")
	assert.Contains(t, out, "alice@example.com")
}

func TestMemberCommands(t *testing.T) {
	setupEnv(t)
	const ownerPW = "Owner-password1"

	_, err := run(t, lines(ownerPW, ownerPW), "vault", "create", "--vault", "v2")
	require.NoError(t, err)

	out, err := run(t, lines(ownerPW, "Member-pass11", "Member-pass11"), "member", "add", "--vault", "v2",
		"--id", "bob", "--role", "editor")
	require.NoError(t, err)
	assert.Contains(t, out, "Member bob added as editor")

	_, err = run(t, lines(ownerPW), "member", "add", "--vault", "v2", "--id", "carol", "--role", "root")
	require.Error(t, err)

	out, err = run(t, lines(ownerPW), "member", "list", "--vault", "v2")
	require.NoError(t, err)
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, "(owner)")

	out, err = run(t, lines("Member-pass11", "Member-pass22", "Member-pass22"), "member", "passwd", "--vault", "v2", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "Password changed for member bob")

	out, err = run(t, lines(ownerPW), "member", "remove", "--vault", "v2", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "Member bob removed")
}

func TestCommandsRequireVault(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "", "custody", "list", "--vault", "")
	require.Error(t, err)
}
