package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

const banner = `
  ___                 _  __
 |_ _|_ __ ___  _ __ | |/ /___  ___ _ __
  | || '__/ _ \| '_ \| ' // _ \/ _ \ '_ \
  | || | | (_) | | | | . \  __/  __/ |_) |
 |___|_|  \___/|_| |_|_|\_\___|\___| .__/
                                   |_|
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Key Custody and Recovery Service - Version %s\x1b[0m\n\n", Version)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
