package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/vault"
)

var (
	docContentType string
	docOut         string
)

var documentCmd = &cobra.Command{
	Use:     "document",
	Aliases: []string{"doc"},
	Short:   "Seal and open documents under the vault key",
}

var documentPutCmd = &cobra.Command{
	Use:   "put <doc-id> <file>",
	Short: "Seal a file into the vault",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		contentType := docContentType
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			if err := s.SealDocument(ctx, args[0], data, contentType); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Document %s sealed (%d bytes, %s)\n", args[0], len(data), contentType)
			return nil
		})
	},
}

var documentGetCmd = &cobra.Command{
	Use:   "get <doc-id>",
	Short: "Open a sealed document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			data, _, err := s.OpenDocument(ctx, args[0])
			if err != nil {
				return err
			}
			if docOut != "" {
				return os.WriteFile(docOut, data, 0o600)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		})
	},
}

var documentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sealed documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			docs, err := s.Documents(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSIZE\tCREATED")
			for _, d := range docs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.ID, d.ContentType, d.Size, d.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

var documentDeleteCmd = &cobra.Command{
	Use:   "delete <doc-id>",
	Short: "Delete a sealed document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *vault.Session) error {
			if err := s.DeleteDocument(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Document %s deleted\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(documentCmd)
	addVaultFlags(documentCmd, true)
	documentCmd.AddCommand(documentPutCmd, documentGetCmd, documentListCmd, documentDeleteCmd)
	documentPutCmd.Flags().StringVar(&docContentType, "content-type", "", "Content type (detected when empty)")
	documentGetCmd.Flags().StringVar(&docOut, "out", "", "Write to this file instead of stdout")
}
