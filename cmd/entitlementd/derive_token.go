package main

import (
	"fmt"

	tokenkit "github.com/PaulFidika/entitlekit/token"
	"github.com/spf13/cobra"
)

var deriveNamespace string

var deriveTokenCmd = &cobra.Command{
	Use:   "derive-token <account-id>...",
	Short: "Print the account-linking token for each account id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := tokenkit.ParseDeriver(deriveNamespace)
		if err != nil {
			return err
		}
		for _, id := range args {
			tok, err := d.Derive(id)
			if err != nil {
				return fmt.Errorf("%q: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, tok)
		}
		return nil
	},
}

func init() {
	deriveTokenCmd.Flags().StringVar(&deriveNamespace, "namespace", "", "UUID namespace shared with the remote store (required)")
	_ = deriveTokenCmd.MarkFlagRequired("namespace")
}
