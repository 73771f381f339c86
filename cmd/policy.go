package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/sentryclaw/internal/policystore"
)

func policyCmd() *cobra.Command {
	policy := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the effective policy document",
	}
	policy.AddCommand(policyShowCmd())
	return policy
}

func policyShowCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the loaded, normalised policy as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = resolvePolicyPath()
			}
			store := policystore.NewStore()
			defer store.Close()
			pol := store.Get(path)
			rendered, err := policystore.MarshalForDisplay(pol)
			if err != nil {
				return fmt.Errorf("render policy: %w", err)
			}
			fmt.Fprintln(os.Stdout, rendered)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "policy file path (overrides --config/$OPENCLAW_POLICY)")
	return cmd
}
