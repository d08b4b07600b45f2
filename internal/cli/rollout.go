package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartlift/cartlift/internal/store"
)

func init() {
	rootCmd.AddCommand(newRolloutCmd())
}

func newRolloutCmd() *cobra.Command {
	var variantID string

	cmd := &cobra.Command{
		Use:   "rollout <experiment-id>",
		Short: "Declare a winner and apply it to all traffic",
		Long: `Complete an experiment with a winning variant and publish its offer
configuration for the storefront. Running rollout again with the same winner
is a no-op, so it is safe to retry.

Example:
  cartlift rollout 1f0c... --variant 9a2e...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				_, rollout := newEngine(s)

				exp, err := rollout.Rollout(context.Background(), args[0], variantID)
				if err != nil {
					return fmt.Errorf("rollout failed: %w", err)
				}

				winner := exp.Variant(variantID)
				fmt.Printf("Rolled out experiment '%s'\n", exp.Name)
				if winner != nil {
					fmt.Printf("Winner: %s (%s offer %s) now applies to all traffic\n",
						winner.Name, exp.Type, formatValue(winner.Value))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&variantID, "variant", "v", "", "winning variant id (required)")
	cmd.MarkFlagRequired("variant")

	return cmd
}
