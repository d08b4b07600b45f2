package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cartlift/cartlift/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all experiments",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		exps, err := s.ListExperiments(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list experiments: %w", err)
		}

		if len(exps) == 0 {
			fmt.Println("No experiments yet. Create one with: cartlift create <name>")
			return nil
		}

		fmt.Println("ID                                    NAME                  TYPE                STATUS     VARIANTS")
		fmt.Println(strings.Repeat("─", 100))
		for _, exp := range exps {
			name := exp.Name
			if len(name) > 20 {
				name = name[:17] + "..."
			}
			fmt.Printf("%-36s  %-20s  %-18s  %-9s  %d\n",
				exp.ID, name, exp.Type, exp.Status, len(exp.Variants))
		}
		return nil
	})
}
