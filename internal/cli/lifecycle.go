package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartlift/cartlift/internal/store"
)

func init() {
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newPauseCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newCompleteCmd())
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <experiment-id>",
		Short: "Start a draft or paused experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				lifecycle, _ := newEngine(s)
				exp, err := lifecycle.Start(context.Background(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Experiment '%s' is now running\n", exp.Name)
				return nil
			})
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <experiment-id>",
		Short: "Pause a running experiment",
		Long: `Pause a running experiment. No new visitors are assigned while paused;
visitors already in the experiment keep reporting events so the attribution
window stays honest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				lifecycle, _ := newEngine(s)
				exp, err := lifecycle.Pause(context.Background(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Experiment '%s' is paused\n", exp.Name)
				return nil
			})
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <experiment-id>",
		Short: "Cancel an experiment, keeping its data for audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				lifecycle, _ := newEngine(s)
				exp, err := lifecycle.Cancel(context.Background(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Experiment '%s' is cancelled\n", exp.Name)
				return nil
			})
		},
	}
}

func newCompleteCmd() *cobra.Command {
	var winner string

	cmd := &cobra.Command{
		Use:   "complete <experiment-id>",
		Short: "Complete an experiment, optionally declaring a winner",
		Long: `Complete a running or paused experiment. With --winner, the winning
variant's configuration is handed to the offer applier (same as 'rollout').`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				lifecycle, _ := newEngine(s)

				var winnerID *string
				if winner != "" {
					winnerID = &winner
				}
				exp, err := lifecycle.Complete(context.Background(), args[0], winnerID)
				if err != nil {
					return err
				}
				fmt.Printf("Experiment '%s' is completed\n", exp.Name)
				if exp.WinnerVariantID != nil {
					if v := exp.Variant(*exp.WinnerVariantID); v != nil {
						fmt.Printf("Winner: %s (%s)\n", v.Name, v.ID)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&winner, "winner", "w", "", "winning variant id")
	return cmd
}
