package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartlift/cartlift/internal/stats"
	"github.com/cartlift/cartlift/internal/store"
)

func init() {
	rootCmd.AddCommand(newResultsCmd())
}

func newResultsCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "results <experiment-id>",
		Short: "Show detailed results for an experiment",
		Long: `Show conversion rates, revenue per visitor, confidence intervals and the
two-proportion significance test against control.

By default results come from the live aggregate counters. With --from/--to
they are recomputed from raw events for the window (RFC3339 timestamps).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := parseWindow(from, to)
			if err != nil {
				return err
			}

			return withStore(func(s *store.SQLiteStore) error {
				ctx := context.Background()

				exp, err := s.GetExperiment(ctx, args[0])
				if err != nil {
					if err == store.ErrNotFound {
						return fmt.Errorf("experiment '%s' not found", args[0])
					}
					return fmt.Errorf("failed to get experiment: %w", err)
				}

				results, err := stats.NewEngine(s).ComputeResults(ctx, exp.ID, window)
				if err != nil {
					return fmt.Errorf("failed to compute results: %w", err)
				}

				printResults(exp, results)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "window end (RFC3339)")
	return cmd
}

func parseWindow(from, to string) (stats.Window, error) {
	var w stats.Window
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return w, fmt.Errorf("invalid --from: %w", err)
		}
		w.From = t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return w, fmt.Errorf("invalid --to: %w", err)
		}
		w.To = t
	}
	if (w.From.IsZero()) != (w.To.IsZero()) {
		return w, fmt.Errorf("--from and --to must be given together")
	}
	return w, nil
}

func printResults(exp *store.Experiment, results *stats.Results) {
	fmt.Printf("EXPERIMENT: %s\n", exp.Name)
	fmt.Printf("TYPE: %s\n", exp.Type)
	fmt.Printf("STATUS: %s\n", exp.Status)
	fmt.Printf("CREATED: %s\n", exp.CreatedAt.Format("2006-01-02"))
	fmt.Println()

	fmt.Println("VARIANT           VISITORS  CONV    RATE     RPV       P-VALUE  RATE CI")
	fmt.Println(strings.Repeat("─", 78))

	for _, v := range results.Variants {
		indicator := ""
		if v.IsControl {
			indicator = " (control)"
		}
		if results.LeaderVariantID != nil && v.VariantID == *results.LeaderVariantID {
			indicator = " ← LEADER"
		}

		pval := "-"
		if v.PValue != nil {
			pval = fmt.Sprintf("%.4f", *v.PValue)
			if v.IsSignificant {
				pval += "*"
			}
		}

		ci := "N/A"
		if v.Visitors > 0 {
			ci = fmt.Sprintf("[%.1f%%, %.1f%%]", v.RateCILower*100, v.RateCIUpper*100)
		}

		name := v.Name
		if len(name) > 16 {
			name = name[:13] + "..."
		}

		fmt.Printf("%-16s  %-8d  %-6d  %-7s  %-8.2f  %-7s  %s%s\n",
			name,
			v.Visitors,
			v.Conversions,
			formatPercent(v.ConversionRate),
			v.RevenuePerVisitor,
			pval,
			ci,
			indicator,
		)
	}

	fmt.Println()
	if results.LeaderVariantID != nil {
		for _, v := range results.Variants {
			if v.VariantID == *results.LeaderVariantID {
				fmt.Printf("Significant winner: \"%s\" (roll out with: cartlift rollout %s --variant %s)\n",
					v.Name, exp.ID, v.VariantID)
			}
		}
	} else {
		fmt.Println("No significant winner yet.")
	}
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
