package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/cartlift/cartlift/internal/engine"
	"github.com/cartlift/cartlift/internal/store"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var (
		expType    string
		variants   string
		weights    string
		kind       string
		traffic    float64
		confidence float64
		minSample  int
		window     time.Duration
		metric     string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new experiment",
		Long: `Create a new experiment in draft. The first variant is the control.

Variants are name=value pairs; the value is a discount percent (--kind percent)
or an amount in minor currency units (--kind amount), interpreted by the
experiment type when a winner is rolled out.

Examples:
  cartlift create summer-discount --type discount --variants "Control=0,TenOff=10"
  cartlift create free-shipping --type shipping-threshold --kind amount --variants "Control=7500,Lower=5000" --weights "0.6,0.4"
  cartlift create bundle-price --type bundle --kind amount --variants "Control=4999,Cheaper=4499" --window 168h

Run without --variants for a guided setup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if variants == "" {
				var err error
				expType, kind, variants, err = promptExperiment()
				if err != nil {
					return err
				}
			}

			specs, err := parseVariantSpecs(variants, kind, weights)
			if err != nil {
				return err
			}

			return withStore(func(s *store.SQLiteStore) error {
				lifecycle, _ := newEngine(s)

				exp, err := lifecycle.CreateExperiment(context.Background(), engine.ExperimentSpec{
					Name:              name,
					Type:              expType,
					TrafficAllocation: traffic,
					PrimaryMetric:     store.Metric(metric),
					ConfidenceLevel:   confidence,
					MinSampleSize:     minSample,
					AttributionWindow: window,
					Variants:          specs,
				})
				if err != nil {
					return fmt.Errorf("failed to create experiment: %w", err)
				}

				fmt.Printf("Created experiment '%s' (%s) in draft\n", exp.Name, exp.ID)
				for _, v := range exp.Variants {
					marker := ""
					if v.IsControl {
						marker = " (control)"
					}
					fmt.Printf("  %-20s %4.0f%% traffic  %s%s\n", v.Name, v.TrafficPct*100, formatValue(v.Value), marker)
				}
				fmt.Printf("\nStart it with: cartlift start %s\n", exp.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&expType, "type", "discount", "experiment type (discount, shipping-threshold, bundle, ...)")
	cmd.Flags().StringVar(&variants, "variants", "", `variants as "Name=value,Name=value" (first is control)`)
	cmd.Flags().StringVar(&weights, "weights", "", `traffic shares as "0.5,0.5" (default: equal split)`)
	cmd.Flags().StringVar(&kind, "kind", "percent", "value kind (percent or amount, amounts in minor units)")
	cmd.Flags().Float64Var(&traffic, "traffic", 1.0, "fraction of eligible visitors in the experiment")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.95, "confidence level for significance testing")
	cmd.Flags().IntVar(&minSample, "min-sample", 0, "minimum visitors per variant before significance is evaluated")
	cmd.Flags().DurationVar(&window, "window", 0, "attribution window (0 = same session)")
	cmd.Flags().StringVar(&metric, "metric", "conversion_rate", "primary metric (conversion_rate or revenue_per_visitor)")

	return cmd
}

// parseVariantSpecs turns "Control=0,TenOff=10" plus optional weights into
// variant specs. The first entry becomes the control; missing weights give
// an equal split with the remainder on the last variant.
func parseVariantSpecs(input, kind, weights string) ([]engine.VariantSpec, error) {
	valueKind := store.ValueKind(kind)
	if valueKind != store.ValuePercent && valueKind != store.ValueAmount {
		return nil, fmt.Errorf("invalid --kind: must be 'percent' or 'amount'")
	}

	pairs := strings.Split(input, ",")
	if len(pairs) < 2 {
		return nil, fmt.Errorf("need at least 2 variants. Example: --variants \"Control=0,TenOff=10\"")
	}

	shares, err := parseWeights(weights, len(pairs))
	if err != nil {
		return nil, err
	}

	specs := make([]engine.VariantSpec, 0, len(pairs))
	for i, pair := range pairs {
		name, raw, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid variant %q: expected Name=value", pair)
		}

		value := store.VariantValue{Kind: valueKind}
		switch valueKind {
		case store.ValuePercent:
			value.Percent, err = strconv.ParseFloat(raw, 64)
		case store.ValueAmount:
			value.AmountMinor, err = strconv.ParseInt(raw, 10, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid value for variant %q: %w", name, err)
		}

		specs = append(specs, engine.VariantSpec{
			Name:       name,
			IsControl:  i == 0,
			TrafficPct: shares[i],
			Value:      value,
		})
	}
	return specs, nil
}

func parseWeights(weights string, n int) ([]float64, error) {
	if weights == "" {
		shares := make([]float64, n)
		each := 1.0 / float64(n)
		sum := 0.0
		for i := 0; i < n-1; i++ {
			shares[i] = each
			sum += each
		}
		shares[n-1] = 1 - sum
		return shares, nil
	}

	parts := strings.Split(weights, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("got %d weights for %d variants", len(parts), n)
	}
	shares := make([]float64, n)
	for i, p := range parts {
		w, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight %q: %w", p, err)
		}
		shares[i] = w
	}
	return shares, nil
}

func promptExperiment() (expType, kind, variants string, err error) {
	types := []string{"discount", "shipping-threshold", "bundle"}
	sel := promptui.Select{
		Label: "Experiment type",
		Items: types,
	}
	idx, _, err := sel.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return "", "", "", err
	}
	expType = types[idx]

	kinds := []string{"percent", "amount (minor currency units)"}
	sel = promptui.Select{
		Label: "Variant value kind",
		Items: kinds,
	}
	idx, _, err = sel.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return "", "", "", err
	}
	kind = "percent"
	if idx == 1 {
		kind = "amount"
	}

	prompt := promptui.Prompt{
		Label: "Variants (Name=value,Name=value; first is control)",
		Validate: func(s string) error {
			if len(strings.Split(s, ",")) < 2 {
				return fmt.Errorf("need at least 2 variants")
			}
			return nil
		},
	}
	variants, err = prompt.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return "", "", "", err
	}

	return expType, kind, variants, nil
}

func formatValue(v store.VariantValue) string {
	switch v.Kind {
	case store.ValueAmount:
		return fmt.Sprintf("%d (minor units)", v.AmountMinor)
	default:
		return fmt.Sprintf("%g%%", v.Percent)
	}
}
