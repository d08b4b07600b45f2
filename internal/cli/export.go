package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cartlift/cartlift/internal/store"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <experiment-id>",
	Short: "Export raw event data",
	Long: `Export raw event data in CSV or JSON format.

Examples:
  cartlift export 1f0c... --format csv > events.csv
  cartlift export 1f0c... --format json > events.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format (csv or json)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	id := args[0]

	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}

	return withStore(func(s *store.SQLiteStore) error {
		ctx := context.Background()

		// Verify the experiment exists
		_, err := s.GetExperiment(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				return fmt.Errorf("experiment '%s' not found", id)
			}
			return fmt.Errorf("failed to get experiment: %w", err)
		}

		events, err := s.GetEvents(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get events: %w", err)
		}

		if exportFormat == "csv" {
			return exportCSV(events)
		}
		return exportJSON(events)
	})
}

func exportCSV(events []*store.Event) error {
	w := csv.NewWriter(os.Stdout)
	defer w.Flush()

	header := []string{"id", "experiment_id", "variant_id", "assignment_id", "event_type", "visitor_id", "event_value", "created_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		row := []string{
			e.ID,
			e.ExperimentID,
			e.VariantID,
			e.AssignmentID,
			string(e.EventType),
			e.VisitorID,
			strconv.FormatInt(e.EventValue, 10),
			e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	return nil
}

func exportJSON(events []*store.Event) error {
	type eventOut struct {
		ID           string          `json:"id"`
		ExperimentID string          `json:"experiment_id"`
		VariantID    string          `json:"variant_id"`
		AssignmentID string          `json:"assignment_id"`
		EventType    string          `json:"event_type"`
		VisitorID    string          `json:"visitor_id"`
		EventValue   int64           `json:"event_value"`
		EventData    json.RawMessage `json:"event_data,omitempty"`
		CreatedAt    string          `json:"created_at"`
	}

	out := make([]eventOut, 0, len(events))
	for _, e := range events {
		out = append(out, eventOut{
			ID:           e.ID,
			ExperimentID: e.ExperimentID,
			VariantID:    e.VariantID,
			AssignmentID: e.AssignmentID,
			EventType:    string(e.EventType),
			VisitorID:    e.VisitorID,
			EventValue:   e.EventValue,
			EventData:    e.EventData,
			CreatedAt:    e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
