package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomatch/internal/observability"
	"github.com/3leaps/gomatch/pkg/matching"
)

var statusCmd = &cobra.Command{
	Use:   "status [entity/layer]",
	Short: "Show matching job status",
	Long: `Display the status of matching jobs on the server.

Without an argument, lists every job. With an entity/layer argument, shows
the full status of that job: phase, progress, label counts, and proposal
counts.

Example:
  gomatch status
  gomatch status customer/gold
  gomatch status customer/gold --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusServer string
	statusJSON   bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:8080", "Base URL of the gomatch server")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client := newAPIClient(statusServer)

	if len(args) == 0 {
		var list struct {
			Matchings []matching.Status `json:"matchings"`
		}
		if err := client.getJSON(ctx, "/matchings", &list); err != nil {
			observability.CLILogger.Error("Failed to list matchings",
				zap.String("server", statusServer),
				zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list matchings", err)
		}
		if statusJSON {
			return printJSON(list.Matchings)
		}
		return printStatusTable(list.Matchings)
	}

	id, err := matching.ParseID(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid matching id", err)
	}

	var status matching.Status
	path := fmt.Sprintf("/matchings/%s/%s/status", id.Entity, id.Layer)
	if err := client.getJSON(ctx, path, &status); err != nil {
		observability.CLILogger.Error("Failed to fetch status",
			zap.String("id", id.String()),
			zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch status", err)
	}
	if statusJSON {
		return printJSON(status)
	}
	return printStatusDetail(status)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(os.Stdout, string(data))
	return nil
}

func printStatusTable(statuses []matching.Status) error {
	if len(statuses) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No matchings.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MATCHING\tPHASE\tPROGRESS\tLABELS\tMERGE\tSPLIT")
	for _, s := range statuses {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%d\t%d\t%d\n",
			s.ID,
			s.Phase,
			s.Progress*100,
			s.MatchLabels+s.DistinctLabels,
			s.MergeProposals,
			s.SplitProposals,
		)
	}
	return w.Flush()
}

func printStatusDetail(s matching.Status) error {
	_, _ = fmt.Fprintf(os.Stdout, "Matching: %s\n", s.ID)
	_, _ = fmt.Fprintf(os.Stdout, "Phase:    %s\n", s.Phase)
	if s.SubOperation != "" {
		_, _ = fmt.Fprintf(os.Stdout, "Step:     %s\n", s.SubOperation)
	}
	_, _ = fmt.Fprintf(os.Stdout, "Progress: %.0f%%\n", s.Progress*100)
	_, _ = fmt.Fprintln(os.Stdout)

	_, _ = fmt.Fprintln(os.Stdout, "Training:")
	_, _ = fmt.Fprintf(os.Stdout, "  Match labels:    %d\n", s.MatchLabels)
	_, _ = fmt.Fprintf(os.Stdout, "  Distinct labels: %d\n", s.DistinctLabels)
	_, _ = fmt.Fprintf(os.Stdout, "  Model quality:   %.2f\n", s.ModelQuality)
	_, _ = fmt.Fprintln(os.Stdout)

	_, _ = fmt.Fprintln(os.Stdout, "Computation:")
	_, _ = fmt.Fprintf(os.Stdout, "  Clustering:       %s\n", s.Clustering)
	_, _ = fmt.Fprintf(os.Stdout, "  Records matching: %s\n", s.RecordsMatching)
	_, _ = fmt.Fprintf(os.Stdout, "  Rules extraction: %s\n", s.RulesExtraction)
	_, _ = fmt.Fprintln(os.Stdout)

	_, _ = fmt.Fprintln(os.Stdout, "Results:")
	_, _ = fmt.Fprintf(os.Stdout, "  Records:          %d\n", s.RecordsTotal)
	_, _ = fmt.Fprintf(os.Stdout, "  Merge proposals:  %d\n", s.MergeProposals)
	_, _ = fmt.Fprintf(os.Stdout, "  Split proposals:  %d\n", s.SplitProposals)

	if s.Error != nil {
		_, _ = fmt.Fprintln(os.Stdout)
		_, _ = fmt.Fprintf(os.Stdout, "Error (%s): %s\n", s.Error.Phase, s.Error.Message)
	}
	return nil
}
