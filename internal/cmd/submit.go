package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomatch/internal/observability"
	"github.com/3leaps/gomatch/pkg/manifest"
	"github.com/3leaps/gomatch/pkg/matching"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a matching job from manifest",
	Long: `Submit a matching job as defined in a YAML or JSON manifest file.

The manifest names the entity and layer, the record columns the model
compares, and the record source. Submitting initializes the job on the
server; the job then waits in the training phase for labeled pairs.

Example:
  gomatch submit --job customers.yaml
  gomatch submit --job customers.yaml --server http://match.internal:8080
  gomatch submit --job customers.yaml --dry-run`,
	RunE: runSubmit,
}

var (
	submitJobPath string
	submitServer  string
	submitDryRun  bool
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitJobPath, "job", "j", "", "Path to job manifest (required)")
	submitCmd.Flags().StringVar(&submitServer, "server", "http://localhost:8080", "Base URL of the gomatch server")
	submitCmd.Flags().BoolVar(&submitDryRun, "dry-run", false, "Validate manifest and show plan without submitting")

	_ = submitCmd.MarkFlagRequired("job")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// Load and validate manifest
	m, err := manifest.Load(submitJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", submitJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", submitJobPath),
		zap.String("entity", m.Matching.Entity),
		zap.String("layer", m.Matching.Layer),
		zap.Strings("columns", m.Records.Columns))

	// Plan mode: show plan and exit
	if submitDryRun {
		return showSubmitPlan(m)
	}

	if IsReadOnly() {
		return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing job submission", fmt.Errorf("disable --readonly or unset GOMATCH_READONLY"))
	}

	settings := m.Settings()
	if err := settings.Validate(); err != nil {
		observability.CLILogger.Error("Invalid job settings", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid job settings", err)
	}

	client := newAPIClient(submitServer)
	var status matching.Status
	path := fmt.Sprintf("/matchings/%s/%s", m.Matching.Entity, m.Matching.Layer)
	if err := client.postJSON(ctx, path, settings, &status); err != nil {
		observability.CLILogger.Error("Failed to submit job",
			zap.String("server", submitServer),
			zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to submit job", err)
	}

	observability.CLILogger.Info("Job submitted",
		zap.String("id", status.ID.String()),
		zap.String("phase", string(status.Phase)))

	_, _ = fmt.Fprintf(os.Stdout, "Submitted: %s\n", status.ID)
	_, _ = fmt.Fprintf(os.Stdout, "Phase:     %s\n", status.Phase)
	return nil
}

// showSubmitPlan displays what would be submitted without executing.
func showSubmitPlan(m *manifest.Manifest) error {
	fmt.Println("=== Submit Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Matching:    %s\n", m.ID())
	fmt.Printf("Columns:     %v\n", m.Records.Columns)
	fmt.Printf("ID Column:   %s\n", m.Records.IDColumn)
	if m.Records.GroupColumn != "" {
		fmt.Printf("Group:       %s\n", m.Records.GroupColumn)
	}
	fmt.Println()
	fmt.Printf("Source:      %s\n", m.Source.Kind)
	if m.Source.Bucket != "" {
		fmt.Printf("Bucket:      %s\n", m.Source.Bucket)
	}
	if m.Source.Region != "" {
		fmt.Printf("Region:      %s\n", m.Source.Region)
	}
	if m.Source.Endpoint != "" {
		fmt.Printf("Endpoint:    %s\n", m.Source.Endpoint)
	}
	if m.Source.Path != "" {
		fmt.Printf("Path:        %s\n", m.Source.Path)
	}
	if len(m.Source.Includes) > 0 {
		fmt.Println("  Include:")
		for _, p := range m.Source.Includes {
			fmt.Printf("    - %s\n", p)
		}
	}
	if len(m.Source.Excludes) > 0 {
		fmt.Println("  Exclude:")
		for _, p := range m.Source.Excludes {
			fmt.Printf("    - %s\n", p)
		}
	}
	fmt.Println()

	if m.Evaluation.CachedProposalCount > 0 {
		fmt.Printf("Cached Pairs: %d\n", m.Evaluation.CachedProposalCount)
	}
	if m.Evaluation.ConfidenceThreshold > 0 {
		fmt.Printf("Confidence:   %.2f\n", m.Evaluation.ConfidenceThreshold)
	}
	if m.Rules.MinMatchConfidence > 0 {
		fmt.Printf("Rule Match:   %.2f\n", m.Rules.MinMatchConfidence)
	}
	if m.Rules.MinDistinctConfidence > 0 {
		fmt.Printf("Rule Distinct: %.2f\n", m.Rules.MinDistinctConfidence)
	}
	fmt.Println()
	fmt.Println("Manifest validated successfully. Remove --dry-run to execute.")
	return nil
}
