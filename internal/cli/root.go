package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	outputJSON bool
	configPath string
	dataDir    string
	noProgress bool
	traceSpans bool
)

// Execute runs the root cobra command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cargo-msfs",
		Short:         "Manage MSFS SDKs and build Rust crates into simulator WASM modules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output machine-readable JSON")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default <data-dir>/config.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides $CARGO_MSFS_DATA_DIR)")
	cmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "Disable interactive progress output")
	cmd.PersistentFlags().BoolVar(&traceSpans, "trace", false, "Print OpenTelemetry spans to stderr")

	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newUpdateCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newBuildCmd())
	cmd.AddCommand(newInfoCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newDoctorCmd())

	return cmd
}
