package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/sdk"
	"cargomsfs/internal/tui"
)

type operationResult struct {
	Version catalog.RuntimeVersion `json:"version"`
	Status  string                 `json:"status"`
	Record  *sdk.Record            `json:"record,omitempty"`
	Latest  string                 `json:"latest,omitempty"`
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func printOperation(cmd *cobra.Command, res operationResult) {
	line := fmt.Sprintf("%s SDK %s", res.Version.DisplayName(), tui.StatusStyle(res.Status).Render(res.Status))
	if res.Record != nil {
		line += fmt.Sprintf(" (release %s) at %s", tui.NonEmptyOrDash(res.Record.Release), res.Record.RootPath)
	}
	cmd.Println(line)
}
