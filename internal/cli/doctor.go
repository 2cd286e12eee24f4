package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"cargomsfs/internal/build"
	"cargomsfs/internal/config"
	"cargomsfs/internal/sdk"
	"cargomsfs/internal/toolchain"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check external tools, configuration, and installed SDKs",
		RunE:  runDoctor,
	}
}

type healthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "ok", "warning", "error"
	Summary string `json:"summary"`
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	layout, cfg, _, err := loadSettings()
	if err != nil {
		return err
	}

	checks := []healthCheck{
		checkConfig(cfg),
		checkTools(cmd.Context(), build.ExecRunner{}, exec.LookPath, cfg.Tools),
	}

	if cfg.Err() == nil {
		env, err := openEnv(cmd, "doctor")
		if err != nil {
			return err
		}
		defer env.Close()
		checks = append(checks, checkSDKs(cmd.Context(), env.store, toolchain.NewResolver(env.store)))
	}

	return writeDoctorResult(cmd, layout.Root, checks)
}

func checkConfig(cfg config.Config) healthCheck {
	var warnings, failures int
	for _, v := range cfg.Validate() {
		switch v.Level {
		case "warning":
			warnings++
		case "error":
			failures++
		}
	}

	summary := fmt.Sprintf("optimizer %s, %d pinned sources", cfg.Optimizer.Level, len(cfg.Sources))
	if failures > 0 {
		return healthCheck{Name: "Config", Status: "error", Summary: fmt.Sprintf("%s; %d errors", summary, failures)}
	}
	if warnings > 0 {
		return healthCheck{Name: "Config", Status: "warning", Summary: fmt.Sprintf("%s; %d warnings", summary, warnings)}
	}
	return healthCheck{Name: "Config", Status: "ok", Summary: summary}
}

func checkTools(ctx context.Context, runner build.Runner, lookPath func(string) (string, error), tools config.ToolsConfig) healthCheck {
	var found, missing []string
	for _, tool := range []string{tools.Cargo, tools.WasmLD, tools.WasmOpt} {
		path, err := lookPath(tool)
		if err != nil {
			missing = append(missing, tool)
			continue
		}
		label := tool
		if res, err := runner.Run(ctx, path, []string{"--version"}, build.RunOptions{}); err == nil {
			if line := firstLine(string(res.Stdout)); line != "" {
				label = line
			}
		}
		found = append(found, label)
	}

	if len(missing) > 0 {
		return healthCheck{Name: "Tools", Status: "error", Summary: "missing " + strings.Join(missing, ", ")}
	}
	return healthCheck{Name: "Tools", Status: "ok", Summary: strings.Join(found, ", ")}
}

type recordLister interface {
	List(ctx context.Context) ([]sdk.Record, error)
}

func checkSDKs(ctx context.Context, records recordLister, resolver build.Toolchains) healthCheck {
	list, err := records.List(ctx)
	if err != nil {
		return healthCheck{Name: "SDKs", Status: "error", Summary: err.Error()}
	}
	if len(list) == 0 {
		return healthCheck{Name: "SDKs", Status: "warning", Summary: "no SDK installed"}
	}

	var ready, broken []string
	for _, rec := range list {
		if _, err := resolver.Resolve(ctx, rec.Version); err != nil {
			broken = append(broken, string(rec.Version))
			continue
		}
		ready = append(ready, string(rec.Version))
	}
	if len(broken) > 0 {
		return healthCheck{Name: "SDKs", Status: "error", Summary: "incomplete: " + strings.Join(broken, ", ")}
	}
	return healthCheck{Name: "SDKs", Status: "ok", Summary: strings.Join(ready, ", ")}
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

func writeDoctorResult(cmd *cobra.Command, root string, checks []healthCheck) error {
	if outputJSON {
		return writeJSON(cmd, checks)
	}

	bold := lipgloss.NewStyle().Bold(true).Inline(true)
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Inline(true)
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Inline(true)
	red := lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Inline(true)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, bold.Render("DATA DIR:")+" "+root)

	for _, c := range checks {
		var statusStr string
		switch c.Status {
		case "ok":
			statusStr = green.Render("OK")
		case "warning":
			statusStr = yellow.Render("WARN")
		case "error":
			statusStr = red.Render("ERROR")
		}
		fmt.Fprintf(out, "  %-8s %s    %s\n", c.Name+":", statusStr, c.Summary)
	}
	return nil
}
