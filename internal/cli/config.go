package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"cargomsfs/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or edit the configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigEditCmd())
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration in YAML",
		RunE:  runConfigShow,
	}
}

func newConfigEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Open the configuration in $EDITOR",
		RunE:  runConfigEdit,
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Report configuration problems",
		RunE:  runConfigValidate,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	_, cfg, _, err := loadSettings()
	if err != nil {
		return err
	}

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), string(data))
	if len(data) == 0 || data[len(data)-1] != '\n' {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	_, cfg, cfgFile, err := loadSettings()
	if err != nil {
		return err
	}
	results := cfg.Validate()

	if outputJSON {
		if err := writeJSON(cmd, results); err != nil {
			return err
		}
		return cfg.Err()
	}

	if len(results) == 0 {
		cmd.Printf("%s: ok\n", cfgFile)
		return nil
	}
	for _, r := range results {
		cmd.Printf("%s: %s: %s\n", cfgFile, r.Level, r.Message)
	}
	return cfg.Err()
}

func runConfigEdit(cmd *cobra.Command, _ []string) error {
	_, _, cfgFile, err := loadSettings()
	if err != nil {
		return err
	}
	if err := writeDefaultConfig(cfgFile); err != nil {
		return err
	}

	argv := editorCommand(os.Getenv)
	if len(argv) == 0 {
		return errors.New("no editor configured: set $VISUAL or $EDITOR")
	}
	editor := exec.CommandContext(cmd.Context(), argv[0], append(argv[1:], cfgFile)...)
	editor.Stdin = cmd.InOrStdin()
	editor.Stdout = cmd.OutOrStdout()
	editor.Stderr = cmd.ErrOrStderr()
	if err := editor.Run(); err != nil {
		return fmt.Errorf("run %s: %w", argv[0], err)
	}

	// Report problems introduced by the edit.
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	for _, r := range cfg.Validate() {
		cmd.PrintErrf("%s: %s: %s\n", cfgFile, r.Level, r.Message)
	}
	return cfg.Err()
}

// editorCommand splits $VISUAL or $EDITOR into argv, falling back to the
// platform's stock editor.
func editorCommand(getenv func(string) string) []string {
	for _, key := range []string{"VISUAL", "EDITOR"} {
		if fields := strings.Fields(getenv(key)); len(fields) > 0 {
			return fields
		}
	}
	if runtime.GOOS == "windows" {
		return []string{"notepad"}
	}
	return []string{"vi"}
}

// writeDefaultConfig creates path with the default settings unless a file
// is already there.
func writeDefaultConfig(path string) error {
	data, err := config.Default().Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write default config: %w", err)
	}
	return f.Close()
}
