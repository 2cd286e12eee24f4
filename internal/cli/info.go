package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/info"
	"cargomsfs/internal/tui"
)

var (
	infoLatest bool
	infoVerify bool
)

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info [version]",
		Short: "Show installed SDKs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInfo,
	}
	cmd.Flags().BoolVar(&infoLatest, "latest", false, "Look up the latest published release")
	cmd.Flags().BoolVar(&infoVerify, "verify", false, "Compute a content digest of each installed SDK")
	return cmd
}

func runInfo(cmd *cobra.Command, args []string) error {
	var (
		only catalog.RuntimeVersion
		err  error
	)
	if len(args) == 1 {
		if only, err = catalog.Parse(args[0]); err != nil {
			return err
		}
	}

	env, err := openEnv(cmd, "info")
	if err != nil {
		return err
	}
	defer env.Close()

	opts := []info.Option{info.WithLogger(env.logger)}
	if infoLatest {
		opts = append(opts, info.WithLatest(env.releases))
	}
	if infoVerify {
		opts = append(opts, info.WithDigests())
	}

	var status *tui.StatusWriter
	if (infoLatest || infoVerify) && tui.DetectMode(cmd.ErrOrStderr(), noProgress, outputJSON) == tui.ModeTUI {
		status = tui.NewStatusWriter(cmd.ErrOrStderr())
		status.Update("Collecting SDK information")
		opts = append(opts, info.WithProgress(status.Count))
	}
	reporter := info.NewReporter(env.store, opts...)

	var entries []info.Entry
	if only != "" {
		var entry info.Entry
		entry, err = reporter.Version(cmd.Context(), only)
		entries = []info.Entry{entry}
	} else {
		entries, err = reporter.Report(cmd.Context())
	}
	if status != nil {
		status.Stop()
	}
	if err != nil {
		return err
	}

	if outputJSON {
		if only != "" {
			return writeJSON(cmd, entries[0])
		}
		return writeJSON(cmd, entries)
	}
	printInfoTable(cmd, entries)
	return nil
}

func printInfoTable(cmd *cobra.Command, entries []info.Entry) {
	cmd.Println(tui.HeaderStyle.Render(fmt.Sprintf("%-9s %-10s %-14s %-10s %-10s %s", "VERSION", "NAME", "STATUS", "RELEASE", "LATEST", "PATH")))
	for _, e := range entries {
		state := "not installed"
		switch {
		case e.UpdateAvailable:
			state = "outdated"
		case e.Installed:
			state = "installed"
		}
		cmd.Printf("%-9s %-10s %s %-10s %-10s %s\n",
			e.Version,
			e.Name,
			tui.StatusStyle(state).Render(fmt.Sprintf("%-14s", state)),
			tui.NonEmptyOrDash(e.Release),
			tui.NonEmptyOrDash(e.Latest),
			tui.NonEmptyOrDash(e.RootPath),
		)
		if e.Digest != "" {
			cmd.Printf("  digest: %s\n", e.Digest)
		}
		if e.Note != "" {
			cmd.Printf("  note: %s\n", e.Note)
		}
	}
}
