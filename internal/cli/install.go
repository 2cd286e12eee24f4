package cli

import (
	"context"

	"github.com/spf13/cobra"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/sdk"
	"cargomsfs/internal/tui"
)

var (
	installReinstall bool
	updateForce      bool
)

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <version>",
		Short: "Download and install the latest SDK for a simulator version",
		Args:  cobra.ExactArgs(1),
		RunE:  runInstall,
	}
	cmd.Flags().BoolVar(&installReinstall, "reinstall", false, "Replace an existing installation")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <version>",
		Short: "Replace an installed SDK with the latest release",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpdate,
	}
	cmd.Flags().BoolVar(&updateForce, "force", false, "Update even when the installed release is current")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <version>",
		Short: "Delete an installed SDK",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemove,
	}
}

func runInstall(cmd *cobra.Command, args []string) error {
	v, err := catalog.Parse(args[0])
	if err != nil {
		return err
	}
	env, err := openEnv(cmd, "install")
	if err != nil {
		return err
	}
	defer env.Close()

	return runStoreOperation(cmd, env, v, "Installing", "installed", func(ctx context.Context) (*sdk.Record, error) {
		rec, err := env.store.Install(ctx, v, sdk.InstallOptions{Reinstall: installReinstall})
		if err != nil {
			return nil, err
		}
		return &rec, nil
	})
}

func runUpdate(cmd *cobra.Command, args []string) error {
	v, err := catalog.Parse(args[0])
	if err != nil {
		return err
	}
	env, err := openEnv(cmd, "update")
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	if !updateForce {
		current, ok, err := env.store.Get(ctx, v)
		if err != nil {
			return err
		}
		if ok && current.Release != "" {
			latest, err := env.releases.Latest(ctx, v)
			if err != nil {
				return err
			}
			if latest.Release == current.Release {
				res := operationResult{Version: v, Status: "current", Record: &current, Latest: latest.Release}
				if outputJSON {
					return writeJSON(cmd, res)
				}
				printOperation(cmd, res)
				return nil
			}
		}
	}

	return runStoreOperation(cmd, env, v, "Updating", "updated", func(ctx context.Context) (*sdk.Record, error) {
		rec, err := env.store.Update(ctx, v)
		if err != nil {
			return nil, err
		}
		return &rec, nil
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	v, err := catalog.Parse(args[0])
	if err != nil {
		return err
	}
	env, err := openEnv(cmd, "remove")
	if err != nil {
		return err
	}
	defer env.Close()

	return runStoreOperation(cmd, env, v, "Removing", "removed", func(ctx context.Context) (*sdk.Record, error) {
		return nil, env.store.Remove(ctx, v)
	})
}

// runStoreOperation executes op with output suited to the detected mode: a
// live table with a download bar, plain lines, or a JSON payload.
func runStoreOperation(cmd *cobra.Command, env *commandEnv, v catalog.RuntimeVersion, verb, doneStatus string, op func(context.Context) (*sdk.Record, error)) error {
	ctx := cmd.Context()
	mode := tui.DetectMode(cmd.OutOrStdout(), noProgress, outputJSON)

	switch mode {
	case tui.ModeTUI:
		model := tui.NewProgressModel(verb+" "+v.DisplayName()+" SDK", []tui.Column{
			{Header: "VERSION", Width: 9},
			{Header: "STATUS", Width: 12},
			{Header: "RELEASE", Width: 12},
			{Header: "PATH", Width: 48, Elide: tui.ElideLeft},
		})
		key := string(v)
		model.AddRow(key, []string{key, "resolving", "", ""})

		return tui.Run(ctx, cmd.OutOrStdout(), model, func(ctx context.Context, reporter *tui.Reporter) error {
			progress := reporter.Download(key)
			started := false
			env.store.Progress = func(downloaded, total int64) {
				if !started {
					started = true
					reporter.Status(key, "downloading")
				}
				progress(downloaded, total)
			}
			rec, err := op(ctx)
			if err != nil {
				reporter.Status(key, "error")
				return err
			}
			fields := map[string]string{"STATUS": doneStatus}
			if rec != nil {
				fields["RELEASE"] = tui.NonEmptyOrDash(rec.Release)
				fields["PATH"] = rec.RootPath
			}
			reporter.Fields(key, fields)
			return nil
		})

	case tui.ModeJSON:
		rec, err := op(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd, operationResult{Version: v, Status: doneStatus, Record: rec})

	default:
		cmd.PrintErrf("%s %s SDK...\n", verb, v.DisplayName())
		rec, err := op(ctx)
		if err != nil {
			return err
		}
		printOperation(cmd, operationResult{Version: v, Status: doneStatus, Record: rec})
		return nil
	}
}
