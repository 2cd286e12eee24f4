package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"cargomsfs/internal/build"
	"cargomsfs/internal/catalog"
	"cargomsfs/internal/toolchain"
	"cargomsfs/internal/tui"
)

var (
	buildInFolder string
	buildOutWasm  string
	buildKeepWork bool
	buildProfile  string
)

var buildStages = []string{
	build.StageResolve,
	build.StageCompile,
	build.StageLink,
	build.StageOptimize,
	build.StageValidate,
	build.StagePromote,
}

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <version>",
		Short: "Compile a Rust crate into a WASM module for the simulator",
		Args:  cobra.ExactArgs(1),
		RunE:  runBuild,
	}
	cmd.Flags().StringVarP(&buildInFolder, "in-folder", "i", "", "Crate directory containing Cargo.toml")
	cmd.Flags().StringVarP(&buildOutWasm, "out-wasm", "o", "", "Path of the WASM module to write")
	cmd.Flags().BoolVar(&buildKeepWork, "keep-work", false, "Keep the intermediate work directory")
	cmd.Flags().StringVar(&buildProfile, "profile", build.ProfileRelease, "Cargo profile: release or debug")
	_ = cmd.MarkFlagRequired("in-folder")
	_ = cmd.MarkFlagRequired("out-wasm")
	return cmd
}

func runBuild(cmd *cobra.Command, args []string) error {
	v, err := catalog.Parse(args[0])
	if err != nil {
		return err
	}
	env, err := openEnv(cmd, "build")
	if err != nil {
		return err
	}
	defer env.Close()

	pipeline := build.New(toolchain.NewResolver(env.store), build.ExecRunner{}, env.layout.BuildsDir, env.logger)
	pipeline.Tools = build.Tools{
		Cargo:   env.cfg.Tools.Cargo,
		WasmLD:  env.cfg.Tools.WasmLD,
		WasmOpt: env.cfg.Tools.WasmOpt,
	}
	pipeline.OptimizeLevel = env.cfg.Optimizer.Level
	pipeline.OptimizeExtra = env.cfg.Optimizer.ExtraArgs

	req := build.Request{
		Version:    v,
		InputDir:   buildInFolder,
		OutputPath: buildOutWasm,
		Profile:    buildProfile,
		KeepWork:   buildKeepWork,
	}
	ctx := cmd.Context()

	switch tui.DetectMode(cmd.OutOrStdout(), noProgress, outputJSON) {
	case tui.ModeTUI:
		model := tui.NewProgressModel("Building "+v.DisplayName()+" module", []tui.Column{
			{Header: "STAGE", Width: 10},
			{Header: "STATUS", Width: 10},
		})
		for _, stage := range buildStages {
			model.AddRow(stage, []string{stage, "pending"})
		}

		var art build.Artifact
		err := tui.Run(ctx, cmd.OutOrStdout(), model, func(ctx context.Context, reporter *tui.Reporter) error {
			var current string
			onStage := reporter.Stages()
			pipeline.OnStage = func(stage string) {
				current = stage
				onStage(stage)
			}
			var buildErr error
			art, buildErr = pipeline.Build(ctx, req)
			if buildErr != nil {
				if current != "" {
					reporter.Status(current, "error")
				}
				return buildErr
			}
			reporter.Status(current, "complete")
			return nil
		})
		if err != nil {
			return err
		}
		printArtifact(cmd, art)
		return nil

	case tui.ModeJSON:
		art, err := pipeline.Build(ctx, req)
		if err != nil {
			return err
		}
		return writeJSON(cmd, art)

	default:
		pipeline.Stdout = cmd.ErrOrStderr()
		pipeline.Stderr = cmd.ErrOrStderr()
		pipeline.OnStage = func(stage string) {
			cmd.PrintErrf("==> %s\n", stage)
		}
		art, err := pipeline.Build(ctx, req)
		if err != nil {
			return err
		}
		printArtifact(cmd, art)
		return nil
	}
}

func printArtifact(cmd *cobra.Command, art build.Artifact) {
	cmd.Printf("%s %s\n", tui.StatusStyle("complete").Render("built"), art.Path)
	note := ""
	if !art.Optimized {
		note = " (optimizer output was larger; linked module kept)"
	}
	cmd.Printf("  size    %s, linked %s%s\n", tui.FormatBytes(art.Size), tui.FormatBytes(art.LinkedSize), note)
	cmd.Printf("  sha256  %s\n", art.SHA256)
	if len(art.Exports) > 0 {
		cmd.Printf("  exports %d functions\n", len(art.Exports))
	}
	if art.WorkDir != "" {
		cmd.Printf("  work    %s\n", art.WorkDir)
	}
	for _, st := range art.Stages {
		cmd.Printf("  %-8s %s\n", st.Name, st.Duration.Round(time.Millisecond))
	}
}
