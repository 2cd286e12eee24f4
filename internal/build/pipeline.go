// Package build turns a Rust crate into a simulator-loadable WebAssembly
// module: compile to a static library, link against the SDK's WASI sysroot,
// optimize, validate, and promote the result to the requested path.
package build

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/errs"
	"cargomsfs/internal/toolchain"
	"cargomsfs/internal/tracing"
)

const (
	ProfileRelease = "release"
	ProfileDebug   = "debug"

	StageResolve  = "resolve"
	StageCompile  = "compile"
	StageLink     = "link"
	StageOptimize = "optimize"
	StageValidate = "validate"
	StagePromote  = "promote"
)

// Request describes one build.
type Request struct {
	Version    catalog.RuntimeVersion
	InputDir   string
	OutputPath string
	// Profile selects the cargo profile; empty means release.
	Profile string
	// KeepWork retains the work directory after the build.
	KeepWork bool
}

// StageResult records one completed stage.
type StageResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// Artifact describes the promoted module.
type Artifact struct {
	Path       string        `json:"path"`
	Size       int64         `json:"size"`
	LinkedSize int64         `json:"linked_size"`
	SHA256     string        `json:"sha256"`
	Optimized  bool          `json:"optimized"`
	Exports    []string      `json:"exports,omitempty"`
	Stages     []StageResult `json:"stages"`
	WorkDir    string        `json:"work_dir,omitempty"`
}

// Toolchains resolves the toolchain for a runtime version.
type Toolchains interface {
	Resolve(ctx context.Context, v catalog.RuntimeVersion) (toolchain.Config, error)
}

// Tools names the external executables.
type Tools struct {
	Cargo   string
	WasmLD  string
	WasmOpt string
}

// Pipeline runs builds.
type Pipeline struct {
	Toolchains Toolchains
	Runner     Runner
	Tools      Tools
	// OptimizeLevel is the wasm-opt level flag, for example -O3.
	OptimizeLevel string
	OptimizeExtra []string
	// WorkRoot holds one work directory per build.
	WorkRoot string
	Logger   *zap.Logger
	// Stdout and Stderr, when set, receive tool output as it is produced.
	Stdout io.Writer
	Stderr io.Writer
	// OnStage, when set, is called as each stage starts.
	OnStage func(stage string)

	now func() time.Time
}

// New returns a pipeline with default tool names.
func New(toolchains Toolchains, runner Runner, workRoot string, logger *zap.Logger) *Pipeline {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		Toolchains:    toolchains,
		Runner:        runner,
		Tools:         Tools{Cargo: "cargo", WasmLD: "wasm-ld", WasmOpt: "wasm-opt"},
		OptimizeLevel: "-O3",
		WorkRoot:      workRoot,
		Logger:        logger,
		now:           time.Now,
	}
}

// Build runs every stage for req. Until the final rename a pre-existing
// file at req.OutputPath is left untouched.
func (p *Pipeline) Build(ctx context.Context, req Request) (art Artifact, err error) {
	ctx, span := tracing.StartSpan(ctx, "build", tracing.Version(string(req.Version)))
	defer func() { tracing.End(span, err) }()

	if err := catalog.Check(req.Version); err != nil {
		return Artifact{}, err
	}
	req, err = normalize(req)
	if err != nil {
		return Artifact{}, err
	}

	run := &buildRun{p: p, req: req, log: p.logger().With(zap.String("version", string(req.Version)))}

	if err := run.stage(ctx, StageResolve, run.resolve); err != nil {
		return Artifact{}, err
	}

	run.work = filepath.Join(p.WorkRoot, newID(p.clock()))
	if err := os.MkdirAll(run.work, 0o755); err != nil {
		return Artifact{}, errs.Wrap(errs.KindIO, err, "create work directory")
	}
	defer func() {
		if req.KeepWork {
			run.log.Info("work directory kept", zap.String("path", run.work))
			return
		}
		_ = os.RemoveAll(run.work)
	}()

	if err := run.stage(ctx, StageCompile, run.compile); err != nil {
		return Artifact{}, err
	}
	if err := run.stage(ctx, StageLink, run.link); err != nil {
		return Artifact{}, err
	}
	if err := run.stage(ctx, StageOptimize, run.optimize); err != nil {
		return Artifact{}, err
	}
	if err := run.stage(ctx, StageValidate, run.validate); err != nil {
		return Artifact{}, err
	}
	if err := run.stage(ctx, StagePromote, run.promote); err != nil {
		return Artifact{}, err
	}

	run.art.Path = req.OutputPath
	run.art.Stages = run.stages
	if req.KeepWork {
		run.art.WorkDir = run.work
	}
	run.log.Info("build complete",
		zap.String("output", run.art.Path),
		zap.Int64("size", run.art.Size),
		zap.Int64("linked_size", run.art.LinkedSize),
	)
	return run.art, nil
}

func normalize(req Request) (Request, error) {
	if strings.TrimSpace(req.InputDir) == "" {
		return req, errs.New(errs.KindIO, "input folder is required")
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return req, errs.New(errs.KindIO, "output path is required")
	}
	in, err := filepath.Abs(req.InputDir)
	if err != nil {
		return req, errs.Wrap(errs.KindIO, err, "resolve input folder")
	}
	out, err := filepath.Abs(req.OutputPath)
	if err != nil {
		return req, errs.Wrap(errs.KindIO, err, "resolve output path")
	}
	req.InputDir, req.OutputPath = in, out

	switch req.Profile {
	case "":
		req.Profile = ProfileRelease
	case ProfileRelease, ProfileDebug:
	default:
		return req, errs.New(errs.KindIO, fmt.Sprintf("unknown build profile %q (expected release or debug)", req.Profile))
	}
	return req, nil
}

type buildRun struct {
	p      *Pipeline
	req    Request
	cfg    toolchain.Config
	work   string
	log    *zap.Logger
	stages []StageResult
	art    Artifact

	intermediate string
	linked       string
	optimized    string
	final        string
}

// stage wraps fn with tracing, timing, and stage-name attribution.
func (r *buildRun) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if r.p.OnStage != nil {
		r.p.OnStage(name)
	}
	ctx, span := tracing.StartSpan(ctx, "build."+name, tracing.Stage(name), tracing.Version(string(r.req.Version)))
	start := r.p.clock()
	err := fn(ctx)
	tracing.End(span, err)

	result := StageResult{Name: name, Duration: r.p.clock().Sub(start)}
	if err != nil {
		var found *errs.Error
		typed := errs.Wrap(errs.KindIO, err, name+" failed")
		if errors.As(err, &found) {
			// Copy so shared sentinels are never mutated.
			clone := *found
			typed = &clone
		}
		if typed.Stage == "" {
			typed.Stage = name
		}
		if typed.Version == "" {
			typed.Version = string(r.req.Version)
		}
		r.log.Warn("build stage failed", zap.String("stage", name), zap.Error(typed))
		return typed
	}
	r.log.Debug("build stage complete", zap.String("stage", name), zap.Duration("duration", result.Duration))
	r.stages = append(r.stages, result)
	return nil
}

func (r *buildRun) resolve(ctx context.Context) error {
	cfg, err := r.p.Toolchains.Resolve(ctx, r.req.Version)
	if err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}

func (r *buildRun) exec(ctx context.Context, kind errs.Kind, tool string, args []string, dir string, env []string) error {
	r.log.Debug("running tool", zap.String("tool", tool), zap.Strings("args", args))
	res, err := r.p.Runner.Run(ctx, tool, args, RunOptions{
		Dir:    dir,
		Env:    env,
		Stdout: r.p.Stdout,
		Stderr: r.p.Stderr,
	})
	if err == nil {
		return nil
	}
	detail := fmt.Sprintf("%s failed", filepath.Base(tool))
	if res.ExitCode > 0 {
		detail = fmt.Sprintf("%s exited with code %d", filepath.Base(tool), res.ExitCode)
	}
	diag := string(res.Stderr)
	if strings.TrimSpace(diag) == "" {
		diag = string(res.Stdout)
	}
	return errs.Wrap(kind, err, detail).WithDiagnostic(diag)
}

func (r *buildRun) compile(ctx context.Context) error {
	manifest := filepath.Join(r.req.InputDir, "Cargo.toml")
	if _, err := os.Stat(manifest); err != nil {
		return errs.Wrap(errs.KindCompile, err, "no Cargo.toml in "+r.req.InputDir)
	}

	targetDir := filepath.Join(r.work, "target")
	args := []string{"rustc"}
	if r.req.Profile == ProfileRelease {
		args = append(args, "--release")
	}
	args = append(args,
		"--target", r.cfg.TargetTriple,
		"--lib",
		"--crate-type", "staticlib",
		"--manifest-path", manifest,
		"--target-dir", targetDir,
	)
	if err := r.exec(ctx, errs.KindCompile, r.p.Tools.Cargo, args, r.req.InputDir, r.cfg.Environ()); err != nil {
		return err
	}

	outDir := filepath.Join(targetDir, r.cfg.TargetTriple, r.req.Profile)
	libs, err := filepath.Glob(filepath.Join(outDir, "*.a"))
	if err != nil {
		return errs.Wrap(errs.KindCompile, err, "locate static library")
	}
	if len(libs) == 0 {
		return errs.New(errs.KindCompile, "cargo produced no static library in "+outDir)
	}
	sort.Strings(libs)
	r.intermediate = filepath.Join(r.work, "intermediate.a")
	if err := os.Rename(libs[0], r.intermediate); err != nil {
		return errs.Wrap(errs.KindIO, err, "move static library")
	}
	return nil
}

func (r *buildRun) link(ctx context.Context) error {
	r.linked = filepath.Join(r.work, "linked.wasm")
	args := []string{"--no-entry", r.intermediate}
	args = append(args, r.cfg.LinkArgs...)
	if r.cfg.LinkerArgsFile != "" {
		args = append(args, "@"+r.cfg.LinkerArgsFile)
	}
	args = append(args, "-o", r.linked)
	if err := r.exec(ctx, errs.KindLink, r.p.Tools.WasmLD, args, r.work, nil); err != nil {
		return err
	}

	ok, err := hasWasmMagic(r.linked)
	if err != nil {
		return errs.Wrap(errs.KindLink, err, "linker produced no output")
	}
	if !ok {
		return errs.New(errs.KindLink, "linker output is not a wasm module")
	}
	info, err := os.Stat(r.linked)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "stat linked module")
	}
	r.art.LinkedSize = info.Size()
	return nil
}

func (r *buildRun) optimize(ctx context.Context) error {
	r.optimized = filepath.Join(r.work, "optimized.wasm")
	level := r.p.OptimizeLevel
	if level == "" {
		level = "-O3"
	}
	args := []string{level}
	args = append(args, r.cfg.OptimizerArgs...)
	args = append(args, r.p.OptimizeExtra...)
	args = append(args, r.linked, "-o", r.optimized)
	if err := r.exec(ctx, errs.KindOptimization, r.p.Tools.WasmOpt, args, r.work, nil); err != nil {
		return err
	}

	info, err := os.Stat(r.optimized)
	if err != nil {
		return errs.Wrap(errs.KindOptimization, err, "optimizer produced no output")
	}
	r.final = r.optimized
	r.art.Optimized = true
	if info.Size() > r.art.LinkedSize {
		r.log.Info("optimized module is larger than linked module; keeping linked",
			zap.Int64("optimized_size", info.Size()),
			zap.Int64("linked_size", r.art.LinkedSize),
		)
		r.final = r.linked
		r.art.Optimized = false
	}
	return nil
}

func (r *buildRun) validate(ctx context.Context) error {
	binary, err := os.ReadFile(r.final)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "read module")
	}
	exports, err := validateModule(ctx, binary)
	if err != nil {
		return errs.Wrap(errs.KindOptimization, err, "validate "+filepath.Base(r.final))
	}
	r.art.Exports = exports
	sum := sha256.Sum256(binary)
	r.art.SHA256 = hex.EncodeToString(sum[:])
	r.art.Size = int64(len(binary))
	return nil
}

// promote copies the final module next to the output path and renames it
// into place.
func (r *buildRun) promote(ctx context.Context) error {
	dir := filepath.Dir(r.req.OutputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err, "create output directory")
	}

	src, err := os.Open(r.final)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "open module")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.req.OutputPath)+".*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "create temp output")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIO, err, "write temp output")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIO, err, "sync temp output")
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindIO, err, "close temp output")
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, err, "set output permissions")
	}
	if err := os.Rename(tmpName, r.req.OutputPath); err != nil {
		return errs.Wrap(errs.KindIO, err, "replace output")
	}
	return nil
}

func (p *Pipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newID(t time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), idEntropy).String())
}
