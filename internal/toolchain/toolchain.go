// Package toolchain derives the compiler and linker configuration for a
// runtime version from its installed SDK.
package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/errs"
	"cargomsfs/internal/sdk"
)

// Records looks up installed SDKs.
type Records interface {
	Get(ctx context.Context, v catalog.RuntimeVersion) (sdk.Record, bool, error)
}

// Config is everything the build stages need for one runtime version.
type Config struct {
	Version       catalog.RuntimeVersion
	TargetTriple  string
	SDKRoot       string
	Sysroot       string
	IncludePaths  []string
	LibPaths      []string
	Builtins      string
	// LinkerArgsFile is a wasm-ld response file passed as "@file", or "".
	LinkerArgsFile string
	CompileFlags   []string
	LinkArgs       []string
	OptimizerArgs  []string
	Env            map[string]string
}

// DefaultSettleDelay is how long Resolve waits before looking at an
// incomplete tree a second time.
const DefaultSettleDelay = 200 * time.Millisecond

// Resolver builds Config values from the SDK registry.
type Resolver struct {
	Records Records
	// SettleDelay bounds the wait for an SDK update to finish swapping trees.
	// Readers do not take the store lock, and an update replaces the tree
	// with two renames, so a tree can be briefly absent.
	SettleDelay time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewResolver returns a resolver backed by records.
func NewResolver(records Records) *Resolver {
	return &Resolver{Records: records, SettleDelay: DefaultSettleDelay}
}

// Resolve returns the toolchain configuration for v. It fails with
// NotInstalled when no SDK is recorded or the recorded tree is still
// incomplete after one settle delay.
func (r *Resolver) Resolve(ctx context.Context, v catalog.RuntimeVersion) (Config, error) {
	entry, err := catalog.Lookup(v)
	if err != nil {
		return Config{}, err
	}

	rec, missing, err := r.lookup(ctx, entry)
	if err != nil {
		return Config{}, err
	}
	if len(missing) > 0 {
		if err := r.wait(ctx); err != nil {
			return Config{}, err
		}
		if rec, missing, err = r.lookup(ctx, entry); err != nil {
			return Config{}, err
		}
	}
	if len(missing) > 0 {
		return Config{}, errs.New(errs.KindNotInstalled, fmt.Sprintf("%s SDK at %s is incomplete (missing %s); if an update is running, retry once it finishes, otherwise reinstall it", v.DisplayName(), rec.RootPath, strings.Join(missing, ", "))).WithVersion(string(v))
	}

	return configFor(entry, rec.RootPath), nil
}

// lookup fetches the record for entry and lists the required paths its tree
// lacks.
func (r *Resolver) lookup(ctx context.Context, entry catalog.Entry) (sdk.Record, []string, error) {
	v := entry.Version
	rec, ok, err := r.Records.Get(ctx, v)
	if err != nil {
		return sdk.Record{}, nil, err
	}
	if !ok {
		return sdk.Record{}, nil, errs.New(errs.KindNotInstalled, fmt.Sprintf("%s SDK is not installed; run `cargo-msfs install %s`", v.DisplayName(), v)).WithVersion(string(v))
	}

	var missing []string
	for _, rel := range entry.Layout.Required {
		if _, err := os.Stat(under(rec.RootPath, rel)); err != nil {
			missing = append(missing, rel)
		}
	}
	return rec, missing, nil
}

// wait pauses for SettleDelay or until ctx is done.
func (r *Resolver) wait(ctx context.Context) error {
	if r.sleep != nil {
		return r.sleep(ctx, r.SettleDelay)
	}
	if r.SettleDelay <= 0 {
		return nil
	}
	t := time.NewTimer(r.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func configFor(entry catalog.Entry, root string) Config {
	layout, tc := entry.Layout, entry.Toolchain

	cfg := Config{
		Version:       entry.Version,
		TargetTriple:  tc.Target,
		SDKRoot:       root,
		Sysroot:       under(root, layout.Sysroot),
		Builtins:      under(root, layout.Builtins),
		CompileFlags:  append([]string(nil), tc.CompileFlags...),
		OptimizerArgs: append([]string(nil), tc.OptimizerArgs...),
		Env:           map[string]string{},
	}
	for _, dir := range layout.IncludeDirs {
		cfg.IncludePaths = append(cfg.IncludePaths, under(root, dir))
	}
	for _, dir := range layout.LibDirs {
		cfg.LibPaths = append(cfg.LibPaths, under(root, dir))
	}
	if layout.LinkerArgsFile != "" {
		cfg.LinkerArgsFile = under(root, layout.LinkerArgsFile)
	}

	includes := make([]string, 0, len(cfg.IncludePaths))
	for _, dir := range cfg.IncludePaths {
		includes = append(includes, "-I"+dir)
	}
	vars := map[string]string{
		"SYSROOT":  cfg.Sysroot,
		"SDK_ROOT": root,
		"TARGET":   tc.Target,
		"BUILTINS": cfg.Builtins,
		"INCLUDES": strings.Join(includes, " "),
	}
	if len(cfg.LibPaths) > 0 {
		vars["LIBDIR"] = cfg.LibPaths[0]
	}

	for _, dir := range cfg.LibPaths {
		cfg.LinkArgs = append(cfg.LinkArgs, "-L", dir)
	}
	for _, arg := range tc.LinkArgs {
		cfg.LinkArgs = append(cfg.LinkArgs, expand(arg, vars))
	}
	for _, name := range tc.Exports {
		cfg.LinkArgs = append(cfg.LinkArgs, "--export="+name)
	}
	for key, value := range tc.Env {
		cfg.Env[key] = strings.TrimSpace(expand(value, vars))
	}
	cfg.Env["RUSTFLAGS"] = cfg.RustFlags()
	return cfg
}

// RustFlags renders the compile flags as a RUSTFLAGS value.
func (c Config) RustFlags() string {
	return strings.Join(c.CompileFlags, " ")
}

// Environ returns Env as sorted KEY=VALUE pairs.
func (c Config) Environ() []string {
	keys := make([]string, 0, len(c.Env))
	for key := range c.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+c.Env[key])
	}
	return out
}

func expand(template string, vars map[string]string) string {
	return os.Expand(template, func(name string) string {
		if value, ok := vars[name]; ok {
			return value
		}
		return "${" + name + "}"
	})
}

func under(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}
