package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cargomsfs/internal/config"
	"cargomsfs/internal/errs"
	"cargomsfs/internal/info"
	"cargomsfs/internal/paths"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(paths.EnvDataDir, "")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInfoJSONOnEmptyDataDir(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, "info", "--json", "--no-progress", "--data-dir", dir)
	if err != nil {
		t.Fatalf("info: %v", err)
	}

	var entries []info.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Installed {
			t.Errorf("%s reported installed on empty data dir", e.Version)
		}
	}
}

func TestUnsupportedVersionRejected(t *testing.T) {
	for _, verb := range []string{"install", "update", "remove"} {
		_, err := runCLI(t, verb, "msfs2004", "--data-dir", t.TempDir())
		if !errors.Is(err, errs.NotSupportedVersion) {
			t.Errorf("%s: got %v, want NotSupportedVersion", verb, err)
		}
	}
}

func TestRemoveNotInstalled(t *testing.T) {
	_, err := runCLI(t, "remove", "msfs2024", "--no-progress", "--data-dir", t.TempDir())
	if !errors.Is(err, errs.NotInstalled) {
		t.Fatalf("got %v, want NotInstalled", err)
	}
}

func TestBuildWithoutSDKFails(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out", "module.wasm")
	_, err := runCLI(t, "build", "msfs2020", "-i", dir, "-o", out, "--no-progress", "--data-dir", filepath.Join(dir, "data"))
	if !errors.Is(err, errs.NotInstalled) {
		t.Fatalf("got %v, want NotInstalled", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Errorf("output should not exist, stat err=%v", statErr)
	}
}

func TestConfigShowPrintsDefaults(t *testing.T) {
	out, err := runCLI(t, "config", "show", "--data-dir", t.TempDir())
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "wasm_opt: wasm-opt") {
		t.Errorf("output missing tool defaults:\n%s", out)
	}
}

func TestConfigValidateReportsErrors(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgFile, []byte("optimizer:\n  level: fast\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "config", "validate", "--config", cfgFile, "--data-dir", dir)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "optimizer.level") {
		t.Errorf("output missing finding:\n%s", out)
	}
}

func TestWriteDefaultConfigKeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("lock_wait: 5s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeDefaultConfig(path); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "lock_wait: 5s\n" {
		t.Errorf("existing config overwritten: %q", got)
	}
}

func TestEditorCommand(t *testing.T) {
	env := map[string]string{"EDITOR": "code --wait"}
	got := editorCommand(func(k string) string { return env[k] })
	if strings.Join(got, " ") != "code --wait" {
		t.Errorf("got %q", got)
	}

	env["VISUAL"] = "nvim"
	if got := editorCommand(func(k string) string { return env[k] }); got[0] != "nvim" {
		t.Errorf("VISUAL should win, got %q", got)
	}
}

func TestWriteDefaultConfigCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := writeDefaultConfig(path); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tools.WasmLD != "wasm-ld" {
		t.Errorf("got wasm_ld=%q", cfg.Tools.WasmLD)
	}
}
