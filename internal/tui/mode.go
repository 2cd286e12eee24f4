package tui

import (
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/term"
)

// OutputMode selects how a command reports progress.
type OutputMode int

const (
	// ModeTUI renders a live bubbletea table.
	ModeTUI OutputMode = iota
	// ModePlain prints line-oriented output suitable for logs and pipes.
	ModePlain
	// ModeJSON prints a single JSON document when the command finishes.
	ModeJSON
)

// EnvNoProgress disables the live table for every command when set to any
// non-empty value.
const EnvNoProgress = "CARGO_MSFS_NO_PROGRESS"

// DetectMode picks the output mode for out. The live table is used only when
// out is a capable terminal and nothing asked for plain output.
func DetectMode(out io.Writer, noProgress, jsonOutput bool) OutputMode {
	switch {
	case jsonOutput:
		return ModeJSON
	case noProgress, os.Getenv(EnvNoProgress) != "":
		return ModePlain
	}

	file, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return ModePlain
	}
	if runtime.GOOS != "windows" && dumbTerminal(os.Getenv("TERM")) {
		return ModePlain
	}
	return ModeTUI
}

func dumbTerminal(value string) bool {
	value = strings.TrimSpace(value)
	return value == "" || strings.EqualFold(value, "dumb")
}
