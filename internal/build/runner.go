package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// RunOptions controls how an external tool is executed.
type RunOptions struct {
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// RunResult captures a finished tool invocation. ExitCode is -1 when the
// process could not be started.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes external tools.
type Runner interface {
	Run(ctx context.Context, name string, args []string, opts RunOptions) (RunResult, error)
}

// ExecRunner runs tools with os/exec. Output is always captured and also
// streamed to RunOptions writers when they are set.
type ExecRunner struct{}

// waitDelay bounds how long a cancelled tool may keep its pipes open.
const waitDelay = 5 * time.Second

func (ExecRunner) Run(ctx context.Context, name string, args []string, opts RunOptions) (RunResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	cmd.Stdout = tee(&stdout, opts.Stdout)
	cmd.Stderr = tee(&stderr, opts.Stderr)
	cmd.WaitDelay = waitDelay
	if len(opts.Env) > 0 {
		// Later entries win, so opts.Env overrides the inherited environment.
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	err := cmd.Run()
	res := RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrNotFound):
		res.ExitCode = -1
		err = fmt.Errorf("%s not found on PATH; check the tools section of config.yaml: %w", name, err)
	default:
		res.ExitCode = -1
	}
	return res, err
}

func tee(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

var _ Runner = ExecRunner{}
