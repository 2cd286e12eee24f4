package tui

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
)

func TestDetectMode(t *testing.T) {
	var buf bytes.Buffer
	if got := DetectMode(&buf, false, true); got != ModeJSON {
		t.Errorf("json flag: got %v, want ModeJSON", got)
	}
	if got := DetectMode(&buf, true, false); got != ModePlain {
		t.Errorf("no-progress flag: got %v, want ModePlain", got)
	}
	if got := DetectMode(&buf, false, false); got != ModePlain {
		t.Errorf("non-file writer: got %v, want ModePlain", got)
	}
}

func TestDetectModeEnvOverride(t *testing.T) {
	t.Setenv(EnvNoProgress, "1")
	if got := DetectMode(os.Stdout, false, false); got != ModePlain {
		t.Errorf("env override: got %v, want ModePlain", got)
	}
}

func TestDumbTerminal(t *testing.T) {
	for value, want := range map[string]bool{"": true, "dumb": true, " DUMB ": true, "xterm-256color": false} {
		if got := dumbTerminal(value); got != want {
			t.Errorf("dumbTerminal(%q) = %v, want %v", value, got, want)
		}
	}
}

func TestStatusWriterStopIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	sw := NewStatusWriter(&syncWriter{w: &buf})
	sw.Update("Collecting")
	sw.Count(1, 2)
	sw.Count(0, 2)
	if line := sw.line(0); !strings.Contains(line, "Collecting [1/2]") {
		t.Errorf("line %q missing counter", line)
	}
	sw.Stop()
	sw.Stop()
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
