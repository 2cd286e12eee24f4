package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func versionModel() ProgressModel {
	m := NewProgressModel("Installing SDKs", []Column{
		{Header: "VERSION", Width: 9},
		{Header: "STATUS", Width: 12},
		{Header: "RELEASE", Width: 10},
	})
	m.AddRow("msfs2020", []string{"msfs2020", "pending", ""})
	m.AddRow("msfs2024", []string{"msfs2024", "pending", ""})
	return m
}

func TestRowUpdateMsg(t *testing.T) {
	m := versionModel()

	updated, _ := m.Update(RowUpdateMsg{
		Key:    "msfs2020",
		Fields: map[string]string{"STATUS": "installed", "RELEASE": "0.24.3"},
	})
	m = updated.(ProgressModel)

	if m.rows[0].Fields[1] != "installed" {
		t.Errorf("expected STATUS=installed, got %q", m.rows[0].Fields[1])
	}
	if m.rows[0].Fields[2] != "0.24.3" {
		t.Errorf("expected RELEASE=0.24.3, got %q", m.rows[0].Fields[2])
	}
	if m.rows[1].Fields[1] != "pending" {
		t.Errorf("expected second row STATUS=pending, got %q", m.rows[1].Fields[1])
	}
}

func TestRowUpdateMsg_UnknownKey(t *testing.T) {
	m := versionModel()

	updated, _ := m.Update(RowUpdateMsg{
		Key:    "msfs2030",
		Fields: map[string]string{"STATUS": "installed"},
	})
	m = updated.(ProgressModel)

	if m.rows[0].Fields[1] != "pending" || m.rows[1].Fields[1] != "pending" {
		t.Error("expected rows unchanged for unknown key")
	}
}

func TestDownloadMsgRendersBar(t *testing.T) {
	m := versionModel()

	updated, _ := m.Update(DownloadMsg{Key: "msfs2024", Downloaded: 512 * 1024, Total: 1024 * 1024})
	m = updated.(ProgressModel)

	view := m.View()
	if !strings.Contains(view, "512.0 KiB / 1.0 MiB") {
		t.Errorf("expected byte counts in view, got:\n%s", view)
	}

	updated, _ = m.Update(DownloadMsg{Key: "nope", Downloaded: 1, Total: 2})
	m = updated.(ProgressModel)
	if len(m.transfers) != 1 {
		t.Errorf("expected transfers for known rows only, got %d", len(m.transfers))
	}
}

func TestDownloadMsgUnknownTotal(t *testing.T) {
	m := versionModel()
	updated, _ := m.Update(DownloadMsg{Key: "msfs2020", Downloaded: 2048, Total: -1})
	m = updated.(ProgressModel)

	if !strings.Contains(m.View(), "2.0 KiB downloaded") {
		t.Error("expected plain byte count when total is unknown")
	}
}

func TestWorkDoneMsg(t *testing.T) {
	m := versionModel()

	updated, cmd := m.Update(WorkDoneMsg{})
	m = updated.(ProgressModel)

	if !m.Done() {
		t.Error("expected Done() to be true after WorkDoneMsg")
	}
	if cmd == nil {
		t.Error("expected tea.Quit command")
	}
}

func TestErrorMsg(t *testing.T) {
	m := versionModel()

	updated, cmd := m.Update(ErrorMsg{Err: errors.New("lock held")})
	m = updated.(ProgressModel)

	if !m.Done() {
		t.Error("expected Done() to be true after ErrorMsg")
	}
	if m.Err() == nil {
		t.Error("expected Err() to be non-nil")
	}
	if cmd == nil {
		t.Error("expected tea.Quit command")
	}
	if !strings.Contains(m.View(), "lock held") {
		t.Error("expected view to show the error")
	}
}

func TestView(t *testing.T) {
	m := versionModel()
	view := m.View()

	for _, want := range []string{"Installing SDKs", "VERSION", "STATUS", "RELEASE", "msfs2020", "pending", "0/2 done"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q", want)
		}
	}
}

func TestNonEmptyOrDash(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "-"},
		{"  ", "-"},
		{"0.24.3", "0.24.3"},
		{" 1.0 ", "1.0"},
	}
	for _, tt := range tests {
		if got := NonEmptyOrDash(tt.input); got != tt.want {
			t.Errorf("NonEmptyOrDash(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTruncateWithEllipsis(t *testing.T) {
	tests := []struct {
		input string
		max   int
		want  string
	}{
		{"short", 10, "short"},
		{"/home/user/.local/share", 10, "/home/u..."},
		{"abc", 3, "abc"},
		{"abcd", 3, "abc"},
		{"", 5, ""},
		{"hello", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncateWithEllipsis(tt.input, tt.max); got != tt.want {
			t.Errorf("TruncateWithEllipsis(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.want)
		}
	}
}

func TestElideLeftKeepsPathTail(t *testing.T) {
	tests := []struct {
		input string
		width int
		want  string
	}{
		{"/data/sdks/msfs2024", 40, "/data/sdks/msfs2024"},
		{"/data/sdks/msfs2024", 12, ".../msfs2024"},
		{"abcdef", 3, "def"},
	}
	for _, tt := range tests {
		if got := elide(tt.input, tt.width, ElideLeft); got != tt.want {
			t.Errorf("elide(%q, %d, left) = %q, want %q", tt.input, tt.width, got, tt.want)
		}
	}
}

func TestRowElapsedStopsAtTerminalStatus(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := versionModel()
	m.now = func() time.Time { return clock }

	updated, _ := m.Update(RowUpdateMsg{Key: "msfs2020", Fields: map[string]string{"STATUS": "downloading"}})
	m = updated.(ProgressModel)
	clock = clock.Add(1500 * time.Millisecond)
	if !strings.Contains(m.View(), "1.5s") {
		t.Errorf("expected running row to show elapsed time, got:\n%s", m.View())
	}

	updated, _ = m.Update(RowUpdateMsg{Key: "msfs2020", Fields: map[string]string{"STATUS": "installed"}})
	m = updated.(ProgressModel)
	clock = clock.Add(time.Minute)
	if !strings.Contains(m.View(), "1.5s") {
		t.Errorf("expected elapsed time frozen at completion, got:\n%s", m.View())
	}
	if d, ok := m.elapsed(m.rows[1]); ok {
		t.Errorf("pending row should have no elapsed time, got %v", d)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:                  "0 B",
		1023:               "1023 B",
		1024:               "1.0 KiB",
		1536:               "1.5 KiB",
		3 * 1024 * 1024:    "3.0 MiB",
		1024 * 1024 * 1024: "1.0 GiB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestTickStopsAfterDone(t *testing.T) {
	m := versionModel()
	updated, _ := m.Update(WorkDoneMsg{})
	m = updated.(ProgressModel)

	_, cmd := m.Update(tickMsg{})
	if cmd != nil {
		t.Error("expected no tick command after done")
	}
}

func TestProgressCountsTerminalStatuses(t *testing.T) {
	m := NewProgressModel("build", []Column{
		{Header: "STAGE", Width: 10},
		{Header: "STATUS", Width: 10},
	})
	m.AddRow("compile", []string{"compile", "complete"})
	m.AddRow("link", []string{"link", "running"})
	m.AddRow("optimize", []string{"optimize", "pending"})

	processed, total := m.progressCounts()
	if total != 3 || processed != 1 {
		t.Errorf("expected 1/3, got %d/%d", processed, total)
	}
}

func TestViewHidesFooterWhenDone(t *testing.T) {
	m := versionModel()
	updated, _ := m.Update(WorkDoneMsg{})
	m = updated.(ProgressModel)

	if strings.Contains(m.View(), "0/2 done") {
		t.Error("expected no footer when done")
	}
}

func TestCtrlC(t *testing.T) {
	m := versionModel()

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = updated.(ProgressModel)

	if !m.Done() {
		t.Error("expected Done() to be true after ctrl+c")
	}
	if cmd == nil {
		t.Error("expected tea.Quit command")
	}
}

func TestReporterStagesMarksPreviousComplete(t *testing.T) {
	var msgs []tea.Msg
	r := NewReporter(func(msg tea.Msg) { msgs = append(msgs, msg) })

	onStage := r.Stages()
	onStage("compile")
	onStage("link")

	want := []RowUpdateMsg{
		{Key: "compile", Fields: map[string]string{"STATUS": "running"}},
		{Key: "compile", Fields: map[string]string{"STATUS": "complete"}},
		{Key: "link", Fields: map[string]string{"STATUS": "running"}},
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, w := range want {
		got := msgs[i].(RowUpdateMsg)
		if got.Key != w.Key || got.Fields["STATUS"] != w.Fields["STATUS"] {
			t.Errorf("message %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestReporterDownloadAlwaysSendsFinal(t *testing.T) {
	var msgs []tea.Msg
	r := NewReporter(func(msg tea.Msg) { msgs = append(msgs, msg) })

	progress := r.Download("msfs2020")
	progress(1, 100)
	progress(2, 100) // throttled
	progress(100, 100)

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	last := msgs[1].(DownloadMsg)
	if last.Downloaded != 100 {
		t.Errorf("expected final update, got %+v", last)
	}
}
