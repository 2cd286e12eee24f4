package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	tickInterval = 150 * time.Millisecond
	barWidth     = 30
	columnGap    = "  "
)

var (
	spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	elapsedStyle  = lipgloss.NewStyle().Faint(true)
)

// Elide selects which end of an over-long cell is cut.
type Elide int

const (
	// ElideRight keeps the start of the value ("0.24.3-be...").
	ElideRight Elide = iota
	// ElideLeft keeps the end, which suits paths ("...sdks/msfs2024").
	ElideLeft
)

// Column defines a single column in the progress table.
type Column struct {
	Header string
	Width  int
	Elide  Elide
}

// Row holds the field values for a single table row.
type Row struct {
	Key    string
	Fields []string

	started  time.Time
	finished time.Time
}

type transfer struct {
	downloaded int64
	total      int64
}

// ProgressModel renders a table of rows (SDK versions or build stages) with
// a STATUS column, plus a download bar under any row receiving DownloadMsg.
// Rows whose status is active show how long they have been running.
type ProgressModel struct {
	columns   []Column
	widths    []int
	rows      []Row
	rowIndex  map[string]int
	statusCol int
	title     string

	transfers map[string]transfer
	bar       progress.Model

	tick int
	done bool
	err  error
	now  func() time.Time
}

// NewProgressModel creates a progress model with the given title and columns.
func NewProgressModel(title string, columns []Column) ProgressModel {
	m := ProgressModel{
		columns:   columns,
		widths:    make([]int, len(columns)),
		rowIndex:  make(map[string]int),
		statusCol: -1,
		title:     title,
		transfers: make(map[string]transfer),
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth)),
		now:       time.Now,
	}
	for i, c := range columns {
		m.widths[i] = max(c.Width, lipgloss.Width(c.Header))
		if m.statusCol < 0 && strings.EqualFold(c.Header, "STATUS") {
			m.statusCol = i
		}
	}
	return m
}

// AddRow pre-populates a row. Call this before the program starts.
func (m *ProgressModel) AddRow(key string, fields []string) {
	row := Row{Key: key, Fields: make([]string, len(m.columns))}
	copy(row.Fields, fields)
	m.rowIndex[key] = len(m.rows)
	m.rows = append(m.rows, row)
	m.track(&m.rows[len(m.rows)-1])
}

func scheduleTick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init satisfies the tea.Model interface.
func (m ProgressModel) Init() tea.Cmd {
	return scheduleTick()
}

// Update satisfies the tea.Model interface.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		if m.done {
			return m, nil
		}
		m.tick++
		return m, scheduleTick()

	case RowUpdateMsg:
		idx, ok := m.rowIndex[msg.Key]
		if !ok {
			return m, nil
		}
		row := &m.rows[idx]
		for i, col := range m.columns {
			if val, ok := msg.Fields[col.Header]; ok {
				row.Fields[i] = val
			}
		}
		m.track(row)
		return m, nil

	case DownloadMsg:
		if _, ok := m.rowIndex[msg.Key]; ok {
			m.transfers[msg.Key] = transfer{downloaded: msg.Downloaded, total: msg.Total}
		}
		return m, nil

	case WorkDoneMsg:
		m.done = true
		return m, tea.Quit

	case ErrorMsg:
		m.err = msg.Err
		m.done = true
		return m, tea.Quit

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.String() == "q" {
			m.done = true
			return m, tea.Quit
		}
	}
	return m, nil
}

// track starts a row's timer when it turns active and stops it when its
// status becomes terminal.
func (m *ProgressModel) track(row *Row) {
	status := m.status(*row)
	switch {
	case IsTerminal(status):
		if !row.started.IsZero() && row.finished.IsZero() {
			row.finished = m.now()
		}
	case IsActive(status):
		if row.started.IsZero() {
			row.started = m.now()
		}
	}
}

func (m ProgressModel) status(row Row) string {
	if m.statusCol < 0 || m.statusCol >= len(row.Fields) {
		return ""
	}
	return strings.TrimSpace(row.Fields[m.statusCol])
}

// View satisfies the tea.Model interface.
func (m ProgressModel) View() string {
	if m.done && m.err != nil {
		return fmt.Sprintf("Error: %v\n", m.err)
	}

	var b strings.Builder
	if m.title != "" {
		b.WriteString(TitleStyle.Render(m.title))
		b.WriteString("\n\n")
	}

	cells := make([]string, len(m.columns))
	for i, col := range m.columns {
		cells[i] = HeaderStyle.Render(padRight(col.Header, m.widths[i]))
	}
	b.WriteString(strings.Join(cells, columnGap))
	b.WriteByte('\n')

	for _, row := range m.rows {
		for i, col := range m.columns {
			val := elide(row.Fields[i], m.widths[i], col.Elide)
			if i == m.statusCol {
				cells[i] = StatusStyle(val).Render(padRight(val, m.widths[i]))
			} else {
				cells[i] = padRight(val, m.widths[i])
			}
		}
		line := strings.Join(cells, columnGap)
		if d, ok := m.elapsed(row); ok {
			line += columnGap + elapsedStyle.Render(formatElapsed(d))
		}
		b.WriteString(strings.TrimRight(line, " "))
		b.WriteByte('\n')

		if t, ok := m.transfers[row.Key]; ok && !m.done {
			b.WriteString("  ")
			b.WriteString(m.transferLine(t))
			b.WriteByte('\n')
		}
	}

	if !m.done {
		finished, total := m.progressCounts()
		spinner := spinnerStyle.Render(spinnerFrames[m.tick%len(spinnerFrames)])
		fmt.Fprintf(&b, "\n%s %d/%d done\n", spinner, finished, total)
	}
	return b.String()
}

func (m ProgressModel) elapsed(row Row) (time.Duration, bool) {
	switch {
	case row.started.IsZero():
		return 0, false
	case !row.finished.IsZero():
		return row.finished.Sub(row.started), true
	default:
		return m.now().Sub(row.started), true
	}
}

func (m ProgressModel) transferLine(t transfer) string {
	if t.total <= 0 {
		return FormatBytes(t.downloaded) + " downloaded"
	}
	pct := min(float64(t.downloaded)/float64(t.total), 1)
	return fmt.Sprintf("%s %s / %s", m.bar.ViewAs(pct), FormatBytes(t.downloaded), FormatBytes(t.total))
}

// progressCounts returns how many rows have reached a terminal status and
// how many rows there are.
func (m ProgressModel) progressCounts() (int, int) {
	finished := 0
	for _, row := range m.rows {
		if IsTerminal(m.status(row)) {
			finished++
		}
	}
	return finished, len(m.rows)
}

// Done returns whether the model has finished (work done or error).
func (m ProgressModel) Done() bool {
	return m.done
}

// Err returns any fatal error that occurred.
func (m ProgressModel) Err() error {
	return m.err
}
