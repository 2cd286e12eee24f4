package tui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))

// StatusWriter redraws a single spinner line on w until Stop is called. It
// is used by commands whose work has no per-row table, such as info.
type StatusWriter struct {
	w     io.Writer
	start time.Time
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu      sync.Mutex
	message string
	done    int
	total   int
}

// NewStatusWriter starts redrawing on w every 100ms.
func NewStatusWriter(w io.Writer) *StatusWriter {
	sw := &StatusWriter{w: w, start: time.Now(), stop: make(chan struct{})}
	sw.wg.Add(1)
	go sw.loop()
	return sw
}

// Update replaces the message and clears the counter.
func (sw *StatusWriter) Update(msg string) {
	sw.mu.Lock()
	sw.message = msg
	sw.done, sw.total = 0, 0
	sw.mu.Unlock()
}

// Count sets the done/total counter shown after the message. It is safe to
// call from several goroutines.
func (sw *StatusWriter) Count(done, total int) {
	sw.mu.Lock()
	if done > sw.done {
		sw.done = done
	}
	sw.total = total
	sw.mu.Unlock()
}

// Stop ends the redraw loop and erases the line. Later calls are no-ops.
func (sw *StatusWriter) Stop() {
	sw.once.Do(func() {
		close(sw.stop)
		sw.wg.Wait()
		fmt.Fprint(sw.w, "\r\033[K")
	})
}

func (sw *StatusWriter) loop() {
	defer sw.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for frame := 0; ; frame++ {
		select {
		case <-sw.stop:
			return
		case <-ticker.C:
			fmt.Fprint(sw.w, "\r\033[K"+sw.line(frame))
		}
	}
}

func (sw *StatusWriter) line(frame int) string {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	text := spinnerStyle.Render(spinnerFrames[frame%len(spinnerFrames)]) + " " + sw.message
	if sw.total > 0 {
		text += fmt.Sprintf(" [%d/%d]", sw.done, sw.total)
	}
	return text + " " + formatElapsed(time.Since(sw.start))
}

func formatElapsed(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
