package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/time/rate"
)

const downloadThrottle = 100 * time.Millisecond

// Reporter turns store and pipeline callbacks into progress messages.
type Reporter struct {
	send func(tea.Msg)
}

// NewReporter wraps a send function, usually the one created by Run.
func NewReporter(send func(tea.Msg)) *Reporter {
	return &Reporter{send: send}
}

// Status sets the STATUS column of the row identified by key.
func (r *Reporter) Status(key, status string) {
	r.send(RowUpdateMsg{Key: key, Fields: map[string]string{"STATUS": status}})
}

// Fields updates arbitrary columns of a row.
func (r *Reporter) Fields(key string, fields map[string]string) {
	r.send(RowUpdateMsg{Key: key, Fields: fields})
}

// Download returns a progress callback that feeds the row's download bar.
// Updates are throttled; the final update is always sent.
func (r *Reporter) Download(key string) func(downloaded, total int64) {
	throttle := &rate.Sometimes{Interval: downloadThrottle}
	return func(downloaded, total int64) {
		msg := DownloadMsg{Key: key, Downloaded: downloaded, Total: total}
		if downloaded == total {
			r.send(msg)
			return
		}
		throttle.Do(func() { r.send(msg) })
	}
}

// Stages returns a stage-start callback for rows keyed by stage name. The
// previously running stage is marked complete when the next one starts.
func (r *Reporter) Stages() func(stage string) {
	var current string
	return func(stage string) {
		if current != "" {
			r.Status(current, "complete")
		}
		current = stage
		r.Status(stage, "running")
	}
}
