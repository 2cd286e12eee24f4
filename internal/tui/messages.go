package tui

import "time"

// Messages accepted by ProgressModel. Rows are addressed by the key given to
// AddRow: a runtime version for store operations, a stage name for builds.

// RowUpdateMsg overwrites the named columns of one row.
type RowUpdateMsg struct {
	Key    string
	Fields map[string]string
}

// DownloadMsg moves the transfer bar of one row. Total is -1 when the server
// did not send a length.
type DownloadMsg struct {
	Key        string
	Downloaded int64
	Total      int64
}

// WorkDoneMsg is sent by Run once the background work has returned.
type WorkDoneMsg struct{}

// ErrorMsg stops the table and makes Err report the failure.
type ErrorMsg struct {
	Err error
}

type tickMsg time.Time
