package tui

import (
	"context"
	"errors"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const (
	sendYield   = 2 * time.Millisecond
	startupWait = 50 * time.Millisecond
)

// Run renders model on out while work runs in the background. work receives
// a Reporter bound to the program and a context that is cancelled when the
// user quits the table. Run waits for work to return and prefers its error
// over a rendering error.
func Run(ctx context.Context, out io.Writer, model ProgressModel, work func(ctx context.Context, r *Reporter) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(model, tea.WithOutput(out), tea.WithContext(ctx))
	workErr := make(chan error, 1)

	go func() {
		// The first frame must be drawn before updates arrive.
		time.Sleep(startupWait)
		reporter := NewReporter(func(msg tea.Msg) {
			p.Send(msg)
			time.Sleep(sendYield)
		})
		err := work(ctx, reporter)
		workErr <- err
		p.Send(WorkDoneMsg{})
	}()

	final, runErr := p.Run()
	cancel()
	if err := <-workErr; err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return runErr
	}
	if m, ok := final.(ProgressModel); ok && m.Err() != nil {
		return m.Err()
	}
	return nil
}
