// Package notify holds dispatchers that combine or stand in for the concrete
// channels in its subpackages.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/secnews/internal/triage"
)

// Named pairs a dispatcher with the name used in logs and errors.
type Named struct {
	Name       string
	Dispatcher triage.Dispatcher
}

// Fanout sends every message to all of its dispatchers. Dispatch fails if
// any of them fails, so the entry stays unmarked and is retried next run.
type Fanout struct {
	targets []Named
	logger  log.Logger
}

// NewFanout returns a Fanout over targets.
func NewFanout(logger log.Logger, targets ...Named) *Fanout {
	if logger == nil {
		logger = log.Nop()
	}
	return &Fanout{targets: targets, logger: logger}
}

// Len reports the number of configured targets.
func (f *Fanout) Len() int {
	return len(f.targets)
}

// Dispatch implements triage.Dispatcher. All targets are attempted even
// after one fails; the errors are joined.
func (f *Fanout) Dispatch(ctx context.Context, m *triage.Message) error {
	if len(f.targets) == 0 {
		return errors.New("notify: no dispatchers configured")
	}
	var errs []error
	for _, t := range f.targets {
		if err := t.Dispatcher.Dispatch(ctx, m); err != nil {
			f.logger.Warn(ctx, "dispatcher failed", "dispatcher", t.Name, "entry_id", m.Entry.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Log is a dispatcher that only logs the message. Used for dry runs.
type Log struct {
	logger log.Logger
}

// NewLog returns a Log dispatcher.
func NewLog(logger log.Logger) *Log {
	if logger == nil {
		logger = log.Nop()
	}
	return &Log{logger: logger}
}

// Dispatch implements triage.Dispatcher.
func (l *Log) Dispatch(ctx context.Context, m *triage.Message) error {
	fields := []any{
		"run_id", m.RunID,
		"decision", string(m.Decision),
	}
	if m.Entry != nil {
		fields = append(fields, "entry_id", m.Entry.ID, "title", m.Entry.Title, "link", m.Entry.Link)
	}
	if m.Verdict != nil {
		fields = append(fields, "score", m.Verdict.Score, "target", m.Verdict.Target)
	}
	l.logger.Info(ctx, "would dispatch", fields...)
	return nil
}
