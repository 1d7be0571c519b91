package caioruntime

import (
	"context"
	"io"
	"log/slog"
)

// levelOff is above every level the runtime logs at.
const levelOff = slog.Level(1 << 10)

// taskHandler adds the scheduler step and the slot of the task being stepped
// to every record.
type taskHandler struct {
	inner slog.Handler
	sched *Scheduler
}

func (w taskHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return w.inner.Enabled(ctx, level)
}

func (w taskHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.Uint64("step", w.sched.stats.Steps))
	if t := w.sched.current; t != nil {
		r.AddAttrs(slog.Int("task", t.slot))
	}
	return w.inner.Handle(ctx, r)
}

func (w taskHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return taskHandler{
		inner: w.inner.WithAttrs(attrs),
		sched: w.sched,
	}
}

func (w taskHandler) WithGroup(name string) slog.Handler {
	return taskHandler{
		inner: w.inner.WithGroup(name),
		sched: w.sched,
	}
}

func makeLogger(handler slog.Handler, s *Scheduler) *slog.Logger {
	if handler == nil {
		handler = slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: levelOff})
	}
	return slog.New(taskHandler{inner: handler, sched: s})
}
