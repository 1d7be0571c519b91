package caio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/kmrgirish/caio/caioruntime"
	"github.com/kmrgirish/caio/internal/evloop"
	"github.com/kmrgirish/caio/internal/uring"
)

type (
	Task      = caioruntime.Task
	Op        = caioruntime.Op
	Status    = caioruntime.Status
	Events    = caioruntime.Events
	Stats     = caioruntime.Stats
	Scheduler = caioruntime.Scheduler
)

const (
	ResumeStart   = caioruntime.ResumeStart
	ResumeFinally = caioruntime.ResumeFinally

	OpPoll  = caioruntime.OpPoll
	OpRead  = caioruntime.OpRead
	OpWrite = caioruntime.OpWrite

	EventIn    = caioruntime.EventIn
	EventOut   = caioruntime.EventOut
	EventRdHup = caioruntime.EventRdHup
)

// Await calls coro as a child of t's current frame. The current frame
// continues at at once the child has returned.
func Await[S any](t *Task, at int, coro func(t *Task, state S), state S) {
	caioruntime.Await(t, at, coro, state)
}

// A Runtime owns a scheduler and its I/O backend.
type Runtime struct {
	cfg     Config
	sched   *caioruntime.Scheduler
	backend caioruntime.Backend
	logger  *slog.Logger
}

// New builds a runtime from cfg. Failing to set up the requested backend is
// an error; New does not fall back to another one.
func New(cfg Config) (*Runtime, error) {
	cfg = cfg.withDefaults()

	handler, err := makeHandler(cfg)
	if err != nil {
		return nil, err
	}
	logger := slog.New(handler)

	var backend caioruntime.Backend
	switch cfg.Backend {
	case BackendEpoll:
		l, err := evloop.New(cfg.MaxTasks, logger.With("backend", "epoll"))
		if err != nil {
			return nil, err
		}
		backend = l
	case BackendUring:
		r, err := uring.New(uint32(cfg.MaxTasks), logger.With("backend", "uring"))
		if err != nil {
			return nil, err
		}
		backend = r
	case BackendNone:
	default:
		return nil, fmt.Errorf("bad backend %q", cfg.Backend)
	}

	sched := caioruntime.NewScheduler(caioruntime.Options{
		MaxTasks:   cfg.MaxTasks,
		MaxDepth:   cfg.CallStackDepth,
		Backend:    backend,
		LogHandler: handler,
		OnExit: func(t *caioruntime.Task) {
			if err := t.Err(); err != nil && !errors.Is(err, caioruntime.ErrKilled) &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				t.Scheduler().Logger().Error("task failed", "err", err)
			}
		},
	})

	return &Runtime{
		cfg:     cfg,
		sched:   sched,
		backend: backend,
		logger:  sched.Logger(),
	}, nil
}

func (r *Runtime) Config() Config { return r.cfg }

func (r *Runtime) Scheduler() *caioruntime.Scheduler { return r.sched }

// Logger returns the runtime's logger. Records logged while a task is
// stepped carry its slot as "task".
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Backend returns the I/O backend, or nil for BackendNone.
func (r *Runtime) Backend() caioruntime.Backend { return r.backend }

// Spawn starts a task running coro with state.
func Spawn[S any](r *Runtime, coro func(t *Task, state S), state S) (*Task, error) {
	return caioruntime.Spawn(r.sched, coro, state)
}

// Run runs until every task has finished or ctx is done. With FlagSignals
// an interrupt or termination signal cancels the run.
func (r *Runtime) Run(ctx context.Context) error {
	if r.cfg.Flags&FlagLockThread != 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	if r.cfg.Flags&FlagSignals != 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}
	r.logger.Debug("running", "backend", r.cfg.Backend, "maxtasks", r.cfg.MaxTasks, "flags", r.cfg.Flags)
	return r.sched.Run(ctx)
}

// Close releases the backend. Tasks still live are disposed first.
func (r *Runtime) Close() error {
	for t := range r.sched.Pool().Scan(0, caioruntime.StatusAll&^caioruntime.StatusIdle) {
		r.sched.Dispose(t)
	}
	if r.backend == nil {
		return nil
	}
	return r.backend.Close()
}

// Forever runs coro as the only top-level task of a new runtime until it
// and every task it spawns have finished. Signals are handled as with
// FlagSignals.
func Forever[S any](cfg Config, coro func(t *Task, state S), state S) error {
	cfg.Flags |= FlagSignals
	r, err := New(cfg)
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := Spawn(r, coro, state); err != nil {
		return err
	}
	return r.Run(context.Background())
}
