package caioruntime_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/kmrgirish/caio/caioruntime"
	"github.com/kmrgirish/caio/internal/caiolog"
)

func done(t *caioruntime.Task, _ any) {
	if t.Resume() == caioruntime.ResumeStart {
		t.Return()
	}
}

// counter finishes after n steps.
type counter struct {
	n        int
	steps    int
	finally  int
	schedule *[]int
}

func countdown(t *caioruntime.Task, c *counter) {
	switch t.Resume() {
	case caioruntime.ResumeStart, 1:
		c.steps++
		if c.schedule != nil {
			*c.schedule = append(*c.schedule, t.Slot())
		}
		if c.steps < c.n {
			t.Yield(1)
			return
		}
		t.Return()
	case caioruntime.ResumeFinally:
		c.finally++
	}
}

type parentState struct {
	child   *counter
	resumed int
	finally int
}

func parent(t *caioruntime.Task, p *parentState) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		caioruntime.Await(t, 1, countdown, p.child)
	case 1:
		p.resumed++
		t.Return()
	case caioruntime.ResumeFinally:
		p.finally++
	}
}

func stepUntilIdle(t *testing.T, s *caioruntime.Scheduler, task *caioruntime.Task) int {
	t.Helper()
	steps := 0
	for task.Status() != caioruntime.StatusIdle {
		s.Step(task)
		steps++
		if steps > 1000 {
			t.Fatalf("%s did not finish", task)
		}
	}
	return steps
}

func TestScenarioCapacityFour(t *testing.T) {
	s := caioruntime.NewScheduler(caioruntime.Options{MaxTasks: 4})

	a, err := caioruntime.Spawn(s, done, nil)
	if err != nil {
		t.Fatal(err)
	}
	if steps := stepUntilIdle(t, s, a); steps != 1 {
		t.Errorf("task without sub-calls took %d steps, expected 1", steps)
	}
	if free := s.Pool().Free(); free != 4 {
		t.Errorf("expected 4 free slots, got %d", free)
	}

	p := &parentState{child: &counter{n: 2}}
	b, err := caioruntime.Spawn(s, parent, p)
	if err != nil {
		t.Fatal(err)
	}
	if steps := stepUntilIdle(t, s, b); steps != 3 {
		t.Errorf("parent took %d steps, expected 3", steps)
	}
	if p.resumed != 1 || p.finally != 1 || p.child.finally != 1 {
		t.Errorf("expected one resume and one finally each, got resumed %d finally %d child finally %d", p.resumed, p.finally, p.child.finally)
	}
	if free := s.Pool().Free(); free != 4 {
		t.Errorf("expected 4 free slots, got %d", free)
	}

	// Stepping a released task does nothing.
	steps := s.Stats().Steps
	s.Step(b)
	if s.Stats().Steps != steps {
		t.Error("stepping an idle task counted a step")
	}
}

type chain struct {
	k       int
	calls   []int
	finally []int
	depths  []int
	throwAt int
	parkAt  int
}

type level struct {
	c *chain
	n int
}

var errInjected = errors.New("injected")

func nest(t *caioruntime.Task, l level) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		l.c.calls = append(l.c.calls, l.n)
		switch {
		case l.n == l.c.parkAt:
			t.Park(1)
		case l.n == l.c.throwAt:
			t.Throw(errInjected)
		case l.n < l.c.k:
			caioruntime.Await(t, 1, nest, level{c: l.c, n: l.n + 1})
		default:
			t.Return()
		}
	case 1:
		l.c.calls = append(l.c.calls, l.n)
		t.Return()
	case caioruntime.ResumeFinally:
		l.c.finally = append(l.c.finally, l.n)
		l.c.depths = append(l.c.depths, t.Depth())
	}
}

func TestNestedPops(t *testing.T) {
	for k := 0; k < 6; k++ {
		var exited []error
		s := caioruntime.NewScheduler(caioruntime.Options{
			MaxTasks: 1,
			MaxDepth: 8,
			OnExit: func(task *caioruntime.Task) {
				if task.Depth() != 0 {
					t.Errorf("k=%d: released with depth %d", k, task.Depth())
				}
				exited = append(exited, task.Err())
			},
		})
		c := &chain{k: k, throwAt: -1, parkAt: -1}
		task, err := caioruntime.Spawn(s, nest, level{c: c})
		if err != nil {
			t.Fatal(err)
		}
		if steps := stepUntilIdle(t, s, task); steps != k+1 {
			t.Errorf("k=%d: took %d steps", k, steps)
		}

		stats := s.Stats()
		// k sub-calls plus the root frame.
		if stats.Pops != uint64(k+1) || stats.Pushes != uint64(k+1) || stats.Drained != 0 {
			t.Errorf("k=%d: unexpected stats %+v", k, stats)
		}
		var expectedFinally, expectedDepths []int
		for n := k; n >= 0; n-- {
			expectedFinally = append(expectedFinally, n)
			expectedDepths = append(expectedDepths, n+1)
		}
		if diff := cmp.Diff(expectedFinally, c.finally); diff != "" {
			t.Errorf("k=%d: finally order: %s", k, diff)
		}
		if diff := cmp.Diff(expectedDepths, c.depths); diff != "" {
			t.Errorf("k=%d: depth at finally: %s", k, diff)
		}
		if len(exited) != 1 || exited[0] != nil {
			t.Errorf("k=%d: unexpected exits %v", k, exited)
		}
	}
}

func TestKillDrainsWithoutInvoking(t *testing.T) {
	for d := 1; d <= 5; d++ {
		var status caioruntime.Status
		var exitErr error
		s := caioruntime.NewScheduler(caioruntime.Options{
			MaxTasks: 2,
			MaxDepth: 8,
			OnExit: func(task *caioruntime.Task) {
				status = task.Status()
				exitErr = task.Err()
			},
		})
		c := &chain{k: d - 1, throwAt: -1, parkAt: d - 1}
		task, err := caioruntime.Spawn(s, nest, level{c: c})
		if err != nil {
			t.Fatal(err)
		}
		for task.Status() != caioruntime.StatusWaiting {
			s.Step(task)
		}
		if task.Depth() != d {
			t.Fatalf("d=%d: parked at depth %d", d, task.Depth())
		}
		calls := slices.Clone(c.calls)

		task.Kill(errInjected)
		s.Step(task)

		if task.Status() != caioruntime.StatusIdle {
			t.Errorf("d=%d: task not released: %s", d, task)
		}
		if drained := s.Stats().Drained; drained != uint64(d) {
			t.Errorf("d=%d: drained %d frames", d, drained)
		}
		if !slices.Equal(calls, c.calls) || len(c.finally) != 0 {
			t.Errorf("d=%d: frames were re-entered: calls %v finally %v", d, c.calls, c.finally)
		}
		if status != caioruntime.StatusTerminated || !errors.Is(exitErr, errInjected) {
			t.Errorf("d=%d: exited with %s %v", d, status, exitErr)
		}
	}
}

func TestThrowUnwinds(t *testing.T) {
	var exitErr error
	s := caioruntime.NewScheduler(caioruntime.Options{
		MaxTasks: 1,
		OnExit:   func(task *caioruntime.Task) { exitErr = task.Err() },
	})
	c := &chain{k: 5, throwAt: 3, parkAt: -1}
	task, _ := caioruntime.Spawn(s, nest, level{c: c})
	stepUntilIdle(t, s, task)

	if !errors.Is(exitErr, errInjected) {
		t.Errorf("expected injected error, got %v", exitErr)
	}
	// The throwing frame finishes itself; its callers are dropped.
	if diff := cmp.Diff([]int{3}, c.finally); diff != "" {
		t.Errorf("finally: %s", diff)
	}
	if stats := s.Stats(); stats.Pops != 1 || stats.Drained != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

type selfKill struct {
	bodies, finallies int
}

func killSelf(t *caioruntime.Task, k *selfKill) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		k.bodies++
		t.Kill(nil)
	case caioruntime.ResumeFinally:
		k.finallies++
	}
}

func TestSelfKillSkipsFinally(t *testing.T) {
	var exitErr error
	s := caioruntime.NewScheduler(caioruntime.Options{
		MaxTasks: 1,
		OnExit:   func(task *caioruntime.Task) { exitErr = task.Err() },
	})
	k := &selfKill{}
	task, _ := caioruntime.Spawn(s, killSelf, k)
	s.Step(task)

	if task.Status() != caioruntime.StatusIdle {
		t.Errorf("task not released: %s", task)
	}
	if k.bodies != 1 || k.finallies != 0 {
		t.Errorf("bodies %d finallies %d", k.bodies, k.finallies)
	}
	if !errors.Is(exitErr, caioruntime.ErrKilled) {
		t.Errorf("expected ErrKilled, got %v", exitErr)
	}
	if stats := s.Stats(); stats.Pops != 0 || stats.Drained != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRoundRobin(t *testing.T) {
	const T, S = 5, 7

	s := caioruntime.NewScheduler(caioruntime.Options{MaxTasks: T})
	var schedule []int
	var counters []*counter
	for i := 0; i < T; i++ {
		c := &counter{n: S, schedule: &schedule}
		counters = append(counters, c)
		if _, err := caioruntime.Spawn(s, countdown, c); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	stats := s.Stats()
	if stats.Sweeps > T*S {
		t.Errorf("took %d sweeps, more than %d", stats.Sweeps, T*S)
	}
	if stats.Sweeps != S || stats.Steps != T*S {
		t.Errorf("expected %d sweeps and %d steps, got %+v", S, T*S, stats)
	}
	for i, c := range counters {
		if c.steps != S || c.finally != 1 {
			t.Errorf("task %d: %d steps, %d finally", i, c.steps, c.finally)
		}
	}
	for sweep := 0; sweep < S; sweep++ {
		got := schedule[sweep*T : (sweep+1)*T]
		if !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
			t.Errorf("sweep %d stepped %v", sweep, got)
		}
	}
}

func TestCallOverflow(t *testing.T) {
	var exitErr error
	s := caioruntime.NewScheduler(caioruntime.Options{
		MaxTasks: 2,
		MaxDepth: 2,
		OnExit:   func(task *caioruntime.Task) { exitErr = task.Err() },
	})

	c := &counter{n: 100}
	task, _ := caioruntime.Spawn(s, countdown, c)
	if err := caioruntime.Call(s, task, countdown, &counter{n: 1}); err != nil {
		t.Fatal(err)
	}
	err := caioruntime.Call(s, task, countdown, &counter{n: 1})
	if !errors.Is(err, caioruntime.ErrCallStackOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if task.Status() != caioruntime.StatusIdle || s.Pool().Free() != 2 {
		t.Errorf("overflowing task not disposed: %s", task)
	}
	if !errors.Is(exitErr, caioruntime.ErrCallStackOverflow) {
		t.Errorf("unexpected exit error %v", exitErr)
	}

	// From inside a coroutine the task terminates at the end of its step.
	exitErr = nil
	ch := &chain{k: 10, throwAt: -1, parkAt: -1}
	task, _ = caioruntime.Spawn(s, nest, level{c: ch})
	stepUntilIdle(t, s, task)
	if !errors.Is(exitErr, caioruntime.ErrCallStackOverflow) {
		t.Errorf("unexpected exit error %v", exitErr)
	}
	if diff := cmp.Diff([]int{1}, ch.finally); diff != "" {
		t.Errorf("finally: %s", diff)
	}
}

type fakeCompletion struct {
	task *caioruntime.Task
	gen  uint32
	res  int32
}

// fakeBackend completes every armed op on the next Poll with the next
// scripted result.
type fakeBackend struct {
	results  []int32
	ops      []caioruntime.Op
	ready    []fakeCompletion
	disarmed int
	polls    int
}

func (b *fakeBackend) Arm(t *caioruntime.Task, op caioruntime.Op) error {
	if op.FD < 0 {
		return unix.EBADF
	}
	b.ops = append(b.ops, op)
	res := b.results[0]
	b.results = b.results[1:]
	b.ready = append(b.ready, fakeCompletion{task: t, gen: t.Gen(), res: res})
	return nil
}

func (b *fakeBackend) Disarm(t *caioruntime.Task) {
	b.disarmed++
}

func (b *fakeBackend) Poll(timeout time.Duration, wake caioruntime.WakeFunc) (int, error) {
	b.polls++
	ready := b.ready
	b.ready = nil
	for _, c := range ready {
		wake(c.task, c.gen, c.res)
	}
	return len(ready), nil
}

func (b *fakeBackend) Wake() error  { return nil }
func (b *fakeBackend) Close() error { return nil }

type reader struct {
	fd      int
	buf     []byte
	results []int32
	errs    []error
}

func readTwice(t *caioruntime.Task, r *reader) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		t.AwaitIO(1, caioruntime.Op{Kind: caioruntime.OpRead, FD: r.fd, Buf: r.buf, Offset: -1})
	case 1:
		r.results = append(r.results, t.Result())
		r.errs = append(r.errs, t.Err())
		t.AwaitFD(2, r.fd, caioruntime.EventIn)
	case 2:
		r.results = append(r.results, t.Result())
		r.errs = append(r.errs, t.Err())
		if t.IsError(unix.EAGAIN) {
			t.ClearError()
		}
		t.Return()
	}
}

func TestAwaitIO(t *testing.T) {
	b := &fakeBackend{results: []int32{5, -int32(unix.EAGAIN)}}
	s := caioruntime.NewScheduler(caioruntime.Options{MaxTasks: 1, Backend: b})

	r := &reader{fd: 3, buf: make([]byte, 8)}
	if _, err := caioruntime.Spawn(s, readTwice, r); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int32{5, -int32(unix.EAGAIN)}, r.results); diff != "" {
		t.Errorf("results: %s", diff)
	}
	if r.errs[0] != nil || !errors.Is(r.errs[1], unix.EAGAIN) {
		t.Errorf("unexpected errors %v", r.errs)
	}
	if len(b.ops) != 2 || b.ops[0].Kind != caioruntime.OpRead || b.ops[1].Kind != caioruntime.OpPoll {
		t.Errorf("unexpected ops %+v", b.ops)
	}
	if stats := s.Stats(); stats.Wakes != 2 {
		t.Errorf("expected 2 wakes, got %+v", stats)
	}
}

func TestAwaitIOArmFails(t *testing.T) {
	var exitErr error
	s := caioruntime.NewScheduler(caioruntime.Options{
		MaxTasks: 1,
		Backend:  &fakeBackend{},
		OnExit:   func(task *caioruntime.Task) { exitErr = task.Err() },
	})
	caioruntime.Spawn(s, readTwice, &reader{fd: -1})
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(exitErr, unix.EBADF) {
		t.Errorf("expected EBADF, got %v", exitErr)
	}

	s = caioruntime.NewScheduler(caioruntime.Options{
		MaxTasks: 1,
		OnExit:   func(task *caioruntime.Task) { exitErr = task.Err() },
	})
	caioruntime.Spawn(s, readTwice, &reader{fd: 3})
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(exitErr, caioruntime.ErrNoBackend) {
		t.Errorf("expected ErrNoBackend, got %v", exitErr)
	}
}

func TestStaleCompletionDropped(t *testing.T) {
	b := &fakeBackend{results: []int32{1}}
	s := caioruntime.NewScheduler(caioruntime.Options{MaxTasks: 1, Backend: b})

	task, _ := caioruntime.Spawn(s, readTwice, &reader{fd: 3})
	s.Step(task)
	if task.Status() != caioruntime.StatusWaiting {
		t.Fatalf("expected waiting task, got %s", task)
	}
	task.Kill(nil)
	if b.disarmed != 1 {
		t.Errorf("expected one disarm, got %d", b.disarmed)
	}
	s.Step(task)
	if again, _ := caioruntime.Spawn(s, countdown, &counter{n: 2}); again != task {
		t.Fatal("expected slot reuse")
	}

	// The sweep yields once, so Run polls the backend and receives the
	// completion armed by the killed task.
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if stats := s.Stats(); stats.Stale != 1 || stats.Wakes != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

type sleeper struct {
	d     time.Duration
	woke  time.Time
	start time.Time
}

func sleep(t *caioruntime.Task, s *sleeper) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		s.start = time.Now()
		t.Sleep(1, s.d)
	case 1:
		s.woke = time.Now()
		t.Return()
	}
}

func TestSleep(t *testing.T) {
	s := caioruntime.NewScheduler(caioruntime.Options{MaxTasks: 2})
	short := &sleeper{d: 5 * time.Millisecond}
	long := &sleeper{d: 20 * time.Millisecond}
	caioruntime.Spawn(s, sleep, long)
	caioruntime.Spawn(s, sleep, short)

	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if short.woke.Sub(short.start) < short.d || long.woke.Sub(long.start) < long.d {
		t.Errorf("woke early: %v %v", short.woke.Sub(short.start), long.woke.Sub(long.start))
	}
	if !short.woke.Before(long.woke) {
		t.Error("expected short sleeper to wake first")
	}
	if stats := s.Stats(); stats.Wakes != 2 {
		t.Errorf("expected 2 wakes, got %+v", stats)
	}
}

type parked struct {
	result int32
	peer   *caioruntime.Task
	ok     bool
}

func parkAndWait(t *caioruntime.Task, p *parked) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		t.Park(1)
	case 1:
		p.result = t.Result()
		t.Return()
	}
}

func unparkPeer(t *caioruntime.Task, p *parked) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		t.Yield(1)
	case 1:
		p.ok = p.peer.Unpark(7)
		t.Return()
	}
}

func TestParkUnpark(t *testing.T) {
	s := caioruntime.NewScheduler(caioruntime.Options{MaxTasks: 2})
	p := &parked{}
	p.peer, _ = caioruntime.Spawn(s, parkAndWait, p)
	caioruntime.Spawn(s, unparkPeer, p)

	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !p.ok || p.result != 7 {
		t.Errorf("unpark %v result %d", p.ok, p.result)
	}
}

func TestDeadlock(t *testing.T) {
	s := caioruntime.NewScheduler(caioruntime.Options{MaxTasks: 2})
	caioruntime.Spawn(s, parkAndWait, &parked{})

	err := s.Run(context.Background())
	if !errors.Is(err, caioruntime.ErrDeadlock) {
		t.Fatalf("expected deadlock, got %v", err)
	}
	if !strings.Contains(err.Error(), "parkAndWait") {
		t.Errorf("expected blocked coroutine in %q", err)
	}

	s.KillAll(nil)
	s.Sweep()
	if live := s.Pool().Live(); live != 0 {
		t.Errorf("expected no live tasks, got %d", live)
	}
}

func TestCancel(t *testing.T) {
	s := caioruntime.NewScheduler(caioruntime.Options{MaxTasks: 3})
	var sleepers []*sleeper
	for i := 0; i < 3; i++ {
		sl := &sleeper{d: time.Hour}
		sleepers = append(sleepers, sl)
		caioruntime.Spawn(s, sleep, sl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stop := time.AfterFunc(10*time.Millisecond, cancel)
	defer stop.Stop()

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for _, sl := range sleepers {
		if !sl.woke.IsZero() {
			t.Error("killed sleeper was resumed")
		}
	}
	if live := s.Pool().Live(); live != 0 {
		t.Errorf("expected no live tasks, got %d", live)
	}
}

func finallyClears(t *caioruntime.Task, _ any) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		t.Throw(errInjected)
	case caioruntime.ResumeFinally:
		t.ClearError()
	}
}

func TestFinallyKeepsError(t *testing.T) {
	var exitErr error
	s := caioruntime.NewScheduler(caioruntime.Options{
		MaxTasks: 1,
		OnExit:   func(task *caioruntime.Task) { exitErr = task.Err() },
	})
	task, _ := caioruntime.Spawn(s, finallyClears, nil)
	s.Step(task)
	if !errors.Is(exitErr, errInjected) {
		t.Errorf("expected injected error, got %v", exitErr)
	}
}

func logging(t *caioruntime.Task, _ any) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		t.Yield(1)
	case 1:
		t.Scheduler().Logger().Info("hello", "depth", t.Depth())
		t.Return()
	}
}

func TestLogAttrs(t *testing.T) {
	var buf bytes.Buffer
	s := caioruntime.NewScheduler(caioruntime.Options{
		MaxTasks:   4,
		LogHandler: slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})
	caioruntime.Spawn(s, done, nil)
	caioruntime.Spawn(s, logging, nil)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	logs := caiolog.ParseLog(buf.Bytes())
	hello := caiolog.Messages(logs, "hello")
	if len(hello) != 1 {
		t.Fatalf("expected one hello log, got %d in %s", len(hello), buf.String())
	}
	if hello[0].Task == nil || *hello[0].Task != 1 || hello[0].Step != 3 {
		t.Errorf("unexpected task/step on %+v", hello[0])
	}
	if got := hello[0].Field("depth"); got != "1" {
		t.Errorf("unexpected depth %q", got)
	}
	if spawned := caiolog.Messages(logs, "spawned task"); len(spawned) != 2 || spawned[0].Task != nil {
		t.Errorf("unexpected spawn logs %+v", spawned)
	}
	if disposed := caiolog.Messages(logs, "task disposed"); len(disposed) != 2 {
		t.Errorf("expected 2 dispose logs, got %d", len(disposed))
	}
}
