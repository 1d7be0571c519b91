package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/kmrgirish/caio"
)

type sleepState struct {
	d      time.Duration
	timer  *caio.TimerFD
	woke   *int
	failed *error
}

func sleep(t *caio.Task, s *sleepState) {
	switch t.Resume() {
	case caio.ResumeStart:
		if s.timer == nil {
			t.Sleep(1, s.d)
			return
		}
		t.AwaitIO(1, s.timer.Op())
	case 1:
		if t.HasError() {
			t.Rethrow()
			return
		}
		*s.woke++
		t.Return()
	case caio.ResumeFinally:
		if t.HasError() && *s.failed == nil {
			*s.failed = t.Err()
		}
		if s.timer != nil {
			s.timer.Close()
		}
	}
}

func runSleep(cfg caio.Config, args []string) error {
	fs := flag.NewFlagSet(commandName("sleep"), flag.ContinueOnError)
	tasks := fs.Int("tasks", 1, "number of sleeping tasks")
	timerfd := fs.Bool("timerfd", false, "wait on a timerfd through the io backend")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected a duration, got %d arguments", fs.NArg())
	}
	d, err := time.ParseDuration(fs.Arg(0))
	if err != nil {
		return err
	}

	var woke int
	var failed error
	states := make([]*sleepState, *tasks)
	for i := range states {
		states[i] = &sleepState{d: d, woke: &woke, failed: &failed}
		if *timerfd {
			if states[i].timer, err = caio.NewTimerFD(d, 0); err != nil {
				return err
			}
		}
	}

	if _, err := run(cfg, sleep, states...); err != nil {
		return err
	}
	fmt.Printf("woke %d of %d tasks\n", woke, *tasks)
	return failed
}
