package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/kmrgirish/caio"
)

type benchState struct {
	left int
}

// spin yields until it has been stepped left times.
func spin(t *caio.Task, s *benchState) {
	switch t.Resume() {
	case caio.ResumeStart, 1:
		s.left--
		if s.left <= 0 {
			t.Return()
			return
		}
		t.Yield(1)
	}
}

func runBench(cfg caio.Config, args []string) error {
	fs := flag.NewFlagSet(commandName("bench"), flag.ContinueOnError)
	tasks := fs.Int("tasks", 4, "number of tasks")
	sweeps := fs.Int("sweeps", 3, "steps per task")
	verbose := fs.Bool("v", false, "print timings")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *tasks <= 0 || *sweeps <= 0 {
		return fmt.Errorf("tasks and sweeps must be positive")
	}

	states := make([]*benchState, *tasks)
	for i := range states {
		states[i] = &benchState{left: *sweeps}
	}

	start := time.Now()
	r, err := run(cfg, spin, states...)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	stats := r.Scheduler().Stats()
	fmt.Printf("tasks %d sweeps %d steps %d pushes %d pops %d\n", *tasks, stats.Sweeps, stats.Steps, stats.Pushes, stats.Pops)
	if *verbose && stats.Steps > 0 {
		fmt.Printf("%v total, %v per step\n", elapsed, elapsed/time.Duration(stats.Steps))
	}
	return nil
}
