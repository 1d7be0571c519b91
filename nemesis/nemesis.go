/*
Package nemesis contains pre-built scenarios that introduce problems into a
running set of tasks to try and trigger rare bugs in their cleanup paths.

A scenario is itself a coroutine. Start spawns it next to the tasks it
targets, and Repeat and Sequence compose scenarios as nested calls.
*/
package nemesis

import (
	"math/rand/v2"
	"time"

	"github.com/kmrgirish/caio/caioruntime"
)

// A Scenario is a potentially challenging scenario that can be run next to
// other tasks to see if they keep behaving as expected. Run is a coroutine
// body: it is re-entered at t.Resume() until it returns.
//
// A scenario value keeps its progress in itself, so one value must not run
// in two tasks at once.
type Scenario interface {
	Run(t *caioruntime.Task)
}

func run(t *caioruntime.Task, s Scenario) {
	s.Run(t)
}

// Start spawns a task running s.
func Start(sched *caioruntime.Scheduler, s Scenario) (*caioruntime.Task, error) {
	return caioruntime.Spawn(sched, run, s)
}

// Sleep is a scenario that simply sleeps.
type Sleep struct {
	Duration time.Duration
}

// Run implements Scenario.
func (s Sleep) Run(t *caioruntime.Task) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		t.Sleep(1, s.Duration)
	case 1:
		t.Return()
	}
}

// KillRandom kills one randomly chosen task other than itself.
type KillRandom struct {
	// Rand picks the victim. Nil uses the global source.
	Rand *rand.Rand
	// Err is the error the victim terminates with; nil means
	// caioruntime.ErrKilled.
	Err error
}

// Run implements Scenario.
func (k KillRandom) Run(t *caioruntime.Task) {
	if t.Resume() != caioruntime.ResumeStart {
		return
	}

	var victims []*caioruntime.Task
	for v := range t.Scheduler().Pool().Scan(0, caioruntime.StatusRunning|caioruntime.StatusWaiting) {
		if v != t {
			victims = append(victims, v)
		}
	}
	if len(victims) == 0 {
		t.Return()
		return
	}

	var i int
	if k.Rand != nil {
		i = k.Rand.IntN(len(victims))
	} else {
		i = rand.IntN(len(victims))
	}
	v := victims[i]
	t.Scheduler().Logger().Info("kill randomly: killing task", "victim", v.Slot(), "status", v.Status(), "backtrace", v.Backtrace())
	v.Kill(k.Err)
	t.Return()
}

// Stall holds one randomly chosen running task for Duration. The victim
// sleeps on its own timer and resumes where it yielded with a zero result,
// so it comes back even if the stalling task is killed first. The stalling
// task sleeps for Duration too.
type Stall struct {
	Rand     *rand.Rand
	Duration time.Duration
}

// Run implements Scenario.
func (s *Stall) Run(t *caioruntime.Task) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		var victims []*caioruntime.Task
		for v := range t.Scheduler().Pool().Scan(0, caioruntime.StatusRunning) {
			if v != t {
				victims = append(victims, v)
			}
		}
		if len(victims) == 0 {
			t.Return()
			return
		}
		var i int
		if s.Rand != nil {
			i = s.Rand.IntN(len(victims))
		} else {
			i = rand.IntN(len(victims))
		}
		v := victims[i]
		t.Scheduler().Logger().Info("stall: stalling task", "victim", v.Slot(), "duration", s.Duration)
		v.Sleep(v.Resume(), s.Duration)
		t.Sleep(1, s.Duration)
	case 1:
		t.Return()
	}
}

type repeat struct {
	scenario Scenario
	times    int
	done     int
}

func (r *repeat) Run(t *caioruntime.Task) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		r.done = 0
		fallthrough
	case 1:
		if r.done == r.times {
			t.Return()
			return
		}
		r.done++
		caioruntime.Await(t, 1, run, r.scenario)
	}
}

// Repeat repeats the given scenario a number of times.
func Repeat(scenario Scenario, times int) Scenario {
	return &repeat{scenario: scenario, times: times}
}

type sequence struct {
	scenarios []Scenario
	next      int
}

func (s *sequence) Run(t *caioruntime.Task) {
	switch t.Resume() {
	case caioruntime.ResumeStart:
		s.next = 0
		fallthrough
	case 1:
		if s.next == len(s.scenarios) {
			t.Return()
			return
		}
		s.next++
		caioruntime.Await(t, 1, run, s.scenarios[s.next-1])
	}
}

// Sequence runs the given scenarios in sequence.
func Sequence(scenarios ...Scenario) Scenario {
	return &sequence{scenarios: scenarios}
}
