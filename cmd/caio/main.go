package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"time"

	"github.com/kmrgirish/caio"
)

const doc = `Caio runs small programs on the caio coroutine runtime.

Usage: caio [runtime flags] <command> [arguments]

The commands are:

    cat            copy files to standard output
    bench          measure round-robin scheduling
    sleep          sleep in many tasks at once
    help           print this help

Run 'caio -h' for the runtime flags.
`

func commandName(cmd string) string {
	return fmt.Sprintf("%s %s", path.Base(os.Args[0]), cmd)
}

func main() {
	os.Exit(main1())
}

func main1() int {
	log.SetFlags(0)
	log.SetPrefix("caio: ")

	cfg := caio.DefaultConfig()
	flags := flag.NewFlagSet("caio", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprint(flags.Output(), doc)
		fmt.Fprintln(flags.Output(), "\nRuntime flags:")
		flags.PrintDefaults()
	}
	cfg.RegisterFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if flags.NArg() < 1 {
		flags.Usage()
		return 2
	}
	cmd := flags.Arg(0)
	cmdArgs := flags.Args()[1:]

	var err error
	switch cmd {
	case "cat":
		err = runCat(cfg, cmdArgs)
	case "bench":
		err = runBench(cfg, cmdArgs)
	case "sleep":
		err = runSleep(cfg, cmdArgs)
	case "help":
		fmt.Print(doc)
		return 0
	default:
		log.Printf("unknown command %q", cmd)
		return 2
	}

	var usage usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &usage):
		return 2
	default:
		log.Printf("%s: %v", cmd, err)
		return 1
	}
}

// usageError reports bad arguments; the flag set already printed them.
type usageError struct {
	error
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}
	return nil
}

// run spawns coro in a fresh runtime and runs it to completion.
func run[S any](cfg caio.Config, coro func(t *caio.Task, state S), states ...S) (*caio.Runtime, error) {
	r, err := caio.New(cfg)
	if err != nil {
		return nil, err
	}
	for i, state := range states {
		if _, err := caio.Spawn(r, coro, state); err != nil {
			r.Close()
			return nil, fmt.Errorf("spawn task %d: %w", i, err)
		}
	}
	start := time.Now()
	err = r.Run(context.Background())
	r.Logger().Debug("run finished", "elapsed", time.Since(start), "stats", r.Scheduler().Stats())
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	return r, err
}
