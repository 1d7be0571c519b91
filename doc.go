/*
Package caio runs cooperative coroutines on a single goroutine, resuming
them when their I/O completes.

# Coroutines

A coroutine is a function that takes the Task running it and a state value
of any type. Instead of blocking, it records where it wants to continue and
returns; the scheduler calls it again at that position once the wait is
over:

	type copyState struct {
		in, out int
		buf     []byte
		n       int
	}

	func copyOnce(t *caio.Task, s *copyState) {
		switch t.Resume() {
		case caio.ResumeStart:
			t.AwaitIO(1, caio.Op{Kind: caio.OpRead, FD: s.in, Buf: s.buf, Offset: -1})
		case 1:
			if t.HasError() {
				t.Rethrow()
				return
			}
			s.n = int(t.Result())
			t.AwaitIO(2, caio.Op{Kind: caio.OpWrite, FD: s.out, Buf: s.buf[:s.n], Offset: -1})
		case 2:
			t.Return()
		case caio.ResumeFinally:
			// Runs once after the frame returned or threw.
		}
	}

A coroutine calls another one with Await, sleeps with Task.Sleep, hands the
processor to other tasks with Task.Yield, and completes with Task.Return or
Task.Throw. An error thrown by a nested call unwinds the whole task; the
remaining frames are dropped without being run again.

# Runtimes

A Runtime combines a fixed-size task pool, a round-robin scheduler and an
I/O backend, either epoll or io_uring:

	cfg := caio.DefaultConfig()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	r, err := caio.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()
	caio.Spawn(r, copyOnce, &copyState{in: 0, out: 1, buf: make([]byte, 4096)})
	if err := r.Run(ctx); err != nil {
		log.Fatal(err)
	}

Run returns once no task is live. Cancelling its context kills every task;
the tasks unwind on the next sweep and Run returns the cause.

# Logging

The runtime logs with log/slog. Records logged while a task is being
stepped carry the task's slot and the scheduler's step count, and are
written as JSON, indented JSON, or one colored line per record depending on
Config.LogFormat. The CAIO_LOG_LEVEL environment variable overrides the
configured level. Code that logs with zap can use Runtime.ZapLogger to end
up in the same stream.
*/
package caio
