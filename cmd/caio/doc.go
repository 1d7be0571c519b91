/*
Caio runs small programs on the caio coroutine runtime.

Usage: caio [runtime flags] <command> [arguments]

The commands are:

	cat            copy files to standard output
	bench          measure round-robin scheduling
	sleep          sleep in many tasks at once
	help           print this help

The runtime flags are:

	-maxtasks n     maximum number of live tasks
	-callstack n    maximum coroutine call depth
	-backend kind   io backend: epoll|uring|none
	-log-level l    runtime log level
	-logformat f    log formatting: raw|indented|pretty
	-signals        kill all tasks on SIGINT and SIGTERM

The 'cat' command:

Usage: caio cat [-bufsize n] [files]

The cat command copies each file in turn to standard output, or standard
input if no files are given. One task reads and writes through the
configured backend, calling a nested coroutine per file.

The 'bench' command:

Usage: caio bench [-tasks n] [-sweeps n] [-v]

The bench command spawns tasks that yield until they have been stepped
sweeps times and prints the scheduler's counters. The -v flag adds the time
per step.

The 'sleep' command:

Usage: caio sleep [-tasks n] [-timerfd] duration

The sleep command sleeps for duration in every task. With -timerfd each task
waits on its own timerfd through the backend instead of the scheduler's
timers.
*/
package main
