package main

import (
	"flag"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/kmrgirish/caio"
)

type catState struct {
	files []string
	next  int
	out   int
	buf   []byte

	file fileState
	err  error
}

type fileState struct {
	name    string
	fd      int
	out     int
	buf     []byte
	n, done int
	err     error
}

// cat copies every file to out, one nested call per file.
func cat(t *caio.Task, s *catState) {
	switch t.Resume() {
	case caio.ResumeStart, 1:
		if s.next == len(s.files) {
			t.Return()
			return
		}
		name := s.files[s.next]
		s.next++
		s.file = fileState{name: name, fd: 0, out: s.out, buf: s.buf}
		if name != "-" {
			fd, err := unix.Open(name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
			if err != nil {
				t.Throw(fmt.Errorf("open %s: %w", name, err))
				return
			}
			s.file.fd = fd
		}
		caio.Await(t, 1, copyFile, &s.file)
	case caio.ResumeFinally:
		s.err = t.Err()
	}
}

// copyFile copies one file. Short writes are resumed until the chunk is out.
func copyFile(t *caio.Task, s *fileState) {
	switch t.Resume() {
	case caio.ResumeStart:
		t.AwaitIO(1, caio.Op{Kind: caio.OpRead, FD: s.fd, Buf: s.buf, Offset: -1})
	case 1:
		if t.HasError() {
			t.Throw(fmt.Errorf("read %s: %w", s.name, t.Err()))
			return
		}
		s.n, s.done = int(t.Result()), 0
		if s.n == 0 {
			t.Return()
			return
		}
		fallthrough
	case 2:
		if t.Resume() == 2 {
			if t.HasError() {
				t.Throw(fmt.Errorf("write: %w", t.Err()))
				return
			}
			s.done += int(t.Result())
		}
		if s.done < s.n {
			t.AwaitIO(2, caio.Op{Kind: caio.OpWrite, FD: s.out, Buf: s.buf[s.done:s.n], Offset: -1})
			return
		}
		t.AwaitIO(1, caio.Op{Kind: caio.OpRead, FD: s.fd, Buf: s.buf, Offset: -1})
	case caio.ResumeFinally:
		// A failed copy unwinds the whole task, so the error is only seen
		// here.
		s.err = t.Err()
		if s.fd != 0 {
			unix.Close(s.fd)
		}
	}
}

func runCat(cfg caio.Config, args []string) error {
	fs := flag.NewFlagSet(commandName("cat"), flag.ContinueOnError)
	bufsize := fs.Int("bufsize", 4096, "read size")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *bufsize <= 0 {
		return fmt.Errorf("bufsize must be positive, got %d", *bufsize)
	}

	files := fs.Args()
	if len(files) == 0 {
		files = []string{"-"}
	}
	state := &catState{files: files, out: 1, buf: make([]byte, *bufsize)}
	if _, err := run(cfg, cat, state); err != nil {
		return err
	}
	if state.file.err != nil {
		return state.file.err
	}
	return state.err
}
