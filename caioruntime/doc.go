/*
Package caioruntime implements a single-threaded cooperative task runtime.

A coroutine is a plain function that is re-entered at a saved resume
position every time it is stepped. Tasks own a stack of such frames and live
in a fixed-size Pool. The Scheduler steps every runnable task once per sweep
and, when nothing can run, blocks in a Backend until I/O completes or a timer
fires.

	func echo(t *caioruntime.Task, s *echoState) {
		switch t.Resume() {
		case caioruntime.ResumeStart:
			t.AwaitIO(1, caioruntime.Op{Kind: caioruntime.OpRead, FD: s.in, Buf: s.buf, Offset: -1})
		case 1:
			if t.HasError() {
				t.Rethrow()
				return
			}
			s.n = int(t.Result())
			t.Return()
		case caioruntime.ResumeFinally:
			unix.Close(s.in)
		}
	}

Most programs use the caio package instead of this one directly.
*/
package caioruntime
