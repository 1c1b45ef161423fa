package uio

import (
	"testing"
	"time"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
)

func TestPipe_EOFAfterWriterCloses(tt *testing.T) {
	tt.Parallel()

	k := sched.New()
	r, w := Pipe(k)

	result := make(chan string, 1)

	k.Create("writer", 0, false, func(self *sched.Thread) {
		n, err := w.Write(self, []byte("hello"))
		if err != nil || n != 5 {
			tt.Errorf("write: n=%d err=%v", n, err)
		}

		w.Close()
	})

	k.Create("reader", 0, false, func(self *sched.Thread) {
		buf := make([]byte, 100)

		n, err := r.Read(self, buf)
		if err != nil || n != 5 || string(buf[:n]) != "hello" {
			tt.Errorf("first read: n=%d err=%v buf=%q", n, err, buf[:n])
		}

		n2, err2 := r.Read(self, buf)
		if err2 != nil || n2 != 0 {
			tt.Errorf("second read: want EOF (0, nil), got n=%d err=%v", n2, err2)
		}

		result <- "ok"
	})

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		tt.Fatal("timed out")
	}
}

func TestPipe_WriterBlocksWhileFull(tt *testing.T) {
	tt.Parallel()

	k := sched.New()
	r, w := Pipe(k)

	done := make(chan struct{})

	big := make([]byte, PipeCapacity+10)
	for i := range big {
		big[i] = byte(i)
	}

	k.Create("writer", 0, false, func(self *sched.Thread) {
		n, err := w.Write(self, big)
		if err != nil || n != len(big) {
			tt.Errorf("write: n=%d err=%v", n, err)
		}

		close(done)
	})

	k.Create("reader", 0, false, func(self *sched.Thread) {
		total := 0
		buf := make([]byte, 16)

		for total < len(big) {
			n, err := r.Read(self, buf)
			if err != nil {
				tt.Errorf("read: %v", err)
				return
			}

			total += n
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		tt.Fatal("writer never unblocked")
	}
}

func TestPipe_WriteAfterReaderClosedIsBrokenPipe(tt *testing.T) {
	tt.Parallel()

	k := sched.New()
	r, w := Pipe(k)

	result := make(chan error, 1)

	k.Create("main", 0, false, func(self *sched.Thread) {
		r.Close()

		// Give Close's Signal a chance to land before the write observes it.
		time.Sleep(10 * time.Millisecond)

		_, err := w.Write(self, []byte("x"))
		result <- err
	})

	select {
	case err := <-result:
		if err != ErrBrokenPipe {
			tt.Fatalf("write after reader closed: err=%v, want ErrBrokenPipe", err)
		}
	case <-time.After(2 * time.Second):
		tt.Fatal("timed out")
	}
}
