package uio

import (
	"errors"
	"testing"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
)

type countingOps struct {
	closed int
}

func (c *countingOps) Close() error                                          { c.closed++; return nil }
func (c *countingOps) Read(*sched.Thread, []byte) (int, error)                { return 0, nil }
func (c *countingOps) Write(*sched.Thread, []byte) (int, error)               { return 0, nil }
func (c *countingOps) Cntl(*sched.Thread, Ctl, int64) (int64, error)          { return 0, nil }

func TestHandle_CloseOnlyInvokesOpsAtZeroRefcount(tt *testing.T) {
	ops := &countingOps{}
	h := Open(ops)

	dup := h.Dup()
	if h != dup {
		tt.Fatalf("Dup returned a distinct handle")
	}

	if got := h.Refcount(); got != 2 {
		tt.Fatalf("refcount after one Dup = %d, want 2", got)
	}

	if err := h.Close(); err != nil {
		tt.Fatalf("Close: %v", err)
	}

	if ops.closed != 0 {
		tt.Fatalf("ops.Close invoked before refcount hit zero")
	}

	if err := h.Close(); err != nil {
		tt.Fatalf("Close: %v", err)
	}

	if ops.closed != 1 {
		tt.Fatalf("ops.Close invoked %d times, want 1", ops.closed)
	}
}

func TestTable_InstallGetCloseTooMany(tt *testing.T) {
	table := NewTable(2)

	fd0, err := table.Install(Open(&countingOps{}))
	if err != nil || fd0 != 0 {
		tt.Fatalf("Install 0: fd=%d err=%v", fd0, err)
	}

	fd1, err := table.Install(Open(&countingOps{}))
	if err != nil || fd1 != 1 {
		tt.Fatalf("Install 1: fd=%d err=%v", fd1, err)
	}

	if _, err := table.Install(Open(&countingOps{})); err != ErrTooManyFiles {
		tt.Fatalf("Install over capacity: err=%v, want ErrTooManyFiles", err)
	}

	if err := table.Close(fd0); err != nil {
		tt.Fatalf("Close: %v", err)
	}

	if _, err := table.Get(fd0); !errors.Is(err, ErrBadHandle) {
		tt.Fatalf("Get after Close: err=%v, want ErrBadHandle", err)
	}

	if _, err := table.Get(99); !errors.Is(err, ErrBadHandle) {
		tt.Fatalf("Get out of range: err=%v, want ErrBadHandle", err)
	}
}

func TestTable_CloneBumpsRefcountOnSharedHandles(tt *testing.T) {
	table := NewTable(4)
	ops := &countingOps{}

	fd, err := table.Install(Open(ops))
	if err != nil {
		tt.Fatalf("Install: %v", err)
	}

	h, _ := table.Get(fd)
	clone := table.Clone()

	ch, err := clone.Get(fd)
	if err != nil {
		tt.Fatalf("Get on clone: %v", err)
	}

	if ch != h {
		tt.Fatalf("Clone should share the same *Handle, not copy it")
	}

	if got := h.Refcount(); got != 2 {
		tt.Fatalf("refcount after Clone = %d, want 2", got)
	}

	clone.CloseAll()

	if ops.closed != 0 {
		tt.Fatalf("ops.Close invoked while the original table still holds a reference")
	}

	table.CloseAll()

	if ops.closed != 1 {
		tt.Fatalf("ops.Close invoked %d times after both tables closed, want 1", ops.closed)
	}
}
