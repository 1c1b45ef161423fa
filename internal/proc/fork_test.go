package proc

import (
	"testing"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/trapframe"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/uio"
)

// noopOps is a minimal uio.Ops used only to exercise handle sharing across fork; it does not model
// any real device.
type noopOps struct{}

func (noopOps) Close() error { return nil }

func (noopOps) Read(*sched.Thread, []byte) (int, error) { return 0, nil }

func (noopOps) Write(self *sched.Thread, buf []byte) (int, error) { return len(buf), nil }

func (noopOps) Cntl(*sched.Thread, uio.Ctl, int64) (int64, error) { return 0, nil }

// TestFork_ChildSharesHandlesAndGetsZeroReturn covers §8 scenario 5: after a fork, the child's
// frame has a0 = 0, and a handle open before the fork is visible to the child with its reference
// count bumped, not duplicated data.
func TestFork_ChildSharesHandlesAndGetsZeroReturn(tt *testing.T) {
	withKernelThread(tt, func(k *sched.Kernel, self *sched.Thread) {
		m := newTestManager(k)

		childDone := make(chan struct{})

		var (
			childA0        uint64
			childRefcount  int
			childLookupErr error
		)

		parentBody := func(pself *sched.Thread, p *Process) {
			fd, err := p.Handles.Install(uio.Open(noopOps{}))
			if err != nil {
				close(childDone)
				return
			}

			p.Frame.Regs[trapframe.RegA0] = 0xdead // a sentinel the parent should keep after fork

			_, err = m.Fork(pself, p, func(cself *sched.Thread, cp *Process) {
				childA0 = cp.Frame.Regs[trapframe.RegA0]

				h, lerr := cp.Handles.Get(fd)
				childLookupErr = lerr

				if lerr == nil {
					childRefcount = h.Refcount()
				}

				m.Exit(cself, cp, 0)
				close(childDone)
			})
			if err != nil {
				close(childDone)
				return
			}

			if p.Frame.Regs[trapframe.RegA0] != 0xdead {
				tt.Errorf("parent frame a0 mutated by fork: got %#x", p.Frame.Regs[trapframe.RegA0])
			}

			m.Exit(pself, p, 0)
		}

		parent, err := m.Spawn(self, "parent", flatImage(), parentBody)
		if err != nil {
			tt.Fatalf("Spawn: %v", err)
		}

		if _, _, err := m.Wait(self, parent.PrimaryTID); err != nil {
			tt.Fatalf("Wait(parent): %v", err)
		}

		<-childDone

		if childA0 != 0 {
			tt.Fatalf("child frame a0 = %#x, want 0", childA0)
		}

		if childLookupErr != nil {
			tt.Fatalf("child could not see parent's pre-fork handle: %v", childLookupErr)
		}

		if childRefcount != 2 {
			tt.Fatalf("handle refcount after fork = %d, want 2 (parent + child)", childRefcount)
		}
	})
}
