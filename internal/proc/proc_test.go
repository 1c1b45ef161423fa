package proc

import (
	"testing"
	"time"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/loader"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/mm"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
)

func newTestManager(k *sched.Kernel) *Manager {
	pages := mm.NewPages()
	pool := mm.NewPagePool(0, 4096)
	pt := mm.NewPageTable(pages, pool)
	mgr := mm.NewMSpaceManager(pt, pool)

	return New(k, mgr, loader.New(mgr))
}

// withKernelThread runs fn on a freshly created kernel thread and waits for it to finish, the same
// harness internal/fs's tests use for code that must run inside a thread (locks, condition waits,
// and anything that calls sched.Kernel methods expecting a current thread).
func withKernelThread(tt *testing.T, fn func(k *sched.Kernel, self *sched.Thread)) {
	tt.Helper()

	k := sched.New()
	done := make(chan struct{})

	k.Create("t", 0, false, func(self *sched.Thread) {
		defer close(done)
		fn(k, self)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		tt.Fatal("timed out")
	}
}

func flatImage() loader.Image {
	return loader.LoadFlat([]byte{0x13, 0x00, 0x00, 0x00})
}

func TestSpawn_ChildRunsBodyAndParentWaitsForStatus(tt *testing.T) {
	withKernelThread(tt, func(k *sched.Kernel, self *sched.Thread) {
		m := newTestManager(k)

		ran := false

		child, err := m.Spawn(self, "child", flatImage(), func(cself *sched.Thread, p *Process) {
			ran = true
			m.Exit(cself, p, 7)
		})
		if err != nil {
			tt.Fatalf("Spawn: %v", err)
		}

		tid, status, err := m.Wait(self, child.PrimaryTID)
		if err != nil {
			tt.Fatalf("Wait: %v", err)
		}

		if tid != child.PrimaryTID {
			tt.Fatalf("Wait returned tid %v, want %v", tid, child.PrimaryTID)
		}

		if status != 7 {
			tt.Fatalf("Wait returned status %d, want 7", status)
		}

		if !ran {
			tt.Fatal("child body never ran")
		}

		if m.Lookup(child.PrimaryTID) != nil {
			tt.Fatal("process record still registered after exit")
		}
	})
}

func TestSpawn_AnyChildWaitAcceptsNegativePID(tt *testing.T) {
	withKernelThread(tt, func(k *sched.Kernel, self *sched.Thread) {
		m := newTestManager(k)

		child, err := m.Spawn(self, "child", flatImage(), func(cself *sched.Thread, p *Process) {
			m.Exit(cself, p, 3)
		})
		if err != nil {
			tt.Fatalf("Spawn: %v", err)
		}

		tid, status, err := m.Wait(self, -1)
		if err != nil {
			tt.Fatalf("Wait(-1): %v", err)
		}

		if tid != child.PrimaryTID || status != 3 {
			tt.Fatalf("Wait(-1) = (%v, %d), want (%v, 3)", tid, status, child.PrimaryTID)
		}
	})
}

func TestWait_NoChildReturnsErrNoChildImmediately(tt *testing.T) {
	withKernelThread(tt, func(k *sched.Kernel, self *sched.Thread) {
		m := newTestManager(k)

		if _, _, err := m.Wait(self, -1); err != ErrNoChild {
			tt.Fatalf("Wait with no child = %v, want ErrNoChild", err)
		}
	})
}
