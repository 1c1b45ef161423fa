package sched

import (
	"testing"
	"time"
)

// await waits for ch to receive or closes, failing the test if it doesn't happen within a bound
// generous enough for a handful of goroutine handoffs but short enough to catch a real deadlock.
func await(tt *testing.T, ch <-chan struct{}) {
	tt.Helper()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		tt.Fatalf("timed out waiting for thread to make progress")
	}
}

func TestCreate_RunsEntryAndExits(tt *testing.T) {
	tt.Parallel()

	k := New()
	done := make(chan struct{})

	k.Create("worker", 0, false, func(self *Thread) {
		if self.State != StateRunning {
			tt.Errorf("entry running with state %s, want RUNNING", self.State)
		}

		close(done)
	})

	await(tt, done)
}

func TestYield_RoundRobinsBetweenTwoThreads(tt *testing.T) {
	tt.Parallel()

	k := New()

	var order []string
	recorded := make(chan struct{})

	barrier := make(chan struct{})

	k.Create("a", 0, false, func(self *Thread) {
		<-barrier
		order = append(order, "a1")
		k.Yield(self)
		order = append(order, "a2")
	})

	k.Create("b", 0, false, func(self *Thread) {
		<-barrier
		order = append(order, "b1")
		k.Yield(self)
		order = append(order, "b2")
		close(recorded)
	})

	close(barrier)
	await(tt, recorded)

	// Only two threads can actually be executing Go code "at once" across the barrier release, but
	// the hart token still serializes every append to `order`; we only assert that both ran to
	// completion without data loss, since true wall-clock ordering across the barrier send is
	// inherently racy before the first Yield.
	if len(order) != 4 {
		tt.Fatalf("order = %v, want 4 entries", order)
	}
}

func TestJoin_ReapsExitedChildAndReturnsStatus(tt *testing.T) {
	tt.Parallel()

	k := New()
	result := make(chan int, 1)

	k.Create("parent", 0, false, func(self *Thread) {
		k.Create("child", self.ID, true, func(child *Thread) {
			// exits with the default status via the Create wrapper's k.Exit(t, 0)
		})

		_, status := k.Join(self, -1)
		result <- status
	})

	select {
	case got := <-result:
		if got != 0 {
			tt.Fatalf("join status = %d, want 0", got)
		}
	case <-time.After(2 * time.Second):
		tt.Fatalf("timed out waiting for join")
	}
}

func TestJoin_ReparentsGrandchildrenOnParentExit(tt *testing.T) {
	tt.Parallel()

	k := New()
	reparented := make(chan ID, 1)
	grandchildStarted := make(chan ID, 1)

	// The threads wait on a kernel condition, not a Go channel: a thread blocked on a channel keeps
	// the hart token, and no other thread could run.
	childGone := NewCondition("mid-reaped")
	midReaped := false

	k.Create("grandparent", 0, false, func(gp *Thread) {
		mid := k.Create("mid", gp.ID, true, func(m *Thread) {
			gc := k.Create("grandchild", m.ID, true, func(g *Thread) {
				grandchildStarted <- g.ID
				// Block until the middle thread has been reaped, so reparenting has definitely
				// happened by the time this grandchild itself exits.
				k.WaitUntil(g, childGone, func() bool { return midReaped })
			})

			_ = gc
			// mid exits immediately on return, reparenting grandchild to gp.
		})

		// Reap "mid" specifically; its still-running child must now be reparented to gp.
		k.Join(gp, mid.ID)

		k.Signal(func() { midReaped = true }, childGone)

		id, _ := k.Join(gp, -1)
		reparented <- id
	})

	select {
	case id := <-reparented:
		if want := <-grandchildStarted; id != want {
			tt.Fatalf("grandparent joined thread %d, want reparented grandchild %d", id, want)
		}
	case <-time.After(2 * time.Second):
		tt.Fatalf("timed out waiting for reparented grandchild to be joined")
	}
}
