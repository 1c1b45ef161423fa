package sched

import (
	"testing"
	"time"
)

func TestAlarmSleepUntil_PastWakeReturnsWithoutBlocking(tt *testing.T) {
	tt.Parallel()

	k := New()
	done := make(chan struct{})

	k.Create("sleeper", 0, false, func(self *Thread) {
		k.AlarmSleepUntil(self, 1000, 500) // wake <= now
		close(done)
	})

	await(tt, done)
}

func TestAlarmSleepUntil_WokenByTick(tt *testing.T) {
	tt.Parallel()

	k := New()
	woke := make(chan struct{})

	k.Create("sleeper", 0, false, func(self *Thread) {
		k.AlarmSleepUntil(self, 0, 100)
		close(woke)
	})

	// Give the sleeper a chance to park before ticking.
	time.Sleep(20 * time.Millisecond)

	select {
	case <-woke:
		tt.Fatalf("sleeper woke before its deadline")
	default:
	}

	k.Tick(50) // before the deadline: must not wake it
	time.Sleep(10 * time.Millisecond)

	select {
	case <-woke:
		tt.Fatalf("sleeper woke on a tick before its deadline")
	default:
	}

	k.Tick(150) // past the deadline
	await(tt, woke)
}

func TestNextDeadline_ReflectsSoonestOfSleepAndPreemption(tt *testing.T) {
	tt.Parallel()

	k := New()

	if _, have := k.NextDeadline(); have {
		tt.Fatalf("fresh kernel reports a deadline, want none")
	}

	parked := make(chan struct{})

	k.Create("sleeper", 0, false, func(self *Thread) {
		k.AlarmSleepUntil(self, 0, 1_000_000)
		close(parked)
	})

	time.Sleep(20 * time.Millisecond)

	deadline, have := k.NextDeadline()
	if !have {
		tt.Fatalf("no deadline reported once a sleeper is parked")
	}

	if deadline != 1_000_000 {
		tt.Fatalf("deadline = %d, want 1000000 (no preemption armed yet)", deadline)
	}

	k.ArmPreemption(0) // arms nextPreemptAt = tickInterval = 10ms = 10_000_000ns, later than the 1_000_000ns sleep

	deadline, have = k.NextDeadline()
	if !have {
		tt.Fatalf("no deadline reported after arming preemption")
	}

	if deadline != 1_000_000 {
		tt.Fatalf("deadline = %d, want the sooner sleep deadline 1000000", deadline)
	}

	k.Tick(1_000_000)

	select {
	case <-parked:
	case <-time.After(2 * time.Second):
		tt.Fatalf("timed out waiting for the sleeper to wake at its deadline")
	}
}

func TestCheckPreempt_YieldsOncePendingFlagSet(tt *testing.T) {
	tt.Parallel()

	k := New()
	k.ArmPreemption(0)
	k.Tick(10_000_000) // exactly at the armed deadline

	yielded := make(chan struct{})

	k.Create("victim", 0, false, func(self *Thread) {
		k.CheckPreempt(self)
		close(yielded)
	})

	await(tt, yielded)
}
