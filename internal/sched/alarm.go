package sched

// alarm.go implements alarm-based sleep and the timer tick that drives both wakeups and
// preemption scheduling, per §4.3. An alarm carries an absolute wake time, a sorted-list link, and
// a private condition; the global list is kept sorted by wake time so the timer ISR only ever has
// to look at the head to decide whether to reprogram.

import "fmt"

type alarm struct {
	wake uint64 // absolute nanoseconds
	cond *Condition
	next *alarm
}

type sleepList struct {
	k    *Kernel
	head *alarm

	nextPreemptAt uint64
	armed         bool
}

func newSleepList(k *Kernel) *sleepList {
	return &sleepList{k: k}
}

// AlarmSleepUntil suspends self until the monotonic clock reaches wake (absolute nanoseconds). A
// wake time at or before now returns immediately without blocking, per §8's idempotence law
// `alarm_sleep(a, 0)` returns without blocking.
func (k *Kernel) AlarmSleepUntil(self *Thread, now, wake uint64) {
	if wake <= now {
		return
	}

	a := &alarm{wake: wake, cond: NewCondition(fmt.Sprintf("%s.alarm", self.Name))}

	k.mu.Lock()
	k.sleep.insertLocked(a)
	k.waitLocked(self, a.cond)
}

// AlarmSleepNanos is a convenience wrapper computing the absolute wake time from a relative
// duration and the current time.
func (k *Kernel) AlarmSleepNanos(self *Thread, now uint64, durationNanos uint64) {
	k.AlarmSleepUntil(self, now, now+durationNanos)
}

func (s *sleepList) insertLocked(a *alarm) {
	if s.head == nil || a.wake < s.head.wake {
		a.next = s.head
		s.head = a

		return
	}

	cur := s.head
	for cur.next != nil && cur.next.wake <= a.wake {
		cur = cur.next
	}

	a.next = cur.next
	cur.next = a
}

// ArmPreemption schedules the first preemption deadline relative to now. Subsequent deadlines are
// rearmed automatically by Tick.
func (k *Kernel) ArmPreemption(now uint64) {
	k.mu.Lock()
	k.sleep.nextPreemptAt = now + uint64(k.tickInterval)
	k.sleep.armed = true
	k.mu.Unlock()
}

// NextDeadline returns the earlier of the sleep list's head wake time and the next scheduled
// preemption tick, i.e. what the timer compare register should be reprogrammed to, per §4.3. The
// second return value is false if there is nothing scheduled at all.
func (k *Kernel) NextDeadline() (uint64, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	have := false
	var deadline uint64

	if k.sleep.head != nil {
		deadline = k.sleep.head.wake
		have = true
	}

	if k.sleep.armed {
		if !have || k.sleep.nextPreemptAt < deadline {
			deadline = k.sleep.nextPreemptAt
			have = true
		}
	}

	return deadline, have
}

// Tick is the timer ISR: it broadcasts every alarm whose wake time has passed and, if the
// preemption deadline has also passed, advances the preemption schedule and sets the pending flag
// consulted by CheckPreempt. It implements the timer ISR behavior of §4.3.
func (k *Kernel) Tick(now uint64) {
	k.mu.Lock()

	var fired []*Condition

	for k.sleep.head != nil && k.sleep.head.wake <= now {
		fired = append(fired, k.sleep.head.cond)
		k.sleep.head = k.sleep.head.next
	}

	if k.sleep.armed && now >= k.sleep.nextPreemptAt {
		k.preemptPending = true
		k.sleep.nextPreemptAt = now + uint64(k.tickInterval)
	}

	for _, c := range fired {
		k.broadcastLocked(c)
	}

	k.mu.Unlock()
}
