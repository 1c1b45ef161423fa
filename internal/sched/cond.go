package sched

// cond.go implements condition variables (§4.3): a named FIFO wait list with broadcast-only wake,
// plus the scheduler plumbing (ready-queue push/pop and hart handoff) that every suspension point
// shares.

// Condition is a named wait list. There is no counter; the predicate lives entirely in the
// caller, which is why Wait must always be called in a loop around a predicate check (§4.3, §9).
type Condition struct {
	Name string

	waitHead, waitTail *Thread
}

// NewCondition creates an empty, named condition.
func NewCondition(name string) *Condition {
	return &Condition{Name: name}
}

// Wait inserts self at the tail of c's wait list and suspends self until a Broadcast moves it back
// to the ready queue and the scheduler dispatches it again.
func (k *Kernel) Wait(self *Thread, c *Condition) {
	k.mu.Lock()
	k.waitLocked(self, c)
}

// waitLocked is Wait with k.mu already held; it always consumes the lock (suspend unlocks it).
func (k *Kernel) waitLocked(self *Thread, c *Condition) {
	self.State = StateWaiting
	self.WaitCond = c
	self.waitNext = nil

	if c.waitTail == nil {
		c.waitHead = self
	} else {
		c.waitTail.waitNext = self
	}

	c.waitTail = self

	k.suspend(self, true)
}

// Broadcast moves every thread waiting on c to the ready queue's tail, in FIFO order. There is no
// single-wake primitive: §9 notes a broadcast-only design is correct and simpler, since every
// caller already loops on its predicate.
func (k *Kernel) Broadcast(c *Condition) {
	k.mu.Lock()
	k.broadcastLocked(c)
	k.mu.Unlock()
}

func (k *Kernel) broadcastLocked(c *Condition) {
	for t := c.waitHead; t != nil; {
		next := t.waitNext
		t.waitNext = nil
		t.WaitCond = nil
		t.State = StateReady
		k.enqueueReadyLocked(t)
		t = next
	}

	c.waitHead, c.waitTail = nil, nil
}

// enqueueReadyLocked appends t to the ready queue's tail and, if the idle thread is parked waiting
// for exactly this kind of event, wakes it so it can re-dispatch.
func (k *Kernel) enqueueReadyLocked(t *Thread) {
	t.next = nil

	if k.readyTail == nil {
		k.readyHead = t
	} else {
		k.readyTail.next = t
	}

	k.readyTail = t

	if k.idleParked {
		k.idleParked = false
		k.idle.resume <- struct{}{}
	}
}

// popReadyLocked removes and returns the ready queue's head, or nil if it is empty.
func (k *Kernel) popReadyLocked() *Thread {
	t := k.readyHead
	if t == nil {
		return nil
	}

	k.readyHead = t.next
	if k.readyHead == nil {
		k.readyTail = nil
	}

	t.next = nil

	return t
}

// suspend hands the hart to the next ready thread (or, if none, leaves it with the idle thread),
// consuming k.mu in the process. If blocking is true and self was not immediately redispatched,
// suspend parks the calling goroutine on self.resume until the scheduler later reschedules it. It
// is the single piece of plumbing shared by Yield, Wait, AlarmSleep, and Exit.
func (k *Kernel) suspend(self *Thread, blocking bool) {
	next := k.popReadyLocked()

	switch {
	case next == self:
		k.current = self.ID
		self.State = StateRunning
		k.mu.Unlock()

		return
	case next != nil:
		k.current = next.ID
		next.State = StateRunning
		k.mu.Unlock()
		next.resume <- struct{}{}
	default:
		// Nothing ready: hand off to the idle thread. idleParked can only be true here if idle
		// itself were both parked and concurrently racing this call, which the single-hart
		// invariant rules out; clearing it defensively keeps enqueueReadyLocked's wake-up from
		// ever double-sending on idle.resume.
		k.idleParked = false
		k.current = IdleID
		k.mu.Unlock()
		k.idle.resume <- struct{}{}
	}

	if blocking {
		<-self.resume
	}
}

// WithLock runs fn while holding the kernel's own lock. It exists for the
// rare external caller that is not itself a scheduled Thread -- a device's
// completion goroutine, say -- but still needs to touch state shared with
// condition predicates under the same mutual exclusion the scheduler itself
// uses, rather than inventing a second lock that would race against it.
func (k *Kernel) WithLock(fn func()) {
	k.mu.Lock()
	fn()
	k.mu.Unlock()
}

// Signal runs fn, typically a brief state mutation, under the kernel's lock
// and then broadcasts c before releasing it. This is how a non-Thread
// goroutine (see WithLock) can change a condition's predicate and wake its
// waiters as a single atomic step, exactly as Broadcast does for a thread
// that already holds the lock implicitly via its own suspension point.
func (k *Kernel) Signal(fn func(), c *Condition) {
	k.mu.Lock()
	fn()
	k.broadcastLocked(c)
	k.mu.Unlock()
}

// WaitUntil blocks self until pred returns true, evaluating pred only while
// the kernel lock is held so the check and the suspend are atomic: nothing
// can change the state pred examines between the check and self going onto
// c's wait list, closing the same race WaitForInterrupt closes for idle.
func (k *Kernel) WaitUntil(self *Thread, c *Condition, pred func() bool) {
	k.mu.Lock()

	for !pred() {
		k.waitLocked(self, c)
		k.mu.Lock()
	}

	k.mu.Unlock()
}

// WaitForInterrupt is the idle thread's body: under disabled interrupts (k.mu), check whether any
// thread is ready; if so, dispatch it and wait to be rescheduled, exactly like a normal yield. If
// not, park for real so the idle goroutine does not spin — this is the check-then-wait sequence
// §4.3 calls out as needing to run atomically to close the race against a concurrent enqueue.
func (k *Kernel) WaitForInterrupt() {
	k.mu.Lock()

	next := k.popReadyLocked()
	if next != nil {
		k.current = next.ID
		next.State = StateRunning
		k.mu.Unlock()
		next.resume <- struct{}{}
		<-k.idle.resume

		return
	}

	k.idleParked = true
	k.current = IdleID
	k.mu.Unlock()

	<-k.idle.resume
}
