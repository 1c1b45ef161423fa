// Package sched is the thread kernel (C3) and interrupt manager (C4): a ready queue, cooperative
// suspension, timer-driven preemption, condition variables, reentrant locks, and alarm-based sleep,
// all built atop a single "hart token" that enforces §4.3's rule that exactly one thread is RUNNING
// at a time.
//
// Every created Thread is backed by one goroutine, parked on its own buffered channel except while
// it holds the token. This is the Go-idiomatic reading of design note §9's suggestion to model the
// single-hart cooperative scheduler as "a cooperatively scheduled kernel task per thread with
// explicit suspension points" — Yield, ConditionWait, AlarmSleep, and exit are exactly those points.
package sched

import (
	"fmt"
	"sync"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
)

// NTHR is the fixed size of the thread table (§3).
const NTHR = 64

// IdleID is the thread ID reserved for the always-ready idle thread.
const IdleID ID = NTHR - 1

// State is a thread's position in the lifecycle described in §4.3.
type State int

const (
	StateUninitialized State = iota
	StateWaiting
	StateRunning
	StateReady
	StateExited
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateWaiting:
		return "WAITING"
	case StateRunning:
		return "RUNNING"
	case StateReady:
		return "READY"
	case StateExited:
		return "EXITED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ID identifies a thread table slot, 0..NTHR-1.
type ID int

// Thread is a fixed-size scheduling record, §3.
type Thread struct {
	ID    ID
	Name  string
	State State

	Parent    ID
	hasParent bool

	// WaitCond is the condition this thread is currently blocked on, or nil.
	WaitCond *Condition

	// ChildExit is broadcast whenever one of this thread's children exits; Join waits on it.
	ChildExit *Condition

	// Locks is the list of locks currently owned by this thread, in acquisition order (most recent last).
	Locks []*Lock

	ExitStatus int

	// MemTag, if non-zero, is the address space this thread's owning process runs in. The thread
	// kernel does not interpret it; it is carried for callers (process glue) that need it when a
	// thread is dispatched.
	MemTag arch.MemTag

	// StackPages is the size, in pages, of this thread's kernel stack -- recorded for parity with
	// §3's "pointer to a per-thread kernel stack"; the actual stack is the Go goroutine's own.
	StackPages int

	next     *Thread // ready-list linkage
	waitNext *Thread // condition wait-list linkage

	resume chan struct{} // buffered(1): the dispatcher sends here to hand this thread the hart
	entry  func(*Thread)
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread{%d:%s %s}", t.ID, t.Name, t.State)
}

// Kernel is the thread scheduler: the thread table, the ready queue, and the single hart token.
type Kernel struct {
	mu sync.Mutex

	threads [NTHR]*Thread
	free    []ID // free thread-table slots, excluding IdleID

	readyHead, readyTail *Thread

	current ID

	idle       *Thread
	idleParked bool

	sleep *sleepList // alarm.go

	preemptPending bool
	tickInterval   int // nanoseconds; see alarm.go

	log *log.Logger
}

// New creates a thread kernel and its idle thread. The idle thread's body is the dispatcher's
// implicit fallback: WaitForInterrupt, looped forever.
func New() *Kernel {
	k := &Kernel{
		log:          log.DefaultLogger().With("component", "sched"),
		tickInterval: 10_000_000, // 10ms, per §4.3's default preemption interval
	}

	for id := ID(NTHR - 2); id >= 0; id-- {
		k.free = append(k.free, id)
	}

	k.sleep = newSleepList(k)

	k.idle = &Thread{
		ID:        IdleID,
		Name:      "idle",
		State:     StateReady,
		ChildExit: NewCondition("idle.child-exit"),
		resume:    make(chan struct{}, 1),
	}
	k.threads[IdleID] = k.idle
	k.current = IdleID

	go func() {
		for {
			k.WaitForInterrupt()
		}
	}()

	return k
}

// Create allocates a thread-table slot, arms a kernel stack (modeled as a goroutine), and appends
// the new thread to the ready queue. It implements the creation half of §4.3's lifecycle:
// UNINITIALIZED -> READY.
func (k *Kernel) Create(name string, parent ID, hasParent bool, entry func(*Thread)) *Thread {
	k.mu.Lock()

	if len(k.free) == 0 {
		k.mu.Unlock()
		panic("sched: too many threads")
	}

	id := k.free[len(k.free)-1]
	k.free = k.free[:len(k.free)-1]

	t := &Thread{
		ID:         id,
		Name:       name,
		State:      StateReady,
		Parent:     parent,
		hasParent:  hasParent,
		ChildExit:  NewCondition(fmt.Sprintf("%s.child-exit", name)),
		StackPages: 1,
		resume:     make(chan struct{}, 1),
		entry:      entry,
	}

	k.threads[id] = t
	k.enqueueReadyLocked(t)
	k.mu.Unlock()

	go func() {
		<-t.resume
		t.entry(t)
		k.Exit(t, 0)
	}()

	return t
}

// FreeThreadCount reports how many thread-table slots remain, so a caller like process creation
// can return a recoverable "too many threads" error instead of Create's panic.
func (k *Kernel) FreeThreadCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.free)
}

// Current returns the currently running thread's ID.
func (k *Kernel) Current() ID {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.current
}

// Thread looks up a thread-table entry by ID. It returns nil for an empty or out-of-range slot.
func (k *Kernel) Thread(id ID) *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()

	if id < 0 || int(id) >= NTHR {
		return nil
	}

	return k.threads[id]
}

// Yield voluntarily gives up the hart: self moves RUNNING -> READY and is appended to the ready
// queue's tail; the scheduler dispatches the new head (possibly self again, if the queue was
// empty).
func (k *Kernel) Yield(self *Thread) {
	k.mu.Lock()
	self.State = StateReady
	k.enqueueReadyLocked(self)
	k.suspend(self, true)
}

// CheckPreempt consults the pending-preempt flag set by the timer ISR (alarm.go) and, if set,
// clears it and yields. Per §4.3, this is the only preemption point: trap return to user mode. A
// caller simulating "returning to user mode" invokes this between instructions/syscalls.
func (k *Kernel) CheckPreempt(self *Thread) {
	k.mu.Lock()

	if !k.preemptPending {
		k.mu.Unlock()
		return
	}

	k.preemptPending = false
	k.mu.Unlock()
	k.Yield(self)
}

// Exit transitions self to EXITED, records its status, reparents its children to its own parent,
// and broadcasts the parent's child-exit condition, per §4.3. It is idempotent: a thread whose
// entry function calls Exit itself (the exit syscall setting a specific status) still returns
// normally afterward, and the thread-creation wrapper's own unconditional post-entry Exit call
// must not then stomp the status already recorded.
func (k *Kernel) Exit(self *Thread, status int) {
	k.mu.Lock()

	if self.State == StateExited {
		k.mu.Unlock()
		return
	}

	self.State = StateExited
	self.ExitStatus = status

	for id := ID(0); id < NTHR; id++ {
		child := k.threads[id]
		if child != nil && child.hasParent && child.Parent == self.ID {
			child.Parent = self.Parent
			child.hasParent = self.hasParent
		}
	}

	if self.hasParent {
		if parent := k.threads[self.Parent]; parent != nil {
			k.broadcastLocked(parent.ChildExit)
		}
	}

	k.suspend(self, false)
}

// HasChild reports whether self currently has any child thread at all (id < 0) or a specific
// child (id >= 0), whether or not it has exited yet. Process glue (internal/proc) calls this
// before Join so that waiting on a nonexistent child returns a no-child error instead of blocking
// forever on a child-exit condition nothing will ever broadcast.
func (k *Kernel) HasChild(self *Thread, id ID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	for cid := ID(0); cid < NTHR; cid++ {
		c := k.threads[cid]
		if c == nil || !c.hasParent || c.Parent != self.ID {
			continue
		}

		if id >= 0 && c.ID != id {
			continue
		}

		return true
	}

	return false
}

// Join waits until a child of self is EXITED, then reaps its slot and frees its kernel stack.
// Passing id < 0 implements join(0)'s "wait for any child"; thread ID 0 is itself a valid slot, so
// the "any" sentinel must be negative rather than zero.
func (k *Kernel) Join(self *Thread, id ID) (ID, int) {
	for {
		k.mu.Lock()

		var found *Thread

		for cid := ID(0); cid < NTHR; cid++ {
			c := k.threads[cid]
			if c == nil || !c.hasParent || c.Parent != self.ID {
				continue
			}

			if id >= 0 && c.ID != id {
				continue
			}

			if c.State == StateExited {
				found = c
				break
			}
		}

		if found != nil {
			status := found.ExitStatus
			fid := found.ID
			k.threads[fid] = nil
			k.free = append(k.free, fid)
			k.mu.Unlock()

			return fid, status
		}

		// No spurious wake: re-check the predicate in a loop (§4.3).
		k.waitLocked(self, self.ChildExit)
	}
}
