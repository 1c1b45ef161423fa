package sched

// lock.go implements the reentrant ownership lock of §3/§4.3.

import "fmt"

// Lock is a reentrant, per-owner mutual-exclusion primitive. Acquiring it when already owned by
// the caller just bumps the recursion count; releasing it when not owned is a kernel bug.
type Lock struct {
	Name string

	owner     *Thread
	recursion int
	release   *Condition
}

// NewLock creates an unowned lock.
func NewLock(name string) *Lock {
	return &Lock{Name: name, release: NewCondition(name + ".release")}
}

// Acquire blocks, if necessary, until self can own l: either l is unowned, in which case self
// becomes the owner with recursion count 1, or self already owns it, in which case the count is
// bumped. Otherwise self waits on the release condition and re-checks, per §4.3.
func (k *Kernel) Acquire(self *Thread, l *Lock) {
	for {
		k.mu.Lock()

		if l.owner == nil {
			l.owner = self
			l.recursion = 1
			self.Locks = append(self.Locks, l)
			k.mu.Unlock()

			return
		}

		if l.owner == self {
			l.recursion++
			k.mu.Unlock()

			return
		}

		k.waitLocked(self, l.release)
	}
}

// Release decrements l's recursion count; at zero it clears the owner, broadcasts the release
// condition, and removes l from self's owned-lock list. It panics if self does not own l — a
// kernel-fatal bug per §7.
func (k *Kernel) Release(self *Thread, l *Lock) {
	k.mu.Lock()

	if l.owner != self {
		k.mu.Unlock()
		panic(fmt.Sprintf("sched: release of lock %q not owned by %s", l.Name, self))
	}

	l.recursion--

	if l.recursion > 0 {
		k.mu.Unlock()
		return
	}

	l.owner = nil

	for i, owned := range self.Locks {
		if owned == l {
			self.Locks = append(self.Locks[:i], self.Locks[i+1:]...)
			break
		}
	}

	k.broadcastLocked(l.release)
	k.mu.Unlock()
}

// Owner reports the current owner of l, or nil.
func (l *Lock) Owner() *Thread { return l.owner }
