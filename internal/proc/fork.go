package proc

// fork.go implements §4.9's fork: clone the memory space, duplicate every open handle, and spawn a
// new kernel thread that starts in the child's register state. The resolved Open Question in
// SPEC_FULL.md §4 governs the child trap frame's lifetime here: it is heap-allocated (a Go value
// behind a pointer, which in this host language is simply "allocated normally") and handed to the
// spawned thread, which signals the parent's done condition once it has taken ownership of it --
// the parent waits for that signal before returning, exactly as the source's process_fork does,
// even though Go's memory model would make the signal unnecessary on its own: a goroutine's stack
// is not an addressable, shareable region the way a C kernel stack is, so "could the frame live on
// the parent's stack instead" has only one answer in Go, and this is it.
import (
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/trapframe"
)

// Fork clones p into a new process: a copy-on-write-free (this kernel has no demand paging, per
// §1's Non-goals) full copy of the address space, a duplicated handle table sharing the same
// underlying uio.Handles, and a new kernel thread parented to self. It returns the child process;
// the caller (internal/syscall) is responsible for returning the child's PID to the parent in a0
// and observing that the child process's own Frame already has a0=0, per §4.9/§8's fork contract.
//
// A real fork resumes the child from the instruction right after the fork() call, with the
// parent's stack and locals intact; this kernel has no instruction-level executor to resume (§1
// names that executor as an external collaborator), so the caller supplies childBody, the Go code
// the child runs from the fork point forward -- typically the same user-program closure the parent
// is running, branching on Frame.Regs[trapframe.RegA0] exactly as compiled fork-calling code would
// branch on fork's return value.
func (m *Manager) Fork(self *sched.Thread, p *Process, childBody Body) (*Process, error) {
	if m.k.FreeThreadCount() == 0 {
		return nil, fmt.Errorf("%w: no free thread slots", ErrTooManyProcesses)
	}

	newTag := m.mm.Clone(p.Tag)
	newHandles := p.Handles.Clone()
	childFrame := trapframe.ForkChild(*p.Frame)

	child := &Process{
		Tag:     newTag,
		Handles: newHandles,
		Cwd:     p.Cwd,
		Frame:   &childFrame,
		body:    childBody,
	}

	done := sched.NewCondition(fmt.Sprintf("%s.fork-done", self.Name))
	copied := false

	t := m.k.Create(self.Name+".child", self.ID, true, func(childSelf *sched.Thread) {
		copied = true
		m.k.Broadcast(done)

		trapframe.SwitchToUser(*child.Frame)
		childBody(childSelf, child)
	})

	t.MemTag = newTag
	child.PrimaryTID = t.ID
	m.register(child)

	m.k.WaitUntil(self, done, func() bool { return copied })

	return child, nil
}
