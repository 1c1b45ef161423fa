package trapframe

import "testing"

func TestForkChild_ReturnsZeroAndAdvancesPC(tt *testing.T) {
	parent := Frame{PC: 0x1000}
	parent.Regs[RegA0] = 42
	parent.Regs[RegSP] = 0x8000

	child := ForkChild(parent)

	if child.Regs[RegA0] != 0 {
		tt.Fatalf("child a0 = %d, want 0", child.Regs[RegA0])
	}

	if child.PC != parent.PC+4 {
		tt.Fatalf("child pc = %#x, want %#x", child.PC, parent.PC+4)
	}

	if child.Regs[RegSP] != parent.Regs[RegSP] {
		tt.Fatalf("child sp = %#x, want identical to parent %#x", child.Regs[RegSP], parent.Regs[RegSP])
	}
}

func TestExecEntry_SetsArgcAndStackPointer(tt *testing.T) {
	f := ExecEntry(0x4000, 0x7ff8, 3)

	if f.PC != 0x4000 {
		tt.Fatalf("pc = %#x, want 0x4000", f.PC)
	}

	if f.Regs[RegA0] != 3 {
		tt.Fatalf("a0 (argc) = %d, want 3", f.Regs[RegA0])
	}

	if f.Regs[RegA1] != 0x7ff8 {
		tt.Fatalf("a1 (user sp) = %#x, want 0x7ff8", f.Regs[RegA1])
	}
}

func TestCurrentCause_ReflectsMostRecentSet(tt *testing.T) {
	SetCause(CauseSyscall)

	if CurrentCause() != CauseSyscall {
		tt.Fatalf("CurrentCause = %v, want %v", CurrentCause(), CauseSyscall)
	}

	SetCause(CausePageFault)

	if CurrentCause() != CausePageFault {
		tt.Fatalf("CurrentCause = %v, want %v", CurrentCause(), CausePageFault)
	}
}
