package sched

import (
	"testing"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/plic"
)

func TestInterruptManager_EnableRoutesClaimedSourceToHandler(tt *testing.T) {
	p := plic.New()
	m := NewInterruptManager(p)

	var gotSrc plic.Source
	var gotArg any

	m.Enable(7, func(src plic.Source, arg any) {
		gotSrc = src
		gotArg = arg
	}, "cookie")

	p.Raise(7)
	m.ServiceExternal()

	if gotSrc != 7 {
		tt.Fatalf("handler source = %d, want 7", gotSrc)
	}

	if gotArg != "cookie" {
		tt.Fatalf("handler arg = %v, want %q", gotArg, "cookie")
	}
}

func TestInterruptManager_ServiceExternalIsNoopWithNothingClaimable(tt *testing.T) {
	p := plic.New()
	m := NewInterruptManager(p)

	called := false
	m.Enable(3, func(plic.Source, any) { called = true }, nil)

	// Nothing raised: ServiceExternal must not call the handler or panic.
	m.ServiceExternal()

	if called {
		tt.Fatalf("handler invoked with nothing pending")
	}
}

func TestInterruptManager_DisableStopsFurtherDelivery(tt *testing.T) {
	p := plic.New()
	m := NewInterruptManager(p)

	calls := 0
	m.Enable(5, func(plic.Source, any) { calls++ }, nil)
	m.Disable(5)

	p.Raise(5)
	m.ServiceExternal()

	if calls != 0 {
		tt.Fatalf("handler called %d times after Disable, want 0", calls)
	}
}
