package sched

// intr.go is the interrupt manager (C4): a table, indexed by PLIC source number, of (handler,
// opaque argument) pairs. It follows elsie's Interrupt/ISR pattern (internal/vm/intr.go in the
// teacher repo) generalized from eight fixed LC-3 priority levels to an arbitrary PLIC source
// space.

import (
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/plic"
)

// Handler services a claimed interrupt. arg is the opaque value supplied at Enable time.
type Handler func(src plic.Source, arg any)

type row struct {
	handler Handler
	arg     any
}

// InterruptManager routes PLIC-claimed sources to registered handlers.
type InterruptManager struct {
	controller *plic.PLIC
	table      map[plic.Source]row
	log        *log.Logger
}

// NewInterruptManager creates a manager over the given PLIC.
func NewInterruptManager(p *plic.PLIC) *InterruptManager {
	return &InterruptManager{
		controller: p,
		table:      make(map[plic.Source]row),
		log:        log.DefaultLogger().With("component", "sched.intr"),
	}
}

// Enable installs a handler for src and enables it at the controller. Enabling a source with a
// handler already installed replaces it, matching the teacher's register-on-enable pattern.
func (m *InterruptManager) Enable(src plic.Source, h Handler, arg any) {
	m.table[src] = row{handler: h, arg: arg}
	m.controller.Enable(src)
}

// Disable removes src's row and disables it at the controller.
func (m *InterruptManager) Disable(src plic.Source) {
	delete(m.table, src)
	m.controller.Disable(src)
}

// ServiceExternal implements the claim -> invoke -> complete path of §4.4 for the "external
// interrupt" source (as opposed to the timer, which is dispatched directly by the scheduler's
// Tick). It is a no-op, not an error, if nothing is claimable.
func (m *InterruptManager) ServiceExternal() {
	src, ok := m.controller.Claim()
	if !ok {
		return
	}

	r, known := m.table[src]
	if !known {
		m.log.Warn("claimed source has no registered handler", "source", src)
		m.controller.Complete(src)

		return
	}

	r.handler(src, r.arg)
	m.controller.Complete(src)
}
