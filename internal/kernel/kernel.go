// Package kernel is the boot sequencer: the one place that owns every singleton named in design
// note §9 (free-chunk list, thread table, ready list, sleep list, device registry) and brings them
// up in the documented order -- console, interrupt manager, thread manager, timer, memory, process
// manager, device attach, mount -- mirroring the teacher's own functional-option boot pattern
// (internal/vm.New's OptionFn) generalized from "one LC-3" to "every subsystem this kernel is made
// of". Teardown, per the same note, only runs on panic; Shutdown exists for tests and the demo CLI
// to unwind the timer goroutine cleanly.
package kernel

import (
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/cache"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/console"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/fs"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/loader"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/mm"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/plic"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/proc"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/rtc"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/syscall"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/uio"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/virtio"
)

// consoleIO is the Sink+Source pair the boot sequencer wires to every process's standard
// input/output, satisfied by both console.Terminal and console.Buffered.
type consoleIO interface {
	console.Sink
	console.Source
}

// bootAddrKernelImage and bootAddrMMIO are symbolic global mappings installed in the main space at
// boot, per §3's "One main memory space is statically reserved and always holds global mappings
// for kernel text, rodata, data, MMIO, and the free pool." This kernel has no real linked image or
// bus to back these addresses with, but the mapping step itself -- global, installed once, shared
// by every later clone -- is part of what NewUserSpace's "cheap to create" property depends on, so
// boot exercises it rather than skipping straight to process creation.
const (
	bootAddrKernelImage = arch.Addr(0x8000_0000)
	bootAddrMMIO        = arch.Addr(0x1000_1000)
)

// Config collects everything Boot needs that a caller might reasonably want to override. The zero
// value is not meant to be constructed directly; use DefaultConfig and the With* options.
type Config struct {
	console consoleIO
	clock   rtc.Clock

	store        virtio.BackingStore
	diskCapacity uint64 // bytes
	queueSize    uint16
	irq          plic.Source

	poolPages uint64 // physical frames available to mm.PagePool

	format     bool
	formatOpts fs.FormatOptions
}

// Option configures a Config, following the teacher's functional-option convention.
type Option func(*Config)

// DefaultConfig returns the configuration Boot uses when no options override it: a non-interactive
// buffered console, the host's monotonic clock, a 1 MiB in-memory disk formatted fresh on boot, and
// a 16 MiB physical pool.
func DefaultConfig() Config {
	const diskBytes = 1 << 20 // 1 MiB == 2048 sectors

	return Config{
		console:      console.NewBuffered(nil),
		clock:        rtc.NewSystem(),
		store:        virtio.NewMemStore(diskBytes),
		diskCapacity: diskBytes,
		queueSize:    64,
		irq:          1,
		poolPages:    4096, // 16 MiB of 4 KiB frames
		format:       true,
		formatOpts:   fs.DefaultFormatOptions(uint32(diskBytes / cache.BlockSize)),
	}
}

// WithConsole overrides the default non-interactive console, e.g. with a console.Terminal wrapping
// the host's TTY for the interactive demo command.
func WithConsole(c consoleIO) Option { return func(cfg *Config) { cfg.console = c } }

// WithClock overrides the default real-time clock, e.g. with rtc.NewManual() for deterministic
// tests that need to control alarm timing by hand.
func WithClock(c rtc.Clock) Option { return func(cfg *Config) { cfg.clock = c } }

// WithDisk replaces the backing store and its capacity (in bytes). store must satisfy
// virtio.BackingStore; *os.File does, for a real disk image file.
func WithDisk(store virtio.BackingStore, capacityBytes uint64) Option {
	return func(cfg *Config) {
		cfg.store = store
		cfg.diskCapacity = capacityBytes
	}
}

// WithQueueSize overrides the negotiated virtqueue's descriptor-table size.
func WithQueueSize(n uint16) Option { return func(cfg *Config) { cfg.queueSize = n } }

// WithPoolPages overrides the number of physical frames available to the page pool.
func WithPoolPages(n uint64) Option { return func(cfg *Config) { cfg.poolPages = n } }

// WithFormat requests a fresh on-disk image at boot, sized by opts, instead of mounting an
// existing one. This is Boot's default behavior; the option exists for callers that want
// non-default sizing.
func WithFormat(opts fs.FormatOptions) Option {
	return func(cfg *Config) {
		cfg.format = true
		cfg.formatOpts = opts
	}
}

// WithExistingImage mounts the backing store's existing superblock instead of formatting a fresh
// one, for booting against a disk image a previous run (or the format CLI command) already
// wrote.
func WithExistingImage() Option {
	return func(cfg *Config) { cfg.format = false }
}

// Kernel is every subsystem the boot sequence assembles, exported so the CLI and tests can reach
// into any layer directly (spawn a process, inspect the cache, drive the file system) without this
// package growing a second, parallel API surface over internal/proc and internal/fs.
type Kernel struct {
	Log     *log.Logger
	Console consoleIO
	Clock   rtc.Clock

	PLIC  *plic.PLIC
	Sched *sched.Kernel
	Intr  *sched.InterruptManager

	Pages *mm.Pages
	Pool  *mm.PagePool
	PT    *mm.PageTable
	MM    *mm.MSpaceManager

	Device *virtio.Device
	Disk   *virtio.Disk
	Cache  *cache.Cache
	FS     *fs.FileSystem

	Loader   *loader.Loader
	Procs    *proc.Manager
	Syscalls *syscall.Dispatcher

	stopTimer chan struct{}
}

// Boot brings up every subsystem in the order design note §9 prescribes: console, interrupt
// manager, thread manager, timer, memory, process manager, device attach, mount.
func Boot(opts ...Option) (*Kernel, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	k := &Kernel{
		Log:     log.DefaultLogger().With("component", "kernel"),
		Console: cfg.console, // 1. console
		Clock:   cfg.clock,
	}

	k.PLIC = plic.New() // 2. interrupt manager (register file; routing layer below)

	k.Sched = sched.New() // 3. thread manager
	k.Intr = sched.NewInterruptManager(k.PLIC)

	k.stopTimer = make(chan struct{}) // 4. timer
	k.Sched.ArmPreemption(k.Clock.Now())
	go k.runTimer(k.stopTimer)

	k.Pages = mm.NewPages() // 5. memory
	k.Pool = mm.NewPagePool(0, arch.PPN(cfg.poolPages))
	k.PT = mm.NewPageTable(k.Pages, k.Pool)
	k.MM = mm.NewMSpaceManager(k.PT, k.Pool)
	k.mapBootGlobals()

	k.Loader = loader.New(k.MM) // 6. process manager
	k.Procs = proc.New(k.Sched, k.MM, k.Loader)

	k.Device = virtio.NewDevice(cfg.store, cfg.diskCapacity, false, k.PLIC, cfg.irq, cfg.queueSize) // 7. device attach

	if _, err := k.Device.Negotiate(virtio.FeatureIndirectDesc | virtio.FeatureRingReset | virtio.FeatureBlkSize | virtio.FeatureTopology); err != nil {
		k.Shutdown()
		return nil, fmt.Errorf("kernel: boot: negotiating virtio features: %w", err)
	}

	k.Device.Attach(k.Sched, k.Intr)
	k.Disk = virtio.NewDisk(k.Sched, k.Device)
	k.Cache = cache.New(k.Sched, k.Disk)

	if err := k.mountOrFormat(cfg); err != nil { // 8. mount
		k.Shutdown()
		return nil, err
	}

	k.Syscalls = syscall.NewDispatcher(k.Sched, k.Procs, k.FS, k.MM, k.Clock)

	k.Log.Info("boot complete", "pool_pages", cfg.poolPages, "disk_bytes", cfg.diskCapacity)

	return k, nil
}

// mapBootGlobals installs the main space's symbolic global mappings, per §3 and the doc comment on
// bootAddrKernelImage above.
func (k *Kernel) mapBootGlobals() {
	text := k.Pool.AllocPages(1)
	k.Pages.Zero(text)
	k.MM.MapGlobal(bootAddrKernelImage, text, arch.FlagRead|arch.FlagExec)

	mmio := k.Pool.AllocPages(1)
	k.Pages.Zero(mmio)
	k.MM.MapGlobal(bootAddrMMIO, mmio, arch.FlagRead|arch.FlagWrite)
}

// mountOrFormat runs fs.Format or fs.Mount on a dedicated boot thread: every file-system and cache
// operation expects a *sched.Thread to block against, and boot itself isn't one.
func (k *Kernel) mountOrFormat(cfg Config) error {
	done := make(chan struct{})
	var err error

	k.Sched.Create("boot.mount", 0, false, func(self *sched.Thread) {
		defer close(done)

		if cfg.format {
			k.FS, err = fs.Format(k.Sched, self, k.Cache, cfg.formatOpts)
			return
		}

		k.FS, err = fs.Mount(k.Sched, self, k.Cache)
	})
	<-done

	return err
}

// Spawn creates a new process running img, wiring file descriptors 0 and 1 to the kernel's console
// the first time the process's handle table is empty -- the boot-sequencer's equivalent of a real
// init process inheriting open standard streams, done here rather than in internal/proc because
// stdio assignment is a policy the boot environment owns, not something every process creator
// (including Fork, which must not re-wire a child's already-cloned handles) should repeat.
func (k *Kernel) Spawn(self *sched.Thread, name string, img loader.Image, body proc.Body) (*proc.Process, error) {
	wrapped := func(cself *sched.Thread, p *proc.Process) {
		if _, err := p.Handles.Get(0); err != nil {
			p.Handles.Install(uio.Open(newConsoleOps(k.Console)))
			p.Handles.Install(uio.Open(newConsoleOps(k.Console)))
		}

		body(cself, p)
	}

	return k.Procs.Spawn(self, name, img, wrapped)
}

// Shutdown stops the timer goroutine. Per design note §9, teardown of the rest of the boot
// sequence only runs on panic; Shutdown exists so tests and short-lived CLI invocations don't leak
// the timer goroutine across cases.
func (k *Kernel) Shutdown() {
	if k.stopTimer != nil {
		close(k.stopTimer)
		k.stopTimer = nil
	}
}
