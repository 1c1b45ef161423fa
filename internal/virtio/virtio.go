// Package virtio implements the virtqueue block driver (C5): a legacy
// split-ring transport, a per-device free-descriptor stack, interrupt-driven
// completion, and the blocking fetch/store contract the block cache (C6)
// calls. The descriptor/avail/used ring shapes follow the pack's
// iansmith-mazarin virtqueue layout; the request framing (header/payload/
// status descriptor triple) and feature-bit names follow the pack's
// tinyrange-cc virtio-blk driver, reworked from an MMIO register file into a
// Go struct because this kernel has no real bus to poke.
//
// There is, on a real machine, genuine asynchrony between "notify the
// device" and "the device raises completed": here that boundary is the one
// place a background goroutine — not a scheduled Thread — touches state
// shared with the scheduler, synchronized through the kernel's own lock
// (Kernel.WithLock/Signal) rather than a second ad hoc mutex, because it
// stands in for actual hardware running outside the single hart.
package virtio

import (
	"errors"
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/plic"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
)

// SectorSize is the fixed transport sector size, per §6.
const SectorSize = 512

// Request types, per §4.5's wire layout.
const (
	ReqRead  uint32 = 0
	ReqWrite uint32 = 1
)

// Status codes written into the status descriptor by the device.
const (
	StatusOK          byte = 0
	StatusIOErr       byte = 1
	StatusUnsupported byte = 2
	statusPending      byte = 0xFF
)

// Feature bits. Values match the real virtio 1.2 bit assignments so a reader
// familiar with the spec recognizes them immediately.
type Features uint64

const (
	FeatureIndirectDesc Features = 1 << 28 // VIRTIO_RING_F_INDIRECT_DESC
	FeatureRingReset    Features = 1 << 40 // VIRTIO_F_RING_RESET
	FeatureBlkSize      Features = 1 << 6  // VIRTIO_BLK_F_BLK_SIZE
	FeatureTopology     Features = 1 << 10 // VIRTIO_BLK_F_TOPOLOGY
)

// required is the feature set the driver refuses to operate without, per
// §4.5's "Needs INDIRECT_DESC and RING_RESET".
const required = FeatureIndirectDesc | FeatureRingReset

// wanted is advisory: negotiated if offered, but their absence is not fatal.
const wanted = FeatureBlkSize | FeatureTopology

// ErrShortCount is returned when fewer than three descriptors are free; the
// caller is expected to retry, per §4.5.
var ErrShortCount = errors.New("virtio: short count, no free descriptors")

// ErrFeatureMissing means the device did not offer a required feature; the
// driver is left inert.
var ErrFeatureMissing = errors.New("virtio: required feature not offered by device")

// BackingStore is the storage a Device reads and writes. *os.File satisfies
// it directly.
type BackingStore interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

const (
	descFNext  uint16 = 1 << 0
	descFWrite uint16 = 1 << 1
)

type descriptor struct {
	buf   []byte
	flags uint16
	next  uint16
}

type usedEntry struct {
	id  uint16
	len uint32
}

type triple struct {
	header, payload, status uint16
}

// Queue is one split-ring virtqueue: descriptor table, avail ring (modeled
// as the index sequence the driver has posted), used ring, and the
// per-device ownership lock + done condition named in §5.
//
// desc/free/pending are touched only by requesting threads while they hold
// lock, which serializes them the ordinary cooperative way. status/used/
// usedIdx/lastUsedSeen are also touched by the device's completion
// goroutine, which is not a scheduled Thread and so cannot take lock; those
// fields are instead synchronized through the kernel's own mutex via
// Signal/WithLock/WaitUntil, the one place this driver's critical sections
// cross from the single-hart world into a real background goroutine.
type Queue struct {
	size uint16

	desc []descriptor
	free []uint16 // free-descriptor stack

	availIdx uint16

	used         []usedEntry
	usedIdx      uint16
	lastUsedSeen uint16
	status       []byte
	pending      map[uint16]triple

	lock *sched.Lock
	done *sched.Condition
}

func newQueue(size uint16) *Queue {
	free := make([]uint16, size)
	for i := range free {
		free[i] = uint16(len(free)) - 1 - uint16(i) // pop from the end gives ascending indices first
	}

	return &Queue{
		size:    size,
		desc:    make([]descriptor, size),
		free:    free,
		status:  make([]byte, size),
		pending: make(map[uint16]triple),
		lock:    sched.NewLock("virtio.queue"),
		done:    sched.NewCondition("virtio.done"),
	}
}

func (q *Queue) popFree() (uint16, bool) {
	if len(q.free) == 0 {
		return 0, false
	}

	idx := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]

	return idx, true
}

func (q *Queue) pushFree(idx uint16) {
	q.free = append(q.free, idx)
}

// Device is a virtio block device: the queue, a backing store, and the PLIC
// wiring used to deliver completion interrupts.
type Device struct {
	q         *Queue
	store     BackingStore
	capacity  uint64 // sectors
	readOnly  bool
	offered   Features
	negotiated Features

	controller *plic.PLIC
	irq        plic.Source
	im         *sched.InterruptManager
	k          *sched.Kernel

	interruptStatus uint32 // guarded by k's lock, like q.status/q.used

	log *log.Logger
}

// NewDevice creates a block device of the given capacity (bytes), backed by
// store, wired to controller on source irq. queueSize must be a power of
// two; the caller negotiates features with Negotiate before issuing I/O.
func NewDevice(store BackingStore, capacityBytes uint64, readOnly bool, controller *plic.PLIC, irq plic.Source, queueSize uint16) *Device {
	d := &Device{
		q:          newQueue(queueSize),
		store:      store,
		capacity:   capacityBytes / SectorSize,
		readOnly:   readOnly,
		offered:    required | wanted,
		controller: controller,
		irq:        irq,
		log:        log.DefaultLogger().With("component", "virtio", "irq", irq),
	}

	controller.Enable(irq)

	return d
}

// Attach registers the device's interrupt-service routine with im, per C4's
// claim/invoke/complete path. k is the thread kernel whose done condition
// the ISR broadcasts; it must be the same kernel passed to NewDisk.
func (d *Device) Attach(k *sched.Kernel, im *sched.InterruptManager) {
	d.k = k
	d.im = im
	im.Enable(d.irq, d.serviceInterrupt, nil)
}

// Negotiate checks requested against the device's offered features. It fails
// if a required feature (INDIRECT_DESC, RING_RESET) is missing from either
// side; optional features are masked in only if both sides offer them.
func (d *Device) Negotiate(requested Features) (Features, error) {
	if d.offered&required != required {
		return 0, fmt.Errorf("%w: device side", ErrFeatureMissing)
	}

	if requested&required != required {
		return 0, fmt.Errorf("%w: driver side", ErrFeatureMissing)
	}

	d.negotiated = required | (requested & d.offered & wanted)

	return d.negotiated, nil
}

// serviceInterrupt is the ISR half of §4.5's completion protocol: read
// interrupt_status, no-op if zero, acknowledge exactly the observed bits,
// then broadcast the done condition. Reclaim of descriptors happens in the
// waiter, not here, per the resolved Open Question on reclaim ownership.
func (d *Device) serviceInterrupt(plic.Source, any) {
	var bits uint32

	d.k.WithLock(func() {
		bits = d.interruptStatus
	})

	if bits == 0 {
		return
	}

	d.k.Signal(func() {
		d.interruptStatus &^= bits
	}, d.q.done)
}

// processOne runs the device side of a single request synchronously: read or
// write the backing store, write the status byte, append a used-ring entry,
// raise the device's interrupt line. It stands in for the real device's
// independent hardware timeline; see the package doc.
func (d *Device) processOne(head uint16, t triple) {
	hdrDesc := d.q.desc[t.header]
	reqType := uint32(hdrDesc.buf[0]) | uint32(hdrDesc.buf[1])<<8 | uint32(hdrDesc.buf[2])<<16 | uint32(hdrDesc.buf[3])<<24
	sector := uint64(0)

	for i := 0; i < 8; i++ {
		sector |= uint64(hdrDesc.buf[8+i]) << (8 * i)
	}

	payload := d.q.desc[t.payload]
	offset := int64(sector) * SectorSize

	var status byte
	var n int
	var err error

	switch reqType {
	case ReqRead:
		n, err = d.store.ReadAt(payload.buf, offset)
		if err != nil && n == 0 {
			status = StatusIOErr
		} else {
			status = StatusOK
		}
	case ReqWrite:
		if d.readOnly {
			status = StatusIOErr
		} else {
			n, err = d.store.WriteAt(payload.buf, offset)
			if err != nil && n == 0 {
				status = StatusIOErr
			} else {
				status = StatusOK
			}
		}
	default:
		status = StatusUnsupported
	}

	// Set the predicate and raise the line; the actual wakeup is the ISR's
	// job (serviceInterrupt), not this goroutine's, matching §4.5's split
	// between "device completes" and "ISR broadcasts done".
	d.k.WithLock(func() {
		d.q.status[t.status] = status
		d.q.used = append(d.q.used, usedEntry{id: uint16(head), len: uint32(n)})
		d.q.usedIdx++
		d.interruptStatus |= 1
	})

	d.controller.Raise(d.irq)

	// No real interrupt controller notifies this goroutine's caller to
	// claim the source; a single-device teaching kernel can afford to
	// service it immediately instead of waiting for the next trap return.
	if d.im != nil {
		d.im.ServiceExternal()
	}
}

// notify is called by the driver after posting to the avail ring; it hands
// the request to the device's own goroutine, which is the one place this
// package models genuine hardware-speed asynchrony (see package doc).
func (d *Device) notify(head uint16, t triple) {
	go d.processOne(head, t)
}

// Disk is the driver-facing handle fetch/store operate on. k must be the
// same kernel passed to dev's Attach call.
type Disk struct {
	k   *sched.Kernel
	dev *Device
	q   *Queue
}

// NewDisk wraps dev for use by a particular thread kernel.
func NewDisk(k *sched.Kernel, dev *Device) *Disk {
	return &Disk{k: k, dev: dev, q: dev.q}
}

// submitOne issues exactly one 512-byte sector request and blocks until it
// completes, returning the status byte and bytes transferred.
func (disk *Disk) submitOne(self *sched.Thread, reqType uint32, sector uint64, buf []byte) (byte, int, error) {
	k := disk.k
	q := disk.q

	k.Acquire(self, q.lock)

	headerIdx, ok1 := q.popFree()
	payloadIdx, ok2 := q.popFree()
	statusIdx, ok3 := q.popFree()

	if !ok1 || !ok2 || !ok3 {
		if ok1 {
			q.pushFree(headerIdx)
		}
		if ok2 {
			q.pushFree(payloadIdx)
		}
		if ok3 {
			q.pushFree(statusIdx)
		}

		k.Release(self, q.lock)

		return 0, 0, ErrShortCount
	}

	hdr := make([]byte, 16)
	hdr[0] = byte(reqType)
	hdr[1] = byte(reqType >> 8)
	hdr[2] = byte(reqType >> 16)
	hdr[3] = byte(reqType >> 24)

	for i := 0; i < 8; i++ {
		hdr[8+i] = byte(sector >> (8 * i))
	}

	q.desc[headerIdx] = descriptor{buf: hdr, flags: descFNext, next: payloadIdx}

	payloadFlags := descFNext
	if reqType == ReqRead {
		payloadFlags |= descFWrite
	}

	q.desc[payloadIdx] = descriptor{buf: buf, flags: payloadFlags, next: statusIdx}
	q.desc[statusIdx] = descriptor{buf: nil, flags: descFWrite}

	k.WithLock(func() {
		q.status[statusIdx] = statusPending
	})

	head := headerIdx
	t := triple{header: headerIdx, payload: payloadIdx, status: statusIdx}
	q.pending[head] = t

	q.availIdx++

	k.Release(self, q.lock)

	disk.dev.notify(head, t)

	k.Acquire(self, q.lock)

	k.WaitUntil(self, q.done, func() bool {
		return q.status[statusIdx] != statusPending
	})

	var finalStatus byte

	k.WithLock(func() {
		for q.lastUsedSeen != q.usedIdx {
			entry := q.used[q.lastUsedSeen]
			pt, known := q.pending[entry.id]

			if known {
				delete(q.pending, entry.id)
			}

			q.lastUsedSeen++

			if known {
				q.pushFree(pt.status)
				q.pushFree(pt.payload)
				q.pushFree(pt.header)
			}
		}

		finalStatus = q.status[statusIdx]
	})

	k.Release(self, q.lock)

	n := len(buf)
	if finalStatus != StatusOK {
		n = 0
	}

	return finalStatus, n, nil
}

// Fetch fills buf with len(buf) bytes starting at byte offset pos, clamped
// to the device's capacity. Unaligned starts/ends are handled with a
// read-modify-slice through a sector scratch buffer, per §4.5.
func (disk *Disk) Fetch(self *sched.Thread, pos uint64, buf []byte) (int, error) {
	capBytes := disk.dev.capacity * SectorSize
	if pos >= capBytes {
		return 0, nil
	}

	want := len(buf)
	if pos+uint64(want) > capBytes {
		want = int(capBytes - pos)
	}

	transferred := 0
	scratch := make([]byte, SectorSize)

	for transferred < want {
		sector := (pos + uint64(transferred)) / SectorSize
		sectorOff := int((pos + uint64(transferred)) % SectorSize)

		status, _, err := disk.submitOne(self, ReqRead, sector, scratch)
		if err != nil {
			return transferred, err
		}
		if status != StatusOK {
			return transferred, fmt.Errorf("virtio: read sector %d: device status %d", sector, status)
		}

		n := copy(buf[transferred:want], scratch[sectorOff:])
		transferred += n
	}

	return transferred, nil
}

// Store writes len(buf) bytes from buf to byte offset pos, clamped to
// capacity. Unaligned edges require a read-before-write of the partial
// sector, per §4.5.
func (disk *Disk) Store(self *sched.Thread, pos uint64, buf []byte) (int, error) {
	capBytes := disk.dev.capacity * SectorSize
	if pos >= capBytes {
		return 0, nil
	}

	want := len(buf)
	if pos+uint64(want) > capBytes {
		want = int(capBytes - pos)
	}

	transferred := 0
	scratch := make([]byte, SectorSize)

	for transferred < want {
		sector := (pos + uint64(transferred)) / SectorSize
		sectorOff := int((pos + uint64(transferred)) % SectorSize)
		n := copy(scratch[sectorOff:], buf[transferred:want])

		if sectorOff != 0 || n < SectorSize {
			status, _, err := disk.submitOne(self, ReqRead, sector, scratch)
			if err != nil {
				return transferred, err
			}
			if status != StatusOK {
				return transferred, fmt.Errorf("virtio: read-before-write sector %d: device status %d", sector, status)
			}

			copy(scratch[sectorOff:], buf[transferred:want])
		}

		status, _, err := disk.submitOne(self, ReqWrite, sector, scratch)
		if err != nil {
			return transferred, err
		}
		if status != StatusOK {
			return transferred, fmt.Errorf("virtio: write sector %d: device status %d", sector, status)
		}

		transferred += n
	}

	return transferred, nil
}

// Capacity reports the device's capacity in bytes.
func (d *Device) Capacity() uint64 { return d.capacity * SectorSize }
