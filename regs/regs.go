// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package regs implements typed accessors over an NVMe controller's MMIO
// BAR0, grounded on conn/mmr's "typed read/write over a byte-addressable
// register window" shape and on host/bcm283x's convention of representing
// each register as a named integer type with shift/mask constants and a
// String() method for debug logging.
//
// Every register offset below is fixed by the NVMe Base Specification and
// restated in spec.md §4.2.
package regs

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Offsets of the fixed-position registers, per spec.md §4.2.
const (
	offCAP  = 0x00
	offVS   = 0x08
	offCC   = 0x14
	offCSTS = 0x1C
	offAQA  = 0x24
	offASQ  = 0x28
	offACQ  = 0x30

	doorbellBase = 0x1000
)

// BAR is a typed view over a memory-mapped NVMe controller register
// window. It never allocates or frees the window itself — the caller
// (normally platform.Platform's mmap of BAR0) owns that memory's
// lifetime.
type BAR struct {
	mem []byte

	// dstrd is the doorbell stride exponent, latched once during bring-up
	// per spec.md §4.2 ("The doorbell stride (DSTRD) must be read once
	// during bring-up and used for every subsequent doorbell computation").
	dstrd   uint32
	latched bool
}

// New wraps mem, the MMIO window for BAR0. mem must be at least large
// enough to contain the doorbell register for every queue the caller
// intends to create.
func New(mem []byte) *BAR {
	return &BAR{mem: mem}
}

func (b *BAR) load32(off int) uint32 {
	p := (*uint32)(unsafe.Pointer(&b.mem[off]))
	return atomic.LoadUint32(p)
}

func (b *BAR) store32(off int, v uint32) {
	p := (*uint32)(unsafe.Pointer(&b.mem[off]))
	atomic.StoreUint32(p, v)
}

func (b *BAR) load64(off int) uint64 {
	p := (*uint64)(unsafe.Pointer(&b.mem[off]))
	return atomic.LoadUint64(p)
}

func (b *BAR) store64(off int, v uint64) {
	p := (*uint64)(unsafe.Pointer(&b.mem[off]))
	atomic.StoreUint64(p, v)
}

// CAP reads the Controller Capabilities register (0x00, RO).
func (b *BAR) CAP() Capability {
	return Capability(b.load64(offCAP))
}

// VS reads the Version register (0x08, RO).
func (b *BAR) VS() Version {
	return Version(b.load32(offVS))
}

// CC reads the Controller Configuration register (0x14, RW).
func (b *BAR) CC() Configuration {
	return Configuration(b.load32(offCC))
}

// SetCC writes the Controller Configuration register. Per spec.md §4.2
// this is only legal while the controller is disabled, except for the
// Enable bit transition itself; callers are expected to sequence calls
// correctly (the nvme package's bring-up state machine is the only
// caller).
func (b *BAR) SetCC(cc Configuration) {
	b.store32(offCC, uint32(cc))
}

// CSTS reads the Controller Status register (0x1C).
func (b *BAR) CSTS() Status {
	return Status(b.load32(offCSTS))
}

// SetAQA writes the Admin Queue Attributes register (0x24): sqSize/cqSize
// are zero-based depths (actual depth minus one), matching the wire
// encoding.
func (b *BAR) SetAQA(sqSizeZeroBased, cqSizeZeroBased uint32) error {
	if err := b.requireDisabled("AQA"); err != nil {
		return err
	}
	v := (sqSizeZeroBased & 0xFFF) | ((cqSizeZeroBased & 0xFFF) << 16)
	b.store32(offAQA, v)
	return nil
}

// SetASQ writes the Admin Submission Queue base address register (0x28).
// addr's low 12 bits must be zero (page-aligned).
func (b *BAR) SetASQ(addr uint64) error {
	if err := b.requireDisabled("ASQ"); err != nil {
		return err
	}
	if addr&0xFFF != 0 {
		return fmt.Errorf("regs: ASQ base address 0x%x is not page-aligned", addr)
	}
	b.store64(offASQ, addr)
	return nil
}

// SetACQ writes the Admin Completion Queue base address register (0x30).
func (b *BAR) SetACQ(addr uint64) error {
	if err := b.requireDisabled("ACQ"); err != nil {
		return err
	}
	if addr&0xFFF != 0 {
		return fmt.Errorf("regs: ACQ base address 0x%x is not page-aligned", addr)
	}
	b.store64(offACQ, addr)
	return nil
}

func (b *BAR) requireDisabled(reg string) error {
	cc := b.CC()
	csts := b.CSTS()
	if cc.Enabled() || csts.Ready() {
		return fmt.Errorf("regs: cannot write %s while controller is enabled/ready", reg)
	}
	return nil
}

// LatchDoorbellStride reads CAP.DSTRD once and remembers it for every
// subsequent doorbell offset computation, per spec.md §4.2.
func (b *BAR) LatchDoorbellStride() {
	b.dstrd = b.CAP().DSTRD()
	b.latched = true
}

// doorbellOffset computes 0x1000 + (2*qid + side)*(4 << DSTRD), per
// spec.md §4.2. side is 0 for the submission-queue tail doorbell, 1 for
// the completion-queue head doorbell.
func (b *BAR) doorbellOffset(qid uint16, side int) int {
	stride := 4 << b.dstrd
	return doorbellBase + (2*int(qid)+side)*int(stride)
}

// RingSubmissionTail writes the submission-queue tail doorbell for qid.
// Must be called after LatchDoorbellStride.
func (b *BAR) RingSubmissionTail(qid uint16, tail uint32) {
	b.store32(b.doorbellOffset(qid, 0), tail)
}

// RingCompletionHead writes the completion-queue head doorbell for qid.
// Must be called after LatchDoorbellStride.
func (b *BAR) RingCompletionHead(qid uint16, head uint32) {
	b.store32(b.doorbellOffset(qid, 1), head)
}

// ReadSubmissionTailDoorbell reads back the last value written to qid's
// submission-tail doorbell. Intended for device-side test simulators
// that observe host doorbell writes rather than for the bring-up/I-O
// path itself.
func (b *BAR) ReadSubmissionTailDoorbell(qid uint16) uint32 {
	return b.load32(b.doorbellOffset(qid, 0))
}

// AQA reads the Admin Queue Attributes register (0x24): zero-based
// submission and completion queue depths.
func (b *BAR) AQA() (sqSizeZeroBased, cqSizeZeroBased uint32) {
	v := b.load32(offAQA)
	return v & 0xFFF, (v >> 16) & 0xFFF
}

// ASQ reads the Admin Submission Queue base address register (0x28).
func (b *BAR) ASQ() uint64 { return b.load64(offASQ) }

// ACQ reads the Admin Completion Queue base address register (0x30).
func (b *BAR) ACQ() uint64 { return b.load64(offACQ) }

// SetCSTS is used by test device simulators to report RDY/CFS/SHST
// transitions; real hardware owns this register exclusively, but
// nvmetest plays the device's role in-process.
func (b *BAR) SetCSTS(s Status) {
	b.store32(offCSTS, uint32(s))
}

// SetVS is used by test device simulators (and, on real hardware, is
// burned into the controller at manufacturing time) to set the Version
// register.
func (b *BAR) SetVS(v Version) {
	b.store32(offVS, uint32(v))
}

// SetCAP is used by test device simulators to advertise CAP.
func (b *BAR) SetCAP(c Capability) {
	b.store64(offCAP, uint64(c))
}
