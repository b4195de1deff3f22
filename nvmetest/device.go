// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package nvmetest implements a fake NVMe controller that answers
// submission-queue entries with synthesized completions, entirely in
// process memory. It lets package nvme's bring-up state machine and
// block I/O path be exercised end-to-end (spec.md §8's scenarios)
// without real hardware.
//
// Grounded on conn/conntest's convention (periph.io/x/periph) of a fake
// that implements the real collaborator's wire contract rather than
// stubbing out the caller — here the "collaborator" is the NVMe device
// itself, observed through the same MMIO BAR bytes and DMA regions the
// real queue/regs/command packages use.
package nvmetest

import (
	"runtime"
	"sync"

	"nvmehost.dev/x/nvme/command"
	"nvmehost.dev/x/nvme/platform/fakemem"
	"nvmehost.dev/x/nvme/regs"
)

// NamespaceModel describes one namespace the fake device exposes.
type NamespaceModel struct {
	ID           uint32
	LBASize      uint32
	LBACount     uint64
	MetadataSize uint32

	data []byte
}

// ControllerInfo is the subset of Identify Controller fields the fake
// device reports, mirroring original_source/src/command.rs's
// ControllerData layout.
type ControllerInfo struct {
	VendorID, ProductID                 uint16
	SerialNumber, ModelNumber, Firmware string
	SQESMin, SQESMax, CQESMin, CQESMax  uint8
	MaxCmd                              uint16
}

// Config configures a fake Device.
type Config struct {
	MQES  uint32 // max queue entries supported, encoded as depth-1
	DSTRD uint32
	TO    uint32 // ready timeout, 500ms units
	MPSMIN, MPSMAX uint32

	VersionMajor, VersionMinor, VersionTertiary uint32

	Controller ControllerInfo
	Namespaces []*NamespaceModel

	// GrantedIOQueues caps the number of I/O queue pairs the device
	// grants on Set Features: Number of Queues, regardless of what was
	// requested. Zero means "grant whatever was requested."
	GrantedIOQueues uint32
}

type simQueue struct {
	isAdmin bool
	sqBus   uint64
	cqBus   uint64
	sqDepth uint32
	cqDepth uint32

	sqProcessed uint32
	cqWrite     uint32
	cqPhase     bool // starts true: differs from the host's stored-phase initial value of false.
}

// Device is a fake NVMe controller driven by doorbell writes to a shared
// BAR window and DMA regions allocated from a shared fakemem.Platform.
type Device struct {
	bar  *regs.BAR
	plat *fakemem.Platform
	cfg  Config

	mu         sync.Mutex
	namespaces map[uint32]*NamespaceModel
	nsOrder    []uint32
	queues     map[uint16]*simQueue
	pendingCQ  map[uint16]struct {
		bus   uint64
		depth uint32
	}
	forcedStatus map[uint16]uint16

	wasEnabled bool

	stop chan struct{}
	done chan struct{}
}

// NewDevice constructs a fake device over mem (the simulated MMIO BAR
// window) and plat (the fakemem.Platform the controller-under-test will
// also use for DMA). It writes the configured CAP/VS registers
// immediately and starts the background processing loop.
func NewDevice(mem []byte, plat *fakemem.Platform, cfg Config) *Device {
	bar := regs.New(mem)

	var capBits uint64
	capBits |= uint64(cfg.MQES) & 0xFFFF
	capBits |= uint64(cfg.TO&0xFF) << 24
	capBits |= uint64(cfg.DSTRD&0xF) << 32
	capBits |= uint64(cfg.MPSMIN&0xF) << 48
	capBits |= uint64(cfg.MPSMAX&0xF) << 52
	bar.SetCAP(regs.Capability(capBits))

	vs := uint32(cfg.VersionMajor)<<16 | uint32(cfg.VersionMinor)<<8 | uint32(cfg.VersionTertiary)
	bar.SetVS(regs.Version(vs))

	d := &Device{
		bar:          bar,
		plat:         plat,
		cfg:          cfg,
		namespaces:   map[uint32]*NamespaceModel{},
		queues:       map[uint16]*simQueue{},
		forcedStatus: map[uint16]uint16{},
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		pendingCQ: map[uint16]struct {
			bus   uint64
			depth uint32
		}{},
	}
	for _, ns := range cfg.Namespaces {
		ns.data = make([]byte, ns.LBACount*uint64(ns.LBASize))
		d.namespaces[ns.ID] = ns
		d.nsOrder = append(d.nsOrder, ns.ID)
	}

	go d.run()
	return d
}

// BAR returns the register view the controller-under-test should use.
func (d *Device) BAR() *regs.BAR { return d.bar }

// ForceNextStatus makes the next completion served on qid carry the
// given raw NVMe status code instead of whatever the command would
// normally produce, to exercise spec.md §8 scenario 6 without needing an
// actually-invalid command.
func (d *Device) ForceNextStatus(qid uint16, statusCode uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forcedStatus[qid] = statusCode
}

// Close stops the background processing loop.
func (d *Device) Close() {
	close(d.stop)
	<-d.done
}

func (d *Device) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		d.tick()
		runtime.Gosched()
	}
}

func (d *Device) tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cc := d.bar.CC()
	if cc.Enabled() && !d.wasEnabled {
		d.handleEnable()
	} else if !cc.Enabled() && d.wasEnabled {
		// A controller reset discards all queue state, doorbells included.
		for qid := range d.queues {
			d.bar.RingSubmissionTail(qid, 0)
			d.bar.RingCompletionHead(qid, 0)
			delete(d.queues, qid)
		}
		for qid := range d.pendingCQ {
			delete(d.pendingCQ, qid)
		}
		d.bar.SetCSTS(regs.Status(0))
	}
	d.wasEnabled = cc.Enabled()

	for qid, q := range d.queues {
		d.drain(qid, q)
	}
}

// handleEnable registers the admin queue from AQA/ASQ/ACQ and raises
// CSTS.RDY, mirroring spec.md §4.5's Disabled -> Ready transition as
// observed from the device side.
func (d *Device) handleEnable() {
	sqSize, cqSize := d.bar.AQA()
	d.queues[0] = &simQueue{
		isAdmin: true,
		sqBus:   d.bar.ASQ(),
		cqBus:   d.bar.ACQ(),
		sqDepth: sqSize + 1,
		cqDepth: cqSize + 1,
		cqPhase: true,
	}
	d.bar.SetCSTS(regs.Status(1)) // RDY=1
}

func (d *Device) drain(qid uint16, q *simQueue) {
	tail := d.bar.ReadSubmissionTailDoorbell(qid)
	for q.sqProcessed != tail {
		d.serve(qid, q)
		q.sqProcessed = (q.sqProcessed + 1) % q.sqDepth
	}
}

func (d *Device) serve(qid uint16, q *simQueue) {
	raw, err := d.plat.Resolve(q.sqBus+uint64(q.sqProcessed)*command.SubmissionSize, command.SubmissionSize)
	if err != nil {
		return
	}
	var s command.Submission
	if err := s.UnmarshalBinary(raw); err != nil {
		return
	}
	opcode := byte(s.CDW0)
	commandID := uint16(s.CDW0 >> 16)

	var result uint64
	var status uint16

	if forced, ok := d.forcedStatus[qid]; ok {
		status = forced
		delete(d.forcedStatus, qid)
	} else if q.isAdmin {
		result, status = d.execAdmin(opcode, s)
	} else {
		status = d.execIO(opcode, s)
	}

	d.complete(qid, q, commandID, result, status)
}

func (d *Device) complete(qid uint16, q *simQueue, commandID uint16, result uint64, statusCode uint16) {
	c := command.Completion{
		Result:    result,
		SQID:      qid,
		CommandID: commandID,
		Status:    statusCode<<1 | boolBit(q.cqPhase),
	}
	b, _ := c.MarshalBinary()
	cqBuf, err := d.plat.Resolve(q.cqBus+uint64(q.cqWrite)*command.CompletionSize, command.CompletionSize)
	if err == nil {
		copy(cqBuf, b)
	}
	q.cqWrite++
	if q.cqWrite == q.cqDepth {
		q.cqWrite = 0
		q.cqPhase = !q.cqPhase
	}
}

func boolBit(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
