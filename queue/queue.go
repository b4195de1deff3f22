// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package queue implements the NVMe submission/completion queue pair:
// ring-buffered DMA memory, doorbell writes, phase-bit based completion
// detection, and the synchronous submit-and-wait primitive of spec.md
// §4.4. Grounded on original_source/src/queue.rs's NvmeQueue (ring
// depth, cq_head/cq_phase/sq_tail bookkeeping) and
// original_source/src/registers.rs's doorbell write helpers, with the
// phase-bit initial value and toggle-on-wrap semantics corrected to
// match spec.md §4.4 rather than the Rust source's cq_phase=1 initial
// value and no-op `phase ^= phase` toggle (both named as bugs in
// spec.md §9, not to be carried forward).
package queue

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"nvmehost.dev/x/nvme/command"
	"nvmehost.dev/x/nvme/internal/perr"
	"nvmehost.dev/x/nvme/platform"
	"nvmehost.dev/x/nvme/regs"
)

// commandIDCounter is the process-wide monotonic command-id source of
// spec.md §3. Uniqueness is only required within a single queue with
// outstanding commands; the synchronous path guarantees at most one
// outstanding command per queue, so a shared counter across all queue
// pairs is sufficient.
var commandIDCounter uint32

func nextCommandID() uint16 {
	return uint16(atomic.AddUint32(&commandIDCounter, 1))
}

// QueuePair is one submission/completion ring pair, identified by qid
// (0 for the admin queue, >=1 for I/O queues).
type QueuePair struct {
	qid uint16

	bar  *regs.BAR
	plat platform.Platform

	sqDepth uint32
	cqDepth uint32

	sq platform.DMARegion
	cq platform.DMARegion

	sqTail uint32
	cqHead uint32
	phase  bool // stored phase; spec.md §3/§4.4 mandates initial value false (0).

	fatal error
}

// New allocates a submission ring of sqDepth entries and a completion
// ring of cqDepth entries and returns a QueuePair bound to qid. Per
// spec.md §3, both rings must be page-aligned and physically contiguous;
// callers (the nvme package) are responsible for enforcing
// 1 <= depth <= MQES+1 using the controller's CAP.MQES, since this
// package has no access to that register.
func New(qid uint16, bar *regs.BAR, plat platform.Platform, sqDepth, cqDepth uint32) (*QueuePair, error) {
	if sqDepth == 0 || cqDepth == 0 {
		return nil, fmt.Errorf("%w: queue depth must be at least 1", perr.ErrInvalidArgument)
	}

	pageSize := plat.PageSize()
	sq, err := plat.DMAAlloc(int(sqDepth)*command.SubmissionSize, pageSize, platform.HostToDevice)
	if err != nil {
		return nil, err
	}
	cq, err := plat.DMAAlloc(int(cqDepth)*command.CompletionSize, pageSize, platform.DeviceToHost)
	if err != nil {
		_ = plat.DMAFree(sq)
		return nil, err
	}

	return &QueuePair{
		qid:     qid,
		bar:     bar,
		plat:    plat,
		sqDepth: sqDepth,
		cqDepth: cqDepth,
		sq:      sq,
		cq:      cq,
		phase:   false,
	}, nil
}

// QID returns this queue pair's id.
func (q *QueuePair) QID() uint16 { return q.qid }

// SubmissionBusAddr returns the submission ring's bus address, for
// Create I/O Submission Queue's PRP1 field.
func (q *QueuePair) SubmissionBusAddr() uint64 { return q.sq.Bus }

// CompletionBusAddr returns the completion ring's bus address, for
// Create I/O Completion Queue's PRP1 field.
func (q *QueuePair) CompletionBusAddr() uint64 { return q.cq.Bus }

// SubmissionDepth returns the submission ring's depth in entries.
func (q *QueuePair) SubmissionDepth() uint32 { return q.sqDepth }

// CompletionDepth returns the completion ring's depth in entries.
func (q *QueuePair) CompletionDepth() uint32 { return q.cqDepth }

// SubmissionTail returns the current submission tail index, for testing
// the "tail == k mod D after k submissions" invariant of spec.md §8.
func (q *QueuePair) SubmissionTail() uint32 { return q.sqTail }

// Close releases both DMA rings. The caller guarantees the device is no
// longer referencing this queue pair (i.e. the corresponding Delete I/O
// SQ/CQ commands, if any, have already completed).
func (q *QueuePair) Close() error {
	if err := q.plat.DMAFree(q.sq); err != nil {
		return err
	}
	return q.plat.DMAFree(q.cq)
}

// SubmitSync assigns a command-id, writes the entry to the current tail
// position, rings the submission doorbell, then spins until the
// matching completion arrives. Exactly one command may be outstanding
// at a time on a given queue pair (spec.md §4.4's synchronous-path
// invariant).
func (q *QueuePair) SubmitSync(s command.Submission) (command.Completion, error) {
	if q.fatal != nil {
		return command.Completion{}, q.fatal
	}
	if q.bar.CSTS().Fatal() {
		q.fatal = perr.ErrControllerFatal
		return command.Completion{}, q.fatal
	}

	commandID := nextCommandID()
	s.CDW0 = (s.CDW0 &^ (uint32(0xFFFF) << 16)) | uint32(commandID)<<16

	entry, err := s.MarshalBinary()
	if err != nil {
		return command.Completion{}, err
	}

	off := int(q.sqTail) * command.SubmissionSize
	copy(q.sq.Virt[off:off+command.SubmissionSize], entry)
	// Release barrier: all submission-entry bytes must be visible to the
	// device before the doorbell write (spec.md §5).
	q.plat.FlushForDevice(unsafe.Pointer(&q.sq.Virt[off]), command.SubmissionSize)

	q.sqTail = (q.sqTail + 1) % q.sqDepth
	q.bar.RingSubmissionTail(q.qid, q.sqTail)

	for {
		coff := int(q.cqHead) * command.CompletionSize
		// Acquire barrier: read with an invalidate so the phase bit
		// reflects current device state (spec.md §5).
		q.plat.InvalidateForHost(unsafe.Pointer(&q.cq.Virt[coff]), command.CompletionSize)
		c, err := command.UnmarshalCompletion(q.cq.Virt[coff : coff+command.CompletionSize])
		if err != nil {
			return command.Completion{}, err
		}

		if c.Phase() == q.phase {
			if q.bar.CSTS().Fatal() {
				q.fatal = perr.ErrControllerFatal
				return command.Completion{}, q.fatal
			}
			runtime.Gosched()
			continue
		}

		q.cqHead++
		if q.cqHead == q.cqDepth {
			q.cqHead = 0
			q.phase = !q.phase
		}
		q.bar.RingCompletionHead(q.qid, q.cqHead)

		if c.CommandID != commandID {
			return c, fmt.Errorf("queue: completion command-id mismatch: got %#x want %#x", c.CommandID, commandID)
		}
		if code := c.StatusCode(); code != 0 {
			return c, &perr.DeviceError{Raw: code}
		}
		return c, nil
	}
}
