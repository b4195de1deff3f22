// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package command

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SubmissionSize is the fixed size of an NVMe submission queue entry, in
// bytes. Per spec.md §3.
const SubmissionSize = 64

// CompletionSize is the fixed size of an NVMe completion queue entry, in
// bytes. Per spec.md §3.
const CompletionSize = 16

// Submission is a 64-byte NVMe submission queue entry. Field layout
// mirrors original_source/src/queue.rs's NvmeSubmission #[repr(C)]
// struct; all values are little-endian on the wire.
type Submission struct {
	CDW0 uint32
	NSID uint32

	_ uint32 // CDW2, reserved
	_ uint32 // CDW3, reserved

	Metadata uint64
	PRP1     uint64
	PRP2     uint64

	CDW10 uint32
	CDW11 uint32
	CDW12 uint32
	CDW13 uint32
	CDW14 uint32
	CDW15 uint32
}

// Completion is a 16-byte NVMe completion queue entry.
type Completion struct {
	Result    uint64
	SQHead    uint16
	SQID      uint16
	CommandID uint16
	Status    uint16
}

// Phase reports the completion entry's phase bit (bit 0 of Status).
func (c Completion) Phase() bool { return c.Status&1 != 0 }

// StatusCode returns the NVMe status code (bits 15:1 of Status, with the
// phase bit stripped).
func (c Completion) StatusCode() uint16 { return c.Status >> 1 }

// MarshalBinary implements encoding.BinaryMarshaler, writing the 64-byte
// little-endian wire representation.
func (s Submission) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Grow(SubmissionSize)
	if err := binary.Write(buf, binary.LittleEndian, s); err != nil {
		return nil, fmt.Errorf("command: encoding submission entry: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *Submission) UnmarshalBinary(b []byte) error {
	if len(b) < SubmissionSize {
		return fmt.Errorf("command: submission entry too short: %d bytes", len(b))
	}
	return binary.Read(bytes.NewReader(b[:SubmissionSize]), binary.LittleEndian, s)
}

// MarshalBinary implements encoding.BinaryMarshaler, writing the 16-byte
// little-endian wire representation. Real hardware never needs this (the
// device writes completions, never the host), but nvmetest's fake device
// plays that role in process.
func (c Completion) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Grow(CompletionSize)
	if err := binary.Write(buf, binary.LittleEndian, c); err != nil {
		return nil, fmt.Errorf("command: encoding completion entry: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalCompletion decodes a 16-byte completion entry.
func UnmarshalCompletion(b []byte) (Completion, error) {
	var c Completion
	if len(b) < CompletionSize {
		return c, fmt.Errorf("command: completion entry too short: %d bytes", len(b))
	}
	err := binary.Read(bytes.NewReader(b[:CompletionSize]), binary.LittleEndian, &c)
	return c, err
}

// encodeCDW0 packs CDW0: opcode[7:0], fused[9:8], PSDT[15:14],
// command-id[31:16]. This module never uses fused commands or anything
// but PRP-based data transfer, so those fields are always zero.
func encodeCDW0(op Opcode, commandID uint16) uint32 {
	return uint32(op) | uint32(commandID)<<16
}

// Identify constructs an Identify command (opcode 0x06). cns selects the
// structure (CNSNamespace, CNSController, CNSActiveNamespaceIDs); prp1 is
// the bus address of a 4KiB zeroed buffer the device will fill.
func Identify(cns uint32, nsid uint32, prp1 uint64, commandID uint16) Submission {
	return Submission{
		CDW0:  encodeCDW0(OpIdentify, commandID),
		NSID:  nsid,
		PRP1:  prp1,
		CDW10: cns,
	}
}

// SetFeaturesNumberOfQueues constructs a Set Features command requesting
// nsq submission queues and ncq completion queues (both 1-based counts;
// the wire encoding is count-1).
func SetFeaturesNumberOfQueues(nsq, ncq uint32, commandID uint16) Submission {
	return Submission{
		CDW0:  encodeCDW0(OpSetFeatures, commandID),
		CDW10: FeatureNumberOfQueues,
		CDW11: (nsq - 1) | (ncq-1)<<16,
	}
}

// CreateIOCompletionQueue constructs a Create I/O Completion Queue
// command. qid is the new queue's id, depth is its entry count
// (1-based), prp1 is the ring's bus address, ien enables interrupts (this
// module always passes false, since it uses polled completion per
// spec.md §4.5), and iv is the interrupt vector (ignored when ien is
// false).
func CreateIOCompletionQueue(qid uint16, depth uint16, prp1 uint64, ien bool, iv uint16, commandID uint16) Submission {
	var cdw11 uint32 = 1 // PC: physically contiguous, always true (spec.md §4.5)
	if ien {
		cdw11 |= 1 << 1
	}
	cdw11 |= uint32(iv) << 16
	return Submission{
		CDW0:  encodeCDW0(OpCreateIOCompletionQueue, commandID),
		PRP1:  prp1,
		CDW10: uint32(qid) | uint32(depth-1)<<16,
		CDW11: cdw11,
	}
}

// CreateIOSubmissionQueue constructs a Create I/O Submission Queue
// command. qid/depth/prp1 describe the new submission queue; priority is
// the arbitration priority (0 in round-robin mode); cqid names the
// completion queue this submission queue drains into.
func CreateIOSubmissionQueue(qid uint16, depth uint16, prp1 uint64, priority uint8, cqid uint16, commandID uint16) Submission {
	cdw11 := uint32(1) // PC: physically contiguous
	cdw11 |= uint32(priority&0x3) << 1
	cdw11 |= uint32(cqid) << 16
	return Submission{
		CDW0:  encodeCDW0(OpCreateIOSubmissionQueue, commandID),
		PRP1:  prp1,
		CDW10: uint32(qid) | uint32(depth-1)<<16,
		CDW11: cdw11,
	}
}

// NVMRead constructs an NVM Read command (opcode 0x02 in the I/O command
// set). startingLBA and blockCount (1-based) describe the transfer;
// prp1 is the destination buffer's bus address. The caller is
// responsible for ensuring the transfer fits within
// [prp1, prp1+2*pageSize) — PRP2/multi-page PRP lists are out of scope
// per spec.md §1.
func NVMRead(nsid uint32, prp1 uint64, startingLBA uint64, blockCount uint16, commandID uint16) Submission {
	return nvmReadWrite(OpNVMRead, nsid, prp1, startingLBA, blockCount, commandID)
}

// NVMWrite constructs an NVM Write command (opcode 0x01 in the I/O
// command set). See NVMRead for field semantics.
func NVMWrite(nsid uint32, prp1 uint64, startingLBA uint64, blockCount uint16, commandID uint16) Submission {
	return nvmReadWrite(OpNVMWrite, nsid, prp1, startingLBA, blockCount, commandID)
}

func nvmReadWrite(op Opcode, nsid uint32, prp1 uint64, startingLBA uint64, blockCount uint16, commandID uint16) Submission {
	return Submission{
		CDW0:  encodeCDW0(op, commandID),
		NSID:  nsid,
		PRP1:  prp1,
		CDW10: uint32(startingLBA),
		CDW11: uint32(startingLBA >> 32),
		CDW12: uint32(blockCount - 1),
	}
}
