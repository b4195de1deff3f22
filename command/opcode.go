// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package command implements the NVMe submission/completion entry wire
// layout (spec.md §3) and constructors for the admin and I/O commands
// this module issues (spec.md §4.3). Grounded on
// original_source/src/command.rs's Opcode::new(generic, function,
// data_transfer) encoding and original_source/src/queue.rs's
// NvmeSubmission/NvmeCompletion #[repr(C)] layouts.
package command

// Opcode identifies an admin or I/O command. The byte value packs
// generic<<7 | function<<2 | data_transfer, per the NVMe base
// specification; this module names the resulting bytes directly rather
// than the generic/function/transfer triple, since only a fixed catalog
// is implemented (spec.md §4.3's table).
type Opcode byte

// Admin command opcodes.
const (
	OpDeleteIOSubmissionQueue Opcode = 0x00
	OpCreateIOSubmissionQueue Opcode = 0x01
	OpGetLogPage              Opcode = 0x02
	OpDeleteIOCompletionQueue Opcode = 0x04
	OpCreateIOCompletionQueue Opcode = 0x05
	OpIdentify                Opcode = 0x06
	OpAbort                   Opcode = 0x08
	OpSetFeatures             Opcode = 0x09
	OpGetFeatures             Opcode = 0x0A
)

// NVM (I/O) command opcodes.
const (
	OpNVMFlush Opcode = 0x00
	OpNVMWrite Opcode = 0x01
	OpNVMRead  Opcode = 0x02
)

func (o Opcode) String() string {
	switch o {
	case OpDeleteIOSubmissionQueue:
		return "DeleteIOSubmissionQueue"
	case OpCreateIOSubmissionQueue:
		return "CreateIOSubmissionQueue"
	case OpGetLogPage:
		return "GetLogPage"
	case OpDeleteIOCompletionQueue:
		return "DeleteIOCompletionQueue"
	case OpCreateIOCompletionQueue:
		return "CreateIOCompletionQueue"
	case OpIdentify:
		return "Identify"
	case OpAbort:
		return "Abort"
	case OpSetFeatures:
		return "SetFeatures"
	case OpGetFeatures:
		return "GetFeatures"
	default:
		return "Opcode(unknown)"
	}
}

// Identify CNS (Controller or Namespace Structure) selector values.
const (
	CNSNamespace          = 0x00
	CNSController         = 0x01
	CNSActiveNamespaceIDs = 0x02
)

// FeatureNumberOfQueues is the Feature Identifier for Set/Get Features:
// Number of Queues.
const FeatureNumberOfQueues = 0x07
