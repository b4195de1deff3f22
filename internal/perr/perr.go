// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package perr defines the error taxonomy shared by every layer of this
// module: platform, regs, command, queue and nvme.
package perr

import "fmt"

// Sentinel errors. Callers should compare with errors.Is, since the
// concrete values returned may be wrapped with additional context via
// fmt.Errorf("...: %w", ...).
var (
	// ErrOutOfMemory is returned when a DMA allocation failed. It is fatal to
	// the operation that requested it, not to the controller.
	ErrOutOfMemory = fmt.Errorf("nvme: out of memory")

	// ErrInvalidArgument is returned for misaligned buffer lengths, a zero
	// queue count, or a transfer that exceeds the PRP1-only capacity.
	ErrInvalidArgument = fmt.Errorf("nvme: invalid argument")

	// ErrControllerTimeout is returned when the ready-wait budget (CAP.TO *
	// 500ms) was exceeded.
	ErrControllerTimeout = fmt.Errorf("nvme: controller timeout")

	// ErrControllerFatal is returned once CSTS.CFS has been observed. All
	// further operations fail without contacting the device.
	ErrControllerFatal = fmt.Errorf("nvme: controller fatal")
)

// DeviceError wraps a non-zero NVMe completion status. The raw status word
// is surfaced verbatim; this module does not interpret NVMe status codes.
type DeviceError struct {
	// Raw is the completion entry's status field with the phase bit already
	// stripped (bits 15:1 of the wire value, right-shifted into bits 14:0).
	Raw uint16
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("nvme: device error: status=0x%04x", e.Raw)
}

// Status returns the raw NVMe status code (bits 15:1 of the completion
// entry's status field).
func (e *DeviceError) Status() uint16 {
	return e.Raw
}
