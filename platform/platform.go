// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package platform defines the collaborator interface the NVMe core
// depends on for everything that isn't the register/queue/command wire
// protocol itself: DMA-capable memory allocation, cache maintenance, and
// memory barriers.
//
// This mirrors the split in periph.io/x/periph between the generic
// conn.Conn interface and the host-specific implementations in host/pmem:
// the core only ever talks to the Platform interface, never to
// /dev/mem, mmap, or a pagemap walk directly.
package platform

import (
	"unsafe"
)

// Direction hints at how a DMA region will be used, so an allocator can
// choose cacheability. Mirrors spec.md §4.1.
type Direction int

const (
	// HostToDevice is used for buffers the host writes and the device reads
	// (e.g. submission rings, write payloads).
	HostToDevice Direction = iota
	// DeviceToHost is used for buffers the device writes and the host reads
	// (e.g. completion rings, read payloads, Identify response buffers).
	DeviceToHost
	// Bidirectional is used when both sides read and write the same region.
	Bidirectional
)

// DMARegion is a physically contiguous, zeroed allocation usable by both
// the host CPU and the device's DMA engine.
type DMARegion struct {
	// Virt is the host-accessible view of the region.
	Virt []byte
	// Bus is the bus address the device must use to reach this region. On a
	// cache-coherent host with no IOMMU remapping this is numerically equal
	// to the physical address, but callers must not assume that in general.
	Bus uint64
}

// Ptr returns the address of the first byte of the region, for callers that
// need an unsafe.Pointer (e.g. to hand to atomic loads/stores on the mapped
// window). Panics if the region is empty.
func (r DMARegion) Ptr() unsafe.Pointer {
	return unsafe.Pointer(&r.Virt[0])
}

// Platform is the collaborator interface consumed by every other package
// in this module. Out of scope per spec.md §1: PCIe enumeration, BAR
// allocation, MSI/MSI-X routing — the caller is expected to have already
// obtained an MMIO pointer for BAR0 and to pass it to nvme.New directly.
type Platform interface {
	// DMAAlloc allocates a zeroed, physically contiguous region of the
	// given size with the given alignment (must be a power of two, and at
	// least 4KiB for queue memory). Returns ErrOutOfMemory on exhaustion.
	DMAAlloc(size, alignment int, dir Direction) (DMARegion, error)

	// DMAFree releases a region obtained from DMAAlloc. The caller
	// guarantees the device is no longer referencing it.
	DMAFree(r DMARegion) error

	// FlushForDevice makes host writes to [virt, virt+length) visible to
	// the device. Callers issue this before ringing a doorbell that tells
	// the device to read the region.
	FlushForDevice(virt unsafe.Pointer, length int)

	// InvalidateForHost makes device writes to [virt, virt+length) visible
	// to the host. Callers issue this before reading data the device may
	// have written (a completion entry, a read payload).
	InvalidateForHost(virt unsafe.Pointer, length int)

	// MemoryBarrier issues a full memory barrier, ordering all preceding
	// loads/stores against all following ones.
	MemoryBarrier()

	// PageSize returns the host memory page size, used for queue alignment
	// and MPS configuration.
	PageSize() int
}
