// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package linuxmem implements platform.Platform on Linux by mlock()'ing
// user-space allocations and resolving their bus address by walking
// /proc/self/pagemap, the same technique periph.io/x/periph's host/pmem
// package uses to map GPU/DMA-visible memory for the BCM283x's DMA
// controller (host/pmem/alloc.go, host/pmem/pagemap.go), ported onto
// golang.org/x/sys/unix instead of the standard library's syscall package.
package linuxmem

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"nvmehost.dev/x/nvme/internal/perr"
	"nvmehost.dev/x/nvme/platform"
)

const pageBits = 12 // 4KiB pages; matches CAP.MPSMIN on every controller this module targets.

// Platform is a platform.Platform backed by mlock()'ed, page-aligned
// anonymous memory whose physical (bus) address is resolved via
// /proc/self/pagemap. It assumes a cache-coherent host (ARM64/x86-64 with
// no IOMMU remapping between the CPU's and the NVMe controller's view of
// bus addresses), matching the assumption host/bcm283x/dma.go documents
// for the BCM283x's DMA engine.
type Platform struct {
	pageSize int

	mu         sync.Mutex
	pagemap    *os.File
	pagemapErr error
}

// New returns a linuxmem.Platform using the host's native page size.
func New() *Platform {
	return &Platform{pageSize: os.Getpagesize()}
}

func (p *Platform) PageSize() int { return p.pageSize }

// DMAAlloc implements platform.Platform.
//
// Size is rounded up to a whole number of pages; alignment must be a power
// of two no smaller than the page size, and the region returned is
// page-aligned (mmap's granularity). dir is accepted for
// interface compatibility but otherwise unused since this module only
// targets cache-coherent hosts (spec.md §9's "cache maintenance
// degenerates to fences on coherent platforms" note).
func (p *Platform) DMAAlloc(size, alignment int, dir platform.Direction) (platform.DMARegion, error) {
	if size <= 0 {
		return platform.DMARegion{}, fmt.Errorf("%w: size must be positive", perr.ErrInvalidArgument)
	}
	if alignment < p.pageSize || alignment&(alignment-1) != 0 {
		return platform.DMARegion{}, fmt.Errorf("%w: alignment must be a power of two >= page size", perr.ErrInvalidArgument)
	}
	rounded := (size + p.pageSize - 1) &^ (p.pageSize - 1)

	b, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return platform.DMARegion{}, fmt.Errorf("%w: mmap failed: %v", perr.ErrOutOfMemory, err)
	}
	for i := range b {
		b[i] = 0
	}
	if err := unix.Mlock(b); err != nil {
		_ = unix.Munmap(b)
		return platform.DMARegion{}, fmt.Errorf("%w: mlock failed: %v", perr.ErrOutOfMemory, err)
	}

	bus, err := p.busAddr(b)
	if err != nil {
		_ = unix.Munlock(b)
		_ = unix.Munmap(b)
		return platform.DMARegion{}, fmt.Errorf("%w: %v", perr.ErrOutOfMemory, err)
	}

	return platform.DMARegion{Virt: b[:size:size], Bus: bus}, nil
}

// DMAFree implements platform.Platform.
func (p *Platform) DMAFree(r platform.DMARegion) error {
	if cap(r.Virt) == 0 {
		return nil
	}
	full := r.Virt[:cap(r.Virt)]
	if err := unix.Munlock(full); err != nil {
		return err
	}
	return unix.Munmap(full)
}

// FlushForDevice implements platform.Platform. On a cache-coherent host
// this is only a full memory fence (MemoryBarrier); no cache lines are
// cleaned.
func (p *Platform) FlushForDevice(virt unsafe.Pointer, length int) {
	runtime.KeepAlive(virt)
	p.MemoryBarrier()
}

// InvalidateForHost implements platform.Platform.
func (p *Platform) InvalidateForHost(virt unsafe.Pointer, length int) {
	runtime.KeepAlive(virt)
	p.MemoryBarrier()
}

// MemoryBarrier implements platform.Platform with a full fence.
func (p *Platform) MemoryBarrier() {
	atomicFence()
}

// busAddr resolves the physical (bus) address backing the first page of b
// by reading /proc/self/pagemap, following host/pmem/pagemap.go's
// ReadPageMap exactly.
func (p *Platform) busAddr(b []byte) (uint64, error) {
	virt := uintptr(unsafe.Pointer(&b[0]))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pagemap == nil && p.pagemapErr == nil {
		p.pagemap, p.pagemapErr = os.OpenFile("/proc/self/pagemap", os.O_RDONLY, 0)
	}
	if p.pagemapErr != nil {
		return 0, p.pagemapErr
	}

	var entry [8]byte
	offset := int64(virt>>pageBits) * 8
	if _, err := p.pagemap.ReadAt(entry[:], offset); err != nil {
		return 0, fmt.Errorf("failed to read pagemap at 0x%x: %w", offset, err)
	}
	raw := binary.LittleEndian.Uint64(entry[:])
	if raw&(1<<63) == 0 {
		return 0, fmt.Errorf("0x%x has no physical page present", virt)
	}
	pfn := raw &^ (0x1FF << 55)
	return pfn<<pageBits | uint64(virt&((1<<pageBits)-1)), nil
}

var _ platform.Platform = (*Platform)(nil)
