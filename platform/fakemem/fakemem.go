// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fakemem implements platform.Platform entirely in process heap
// memory, for use in tests and by embedders without real hardware access.
// Grounded on conn/conntest's convention of fakes that implement the real
// collaborator interface rather than stubbing out the caller.
package fakemem

import (
	"fmt"
	"sync"
	"unsafe"

	"nvmehost.dev/x/nvme/internal/perr"
	"nvmehost.dev/x/nvme/platform"
)

// Platform is a platform.Platform backed by plain Go allocations. "Bus
// addresses" are monotonically assigned tokens with no relation to real
// physical memory; FlushForDevice/InvalidateForHost/MemoryBarrier are
// no-ops since there is no real device on the other end of the bus.
type Platform struct {
	pageSize int

	mu     sync.Mutex
	next   uint64
	byBus  map[uint64][]byte
	failOn int // if > 0, the failOn'th call to DMAAlloc fails (1-indexed); for testing OOM paths.
	calls  int
}

// New returns a Platform using the given page size (4096 if zero).
func New(pageSize int) *Platform {
	if pageSize == 0 {
		pageSize = 4096
	}
	return &Platform{pageSize: pageSize, next: 0x1000, byBus: map[uint64][]byte{}}
}

// FailNextAlloc makes the n'th future call to DMAAlloc return
// perr.ErrOutOfMemory, to exercise spec.md §7's "DMA allocation failed"
// path without real memory pressure.
func (p *Platform) FailNextAlloc(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOn = p.calls + n
}

func (p *Platform) PageSize() int { return p.pageSize }

func (p *Platform) DMAAlloc(size, alignment int, dir platform.Direction) (platform.DMARegion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if size <= 0 {
		return platform.DMARegion{}, fmt.Errorf("%w: size must be positive", perr.ErrInvalidArgument)
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return platform.DMARegion{}, fmt.Errorf("%w: alignment must be a power of two", perr.ErrInvalidArgument)
	}
	if p.failOn != 0 && p.calls == p.failOn {
		return platform.DMARegion{}, fmt.Errorf("%w: fakemem: simulated exhaustion", perr.ErrOutOfMemory)
	}

	buf := make([]byte, size)
	bus := p.next
	p.next += uint64((size + alignment - 1) &^ (alignment - 1))
	p.byBus[bus] = buf
	return platform.DMARegion{Virt: buf, Bus: bus}, nil
}

func (p *Platform) DMAFree(r platform.DMARegion) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byBus, r.Bus)
	return nil
}

func (p *Platform) FlushForDevice(virt unsafe.Pointer, length int)    {}
func (p *Platform) InvalidateForHost(virt unsafe.Pointer, length int) {}
func (p *Platform) MemoryBarrier()                                    {}

// Resolve returns the byte slice backing [bus, bus+length), for use by
// test device simulators (package nvmetest) that need to read or write
// the same memory the host side of a DMAAlloc call sees. Real hardware
// has no equivalent of this method; it exists only because this fake
// plays both the host and device roles in process.
func (p *Platform) Resolve(bus uint64, length int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for base, buf := range p.byBus {
		if bus >= base && bus+uint64(length) <= base+uint64(len(buf)) {
			off := bus - base
			return buf[off : off+uint64(length)], nil
		}
	}
	return nil, fmt.Errorf("fakemem: no region contains [0x%x, 0x%x)", bus, bus+uint64(length))
}

var _ platform.Platform = (*Platform)(nil)
