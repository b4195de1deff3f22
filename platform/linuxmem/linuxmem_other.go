// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !linux

package linuxmem

import (
	"errors"
	"unsafe"

	"nvmehost.dev/x/nvme/platform"
)

// Platform is a stub on non-Linux hosts: this module's Platform
// implementation requires mlock and /proc/self/pagemap, which only
// exist on Linux. Mirrors host/pmem/mem_other.go's "not implemented on
// this OS" stubs.
type Platform struct{}

// New returns a Platform whose DMAAlloc and DMAFree always fail; PageSize
// reports 4096 and the cache-maintenance and barrier methods are no-ops.
// Use platform/fakemem for development and testing on non-Linux hosts.
func New() *Platform { return &Platform{} }

func (p *Platform) PageSize() int { return 4096 }

func (p *Platform) DMAAlloc(size, alignment int, dir platform.Direction) (platform.DMARegion, error) {
	return platform.DMARegion{}, errors.New("linuxmem: not supported on this platform")
}

func (p *Platform) DMAFree(r platform.DMARegion) error {
	return errors.New("linuxmem: not supported on this platform")
}

func (p *Platform) FlushForDevice(virt unsafe.Pointer, length int)    {}
func (p *Platform) InvalidateForHost(virt unsafe.Pointer, length int) {}
func (p *Platform) MemoryBarrier()                                    {}

var _ platform.Platform = (*Platform)(nil)
