// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package nvme

import (
	"fmt"

	"nvmehost.dev/x/nvme/command"
	"nvmehost.dev/x/nvme/internal/perr"
	"nvmehost.dev/x/nvme/platform"
)

// BlockRead reads len(buf) bytes starting at startingLBA from ns into
// buf. len(buf) must be a non-zero multiple of ns.LBASize and at most
// 2*PageSize (the PRP1-only constraint of spec.md §4.3). Multi-queue
// load balancing across I/O queue pairs is an explicit Non-goal; reads
// are always issued on the first I/O queue pair.
func (c *Controller) BlockRead(ns Namespace, startingLBA uint64, buf []byte) error {
	return c.blockIO(ns, startingLBA, buf, false)
}

// BlockWrite writes buf to ns starting at startingLBA. See BlockRead for
// the length constraints.
func (c *Controller) BlockWrite(ns Namespace, startingLBA uint64, buf []byte) error {
	return c.blockIO(ns, startingLBA, buf, true)
}

func (c *Controller) blockIO(ns Namespace, startingLBA uint64, buf []byte, write bool) error {
	if len(buf) == 0 || uint32(len(buf))%ns.LBASize != 0 {
		return fmt.Errorf("%w: buffer length %d is not a non-zero multiple of LBA size %d", perr.ErrInvalidArgument, len(buf), ns.LBASize)
	}
	if len(buf) > 2*c.cfg.PageSize {
		return fmt.Errorf("%w: buffer length %d exceeds PRP1-only capacity of %d", perr.ErrInvalidArgument, len(buf), 2*c.cfg.PageSize)
	}
	if len(c.ioQueues) == 0 {
		return fmt.Errorf("%w: no I/O queue pairs available", perr.ErrControllerFatal)
	}

	dir := platform.DeviceToHost
	if write {
		dir = platform.HostToDevice
	}
	region, err := c.plat.DMAAlloc(len(buf), c.cfg.PageSize, dir)
	if err != nil {
		return err
	}
	defer c.plat.DMAFree(region)

	blockCount := uint16(uint32(len(buf)) / ns.LBASize)
	qp := c.ioQueues[0]

	if write {
		copy(region.Virt, buf)
		c.plat.FlushForDevice(region.Ptr(), len(region.Virt))
		if _, err := qp.SubmitSync(command.NVMWrite(ns.ID, region.Bus, startingLBA, blockCount, 0)); err != nil {
			return err
		}
		return nil
	}

	if _, err := qp.SubmitSync(command.NVMRead(ns.ID, region.Bus, startingLBA, blockCount, 0)); err != nil {
		return err
	}
	c.plat.InvalidateForHost(region.Ptr(), len(region.Virt))
	copy(buf, region.Virt)
	return nil
}
