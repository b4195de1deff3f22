// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package nvme implements the NVMe host controller driver core: the
// bring-up state machine, namespace enumeration, and the synchronous
// block read/write path. Everything below this package (platform, regs,
// command, queue) is a collaborator it wires together; nvme.Controller
// is the only type most embedders touch.
package nvme

import "log"

// Config configures a Controller at construction time. There is no file,
// environment, or CLI surface: callers build a Config in code, the same
// way host/bcm283x's drivers take no runtime configuration from outside
// the process.
type Config struct {
	// PageSize is the host memory page size used for MPS and DMA
	// alignment. Zero defaults to the platform's reported page size.
	PageSize int

	// IOQueuePairCount is the desired number of I/O queue pairs. Zero
	// defaults to 1. The controller may grant fewer than requested.
	IOQueuePairCount int

	// Logger receives one line per bring-up state transition and per
	// namespace discovered. Nil defaults to log.Default().
	Logger *log.Logger
}

func (c Config) withDefaults(platformPageSize int) Config {
	if c.PageSize == 0 {
		c.PageSize = platformPageSize
	}
	if c.IOQueuePairCount == 0 {
		c.IOQueuePairCount = 1
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}
