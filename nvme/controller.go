// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package nvme

import (
	"fmt"
	"log"
	"math/bits"
	"runtime"
	"time"

	"nvmehost.dev/x/nvme/command"
	"nvmehost.dev/x/nvme/internal/perr"
	"nvmehost.dev/x/nvme/platform"
	"nvmehost.dev/x/nvme/queue"
	"nvmehost.dev/x/nvme/regs"
)

// adminQueueDepth and ioQueueDepth are the depths this driver requests
// for its own queues, capped by the controller's advertised MQES. They
// are fixed rather than configurable because spec.md §6 only exposes
// PageSize and IOQueuePairCount as recognized Config options.
const (
	adminQueueDepth = 32
	ioQueueDepth    = 64
)

// Controller is a bound, brought-up NVMe controller: one admin queue
// pair, one or more I/O queue pairs, and the namespaces discovered
// during bring-up. Grounded on original_source/src/nvme.rs's Nvme
// struct and its init() sequencing (reset, configure admin queue,
// enable, identify controller, configure I/O queues, identify
// namespaces).
type Controller struct {
	bar  *regs.BAR
	plat platform.Platform
	cfg  Config

	logger *log.Logger
	state  controllerState

	admin    *queue.QueuePair
	ioQueues []*queue.QueuePair

	sqes, cqes uint32 // entry size exponents currently configured.

	info       ControllerInfo
	namespaces []Namespace
}

// New binds a Controller to mem (the mapped MMIO BAR0 window) and runs
// the full bring-up sequence of spec.md §4.5, returning once the
// controller is Operational and its namespaces have been enumerated.
func New(mem []byte, plat platform.Platform, cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults(plat.PageSize())
	if cfg.IOQueuePairCount < 1 {
		return nil, fmt.Errorf("%w: IOQueuePairCount must be at least 1", perr.ErrInvalidArgument)
	}

	c := &Controller{
		bar:    regs.New(mem),
		plat:   plat,
		cfg:    cfg,
		logger: cfg.Logger,
		state:  stateOff,
		sqes:   6, // 64 bytes, per spec.md §4.5's initial CAP-derived pass.
		cqes:   4, // 16 bytes.
	}

	if err := c.bringUp(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) bringUp() error {
	if err := c.reset(); err != nil {
		return err
	}
	if err := c.configureAdminQueue(); err != nil {
		return err
	}
	if err := c.enable(); err != nil {
		return err
	}
	if err := c.identifyController(); err != nil {
		return err
	}
	if err := c.configureIOQueues(); err != nil {
		return err
	}
	if err := c.identifyNamespaces(); err != nil {
		return err
	}
	c.transition(stateOperational)
	return nil
}

// reset implements Off -> Disabled: clear CC.EN, spin until CSTS.RDY
// clears, bounded by CAP.TO.
func (c *Controller) reset() error {
	c.bar.LatchDoorbellStride()
	timeout := readyTimeout(c.bar.CAP())

	c.bar.SetCC(regs.NewConfiguration(false, 0, 0, 0))
	if !spinUntil(timeout, func() bool { return !c.bar.CSTS().Ready() }) {
		return fmt.Errorf("%w: reset did not clear CSTS.RDY within %s", perr.ErrControllerTimeout, timeout)
	}
	c.transition(stateDisabled)
	return nil
}

// configureAdminQueue implements Disabled -> ReadyPrep.
func (c *Controller) configureAdminQueue() error {
	depth := uint32(adminQueueDepth)
	if max := c.bar.CAP().MQES() + 1; depth > max {
		depth = max
	}

	aq, err := queue.New(0, c.bar, c.plat, depth, depth)
	if err != nil {
		return err
	}
	c.admin = aq

	if err := c.bar.SetAQA(aq.SubmissionDepth()-1, aq.CompletionDepth()-1); err != nil {
		return err
	}
	if err := c.bar.SetASQ(aq.SubmissionBusAddr()); err != nil {
		return err
	}
	if err := c.bar.SetACQ(aq.CompletionBusAddr()); err != nil {
		return err
	}

	c.transition(stateReadyPrep)
	return nil
}

// enable implements ReadyPrep -> Ready: write CC with EN=1 and the
// chosen field values, then spin on CSTS.RDY bounded by CAP.TO.
func (c *Controller) enable() error {
	timeout := readyTimeout(c.bar.CAP())
	mps := uint32(bits.Len(uint(c.cfg.PageSize))-1) - 12

	c.bar.SetCC(regs.NewConfiguration(true, mps, c.sqes, c.cqes))

	ready := spinUntil(timeout, func() bool {
		return c.bar.CSTS().Ready() || c.bar.CSTS().Fatal()
	})
	if c.bar.CSTS().Fatal() {
		return perr.ErrControllerFatal
	}
	if !ready {
		return fmt.Errorf("%w: controller did not become ready within %s", perr.ErrControllerTimeout, timeout)
	}

	c.transition(stateReady)
	return nil
}

// identifyController implements Ready -> Identified: issue Identify
// Controller, read the reported SQES/CQES minima, and reconfigure once
// if the initial CAP-derived pass chose different values.
func (c *Controller) identifyController() error {
	info, err := c.doIdentifyController()
	if err != nil {
		return err
	}
	c.info = info

	if info.SQESMin != byte(c.sqes) || info.CQESMin != byte(c.cqes) {
		c.logger.Printf("nvme: reconfiguring IOSQES/IOCQES to controller minima %d/%d", info.SQESMin, info.CQESMin)
		c.sqes = uint32(info.SQESMin)
		c.cqes = uint32(info.CQESMin)

		if err := c.reset(); err != nil {
			return err
		}
		if err := c.configureAdminQueue(); err != nil {
			return err
		}
		if err := c.enable(); err != nil {
			return err
		}
		if _, err := c.doIdentifyController(); err != nil {
			return err
		}
	}

	c.transition(stateIdentified)
	return nil
}

// configureIOQueues implements Identified -> Operational: request
// IOQueuePairCount pairs via Set Features, then for each granted pair
// create the completion queue before the submission queue.
func (c *Controller) configureIOQueues() error {
	granted, err := c.doSetFeaturesNumberOfQueues(uint32(c.cfg.IOQueuePairCount))
	if err != nil {
		return err
	}
	if granted < 1 {
		return fmt.Errorf("%w: controller granted zero I/O queue pairs", perr.ErrControllerFatal)
	}
	if granted > uint32(c.cfg.IOQueuePairCount) {
		granted = uint32(c.cfg.IOQueuePairCount)
	}

	depth := uint32(ioQueueDepth)
	if max := c.bar.CAP().MQES() + 1; depth > max {
		depth = max
	}

	for i := uint32(0); i < granted; i++ {
		qid := uint16(i + 1)
		qp, err := queue.New(qid, c.bar, c.plat, depth, depth)
		if err != nil {
			return err
		}

		if _, err := c.admin.SubmitSync(command.CreateIOCompletionQueue(qid, uint16(qp.CompletionDepth()), qp.CompletionBusAddr(), false, 0, 0)); err != nil {
			return err
		}
		if _, err := c.admin.SubmitSync(command.CreateIOSubmissionQueue(qid, uint16(qp.SubmissionDepth()), qp.SubmissionBusAddr(), 0, qid, 0)); err != nil {
			return err
		}

		c.ioQueues = append(c.ioQueues, qp)
	}

	c.logger.Printf("nvme: operational with %d I/O queue pair(s) of depth %d", len(c.ioQueues), depth)
	return nil
}

// Version returns the controller's reported major.minor.tertiary
// version (CAP register's VS companion).
func (c *Controller) Version() (major, minor, tertiary uint32) {
	vs := c.bar.VS()
	return vs.Major(), vs.Minor(), vs.Tertiary()
}

// ControllerInfo returns the parsed Identify Controller response.
func (c *Controller) ControllerInfo() ControllerInfo { return c.info }

func readyTimeout(capability regs.Capability) time.Duration {
	return time.Duration(capability.TO()) * 500 * time.Millisecond
}

// spinUntil busy-waits for cond to become true, bounded by deadline from
// now. Grounded on host/host.go's Nanospin/nanospinTime busy-loop idiom;
// this module has no platform-supplied wake primitive (spec.md §5 names
// busy-wait-with-pause-hint as the only suspension mechanism).
func spinUntil(deadline time.Duration, cond func() bool) bool {
	start := time.Now()
	for {
		if cond() {
			return true
		}
		if time.Since(start) > deadline {
			return cond()
		}
		runtime.Gosched()
	}
}
