// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package nvme

// controllerState names a point in the bring-up sequence of spec.md
// §4.5's diagram. The Rust source this module is grounded on leaves the
// sequence implicit in control flow; naming it explicitly follows
// host/bcm283x's convention of a named-constant-with-String() for
// anything a log line or a test needs to assert on.
type controllerState int

const (
	stateOff controllerState = iota
	stateDisabled
	stateReadyPrep
	stateReady
	stateIdentified
	stateOperational
)

func (s controllerState) String() string {
	switch s {
	case stateOff:
		return "Off"
	case stateDisabled:
		return "Disabled"
	case stateReadyPrep:
		return "ReadyPrep"
	case stateReady:
		return "Ready"
	case stateIdentified:
		return "Identified"
	case stateOperational:
		return "Operational"
	default:
		return "controllerState(unknown)"
	}
}

func (c *Controller) transition(next controllerState) {
	c.logger.Printf("nvme: %s -> %s", c.state, next)
	c.state = next
}
