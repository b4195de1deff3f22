// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package nvme

import (
	"encoding/binary"
	"fmt"

	"nvmehost.dev/x/nvme/command"
	"nvmehost.dev/x/nvme/internal/perr"
	"nvmehost.dev/x/nvme/platform"
)

// Identify Controller data structure offsets. Mirrors
// original_source/src/command.rs's ControllerData layout (vendor id,
// product id, serial number, model number, firmware revision, then
// SQES/CQES/MaxCmd/NN at fixed offsets past a reserved block) — this is
// this module's own wire contract for a structure the real NVMe
// specification defines much more densely; nvmetest's fake device
// writes the identical layout.
const (
	ctrlOffVendorID  = 0
	ctrlOffProductID = 2
	ctrlOffSerial    = 4
	ctrlOffModel     = 24
	ctrlOffFirmware  = 64
	ctrlOffSQES      = 512
	ctrlOffCQES      = 513
	ctrlOffMaxCmd    = 514
	ctrlOffNN        = 516
)

// Identify Namespace data structure offsets, mirroring
// original_source/src/command.rs's NamespaceDataStructure.
const (
	nsOffSize           = 0
	nsOffCapacity       = 8
	nsOffUtilization    = 16
	nsOffFormattedLBA   = 26
	nsOffLBAFormatsBase = 128
)

// ControllerInfo is the parsed Identify Controller response. A
// supplement beyond spec.md's terser bring-up needs (which only
// consult SQES/CQES minima): exposing the full structure a complete
// driver would parse, per original_source/src/command.rs's
// ControllerInfo.
type ControllerInfo struct {
	VendorID, ProductID                 uint16
	SerialNumber, ModelNumber, Firmware string
	SQESMin, SQESMax, CQESMin, CQESMax  byte
	MaxCmd                              uint16
	NumberOfNamespaces                  uint32
}

// Namespace is a parsed namespace descriptor, per spec.md §3 plus the
// NamespaceCapacity/NamespaceUtilization supplement from
// original_source/src/command.rs's NamespaceDataStructure.
type Namespace struct {
	ID                   uint32
	LBASize              uint32
	LBACount             uint64
	MetadataSize         uint32
	NamespaceCapacity    uint64
	NamespaceUtilization uint64
}

// Namespaces returns the namespaces discovered during bring-up.
func (c *Controller) Namespaces() []Namespace {
	out := make([]Namespace, len(c.namespaces))
	copy(out, c.namespaces)
	return out
}

func trimASCII(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}

func (c *Controller) doIdentifyController() (ControllerInfo, error) {
	region, err := c.plat.DMAAlloc(4096, c.cfg.PageSize, platform.DeviceToHost)
	if err != nil {
		return ControllerInfo{}, err
	}
	defer c.plat.DMAFree(region)

	if _, err := c.admin.SubmitSync(command.Identify(command.CNSController, 0, region.Bus, 0)); err != nil {
		return ControllerInfo{}, err
	}
	c.plat.InvalidateForHost(region.Ptr(), len(region.Virt))

	buf := region.Virt
	info := ControllerInfo{
		VendorID:  binary.LittleEndian.Uint16(buf[ctrlOffVendorID:]),
		ProductID: binary.LittleEndian.Uint16(buf[ctrlOffProductID:]),
		SerialNumber: trimASCII(buf[ctrlOffSerial : ctrlOffSerial+20]),
		ModelNumber:  trimASCII(buf[ctrlOffModel : ctrlOffModel+40]),
		Firmware:     trimASCII(buf[ctrlOffFirmware : ctrlOffFirmware+8]),
		MaxCmd:       binary.LittleEndian.Uint16(buf[ctrlOffMaxCmd:]),
		NumberOfNamespaces: binary.LittleEndian.Uint32(buf[ctrlOffNN:]),
	}
	info.SQESMin = buf[ctrlOffSQES] & 0xF
	info.SQESMax = (buf[ctrlOffSQES] >> 4) & 0xF
	info.CQESMin = buf[ctrlOffCQES] & 0xF
	info.CQESMax = (buf[ctrlOffCQES] >> 4) & 0xF
	return info, nil
}

func (c *Controller) doSetFeaturesNumberOfQueues(requested uint32) (uint32, error) {
	if requested < 1 {
		return 0, fmt.Errorf("%w: IOQueuePairCount must be at least 1", perr.ErrInvalidArgument)
	}
	result, err := c.admin.SubmitSync(command.SetFeaturesNumberOfQueues(requested, requested, 0))
	if err != nil {
		return 0, err
	}
	grantedSQ := uint32(result.Result&0xFFFF) + 1
	grantedCQ := uint32((result.Result>>16)&0xFFFF) + 1
	if grantedCQ < grantedSQ {
		return grantedCQ, nil
	}
	return grantedSQ, nil
}

// identifyNamespaces implements spec.md §4.5's namespace-enumeration
// step: Identify Active Namespace ID List, then Identify Namespace for
// each non-zero entry.
func (c *Controller) identifyNamespaces() error {
	idsRegion, err := c.plat.DMAAlloc(4096, c.cfg.PageSize, platform.DeviceToHost)
	if err != nil {
		return err
	}
	defer c.plat.DMAFree(idsRegion)

	if _, err := c.admin.SubmitSync(command.Identify(command.CNSActiveNamespaceIDs, 0, idsRegion.Bus, 0)); err != nil {
		return err
	}
	c.plat.InvalidateForHost(idsRegion.Ptr(), len(idsRegion.Virt))

	var ids []uint32
	for off := 0; off+4 <= len(idsRegion.Virt); off += 4 {
		id := binary.LittleEndian.Uint32(idsRegion.Virt[off:])
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}

	nsRegion, err := c.plat.DMAAlloc(4096, c.cfg.PageSize, platform.DeviceToHost)
	if err != nil {
		return err
	}
	defer c.plat.DMAFree(nsRegion)

	for _, id := range ids {
		ns, err := c.doIdentifyNamespace(nsRegion, id)
		if err != nil {
			return err
		}
		c.namespaces = append(c.namespaces, ns)
		c.logger.Printf("nvme: namespace %d: %d x %d-byte blocks", ns.ID, ns.LBACount, ns.LBASize)
	}
	return nil
}

func (c *Controller) doIdentifyNamespace(region platform.DMARegion, nsid uint32) (Namespace, error) {
	for i := range region.Virt {
		region.Virt[i] = 0
	}
	c.plat.FlushForDevice(region.Ptr(), len(region.Virt))

	if _, err := c.admin.SubmitSync(command.Identify(command.CNSNamespace, nsid, region.Bus, 0)); err != nil {
		return Namespace{}, err
	}
	c.plat.InvalidateForHost(region.Ptr(), len(region.Virt))

	buf := region.Virt
	lbaCount := binary.LittleEndian.Uint64(buf[nsOffSize:])
	capacity := binary.LittleEndian.Uint64(buf[nsOffCapacity:])
	utilization := binary.LittleEndian.Uint64(buf[nsOffUtilization:])

	lbafIndex := buf[nsOffFormattedLBA] & 0xF
	entry := buf[nsOffLBAFormatsBase+4*int(lbafIndex):]
	metadataSize := binary.LittleEndian.Uint16(entry[0:])
	lbaDataSizeExponent := entry[2]

	return Namespace{
		ID:                   nsid,
		LBASize:              1 << lbaDataSizeExponent,
		LBACount:             lbaCount,
		MetadataSize:         uint32(metadataSize),
		NamespaceCapacity:    capacity,
		NamespaceUtilization: utilization,
	}, nil
}
