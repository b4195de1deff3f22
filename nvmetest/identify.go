// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package nvmetest

import (
	"encoding/binary"

	"nvmehost.dev/x/nvme/command"
)

// Identify Controller data structure offsets. This module's Identify
// Controller layout is a deliberately small subset of the real NVMe
// structure, mirroring original_source/src/command.rs's ControllerData
// (vendor/product/serial/model/firmware followed by reserved padding out
// to the SQES/CQES/MaxCmd/NN block) rather than the full 4096-byte real
// specification structure, since nothing else in this module reads the
// fields in between.
const (
	ctrlOffVendorID  = 0
	ctrlOffProductID = 2
	ctrlOffSerial    = 4  // 20 bytes
	ctrlOffModel     = 24 // 40 bytes
	ctrlOffFirmware  = 64 // 8 bytes
	ctrlOffSQES      = 512
	ctrlOffCQES      = 513
	ctrlOffMaxCmd    = 514
	ctrlOffNN        = 516
)

// Identify Namespace data structure offsets, mirroring
// original_source/src/command.rs's NamespaceDataStructure.
const (
	nsOffSize           = 0  // NSZE, 8 bytes
	nsOffCapacity       = 8  // NCAP, 8 bytes
	nsOffUtilization    = 16 // NUSE, 8 bytes
	nsOffNumLBAFormats  = 25
	nsOffFormattedLBA   = 26
	nsOffMetadataCap    = 27
	nsOffLBAFormatsBase = 128 // 4 bytes per entry: metadata_size(2) lba_data_size(1) rp(1)
)

func putASCII(b []byte, s string) {
	copy(b, s)
	for i := len(s); i < len(b); i++ {
		b[i] = ' '
	}
}

func (d *Device) execAdmin(opcode byte, s command.Submission) (result uint64, status uint16) {
	switch command.Opcode(opcode) {
	case command.OpIdentify:
		return d.execIdentify(s)
	case command.OpSetFeatures:
		return d.execSetFeatures(s)
	case command.OpCreateIOCompletionQueue:
		return d.execCreateIOCompletionQueue(s)
	case command.OpCreateIOSubmissionQueue:
		return d.execCreateIOSubmissionQueue(s)
	default:
		return 0, 1 // generic command failure for anything this fake doesn't model.
	}
}

func (d *Device) execIdentify(s command.Submission) (uint64, uint16) {
	buf, err := d.plat.Resolve(s.PRP1, 4096)
	if err != nil {
		return 0, 1
	}
	for i := range buf {
		buf[i] = 0
	}

	switch s.CDW10 {
	case command.CNSController:
		ci := d.cfg.Controller
		binary.LittleEndian.PutUint16(buf[ctrlOffVendorID:], ci.VendorID)
		binary.LittleEndian.PutUint16(buf[ctrlOffProductID:], ci.ProductID)
		putASCII(buf[ctrlOffSerial:ctrlOffSerial+20], ci.SerialNumber)
		putASCII(buf[ctrlOffModel:ctrlOffModel+40], ci.ModelNumber)
		putASCII(buf[ctrlOffFirmware:ctrlOffFirmware+8], ci.Firmware)
		buf[ctrlOffSQES] = ci.SQESMin | ci.SQESMax<<4
		buf[ctrlOffCQES] = ci.CQESMin | ci.CQESMax<<4
		binary.LittleEndian.PutUint16(buf[ctrlOffMaxCmd:], ci.MaxCmd)
		binary.LittleEndian.PutUint32(buf[ctrlOffNN:], uint32(len(d.nsOrder)))
		return 0, 0

	case command.CNSNamespace:
		ns, ok := d.namespaces[s.NSID]
		if !ok {
			return 0, 1 // invalid namespace or format
		}
		binary.LittleEndian.PutUint64(buf[nsOffSize:], ns.LBACount)
		binary.LittleEndian.PutUint64(buf[nsOffCapacity:], ns.LBACount)
		binary.LittleEndian.PutUint64(buf[nsOffUtilization:], ns.LBACount)
		buf[nsOffNumLBAFormats] = 0 // one format: index 0
		buf[nsOffFormattedLBA] = 0  // LBAF index 0 selected, no metadata
		buf[nsOffMetadataCap] = 0
		entry := buf[nsOffLBAFormatsBase : nsOffLBAFormatsBase+4]
		binary.LittleEndian.PutUint16(entry[0:], uint16(ns.MetadataSize))
		entry[2] = lbaSizeToExponent(ns.LBASize)
		entry[3] = 0
		return 0, 0

	case command.CNSActiveNamespaceIDs:
		for i, id := range d.nsOrder {
			if (i+1)*4 > len(buf) {
				break
			}
			binary.LittleEndian.PutUint32(buf[i*4:], id)
		}
		return 0, 0

	default:
		return 0, 1
	}
}

// lbaSizeToExponent converts a byte size to the NVMe LBA Data Size
// exponent (size = 2^n), per spec.md §4.6's FLBAS/LBAF derivation.
func lbaSizeToExponent(size uint32) byte {
	var n byte
	for (uint32(1) << n) < size {
		n++
	}
	return n
}

func (d *Device) execSetFeatures(s command.Submission) (uint64, uint16) {
	if s.CDW10 != command.FeatureNumberOfQueues {
		return 0, 1
	}
	reqSQ := (s.CDW11 & 0xFFFF) + 1
	reqCQ := ((s.CDW11 >> 16) & 0xFFFF) + 1

	granted := reqSQ
	if reqCQ < granted {
		granted = reqCQ
	}
	if d.cfg.GrantedIOQueues != 0 && d.cfg.GrantedIOQueues < granted {
		granted = d.cfg.GrantedIOQueues
	}

	result := uint64(granted-1) | uint64(granted-1)<<16
	return result, 0
}

func (d *Device) execCreateIOCompletionQueue(s command.Submission) (uint64, uint16) {
	qid := uint16(s.CDW10 & 0xFFFF)
	depth := uint16((s.CDW10>>16)&0xFFFF) + 1
	d.pendingCQ[qid] = struct {
		bus   uint64
		depth uint32
	}{bus: s.PRP1, depth: uint32(depth)}
	return 0, 0
}

func (d *Device) execCreateIOSubmissionQueue(s command.Submission) (uint64, uint16) {
	qid := uint16(s.CDW10 & 0xFFFF)
	depth := uint32((s.CDW10>>16)&0xFFFF) + 1
	cqid := uint16((s.CDW11 >> 16) & 0xFFFF)

	cq, ok := d.pendingCQ[cqid]
	if !ok {
		return 0, 1 // completion queue invalid: must be created first, per spec.md §4.5.
	}

	d.queues[qid] = &simQueue{
		isAdmin: false,
		sqBus:   s.PRP1,
		cqBus:   cq.bus,
		sqDepth: depth,
		cqDepth: cq.depth,
		cqPhase: true,
	}
	return 0, 0
}

func (d *Device) execIO(opcode byte, s command.Submission) (status uint16) {
	switch command.Opcode(opcode) {
	case command.OpNVMFlush:
		return 0
	case command.OpNVMRead:
		return d.execNVMReadWrite(s, false)
	case command.OpNVMWrite:
		return d.execNVMReadWrite(s, true)
	default:
		return 1
	}
}

func (d *Device) execNVMReadWrite(s command.Submission, write bool) uint16 {
	ns, ok := d.namespaces[s.NSID]
	if !ok {
		return 1
	}
	startingLBA := uint64(s.CDW10) | uint64(s.CDW11)<<32
	blockCount := uint64(s.CDW12&0xFFFF) + 1
	length := blockCount * uint64(ns.LBASize)
	start := startingLBA * uint64(ns.LBASize)
	if start+length > uint64(len(ns.data)) {
		return 1 // LBA out of range
	}

	buf, err := d.plat.Resolve(s.PRP1, int(length))
	if err != nil {
		return 1
	}
	if write {
		copy(ns.data[start:start+length], buf)
	} else {
		copy(buf, ns.data[start:start+length])
	}
	return 0
}
