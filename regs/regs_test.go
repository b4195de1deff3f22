// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package regs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func newFakeBAR(t *testing.T) *BAR {
	t.Helper()
	mem := make([]byte, 0x1000+64*8)
	return New(mem)
}

func TestCapabilityFields(t *testing.T) {
	// MQES=1023, DSTRD=0, TO=20, from spec.md §8 scenario 1.
	var raw uint64
	raw |= 1023
	raw |= 20 << capTOShift
	raw |= 0 << capDSTRDShift
	raw |= 6 << capMPSMinShift

	cap := Capability(raw)
	require.EqualValues(t, 1023, cap.MQES())
	require.EqualValues(t, 20, cap.TO())
	require.EqualValues(t, 0, cap.DSTRD())
	require.EqualValues(t, 6, cap.MPSMIN())
}

func TestVersionString(t *testing.T) {
	v := Version(1<<16 | 4<<8 | 0)
	require.Equal(t, uint32(1), v.Major())
	require.Equal(t, uint32(4), v.Minor())
	require.Equal(t, uint32(0), v.Tertiary())
	require.Equal(t, "1.4.0", v.String())
}

func TestConfigurationRoundTrip(t *testing.T) {
	cc := NewConfiguration(true, 0, 6, 4)
	require.True(t, cc.Enabled())
	require.EqualValues(t, 0, cc.MPS())
	require.EqualValues(t, 6, cc.IOSQES())
	require.EqualValues(t, 4, cc.IOCQES())
}

func TestBARReadWriteCAPandCC(t *testing.T) {
	b := newFakeBAR(t)
	binary.LittleEndian.PutUint64(b.mem[offCAP:], uint64(1023)|uint64(20)<<capTOShift)

	require.EqualValues(t, 1023, b.CAP().MQES())
	require.EqualValues(t, 20, b.CAP().TO())

	require.NoError(t, b.SetAQA(63, 63))
	require.NoError(t, b.SetASQ(0x2000))
	require.NoError(t, b.SetACQ(0x3000))

	b.SetCC(NewConfiguration(true, 0, 6, 4))
	require.True(t, b.CC().Enabled())
}

func TestBARRejectsMisalignedQueueBase(t *testing.T) {
	b := newFakeBAR(t)
	require.Error(t, b.SetASQ(0x1001))
	require.Error(t, b.SetACQ(0x1001))
}

func TestBARRejectsConfigWriteWhileEnabled(t *testing.T) {
	b := newFakeBAR(t)
	b.SetCC(NewConfiguration(true, 0, 6, 4))
	binary.LittleEndian.PutUint32(b.mem[offCSTS:], 1) // RDY=1

	require.Error(t, b.SetAQA(63, 63))
	require.Error(t, b.SetASQ(0x2000))
	require.Error(t, b.SetACQ(0x3000))
}

func TestDoorbellOffsets(t *testing.T) {
	b := newFakeBAR(t)
	b.dstrd = 0
	b.latched = true

	require.Equal(t, 0x1000, b.doorbellOffset(0, 0))
	require.Equal(t, 0x1004, b.doorbellOffset(0, 1))
	require.Equal(t, 0x1008, b.doorbellOffset(1, 0))
	require.Equal(t, 0x100c, b.doorbellOffset(1, 1))

	b.dstrd = 1 // stride = 8 bytes
	require.Equal(t, 0x1000, b.doorbellOffset(0, 0))
	require.Equal(t, 0x1008, b.doorbellOffset(0, 1))
	require.Equal(t, 0x1010, b.doorbellOffset(1, 0))
}

func TestRingDoorbells(t *testing.T) {
	b := newFakeBAR(t)
	b.LatchDoorbellStride()

	b.RingSubmissionTail(0, 7)
	require.EqualValues(t, 7, binary.LittleEndian.Uint32(b.mem[0x1000:]))

	b.RingCompletionHead(0, 3)
	require.EqualValues(t, 3, binary.LittleEndian.Uint32(b.mem[0x1004:]))
}
