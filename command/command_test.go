// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package command

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmissionRoundTrip(t *testing.T) {
	s := NVMWrite(1, 0xDEAD0000, 42, 8, 0x1234)
	b, err := s.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, SubmissionSize)

	var got Submission
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, s, got)
}

func TestEncodeCDW0CommandID(t *testing.T) {
	s := Identify(CNSController, 0, 0x1000, 0xABCD)
	require.EqualValues(t, byte(OpIdentify), byte(s.CDW0))
	require.EqualValues(t, 0xABCD, s.CDW0>>16)
}

func TestSetFeaturesNumberOfQueues(t *testing.T) {
	s := SetFeaturesNumberOfQueues(8, 8, 1)
	require.EqualValues(t, FeatureNumberOfQueues, s.CDW10)
	require.EqualValues(t, 7, s.CDW11&0xFFFF)
	require.EqualValues(t, 7, (s.CDW11>>16)&0xFFFF)
}

func TestCreateIOCompletionQueue(t *testing.T) {
	s := CreateIOCompletionQueue(1, 64, 0x7000, false, 0, 2)
	require.EqualValues(t, 1, s.CDW10&0xFFFF)
	require.EqualValues(t, 63, (s.CDW10>>16)&0xFFFF)
	require.EqualValues(t, 1, s.CDW11&1) // PC set
	require.EqualValues(t, 0, (s.CDW11>>1)&1) // IEN clear: polled completion only
}

func TestCreateIOSubmissionQueue(t *testing.T) {
	s := CreateIOSubmissionQueue(1, 64, 0x8000, 0, 1, 3)
	require.EqualValues(t, 1, s.CDW10&0xFFFF)
	require.EqualValues(t, 63, (s.CDW10>>16)&0xFFFF)
	require.EqualValues(t, 1, (s.CDW11>>16)&0xFFFF) // cqid
}

func TestNVMReadWriteLBAEncoding(t *testing.T) {
	const lba = uint64(0x1_0000_0002)
	s := NVMRead(5, 0x9000, lba, 4, 7)
	require.Equal(t, uint32(lba), s.CDW10)
	require.Equal(t, uint32(lba>>32), s.CDW11)
	require.EqualValues(t, 3, s.CDW12&0xFFFF) // blockCount-1

	w := NVMWrite(5, 0x9000, lba, 4, 7)
	require.EqualValues(t, byte(OpNVMWrite), byte(w.CDW0))
}

func TestCompletionPhaseAndStatus(t *testing.T) {
	c := Completion{Status: 0x0003} // phase=1, status code=1
	require.True(t, c.Phase())
	require.EqualValues(t, 1, c.StatusCode())
}

func TestUnmarshalCompletionTooShort(t *testing.T) {
	_, err := UnmarshalCompletion(make([]byte, 4))
	require.Error(t, err)
}
