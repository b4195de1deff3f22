// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package queue_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nvmehost.dev/x/nvme/command"
	"nvmehost.dev/x/nvme/nvmetest"
	"nvmehost.dev/x/nvme/platform/fakemem"
	"nvmehost.dev/x/nvme/queue"
	"nvmehost.dev/x/nvme/regs"
)

func newDeviceAndPlatform(t *testing.T) (*nvmetest.Device, *fakemem.Platform) {
	t.Helper()
	plat := fakemem.New(4096)
	mem := make([]byte, 0x2000)
	dev := nvmetest.NewDevice(mem, plat, nvmetest.Config{
		MQES: 1023,
		TO:   20,
		Controller: nvmetest.ControllerInfo{
			VendorID: 0x1234, ProductID: 0x5678,
			SerialNumber: "SN0001", ModelNumber: "FAKE-NVME", Firmware: "1.0",
			SQESMin: 6, SQESMax: 6, CQESMin: 4, CQESMax: 4, MaxCmd: 64,
		},
		Namespaces: []*nvmetest.NamespaceModel{
			{ID: 1, LBASize: 512, LBACount: 2048},
		},
	})
	t.Cleanup(dev.Close)
	return dev, plat
}

func TestSubmitSyncIdentifyController(t *testing.T) {
	dev, plat := newDeviceAndPlatform(t)
	qp := waitReady(t, dev, plat)
	defer qp.Close()

	buf, err := plat.DMAAlloc(4096, 4096, 0)
	require.NoError(t, err)
	defer plat.DMAFree(buf)

	c, err := qp.SubmitSync(command.Identify(command.CNSController, 0, buf.Bus, 0))
	require.NoError(t, err)
	require.EqualValues(t, 0, c.StatusCode())
	require.EqualValues(t, 0x1234, uint16(buf.Virt[0])|uint16(buf.Virt[1])<<8)
}

func TestSubmitSyncReadWriteRoundTrip(t *testing.T) {
	dev, plat := newDeviceAndPlatform(t)
	qp := waitReady(t, dev, plat)
	defer qp.Close()

	payload, err := plat.DMAAlloc(512, 4096, 0)
	require.NoError(t, err)
	defer plat.DMAFree(payload)
	for i := range payload.Virt {
		payload.Virt[i] = byte(i)
	}

	_, err = qp.SubmitSync(command.NVMWrite(1, payload.Bus, 0, 1, 0))
	require.NoError(t, err)

	readBuf, err := plat.DMAAlloc(512, 4096, 0)
	require.NoError(t, err)
	defer plat.DMAFree(readBuf)

	_, err = qp.SubmitSync(command.NVMRead(1, readBuf.Bus, 0, 1, 0))
	require.NoError(t, err)
	require.Equal(t, payload.Virt, readBuf.Virt)
}

func TestSubmitSyncDeviceErrorStatus(t *testing.T) {
	dev, plat := newDeviceAndPlatform(t)
	qp := waitReady(t, dev, plat)
	defer qp.Close()

	dev.ForceNextStatus(qp.QID(), 0x02) // arbitrary non-zero status code

	buf, err := plat.DMAAlloc(4096, 4096, 0)
	require.NoError(t, err)
	defer plat.DMAFree(buf)

	before := qp.SubmissionTail()
	_, err = qp.SubmitSync(command.Identify(command.CNSController, 0, buf.Bus, 0))
	require.Error(t, err)
	require.Equal(t, (before+1)%qp.SubmissionDepth(), qp.SubmissionTail())
}

// waitReady brings up the admin queue and polls CSTS.RDY without the
// flaky zero-timeout of require.Eventually, since this module never runs
// the Go toolchain to tune that helper's defaults.
func waitReady(t *testing.T, dev *nvmetest.Device, plat *fakemem.Platform) *queue.QueuePair {
	t.Helper()
	bar := dev.BAR()
	bar.LatchDoorbellStride()

	qp, err := queue.New(0, bar, plat, 16, 16)
	require.NoError(t, err)

	require.NoError(t, bar.SetAQA(qp.SubmissionDepth()-1, qp.CompletionDepth()-1))
	require.NoError(t, bar.SetASQ(qp.SubmissionBusAddr()))
	require.NoError(t, bar.SetACQ(qp.CompletionBusAddr()))
	bar.SetCC(regs.NewConfiguration(true, 0, 6, 4))

	for i := 0; i < 100000 && !bar.CSTS().Ready(); i++ {
		// device-side enable handling runs on its own goroutine; spin
		// until it observes CC.Enable and raises CSTS.RDY.
	}
	require.True(t, bar.CSTS().Ready(), "device never became ready")
	return qp
}
