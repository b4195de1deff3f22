// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package nvme_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nvmehost.dev/x/nvme"
	"nvmehost.dev/x/nvme/nvmetest"
	"nvmehost.dev/x/nvme/platform/fakemem"
)

func newBroughtUpController(t *testing.T, devCfg nvmetest.Config, nvmeCfg nvme.Config) (*nvme.Controller, *nvmetest.Device) {
	t.Helper()
	plat := fakemem.New(4096)
	mem := make([]byte, 0x3000)
	dev := nvmetest.NewDevice(mem, plat, devCfg)
	t.Cleanup(dev.Close)

	if nvmeCfg.PageSize == 0 {
		nvmeCfg.PageSize = 4096
	}
	c, err := nvme.New(mem, plat, nvmeCfg)
	require.NoError(t, err)
	return c, dev
}

func oneNamespaceDevice() nvmetest.Config {
	return nvmetest.Config{
		MQES: 1023,
		TO:   20,
		VersionMajor: 1, VersionMinor: 4, VersionTertiary: 0,
		Controller: nvmetest.ControllerInfo{
			VendorID: 0x1234, ProductID: 0x5678,
			SerialNumber: "SN0001", ModelNumber: "FAKE-NVME", Firmware: "1.0",
			SQESMin: 6, SQESMax: 6, CQESMin: 4, CQESMax: 4, MaxCmd: 64,
		},
		Namespaces: []*nvmetest.NamespaceModel{
			{ID: 1, LBASize: 512, LBACount: 2048},
		},
	}
}

// TestBringUpScenario1 covers spec.md §8 scenario 1.
func TestBringUpScenario1(t *testing.T) {
	c, _ := newBroughtUpController(t, oneNamespaceDevice(), nvme.Config{IOQueuePairCount: 1})

	major, minor, tertiary := c.Version()
	require.EqualValues(t, 1, major)
	require.EqualValues(t, 4, minor)
	require.EqualValues(t, 0, tertiary)
}

// TestNamespacesScenario2 covers spec.md §8 scenario 2.
func TestNamespacesScenario2(t *testing.T) {
	c, _ := newBroughtUpController(t, oneNamespaceDevice(), nvme.Config{})

	namespaces := c.Namespaces()
	require.Len(t, namespaces, 1)
	require.EqualValues(t, 1, namespaces[0].ID)
	require.EqualValues(t, 512, namespaces[0].LBASize)
}

// TestBlockReadWriteRoundTripScenario3 covers spec.md §8 scenario 3.
func TestBlockReadWriteRoundTripScenario3(t *testing.T) {
	c, _ := newBroughtUpController(t, oneNamespaceDevice(), nvme.Config{})
	ns := c.Namespaces()[0]

	write := make([]byte, ns.LBASize)
	copy(write, "hello world! block 0")

	require.NoError(t, c.BlockWrite(ns, 0, write))

	read := make([]byte, ns.LBASize)
	require.NoError(t, c.BlockRead(ns, 0, read))
	require.Equal(t, write, read)
}

// TestBlockReadWrite128BlocksScenario4 covers spec.md §8 scenario 4.
func TestBlockReadWrite128BlocksScenario4(t *testing.T) {
	cfg := oneNamespaceDevice()
	cfg.Namespaces = []*nvmetest.NamespaceModel{{ID: 1, LBASize: 512, LBACount: 256}}
	c, _ := newBroughtUpController(t, cfg, nvme.Config{})
	ns := c.Namespaces()[0]

	for i := uint64(0); i < 128; i++ {
		buf := make([]byte, ns.LBASize)
		copy(buf, []byte("hello world! block "))
		buf[len(buf)-1] = byte(i)
		require.NoError(t, c.BlockWrite(ns, i, buf))
	}
	for i := uint64(0); i < 128; i++ {
		want := make([]byte, ns.LBASize)
		copy(want, []byte("hello world! block "))
		want[len(want)-1] = byte(i)

		got := make([]byte, ns.LBASize)
		require.NoError(t, c.BlockRead(ns, i, got))
		require.Equal(t, want, got)
	}
}

// TestBlockWriteRejectsMisalignedLengthScenario5 covers spec.md §8
// scenario 5.
func TestBlockWriteRejectsMisalignedLengthScenario5(t *testing.T) {
	c, _ := newBroughtUpController(t, oneNamespaceDevice(), nvme.Config{})
	ns := c.Namespaces()[0]

	err := c.BlockWrite(ns, 0, make([]byte, int(ns.LBASize)+1))
	require.Error(t, err)
}

func TestBringUpReconfiguresWhenMinimaDiffer(t *testing.T) {
	cfg := oneNamespaceDevice()
	cfg.Controller.SQESMin, cfg.Controller.SQESMax = 7, 7
	cfg.Controller.CQESMin, cfg.Controller.CQESMax = 5, 5

	c, _ := newBroughtUpController(t, cfg, nvme.Config{})
	info := c.ControllerInfo()
	require.EqualValues(t, 7, info.SQESMin)
	require.EqualValues(t, 5, info.CQESMin)
}
