package probe

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/stordrv/internal/ahci"
	"github.com/tinyrange/stordrv/internal/config"
	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/pci"
	"github.com/tinyrange/stordrv/internal/sim"
)

func newEnv(t *testing.T, cfg config.Config) (Env, *sim.Machine) {
	t.Helper()
	m, err := sim.New(cfg)
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return Env{
		Config: m.ConfigAccessor(),
		Ports:  m.Machine,
		MMIO:   m.Machine,
		DMA:    m.Machine,
		Frames: m.Frames(),
		Pages:  m.Pages(),
	}, m
}

func TestRunDefault(t *testing.T) {
	cfg := config.Default()
	env, m := newEnv(t, cfg)

	r, err := Run(context.Background(), env, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !r.AHCI.Found || r.AHCI.Err != nil || r.AHCI.State != ahci.StateReset {
		t.Fatalf("ahci report = %+v", r.AHCI)
	}
	if r.AHCI.Address != (pci.Address{Bus: 0, Slot: 0x1f, Function: 2}) || r.AHCI.Base != m.HBA.Base() {
		t.Fatalf("ahci location = %s %#x", r.AHCI.Address, r.AHCI.Base)
	}
	if len(r.AHCI.Ports) != 2 || r.AHCI.Ports[0].Kind != ahci.KindSATA || !r.AHCI.Ports[0].Present {
		t.Fatalf("ports = %+v", r.AHCI.Ports)
	}

	v := r.Virtio
	if !v.Found || v.Err != nil || v.Disk == nil {
		t.Fatalf("virtio report = %+v", v)
	}
	if v.Capacity.Blocks != 2048 || v.Capacity.BlockSize != 512 {
		t.Fatalf("capacity = %+v", v.Capacity)
	}
	if v.Vendor != "TINYRNGE" || v.Product != "SIM VIRTIO SCSI" || v.QueueSize != 128 || v.Transport != config.TransportQueue {
		t.Fatalf("virtio report = %+v", v)
	}

	want := bytes.Repeat([]byte{0x5A}, 1024)
	if err := v.Disk.WriteBlocks(context.Background(), 10, want); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got := make([]byte, len(want))
	if err := v.Disk.ReadBlocks(context.Background(), 10, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back differs")
	}
}

func TestRunRegisterTransport(t *testing.T) {
	cfg := config.Default()
	cfg.SCSI.Transport = config.TransportRegister
	cfg.AHCI.Disabled = true
	env, _ := newEnv(t, cfg)

	r, err := Run(context.Background(), env, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.AHCI.Found {
		t.Fatalf("disabled path ran: %+v", r.AHCI)
	}
	if r.Virtio.Transport != config.TransportRegister || r.Virtio.Capacity.Blocks != 2048 {
		t.Fatalf("virtio report = %+v", r.Virtio)
	}
}

func TestRunIOBar(t *testing.T) {
	cfg := config.Default()
	cfg.AHCI.Disabled = true
	cfg.Sim.Virtio.IOPort = 0xC000
	env, _ := newEnv(t, cfg)

	r, err := Run(context.Background(), env, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Virtio.Base != 0xC000 || r.Virtio.Disk == nil || r.Virtio.Capacity.Blocks != 2048 {
		t.Fatalf("virtio report = %+v", r.Virtio)
	}
}

func TestRunRecordsMissingDevices(t *testing.T) {
	cfg := config.Default()
	cfg.Sim.AHCI.Disabled = true
	cfg.Sim.Virtio.Disabled = true
	env, _ := newEnv(t, cfg)

	r, err := Run(context.Background(), env, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.AHCI.Found || !errors.Is(r.AHCI.Err, hw.ErrDeviceNotFound) {
		t.Fatalf("ahci report = %+v", r.AHCI)
	}
	if r.Virtio.Found || !errors.Is(r.Virtio.Err, hw.ErrDeviceNotFound) {
		t.Fatalf("virtio report = %+v", r.Virtio)
	}
}

func TestRunECAMSegmentWithoutAHCI(t *testing.T) {
	cfg := config.Default()
	cfg.PCI.Mechanism = config.MechanismECAM
	cfg.PCI.ECAMBase = 0xB000_0000
	cfg.PCI.ECAMBuses = 4
	cfg.Sim.AHCI.Disabled = true
	env, _ := newEnv(t, cfg)
	var buses int
	env.Progress = func(int) { buses++ }

	r, err := Run(context.Background(), env, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.AHCI.Found || !errors.Is(r.AHCI.Err, hw.ErrDeviceNotFound) {
		t.Fatalf("ahci report = %+v", r.AHCI)
	}
	if !r.Virtio.Found || r.Virtio.Err != nil || r.Virtio.Capacity.Blocks != 2048 {
		t.Fatalf("virtio report = %+v", r.Virtio)
	}
	// The AHCI walk covers the four decoded buses and no more.
	if buses < 4 || buses > 8 {
		t.Fatalf("progress called %d times", buses)
	}
}

func TestRunRecordsTimeouts(t *testing.T) {
	cfg := config.Default()
	cfg.AHCI.Reset.Attempts = 20
	cfg.Sim.AHCI.ResetReads = -1
	cfg.Virtio.QueueSize.Attempts = 5
	cfg.Sim.Virtio.QueueSizeDelay = 1000
	env, _ := newEnv(t, cfg)

	r, err := Run(context.Background(), env, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var te *hw.TimeoutError
	if !r.AHCI.Found || r.AHCI.State != ahci.StateResetTimedOut || !errors.As(r.AHCI.Err, &te) {
		t.Fatalf("ahci report = %+v", r.AHCI)
	}
	if !r.Virtio.Found || !errors.Is(r.Virtio.Err, hw.ErrRegisterRead) || r.Virtio.Disk != nil {
		t.Fatalf("virtio report = %+v", r.Virtio)
	}
}

func TestScan(t *testing.T) {
	cfg := config.Default()
	env, _ := newEnv(t, cfg)
	var buses int
	env.Progress = func(int) { buses++ }

	devs, err := Scan(context.Background(), env, cfg)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if buses != 256 {
		t.Fatalf("progress called %d times", buses)
	}
	var classes []pci.Class
	for _, d := range devs {
		classes = append(classes, d.Class)
	}
	var ahciSeen, scsiSeen bool
	for _, c := range classes {
		ahciSeen = ahciSeen || c == pci.ClassAHCI
		scsiSeen = scsiSeen || c == pci.ClassSCSI
	}
	if !ahciSeen || !scsiSeen {
		t.Fatalf("classes = %v", classes)
	}
}
