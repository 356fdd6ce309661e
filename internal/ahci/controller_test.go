package ahci

import (
	"context"
	"errors"
	"testing"

	devahci "github.com/tinyrange/stordrv/internal/devices/ahci"
	amd64pci "github.com/tinyrange/stordrv/internal/devices/amd64/pci"
	devpci "github.com/tinyrange/stordrv/internal/devices/pci"
	"github.com/tinyrange/stordrv/internal/hv"
	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/mmio"
	"github.com/tinyrange/stordrv/internal/pci"
)

type testRig struct {
	machine *hv.Machine
	hba     *devahci.HBA
	scanner *pci.Scanner
	mapper  *mmio.Mapper
	addr    pci.Address
}

func newRig(t *testing.T, cfg devahci.HBAConfig) *testRig {
	t.Helper()
	bus, err := devpci.NewBus(devpci.BusConfig{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	m := hv.NewMachine(hv.Config{RAMSize: 4 << 20})
	if err := m.AddDevice(amd64pci.NewHostBridge(bus)); err != nil {
		t.Fatalf("add host bridge: %v", err)
	}
	if cfg.Location == (devpci.Location{}) {
		cfg.Location = devpci.Location{Bus: 0, Device: 0x1f, Function: 2}
	}
	hba, err := devahci.NewHBA(bus, cfg)
	if err != nil {
		t.Fatalf("NewHBA: %v", err)
	}
	if err := m.AddDevice(hba); err != nil {
		t.Fatalf("add HBA: %v", err)
	}
	return &testRig{
		machine: m,
		hba:     hba,
		scanner: pci.NewScanner(pci.NewPortConfig(m), pci.Options{AllFunctions: true}),
		mapper:  mmio.NewMapper(m.Frames(), m.Pages(), nil),
		addr:    pci.Address{Bus: cfg.Location.Bus, Slot: cfg.Location.Device, Function: cfg.Location.Function},
	}
}

func (r *testRig) controller(opts Options) *Controller {
	if opts.Config == nil {
		opts.Config = r.scanner.Config()
		opts.Address = r.addr
	}
	return New(hw.NewWindow(r.machine, r.hba.Base(), MemorySize), opts)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		sig  uint32
		want Kind
	}{
		{0x00000101, KindSATA},
		{0xEB140101, KindATAPI},
		{0x00008000, KindSCSI},
		{0x96690101, KindUnknown},
		{0xFFFFFFFF, KindUnknown},
		{0, KindUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.sig); got != tt.want {
			t.Fatalf("Classify(%#x) = %v, want %v", tt.sig, got, tt.want)
		}
	}
}

func TestResetSetsAEAndHR(t *testing.T) {
	r := newRig(t, devahci.HBAConfig{ResetReads: 3})
	c := r.controller(Options{})

	if c.State() != StateUnreset {
		t.Fatalf("initial state = %v", c.State())
	}
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.State() != StateReset {
		t.Fatalf("state = %v", c.State())
	}
	writes := r.hba.GHCWrites()
	if len(writes) != 1 || writes[0] != GHCAHCIEnable|GHCHostReset {
		t.Fatalf("GHC writes = %#x", writes)
	}
}

func TestDumpRegisters(t *testing.T) {
	r := newRig(t, devahci.HBAConfig{})
	c := r.controller(Options{})
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	regs, err := c.DumpRegisters(HostControlSize)
	if err != nil {
		t.Fatalf("DumpRegisters: %v", err)
	}
	want := []uint32{0x40141F05, GHCAHCIEnable, 0, 0x3F, 0x00010300}
	if len(regs) != len(want) {
		t.Fatalf("dumped %d registers", len(regs))
	}
	for i := range want {
		if regs[i] != want[i] {
			t.Fatalf("register %#x = %#08x, want %#08x", i*4, regs[i], want[i])
		}
	}
}

func TestResetTimeout(t *testing.T) {
	r := newRig(t, devahci.HBAConfig{ResetReads: -1})
	c := r.controller(Options{ResetBudget: hw.Budget{Attempts: 50}})

	err := c.Reset(context.Background())
	if !errors.Is(err, hw.ErrRegisterRead) {
		t.Fatalf("err = %v, want ErrRegisterRead", err)
	}
	var timeout *hw.TimeoutError
	if !errors.As(err, &timeout) || timeout.Attempts != 50 {
		t.Fatalf("err = %#v, want TimeoutError after 50 attempts", err)
	}
	if c.State() != StateResetTimedOut {
		t.Fatalf("state = %v", c.State())
	}
}

func TestIntelPCSQuirk(t *testing.T) {
	tests := []struct {
		name      string
		pi        uint32
		pcs       uint16
		want      uint16
		wantWrite bool
	}{
		{"enables missing ports", 0x3F, 0x0003, 0x003F, true},
		{"masks PI", 0xFF, 0x0100, 0x013F, true},
		{"already enabled", 0x05, 0x0007, 0x0007, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, devahci.HBAConfig{PI: tt.pi, PCS: tt.pcs})
			c := r.controller(Options{HFlags: HFlagIntelPCSQuirk})

			before := r.hba.Function().Writes()
			if err := c.Reset(context.Background()); err != nil {
				t.Fatalf("Reset: %v", err)
			}
			pcs, err := r.hba.Function().ReadConfig(ConfigPCS, 2)
			if err != nil {
				t.Fatalf("ReadConfig: %v", err)
			}
			if uint16(pcs) != tt.want {
				t.Fatalf("PCS = %#x, want %#x", pcs, tt.want)
			}
			if wrote := r.hba.Function().Writes() > before; wrote != tt.wantWrite {
				t.Fatalf("PCS written = %v, want %v", wrote, tt.wantWrite)
			}
		})
	}
}

func TestIntelPCSQuirkNeedsConfig(t *testing.T) {
	r := newRig(t, devahci.HBAConfig{})
	c := New(hw.NewWindow(r.machine, r.hba.Base(), MemorySize), Options{HFlags: HFlagIntelPCSQuirk})
	if err := c.Reset(context.Background()); !errors.Is(err, hw.ErrPortInitializationFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestFindSATADevices(t *testing.T) {
	cfg := devahci.HBAConfig{PI: 0xFF}
	cfg.Ports[0] = devahci.PortConfig{Signature: SigSATA, Command: 0x0017}
	cfg.Ports[1] = devahci.PortConfig{Signature: SigATAPI}
	cfg.Ports[2] = devahci.PortConfig{Signature: SigSATA, Command: 0x0016}
	cfg.Ports[3] = devahci.PortConfig{Signature: SigSCSI}
	cfg.Ports[4] = devahci.PortConfig{Signature: 0x12345678}
	cfg.Ports[5] = devahci.PortConfig{Signature: SigSATA, Command: 0x1}
	r := newRig(t, cfg)

	ports, err := r.controller(Options{}).FindSATADevices()
	if err != nil {
		t.Fatalf("FindSATADevices: %v", err)
	}
	if len(ports) != DriveCount {
		t.Fatalf("found %d ports, want %d (PI masked to 0x3F)", len(ports), DriveCount)
	}
	want := []struct {
		kind    Kind
		present bool
	}{
		{KindSATA, true},
		{KindATAPI, false},
		{KindSATA, false},
		{KindSCSI, false},
		{KindUnknown, false},
		{KindSATA, true},
	}
	for i, w := range want {
		if ports[i].Index != i || ports[i].Kind != w.kind || ports[i].Present != w.present {
			t.Fatalf("port %d = %+v, want kind %v present %v", i, ports[i], w.kind, w.present)
		}
	}
	if !errors.Is(ports[4].Err, hw.ErrInvalidSignature) {
		t.Fatalf("unknown port err = %v", ports[4].Err)
	}
	if ports[0].Command != 0x0017 {
		t.Fatalf("port 0 command = %#x", ports[0].Command)
	}
}

func TestFindSATADevicesSkipsUnimplemented(t *testing.T) {
	cfg := devahci.HBAConfig{PI: 0x24, Layout: devahci.LayoutStandard}
	cfg.Ports[2] = devahci.PortConfig{Signature: SigSATA, Command: 0x1}
	cfg.Ports[5] = devahci.PortConfig{Signature: SigATAPI}
	r := newRig(t, cfg)

	ports, err := r.controller(Options{Layout: StandardPortLayout}).FindSATADevices()
	if err != nil {
		t.Fatalf("FindSATADevices: %v", err)
	}
	if len(ports) != 2 || ports[0].Index != 2 || ports[1].Index != 5 {
		t.Fatalf("ports = %+v", ports)
	}
	if !ports[0].Present || ports[1].Kind != KindATAPI {
		t.Fatalf("ports = %+v", ports)
	}
}

func TestWindowBoundsRejected(t *testing.T) {
	r := newRig(t, devahci.HBAConfig{PI: 0x3F})

	small := New(hw.NewWindow(r.machine, r.hba.Base(), 0x2000), Options{})
	if _, err := small.FindSATADevices(); !errors.Is(err, hw.ErrInvalidMemoryAddress) {
		t.Fatalf("err = %v, want ErrInvalidMemoryAddress", err)
	}

	limited := New(hw.NewWindow(r.machine, r.hba.Base(), MemorySize).WithLimit(r.hba.Base()+0x1000), Options{})
	if _, err := limited.FindSATADevices(); !errors.Is(err, hw.ErrInvalidMemoryAddress) {
		t.Fatalf("err = %v, want ErrInvalidMemoryAddress", err)
	}

	null := New(hw.NewWindow(r.machine, 0, MemorySize), Options{})
	if err := null.Reset(context.Background()); !errors.Is(err, hw.ErrInvalidMemoryAddress) {
		t.Fatalf("err = %v, want ErrInvalidMemoryAddress", err)
	}
}

func TestAttach(t *testing.T) {
	cfg := devahci.HBAConfig{PI: 0x03, PCS: 0x0001}
	cfg.Ports[0] = devahci.PortConfig{Signature: SigSATA, Command: 0x1}
	cfg.Ports[1] = devahci.PortConfig{Signature: SigATAPI}
	r := newRig(t, cfg)

	ctrl, ports, err := Attach(context.Background(), r.scanner, r.mapper, r.machine, AttachOptions{Identity: true})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if ctrl.Base() != r.hba.Base() || ctrl.State() != StateReset {
		t.Fatalf("controller base %#x state %v", ctrl.Base(), ctrl.State())
	}
	if ctrl.HFlags() != HFlagIntelPCSQuirk || ctrl.Flags() != FlagCommon || ctrl.PIOMask() != PIO4 || ctrl.UDMAMask() != UDMA6 {
		t.Fatalf("flags = %#x %#x %#x %#x", ctrl.HFlags(), ctrl.Flags(), ctrl.PIOMask(), ctrl.UDMAMask())
	}
	if len(ports) != 2 || !ports[0].Present {
		t.Fatalf("ports = %+v", ports)
	}
	if pcs, _ := r.hba.Function().ReadConfig(ConfigPCS, 2); pcs != 0x0003 {
		t.Fatalf("PCS = %#x", pcs)
	}
	// MemorySize bytes from the ABAR, inclusive of the page holding the end.
	if got := r.machine.Pages().Len(); got != MemorySize/hw.PageSize+1 {
		t.Fatalf("mapped %d pages", got)
	}
}

func TestAttachNotFound(t *testing.T) {
	bus, err := devpci.NewBus(devpci.BusConfig{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	m := hv.NewMachine(hv.Config{RAMSize: 1 << 20})
	if err := m.AddDevice(amd64pci.NewHostBridge(bus)); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	scanner := pci.NewScanner(pci.NewPortConfig(m), pci.Options{})
	_, _, err = Attach(context.Background(), scanner, mmio.NewMapper(m.Frames(), m.Pages(), nil), m, AttachOptions{})
	if !errors.Is(err, hw.ErrDeviceNotFound) {
		t.Fatalf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestAttachResetTimeoutReturnsController(t *testing.T) {
	r := newRig(t, devahci.HBAConfig{ResetReads: -1})

	ctrl, _, err := Attach(context.Background(), r.scanner, r.mapper, r.machine, AttachOptions{
		Options: Options{ResetBudget: hw.Budget{Attempts: 10}},
	})
	if !errors.Is(err, hw.ErrRegisterRead) {
		t.Fatalf("err = %v", err)
	}
	if ctrl == nil || ctrl.State() != StateResetTimedOut {
		t.Fatalf("controller = %v", ctrl)
	}
}
