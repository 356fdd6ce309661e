package virtio

import (
	"bytes"
	"context"
	"errors"
	"testing"

	amd64pci "github.com/tinyrange/stordrv/internal/devices/amd64/pci"
	devpci "github.com/tinyrange/stordrv/internal/devices/pci"
	devvirtio "github.com/tinyrange/stordrv/internal/devices/virtio"
	"github.com/tinyrange/stordrv/internal/hv"
	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/mmio"
	"github.com/tinyrange/stordrv/internal/pci"
)

type testRig struct {
	machine *hv.Machine
	scsi    *devvirtio.SCSI
	scanner *pci.Scanner
	mapper  *mmio.Mapper
}

func newRig(t *testing.T, machine hv.Config, cfg devvirtio.SCSIConfig) *testRig {
	t.Helper()
	bus, err := devpci.NewBus(devpci.BusConfig{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	m := hv.NewMachine(machine)
	if err := m.AddDevice(amd64pci.NewHostBridge(bus)); err != nil {
		t.Fatalf("add host bridge: %v", err)
	}
	if cfg.Location == (devpci.Location{}) {
		cfg.Location = devpci.Location{Device: 4}
	}
	dev, err := devvirtio.NewSCSI(bus, cfg)
	if err != nil {
		t.Fatalf("NewSCSI: %v", err)
	}
	if err := m.AddDevice(dev); err != nil {
		t.Fatalf("add virtio-scsi: %v", err)
	}
	return &testRig{
		machine: m,
		scsi:    dev,
		scanner: pci.NewScanner(pci.NewPortConfig(m), pci.Options{}),
		mapper:  mmio.NewMapper(m.Frames(), m.Pages(), nil),
	}
}

func (r *testRig) device(opts Options) *Device {
	opts.DMA = r.machine
	return New(hw.NewWindow(r.machine, r.scsi.Base(), RegisterWindowSize), opts)
}

func TestCalculateQueueLayout(t *testing.T) {
	tests := []struct {
		n                  uint16
		avail, used, total uint64
	}{
		{8, 128, 4096, 8192},
		{128, 2048, 4096, 8192},
		{256, 4096, 8192, 12288},
	}
	for _, tt := range tests {
		l := CalculateQueueLayout(tt.n)
		if l.DescOffset != 0 || l.AvailOffset != tt.avail || l.UsedOffset != tt.used || l.TotalSize != tt.total {
			t.Fatalf("CalculateQueueLayout(%d) = %+v", tt.n, l)
		}
	}

	prev := uint64(0)
	for n := 1; n <= 1024; n++ {
		size := CalculateQueueSize(uint16(n))
		if size%hw.PageSize != 0 {
			t.Fatalf("size(%d) = %d is not page aligned", n, size)
		}
		if size < prev {
			t.Fatalf("size(%d) = %d shrank from %d", n, size, prev)
		}
		l := CalculateQueueLayout(uint16(n))
		if l.UsedOffset%QueueAlign != 0 || l.AvailOffset+6+2*uint64(n) > l.UsedOffset {
			t.Fatalf("layout(%d) overlaps: %+v", n, l)
		}
		prev = size
	}
}

func TestLayoutByName(t *testing.T) {
	for name, want := range map[string]Layout{"": SourceLayout, "source": SourceLayout, "standard": StandardLayout} {
		got, err := LayoutByName(name)
		if err != nil || got != want {
			t.Fatalf("LayoutByName(%q) = %+v, %v", name, got, err)
		}
	}
	if _, err := LayoutByName("modern"); err == nil {
		t.Fatalf("expected error for unknown layout")
	}
}

func TestSetupStatusSequence(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		sim    devvirtio.Layout
	}{
		{"source", SourceLayout, devvirtio.LayoutSource},
		{"standard", StandardLayout, devvirtio.LayoutStandard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{Layout: tt.sim, Features: 0x1000_0003})
			d := r.device(Options{Layout: tt.layout})

			q, err := d.Setup(context.Background(), r.mapper, DefaultRequestQueue)
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			want := []uint8{StatusReset, StatusAcknowledge, StatusDriver, StatusDriverOK}
			if got := r.scsi.StatusWrites(); !bytes.Equal(got, want) {
				t.Fatalf("status writes = %#x, want %#x", got, want)
			}
			if r.scsi.GuestFeatures() != 0x1000_0003 || d.Features() != 0x1000_0003 {
				t.Fatalf("features = %#x / %#x", r.scsi.GuestFeatures(), d.Features())
			}
			size, pfn := r.scsi.Queue(DefaultRequestQueue)
			if size != 128 || q.Size() != 128 {
				t.Fatalf("queue size device %d driver %d", size, q.Size())
			}
			if pfn != q.PFN() || uint64(pfn)<<12 != q.PhysAddr() {
				t.Fatalf("pfn = %#x, queue at %#x", pfn, q.PhysAddr())
			}
			if q.FreeDescriptors() != 128 || q.Index() != DefaultRequestQueue {
				t.Fatalf("free %d index %d", q.FreeDescriptors(), q.Index())
			}
		})
	}
}

func TestFeatureMask(t *testing.T) {
	r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{Features: 0x1000_0003})
	d := r.device(Options{FeatureMask: 0x1})

	if _, err := d.Negotiate(context.Background(), DefaultRequestQueue); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if r.scsi.GuestFeatures() != 0x1 {
		t.Fatalf("guest features = %#x", r.scsi.GuestFeatures())
	}
}

func TestQueueSizeEventuallyReported(t *testing.T) {
	r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{QueueSizeDelay: 3, QueueSize: 64})
	d := r.device(Options{QueueSizeBudget: hw.Budget{Attempts: 10}})

	size, err := d.Negotiate(context.Background(), DefaultRequestQueue)
	if err != nil || size != 64 {
		t.Fatalf("Negotiate = %d, %v", size, err)
	}
}

func TestZeroQueueSizeFails(t *testing.T) {
	r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{QueueSizeDelay: 1000})
	d := r.device(Options{QueueSizeBudget: hw.Budget{Attempts: 5}})

	_, err := d.Setup(context.Background(), r.mapper, DefaultRequestQueue)
	if !errors.Is(err, ErrQueueUnavailable) || !errors.Is(err, hw.ErrRegisterRead) {
		t.Fatalf("err = %v", err)
	}
	want := []uint8{StatusReset, StatusAcknowledge, StatusDriver, StatusFailed}
	if got := r.scsi.StatusWrites(); !bytes.Equal(got, want) {
		t.Fatalf("status writes = %#x, want %#x", got, want)
	}
	if r.machine.Frames().Allocated() != 0 {
		t.Fatalf("queue memory allocated for a missing queue")
	}
}

func TestMissingQueueIndex(t *testing.T) {
	r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{NumQueues: 2})
	d := r.device(Options{QueueSizeBudget: hw.Budget{Attempts: 3}})

	if _, err := d.Negotiate(context.Background(), DefaultRequestQueue); !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if d.LastStatus() != StatusFailed {
		t.Fatalf("last status = %#x", d.LastStatus())
	}
}

func TestResetWait(t *testing.T) {
	r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{ResetDelay: 4})
	d := r.device(Options{})
	// Leave a nonzero status behind so the reset is observable.
	if err := d.Window().Write8(SourceLayout.Status, StatusAcknowledge); err != nil {
		t.Fatalf("Write8: %v", err)
	}
	if _, err := d.Negotiate(context.Background(), DefaultRequestQueue); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	r = newRig(t, hv.Config{}, devvirtio.SCSIConfig{ResetDelay: 50})
	d = r.device(Options{ResetBudget: hw.Budget{Attempts: 5}})
	if err := d.Window().Write8(SourceLayout.Status, StatusAcknowledge); err != nil {
		t.Fatalf("Write8: %v", err)
	}
	if _, err := d.Negotiate(context.Background(), DefaultRequestQueue); !errors.Is(err, hw.ErrRegisterRead) {
		t.Fatalf("err = %v, want reset timeout", err)
	}
}

func TestAllocationFailureRegistersNothing(t *testing.T) {
	// One frame above the reserved megabyte; a 128-entry queue needs two.
	r := newRig(t, hv.Config{RAMSize: 1<<20 + hw.PageSize}, devvirtio.SCSIConfig{})
	d := r.device(Options{})

	_, err := d.Setup(context.Background(), r.mapper, DefaultRequestQueue)
	if !errors.Is(err, hw.ErrFrameAllocationFailed) {
		t.Fatalf("err = %v", err)
	}
	if size, pfn := r.scsi.Queue(DefaultRequestQueue); size != 0 || pfn != 0 {
		t.Fatalf("queue registered after failure: size %d pfn %#x", size, pfn)
	}
	writes := r.scsi.StatusWrites()
	if writes[len(writes)-1] != StatusFailed {
		t.Fatalf("status writes = %#x", writes)
	}
}

func TestRegisterQueueWrites(t *testing.T) {
	r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{})
	d := r.device(Options{})

	q, err := AllocateQueue(r.mapper, r.machine, 16)
	if err != nil {
		t.Fatalf("AllocateQueue: %v", err)
	}
	if err := d.RegisterQueue(q, 2); err != nil {
		t.Fatalf("RegisterQueue: %v", err)
	}
	size, pfn := r.scsi.Queue(2)
	if size != 16 || pfn != q.PFN() {
		t.Fatalf("device queue 2 = size %d pfn %#x", size, pfn)
	}
	if sel, err := d.Window().Read16(SourceLayout.QueueSel); err != nil || sel != 2 {
		t.Fatalf("QUEUE_SEL = %d, %v", sel, err)
	}
	if pages := r.machine.Pages().Len(); pages != q.Layout().Pages() {
		t.Fatalf("mapped %d pages for a %d page queue", pages, q.Layout().Pages())
	}
}

// buildRequest lays out a virtio-scsi request for LUN 0 with cdb.
func buildRequest(cdb []byte) []byte {
	req := make([]byte, 51)
	req[0] = 1
	req[2] = 0x40
	copy(req[19:], cdb)
	return req
}

func TestSubmitAndPollUsed(t *testing.T) {
	r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{Vendor: "ACME"})
	d := r.device(Options{})
	ctx := context.Background()

	q, err := d.Setup(ctx, r.mapper, DefaultRequestQueue)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	buf, _, err := r.mapper.MapContiguous(1)
	if err != nil {
		t.Fatalf("MapContiguous: %v", err)
	}
	base := buf.Address()
	if _, err := r.machine.WriteAt(buildRequest([]byte{0x12, 0, 0, 0, 36, 0}), int64(base)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	head, err := q.Submit([]Buffer{
		{Addr: base, Len: 51},
		{Addr: base + 0x100, Len: 108, Write: true},
		{Addr: base + 0x200, Len: 36, Write: true},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if q.FreeDescriptors() != 125 {
		t.Fatalf("free descriptors = %d", q.FreeDescriptors())
	}
	first, err := q.Descriptor(head)
	if err != nil || first.Len != 51 || first.Flags != DescFNext {
		t.Fatalf("head descriptor = %+v, %v", first, err)
	}

	if err := d.Notify(DefaultRequestQueue); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	used, err := q.PollUsed(ctx, hw.Budget{Attempts: 10})
	if err != nil {
		t.Fatalf("PollUsed: %v", err)
	}
	if used.ID != uint32(head) || used.Len != 108+36 {
		t.Fatalf("used = %+v", used)
	}
	if q.FreeDescriptors() != 128 {
		t.Fatalf("descriptors not recycled: %d free", q.FreeDescriptors())
	}

	resp := make([]byte, 108)
	r.machine.ReadAt(resp, int64(base+0x100))
	if resp[10] != 0 || resp[11] != 0 {
		t.Fatalf("status %#x response %#x", resp[10], resp[11])
	}
	inquiry := make([]byte, 36)
	r.machine.ReadAt(inquiry, int64(base+0x200))
	if string(inquiry[8:12]) != "ACME" {
		t.Fatalf("inquiry vendor = %q", inquiry[8:16])
	}
	if r.scsi.Requests() != 1 {
		t.Fatalf("device completed %d requests", r.scsi.Requests())
	}
}

func TestPollUsedTimesOut(t *testing.T) {
	r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{})
	q, err := AllocateQueue(r.mapper, r.machine, 8)
	if err != nil {
		t.Fatalf("AllocateQueue: %v", err)
	}
	if _, err := q.Submit([]Buffer{{Addr: 0x200000, Len: 1}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err = q.PollUsed(context.Background(), hw.Budget{Attempts: 3})
	var timeout *hw.TimeoutError
	if !errors.As(err, &timeout) || timeout.Attempts != 3 {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmitExhaustsDescriptors(t *testing.T) {
	r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{})
	q, err := AllocateQueue(r.mapper, r.machine, 4)
	if err != nil {
		t.Fatalf("AllocateQueue: %v", err)
	}
	bufs := make([]Buffer, 3)
	if _, err := q.Submit(bufs); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := q.Submit(bufs); err == nil {
		t.Fatalf("expected error with one descriptor left")
	}
	if _, err := q.Submit(nil); err == nil {
		t.Fatalf("expected error for empty chain")
	}
}

func TestAttach(t *testing.T) {
	r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{Location: devpci.Location{Bus: 1, Device: 2}, BARIndex: 2, BAR64: true})

	d, dev, err := Attach(context.Background(), r.scanner, r.mapper, r.machine, AttachOptions{Identity: true})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if dev.Address != (pci.Address{Bus: 1, Slot: 2}) || d.Base() != r.scsi.Base() {
		t.Fatalf("attached %s at %#x, want %#x", dev.Address, d.Base(), r.scsi.Base())
	}
	if dev.VendorID != VendorID || dev.SubsystemID != 8 {
		t.Fatalf("vendor %#x subsystem %d", dev.VendorID, dev.SubsystemID)
	}
	if _, err := d.Negotiate(context.Background(), DefaultRequestQueue); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
}

func TestAttachNotFound(t *testing.T) {
	bus, err := devpci.NewBus(devpci.BusConfig{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	m := hv.NewMachine(hv.Config{})
	if err := m.AddDevice(amd64pci.NewHostBridge(bus)); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	_, _, err = Attach(context.Background(), pci.NewScanner(pci.NewPortConfig(m), pci.Options{}), mmio.NewMapper(m.Frames(), m.Pages(), nil), m, AttachOptions{})
	if !errors.Is(err, hw.ErrDeviceNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestAttachIOBar(t *testing.T) {
	r := newRig(t, hv.Config{}, devvirtio.SCSIConfig{Layout: devvirtio.LayoutStandard, IOPort: 0xC040})

	if _, _, err := Attach(context.Background(), r.scanner, r.mapper, r.machine, AttachOptions{}); !errors.Is(err, hw.ErrDeviceNotFound) {
		t.Fatalf("Attach without ports err = %v", err)
	}

	d, _, err := Attach(context.Background(), r.scanner, r.mapper, r.machine, AttachOptions{
		Options: Options{Layout: StandardLayout, DMA: r.machine},
		Ports:   r.machine,
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if d.Base() != 0xC040 {
		t.Fatalf("base = %#x", d.Base())
	}
	q, err := d.Setup(context.Background(), r.mapper, DefaultRequestQueue)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	size, pfn := r.scsi.Queue(int(DefaultRequestQueue))
	if size != q.Size() || pfn != q.PFN() {
		t.Fatalf("device queue = %d@%#x, driver %d@%#x", size, pfn, q.Size(), q.PFN())
	}
	if isr, err := d.ReadISR(); err != nil || isr != 0 {
		t.Fatalf("ReadISR = %#x, %v", isr, err)
	}
}
