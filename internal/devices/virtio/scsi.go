package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/stordrv/internal/devices/pci"
	"github.com/tinyrange/stordrv/internal/hv"
)

const (
	VIRTIO_PCI_VENDOR_ID       = 0x1AF4
	VIRTIO_PCI_DEVICE_ID_SCSI  = 0x1004
	VIRTIO_ID_SCSI             = 8
	VIRTIO_SCSI_F_INOUT        = 1 << 0
	VIRTIO_SCSI_F_HOTPLUG      = 1 << 1
	VIRTIO_RING_F_INDIRECT     = 1 << 28
	VIRTIO_STATUS_FAILED       = 0x80
	VIRTIO_SCSI_S_OK           = 0
	VIRTIO_SCSI_S_BAD_TARGET   = 3
	VIRTIO_SCSI_CDB_SIZE       = 32
	VIRTIO_SCSI_SENSE_SIZE     = 96
	virtioSCSIRequestHeaderLen = 19 + VIRTIO_SCSI_CDB_SIZE
	virtioSCSIResponseLen      = 12 + VIRTIO_SCSI_SENSE_SIZE
)

// Register-transport command block, relative to the BAR.
const (
	CommandBlockOffset = 0x1000
	CommandBlockSize   = 0x2000

	CmdRegCommand  = 0x00
	CmdRegResponse = 0x10
	CmdRegStatus   = 0x40
	CmdRegNotify   = 0x50
	CmdRegData     = 0x1000
	DataWindowSize = 0x1000

	CmdStatusReady          = 0x01
	CmdStatusCheckCondition = 0x02
)

const (
	scsiBARSize = 0x4000
	ioBARSize   = 0x40
)

// Layout selects the legacy register map the device decodes.
type Layout int

const (
	// LayoutSource: features 0x10 (read and write), queue address 0x08,
	// queue size 0x12 (16-bit), status 0x12 (8-bit), select 0x14,
	// notify 0x16, PFN 0x20.
	LayoutSource Layout = iota
	// LayoutStandard is the virtio 0.9.5 legacy PCI map.
	LayoutStandard
)

// SCSIConfig configures a simulated virtio-scsi function.
type SCSIConfig struct {
	Location pci.Location
	Layout   Layout
	// BARIndex selects which BAR carries the register block.
	BARIndex int
	BAR64    bool
	// IOPort, when set, places the legacy registers in an I/O BAR0 at this
	// port instead of in memory. There is no command block in that mode.
	IOPort uint16

	Features  uint32
	NumQueues int
	QueueSize uint16
	// QueueSizeDelay QUEUE_SIZE reads return 0 before the real size.
	QueueSizeDelay int
	// ResetDelay STATUS reads after a reset still return the old status.
	ResetDelay int
	// CommandDelay status-register reads before a register-transport command
	// completes. Negative means commands never complete.
	CommandDelay int

	Backing   Backing
	Blocks    uint64
	BlockSize uint32
	Vendor    string
	Product   string
}

func (c *SCSIConfig) normalize() {
	if c.BARIndex == 0 {
		c.BARIndex = 1
	}
	if c.Features == 0 {
		c.Features = VIRTIO_SCSI_F_INOUT | VIRTIO_SCSI_F_HOTPLUG | VIRTIO_RING_F_INDIRECT
	}
	if c.NumQueues == 0 {
		c.NumQueues = 3
	}
	if c.QueueSize == 0 {
		c.QueueSize = 128
	}
	if c.BlockSize == 0 {
		c.BlockSize = 512
	}
	if c.Blocks == 0 {
		c.Blocks = 2048
	}
	if c.Backing == nil {
		c.Backing = NewMemoryBacking(int(c.Blocks) * int(c.BlockSize))
	}
	if c.Vendor == "" {
		c.Vendor = "TINYRNGE"
	}
	if c.Product == "" {
		c.Product = "SIM VIRTIO SCSI"
	}
}

type legacyRegs struct {
	deviceFeatures uint64
	guestFeatures  uint64
	queueAddr      uint64
	queuePFN       uint64
	queueSize      uint64
	queueSel       uint64
	queueNotify    uint64
	status         uint64
	isr            uint64
	hasISR         bool
	hasQueueAddr   bool
}

func (l Layout) regs() legacyRegs {
	if l == LayoutStandard {
		return legacyRegs{
			deviceFeatures: 0x00,
			guestFeatures:  0x04,
			queuePFN:       0x08,
			queueSize:      0x0C,
			queueSel:       0x0E,
			queueNotify:    0x10,
			status:         0x12,
			isr:            0x13,
			hasISR:         true,
		}
	}
	return legacyRegs{
		deviceFeatures: 0x10,
		guestFeatures:  0x10,
		queueAddr:      0x08,
		queuePFN:       0x20,
		queueSize:      0x12,
		queueSel:       0x14,
		queueNotify:    0x16,
		status:         0x12,
		hasQueueAddr:   true,
	}
}

// SCSI is a legacy virtio-scsi PCI function with one target and LUN 0.
type SCSI struct {
	mu sync.Mutex

	cfg  SCSIConfig
	regs legacyRegs
	fn   *pci.Function
	base uint64

	target *target
	queues []*VirtQueue

	guestFeatures  uint32
	status         uint8
	statusWrites   []uint8
	resetPending   int
	queueSel       uint16
	queueSizeReads int
	queueAddr      uint64
	isr            uint8

	cmdBlock   [CommandBlockSize]byte
	cmdPending int
	commands   int
	requests   int
}

// NewSCSI allocates the register BAR on bus and registers the function.
func NewSCSI(bus *pci.Bus, cfg SCSIConfig) (*SCSI, error) {
	cfg.normalize()
	if cfg.BARIndex < 0 || cfg.BARIndex >= 6 || (cfg.BAR64 && cfg.BARIndex == 5) {
		return nil, fmt.Errorf("virtio-scsi: invalid BAR index %d", cfg.BARIndex)
	}

	var (
		bars [6]pci.BARSpec
		base uint64
	)
	if cfg.IOPort != 0 {
		if cfg.IOPort%ioBARSize != 0 {
			return nil, fmt.Errorf("virtio-scsi: I/O BAR at %#x is not %#x aligned", cfg.IOPort, ioBARSize)
		}
		bars[0] = pci.BARSpec{Base: uint64(cfg.IOPort), Size: ioBARSize, IO: true}
	} else {
		var err error
		base, err = bus.AllocateMMIO(scsiBARSize)
		if err != nil {
			return nil, fmt.Errorf("virtio-scsi: allocate BAR: %w", err)
		}
		bars[cfg.BARIndex] = pci.BARSpec{Base: base, Size: scsiBARSize, Is64: cfg.BAR64}
	}
	fn, err := pci.NewFunction(pci.FunctionConfig{
		VendorID:          VIRTIO_PCI_VENDOR_ID,
		DeviceID:          VIRTIO_PCI_DEVICE_ID_SCSI,
		Class:             0x01,
		Subclass:          0x00,
		SubsystemVendorID: VIRTIO_PCI_VENDOR_ID,
		SubsystemID:       VIRTIO_ID_SCSI,
		BARs:              bars,
	})
	if err != nil {
		return nil, err
	}
	if err := bus.Register(cfg.Location, fn); err != nil {
		return nil, err
	}

	return &SCSI{
		cfg:  cfg,
		regs: cfg.Layout.regs(),
		fn:   fn,
		base: base,
		target: &target{
			backing:   cfg.Backing,
			blocks:    cfg.Blocks,
			blockSize: cfg.BlockSize,
			vendor:    cfg.Vendor,
			product:   cfg.Product,
		},
	}, nil
}

// Base returns the register BAR address.
func (d *SCSI) Base() uint64 { return d.base }

// Function returns the device's PCI function.
func (d *SCSI) Function() *pci.Function { return d.fn }

// StatusWrites returns every value the driver wrote to STATUS.
func (d *SCSI) StatusWrites() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint8(nil), d.statusWrites...)
}

// GuestFeatures returns the feature set the driver accepted.
func (d *SCSI) GuestFeatures() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guestFeatures
}

// Queue returns the device-side state of queue index.
func (d *SCSI) Queue(index int) (size uint16, pfn uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.queues) {
		return 0, 0
	}
	return d.queues[index].Size, d.queues[index].PFN
}

// Requests returns how many queued requests the device has completed.
func (d *SCSI) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

// Init implements hv.Device.
func (d *SCSI) Init(m *hv.Machine) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues = make([]*VirtQueue, d.cfg.NumQueues)
	for i := range d.queues {
		d.queues[i] = NewVirtQueue(m, d.cfg.QueueSize)
	}
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (d *SCSI) MMIORegions() []hv.MMIORegion {
	if d.cfg.IOPort != 0 {
		return nil
	}
	return []hv.MMIORegion{{Address: d.base, Size: scsiBARSize}}
}

// IOPorts implements hv.X86IOPortDevice.
func (d *SCSI) IOPorts() []uint16 {
	if d.cfg.IOPort == 0 {
		return nil
	}
	ports := make([]uint16, ioBARSize)
	for i := range ports {
		ports[i] = d.cfg.IOPort + uint16(i)
	}
	return ports
}

// ReadIOPort implements hv.X86IOPortDevice.
func (d *SCSI) ReadIOPort(port uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, err := d.readRegister(uint64(port-d.cfg.IOPort), len(data))
	if err != nil {
		return err
	}
	storeLittleEndian(data, value)
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (d *SCSI) WriteIOPort(port uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeRegister(uint64(port-d.cfg.IOPort), len(data), littleEndianValue(data))
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (d *SCSI) ReadMMIO(addr uint64, data []byte) error {
	if addr < d.base || addr+uint64(len(data)) > d.base+scsiBARSize {
		return fmt.Errorf("virtio-scsi: address 0x%x out of bounds", addr)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	offset := addr - d.base
	if offset >= CommandBlockOffset {
		d.readCommandBlock(offset-CommandBlockOffset, data)
		return nil
	}
	value, err := d.readRegister(offset, len(data))
	if err != nil {
		return err
	}
	storeLittleEndian(data, value)
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (d *SCSI) WriteMMIO(addr uint64, data []byte) error {
	if addr < d.base || addr+uint64(len(data)) > d.base+scsiBARSize {
		return fmt.Errorf("virtio-scsi: address 0x%x out of bounds", addr)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	offset := addr - d.base
	if offset >= CommandBlockOffset {
		return d.writeCommandBlock(offset-CommandBlockOffset, data)
	}
	return d.writeRegister(offset, len(data), littleEndianValue(data))
}

func (d *SCSI) selected() *VirtQueue {
	if int(d.queueSel) >= len(d.queues) {
		return nil
	}
	return d.queues[d.queueSel]
}

func (d *SCSI) readRegister(offset uint64, width int) (uint64, error) {
	r := d.regs
	switch {
	case offset == r.deviceFeatures && width == 4:
		return uint64(d.cfg.Features), nil
	case offset == r.guestFeatures && width == 4:
		return uint64(d.guestFeatures), nil
	case offset == r.status && width == 1:
		if d.resetPending > 0 {
			d.resetPending--
			if d.resetPending > 0 {
				return uint64(d.status), nil
			}
			d.status = 0
		}
		return uint64(d.status), nil
	case offset == r.queueSize && width == 2:
		q := d.selected()
		if q == nil {
			return 0, nil
		}
		d.queueSizeReads++
		if d.queueSizeReads <= d.cfg.QueueSizeDelay {
			return 0, nil
		}
		return uint64(q.MaxSize), nil
	case offset == r.queueSel && width == 2:
		return uint64(d.queueSel), nil
	case offset == r.queuePFN && width == 4:
		if q := d.selected(); q != nil {
			return uint64(q.PFN), nil
		}
		return 0, nil
	case r.hasQueueAddr && offset == r.queueAddr && (width == 4 || width == 8):
		return d.queueAddr, nil
	case r.hasISR && offset == r.isr && width == 1:
		isr := d.isr
		d.isr = 0
		return uint64(isr), nil
	case offset == r.queueNotify && width == 2:
		return 0, nil
	}
	return 0, fmt.Errorf("virtio-scsi: unhandled %d-byte read at offset %#x", width, offset)
}

func (d *SCSI) writeRegister(offset uint64, width int, value uint64) error {
	r := d.regs
	switch {
	case offset == r.guestFeatures && width == 4:
		d.guestFeatures = uint32(value) & d.cfg.Features
	case offset == r.status && width == 1:
		d.writeStatus(uint8(value))
	case offset == r.queueSize && width == 2:
		q := d.selected()
		if q == nil {
			return nil
		}
		if err := q.SetSize(uint16(value)); err != nil {
			slog.Warn("virtio-scsi: rejected queue size", "queue", d.queueSel, "err", err)
			d.status |= VIRTIO_STATUS_FAILED
		}
	case offset == r.queueSel && width == 2:
		d.queueSel = uint16(value)
	case offset == r.queuePFN && width == 4:
		if q := d.selected(); q != nil {
			q.SetPFN(uint32(value))
		}
	case r.hasQueueAddr && offset == r.queueAddr && (width == 4 || width == 8):
		d.queueAddr = value
	case offset == r.queueNotify && width == 2:
		return d.notify(uint16(value))
	default:
		return fmt.Errorf("virtio-scsi: unhandled %d-byte write at offset %#x", width, offset)
	}
	return nil
}

func (d *SCSI) writeStatus(value uint8) {
	d.statusWrites = append(d.statusWrites, value)
	if value != 0 {
		d.resetPending = 0
		d.status = value
		return
	}
	d.guestFeatures = 0
	d.queueSel = 0
	d.queueSizeReads = 0
	d.isr = 0
	for _, q := range d.queues {
		q.Reset()
	}
	if d.cfg.ResetDelay > 0 {
		d.resetPending = d.cfg.ResetDelay + 1
		return
	}
	d.status = 0
}

func (d *SCSI) notify(index uint16) error {
	// Queue 0 is the control queue and queue 1 the event queue; only
	// request queues carry commands.
	if int(index) >= len(d.queues) || index < 2 {
		return nil
	}
	q := d.queues[index]
	n, err := q.Process(func(head uint16, chain []VirtQueuePayload) (uint32, error) {
		return d.handleRequest(q, chain)
	})
	if err != nil {
		return fmt.Errorf("virtio-scsi: queue %d: %w", index, err)
	}
	if n > 0 {
		d.requests += n
		d.isr |= 1
	}
	return nil
}

func (d *SCSI) handleRequest(q *VirtQueue, chain []VirtQueuePayload) (uint32, error) {
	var readable []byte
	var writable []VirtQueuePayload
	writeCapacity := 0
	for _, p := range chain {
		if p.IsWrite {
			writable = append(writable, p)
			writeCapacity += int(p.Length)
			continue
		}
		buf, err := q.ReadGuest(p.Addr, p.Length)
		if err != nil {
			return 0, err
		}
		readable = append(readable, buf...)
	}
	if len(readable) < virtioSCSIRequestHeaderLen || writeCapacity < virtioSCSIResponseLen {
		return 0, fmt.Errorf("malformed request: %d readable, %d writable bytes", len(readable), writeCapacity)
	}

	lun := readable[0:8]
	cdb := readable[19:virtioSCSIRequestHeaderLen]
	dataOut := readable[virtioSCSIRequestHeaderLen:]
	maxIn := writeCapacity - virtioSCSIResponseLen

	resp := make([]byte, virtioSCSIResponseLen)
	var dataIn []byte
	if lun[0] != 1 || lun[1] != 0 || (lun[2] != 0x40 && lun[2] != 0) || lun[3] != 0 {
		resp[11] = VIRTIO_SCSI_S_BAD_TARGET
	} else {
		res := d.target.execute(cdb, dataOut, maxIn)
		dataIn = res.data
		binary.LittleEndian.PutUint32(resp[0:4], uint32(len(res.sense)))
		binary.LittleEndian.PutUint32(resp[4:8], uint32(maxIn-len(dataIn)))
		resp[10] = res.status
		resp[11] = VIRTIO_SCSI_S_OK
		copy(resp[12:], res.sense)
	}

	out := append(resp, dataIn...)
	written := 0
	for _, p := range writable {
		if written == len(out) {
			break
		}
		n := int(p.Length)
		if n > len(out)-written {
			n = len(out) - written
		}
		if err := q.WriteGuest(p.Addr, out[written:written+n]); err != nil {
			return 0, err
		}
		written += n
	}
	return uint32(written), nil
}

func (d *SCSI) readCommandBlock(offset uint64, data []byte) {
	if offset == CmdRegStatus && len(data) == 1 && d.cmdPending > 0 {
		d.cmdPending--
		if d.cmdPending == 0 {
			d.cmdBlock[CmdRegStatus] |= CmdStatusReady
		}
	}
	copy(data, d.cmdBlock[offset:])
}

func (d *SCSI) writeCommandBlock(offset uint64, data []byte) error {
	copy(d.cmdBlock[offset:], data)
	if offset == CmdRegNotify && len(data) == 1 && data[0] == 0x01 {
		d.executeCommandBlock()
	}
	return nil
}

func (d *SCSI) executeCommandBlock() {
	d.commands++
	cdb := d.cmdBlock[CmdRegCommand:CmdRegResponse]
	data := d.cmdBlock[CmdRegData : CmdRegData+DataWindowSize]
	res := d.target.execute(cdb, data, DataWindowSize)

	status := uint8(0)
	response := d.cmdBlock[CmdRegResponse:CmdRegStatus]
	for i := range response {
		response[i] = 0
	}
	switch {
	case res.status != statusGood:
		status |= CmdStatusCheckCondition
		copy(response, res.sense)
	case cdb[0] == opReadCapacity:
		copy(response, res.data)
	default:
		copy(data, res.data)
	}

	d.cmdBlock[CmdRegNotify] = 0
	switch {
	case d.cfg.CommandDelay < 0:
		d.cmdBlock[CmdRegStatus] = status
		d.cmdPending = -1
	case d.cfg.CommandDelay > 0:
		d.cmdBlock[CmdRegStatus] = status
		d.cmdPending = d.cfg.CommandDelay
	default:
		d.cmdBlock[CmdRegStatus] = status | CmdStatusReady
	}
}

func storeLittleEndian(data []byte, value uint64) {
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
}

func littleEndianValue(data []byte) uint64 {
	var v uint64
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v
}

var (
	_ hv.X86IOPortDevice      = (*SCSI)(nil)
	_ hv.Device               = (*SCSI)(nil)
	_ hv.MemoryMappedIODevice = (*SCSI)(nil)
)
