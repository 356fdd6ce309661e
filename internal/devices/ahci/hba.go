// Package ahci simulates an AHCI host bus adapter: the generic host control
// block and per-port signature and command registers, in either the legacy
// 0x1000-stride register map or the AHCI 1.3 register map.
package ahci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/stordrv/internal/devices/pci"
	"github.com/tinyrange/stordrv/internal/hv"
)

// Generic host control registers.
const (
	HBA_CAP = 0x00
	HBA_GHC = 0x04
	HBA_IS  = 0x08
	HBA_PI  = 0x0C
	HBA_VS  = 0x10
)

// GHC bits as the driver programs them. AHCI 1.3 places these at bit 31 and
// bit 0; this controller model follows the driver.
const (
	GHC_AE = 0x0001
	GHC_HR = 0x8000
)

const (
	SigSATA  = 0x00000101
	SigATAPI = 0xEB140101
	SigSCSI  = 0x00008000

	PortCount = 6

	// PCI config offset of the Intel port control and status register.
	ConfigPCS = 0x92
)

// Layout selects the port register map.
type Layout int

const (
	// LayoutLegacy: ports at base + n*0x1000, signature +0xA0, command +0x18.
	LayoutLegacy Layout = iota
	// LayoutStandard: ports at base + 0x100 + n*0x80, CMD +0x18, TFD +0x20,
	// SIG +0x24, SSTS +0x28.
	LayoutStandard
)

type portLayout struct {
	base, stride        uint64
	cmd, tfd, sig, ssts uint64
}

func (l Layout) ports() portLayout {
	if l == LayoutStandard {
		return portLayout{base: 0x100, stride: 0x80, cmd: 0x18, tfd: 0x20, sig: 0x24, ssts: 0x28}
	}
	return portLayout{base: 0, stride: 0x1000, cmd: 0x18, tfd: 0x20, sig: 0xA0, ssts: 0x28}
}

// PortConfig describes what is attached to one port.
type PortConfig struct {
	Signature uint32
	Command   uint32
}

// HBAConfig configures a simulated controller.
type HBAConfig struct {
	Location pci.Location
	VendorID uint16
	DeviceID uint16
	Layout   Layout

	CAP uint32
	PI  uint32
	// ResetReads is how many GHC reads it takes for HR to clear after a
	// reset request. Negative means the reset never completes.
	ResetReads int
	// PCS is the initial value of the port control and status register.
	PCS uint16

	Ports [PortCount]PortConfig
}

func (c *HBAConfig) normalize() {
	if c.VendorID == 0 {
		c.VendorID = 0x8086
	}
	if c.DeviceID == 0 {
		c.DeviceID = 0x2922 // ICH9
	}
	if c.CAP == 0 {
		c.CAP = 0x40141F05
	}
	if c.PI == 0 {
		c.PI = 0x3F
	}
	if c.ResetReads == 0 {
		c.ResetReads = 3
	}
}

// HBA is the simulated controller. Its register block is BAR5.
type HBA struct {
	mu sync.Mutex

	cfg    HBAConfig
	layout portLayout
	fn     *pci.Function

	base uint64
	size uint64

	ghc         uint32
	is          uint32
	resetting   bool
	resetPolls  int
	resets      int
	ghcWrites   []uint32
	portCommand [PortCount]uint32
}

const barSize = 0x8000

// NewHBA allocates BAR5 on bus and registers the controller's function there.
func NewHBA(bus *pci.Bus, cfg HBAConfig) (*HBA, error) {
	cfg.normalize()

	base, err := bus.AllocateMMIO(barSize)
	if err != nil {
		return nil, fmt.Errorf("ahci: allocate ABAR: %w", err)
	}
	var pcs [2]byte
	binary.LittleEndian.PutUint16(pcs[:], cfg.PCS)
	fn, err := pci.NewFunction(pci.FunctionConfig{
		VendorID: cfg.VendorID,
		DeviceID: cfg.DeviceID,
		Class:    0x01,
		Subclass: 0x06,
		ProgIF:   0x01,
		Revision: 0x02,
		BARs:     [6]pci.BARSpec{5: {Base: base, Size: barSize}},
		Writable: [][2]uint16{{ConfigPCS, ConfigPCS + 1}},
		Init:     map[uint16][]byte{ConfigPCS: pcs[:]},
	})
	if err != nil {
		return nil, err
	}
	if err := bus.Register(cfg.Location, fn); err != nil {
		return nil, err
	}

	h := &HBA{
		cfg:    cfg,
		layout: cfg.Layout.ports(),
		fn:     fn,
		base:   base,
		size:   barSize,
	}
	for i, p := range cfg.Ports {
		h.portCommand[i] = p.Command
	}
	return h, nil
}

// Base returns the ABAR address.
func (h *HBA) Base() uint64 { return h.base }

// Function returns the controller's PCI function.
func (h *HBA) Function() *pci.Function { return h.fn }

// Resets returns how many reset requests the controller has seen.
func (h *HBA) Resets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

// GHCWrites returns every value written to GHC.
func (h *HBA) GHCWrites() []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint32(nil), h.ghcWrites...)
}

// Init implements hv.Device.
func (h *HBA) Init(*hv.Machine) error {
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HBA) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: h.base, Size: h.size}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (h *HBA) ReadMMIO(addr uint64, data []byte) error {
	offset, err := h.offset(addr, len(data))
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	reg := offset &^ 3
	value := h.readRegister(reg)
	value >>= (offset - reg) * 8
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (h *HBA) WriteMMIO(addr uint64, data []byte) error {
	offset, err := h.offset(addr, len(data))
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	reg := offset &^ 3
	shift := (offset - reg) * 8
	var value, mask uint32
	for i := range data {
		value |= uint32(data[i]) << (8 * i)
		mask |= 0xff << (8 * i)
	}
	current := h.peekRegister(reg)
	h.writeRegister(reg, (current&^(mask<<shift))|(value<<shift))
	return nil
}

func (h *HBA) offset(addr uint64, width int) (uint64, error) {
	if addr < h.base || addr+uint64(width) > h.base+h.size {
		return 0, fmt.Errorf("ahci: address 0x%x out of bounds", addr)
	}
	offset := addr - h.base
	if width != 1 && width != 2 && width != 4 {
		return 0, fmt.Errorf("ahci: unsupported access width %d", width)
	}
	if (offset&3)+uint64(width) > 4 {
		return 0, fmt.Errorf("ahci: access at 0x%x crosses a register", offset)
	}
	return offset, nil
}

// port decodes a port register offset. Port registers are only decoded for
// implemented ports.
func (h *HBA) port(reg uint64) (int, uint64, bool) {
	if reg < h.layout.base {
		return 0, 0, false
	}
	idx := (reg - h.layout.base) / h.layout.stride
	if idx >= PortCount || h.cfg.PI&(1<<idx) == 0 {
		return 0, 0, false
	}
	return int(idx), (reg - h.layout.base) % h.layout.stride, true
}

func (h *HBA) readRegister(reg uint64) uint32 {
	if reg == HBA_GHC && h.resetting {
		h.resetPolls++
		if h.cfg.ResetReads > 0 && h.resetPolls >= h.cfg.ResetReads {
			h.resetting = false
			h.ghc &^= GHC_HR
			h.is = 0
		}
	}
	return h.peekRegister(reg)
}

func (h *HBA) peekRegister(reg uint64) uint32 {
	switch reg {
	case HBA_CAP:
		return h.cfg.CAP
	case HBA_GHC:
		return h.ghc
	case HBA_IS:
		return h.is
	case HBA_PI:
		return h.cfg.PI
	case HBA_VS:
		return 0x00010300
	}
	idx, off, ok := h.port(reg)
	if !ok {
		return 0
	}
	switch off {
	case h.layout.sig:
		return h.cfg.Ports[idx].Signature
	case h.layout.cmd:
		return h.portCommand[idx]
	case h.layout.ssts:
		if h.cfg.Ports[idx].Signature != 0 {
			return 0x123 // DET=3, SPD=2, IPM=1
		}
	case h.layout.tfd:
		return 0x50
	}
	return 0
}

func (h *HBA) writeRegister(reg uint64, value uint32) {
	switch reg {
	case HBA_GHC:
		h.ghcWrites = append(h.ghcWrites, value)
		h.ghc = value
		if value&GHC_HR != 0 {
			h.resets++
			h.resetting = true
			h.resetPolls = 0
		}
		return
	case HBA_IS:
		h.is &^= value
		return
	case HBA_CAP, HBA_PI, HBA_VS:
		return
	}
	idx, off, ok := h.port(reg)
	if ok && off == h.layout.cmd {
		h.portCommand[idx] = value
	}
}

var (
	_ hv.Device               = (*HBA)(nil)
	_ hv.MemoryMappedIODevice = (*HBA)(nil)
)
