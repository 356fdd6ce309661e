//go:build linux

package host

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/stordrv/internal/hw"
)

type linuxHost struct {
	opts Options
	log  *slog.Logger

	port    *os.File
	mem     *os.File
	pagemap *os.File

	mu sync.Mutex
	// mapped holds pages installed through Map. Their memory is attached
	// on first access.
	mapped map[hw.Page]hw.Frame
	// views maps a physical frame to the host memory that reaches it.
	views map[hw.Frame][]byte
	// regions are released on Close.
	regions [][]byte
}

// Open opens the device files named by opts. It needs the privileges to
// read and write all three.
func Open(opts Options) (Backend, error) {
	opts.normalize()
	h := &linuxHost{
		opts:   opts,
		log:    opts.Logger,
		mapped: make(map[hw.Page]hw.Frame),
		views:  make(map[hw.Frame][]byte),
	}

	var err error
	if h.port, err = os.OpenFile(opts.PortDevice, os.O_RDWR, 0); err != nil {
		return nil, fmt.Errorf("open port device: %w", err)
	}
	if h.mem, err = os.OpenFile(opts.MemoryDevice, os.O_RDWR|unix.O_SYNC, 0); err != nil {
		h.Close()
		return nil, fmt.Errorf("open memory device: %w", err)
	}
	if h.pagemap, err = os.Open(opts.PagemapDevice); err != nil {
		h.Close()
		return nil, fmt.Errorf("open pagemap: %w", err)
	}
	return h, nil
}

func (h *linuxHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, r := range h.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, err)
		}
	}
	h.regions = nil
	h.views = map[hw.Frame][]byte{}
	for _, f := range []*os.File{h.port, h.mem, h.pagemap} {
		if f != nil {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *linuxHost) readPort(port uint16, data []byte) error {
	n, err := unix.Pread(int(h.port.Fd()), data, int64(port))
	if err != nil {
		return fmt.Errorf("in port %#x: %w", port, err)
	}
	if n != len(data) {
		return fmt.Errorf("in port %#x: short read of %d bytes", port, n)
	}
	return nil
}

func (h *linuxHost) writePort(port uint16, data []byte) error {
	n, err := unix.Pwrite(int(h.port.Fd()), data, int64(port))
	if err != nil {
		return fmt.Errorf("out port %#x: %w", port, err)
	}
	if n != len(data) {
		return fmt.Errorf("out port %#x: short write of %d bytes", port, n)
	}
	return nil
}

func (h *linuxHost) In8(port uint16) (uint8, error) {
	var b [1]byte
	err := h.readPort(port, b[:])
	return b[0], err
}

func (h *linuxHost) In16(port uint16) (uint16, error) {
	var b [2]byte
	err := h.readPort(port, b[:])
	return binary.LittleEndian.Uint16(b[:]), err
}

func (h *linuxHost) In32(port uint16) (uint32, error) {
	var b [4]byte
	err := h.readPort(port, b[:])
	return binary.LittleEndian.Uint32(b[:]), err
}

func (h *linuxHost) Out8(port uint16, value uint8) error {
	return h.writePort(port, []byte{value})
}

func (h *linuxHost) Out16(port uint16, value uint16) error {
	return h.writePort(port, binary.LittleEndian.AppendUint16(nil, value))
}

func (h *linuxHost) Out32(port uint16, value uint32) error {
	return h.writePort(port, binary.LittleEndian.AppendUint32(nil, value))
}

// Map records an identity mapping. The kernel owns the real page tables, so
// only page == frame can be honoured.
func (h *linuxHost) Map(page hw.Page, frame hw.Frame, flags hw.PageFlags) error {
	if uint64(page) != uint64(frame) {
		return fmt.Errorf("page %#x -> frame %#x: host mappings are identity only: %w", page, frame, hw.ErrMemoryMapping)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mapped[page] = frame
	return nil
}

func (h *linuxHost) Translate(page hw.Page) (hw.Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.mapped[page]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("page %#x: %w", page, hw.ErrInvalidMemoryAddress)
}

// view returns the host memory behind the frame containing addr, attaching
// /dev/mem on first use. Only mapped pages and DMA frames are reachable.
func (h *linuxHost) view(addr uint64) ([]byte, error) {
	frame := hw.FrameContaining(addr)
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.views[frame]; ok {
		return v, nil
	}
	if _, ok := h.mapped[hw.Page(frame)]; !ok {
		return nil, &hw.AddressError{Base: addr, Reason: "not mapped"}
	}
	v, err := unix.Mmap(int(h.mem.Fd()), int64(frame), hw.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap frame %#x: %w: %w", frame, hw.ErrMemoryMapping, err)
	}
	h.regions = append(h.regions, v)
	h.views[frame] = v
	return v, nil
}

func (h *linuxHost) ReadMMIO(addr uint64, data []byte) error {
	v, err := h.view(addr)
	if err != nil {
		return err
	}
	return loadWidth(v, addr&(hw.PageSize-1), data)
}

func (h *linuxHost) WriteMMIO(addr uint64, data []byte) error {
	v, err := h.view(addr)
	if err != nil {
		return err
	}
	return storeWidth(v, addr&(hw.PageSize-1), data)
}

func (h *linuxHost) AllocateFrame() (hw.Frame, error) {
	return h.AllocateContiguous(1)
}

// AllocateContiguous locks count anonymous pages and checks that the kernel
// placed them on consecutive frames. Runs that do not fit in one page are
// tried from a huge page first.
func (h *linuxHost) AllocateContiguous(count int) (hw.Frame, error) {
	if count <= 0 {
		return 0, fmt.Errorf("allocate %d frames: %w", count, hw.ErrFrameAllocationFailed)
	}
	size := count * hw.PageSize
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_LOCKED | unix.MAP_POPULATE

	var (
		mem []byte
		err error
	)
	if count > 1 {
		huge := int(hw.AlignUp(uint64(size), 2<<20))
		mem, err = unix.Mmap(-1, 0, huge, unix.PROT_READ|unix.PROT_WRITE, flags|unix.MAP_HUGETLB)
		if err != nil {
			h.log.Debug("host: no huge page for DMA run", "frames", count, "err", err)
		}
	}
	if mem == nil {
		if mem, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags); err != nil {
			return 0, fmt.Errorf("%w: mmap %d bytes: %w", hw.ErrFrameAllocationFailed, size, err)
		}
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return 0, fmt.Errorf("%w: mlock: %w", hw.ErrFrameAllocationFailed, err)
	}

	frames := make([]hw.Frame, count)
	for i := range frames {
		f, err := h.resolve(mem[i*hw.PageSize:])
		if err != nil {
			unix.Munmap(mem)
			return 0, err
		}
		if i > 0 && f != frames[0]+hw.Frame(uint64(i)*hw.PageSize) {
			unix.Munmap(mem)
			return 0, fmt.Errorf("%w: frame %#x does not follow %#x", hw.ErrFrameAllocationFailed, f, frames[0])
		}
		frames[i] = f
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.regions = append(h.regions, mem)
	for i, f := range frames {
		h.views[f] = mem[i*hw.PageSize : (i+1)*hw.PageSize : (i+1)*hw.PageSize]
	}
	h.log.Debug("host: allocated DMA frames", "start", fmt.Sprintf("%#x", frames[0]), "count", count)
	return frames[0], nil
}

// resolve looks up the physical frame behind the first byte of mem.
func (h *linuxHost) resolve(mem []byte) (hw.Frame, error) {
	virt := uint64(uintptrOf(mem))
	var entry [8]byte
	if _, err := unix.Pread(int(h.pagemap.Fd()), entry[:], int64(virt/hw.PageSize*8)); err != nil {
		return 0, fmt.Errorf("%w: read pagemap: %w", hw.ErrFrameAllocationFailed, err)
	}
	f, ok := decodePagemapEntry(binary.LittleEndian.Uint64(entry[:]))
	if !ok {
		return 0, fmt.Errorf("%w: page at %#x has no visible frame", hw.ErrFrameAllocationFailed, virt)
	}
	return f, nil
}
