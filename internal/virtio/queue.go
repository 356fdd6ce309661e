package virtio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/mmio"
)

const (
	DescFNext  = 1
	DescFWrite = 2

	DescSize     = 16
	usedElemSize = 8
	// Legacy devices locate the used ring at the next page boundary.
	QueueAlign = hw.PageSize
)

// QueueLayout places the three rings of a split virtqueue.
type QueueLayout struct {
	Size        uint16
	DescOffset  uint64
	AvailOffset uint64
	UsedOffset  uint64
	TotalSize   uint64
}

// CalculateQueueLayout computes ring offsets for n descriptors: the
// descriptor table, the available ring (flags, idx, ring, used_event) right
// after it, and the used ring (flags, idx, ring, avail_event) on the next
// page. TotalSize is a whole number of pages.
func CalculateQueueLayout(n uint16) QueueLayout {
	size := uint64(n)
	desc := DescSize * size
	avail := 6 + 2*size
	used := hw.AlignUp(desc+avail, QueueAlign)
	return QueueLayout{
		Size:        n,
		DescOffset:  0,
		AvailOffset: desc,
		UsedOffset:  used,
		TotalSize:   hw.AlignUp(used+6+usedElemSize*size, hw.PageSize),
	}
}

// CalculateQueueSize returns the bytes of page-aligned memory a queue of n
// descriptors occupies.
func CalculateQueueSize(n uint16) uint64 {
	return CalculateQueueLayout(n).TotalSize
}

// Pages returns the number of 4 KiB frames the queue needs.
func (l QueueLayout) Pages() int {
	return int((l.TotalSize + hw.PageSize - 1) / hw.PageSize)
}

// Desc is one 16-byte descriptor table entry.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Buffer is one element of a descriptor chain. Write marks buffers the
// device writes into.
type Buffer struct {
	Addr  uint64
	Len   uint32
	Write bool
}

// UsedElem is a completed chain as reported in the used ring.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// Queue is the driver side of one split virtqueue.
type Queue struct {
	layout QueueLayout
	phys   uint64
	mem    hw.Window
	index  uint16

	mu       sync.Mutex
	free     []uint16
	chains   map[uint16][]uint16
	availIdx uint16
	lastUsed uint16
}

// AllocateQueue allocates contiguous identity-mapped frames for a queue of n
// descriptors, zeroes the rings through mem and builds the free list.
func AllocateQueue(mapper *mmio.Mapper, mem hw.Bus, n uint16) (*Queue, error) {
	if n == 0 {
		return nil, fmt.Errorf("virtio: allocate queue of size 0: %w", ErrQueueUnavailable)
	}
	layout := CalculateQueueLayout(n)
	start, _, err := mapper.MapContiguous(layout.Pages())
	if err != nil {
		return nil, fmt.Errorf("virtio: allocate %d queue pages: %w", layout.Pages(), err)
	}

	q := &Queue{
		layout: layout,
		phys:   start.Address(),
		mem:    hw.NewWindow(mem, start.Address(), layout.TotalSize),
		chains: make(map[uint16][]uint16),
	}
	for off := uint64(0); off < layout.TotalSize; off += 8 {
		if err := q.mem.Write64(off, 0); err != nil {
			return nil, fmt.Errorf("virtio: clear queue memory: %w", err)
		}
	}
	q.free = make([]uint16, 0, n)
	for i := int(n) - 1; i >= 0; i-- {
		q.free = append(q.free, uint16(i))
	}
	return q, nil
}

func (q *Queue) Layout() QueueLayout { return q.layout }
func (q *Queue) Size() uint16        { return q.layout.Size }

// Index returns the queue index the queue was registered as.
func (q *Queue) Index() uint16 { return q.index }

// PhysAddr returns the physical address of the descriptor table.
func (q *Queue) PhysAddr() uint64 { return q.phys }

// PFN is the page frame number programmed into QUEUE_PFN.
func (q *Queue) PFN() uint32 { return uint32(q.phys >> hw.PageShift) }

// FreeDescriptors returns how many descriptors are not part of a pending chain.
func (q *Queue) FreeDescriptors() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.free)
}

// Descriptor reads descriptor i back from the table.
func (q *Queue) Descriptor(i uint16) (Desc, error) {
	var buf [DescSize]byte
	if err := q.mem.ReadBytes(q.layout.DescOffset+uint64(i)*DescSize, buf[:]); err != nil {
		return Desc{}, err
	}
	return decodeDesc(buf[:]), nil
}

func (q *Queue) writeDesc(i uint16, d Desc) error {
	off := q.layout.DescOffset + uint64(i)*DescSize
	if err := q.mem.Write64(off, d.Addr); err != nil {
		return err
	}
	if err := q.mem.Write32(off+8, d.Len); err != nil {
		return err
	}
	if err := q.mem.Write16(off+12, d.Flags); err != nil {
		return err
	}
	return q.mem.Write16(off+14, d.Next)
}

// Submit links bufs into a descriptor chain and publishes its head in the
// available ring. The device still has to be notified.
func (q *Queue) Submit(bufs []Buffer) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(bufs) == 0 {
		return 0, fmt.Errorf("virtio: submit empty chain")
	}
	if len(bufs) > len(q.free) {
		return 0, fmt.Errorf("virtio: chain of %d needs more than %d free descriptors", len(bufs), len(q.free))
	}

	ids := make([]uint16, len(bufs))
	for i := range bufs {
		ids[i] = q.free[len(q.free)-1-i]
	}
	for i, b := range bufs {
		d := Desc{Addr: b.Addr, Len: b.Len}
		if b.Write {
			d.Flags |= DescFWrite
		}
		if i+1 < len(bufs) {
			d.Flags |= DescFNext
			d.Next = ids[i+1]
		}
		if err := q.writeDesc(ids[i], d); err != nil {
			return 0, fmt.Errorf("virtio: write descriptor %d: %w", ids[i], err)
		}
	}

	head := ids[0]
	slot := q.layout.AvailOffset + 4 + uint64(q.availIdx%q.layout.Size)*2
	if err := q.mem.Write16(slot, head); err != nil {
		return 0, fmt.Errorf("virtio: write avail ring: %w", err)
	}
	if err := q.mem.Write16(q.layout.AvailOffset+2, q.availIdx+1); err != nil {
		return 0, fmt.Errorf("virtio: publish avail idx: %w", err)
	}
	q.availIdx++
	q.free = q.free[:len(q.free)-len(bufs)]
	q.chains[head] = ids
	return head, nil
}

// PollUsed waits for the device to complete a chain and returns its used
// element. The chain's descriptors go back on the free list.
func (q *Queue) PollUsed(ctx context.Context, budget hw.Budget) (UsedElem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if budget.Attempts == 0 {
		budget = DefaultUsedBudget
	}
	err := hw.Poll(ctx, budget, "virtio: wait for used buffer", func() (bool, error) {
		idx, err := q.mem.Read16(q.layout.UsedOffset + 2)
		return idx != q.lastUsed, err
	})
	if err != nil {
		return UsedElem{}, err
	}

	elem := q.layout.UsedOffset + 4 + uint64(q.lastUsed%q.layout.Size)*usedElemSize
	id, err := q.mem.Read32(elem)
	if err != nil {
		return UsedElem{}, fmt.Errorf("virtio: read used id: %w", err)
	}
	length, err := q.mem.Read32(elem + 4)
	if err != nil {
		return UsedElem{}, fmt.Errorf("virtio: read used len: %w", err)
	}
	q.lastUsed++

	ids, ok := q.chains[uint16(id)]
	if !ok {
		return UsedElem{}, fmt.Errorf("virtio: device completed unknown chain %d", id)
	}
	delete(q.chains, uint16(id))
	for i := len(ids) - 1; i >= 0; i-- {
		q.free = append(q.free, ids[i])
	}
	return UsedElem{ID: id, Len: length}, nil
}

func decodeDesc(b []byte) Desc {
	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}
