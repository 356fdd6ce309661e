// Package virtio simulates a legacy (virtio 0.9.5 style) virtio-scsi PCI
// function. Rings live in guest physical memory at the page frame number the
// driver programs, in the legacy split-ring layout.
package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2

	descriptorSize = 16
	ringAlign      = 4096
)

// GuestMemory provides access to guest physical memory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// VirtQueueDescriptor represents a single descriptor in a virtio queue.
type VirtQueueDescriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// VirtQueuePayload represents a single buffer in a descriptor chain.
type VirtQueuePayload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// VirtQueue is the device side of one legacy split virtqueue.
type VirtQueue struct {
	MaxSize uint16
	Size    uint16
	PFN     uint32

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// NewVirtQueue creates a new VirtQueue instance.
func NewVirtQueue(mem GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{
		MaxSize: maxSize,
		mem:     mem,
	}
}

// Reset clears the queue state.
func (q *VirtQueue) Reset() {
	q.Size = 0
	q.PFN = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// SetSize sets the queue size (number of descriptors).
func (q *VirtQueue) SetSize(size uint16) error {
	if size > q.MaxSize {
		return fmt.Errorf("queue size %d exceeds max size %d", size, q.MaxSize)
	}
	if size == 0 {
		return fmt.Errorf("queue size cannot be zero")
	}
	q.Size = size
	return nil
}

// SetPFN places the rings at pfn<<12. Zero disables the queue.
func (q *VirtQueue) SetPFN(pfn uint32) {
	q.PFN = pfn
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// Ready reports whether the driver has programmed the ring location.
func (q *VirtQueue) Ready() bool {
	return q.PFN != 0 && q.Size != 0 && q.mem != nil
}

func (q *VirtQueue) descTableAddr() uint64 {
	return uint64(q.PFN) << 12
}

func (q *VirtQueue) availRingAddr() uint64 {
	return q.descTableAddr() + uint64(q.Size)*descriptorSize
}

func (q *VirtQueue) usedRingAddr() uint64 {
	end := q.availRingAddr() + 6 + 2*uint64(q.Size)
	return (end + ringAlign - 1) &^ (ringAlign - 1)
}

// ReadDescriptor reads a descriptor from the descriptor table.
func (q *VirtQueue) ReadDescriptor(idx uint16) (VirtQueueDescriptor, error) {
	if err := q.ensureReady(); err != nil {
		return VirtQueueDescriptor{}, err
	}
	if idx >= q.Size {
		return VirtQueueDescriptor{}, fmt.Errorf("descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var buf [descriptorSize]byte
	if err := q.readGuestInto(q.descTableAddr()+uint64(idx)*descriptorSize, buf[:]); err != nil {
		return VirtQueueDescriptor{}, err
	}
	return VirtQueueDescriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// NextAvailable pops the next head from the available ring.
func (q *VirtQueue) NextAvailable() (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}

	availIdx, err := q.readGuestUint16(q.availRingAddr() + 2)
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	head, err = q.readGuestUint16(q.availRingAddr() + 4 + uint64(ringIndex)*2)
	if err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return head, true, nil
}

// ReadDescriptorChain reads a complete descriptor chain starting from head.
func (q *VirtQueue) ReadDescriptorChain(head uint16) ([]VirtQueuePayload, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	var payloads []VirtQueuePayload
	index := head
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return payloads, err
		}
		payloads = append(payloads, VirtQueuePayload{
			Addr:    desc.Addr,
			Length:  desc.Length,
			IsWrite: desc.Flags&virtqDescFWrite != 0,
		})
		if desc.Flags&virtqDescFNext == 0 {
			return payloads, nil
		}
		index = desc.Next
	}
	return payloads, fmt.Errorf("descriptor chain from %d does not terminate", head)
}

// PutUsedBuffer appends head to the used ring and publishes the new used index.
func (q *VirtQueue) PutUsedBuffer(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	used := q.usedRingAddr()
	elem := used + 4 + uint64(q.usedIdx%q.Size)*8
	if err := q.writeGuestUint32(elem, uint32(head)); err != nil {
		return err
	}
	if err := q.writeGuestUint32(elem+4, length); err != nil {
		return err
	}
	q.usedIdx++
	return q.writeGuestUint16(used+2, q.usedIdx)
}

// ChainHandler consumes one descriptor chain and returns the number of bytes
// it wrote into device-writable buffers.
type ChainHandler func(head uint16, chain []VirtQueuePayload) (uint32, error)

// Process drains the available ring through fn, completing every chain.
func (q *VirtQueue) Process(fn ChainHandler) (int, error) {
	if !q.Ready() {
		return 0, nil
	}
	processed := 0
	for {
		head, ok, err := q.NextAvailable()
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		chain, err := q.ReadDescriptorChain(head)
		if err != nil {
			return processed, err
		}
		written, err := fn(head, chain)
		if err != nil {
			return processed, err
		}
		if err := q.PutUsedBuffer(head, written); err != nil {
			return processed, err
		}
		processed++
	}
}

// ReadGuest reads data from guest memory.
func (q *VirtQueue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest writes data to guest memory.
func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.writeGuestFrom(addr, data)
}

func (q *VirtQueue) ensureReady() error {
	if !q.Ready() {
		return fmt.Errorf("queue not ready")
	}
	return nil
}

func (q *VirtQueue) readGuestInto(addr uint64, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *VirtQueue) writeGuestFrom(addr uint64, data []byte) error {
	n, err := q.mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func (q *VirtQueue) readGuestUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := q.readGuestInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *VirtQueue) writeGuestUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}

func (q *VirtQueue) writeGuestUint32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}
