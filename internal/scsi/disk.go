package scsi

import (
	"context"
	"fmt"
	"sync"
)

// Disk addresses a logical unit in blocks. It learns the geometry with READ
// CAPACITY on first use.
type Disk struct {
	t Transport

	mu       sync.Mutex
	capacity *Capacity
}

func NewDisk(t Transport) *Disk {
	return &Disk{t: t}
}

// Capacity returns the unit's geometry, issuing READ CAPACITY once.
func (d *Disk) Capacity(ctx context.Context) (Capacity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.geometry(ctx)
}

func (d *Disk) geometry(ctx context.Context) (Capacity, error) {
	if d.capacity != nil {
		return *d.capacity, nil
	}
	buf := make([]byte, ReadCapacityLen)
	n, err := d.t.Execute(ctx, ReadCapacity10(), buf, DirIn)
	if err != nil {
		return Capacity{}, err
	}
	c, err := DecodeReadCapacity(buf[:n])
	if err != nil {
		return Capacity{}, err
	}
	if c.BlockSize == 0 {
		return Capacity{}, fmt.Errorf("scsi: zero block size: %w", ErrShortResponse)
	}
	d.capacity = &c
	return c, nil
}

// ReadBlocks fills buf, a whole number of blocks, starting at lba.
func (d *Disk) ReadBlocks(ctx context.Context, lba uint64, buf []byte) error {
	return d.transfer(ctx, lba, buf, DirIn)
}

// WriteBlocks writes buf, a whole number of blocks, starting at lba.
func (d *Disk) WriteBlocks(ctx context.Context, lba uint64, buf []byte) error {
	return d.transfer(ctx, lba, buf, DirOut)
}

func (d *Disk) transfer(ctx context.Context, lba uint64, buf []byte, dir Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, err := d.geometry(ctx)
	if err != nil {
		return err
	}
	bs := c.BlockSize
	if uint64(len(buf))%bs != 0 {
		return fmt.Errorf("scsi: buffer of %d bytes is not a multiple of the %d byte block", len(buf), bs)
	}
	count := uint64(len(buf)) / bs
	// READ(10) addresses 32-bit LBAs.
	const lbaLimit = 1 << 32
	if lba > c.Blocks || count > c.Blocks-lba || lba > lbaLimit || count > lbaLimit-lba {
		return fmt.Errorf("scsi: blocks %d+%d beyond %d", lba, count, c.Blocks)
	}

	per := uint64(d.t.MaxTransfer()) / bs
	if per == 0 {
		return fmt.Errorf("scsi: transport cannot carry a %d byte block", bs)
	}
	if per > 0xFFFF {
		per = 0xFFFF
	}
	for count > 0 {
		n := min(count, per)
		chunk := buf[:n*bs]
		cdb := Read10(uint32(lba), uint16(n))
		if dir == DirOut {
			cdb = Write10(uint32(lba), uint16(n))
		}
		got, err := d.t.Execute(ctx, cdb, chunk, dir)
		if err != nil {
			return err
		}
		if got != len(chunk) {
			return fmt.Errorf("scsi: block %d: %d of %d bytes: %w", lba, got, len(chunk), ErrShortResponse)
		}
		buf = buf[n*bs:]
		lba += n
		count -= n
	}
	return nil
}
