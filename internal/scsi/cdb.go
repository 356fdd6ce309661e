// Package scsi builds SCSI commands and carries them to a logical unit over
// either the register transport of the command block or a virtio-scsi
// request queue.
package scsi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	OpTestUnitReady = 0x00
	OpInquiry       = 0x12
	OpReadCapacity  = 0x25
	OpRead10        = 0x28
	OpWrite10       = 0x2A
)

// ReadCapacityLen is the length of the READ CAPACITY(10) response.
const ReadCapacityLen = 8

var (
	ErrShortResponse  = errors.New("scsi: short response")
	ErrCheckCondition = errors.New("scsi: check condition")
)

// CDB is a command descriptor block of up to 10 bytes.
type CDB [10]byte

// Len returns the length of the command for its opcode group: 6 bytes for
// group 0, 10 bytes otherwise.
func (c CDB) Len() int {
	if c[0]>>5 == 0 {
		return 6
	}
	return 10
}

// Bytes returns the command bytes.
func (c CDB) Bytes() []byte { return c[:c.Len()] }

func (c CDB) Opcode() uint8 { return c[0] }

func TestUnitReady() CDB {
	return CDB{OpTestUnitReady}
}

func Inquiry(allocation uint8) CDB {
	return CDB{OpInquiry, 0, 0, 0, allocation, 0}
}

func ReadCapacity10() CDB {
	return CDB{OpReadCapacity}
}

// Read10 reads blocks blocks starting at lba.
func Read10(lba uint32, blocks uint16) CDB {
	return rw10(OpRead10, lba, blocks)
}

// Write10 writes blocks blocks starting at lba.
func Write10(lba uint32, blocks uint16) CDB {
	return rw10(OpWrite10, lba, blocks)
}

func rw10(op uint8, lba uint32, blocks uint16) CDB {
	c := CDB{op}
	binary.BigEndian.PutUint32(c[2:6], lba)
	binary.BigEndian.PutUint16(c[7:9], blocks)
	return c
}

// Capacity is the geometry reported by READ CAPACITY.
type Capacity struct {
	Blocks    uint64
	BlockSize uint64
}

// Bytes returns the capacity in bytes.
func (c Capacity) Bytes() uint64 { return c.Blocks * c.BlockSize }

// DecodeReadCapacity decodes the two big-endian words of a READ CAPACITY
// response as (blocks, block size).
func DecodeReadCapacity(resp []byte) (Capacity, error) {
	if len(resp) < ReadCapacityLen {
		return Capacity{}, fmt.Errorf("read capacity: %d bytes: %w", len(resp), ErrShortResponse)
	}
	return Capacity{
		Blocks:    uint64(binary.BigEndian.Uint32(resp[0:4])),
		BlockSize: uint64(binary.BigEndian.Uint32(resp[4:8])),
	}, nil
}

// CheckConditionError carries the sense data of a failed command.
type CheckConditionError struct {
	Opcode uint8
	Status uint8
	Sense  []byte
}

func (e *CheckConditionError) Error() string {
	return fmt.Sprintf("scsi: opcode %#02x: status %#02x, sense key %#x asc %#02x ascq %#02x",
		e.Opcode, e.Status, e.Key(), e.ASC(), e.ASCQ())
}

func (e *CheckConditionError) Unwrap() error { return ErrCheckCondition }

// Key returns the sense key of fixed-format sense data.
func (e *CheckConditionError) Key() uint8 {
	if len(e.Sense) < 3 {
		return 0
	}
	return e.Sense[2] & 0x0F
}

func (e *CheckConditionError) ASC() uint8 {
	if len(e.Sense) < 13 {
		return 0
	}
	return e.Sense[12]
}

func (e *CheckConditionError) ASCQ() uint8 {
	if len(e.Sense) < 14 {
		return 0
	}
	return e.Sense[13]
}
