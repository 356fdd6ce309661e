package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// SCSI status bytes.
const (
	statusGood           = 0x00
	statusCheckCondition = 0x02
)

// Sense keys and additional sense codes.
const (
	senseIllegalRequest = 0x05
	senseMediumError    = 0x03

	ascInvalidOpcode   = 0x20
	ascLBAOutOfRange   = 0x21
	ascInvalidField    = 0x24
	ascUnrecoveredRead = 0x11
)

const (
	opTestUnitReady = 0x00
	opInquiry       = 0x12
	opReadCapacity  = 0x25
	opRead10        = 0x28
	opWrite10       = 0x2A
)

// Backing is the storage behind the simulated logical unit.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// MemoryBacking is an in-memory Backing.
type MemoryBacking struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryBacking(size int) *MemoryBacking {
	return &MemoryBacking{data: make([]byte, size)}
}

func (m *MemoryBacking) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemoryBacking) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("write at %d beyond backing of %d bytes", off, len(m.data))
	}
	return copy(m.data[off:], p), nil
}

// commandResult is the outcome of one CDB.
type commandResult struct {
	status uint8
	sense  []byte
	data   []byte
}

// target is a single direct-access logical unit.
type target struct {
	backing   Backing
	blocks    uint64
	blockSize uint32
	vendor    string
	product   string
}

func checkCondition(key, asc uint8) commandResult {
	sense := make([]byte, 18)
	sense[0] = 0x70
	sense[2] = key
	sense[7] = 10
	sense[12] = asc
	return commandResult{status: statusCheckCondition, sense: sense}
}

// execute runs cdb. dataOut carries the payload of write commands; maxIn
// bounds the data-in length the initiator can accept.
func (t *target) execute(cdb []byte, dataOut []byte, maxIn int) commandResult {
	if len(cdb) == 0 {
		return checkCondition(senseIllegalRequest, ascInvalidOpcode)
	}
	switch cdb[0] {
	case opTestUnitReady:
		return commandResult{status: statusGood}
	case opInquiry:
		return t.inquiry(maxIn)
	case opReadCapacity:
		resp := make([]byte, 8)
		// The first word carries the block count.
		binary.BigEndian.PutUint32(resp[0:4], uint32(t.blocks))
		binary.BigEndian.PutUint32(resp[4:8], t.blockSize)
		return commandResult{status: statusGood, data: resp}
	case opRead10, opWrite10:
		if len(cdb) < 10 {
			return checkCondition(senseIllegalRequest, ascInvalidField)
		}
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		count := uint64(binary.BigEndian.Uint16(cdb[7:9]))
		if lba+count > t.blocks {
			return checkCondition(senseIllegalRequest, ascLBAOutOfRange)
		}
		length := int(count) * int(t.blockSize)
		off := int64(lba) * int64(t.blockSize)
		if cdb[0] == opRead10 {
			if length > maxIn {
				return checkCondition(senseIllegalRequest, ascInvalidField)
			}
			buf := make([]byte, length)
			if _, err := t.backing.ReadAt(buf, off); err != nil && err != io.EOF {
				return checkCondition(senseMediumError, ascUnrecoveredRead)
			}
			return commandResult{status: statusGood, data: buf}
		}
		if len(dataOut) < length {
			return checkCondition(senseIllegalRequest, ascInvalidField)
		}
		if _, err := t.backing.WriteAt(dataOut[:length], off); err != nil {
			return checkCondition(senseMediumError, ascUnrecoveredRead)
		}
		return commandResult{status: statusGood}
	default:
		return checkCondition(senseIllegalRequest, ascInvalidOpcode)
	}
}

func (t *target) inquiry(maxIn int) commandResult {
	resp := make([]byte, 36)
	resp[0] = 0x00 // direct-access block device
	resp[2] = 0x05 // SPC-3
	resp[3] = 0x02
	resp[4] = byte(len(resp) - 5)
	copy(resp[8:16], padded(t.vendor, 8))
	copy(resp[16:32], padded(t.product, 16))
	copy(resp[32:36], padded("1.0", 4))
	if maxIn < len(resp) {
		resp = resp[:maxIn]
	}
	return commandResult{status: statusGood, data: resp}
}

func padded(s string, n int) []byte {
	out := []byte(fmt.Sprintf("%-*s", n, s))
	return out[:n]
}
