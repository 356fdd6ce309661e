package scsi

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/mmio"
	"github.com/tinyrange/stordrv/internal/virtio"
)

// virtio-scsi request and response framing.
const (
	CDBSize   = 32
	SenseSize = 96

	RequestHeaderLen = 8 + 8 + 1 + 1 + 1 + CDBSize
	ResponseLen      = 4 + 4 + 2 + 1 + 1 + SenseSize

	responseOK = 0
)

const (
	requestOffset  = 0x000
	responseOffset = 0x100
	dataOffset     = hw.PageSize

	// DefaultMaxTransfer is the data area allocated per QueueTransport.
	DefaultMaxTransfer = 64 << 10
)

// QueueOptions configures a QueueTransport.
type QueueOptions struct {
	Target uint8
	LUN    uint16
	// MaxTransfer is rounded up to whole pages.
	MaxTransfer int
	Budget      hw.Budget
	Logger      *slog.Logger
}

// QueueTransport sends virtio-scsi requests through a registered request
// queue. One request is in flight at a time.
type QueueTransport struct {
	dev  *virtio.Device
	q    *virtio.Queue
	mem  hw.Window
	phys uint64
	opts QueueOptions
	log  *slog.Logger

	mu  sync.Mutex
	tag uint64
}

// NewQueueTransport allocates identity-mapped request memory through mapper
// and reaches it through dma.
func NewQueueTransport(dev *virtio.Device, q *virtio.Queue, mapper *mmio.Mapper, dma hw.Bus, opts QueueOptions) (*QueueTransport, error) {
	if opts.MaxTransfer <= 0 {
		opts.MaxTransfer = DefaultMaxTransfer
	}
	opts.MaxTransfer = int(hw.AlignUp(uint64(opts.MaxTransfer), hw.PageSize))
	if opts.Budget.Attempts == 0 {
		opts.Budget = virtio.DefaultUsedBudget
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	pages := 1 + opts.MaxTransfer/hw.PageSize
	start, _, err := mapper.MapContiguous(pages)
	if err != nil {
		return nil, fmt.Errorf("scsi: allocate request memory: %w", err)
	}
	return &QueueTransport{
		dev:  dev,
		q:    q,
		mem:  hw.NewWindow(dma, start.Address(), uint64(pages)*hw.PageSize),
		phys: start.Address(),
		opts: opts,
		log:  log,
	}, nil
}

func (t *QueueTransport) MaxTransfer() int { return t.opts.MaxTransfer }

// lun encodes the single-level LUN structure virtio-scsi expects.
func (t *QueueTransport) lun() [8]byte {
	var l [8]byte
	l[0] = 1
	l[1] = t.opts.Target
	l[2] = byte(t.opts.LUN>>8) | 0x40
	l[3] = byte(t.opts.LUN)
	return l
}

// Execute implements Transport.
func (t *QueueTransport) Execute(ctx context.Context, cdb CDB, data []byte, dir Direction) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dir != DirNone && len(data) > t.opts.MaxTransfer {
		return 0, fmt.Errorf("scsi: %d byte transfer exceeds %d", len(data), t.opts.MaxTransfer)
	}

	t.tag++
	req := make([]byte, RequestHeaderLen)
	lun := t.lun()
	copy(req[0:8], lun[:])
	binary.LittleEndian.PutUint64(req[8:16], t.tag)
	copy(req[19:], cdb.Bytes())
	if err := t.mem.WriteBytes(requestOffset, req); err != nil {
		return 0, fmt.Errorf("scsi: write request: %w", err)
	}
	if err := t.mem.WriteBytes(responseOffset, make([]byte, ResponseLen)); err != nil {
		return 0, fmt.Errorf("scsi: clear response: %w", err)
	}

	bufs := []virtio.Buffer{{Addr: t.phys + requestOffset, Len: RequestHeaderLen}}
	if dir == DirOut && len(data) > 0 {
		if err := t.mem.WriteBytes(dataOffset, data); err != nil {
			return 0, fmt.Errorf("scsi: write data: %w", err)
		}
		bufs = append(bufs, virtio.Buffer{Addr: t.phys + dataOffset, Len: uint32(len(data))})
	}
	bufs = append(bufs, virtio.Buffer{Addr: t.phys + responseOffset, Len: ResponseLen, Write: true})
	if dir == DirIn && len(data) > 0 {
		bufs = append(bufs, virtio.Buffer{Addr: t.phys + dataOffset, Len: uint32(len(data)), Write: true})
	}

	head, err := t.q.Submit(bufs)
	if err != nil {
		return 0, err
	}
	if err := t.dev.Notify(t.q.Index()); err != nil {
		return 0, err
	}
	used, err := t.q.PollUsed(ctx, t.opts.Budget)
	if err != nil {
		return 0, fmt.Errorf("scsi: opcode %#02x: %w", cdb.Opcode(), err)
	}
	if used.ID != uint32(head) {
		return 0, fmt.Errorf("scsi: completion for chain %d, expected %d", used.ID, head)
	}
	if _, err := t.dev.ReadISR(); err != nil {
		return 0, fmt.Errorf("scsi: acknowledge interrupt: %w", err)
	}

	resp := make([]byte, ResponseLen)
	if err := t.mem.ReadBytes(responseOffset, resp); err != nil {
		return 0, fmt.Errorf("scsi: read response: %w", err)
	}
	if resp[11] != responseOK {
		return 0, fmt.Errorf("scsi: virtio response %d for target %d lun %d: %w", resp[11], t.opts.Target, t.opts.LUN, hw.ErrDeviceNotFound)
	}
	if status := resp[10]; status != 0 {
		senseLen := binary.LittleEndian.Uint32(resp[0:4])
		if senseLen > SenseSize {
			senseLen = SenseSize
		}
		return 0, &CheckConditionError{Opcode: cdb.Opcode(), Status: status, Sense: append([]byte(nil), resp[12:12+senseLen]...)}
	}
	if dir != DirIn {
		return len(data), nil
	}

	n := 0
	if used.Len > ResponseLen {
		n = int(used.Len) - ResponseLen
	}
	if n > len(data) {
		n = len(data)
	}
	if err := t.mem.ReadBytes(dataOffset, data[:n]); err != nil {
		return 0, fmt.Errorf("scsi: read data: %w", err)
	}
	t.log.Debug("scsi: request complete", "opcode", fmt.Sprintf("%#02x", cdb.Opcode()), "tag", t.tag, "bytes", n)
	return n, nil
}
