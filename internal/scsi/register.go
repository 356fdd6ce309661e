package scsi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/stordrv/internal/hw"
)

// Command block layout, relative to its window.
const (
	CommandBlockOffset = 0x1000
	CommandBlockSize   = 0x2000

	RegCommand  = 0x00
	RegResponse = 0x10
	RegStatus   = 0x40
	RegNotify   = 0x50
	RegData     = 0x1000

	ResponseSize   = RegStatus - RegResponse
	DataWindowSize = 0x1000

	StatusReady          = 0x01
	StatusCheckCondition = 0x02

	notifyExecute = 0x01
)

// DefaultCommandBudget bounds the wait for a register-transport command.
var DefaultCommandBudget = hw.Budget{Attempts: 100000}

// RegisterTransport issues commands through a memory-mapped command block:
// the CDB goes to the command region, a notify byte starts it, and the status
// byte reports completion.
type RegisterTransport struct {
	win    hw.Window
	budget hw.Budget
	log    *slog.Logger

	mu sync.Mutex
}

// NewRegisterTransport wraps a command block window of at least
// CommandBlockSize bytes.
func NewRegisterTransport(win hw.Window, budget hw.Budget, log *slog.Logger) (*RegisterTransport, error) {
	if win.Size() < CommandBlockSize {
		return nil, fmt.Errorf("scsi: command block of %#x bytes: %w", win.Size(), hw.ErrInvalidMemoryAddress)
	}
	if budget.Attempts == 0 {
		budget = DefaultCommandBudget
	}
	if log == nil {
		log = slog.Default()
	}
	return &RegisterTransport{win: win, budget: budget, log: log}, nil
}

func (t *RegisterTransport) MaxTransfer() int { return DataWindowSize }

// Execute implements Transport. READ CAPACITY data comes back in the response
// region; every other data phase uses the data window.
func (t *RegisterTransport) Execute(ctx context.Context, cdb CDB, data []byte, dir Direction) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dir != DirNone && len(data) > DataWindowSize {
		return 0, fmt.Errorf("scsi: %d byte transfer exceeds data window", len(data))
	}
	if err := t.win.WriteBytes(RegCommand, cdb[:]); err != nil {
		return 0, fmt.Errorf("scsi: write command: %w", err)
	}
	if err := t.win.Write8(RegStatus, 0); err != nil {
		return 0, fmt.Errorf("scsi: clear status: %w", err)
	}
	if dir == DirOut {
		if err := t.win.WriteBytes(RegData, data); err != nil {
			return 0, fmt.Errorf("scsi: write data: %w", err)
		}
	}
	if err := t.win.Write8(RegNotify, notifyExecute); err != nil {
		return 0, fmt.Errorf("scsi: notify: %w", err)
	}

	var status uint8
	err := hw.Poll(ctx, t.budget, "scsi: wait for command", func() (bool, error) {
		v, err := t.win.Read8(RegStatus)
		status = v
		return v&StatusReady != 0, err
	})
	if err != nil {
		return 0, fmt.Errorf("scsi: opcode %#02x: %w", cdb.Opcode(), err)
	}

	if status&StatusCheckCondition != 0 {
		sense := make([]byte, ResponseSize)
		if err := t.win.ReadBytes(RegResponse, sense); err != nil {
			return 0, fmt.Errorf("scsi: read sense: %w", err)
		}
		return 0, &CheckConditionError{Opcode: cdb.Opcode(), Status: status, Sense: sense}
	}
	if dir != DirIn {
		return len(data), nil
	}

	src := uint64(RegData)
	if cdb.Opcode() == OpReadCapacity {
		src = RegResponse
		if len(data) > ResponseSize {
			data = data[:ResponseSize]
		}
	}
	if err := t.win.ReadBytes(src, data); err != nil {
		return 0, fmt.Errorf("scsi: read data: %w", err)
	}
	t.log.Debug("scsi: command complete", "opcode", fmt.Sprintf("%#02x", cdb.Opcode()), "bytes", len(data))
	return len(data), nil
}
