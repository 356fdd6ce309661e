package scsi

import "context"

// Direction is the data phase of a command.
type Direction int

const (
	DirNone Direction = iota
	// DirIn moves data from the device into the buffer.
	DirIn
	// DirOut moves the buffer to the device.
	DirOut
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	}
	return "none"
}

// Transport delivers one command to a logical unit and waits for it. For
// DirIn it fills data and returns the number of bytes received.
type Transport interface {
	Execute(ctx context.Context, cdb CDB, data []byte, dir Direction) (int, error)
	// MaxTransfer is the largest data phase in bytes.
	MaxTransfer() int
}
