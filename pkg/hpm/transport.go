package hpm

import (
	"errors"
	"fmt"
)

// Register addresses used by the DFU procedure.
const (
	RegMode       = 0x03 // ASCII name of the active mode
	RegCommand    = 0x09 // command argument on write, result on read
	RegConnection = 0x3F // bit 0 set while a partner is connected
	RegVDMReply   = 0x4D // reply to the last vendor-defined message

	// RegisterSize is the fixed size of every register read.
	RegisterSize = 64

	// ResultSize is the number of meaningful bytes in RegCommand and
	// RegVDMReply after a command.
	ResultSize = 8

	// DefaultChipAddr is the logical chip address of the controller.
	DefaultChipAddr = 0

	connectedBit = 0x01
)

// Status is the raw completion code reported by a Transport. Zero means
// success; any other value is transport specific.
type Status uint32

const (
	StatusSuccess Status = 0
	// StatusIOError is reported by bridge transports when the bus transfer
	// itself failed.
	StatusIOError Status = 0xE00002CA
	// StatusNotResponding is reported when the chip did not answer.
	StatusNotResponding Status = 0xE00002ED
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusIOError:
		return "I/O error"
	case StatusNotResponding:
		return "not responding"
	default:
		return fmt.Sprintf("status 0x%08X", uint32(s))
	}
}

// Transport abstracts the raw register interface of one bound controller
// instance. Implementations do not retry; callers decide how to react to
// a non-success Status.
type Transport interface {
	// Read fills buf with the contents of register dataAddr and returns the
	// number of bytes the controller provided.
	Read(chipAddr uint64, dataAddr uint8, buf []byte, flags uint32) (int, Status)
	Write(chipAddr uint64, dataAddr uint8, data []byte, flags uint32) Status
	Command(chipAddr uint64, cmd uint32, flags uint32) Status
	// Close releases the binding. No other method may be called afterwards.
	Close() error
}

// ErrClosed is returned when a Device is used after Close.
var ErrClosed = errors.New("hpm: device closed")

// TransportError reports a register access that completed with a
// non-success status.
type TransportError struct {
	Op       string // "read" or "write"
	ChipAddr uint64
	DataAddr uint8
	Status   Status
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hpm: %s register 0x%02X (chip %d) failed: %s",
		e.Op, e.DataAddr, e.ChipAddr, e.Status)
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
