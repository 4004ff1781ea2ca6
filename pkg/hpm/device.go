package hpm

import (
	"fmt"
	"io"
	"os"

	"github.com/loopholelabs/logging/types"
)

// Device is a controller instance bound to a Transport. It owns the
// transport: Close tears the binding down. A Device is not safe for
// concurrent use.
type Device struct {
	transport Transport
	chipAddr  uint64
	path      string

	out io.Writer
	log types.Logger
}

// DeviceOption configures a Device.
type DeviceOption func(*Device)

// WithOutput sets where command results are reported. Defaults to os.Stdout.
func WithOutput(w io.Writer) DeviceOption {
	return func(d *Device) {
		if w != nil {
			d.out = w
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log types.Logger) DeviceOption {
	return func(d *Device) {
		d.log = log
	}
}

// WithChipAddr overrides the logical chip address (DefaultChipAddr).
func WithChipAddr(addr uint64) DeviceOption {
	return func(d *Device) {
		d.chipAddr = addr
	}
}

// NewDevice wraps a bound transport. path is the registry path the
// transport was bound from and is used for diagnostics only.
func NewDevice(t Transport, path string, opts ...DeviceOption) *Device {
	if t == nil {
		panic("hpm: transport cannot be nil")
	}
	d := &Device{
		transport: t,
		chipAddr:  DefaultChipAddr,
		path:      path,
		out:       os.Stdout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Path returns the registry path of the bound instance.
func (d *Device) Path() string {
	return d.path
}

// ReadRegister reads a full register with default flags.
func (d *Device) ReadRegister(dataAddr uint8) ([]byte, error) {
	return d.ReadRegisterFlags(dataAddr, 0)
}

// ReadRegisterFlags reads a full register. The returned slice is always
// RegisterSize bytes long; bytes the controller did not provide are zero.
func (d *Device) ReadRegisterFlags(dataAddr uint8, flags uint32) ([]byte, error) {
	if d.transport == nil {
		return nil, ErrClosed
	}
	buf := make([]byte, RegisterSize)
	n, st := d.transport.Read(d.chipAddr, dataAddr, buf, flags)
	if d.log != nil {
		d.log.Trace().
			Str("path", d.path).
			Uint8("reg", dataAddr).
			Int("n", n).
			Uint32("status", uint32(st)).
			Msg("read register")
	}
	if st != StatusSuccess {
		return nil, &TransportError{Op: "read", ChipAddr: d.chipAddr, DataAddr: dataAddr, Status: st}
	}
	return buf, nil
}

// WriteRegister writes data to a register.
func (d *Device) WriteRegister(dataAddr uint8, data []byte) error {
	if d.transport == nil {
		return ErrClosed
	}
	st := d.transport.Write(d.chipAddr, dataAddr, data, 0)
	if d.log != nil {
		d.log.Trace().
			Str("path", d.path).
			Uint8("reg", dataAddr).
			Int("length", len(data)).
			Uint32("status", uint32(st)).
			Msg("write register")
	}
	if st != StatusSuccess {
		return &TransportError{Op: "write", ChipAddr: d.chipAddr, DataAddr: dataAddr, Status: st}
	}
	return nil
}

// Execute stages args in RegCommand (when non-empty), issues cmd and
// returns the low nibble of the first result byte.
//
// If the transport refuses the command, Execute returns ResultCommandFailed
// and a nil error without reading the result register. Errors are only
// returned for failed register accesses.
func (d *Device) Execute(cmd Command, args []byte) (int, error) {
	if d.transport == nil {
		return ResultCommandFailed, ErrClosed
	}
	if len(args) > 0 {
		if err := d.WriteRegister(RegCommand, args); err != nil {
			return ResultCommandFailed, fmt.Errorf("stage %s argument: %w", cmd, err)
		}
	}

	if st := d.transport.Command(d.chipAddr, uint32(cmd), 0); st != StatusSuccess {
		if d.log != nil {
			d.log.Debug().
				Str("path", d.path).
				Str("cmd", cmd.String()).
				Uint32("status", uint32(st)).
				Msg("command refused")
		}
		return ResultCommandFailed, nil
	}

	res, err := d.ReadRegister(RegCommand)
	if err != nil {
		return ResultCommandFailed, fmt.Errorf("read %s result: %w", cmd, err)
	}
	fmt.Fprintf(d.out, "Command 0x%08x result: %s\n", uint32(cmd), FormatBytes(res[:ResultSize]))

	code := int(res[0] & 0x0F)
	if d.log != nil {
		d.log.Debug().
			Str("path", d.path).
			Str("cmd", cmd.String()).
			Int("result", code).
			Msg("command complete")
	}
	return code, nil
}

// Connected reports bit 0 of the connection status register.
func (d *Device) Connected() (bool, error) {
	reg, err := d.ReadRegister(RegConnection)
	if err != nil {
		return false, err
	}
	return reg[0]&connectedBit != 0, nil
}

// Close releases the transport. It is safe to call more than once.
func (d *Device) Close() error {
	if d.transport == nil {
		return nil
	}
	err := d.transport.Close()
	d.transport = nil
	return err
}
