package hpm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/loopholelabs/logging/types"
)

const (
	// Bridge USB identifiers (pid.codes test range)
	VendorIDBridge  = 0x1209
	ProductIDBridge = 0x4850

	DefaultControlTimeout = time.Second
)

// Vendor requests understood by the bridge firmware. Register accesses and
// commands complete asynchronously on the controller bus; the bridge latches
// the controller status of the last operation for bridgeReqStatus.
const (
	bridgeReqRead     = 0x01 // IN, wValue = dataAddr | flags<<8, wIndex = chip
	bridgeReqWrite    = 0x02 // OUT, wValue = dataAddr, wIndex = chip
	bridgeReqCommand  = 0x03 // OUT, wIndex = chip, data = command (LE)
	bridgeReqStatus   = 0x04 // IN, 4 bytes LE status of the last operation
	bridgeReqProperty = 0x05 // IN, wValue = property id, 4 bytes LE value

	bridgePropRID = 0x0001
)

const (
	ctrlIn  = gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice
	ctrlOut = gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice
)

// USBRegistry enumerates HPM bridges attached over USB.
type USBRegistry struct {
	ctx     *gousb.Context
	vid     gousb.ID
	pid     gousb.ID
	timeout time.Duration
	log     types.Logger
}

// NewUSBRegistry opens a libusb context. Close must be called when the
// registry is no longer needed.
func NewUSBRegistry(vid, pid uint16, log types.Logger) *USBRegistry {
	return &USBRegistry{
		ctx:     gousb.NewContext(),
		vid:     gousb.ID(vid),
		pid:     gousb.ID(pid),
		timeout: DefaultControlTimeout,
		log:     log,
	}
}

// SetTimeout changes the control transfer timeout of bound transports.
func (r *USBRegistry) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Enumerate opens every matching bridge in bus order.
func (r *USBRegistry) Enumerate(ctx context.Context) ([]Candidate, error) {
	devs, err := r.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		return desc.Vendor == r.vid && desc.Product == r.pid
	})
	if err != nil && len(devs) == 0 && !errors.Is(err, gousb.ErrorAccess) {
		return nil, fmt.Errorf("USB enumeration failed: %w", err)
	}
	if err != nil && r.log != nil {
		r.log.Debug().Err(err).Int("opened", len(devs)).Msg("partial USB enumeration")
	}

	cands := make([]Candidate, 0, len(devs))
	for _, dev := range devs {
		dev.ControlTimeout = r.timeout
		cands = append(cands, &usbCandidate{dev: dev})
	}
	return cands, nil
}

// Close releases the libusb context.
func (r *USBRegistry) Close() error {
	return r.ctx.Close()
}

type usbCandidate struct {
	dev   *gousb.Device
	bound bool
}

func (c *usbCandidate) Path() string {
	return fmt.Sprintf("usb:%03d:%03d", c.dev.Desc.Bus, c.dev.Desc.Address)
}

func (c *usbCandidate) Property(name string) (int64, bool) {
	if name != PropRID {
		return 0, false
	}
	buf := make([]byte, 4)
	n, err := c.dev.Control(ctrlIn, bridgeReqProperty, bridgePropRID, 0, buf)
	if err != nil || n != len(buf) {
		return 0, false
	}
	return int64(int32(binary.LittleEndian.Uint32(buf))), true
}

func (c *usbCandidate) Bind() (Transport, error) {
	if c.bound {
		return nil, errors.New("hpm: candidate already bound")
	}
	// Not fatal on all platforms
	_ = c.dev.SetAutoDetach(true)

	t := &usbTransport{dev: c.dev}
	if st := t.lastStatus(); st == StatusIOError {
		return nil, fmt.Errorf("bridge at %s did not answer status request", c.Path())
	}
	c.bound = true
	return t, nil
}

func (c *usbCandidate) Release() error {
	if c.bound {
		return nil
	}
	return c.dev.Close()
}

// usbTransport drives the controller through vendor control transfers.
type usbTransport struct {
	dev *gousb.Device
}

func (t *usbTransport) lastStatus() Status {
	buf := make([]byte, 4)
	n, err := t.dev.Control(ctrlIn, bridgeReqStatus, 0, 0, buf)
	if err != nil || n != len(buf) {
		return StatusIOError
	}
	return Status(binary.LittleEndian.Uint32(buf))
}

func (t *usbTransport) Read(chipAddr uint64, dataAddr uint8, buf []byte, flags uint32) (int, Status) {
	n, err := t.dev.Control(ctrlIn, bridgeReqRead, uint16(dataAddr)|uint16(flags&0xFF)<<8, uint16(chipAddr), buf)
	if err != nil {
		return 0, StatusIOError
	}
	if st := t.lastStatus(); st != StatusSuccess {
		return 0, st
	}
	return n, StatusSuccess
}

func (t *usbTransport) Write(chipAddr uint64, dataAddr uint8, data []byte, _ uint32) Status {
	if _, err := t.dev.Control(ctrlOut, bridgeReqWrite, uint16(dataAddr), uint16(chipAddr), data); err != nil {
		return StatusIOError
	}
	return t.lastStatus()
}

func (t *usbTransport) Command(chipAddr uint64, cmd uint32, _ uint32) Status {
	payload := binary.LittleEndian.AppendUint32(nil, cmd)
	if _, err := t.dev.Control(ctrlOut, bridgeReqCommand, 0, uint16(chipAddr), payload); err != nil {
		return StatusIOError
	}
	return t.lastStatus()
}

func (t *usbTransport) Close() error {
	return t.dev.Close()
}
