package dfu

import (
	"context"
	"fmt"

	"github.com/OpenTraceLab/autodfu/pkg/hpm"
)

// EntryResult describes one run of the DFU entry procedure.
type EntryResult struct {
	Attempts  int    // DBMa commands issued
	Mode      []byte // first four bytes of the last mode register read
	Entered   bool
	VDMResult int    // hpm.ResultCommandFailed until the VDM was sent
	VDMReply  []byte // first bytes of RegVDMReply after the VDM
}

// Sequencer drives a controller into DBMa mode and requests DFU.
type Sequencer struct {
	cfg *Config
}

// NewSequencer creates a Sequencer. cfg must have been validated.
func NewSequencer(cfg *Config) *Sequencer {
	return &Sequencer{cfg: cfg}
}

// EnterDFU issues the DBMa handshake up to Timing.Attempts times, waiting
// Timing.Settle before each mode check, then sends the DFU request VDM.
//
// When the mode never matches, the VDM is not sent and a
// *HandshakeExhaustedError is returned together with the result. Other
// errors are transport failures.
func (s *Sequencer) EnterDFU(ctx context.Context, dev *hpm.Device) (*EntryResult, error) {
	res := &EntryResult{VDMResult: hpm.ResultCommandFailed}

	s.cfg.printf("Entering DBMa...\n")
	for attempt := 1; attempt <= s.cfg.Timing.Attempts; attempt++ {
		res.Attempts = attempt
		s.cfg.Metrics.HandshakeAttempt()

		// The command result does not decide anything, the mode register does.
		if _, err := dev.Execute(hpm.CmdEnterDBMa, nil); err != nil {
			return res, err
		}
		if err := sleep(ctx, s.cfg.Timing.Settle); err != nil {
			return res, err
		}

		mode, err := dev.ReadRegister(hpm.RegMode)
		if err != nil {
			return res, fmt.Errorf("read mode register: %w", err)
		}
		res.Mode = append(res.Mode[:0], mode[:4]...)
		if string(res.Mode) == hpm.ModeDBMa {
			res.Entered = true
			break
		}
		if s.cfg.Log != nil {
			s.cfg.Log.Debug().
				Str("path", dev.Path()).
				Int("attempt", attempt).
				Str("mode", hpm.FormatBytes(res.Mode)).
				Msg("DBMa not active yet")
		}
	}
	s.cfg.Metrics.HandshakeResult(res.Entered)

	if !res.Entered {
		err := &HandshakeExhaustedError{Attempts: res.Attempts, Mode: res.Mode}
		s.cfg.printf("Failed to enter DBMa mode after retries. 0x03 = %s\n", hpm.FormatBytes(res.Mode))
		return res, err
	}
	s.cfg.printf("Entered DBMa mode.\n")

	if err := s.sendDFURequest(dev, res); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Sequencer) sendDFURequest(dev *hpm.Device, res *EntryResult) error {
	args, err := hpm.EncodeVDM(hpm.DFURequestVDM)
	if err != nil {
		return err
	}

	s.cfg.printf("Sending DFU VDM...\n")
	code, err := dev.Execute(hpm.CmdSendVDM, args)
	if err != nil {
		return err
	}
	res.VDMResult = code
	s.cfg.Metrics.VDMResult(code)

	// Read even when the command was refused; the reply is only reported.
	reply, err := dev.ReadRegister(hpm.RegVDMReply)
	if err != nil {
		return fmt.Errorf("read VDM reply: %w", err)
	}
	res.VDMReply = append([]byte(nil), reply[:hpm.ResultSize]...)
	s.cfg.printf("DFU VDM reply (0x4d): %s\n", hpm.FormatBytes(res.VDMReply))

	if code == 0 {
		s.cfg.printf("DFU command sent. Device should re-enumerate.\n")
	} else {
		s.cfg.printf("DFU command failed with result code: %d\n", code)
	}
	return nil
}
