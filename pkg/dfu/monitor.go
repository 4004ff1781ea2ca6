package dfu

import (
	"context"

	"github.com/OpenTraceLab/autodfu/pkg/hpm"
)

// Input reports pending single-character input without blocking.
type Input interface {
	PollKey() (byte, bool)
}

// Restorer runs the external firmware restore. It blocks until the
// restore tool exits.
type Restorer interface {
	Restore(ctx context.Context) error
}

// WatchResult describes how a monitored session ended.
type WatchResult struct {
	Reason     DisconnectReason
	ReadErr    error // status read failure that ended the session, if any
	Restored   bool  // the restore tool was invoked
	RestoreErr error
	Polls      int
}

// Monitor polls a device until it disconnects, running the restore tool
// once when the operator asks for it.
type Monitor struct {
	cfg      *Config
	restorer Restorer

	// onState observes lifecycle transitions after Monitoring.
	onState func(State)
}

// NewMonitor creates a Monitor. restorer may be nil, in which case restore
// requests are reported and ignored. cfg must have been validated.
func NewMonitor(cfg *Config, restorer Restorer) *Monitor {
	return &Monitor{cfg: cfg, restorer: restorer}
}

func isRestoreKey(k byte) bool {
	return k == 'r' || k == 'R'
}

// Watch blocks until the device disconnects. A status read failure counts
// as a disconnect. Only context cancellation is returned as an error.
func (m *Monitor) Watch(ctx context.Context, dev *hpm.Device, input Input) (*WatchResult, error) {
	res := &WatchResult{}

	if m.restorer != nil && input != nil {
		m.cfg.printf("Monitoring for disconnect... (press 'r' to restore)\n")
	} else {
		m.cfg.printf("Monitoring for disconnect...\n")
	}

	restore := false
	for !restore {
		if m.gone(dev, res) {
			return res, nil
		}
		if input != nil {
			if k, ok := input.PollKey(); ok && isRestoreKey(k) {
				if m.restorer != nil {
					restore = true
					continue
				}
				m.cfg.printf("No restore tool configured, ignoring restore request.\n")
			}
		}
		if err := sleep(ctx, m.cfg.Timing.Poll); err != nil {
			return res, err
		}
	}

	m.enter(StateRestoreRequested)
	m.cfg.printf("Restore requested. Starting restore...\n")
	m.enter(StateRestoreInProgress)
	res.Restored = true
	res.RestoreErr = m.restorer.Restore(ctx)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	m.cfg.Metrics.RestoreFinished(res.RestoreErr)
	if res.RestoreErr != nil {
		m.cfg.errorf("Restore failed: %v\n", res.RestoreErr)
	} else {
		m.cfg.printf("Restore finished.\n")
	}

	m.enter(StateWaitingDisconnect)
	m.cfg.printf("Waiting for disconnect...\n")
	for {
		if m.gone(dev, res) {
			return res, nil
		}
		if err := sleep(ctx, m.cfg.Timing.Poll); err != nil {
			return res, err
		}
	}
}

// gone polls the connection bit once and records the end of the session.
func (m *Monitor) gone(dev *hpm.Device, res *WatchResult) bool {
	res.Polls++
	connected, err := dev.Connected()
	switch {
	case err != nil:
		res.Reason = DisconnectReadError
		res.ReadErr = err
		m.cfg.printf("Status read failed (%v), treating as disconnect.\n", err)
	case !connected:
		res.Reason = DisconnectStatus
	default:
		return false
	}
	m.cfg.Metrics.Disconnected(res.Reason)
	m.enter(StateDisconnected)
	m.cfg.printf("Device disconnected.\n")
	return true
}

func (m *Monitor) enter(s State) {
	if m.onState != nil {
		m.onState(s)
	}
}
