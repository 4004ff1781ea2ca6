package dfu

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/OpenTraceLab/autodfu/pkg/hpm"
)

// State is a step of the session lifecycle.
type State int

const (
	StateSearching State = iota
	StateFound
	StateEnteringDFU
	StateMonitoring
	StateRestoreRequested
	StateRestoreInProgress
	StateWaitingDisconnect
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "Searching"
	case StateFound:
		return "Found"
	case StateEnteringDFU:
		return "EnteringDFU"
	case StateMonitoring:
		return "Monitoring"
	case StateRestoreRequested:
		return "RestoreRequested"
	case StateRestoreInProgress:
		return "RestoreInProgress"
	case StateWaitingDisconnect:
		return "WaitingDisconnect"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "INVALID"
	}
}

// SessionReport summarizes one device session.
type SessionReport struct {
	ID    string
	Path  string
	Entry *EntryResult
	Watch *WatchResult
}

// Runner is the supervisor loop: search, enter DFU, monitor, repeat.
// It is strictly sequential; one device is open at a time.
type Runner struct {
	cfg       *Config
	locator   *Locator
	sequencer *Sequencer
	monitor   *Monitor
	input     Input

	waitingShown bool

	// OnSession, when set, is called after every completed session.
	OnSession func(SessionReport)
}

// NewRunner wires the supervisor. restorer and input may be nil.
func NewRunner(registry hpm.Registry, restorer Restorer, input Input, cfg *Config) (*Runner, error) {
	if registry == nil {
		return nil, errors.New("dfu: registry cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		cfg:       cfg,
		locator:   NewLocator(registry, cfg),
		sequencer: NewSequencer(cfg),
		monitor:   NewMonitor(cfg, restorer),
		input:     input,
	}, nil
}

// Run loops until ctx is cancelled and returns ctx.Err(). Transport and
// command failures never end the loop; they are reported and retried
// after Timing.Backoff.
func (r *Runner) Run(ctx context.Context) error {
	r.cfg.printf("Auto DFU running...\n")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.step(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.cfg.Metrics.Fault()
		r.cfg.errorf("\nError: %v\n", err)
		if r.cfg.Log != nil {
			r.cfg.Log.Error().Err(err).Msg("iteration failed")
		}
		if err := sleep(ctx, r.cfg.Timing.Backoff); err != nil {
			return err
		}
	}
}

// step performs one search and, when a device is found, one full session.
func (r *Runner) step(ctx context.Context) error {
	dev, err := r.locator.Locate(ctx)
	if err != nil {
		return err
	}
	if dev == nil {
		if !r.waitingShown {
			r.transition("", StateSearching)
			r.cfg.printf("Waiting for a connected HPM controller...\n")
			r.waitingShown = true
		}
		return sleep(ctx, r.cfg.Timing.Search)
	}
	r.waitingShown = false
	return r.session(ctx, dev)
}

func (r *Runner) session(ctx context.Context, dev *hpm.Device) error {
	report := SessionReport{ID: uuid.NewString(), Path: dev.Path()}
	defer func() {
		if err := dev.Close(); err != nil && r.cfg.Log != nil {
			r.cfg.Log.Warn().Str("session", report.ID).Err(err).Msg("close device")
		}
	}()

	r.cfg.Metrics.SessionStarted()
	r.transition(report.ID, StateFound)
	r.cfg.printf("Device detected. Initiating DFU procedure...\n")

	r.transition(report.ID, StateEnteringDFU)
	entry, err := r.sequencer.EnterDFU(ctx, dev)
	report.Entry = entry
	var exhausted *HandshakeExhaustedError
	if err != nil && !errors.As(err, &exhausted) {
		return fmt.Errorf("DFU entry on %s: %w", dev.Path(), err)
	}

	r.transition(report.ID, StateMonitoring)
	r.monitor.onState = func(s State) { r.transition(report.ID, s) }
	watch, err := r.monitor.Watch(ctx, dev, r.input)
	r.monitor.onState = nil
	report.Watch = watch
	if err != nil {
		return err
	}

	if r.OnSession != nil {
		r.OnSession(report)
	}
	return nil
}

func (r *Runner) transition(session string, s State) {
	if r.cfg.Log != nil {
		r.cfg.Log.Debug().Str("session", session).Str("state", s.String()).Msg("session state")
	}
}
