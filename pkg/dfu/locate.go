package dfu

import (
	"context"
	"fmt"

	"github.com/OpenTraceLab/autodfu/pkg/hpm"
)

// Evaluation is the verdict on one registry candidate: Suitable with a
// bound Device, or Unsuitable with a Reason.
type Evaluation struct {
	Device *hpm.Device
	Reason string
}

// Suitable reports whether the candidate was selected.
func (e Evaluation) Suitable() bool {
	return e.Device != nil
}

func unsuitable(format string, args ...any) Evaluation {
	return Evaluation{Reason: fmt.Sprintf(format, args...)}
}

// Locator finds the primary, connected controller instance.
type Locator struct {
	registry hpm.Registry
	cfg      *Config
}

// NewLocator creates a Locator. cfg must have been validated.
func NewLocator(registry hpm.Registry, cfg *Config) *Locator {
	return &Locator{registry: registry, cfg: cfg}
}

// Locate returns the first suitable device in registry order, or nil when
// there is none. Every candidate is released before Locate returns; the
// returned device is owned by the caller.
//
// A failed status read on a bound candidate is not a filtering decision:
// the search is abandoned and the error returned.
func (l *Locator) Locate(ctx context.Context) (*hpm.Device, error) {
	cands, err := l.registry.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate controllers: %w", err)
	}

	var (
		found *hpm.Device
		fault error
	)
	for _, c := range cands {
		if found == nil && fault == nil {
			ev, err := l.Evaluate(c)
			switch {
			case err != nil:
				fault = err
			case ev.Suitable():
				found = ev.Device
			default:
				if l.cfg.Log != nil {
					l.cfg.Log.Debug().Str("path", c.Path()).Str("reason", ev.Reason).Msg("candidate skipped")
				}
			}
		}
		if err := c.Release(); err != nil && l.cfg.Log != nil {
			l.cfg.Log.Warn().Str("path", c.Path()).Err(err).Msg("release candidate")
		}
	}

	if fault != nil {
		return nil, fault
	}
	if found != nil {
		l.cfg.printf("HPM controller: %s\n", found.Path())
	}
	return found, nil
}

// Evaluate decides whether a single candidate can host the procedure.
func (l *Locator) Evaluate(c hpm.Candidate) (Evaluation, error) {
	rid, ok := c.Property(hpm.PropRID)
	if !ok {
		return unsuitable("no %s property", hpm.PropRID), nil
	}
	if rid != 0 {
		return unsuitable("%s %d is not the primary instance", hpm.PropRID, rid), nil
	}

	t, err := c.Bind()
	if err != nil {
		return unsuitable("bind failed: %v", err), nil
	}
	dev := hpm.NewDevice(t, c.Path(), hpm.WithOutput(l.cfg.Out), hpm.WithLogger(l.cfg.Log))

	connected, err := dev.Connected()
	if err != nil {
		dev.Close()
		return Evaluation{}, fmt.Errorf("read connection status of %s: %w", c.Path(), err)
	}
	if !connected {
		dev.Close()
		return unsuitable("not connected"), nil
	}
	return Evaluation{Device: dev}, nil
}
