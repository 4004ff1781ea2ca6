package dfu

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/loopholelabs/logging/types"
)

// Timing holds the fixed delays and retry budget of the procedure.
type Timing struct {
	Settle   time.Duration // after each DBMa command, before reading the mode
	Poll     time.Duration // connection status poll while a device is attached
	Search   time.Duration // between searches when no device is found
	Backoff  time.Duration // after an error escaped a search or a session
	Attempts int           // DBMa handshake attempts
}

// DefaultTiming returns the delays the controller is known to tolerate.
func DefaultTiming() Timing {
	return Timing{
		Settle:   300 * time.Millisecond,
		Poll:     500 * time.Millisecond,
		Search:   time.Second,
		Backoff:  2 * time.Second,
		Attempts: 10,
	}
}

// Config controls the supervisor and its components.
type Config struct {
	Timing Timing

	// Out receives progress lines, Err receives error lines.
	Out io.Writer
	Err io.Writer

	// Log is optional.
	Log types.Logger

	// Metrics is optional; Validate installs a no-op implementation.
	Metrics Metrics
}

// DefaultConfig returns a Config writing to the process streams.
func DefaultConfig() *Config {
	return &Config{
		Timing: DefaultTiming(),
		Out:    os.Stdout,
		Err:    os.Stderr,
	}
}

// Validate fills unset fields and rejects impossible timings.
func (c *Config) Validate() error {
	if c.Out == nil {
		c.Out = io.Discard
	}
	if c.Err == nil {
		c.Err = io.Discard
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.Timing.Attempts < 1 {
		return fmt.Errorf("dfu: handshake attempts must be at least 1, got %d", c.Timing.Attempts)
	}
	for name, d := range map[string]time.Duration{
		"settle":  c.Timing.Settle,
		"poll":    c.Timing.Poll,
		"search":  c.Timing.Search,
		"backoff": c.Timing.Backoff,
	} {
		if d < 0 {
			return fmt.Errorf("dfu: %s delay must not be negative, got %s", name, d)
		}
	}
	return nil
}

func (c *Config) printf(format string, args ...any) {
	fmt.Fprintf(c.Out, format, args...)
}

func (c *Config) errorf(format string, args ...any) {
	fmt.Fprintf(c.Err, format, args...)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
