package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/autodfu/pkg/dfu"
	"github.com/OpenTraceLab/autodfu/pkg/hpm"
)

var (
	simSessions int
	simKeys     string
	simRestore  bool
	simFast     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario>",
	Short: "Run the supervisor against simulated controllers",
	Long: `Run the full search / DFU entry / monitor loop against controllers
described in a scenario file instead of real hardware.

A scenario lists devices in registry order:

  # primary instance, enters DBMa on the third try
  device "hpm0" rid 0 enter-after 3 disconnect-after 4 vdm-reply 0x01 0x02
  # secondary instance, never selected
  device "hpm1" rid 1

Examples:
  autodfu simulate rig.scn --sessions 1 --fast
  autodfu simulate rig.scn --keys r --restore      # press 'r' once a device is up`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().IntVarP(&simSessions, "sessions", "n", 0,
		"stop after this many completed sessions (0 runs until interrupted)")
	simulateCmd.Flags().StringVarP(&simKeys, "keys", "k", "",
		"key presses delivered while a device is monitored")
	simulateCmd.Flags().BoolVar(&simRestore, "restore", false,
		"enable a simulated restore tool")
	simulateCmd.Flags().BoolVar(&simFast, "fast", false,
		"use millisecond delays instead of the configured timing")
}

// scriptedInput hands out a fixed sequence of key presses.
type scriptedInput struct {
	keys []byte
}

func (s *scriptedInput) PollKey() (byte, bool) {
	if len(s.keys) == 0 {
		return 0, false
	}
	k := s.keys[0]
	s.keys = s.keys[1:]
	return k, true
}

type simRestorer struct {
	out   io.Writer
	calls int
}

func (r *simRestorer) Restore(context.Context) error {
	r.calls++
	fmt.Fprintf(r.out, "Simulated restore #%d complete.\n", r.calls)
	return nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if simFast {
		cfg.Timing.Settle = time.Millisecond.String()
		cfg.Timing.Poll = time.Millisecond.String()
		cfg.Timing.Search = time.Millisecond.String()
		cfg.Timing.Backoff = time.Millisecond.String()
	}

	scn, err := hpm.ParseScenarioFile(args[0])
	if err != nil {
		return err
	}
	registry, err := scn.Build()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Simulating %d controller(s) from %s\n", len(registry.Entries), args[0])

	var restorer dfu.Restorer
	if simRestore {
		restorer = &simRestorer{out: cmd.OutOrStdout()}
	}
	return supervise(cmd, cfg, registry, restorer, newLogger(), &scriptedInput{keys: []byte(simKeys)}, simSessions)
}
