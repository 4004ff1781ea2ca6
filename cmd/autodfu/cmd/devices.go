package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/autodfu/pkg/dfu"
	"github.com/OpenTraceLab/autodfu/pkg/hpm"
)

var devicesScenario string

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List HPM controller candidates",
	Long: `Enumerate controller candidates in registry order and show whether each
would be selected for the DFU procedure. Nothing is sent to the devices
beyond the connection status read.

Examples:
  autodfu devices
  autodfu devices --scenario rig.scn`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().StringVarP(&devicesScenario, "scenario", "s", "",
		"list simulated controllers from a scenario file")
}

func runDevices(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()

	var registry hpm.Registry
	if devicesScenario != "" {
		scn, err := hpm.ParseScenarioFile(devicesScenario)
		if err != nil {
			return err
		}
		sim, err := scn.Build()
		if err != nil {
			return err
		}
		registry = sim
	} else {
		vid, pid, err := cfg.USBIDs()
		if err != nil {
			return err
		}
		usb := hpm.NewUSBRegistry(vid, pid, log)
		defer usb.Close()
		registry = usb
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	cands, err := registry.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate controllers: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(cands) == 0 {
		fmt.Fprintln(out, "No controllers found.")
		return nil
	}

	locator := dfu.NewLocator(registry, &dfu.Config{Out: out, Log: log})
	fmt.Fprintln(out, "HPM controllers:")
	for _, c := range cands {
		rid := "-"
		if v, ok := c.Property(hpm.PropRID); ok {
			rid = fmt.Sprint(v)
		}

		ev, err := locator.Evaluate(c)
		switch {
		case err != nil:
			fmt.Fprintf(out, "  - %s  RID %s  error: %v\n", c.Path(), rid, err)
		case ev.Suitable():
			fmt.Fprintf(out, "  - %s  RID %s  connected, selected\n", c.Path(), rid)
			ev.Device.Close()
		default:
			fmt.Fprintf(out, "  - %s  RID %s  skipped: %s\n", c.Path(), rid, ev.Reason)
		}
		c.Release()
	}
	return nil
}
