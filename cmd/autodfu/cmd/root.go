package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/autodfu/internal/config"
	"github.com/OpenTraceLab/autodfu/internal/metrics"
	"github.com/OpenTraceLab/autodfu/pkg/console"
	"github.com/OpenTraceLab/autodfu/pkg/dfu"
	"github.com/OpenTraceLab/autodfu/pkg/firmware"
	"github.com/OpenTraceLab/autodfu/pkg/hpm"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	metricsAddr string

	firmwareDir string
)

var rootCmd = &cobra.Command{
	Use:   "autodfu",
	Short: "Put USB-C port controllers into DFU mode and supervise the session",
	Long: `autodfu waits for a connected HPM controller, drives it into DBMa mode,
sends the DFU request VDM and then watches the session until the device
disconnects. Press 'r' while a device is attached to run the restore tool
against the firmware image.

Exactly one firmware image must be present in the firmware directory
(default ./ipsw) before the loop starts.

Examples:
  autodfu                                   # Run with built-in defaults
  autodfu --config autodfu.hcl -v           # Load settings, debug logging
  autodfu --metrics :9100                   # Export Prometheus metrics`,
	Version:      "0.3.0",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runSupervisor,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "HCL configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to stderr")
	rootCmd.PersistentFlags().StringVarP(&metricsAddr, "metrics", "m", "", "Prometheus metrics listen address")

	rootCmd.Flags().StringVar(&firmwareDir, "firmware-dir", "", "directory holding the restore image (overrides config)")
}

// newLogger returns nil unless --verbose is set.
func newLogger() types.Logger {
	if !verbose {
		return nil
	}
	log := logging.New(logging.Zerolog, "autodfu", os.Stderr)
	log.SetLevel(types.TraceLevel)
	return log
}

// loadConfig reads --config and applies flag overrides.
func loadConfig() (*config.Schema, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if metricsAddr != "" {
		cfg.Metrics.Listen = metricsAddr
	}
	return cfg, nil
}

func runSupervisor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if firmwareDir != "" {
		cfg.Firmware.Directory = firmwareDir
	}
	log := newLogger()

	image, err := firmware.FindImage(cfg.Firmware.Directory, cfg.Firmware.Extensions)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Firmware image: %s\n", image)

	restorer := cfg.Restorer(image)
	restorer.Stdout = cmd.OutOrStdout()
	restorer.Stderr = cmd.ErrOrStderr()
	restorer.Log = log

	vid, pid, err := cfg.USBIDs()
	if err != nil {
		return err
	}
	registry := hpm.NewUSBRegistry(vid, pid, log)
	defer registry.Close()

	return supervise(cmd, cfg, registry, restorer, log, nil, 0)
}

// supervise runs the loop until SIGINT or SIGTERM, or until maxSessions
// sessions have completed when maxSessions > 0. input defaults to the
// terminal on stdin, switched to single-key mode for the duration.
func supervise(cmd *cobra.Command, cfg *config.Schema, registry hpm.Registry, restorer dfu.Restorer,
	log types.Logger, input dfu.Input, maxSessions int) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	timing, err := cfg.DFUTiming()
	if err != nil {
		return err
	}
	dcfg := &dfu.Config{
		Timing: timing,
		Out:    cmd.OutOrStdout(),
		Err:    cmd.ErrOrStderr(),
		Log:    log,
	}

	if cfg.Metrics.Listen != "" {
		reg := metrics.NewRegistry()
		dcfg.Metrics = metrics.New(reg)
		serveMetrics(ctx, cfg.Metrics.Listen, reg, log)
	}

	if input == nil {
		term, err := console.Open(os.Stdin)
		if err != nil {
			return err
		}
		defer term.Close()
		input = term
	}

	runner, err := dfu.NewRunner(registry, restorer, input, dcfg)
	if err != nil {
		return err
	}
	sessions := 0
	runner.OnSession = func(r dfu.SessionReport) {
		sessions++
		if log != nil {
			log.Info().Str("session", r.ID).Str("path", r.Path).Int("count", sessions).Msg("session finished")
		}
		if maxSessions > 0 && sessions >= maxSessions {
			cancel()
		}
	}

	err = runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log types.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
}
