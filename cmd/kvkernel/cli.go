package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-kvkernel/internal/arrow_client"
	"github.com/23skdu/longbow-kvkernel/internal/config"
	"github.com/23skdu/longbow-kvkernel/internal/device"
	"github.com/23skdu/longbow-kvkernel/internal/engine"
	"github.com/23skdu/longbow-kvkernel/internal/logger"
	"github.com/23skdu/longbow-kvkernel/internal/monitoring"
)

const version = "0.1.0"

var cfg config.Config

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kvkernel",
		Short: "KV cache, attention and matmul kernels",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			var err error
			if cfg, err = config.FromEnv(); err != nil {
				return err
			}
			if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
				cfg.LogLevel = f.Value.String()
			}
			if f := cmd.Flags().Lookup("log-format"); f != nil && f.Changed {
				cfg.LogFormat = f.Value.String()
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger.Setup(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}

	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "console", "console or json")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		deviceCmd(),
		smokeCmd(),
		benchCmd(),
		serveCmd(),
		snapshotCmd(),
		envCmd(),
	)
	return rootCmd
}

// newEngine builds and initializes an engine from the loaded config.
func newEngine() (*engine.Engine, error) {
	dev := device.NewContext(device.CPUProber{Require: cfg.RequireFeatures})
	e, err := engine.New(cfg, dev)
	if err != nil {
		return nil, err
	}
	if err := e.Init(); err != nil {
		return nil, fmt.Errorf("device init: %w", err)
	}
	return e, nil
}

func deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Probe and describe the compute device",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			info := e.Device().Info()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:     %s\n", e.DeviceName())
			fmt.Fprintf(out, "Vendor:   %s\n", info.Vendor)
			fmt.Fprintf(out, "Arch:     %s\n", info.Arch)
			fmt.Fprintf(out, "Threads:  %d\n", info.LogicalCores)
			fmt.Fprintf(out, "Features: %s\n", strings.Join(info.Features, " "))
			fmt.Fprintf(out, "ID:       %s\n", e.Device().ID())
			return nil
		},
	}
}

// runScenario creates a 4x3 cache holding two rows and attends with a query
// aligned to the first key. The caller frees the returned handle.
func runScenario(e *engine.Engine) (engine.Handle, []float32, error) {
	h, err := e.Create(4, 3)
	if err != nil {
		return engine.InvalidHandle, nil, err
	}
	if err := e.Append(h, []float32{1, 0, 0}, []float32{10, 10, 10}, 3); err != nil {
		return h, nil, err
	}
	if err := e.Append(h, []float32{0, 1, 0}, []float32{20, 20, 20}, 3); err != nil {
		return h, nil, err
	}
	out := make([]float32, 3)
	if err := e.AttnSingle(h, []float32{1, 0, 0}, 3, out); err != nil {
		return h, nil, err
	}
	return h, out, nil
}

func smokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Run kernel sanity checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			out := cmd.OutOrStdout()

			b := []float32{3.5, -2, 0.25, 9}
			c := make([]float32, 4)
			if err := e.MatMul([]float32{1, 0, 0, 1}, b, c, 2, 2, 2); err != nil {
				return err
			}
			for i := range b {
				if math.Abs(float64(c[i]-b[i])) > 1e-5 {
					return fmt.Errorf("matmul identity: C[%d] = %f, want %f", i, c[i], b[i])
				}
			}
			fmt.Fprintln(out, "PASS matmul identity")

			h, attn, err := runScenario(e)
			if err != nil {
				return err
			}
			defer e.Free(h)
			for i, v := range attn {
				if v <= 10 || v >= 15 {
					return fmt.Errorf("attention: out[%d] = %f, expected to lean toward 10", i, v)
				}
			}
			fmt.Fprintf(out, "PASS attention %v\n", attn)

			if err := e.Append(h, []float32{0, 0, 1}, []float32{1, 1, 1}, 3); err != nil {
				return err
			}
			if err := e.Append(h, []float32{1, 1, 1}, []float32{1, 1, 1}, 3); err != nil {
				return err
			}
			if err := e.Append(h, []float32{1, 1, 1}, []float32{1, 1, 1}, 3); !errors.Is(err, device.ErrCapacityExhausted) {
				return fmt.Errorf("append beyond capacity: got %v", err)
			}
			fmt.Fprintln(out, "PASS capacity")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Serve health, status and Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = cfg.MetricsAddr
			}

			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			hm := monitoring.NewHealthMonitor(e, version)
			errCh := make(chan error, 1)
			go func() { errCh <- hm.Start(addr) }()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case s := <-sig:
				logger.Log.Info("Shutting down", "signal", s.String())
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hm.Stop(ctx)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (default KVK_METRICS_ADDR or :9090)")
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Round-trip a KV cache through an Arrow Flight server",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("flight")
			name, _ := cmd.Flags().GetString("name")
			if addr == "" {
				addr = cfg.FlightAddr
			}

			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			fc, err := arrow_client.NewFlightClientAddr(addr)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := fc.Connect(ctx); err != nil {
				return err
			}
			defer fc.Close()

			h, want, err := runScenario(e)
			if err != nil {
				return err
			}
			if err := e.Export(ctx, fc, h, name); err != nil {
				return err
			}
			restored, err := e.Import(ctx, fc, name)
			if err != nil {
				return err
			}
			got := make([]float32, 3)
			if err := e.AttnSingle(restored, []float32{1, 0, 0}, 3, got); err != nil {
				return err
			}
			for i := range want {
				if got[i] != want[i] {
					return fmt.Errorf("restored attention differs at %d: %f vs %f", i, got[i], want[i])
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PASS snapshot %q via %s\n", name, addr)
			return nil
		},
	}
	cmd.Flags().String("flight", "", "Flight server address (default KVK_FLIGHT_ADDR)")
	cmd.Flags().String("name", "kvkernel-smoke", "Snapshot name")
	return cmd
}

func envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List environment variables",
		Run: func(cmd *cobra.Command, args []string) {
			for _, v := range config.Vars() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-22s %s\n", v.Name, v.Description)
			}
		},
	}
}
