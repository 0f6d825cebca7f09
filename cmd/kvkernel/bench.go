package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-kvkernel/internal/engine"
	"github.com/23skdu/longbow-kvkernel/internal/logger"
	"github.com/23skdu/longbow-kvkernel/internal/monitoring"
)

type benchOptions struct {
	dim         int
	dModel      int
	steps       int
	batch       int
	seed        int64
	metricsAddr string
	trace       string
}

func benchCmd() *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark batched decode steps with random weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.dim, "dim", 128, "Head dimension")
	cmd.Flags().IntVar(&opts.dModel, "dmodel", 512, "Hidden state width")
	cmd.Flags().IntVar(&opts.steps, "steps", 64, "Decode steps (also the cache capacity)")
	cmd.Flags().IntVar(&opts.batch, "batch", 8, "Sequences per step")
	cmd.Flags().Int64Var(&opts.seed, "seed", 42, "Random seed")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve health and metrics while running")
	cmd.Flags().StringVar(&opts.trace, "trace", "", "Write a per-step trace to this JSON file")
	return cmd
}

func randomSlice(r *rand.Rand, n int, scale float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = (r.Float32()*2 - 1) * scale
	}
	return s
}

func runBench(cmd *cobra.Command, opts benchOptions) error {
	if opts.steps <= 0 || opts.batch <= 0 {
		return fmt.Errorf("steps and batch must be positive")
	}

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	var hm *monitoring.HealthMonitor
	if opts.metricsAddr != "" {
		hm = monitoring.NewHealthMonitor(e, version)
		go func() {
			if err := hm.Start(opts.metricsAddr); err != nil {
				logger.Log.Error("Monitoring server failed", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hm.Stop(ctx); err != nil {
				logger.Log.Warn("Monitoring server shutdown", "error", err)
			}
		}()
		logger.Log.Info("Serving metrics", "addr", opts.metricsAddr)
	}

	var tracer *engine.Tracer
	if opts.trace != "" {
		tracer = engine.NewTracer()
		tracer.Enable(fmt.Sprintf("bench dim=%d dmodel=%d batch=%d", opts.dim, opts.dModel, opts.batch))
		e.SetTracer(tracer)
	}

	r := rand.New(rand.NewSource(opts.seed))
	scale := 1 / float32(opts.dModel)
	w := &engine.Projection{
		DModel: opts.dModel,
		Dim:    opts.dim,
		Wq:     randomSlice(r, opts.dModel*opts.dim, scale),
		Wk:     randomSlice(r, opts.dModel*opts.dim, scale),
		Wv:     randomSlice(r, opts.dModel*opts.dim, scale),
	}

	seqs := make([]engine.SeqInput, opts.batch)
	for i := range seqs {
		h, err := e.Create(opts.steps, opts.dim)
		if err != nil {
			return err
		}
		seqs[i].Handle = h
	}

	ctx := cmd.Context()
	var total time.Duration
	failed := 0
	for pos := 0; pos < opts.steps; pos++ {
		for i := range seqs {
			seqs[i].Hidden = randomSlice(r, opts.dModel, 1)
		}
		start := time.Now()
		res, err := e.DecodeStep(ctx, &engine.Step{SeqLen: pos, Seqs: seqs, Weights: w})
		d := time.Since(start)
		total += d
		if res == nil {
			return err
		}
		failed += res.Failed()
		if hm != nil {
			hm.RecordStep(opts.batch, res.Failed(), d)
		}
	}

	tokens := opts.steps * opts.batch
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device:      %s\n", e.DeviceName())
	fmt.Fprintf(out, "Steps:       %d x batch %d\n", opts.steps, opts.batch)
	fmt.Fprintf(out, "Failed:      %d\n", failed)
	fmt.Fprintf(out, "Avg step:    %s\n", total/time.Duration(opts.steps))
	fmt.Fprintf(out, "Tokens/sec:  %.1f\n", float64(tokens)/total.Seconds())
	st := e.Stats()
	fmt.Fprintf(out, "Cache bytes: %d used / %d reserved\n", st.UsedBytes, st.ReservedBytes)

	if tracer != nil {
		if err := tracer.SaveToFile(opts.trace); err != nil {
			return err
		}
		logger.Log.Info("Trace written", "file", opts.trace, "steps", len(tracer.Steps()))
	}
	return nil
}
