package engine

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-kvkernel/internal/config"
	"github.com/23skdu/longbow-kvkernel/internal/device"
	"github.com/23skdu/longbow-kvkernel/internal/logger"
	"github.com/23skdu/longbow-kvkernel/internal/metrics"
)

// Engine ties the device context to a cache store. All cache and kernel
// operations fail with KindUninitialized until Init succeeds.
type Engine struct {
	cfg   config.Config
	dev   *device.Context
	store *Store
	log   *logger.Logger

	tracer *Tracer
}

// New builds an engine on dev, or on the process-wide device when dev is nil.
func New(cfg config.Config, dev *device.Context) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if dev == nil {
		dev = device.Default()
	}
	return &Engine{
		cfg:   cfg,
		dev:   dev,
		store: NewStore(cfg),
		log:   logger.Log.With("engine"),
	}, nil
}

// SetTracer attaches a tracer that records every DecodeStep while enabled.
func (e *Engine) SetTracer(t *Tracer) {
	e.tracer = t
}

func (e *Engine) Init() error {
	return e.dev.Init()
}

func (e *Engine) Ready() bool {
	return e.dev.Ready()
}

func (e *Engine) DeviceName() string {
	return e.dev.DeviceName()
}

func (e *Engine) Device() *device.Context {
	return e.dev
}

func (e *Engine) Config() config.Config {
	return e.cfg
}

func (e *Engine) Stats() StoreStats {
	return e.store.Stats()
}

func (e *Engine) MatMul(a, b, c []float32, m, n, k int) error {
	return e.dev.MatMul(a, b, c, m, n, k)
}

func (e *Engine) Create(capacity, dim int) (Handle, error) {
	if err := e.dev.Require("kv_create"); err != nil {
		return InvalidHandle, err
	}
	return e.store.Create(capacity, dim)
}

func (e *Engine) Append(h Handle, k, v []float32, dim int) error {
	if err := e.dev.Require("kv_append"); err != nil {
		return err
	}
	return e.store.Append(h, k, v, dim)
}

func (e *Engine) Free(h Handle) error {
	if err := e.dev.Require("kv_free"); err != nil {
		return err
	}
	return e.store.Free(h)
}

func (e *Engine) Info(h Handle) (EntryInfo, error) {
	return e.store.Info(h)
}

// AttnSingle attends q over the full history of h and writes the result
// to out. out is untouched on failure.
func (e *Engine) AttnSingle(h Handle, q []float32, dim int, out []float32) error {
	return e.attend(h, q, dim, out, nil)
}

// AttnWeights returns the softmax weights AttnSingle would use, one per
// cached row in append order.
func (e *Engine) AttnWeights(h Handle, q []float32, dim int) ([]float64, error) {
	info, err := e.store.Info(h)
	if err != nil {
		return nil, err
	}
	weights := make([]float64, info.Length)
	out := make([]float32, dim)
	if err := e.attend(h, q, dim, out, weights); err != nil {
		return nil, err
	}
	return weights, nil
}

func (e *Engine) attend(h Handle, q []float32, dim int, out []float32, weights []float64) error {
	const op = "attn_single"
	if err := e.dev.Require(op); err != nil {
		return err
	}
	keys, values, length, entryDim, err := e.store.history(op, h)
	if err != nil {
		return err
	}
	if dim != entryDim {
		return device.Reject(op, device.NewError(op, device.KindDimMismatch, "dim %d, entry has %d", dim, entryDim))
	}
	return device.Attend(q, keys, values, length, dim, out, weights)
}

// Close frees every live entry. Handles outstanding at Close are logged.
func (e *Engine) Close() {
	start := time.Now()
	live := e.store.Live()
	for _, h := range live {
		if err := e.store.Free(h); err != nil {
			e.log.Warn("Failed to free entry on close", "handle", h.String(), "err", err)
		}
	}
	if len(live) > 0 {
		e.log.Warn("Freed live KV entries on close", "count", len(live))
	}
	metrics.RecordKernelDuration("engine_close", time.Since(start))
}
