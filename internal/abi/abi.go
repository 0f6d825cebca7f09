// Package abi is the flat call surface exported to foreign callers. Every
// call returns 1 on success and 0 on failure; the most recent failure is
// kept for LastError and logged.
package abi

import (
	"context"
	"sync"

	"github.com/23skdu/longbow-kvkernel/internal/config"
	"github.com/23skdu/longbow-kvkernel/internal/device"
	"github.com/23skdu/longbow-kvkernel/internal/engine"
	"github.com/23skdu/longbow-kvkernel/internal/logger"
)

const (
	Success int32 = 1
	Failure int32 = 0

	// InvalidHandle is returned by a failed KVCreate.
	InvalidHandle int32 = int32(engine.InvalidHandle)
)

var (
	once     sync.Once
	eng      *engine.Engine
	setupErr error

	errMu   sync.Mutex
	lastErr error
)

func setup() {
	cfg, err := config.FromEnv()
	if err != nil {
		setupErr = err
		return
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	dev := device.Default()
	if len(cfg.RequireFeatures) > 0 {
		dev = device.NewContext(device.CPUProber{Require: cfg.RequireFeatures})
	}
	eng, setupErr = engine.New(cfg, dev)
}

// Engine returns the process-wide engine, built on first use from the
// KVK_* environment.
func Engine() (*engine.Engine, error) {
	once.Do(setup)
	return eng, setupErr
}

// Code converts err to the boundary convention and records it.
func Code(err error) int32 {
	errMu.Lock()
	defer errMu.Unlock()
	if err != nil {
		lastErr = err
		return Failure
	}
	return Success
}

// LastError is the detail of the most recent failed call, or nil.
func LastError() error {
	errMu.Lock()
	defer errMu.Unlock()
	return lastErr
}

func ready() (*engine.Engine, int32) {
	e, err := Engine()
	if err != nil {
		return nil, Code(err)
	}
	return e, Success
}

func Init() int32 {
	e, code := ready()
	if code == Failure {
		return code
	}
	return Code(e.Init())
}

// DeviceName is empty before a successful Init.
func DeviceName() string {
	e, err := Engine()
	if err != nil {
		return ""
	}
	return e.DeviceName()
}

func MatMul(a, b, c []float32, m, n, k int) int32 {
	e, code := ready()
	if code == Failure {
		return code
	}
	return Code(e.MatMul(a, b, c, m, n, k))
}

func KVCreate(capacity, dim int) int32 {
	e, code := ready()
	if code == Failure {
		return InvalidHandle
	}
	h, err := e.Create(capacity, dim)
	if Code(err) == Failure {
		return InvalidHandle
	}
	return int32(h)
}

func KVAppend(h int32, k, v []float32, dim int) int32 {
	e, code := ready()
	if code == Failure {
		return code
	}
	return Code(e.Append(engine.Handle(h), k, v, dim))
}

func AttnSingle(h int32, q []float32, dim int, out []float32) int32 {
	e, code := ready()
	if code == Failure {
		return code
	}
	return Code(e.AttnSingle(engine.Handle(h), q, dim, out))
}

// KVFree has no result at the boundary; a bad handle is only recorded.
func KVFree(h int32) {
	e, code := ready()
	if code == Failure {
		return
	}
	Code(e.Free(engine.Handle(h)))
}

// DecodeStep runs one step for len(handles) sequences. hidden holds one
// dModel-wide row per sequence, out receives one dim-wide row per sequence
// and ok, when non-nil, one flag per sequence. The result is 1 only if
// every sequence succeeded. Flags are cleared first, so a step that aborts
// reports every sequence as failed.
func DecodeStep(handles []int32, seqLen int, hidden []float32, dModel, dim int,
	wq, wk, wv []float32, out []float32, ok []int32) int32 {
	batch := len(handles)
	for i := 0; i < batch && i < len(ok); i++ {
		ok[i] = Failure
	}
	e, code := ready()
	if code == Failure {
		return code
	}
	const op = "decode_step"
	if batch == 0 || dModel <= 0 || dim <= 0 {
		return Code(device.Reject(op, device.NewError(op, device.KindInvalidArgument,
			"batch=%d dModel=%d dim=%d", batch, dModel, dim)))
	}
	if len(hidden) < batch*dModel || len(out) < batch*dim || (ok != nil && len(ok) < batch) {
		return Code(device.Reject(op, device.NewError(op, device.KindDimMismatch,
			"buffers too small for batch %d", batch)))
	}

	step := &engine.Step{
		SeqLen:  seqLen,
		Seqs:    make([]engine.SeqInput, batch),
		Weights: &engine.Projection{DModel: dModel, Dim: dim, Wq: wq, Wk: wk, Wv: wv},
	}
	for i, h := range handles {
		step.Seqs[i] = engine.SeqInput{
			Handle: engine.Handle(h),
			Hidden: hidden[i*dModel : (i+1)*dModel],
		}
	}

	res, err := e.DecodeStep(context.Background(), step)
	if res != nil {
		for i := 0; i < batch; i++ {
			if !res.OK[i] {
				continue
			}
			if ok != nil {
				ok[i] = Success
			}
			copy(out[i*dim:(i+1)*dim], res.Outputs[i])
		}
	}
	return Code(err)
}
