package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-kvkernel/internal/device"
	"github.com/23skdu/longbow-kvkernel/internal/metrics"
)

// Projection holds the row-major DModel×Dim weights that map a hidden
// state to its query, key and value vectors.
type Projection struct {
	DModel int
	Dim    int
	Wq     []float32
	Wk     []float32
	Wv     []float32
}

type SeqInput struct {
	Handle Handle
	Hidden []float32 // DModel elements
}

// Step is one decoding step for a batch. SeqLen is the cache length every
// sequence must have before the step.
type Step struct {
	SeqLen  int
	Seqs    []SeqInput
	Weights *Projection
}

// StepResult is reported per sequence, in input order. A failed sequence
// has a nil output, its error set and its cache unchanged.
type StepResult struct {
	Outputs [][]float32
	Errors  []error
	OK      []bool
}

func (r *StepResult) Failed() int {
	n := 0
	for _, ok := range r.OK {
		if !ok {
			n++
		}
	}
	return n
}

// StepError summarizes the sequences that failed in an otherwise completed
// step.
type StepError struct {
	Indices []int
	Errs    []error
}

func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "decode step: %d sequence(s) failed", len(e.Indices))
	for i, idx := range e.Indices {
		fmt.Fprintf(&b, "; seq %d: %v", idx, e.Errs[i])
	}
	return b.String()
}

func (e *StepError) Unwrap() []error {
	return e.Errs
}

func (p *Projection) validate(op string) *device.KernelError {
	if p == nil {
		return device.NewError(op, device.KindInvalidArgument, "no projection weights")
	}
	if p.DModel <= 0 || p.Dim <= 0 {
		return device.NewError(op, device.KindDimMismatch, "projection dims must be positive: DModel=%d Dim=%d", p.DModel, p.Dim)
	}
	if p.DModel > math.MaxInt/p.Dim {
		return device.NewError(op, device.KindDimMismatch, "projection overflows: DModel=%d Dim=%d", p.DModel, p.Dim)
	}
	need := p.DModel * p.Dim
	for _, w := range []struct {
		name string
		buf  []float32
	}{{"Wq", p.Wq}, {"Wk", p.Wk}, {"Wv", p.Wv}} {
		if len(w.buf) < need {
			return device.NewError(op, device.KindDimMismatch, "%s has %d elements, need %d", w.name, len(w.buf), need)
		}
	}
	return nil
}

// DecodeStep projects each sequence's hidden state, appends the new key and
// value to its cache and attends over the updated history.
//
// Malformed steps (no weights, inconsistent shapes, empty batch, a handle
// listed twice) abort before any cache is touched and return a nil result.
// Otherwise every sequence runs independently: the result always carries
// per-sequence flags, and a *StepError is returned when any sequence failed.
// ctx is checked before each sequence starts.
func (e *Engine) DecodeStep(ctx context.Context, step *Step) (*StepResult, error) {
	const op = "decode_step"
	start := time.Now()

	if err := e.dev.Require(op); err != nil {
		return nil, err
	}
	if step == nil || len(step.Seqs) == 0 {
		return nil, device.Reject(op, device.NewError(op, device.KindInvalidArgument, "empty batch"))
	}
	if step.SeqLen < 0 {
		return nil, device.Reject(op, device.NewError(op, device.KindInvalidArgument, "negative seqlen %d", step.SeqLen))
	}
	if kerr := step.Weights.validate(op); kerr != nil {
		return nil, device.Reject(op, kerr)
	}
	seen := make(map[Handle]int, len(step.Seqs))
	for i, s := range step.Seqs {
		if j, dup := seen[s.Handle]; dup {
			return nil, device.Reject(op, device.NewError(op, device.KindInvalidArgument,
				"handle %s listed for sequences %d and %d", s.Handle, j, i))
		}
		seen[s.Handle] = i
	}

	w := step.Weights
	batch := len(step.Seqs)
	res := &StepResult{
		Outputs: make([][]float32, batch),
		Errors:  make([]error, batch),
		OK:      make([]bool, batch),
	}

	// Sequences that pass their own checks are projected together.
	ready := make([]int, 0, batch)
	for i, s := range step.Seqs {
		if err := e.checkSequence(op, s, w, step.SeqLen); err != nil {
			res.Errors[i] = err
			continue
		}
		ready = append(ready, i)
	}

	var q, k, v []float32
	if len(ready) > 0 {
		rows := len(ready)
		x := make([]float32, rows*w.DModel)
		for r, i := range ready {
			copy(x[r*w.DModel:(r+1)*w.DModel], step.Seqs[i].Hidden[:w.DModel])
		}
		q = make([]float32, rows*w.Dim)
		k = make([]float32, rows*w.Dim)
		v = make([]float32, rows*w.Dim)
		for _, p := range []struct{ dst, weights []float32 }{{q, w.Wq}, {k, w.Wk}, {v, w.Wv}} {
			if err := e.dev.MatMul(x, p.weights, p.dst, rows, w.Dim, w.DModel); err != nil {
				return nil, fmt.Errorf("projection: %w", err)
			}
		}

		g := new(errgroup.Group)
		g.SetLimit(e.cfg.DecodeWorkers)
		for r, i := range ready {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					res.Errors[i] = fmt.Errorf("sequence %d not started: %w", i, err)
					return nil
				}
				row := r * w.Dim
				out, err := e.decodeSequence(step.Seqs[i].Handle,
					q[row:row+w.Dim], k[row:row+w.Dim], v[row:row+w.Dim], w.Dim)
				if err != nil {
					res.Errors[i] = err
					return nil
				}
				res.Outputs[i] = out
				res.OK[i] = true
				return nil
			})
		}
		_ = g.Wait()
	}
	e.tracer.record(step, res, ready, q, k, v)

	failed := res.Failed()
	metrics.RecordDecodeStep(batch, failed, time.Since(start))
	e.log.Debug("Decode step", "batch", batch, "seqlen", step.SeqLen, "failed", failed,
		"elapsed", time.Since(start).String())

	if failed == 0 {
		return res, nil
	}
	serr := &StepError{}
	for i, ok := range res.OK {
		if !ok {
			serr.Indices = append(serr.Indices, i)
			serr.Errs = append(serr.Errs, res.Errors[i])
		}
	}
	return res, serr
}

func (e *Engine) checkSequence(op string, s SeqInput, w *Projection, seqLen int) error {
	if kerr := device.ValidateVector(op, "hidden", s.Hidden, w.DModel); kerr != nil {
		return device.Reject(op, kerr)
	}
	info, err := e.store.Info(s.Handle)
	if err != nil {
		return err
	}
	if info.Dim != w.Dim {
		return device.Reject(op, device.NewError(op, device.KindDimMismatch,
			"entry %s has dim %d, projection produces %d", s.Handle, info.Dim, w.Dim))
	}
	if info.Length != seqLen {
		return device.Reject(op, device.NewError(op, device.KindPositionMismatch,
			"entry %s holds %d rows, step expects %d", s.Handle, info.Length, seqLen))
	}
	return nil
}

// decodeSequence touches only the cache of h.
func (e *Engine) decodeSequence(h Handle, q, k, v []float32, dim int) ([]float32, error) {
	if err := e.store.Append(h, k, v, dim); err != nil {
		return nil, err
	}
	out := make([]float32, dim)
	if err := e.attend(h, q, dim, out, nil); err != nil {
		e.store.rollback(h)
		return nil, err
	}
	return out, nil
}

// IsStepError reports whether err is a per-sequence summary rather than
// an aborted step.
func IsStepError(err error) bool {
	var se *StepError
	return errors.As(err, &se)
}
