package device

import (
	"math"
	"sync"
	"time"

	"github.com/23skdu/longbow-kvkernel/internal/metrics"
	"github.com/23skdu/longbow-kvkernel/internal/simd"
)

type attnScratch struct {
	scores []float64
	acc    []float64
}

var scratchPool = sync.Pool{
	New: func() interface{} { return &attnScratch{} },
}

func getScratch(length, dim int) *attnScratch {
	s := scratchPool.Get().(*attnScratch)
	if cap(s.scores) < length {
		s.scores = make([]float64, length)
	}
	if cap(s.acc) < dim {
		s.acc = make([]float64, dim)
	}
	s.scores = s.scores[:length]
	s.acc = s.acc[:dim]
	return s
}

// Attend computes single-query scaled dot-product attention over the first
// length rows of keys and values (row-major, width dim):
//
//	s_i = dot(q, K_i) / sqrt(dim)
//	w   = softmax(s)
//	out = sum_i w_i * V_i
//
// Rows are visited in storage order, which is append order. If weights is
// non-nil it receives w (it must hold length elements). out is written only
// after every check has passed.
func Attend(q, keys, values []float32, length, dim int, out []float32, weights []float64) error {
	const op = "attn_single"
	if err := ValidateVector(op, "Q", q, dim); err != nil {
		return reject(op, err)
	}
	if err := ValidateVector(op, "out", out, dim); err != nil {
		return reject(op, err)
	}
	if length <= 0 {
		return reject(op, NewError(op, KindEmptyHistory, "no cached time-steps to attend over"))
	}
	if !mulFits(length, dim) || len(keys) < length*dim || len(values) < length*dim {
		return reject(op, NewError(op, KindDimMismatch, "cache holds %d/%d elements, need %d rows of %d",
			len(keys), len(values), length, dim))
	}
	if weights != nil && len(weights) < length {
		return reject(op, NewError(op, KindDimMismatch, "weights has %d elements, need %d", len(weights), length))
	}

	start := time.Now()
	s := getScratch(length, dim)
	defer scratchPool.Put(s)

	scale := 1 / math.Sqrt(float64(dim))
	for i := 0; i < length; i++ {
		s.scores[i] = simd.Dot(q, keys[i*dim:], dim) * scale
	}
	simd.Softmax(s.scores)

	for j := range s.acc {
		s.acc[j] = 0
	}
	for i := 0; i < length; i++ {
		simd.Axpy(s.scores[i], values[i*dim:], s.acc, dim)
	}

	out = out[:dim]
	for j, v := range s.acc {
		out[j] = float32(v)
	}
	if weights != nil {
		copy(weights, s.scores)
	}

	if nan, inf := CheckNumericalStability(out); nan > 0 || inf > 0 {
		metrics.RecordNumericalInstability("attn_out", nan, inf)
	}
	metrics.RecordContextLength(length)
	metrics.RecordKernelDuration(op, time.Since(start))
	return nil
}
