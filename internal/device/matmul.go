package device

import (
	"time"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-kvkernel/internal/metrics"
)

// MatMul computes C = A·B with A M×K, B K×N and C M×N, all row-major.
// Only the first M*K, K*N and M*N elements of the buffers are used. On
// failure C is not written. Safe for concurrent use.
func (c *Context) MatMul(a, b, out []float32, m, n, k int) error {
	const op = "matmul"
	if err := c.Require(op); err != nil {
		return err
	}
	if err := ValidateMatMulDimensions(len(a), len(b), len(out), m, n, k); err != nil {
		return reject(op, err)
	}

	start := time.Now()
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a[:m*k]},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b[:k*n]},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: out[:m*n]},
	)
	metrics.RecordKernelDuration(op, time.Since(start))
	return nil
}
