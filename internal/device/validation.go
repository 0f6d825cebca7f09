package device

import (
	"math"

	"github.com/23skdu/longbow-kvkernel/internal/logger"
	"github.com/23skdu/longbow-kvkernel/internal/metrics"
)

// reject records a failed call for the side channel and returns it.
func reject(op string, err *KernelError) error {
	metrics.RecordValidationError(op, err.Kind.String())
	logger.Log.Debug("Kernel call rejected", "op", op, "kind", err.Kind.String(), "err", err)
	return err
}

// Reject is reject for callers outside the package that build their own
// KernelError.
func Reject(op string, err *KernelError) error {
	return reject(op, err)
}

// mulFits reports whether a*b fits in an int, for positive a and b.
func mulFits(a, b int) bool {
	return a <= math.MaxInt/b
}

// ValidateMatMulDimensions checks that C = A·B is well formed for buffers of
// the given lengths.
func ValidateMatMulDimensions(lenA, lenB, lenC, m, n, k int) *KernelError {
	const op = "matmul"
	if m <= 0 || n <= 0 || k <= 0 {
		return NewError(op, KindDimMismatch, "dimensions must be positive: M=%d N=%d K=%d", m, n, k)
	}
	if !mulFits(m, k) || !mulFits(k, n) || !mulFits(m, n) {
		return NewError(op, KindDimMismatch, "dimensions overflow: M=%d N=%d K=%d", m, n, k)
	}
	if lenA < m*k {
		return NewError(op, KindDimMismatch, "A has %d elements, A[%d,%d] needs %d", lenA, m, k, m*k)
	}
	if lenB < k*n {
		return NewError(op, KindDimMismatch, "B has %d elements, B[%d,%d] needs %d", lenB, k, n, k*n)
	}
	if lenC < m*n {
		return NewError(op, KindDimMismatch, "C has %d elements, C[%d,%d] needs %d", lenC, m, n, m*n)
	}
	return nil
}

// ValidateVector checks a caller buffer against the declared width.
func ValidateVector(op, name string, buf []float32, dim int) *KernelError {
	if dim <= 0 {
		return NewError(op, KindDimMismatch, "%s: dim must be positive, got %d", name, dim)
	}
	if len(buf) < dim {
		return NewError(op, KindDimMismatch, "%s has %d elements, dim is %d", name, len(buf), dim)
	}
	return nil
}

func CheckNumericalStability(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		}
		if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return
}
