package device

import (
	"math"
)

// MatMulReference is the triple-loop C = A·B (row-major, A M×K, B K×N)
// the MatMul kernel is checked against.
func MatMulReference(a, b []float32, m, n, k int) []float32 {
	output := make([]float32, m*n)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := float32(0.0)
			for l := 0; l < k; l++ {
				sum += a[i*k+l] * b[l*n+j]
			}
			output[i*n+j] = sum
		}
	}

	return output
}

// AttendReference is a float32 two-pass rendition of Attend, returning the
// output and the softmax weights.
func AttendReference(q, keys, values []float32, length, dim int) ([]float32, []float32) {
	scores := make([]float32, length)
	output := make([]float32, dim)
	if length == 0 {
		return output, scores
	}

	for t := 0; t < length; t++ {
		score := float32(0.0)
		for i := 0; i < dim; i++ {
			score += q[i] * keys[t*dim+i]
		}
		scores[t] = score / float32(math.Sqrt(float64(dim)))
	}

	maxScore := scores[0]
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}

	var expSum float32
	for t := range scores {
		scores[t] = float32(math.Exp(float64(scores[t] - maxScore)))
		expSum += scores[t]
	}
	for t := range scores {
		scores[t] /= expSum
	}

	for t := 0; t < length; t++ {
		w := scores[t]
		for i := 0; i < dim; i++ {
			output[i] += w * values[t*dim+i]
		}
	}

	return output, scores
}
