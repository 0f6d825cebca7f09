package simd

import "math"

var softmaxImpl func(x []float64) float64

// Softmax normalizes x in place. The maximum is subtracted before
// exponentiating so large scores cannot overflow. It returns the
// normalizing sum, which is 0 only when x is empty.
func Softmax(x []float64) float64 {
	return softmaxImpl(x)
}

func init() {
	softmaxImpl = softmaxFallback
}

func softmaxFallback(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}

	inv := 1 / sum
	for i := range x {
		x[i] *= inv
	}
	return sum
}
