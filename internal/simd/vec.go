package simd

// Dot returns sum(a[i]*b[i]) over the first n elements, accumulated in
// float64. Four independent partial sums keep the loop pipelined; the
// combination order is fixed so results are deterministic.
func Dot(a, b []float32, n int) float64 {
	a = a[:n]
	b = b[:n]

	var s0, s1, s2, s3 float64
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += float64(a[i]) * float64(b[i])
		s1 += float64(a[i+1]) * float64(b[i+1])
		s2 += float64(a[i+2]) * float64(b[i+2])
		s3 += float64(a[i+3]) * float64(b[i+3])
	}
	for ; i < n; i++ {
		s0 += float64(a[i]) * float64(b[i])
	}
	return (s0 + s1) + (s2 + s3)
}

// Axpy computes y[i] += alpha*x[i] for the first n elements, widening x
// into the float64 accumulator.
func Axpy(alpha float64, x []float32, y []float64, n int) {
	x = x[:n]
	y = y[:n]
	i := 0
	for ; i+4 <= n; i += 4 {
		y[i] += alpha * float64(x[i])
		y[i+1] += alpha * float64(x[i+1])
		y[i+2] += alpha * float64(x[i+2])
		y[i+3] += alpha * float64(x[i+3])
	}
	for ; i < n; i++ {
		y[i] += alpha * float64(x[i])
	}
}
