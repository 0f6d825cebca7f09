package simd

import (
	"math"
	"testing"
)

func TestSoftmax(t *testing.T) {
	testCases := []struct {
		name     string
		input    []float64
		expected []float64
	}{
		{
			name:     "simple",
			input:    []float64{1, 2, 3},
			expected: []float64{0.09003057, 0.24472847, 0.66524096},
		},
		{
			name:     "negative",
			input:    []float64{-1, -2, -3},
			expected: []float64{0.66524096, 0.24472847, 0.09003057},
		},
		{
			name:     "zero",
			input:    []float64{0, 0, 0},
			expected: []float64{0.33333333, 0.33333333, 0.33333333},
		},
		{
			name:     "large scores do not overflow",
			input:    []float64{1000, 1001, 1002},
			expected: []float64{0.09003057, 0.24472847, 0.66524096},
		},
		{
			name:     "empty",
			input:    []float64{},
			expected: []float64{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			input := make([]float64, len(tc.input))
			copy(input, tc.input)
			Softmax(input)
			if len(input) != len(tc.expected) {
				t.Errorf("expected length %d, got %d", len(tc.expected), len(input))
			}
			for i := range input {
				if math.Abs(input[i]-tc.expected[i]) > 1e-8 {
					t.Errorf("expected %v, got %v", tc.expected, input)
					break
				}
			}
		})
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := []float64{-3.5, 0.25, 7, 7, -100}
	if sum := Softmax(x); sum <= 0 {
		t.Fatalf("expected positive normalizer, got %v", sum)
	}
	total := 0.0
	for _, v := range x {
		total += v
	}
	if math.Abs(total-1) > 1e-12 {
		t.Errorf("weights sum to %v", total)
	}
}

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6, 7}
	b := []float32{7, 6, 5, 4, 3, 2, 1}

	tests := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{1, 7},
		{4, 7 + 12 + 15 + 16},
		{7, 84},
	}
	for _, tt := range tests {
		if got := Dot(a, b, tt.n); got != tt.want {
			t.Errorf("Dot(n=%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestAxpy(t *testing.T) {
	x := []float32{1, 2, 3, 4, 5}
	y := []float64{1, 1, 1, 1, 1}
	Axpy(0.5, x, y, 5)

	want := []float64{1.5, 2, 2.5, 3, 3.5}
	for i := range want {
		if y[i] != want[i] {
			t.Errorf("y[%d] = %v, want %v", i, y[i], want[i])
		}
	}
}
