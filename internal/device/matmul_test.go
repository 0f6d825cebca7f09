package device

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
)

func TestMatMulIdentity(t *testing.T) {
	ctx := newReadyContext(t)

	a := []float32{1, 0, 0, 1}
	b := []float32{3.5, -2, 0.25, 9}
	c := make([]float32, 4)

	if err := ctx.MatMul(a, b, c, 2, 2, 2); err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	for i := range b {
		if math.Abs(float64(c[i]-b[i])) > 1e-5 {
			t.Errorf("C[%d] = %f, want %f", i, c[i], b[i])
		}
	}
}

func TestMatMulRectangular(t *testing.T) {
	ctx := newReadyContext(t)

	// [2x3] * [3x2]
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{7, 8, 9, 10, 11, 12}
	want := []float32{58, 64, 139, 154}

	c := make([]float32, 4)
	if err := ctx.MatMul(a, b, c, 2, 2, 3); err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	for i := range want {
		if c[i] != want[i] {
			t.Errorf("C[%d] = %f, want %f", i, c[i], want[i])
		}
	}
}

func TestMatMulMatchesReference(t *testing.T) {
	ctx := newReadyContext(t)
	rng := rand.New(rand.NewSource(42))

	shapes := []struct{ m, n, k int }{
		{1, 64, 128},
		{7, 5, 3},
		{33, 65, 17},
		{128, 128, 128},
	}
	for _, s := range shapes {
		a := make([]float32, s.m*s.k)
		b := make([]float32, s.k*s.n)
		for i := range a {
			a[i] = rng.Float32()*2 - 1
		}
		for i := range b {
			b[i] = rng.Float32()*2 - 1
		}

		c := make([]float32, s.m*s.n)
		// stale contents must be overwritten, not accumulated into
		for i := range c {
			c[i] = float32(math.NaN())
		}
		if err := ctx.MatMul(a, b, c, s.m, s.n, s.k); err != nil {
			t.Fatalf("MatMul %v failed: %v", s, err)
		}

		ref := MatMulReference(a, b, s.m, s.n, s.k)
		tol := 1e-5 * float64(s.k)
		for i := range ref {
			if math.Abs(float64(c[i]-ref[i])) > tol {
				t.Fatalf("shape %v: C[%d] = %f, ref %f", s, i, c[i], ref[i])
			}
		}
	}
}

func TestMatMulDeterministic(t *testing.T) {
	ctx := newReadyContext(t)
	rng := rand.New(rand.NewSource(7))

	m, n, k := 64, 96, 80
	a := make([]float32, m*k)
	b := make([]float32, k*n)
	for i := range a {
		a[i] = rng.Float32()
	}
	for i := range b {
		b[i] = rng.Float32()
	}

	first := make([]float32, m*n)
	if err := ctx.MatMul(a, b, first, m, n, k); err != nil {
		t.Fatal(err)
	}
	for run := 0; run < 3; run++ {
		c := make([]float32, m*n)
		if err := ctx.MatMul(a, b, c, m, n, k); err != nil {
			t.Fatal(err)
		}
		for i := range c {
			if c[i] != first[i] {
				t.Fatalf("run %d differs at %d: %v vs %v", run, i, c[i], first[i])
			}
		}
	}
}

func TestMatMulPreconditions(t *testing.T) {
	ctx := newReadyContext(t)

	tests := []struct {
		name    string
		a, b, c []float32
		m, n, k int
	}{
		{"zero M", make([]float32, 4), make([]float32, 4), make([]float32, 4), 0, 2, 2},
		{"negative N", make([]float32, 4), make([]float32, 4), make([]float32, 4), 2, -1, 2},
		{"zero K", make([]float32, 4), make([]float32, 4), make([]float32, 4), 2, 2, 0},
		{"nil A", nil, make([]float32, 4), make([]float32, 4), 2, 2, 2},
		{"short B", make([]float32, 4), make([]float32, 3), make([]float32, 4), 2, 2, 2},
		{"short C", make([]float32, 4), make([]float32, 4), make([]float32, 3), 2, 2, 2},
		{"overflow", make([]float32, 4), make([]float32, 4), make([]float32, 4), math.MaxInt / 2, 4, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := range tt.c {
				tt.c[i] = -1
			}
			err := ctx.MatMul(tt.a, tt.b, tt.c, tt.m, tt.n, tt.k)
			if !errors.Is(err, ErrDimMismatch) {
				t.Fatalf("expected dim mismatch, got %v", err)
			}
			for i, v := range tt.c {
				if v != -1 {
					t.Fatalf("C[%d] written by failed call", i)
				}
			}
		})
	}
}

func TestMatMulConcurrent(t *testing.T) {
	ctx := newReadyContext(t)

	a := []float32{1, 2, 3, 4}
	b := []float32{5, 6, 7, 8}
	want := MatMulReference(a, b, 2, 2, 2)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c := make([]float32, 4)
				if err := ctx.MatMul(a, b, c, 2, 2, 2); err != nil {
					t.Error(err)
					return
				}
				for j := range want {
					if c[j] != want[j] {
						t.Errorf("concurrent MatMul mismatch: %v vs %v", c, want)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func BenchmarkMatMul(b *testing.B) {
	ctx := NewContext(&fakeProber{})
	if err := ctx.Init(); err != nil {
		b.Fatal(err)
	}
	m, n, k := 1, 4096, 4096
	x := make([]float32, m*k)
	w := make([]float32, k*n)
	out := make([]float32, m*n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := ctx.MatMul(x, w, out, m, n, k); err != nil {
			b.Fatal(err)
		}
	}
}
