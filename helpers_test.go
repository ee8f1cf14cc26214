package gsplat

import (
	"math"
	"testing"
)

// approx fails unless got is within tol of want, absolutely or
// relatively.
func approx(t *testing.T, name string, got, want, tol float32) {
	t.Helper()
	diff := float32(math.Abs(float64(got - want)))
	if diff > tol+tol*float32(math.Abs(float64(want))) {
		t.Errorf("%s = %g, want %g (diff %g)", name, got, want, diff)
	}
}

// numGrad estimates df/dx[i] by central differences, restoring x[i].
func numGrad(f func() float32, x []float32, i int, h float32) float32 {
	old := x[i]
	x[i] = old + h
	fp := f()
	x[i] = old - h
	fm := f()
	x[i] = old
	return (fp - fm) / (2 * h)
}

// sumWeighted is a generic scalar loss over a tensor: sum of entries
// times a deterministic per-entry weight, so every output influences it
// differently.
func sumWeighted(data []float32) float32 {
	var s float32
	for i, v := range data {
		s += v * float32(1+i%7)
	}
	return s
}

// weightedGrad returns the upstream gradient matching sumWeighted.
func weightedGrad(shape ...int) Tensor {
	g := NewTensor(shape...)
	for i := range g.Data {
		g.Data[i] = float32(1 + i%7)
	}
	return g
}
