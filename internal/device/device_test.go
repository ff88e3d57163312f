package device

import (
	"math"
	"testing"
)

func TestCPUBackend_TensorOps(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("Add", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		b := backend.NewTensor(2, 2, []float32{10, 20, 30, 40})

		a.Add(b)

		expected := []float32{11, 22, 33, 44}
		data := a.ToHost()

		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-6 {
				t.Errorf("Add mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("MulElem", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		b := backend.NewTensor(2, 2, []float32{2, 0.5, -1, 3})

		a.MulElem(b)

		expected := []float32{2, 1, -3, 12}
		data := a.ToHost()
		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-6 {
				t.Errorf("MulElem mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("Mul", func(t *testing.T) {
		// A: 2x3, B: 3x2 -> C: 2x2
		a := backend.NewTensor(2, 3, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		b := backend.NewTensor(3, 2, []float32{
			7, 8,
			9, 10,
			11, 12,
		})

		c := backend.NewTensor(2, 2, nil)
		c.Mul(a, b)

		// 1*7 + 2*9 + 3*11 = 58, etc.
		expected := []float32{58, 64, 139, 154}
		data := c.ToHost()

		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-6 {
				t.Errorf("Mul mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("MulTransposed", func(t *testing.T) {
		// A: 2x3, B^T where B is 2x3 -> C: 2x2
		a := backend.NewTensor(2, 3, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		b := backend.NewTensor(2, 3, []float32{
			7, 9, 11,
			8, 10, 12,
		})

		c := backend.NewTensor(2, 2, nil)
		c.Mul(a, b.T())

		expected := []float32{58, 64, 139, 154}
		data := c.ToHost()
		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-6 {
				t.Errorf("Mul(T) mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("Scale", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		a.Scale(2.0)

		expected := []float32{2, 4, 6, 8}
		data := a.ToHost()
		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-6 {
				t.Errorf("Scale mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("Gather", func(t *testing.T) {
		a := backend.NewTensor(3, 2, []float32{
			1, 2,
			3, 4,
			5, 6,
		})
		g := a.Gather([]int{2, 0, 2})

		expected := []float32{5, 6, 1, 2, 5, 6}
		data := g.ToHost()
		for i, v := range expected {
			if data[i] != v {
				t.Errorf("Gather mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("RMSNorm", func(t *testing.T) {
		// 1x4 vector
		a := backend.NewTensor(1, 4, []float32{1, 2, 3, 4})
		weight := backend.NewTensor(1, 4, []float32{1, 1, 1, 1})

		// mean(x^2) = (1 + 4 + 9 + 16) / 4 = 7.5
		// rms = sqrt(7.5 + eps) ≈ 2.7386128
		// Expected: val / 2.7386128
		a.RMSNorm(weight, 1e-6)

		expected := []float32{0.3651484, 0.7302967, 1.0954451, 1.4605935}
		data := a.ToHost()

		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-5 {
				t.Errorf("RMSNorm mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("RMSNormWeighted", func(t *testing.T) {
		a := backend.NewTensor(1, 2, []float32{3, 4})
		weight := backend.NewTensor(1, 2, []float32{2, 0.5})

		// mean(x^2) = 12.5, rms ≈ 3.5355339
		a.RMSNorm(weight, 1e-6)

		expected := []float32{3 / 3.5355339 * 2, 4 / 3.5355339 * 0.5}
		data := a.ToHost()
		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-5 {
				t.Errorf("RMSNorm weighted mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("Silu", func(t *testing.T) {
		a := backend.NewTensor(1, 3, []float32{-1, 0, 1})
		a.Silu()

		data := a.ToHost()
		if data[1] != 0 {
			t.Errorf("Silu(0) = %f, want 0", data[1])
		}
		want := float32(1.0 / (1.0 + math.Exp(-1.0)))
		if math.Abs(float64(data[2]-want)) > 1e-6 {
			t.Errorf("Silu(1) = %f, want %f", data[2], want)
		}
	})

	t.Run("Pooling", func(t *testing.T) {
		t1 := backend.GetTensor(10, 10)
		t1.Set(0, 0, 123)
		backend.PutTensor(t1)

		t2 := backend.GetTensor(10, 10)
		// Should overwrite t1's memory, verify it is zeroed
		if val := t2.At(0, 0); val != 0 {
			t.Errorf("Pooled tensor not zeroed: got %f", val)
		}
	})
}

func TestCPUTensor_SliceCopies(t *testing.T) {
	backend := NewCPUBackend()
	a := backend.NewTensor(3, 3, []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})

	s := a.Slice(1, 3, 0, 2)
	r, c := s.Dims()
	if r != 2 || c != 2 {
		t.Fatalf("Slice dims = %dx%d, want 2x2", r, c)
	}
	if s.At(0, 0) != 4 || s.At(1, 1) != 8 {
		t.Errorf("Slice values wrong: %f %f", s.At(0, 0), s.At(1, 1))
	}

	// Slice is a copy, not a view
	s.Set(0, 0, 99)
	if a.At(1, 0) != 4 {
		t.Errorf("Slice mutated source: %f", a.At(1, 0))
	}
}
