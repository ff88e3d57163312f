package device

import (
	"math"
	"math/rand"
	"testing"
)

// denseCausalAttentionRef is a reference implementation of causal multi-head
// attention over a single contiguous sequence, computed per head in float64.
func denseCausalAttentionRef(q, k, v []float32, seqLen, numHeads, headDim int, scale float32) []float32 {
	hidden := numHeads * headDim
	out := make([]float32, seqLen*hidden)

	for h := 0; h < numHeads; h++ {
		for i := 0; i < seqLen; i++ {
			// Scores over keys [0, i]
			scores := make([]float64, i+1)
			maxVal := math.Inf(-1)
			for j := 0; j <= i; j++ {
				var dot float64
				for d := 0; d < headDim; d++ {
					dot += float64(q[i*hidden+h*headDim+d]) * float64(k[j*hidden+h*headDim+d])
				}
				scores[j] = dot * float64(scale)
				if scores[j] > maxVal {
					maxVal = scores[j]
				}
			}
			var sum float64
			for j := range scores {
				scores[j] = math.Exp(scores[j] - maxVal)
				sum += scores[j]
			}
			for j := range scores {
				scores[j] /= sum
			}
			for d := 0; d < headDim; d++ {
				var acc float64
				for j := 0; j <= i; j++ {
					acc += scores[j] * float64(v[j*hidden+h*headDim+d])
				}
				out[i*hidden+h*headDim+d] = float32(acc)
			}
		}
	}
	return out
}

func randomTensorData(r *rand.Rand, n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = r.Float32()*2.0 - 1.0
	}
	return data
}

func TestCausalAttention_MatchesDenseReference(t *testing.T) {
	backend := NewCPUBackend()
	r := rand.New(rand.NewSource(42))

	testCases := []struct {
		name     string
		seqLen   int
		numHeads int
		headDim  int
	}{
		{"Tiny_1head", 5, 1, 8},
		{"Small_2head", 16, 2, 16},
		{"Odd_3head", 7, 3, 4},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			hidden := tc.numHeads * tc.headDim
			qData := randomTensorData(r, tc.seqLen*hidden)
			kData := randomTensorData(r, tc.seqLen*hidden)
			vData := randomTensorData(r, tc.seqLen*hidden)

			q := backend.NewTensor(tc.seqLen, hidden, qData)
			k := backend.NewTensor(tc.seqLen, hidden, kData)
			v := backend.NewTensor(tc.seqLen, hidden, vData)

			scale := float32(1.0 / math.Sqrt(float64(tc.headDim)))
			cuSeqlens := []int32{0, int32(tc.seqLen)}

			got := backend.CausalAttention(q, k, v, cuSeqlens, tc.seqLen, tc.numHeads, tc.headDim, scale).ToHost()
			want := denseCausalAttentionRef(qData, kData, vData, tc.seqLen, tc.numHeads, tc.headDim, scale)

			maxDiff := 0.0
			for i := range got {
				diff := math.Abs(float64(got[i] - want[i]))
				if diff > maxDiff {
					maxDiff = diff
				}
			}
			t.Logf("Max diff: %g", maxDiff)
			if maxDiff > 1e-4 {
				t.Errorf("CausalAttention mismatch: max diff %g > 1e-4", maxDiff)
			}
		})
	}
}

func TestCausalAttention_PackedMatchesPerSequence(t *testing.T) {
	// Two sequences packed together must produce exactly the outputs of the
	// same sequences attended independently.
	backend := NewCPUBackend()
	r := rand.New(rand.NewSource(7))

	numHeads, headDim := 2, 8
	hidden := numHeads * headDim
	lens := []int{3, 5}
	nnz := 8
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	qData := randomTensorData(r, nnz*hidden)
	kData := randomTensorData(r, nnz*hidden)
	vData := randomTensorData(r, nnz*hidden)

	q := backend.NewTensor(nnz, hidden, qData)
	k := backend.NewTensor(nnz, hidden, kData)
	v := backend.NewTensor(nnz, hidden, vData)

	packed := backend.CausalAttention(q, k, v, []int32{0, 3, 8}, 5, numHeads, headDim, scale).ToHost()

	offset := 0
	for s, l := range lens {
		qs := backend.NewTensor(l, hidden, qData[offset*hidden:(offset+l)*hidden])
		ks := backend.NewTensor(l, hidden, kData[offset*hidden:(offset+l)*hidden])
		vs := backend.NewTensor(l, hidden, vData[offset*hidden:(offset+l)*hidden])

		solo := backend.CausalAttention(qs, ks, vs, []int32{0, int32(l)}, l, numHeads, headDim, scale).ToHost()

		for i := range solo {
			if packed[offset*hidden+i] != solo[i] {
				t.Fatalf("seq %d: packed output differs from standalone at %d: %f vs %f",
					s, i, packed[offset*hidden+i], solo[i])
			}
		}
		offset += l
	}
}

func TestCausalAttention_SequenceIsolation(t *testing.T) {
	// Perturbing every token of sequence 0 must not change sequence 1's output.
	backend := NewCPUBackend()
	r := rand.New(rand.NewSource(99))

	numHeads, headDim := 1, 4
	hidden := numHeads * headDim
	nnz := 6
	cuSeqlens := []int32{0, 3, 6}
	scale := float32(0.5)

	qData := randomTensorData(r, nnz*hidden)
	kData := randomTensorData(r, nnz*hidden)
	vData := randomTensorData(r, nnz*hidden)

	run := func(q, k, v []float32) []float32 {
		qt := backend.NewTensor(nnz, hidden, q)
		kt := backend.NewTensor(nnz, hidden, k)
		vt := backend.NewTensor(nnz, hidden, v)
		return backend.CausalAttention(qt, kt, vt, cuSeqlens, 3, numHeads, headDim, scale).ToHost()
	}

	base := run(qData, kData, vData)

	q2 := append([]float32(nil), qData...)
	k2 := append([]float32(nil), kData...)
	v2 := append([]float32(nil), vData...)
	for i := 0; i < 3*hidden; i++ {
		q2[i] += 10
		k2[i] -= 5
		v2[i] *= -3
	}
	perturbed := run(q2, k2, v2)

	for i := 3 * hidden; i < nnz*hidden; i++ {
		if base[i] != perturbed[i] {
			t.Fatalf("sequence 1 output changed at %d: %f vs %f", i, base[i], perturbed[i])
		}
	}
}

func TestCausalAttention_CausalInvariance(t *testing.T) {
	// Output at position j must not depend on any position > j.
	backend := NewCPUBackend()
	r := rand.New(rand.NewSource(5))

	numHeads, headDim := 1, 4
	hidden := 4
	seqLen := 6
	scale := float32(0.5)
	cuSeqlens := []int32{0, int32(seqLen)}

	qData := randomTensorData(r, seqLen*hidden)
	kData := randomTensorData(r, seqLen*hidden)
	vData := randomTensorData(r, seqLen*hidden)

	run := func(q, k, v []float32) []float32 {
		qt := backend.NewTensor(seqLen, hidden, q)
		kt := backend.NewTensor(seqLen, hidden, k)
		vt := backend.NewTensor(seqLen, hidden, v)
		return backend.CausalAttention(qt, kt, vt, cuSeqlens, seqLen, numHeads, headDim, scale).ToHost()
	}

	base := run(qData, kData, vData)

	// Perturb the last two positions
	cut := seqLen - 2
	q2 := append([]float32(nil), qData...)
	k2 := append([]float32(nil), kData...)
	v2 := append([]float32(nil), vData...)
	for i := cut * hidden; i < seqLen*hidden; i++ {
		q2[i] = -q2[i] + 1
		k2[i] = k2[i] * 2
		v2[i] = v2[i] + 7
	}
	perturbed := run(q2, k2, v2)

	for i := 0; i < cut*hidden; i++ {
		if base[i] != perturbed[i] {
			t.Fatalf("position %d depends on future tokens: %f vs %f", i/hidden, base[i], perturbed[i])
		}
	}
}

func TestCausalAttention_EmptySequence(t *testing.T) {
	// A zero-length sequence in the offset table must not error and must
	// contribute zero rows.
	backend := NewCPUBackend()
	r := rand.New(rand.NewSource(3))

	hidden := 4
	nnz := 4
	// seq 0: len 2, seq 1: len 0, seq 2: len 2
	cuSeqlens := []int32{0, 2, 2, 4}

	q := backend.NewTensor(nnz, hidden, randomTensorData(r, nnz*hidden))
	k := backend.NewTensor(nnz, hidden, randomTensorData(r, nnz*hidden))
	v := backend.NewTensor(nnz, hidden, randomTensorData(r, nnz*hidden))

	out := backend.CausalAttention(q, k, v, cuSeqlens, 2, 1, hidden, 0.5)
	rows, _ := out.Dims()
	if rows != nnz {
		t.Errorf("output rows = %d, want %d", rows, nnz)
	}
}

func TestCausalAttention_MalformedOffsetsPanics(t *testing.T) {
	backend := NewCPUBackend()
	q := backend.NewTensor(4, 4, nil)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on offset table not covering nnz")
		}
	}()
	// Last offset (3) != nnz (4)
	backend.CausalAttention(q, q, q, []int32{0, 3}, 3, 1, 4, 1.0)
}

func BenchmarkCausalAttention(b *testing.B) {
	backend := NewCPUBackend()
	r := rand.New(rand.NewSource(1))

	numHeads, headDim := 8, 64
	hidden := numHeads * headDim
	// 8 sequences of 128 tokens
	nnz := 1024
	cuSeqlens := make([]int32, 9)
	for i := range cuSeqlens {
		cuSeqlens[i] = int32(i * 128)
	}

	q := backend.NewTensor(nnz, hidden, randomTensorData(r, nnz*hidden))
	k := backend.NewTensor(nnz, hidden, randomTensorData(r, nnz*hidden))
	v := backend.NewTensor(nnz, hidden, randomTensorData(r, nnz*hidden))
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out := backend.CausalAttention(q, k, v, cuSeqlens, 128, numHeads, headDim, scale)
		_ = out
	}
}
