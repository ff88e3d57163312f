package device

import (
	"log"
	"math"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
	}

	if data == nil {
		t.data = make([]float32, size)
	} else {
		if len(data) != size {
			panic("NewTensor: provided data length does not match dimensions")
		}
		t.data = make([]float32, size)
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		// Zero-initialize
		for i := range ct.data {
			ct.data[i] = 0.0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // Don't pool foreign tensors
	}

	ct.rows = 0
	ct.cols = 0
	ct.trans = false
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	trans   bool // Transposed view flag
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		// Logical (i, j) -> Physical (j, i)
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	// If transposed, data is not contiguous in logical order
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	if t.trans {
		// Physical copy respecting transpose
		rows, cols := t.Dims()
		out := make([]float32, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		panic("Size mismatch")
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft, ok := from.(*CPUTensor)
	if !ok {
		log.Panic("Copying between different backends not supported")
	}

	tr, tc := t.Dims()
	fr, fc := ft.Dims()

	if tr != fr || tc != fc {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}

	if !t.trans && !ft.trans {
		copy(t.data, ft.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, ft.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j

	if sliceRows <= 0 || sliceCols <= 0 {
		panic("Slice: invalid dimensions")
	}

	// This is a copy, not a view.
	out := t.backend.NewTensor(sliceRows, sliceCols, nil)
	for rowIdx := 0; rowIdx < sliceRows; rowIdx++ {
		for colIdx := 0; colIdx < sliceCols; colIdx++ {
			out.Set(rowIdx, colIdx, t.At(i+rowIdx, j+colIdx))
		}
	}
	return out
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans, // Toggle transpose state
	}
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)

	if !ok1 || !ok2 {
		log.Panic("Mixed backend Mul not supported")
	}

	ar, ac := ma.Dims()
	br, bc := mb.Dims()

	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}

	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}

	common := ac

	// Parallel MatMul
	var wg sync.WaitGroup
	rowsPerWorker := (ar + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if startRow >= ar {
			break
		}
		if endRow > ar {
			endRow = ar
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			for i := start; i < end; i++ {
				// C[i, j] = A[i, :] * B[:, j]
				var rowA []float32
				if ma.trans {
					rowA = make([]float32, common)
					for k := 0; k < common; k++ {
						rowA[k] = ma.At(i, k)
					}
				} else {
					startA := i * ma.cols
					rowA = ma.data[startA : startA+ma.cols]
				}

				for j := 0; j < bc; j++ {
					var colB []float32
					if mb.trans {
						startB := j * mb.cols
						colB = mb.data[startB : startB+mb.cols]
					} else {
						colB = make([]float32, common)
						for k := 0; k < common; k++ {
							colB[k] = mb.At(k, j)
						}
					}

					val := simd.DotProduct(rowA, colB)
					t.Set(i, j, val)
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()
}

func (t *CPUTensor) Add(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend Add not supported")
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()

	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, t.At(i, j)+ot.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) MulElem(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend MulElem not supported")
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()

	if tr != or || tc != oc {
		log.Panicf("MulElem: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecMul(t.data, ot.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, t.At(i, j)*ot.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) Scale(val float32) {
	for i := range t.data {
		t.data[i] *= val
	}
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	outData := make([]float32, len(indices)*c)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			panic("Gather index out of bounds")
		}
		for j := 0; j < c; j++ {
			outData[i*c+j] = t.At(idx, j)
		}
	}

	return t.backend.NewTensor(len(indices), c, outData)
}

func (t *CPUTensor) Softmax() {
	if t.trans {
		panic("Softmax on transposed")
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		rowStart := i * c
		simd.SoftmaxFast(t.data[rowStart : rowStart+c])
	}
}

func (t *CPUTensor) Silu() {
	if t.trans {
		log.Panic("Silu not supported on transposed tensor views directly")
	}
	simd.SiluFast(t.data)
}

func (t *CPUTensor) Gelu() {
	if t.trans {
		log.Panic("Gelu not supported on transposed tensor views directly")
	}
	simd.GeluFast(t.data)
}

func (t *CPUTensor) RMSNorm(weight Tensor, eps float32) {
	wt, ok := weight.(*CPUTensor)
	if !ok {
		panic("Mixed backend RMSNorm")
	}
	if t.trans {
		log.Panic("RMSNorm not supported on transposed tensor views directly")
	}

	r, c := t.Dims()

	var weightData []float32
	if wt.trans {
		weightData = wt.ToHost()
	} else {
		weightData = wt.data
	}
	if len(weightData) < c {
		log.Panic("RMSNorm weight dim mismatch")
	}

	for i := 0; i < r; i++ {
		rowStart := i * c
		row := t.data[rowStart : rowStart+c]

		// Mean square in float64: reduced-precision storage must not
		// underflow the variance estimate.
		meanSq := simd.SumSquares(row) / float64(c)
		invRMS := 1.0 / math.Sqrt(meanSq+float64(eps))

		for j := 0; j < c; j++ {
			row[j] = float32(float64(row[j])*invRMS) * weightData[j]
		}
	}
}

func (t *CPUTensor) ApplyRotary(cos, sin []float32, positions []int32, numHeads, headDim int) {
	if t.trans {
		panic("ApplyRotary on transposed")
	}

	totalRows := t.rows
	if len(positions) != totalRows {
		log.Panicf("ApplyRotary: %d positions for %d rows", len(positions), totalRows)
	}
	half := headDim / 2

	var wg sync.WaitGroup
	rowsPerWorker := (totalRows + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if startRow >= totalRows {
			break
		}
		if endRow > totalRows {
			endRow = totalRows
		}

		wg.Add(1)
		go func(sRow, eRow int) {
			defer wg.Done()
			for r := sRow; r < eRow; r++ {
				pos := int(positions[r])
				cosRow := cos[pos*headDim : (pos+1)*headDim]
				sinRow := sin[pos*headDim : (pos+1)*headDim]
				rowOffset := r * (numHeads * headDim)

				for h := 0; h < numHeads; h++ {
					headOffset := rowOffset + h*headDim

					// rotated = concat(-x2, x1); out = x*cos + rotated*sin
					for i := 0; i < half; i++ {
						x1 := t.data[headOffset+i]
						x2 := t.data[headOffset+half+i]

						t.data[headOffset+i] = x1*cosRow[i] - x2*sinRow[i]
						t.data[headOffset+half+i] = x2*cosRow[half+i] + x1*sinRow[half+i]
					}
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()
}

// CausalAttention is the ragged attention primitive for packed sequences.
// Sequences run on separate goroutines; each owns its scratch buffer, sized
// by maxSeqlen, so no attention state is ever shared across sequences.
func (b *CPUBackend) CausalAttention(q, k, v Tensor, cuSeqlens []int32, maxSeqlen, numHeads, headDim int, scale float32) Tensor {
	qt, ok1 := q.(*CPUTensor)
	kt, ok2 := k.(*CPUTensor)
	vt, ok3 := v.(*CPUTensor)
	if !ok1 || !ok2 || !ok3 {
		log.Panic("Mixed backend CausalAttention not supported")
	}

	nnz, hidden := qt.Dims()
	if hidden != numHeads*headDim {
		log.Panicf("CausalAttention: hidden %d != heads %d * headDim %d", hidden, numHeads, headDim)
	}
	validateOffsets(cuSeqlens, nnz)

	result := b.NewTensor(nnz, hidden, nil)
	rst := result.(*CPUTensor)

	var wg sync.WaitGroup
	for s := 0; s < len(cuSeqlens)-1; s++ {
		begin := int(cuSeqlens[s])
		end := int(cuSeqlens[s+1])
		if begin == end {
			continue // empty sequence contributes no rows
		}
		if end-begin > maxSeqlen {
			log.Panicf("CausalAttention: sequence %d length %d exceeds maxSeqlen %d", s, end-begin, maxSeqlen)
		}

		wg.Add(1)
		go func(begin, end int) {
			defer wg.Done()

			scores := make([]float32, maxSeqlen)

			for h := 0; h < numHeads; h++ {
				hOff := h * headDim

				for i := begin; i < end; i++ {
					qRow := qt.data[i*hidden+hOff : i*hidden+hOff+headDim]

					// Causal: query i sees keys [begin, i] only.
					n := i - begin + 1
					for j := 0; j < n; j++ {
						kRow := kt.data[(begin+j)*hidden+hOff : (begin+j)*hidden+hOff+headDim]
						scores[j] = simd.DotProduct(qRow, kRow) * scale
					}
					simd.SoftmaxFast(scores[:n])

					outRow := rst.data[i*hidden+hOff : i*hidden+hOff+headDim]
					for j := 0; j < n; j++ {
						vRow := vt.data[(begin+j)*hidden+hOff : (begin+j)*hidden+hOff+headDim]
						simd.VecAddScaled(outRow, vRow, scores[j])
					}
				}
			}
		}(begin, end)
	}
	wg.Wait()

	return result
}

// validateOffsets enforces the offset-table invariant at the primitive
// boundary: leading zero, monotone non-decreasing, final entry == nnz.
func validateOffsets(cuSeqlens []int32, nnz int) {
	if len(cuSeqlens) < 2 {
		log.Panicf("CausalAttention: offset table too short (%d)", len(cuSeqlens))
	}
	if cuSeqlens[0] != 0 {
		log.Panicf("CausalAttention: offset table must start at 0, got %d", cuSeqlens[0])
	}
	for i := 1; i < len(cuSeqlens); i++ {
		if cuSeqlens[i] < cuSeqlens[i-1] {
			log.Panicf("CausalAttention: offset table decreases at %d (%d < %d)", i, cuSeqlens[i], cuSeqlens[i-1])
		}
	}
	if int(cuSeqlens[len(cuSeqlens)-1]) != nnz {
		log.Panicf("CausalAttention: offset table ends at %d, want nnz %d", cuSeqlens[len(cuSeqlens)-1], nnz)
	}
}
