package device

import "fmt"

// Tensor represents a 2D array of float32 data owned by a compute backend.
// All model math operates on tensors of shape (rows, cols); packed token
// streams use rows = nnz (total non-padding tokens in a batch).
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice if contiguous (nil for transposed views).
	Data() []float32

	// ToHost copies the data to a Go slice (float32).
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice (float32) to the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor.
	Copy(from Tensor)

	// Slice copies the sub-range [i,k) x [j,l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// T returns the transpose view.
	T() Tensor

	// Mul performs matrix multiplication.
	// Convention: t.Mul(a, b) means t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// MulElem performs element-wise multiplication: t = t ⊙ other
	MulElem(other Tensor)

	// Scale performs: t = t * val
	Scale(val float32)

	// Gather collects rows based on indices. Returns new Tensor.
	Gather(indices []int) Tensor

	// Activation functions (In-Place)
	Softmax()
	Silu()
	Gelu()

	// RMSNorm normalizes each row by its root mean square and multiplies by
	// the per-channel weight vector (1 x cols). Scale-only, no bias. The
	// mean-square accumulates in float64 regardless of storage precision.
	RMSNorm(weight Tensor, eps float32)

	// ApplyRotary applies rotary position embeddings in-place. The tensor is
	// interpreted as (nnz, numHeads*headDim); row r uses the cos/sin table
	// rows at positions[r]. cos and sin are flat (maxPositions x headDim)
	// with the duplicated-angle (split-halves) layout.
	ApplyRotary(cos, sin []float32, positions []int32, numHeads, headDim int)
}

// ActivationType is the closed set of feed-forward gate activations.
// Resolved once at construction; there is no runtime by-name dispatch.
type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationSiLU
	ActivationGELU
)

// ParseActivation maps a configuration name to an ActivationType.
// Unknown names are a construction-time configuration error.
func ParseActivation(name string) (ActivationType, error) {
	switch name {
	case "silu", "swish":
		return ActivationSiLU, nil
	case "gelu":
		return ActivationGELU, nil
	case "identity", "":
		return ActivationIdentity, nil
	default:
		return ActivationIdentity, fmt.Errorf("unknown activation function: %q", name)
	}
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// CausalAttention computes softmax(Q*K^T * scale) * V independently per
	// packed sequence, with the causal constraint (query i attends only to
	// keys at indices <= i within its own sequence).
	//
	// q, k, v are (nnz, numHeads*headDim) with tokens contiguous per sequence
	// in the order described by cuSeqlens: sequence s occupies rows
	// [cuSeqlens[s], cuSeqlens[s+1]). maxSeqlen is the longest sequence span
	// and sizes scratch buffers. Dropout is always disabled.
	//
	// Attention never crosses a sequence boundary. A malformed offset table
	// is a precondition violation and panics.
	CausalAttention(q, k, v Tensor, cuSeqlens []int32, maxSeqlen, numHeads, headDim int, scale float32) Tensor

	Synchronize()
}
