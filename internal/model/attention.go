package model

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// Attention is multi-head causal self-attention over a packed token stream.
// Projections carry no bias. Rotary embeddings are applied to queries and
// keys only, never values; the attention computation itself is delegated to
// the backend's ragged causal primitive, which guarantees that attention
// never crosses a sequence boundary.
type Attention struct {
	backend  device.Backend
	numHeads int
	headDim  int
	hidden   int
	scale    float32

	Query  device.Tensor // hidden x hidden
	Key    device.Tensor // hidden x hidden
	Value  device.Tensor // hidden x hidden
	Output device.Tensor // hidden x hidden
}

func NewAttention(config Config, backend device.Backend) *Attention {
	h := config.HiddenSize
	return &Attention{
		backend:  backend,
		numHeads: config.NumAttentionHeads,
		headDim:  config.HeadDim(),
		hidden:   h,
		scale:    float32(1.0 / math.Sqrt(float64(config.HeadDim()))),
		Query:    backend.NewTensor(h, h, nil),
		Key:      backend.NewTensor(h, h, nil),
		Value:    backend.NewTensor(h, h, nil),
		Output:   backend.NewTensor(h, h, nil),
	}
}

// Forward computes attention for hidden states of shape (nnz, hidden).
// positions holds each token's position within its own sequence; cuSeqlens
// is the offset table delimiting sequences in the packed stream.
func (a *Attention) Forward(hidden device.Tensor, rope *RotaryTable, positions []int32, cuSeqlens []int32, maxSeqlen int) device.Tensor {
	query := project(a.backend, hidden, a.Query)
	key := project(a.backend, hidden, a.Key)
	value := project(a.backend, hidden, a.Value)

	query.ApplyRotary(rope.Cos, rope.Sin, positions, a.numHeads, a.headDim)
	key.ApplyRotary(rope.Cos, rope.Sin, positions, a.numHeads, a.headDim)

	context := a.backend.CausalAttention(query, key, value, cuSeqlens, maxSeqlen, a.numHeads, a.headDim, a.scale)

	a.backend.PutTensor(query)
	a.backend.PutTensor(key)
	a.backend.PutTensor(value)

	out := project(a.backend, context, a.Output)
	a.backend.PutTensor(context)
	return out
}

// project computes input * weight into a pooled tensor. No bias anywhere in
// this architecture.
func project(backend device.Backend, input, weight device.Tensor) device.Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	output := backend.GetTensor(r, wc)
	output.Mul(input, weight)
	return output
}
