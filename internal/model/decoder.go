package model

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// DecoderLayer is a pre-norm transformer block:
//
//	h = x + Attention(Norm(x))
//	y = h + MLP(Norm(h))
type DecoderLayer struct {
	backend device.Backend

	InputNorm    *RMSNorm
	SelfAttn     *Attention
	PostAttnNorm *RMSNorm
	MLP          *GatedMLP
}

func NewDecoderLayer(config Config, backend device.Backend) *DecoderLayer {
	return &DecoderLayer{
		backend:      backend,
		InputNorm:    NewRMSNorm(config.HiddenSize, config.RMSNormEps, backend),
		SelfAttn:     NewAttention(config, backend),
		PostAttnNorm: NewRMSNorm(config.HiddenSize, config.RMSNormEps, backend),
		MLP:          NewGatedMLP(config, backend),
	}
}

// Forward consumes hidden of shape (nnz, hiddenSize) and returns a new tensor
// of the same shape. The input tensor is left untouched; releasing it is the
// caller's concern.
func (l *DecoderLayer) Forward(hidden device.Tensor, rope *RotaryTable, positions []int32, cuSeqlens []int32, maxSeqlen int) device.Tensor {
	r, c := hidden.Dims()

	normed := l.backend.GetTensor(r, c)
	normed.Copy(hidden)
	l.InputNorm.Forward(normed)

	attnOut := l.SelfAttn.Forward(normed, rope, positions, cuSeqlens, maxSeqlen)
	l.backend.PutTensor(normed)
	attnOut.Add(hidden)

	normed = l.backend.GetTensor(r, c)
	normed.Copy(attnOut)
	l.PostAttnNorm.Forward(normed)

	mlpOut := l.MLP.Forward(normed)
	l.backend.PutTensor(normed)
	mlpOut.Add(attnOut)
	l.backend.PutTensor(attnOut)

	return mlpOut
}

// DecoderStack is the model body: token embedding, a stack of decoder layers
// sharing one rotary table, and a final norm. It operates exclusively on
// packed token streams; padded inputs go through a PaddedAdapter first.
type DecoderStack struct {
	backend device.Backend
	config  Config

	EmbedTokens device.Tensor // vocab x hidden
	Layers      []*DecoderLayer
	Norm        *RMSNorm
	Rope        *RotaryTable
}

func NewDecoderStack(config Config, backend device.Backend) (*DecoderStack, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	layers := make([]*DecoderLayer, config.NumHiddenLayers)
	for i := range layers {
		layers[i] = NewDecoderLayer(config, backend)
	}

	return &DecoderStack{
		backend:     backend,
		config:      config,
		EmbedTokens: backend.NewTensor(config.VocabSize, config.HiddenSize, nil),
		Layers:      layers,
		Norm:        NewRMSNorm(config.HiddenSize, config.RMSNormEps, backend),
		Rope:        NewRotaryTable(config.HeadDim(), config.MaxPositionEmbeddings, config.ExtendContextTo, config.RopeTheta),
	}, nil
}

// Forward runs the full stack over a packed stream and returns the final
// hidden states (nnz, hiddenSize).
func (s *DecoderStack) Forward(inputIDs, positions, cuSeqlens []int32, maxSeqlen int) (device.Tensor, error) {
	if err := s.validateInputs(inputIDs, positions, cuSeqlens, maxSeqlen); err != nil {
		return nil, err
	}

	indices := make([]int, len(inputIDs))
	for i, id := range inputIDs {
		indices[i] = int(id)
	}
	hidden := s.EmbedTokens.Gather(indices)

	for _, layer := range s.Layers {
		next := layer.Forward(hidden, s.Rope, positions, cuSeqlens, maxSeqlen)
		if s.config.CheckpointActivations {
			s.backend.PutTensor(hidden)
		}
		hidden = next
	}

	s.Norm.Forward(hidden)
	return hidden, nil
}

func (s *DecoderStack) validateInputs(inputIDs, positions, cuSeqlens []int32, maxSeqlen int) error {
	nnz := len(inputIDs)
	if len(positions) != nnz {
		return fmt.Errorf("position ids length %d does not match token count %d", len(positions), nnz)
	}
	if len(cuSeqlens) < 2 {
		return fmt.Errorf("offset table must hold at least 2 entries, got %d", len(cuSeqlens))
	}
	if cuSeqlens[0] != 0 {
		return fmt.Errorf("offset table must start at 0, got %d", cuSeqlens[0])
	}
	for i := 1; i < len(cuSeqlens); i++ {
		if cuSeqlens[i] < cuSeqlens[i-1] {
			return fmt.Errorf("offset table not monotone at index %d: %d < %d", i, cuSeqlens[i], cuSeqlens[i-1])
		}
		if span := int(cuSeqlens[i] - cuSeqlens[i-1]); span > maxSeqlen {
			return fmt.Errorf("sequence %d spans %d tokens, exceeding maxSeqlen %d", i-1, span, maxSeqlen)
		}
	}
	if int(cuSeqlens[len(cuSeqlens)-1]) != nnz {
		return fmt.Errorf("offset table ends at %d but stream holds %d tokens", cuSeqlens[len(cuSeqlens)-1], nnz)
	}
	for i, id := range inputIDs {
		if id < 0 || int(id) >= s.config.VocabSize {
			return fmt.Errorf("token id %d at index %d outside vocabulary of size %d", id, i, s.config.VocabSize)
		}
	}
	for i, p := range positions {
		if p < 0 || int(p) >= s.Rope.MaxPositions {
			return fmt.Errorf("position %d at index %d outside rotary table of size %d", p, i, s.Rope.MaxPositions)
		}
	}
	return nil
}
