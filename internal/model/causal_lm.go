package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// CausalLM pairs a decoder stack with a language-modeling head that projects
// final hidden states to vocabulary logits.
type CausalLM struct {
	backend device.Backend
	config  Config

	Model  *DecoderStack
	LMHead device.Tensor // hidden x vocab
}

func NewCausalLM(config Config, backend device.Backend) (*CausalLM, error) {
	stack, err := NewDecoderStack(config, backend)
	if err != nil {
		return nil, err
	}
	return &CausalLM{
		backend: backend,
		config:  config,
		Model:   stack,
		LMHead:  backend.NewTensor(config.HiddenSize, config.VocabSize, nil),
	}, nil
}

// Config returns the model configuration.
func (m *CausalLM) Config() Config { return m.config }

// Backend returns the compute backend holding this model's tensors.
func (m *CausalLM) Backend() device.Backend { return m.backend }

// Forward runs the model over a packed batch and returns per-token logits of
// shape (nnz, vocabSize). The returned tensor is pooled; callers hand it back
// with PutTensor when done.
func (m *CausalLM) Forward(batch *PackedBatch) (device.Tensor, error) {
	hidden, err := m.Model.Forward(batch.InputIDs, batch.PositionIDs, batch.CuSeqlens, batch.MaxSeqlen)
	if err != nil {
		return nil, err
	}
	logits := project(m.backend, hidden, m.LMHead)
	m.backend.PutTensor(hidden)
	return logits, nil
}

// ForwardLoss runs the model and computes cross-entropy against labels.
//
// With weights nil, the loss is the plain mean over all tokens. With weights
// supplied, each token contributes weight*nll and the sum is divided by the
// total weight; tokens with weight 0 are skipped entirely, so their logits
// may be anything (including non-finite) without poisoning the loss. A batch
// whose weights sum to zero yields a loss of exactly 0, not NaN.
func (m *CausalLM) ForwardLoss(batch *PackedBatch, labels []int32, weights []float32) (device.Tensor, float64, error) {
	nnz := batch.NNZ()
	if len(labels) != nnz {
		return nil, 0, fmt.Errorf("labels length %d does not match token count %d", len(labels), nnz)
	}
	if weights != nil && len(weights) != nnz {
		return nil, 0, fmt.Errorf("weights length %d does not match token count %d", len(weights), nnz)
	}

	logits, err := m.Forward(batch)
	if err != nil {
		return nil, 0, err
	}

	data := logits.Data()
	vocab := m.config.VocabSize

	var lossSum, weightSum float64
	for i := 0; i < nnz; i++ {
		w := 1.0
		if weights != nil {
			w = float64(weights[i])
			if w == 0 {
				continue
			}
		}
		label := labels[i]
		if label < 0 || int(label) >= vocab {
			m.backend.PutTensor(logits)
			return nil, 0, fmt.Errorf("label %d at index %d outside vocabulary of size %d", label, i, vocab)
		}
		row := data[i*vocab : (i+1)*vocab]
		lossSum += w * NegLogProb(row, int(label))
		weightSum += w
	}

	if weightSum == 0 {
		return logits, 0, nil
	}
	return logits, lossSum / weightSum, nil
}

// ForwardPadded accepts conventional padded inputs, packs them, runs the
// model, and scatters logits back to the padded grid. Padding positions in
// the result are zero-filled.
func (m *CausalLM) ForwardPadded(inputIDs, attentionMask, positions [][]int32) ([]float32, *PackedBatch, error) {
	var adapter PaddedAdapter
	batch := adapter.Pack(inputIDs, attentionMask, positions)

	logits, err := m.Forward(batch)
	if err != nil {
		return nil, nil, err
	}
	padded := adapter.UnpackLogits(logits.Data(), m.config.VocabSize, batch)
	m.backend.PutTensor(logits)
	return padded, batch, nil
}

// NegLogProb computes -log softmax(row)[label] with a float64 max-shifted
// log-sum-exp, stable for any float32 logit range.
func NegLogProb(row []float32, label int) float64 {
	maxLogit := float64(row[0])
	for _, v := range row[1:] {
		if float64(v) > maxLogit {
			maxLogit = float64(v)
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxLogit)
	}
	return math.Log(sum) - (float64(row[label]) - maxLogit)
}

// InitRandom fills all projection weights with Xavier-uniform values and the
// embedding table with small normals. Norm weights stay at ones. The pad
// token's embedding row, if configured, is zeroed.
func (m *CausalLM) InitRandom(seed int64) {
	rng := rand.New(rand.NewSource(seed))

	embed := m.Model.EmbedTokens.Data()
	for i := range embed {
		embed[i] = float32(rng.NormFloat64() * 0.02)
	}
	if pad := m.config.PadTokenID; pad >= 0 {
		h := m.config.HiddenSize
		for j := 0; j < h; j++ {
			embed[pad*h+j] = 0
		}
	}

	for _, layer := range m.Model.Layers {
		xavierFill(rng, layer.SelfAttn.Query)
		xavierFill(rng, layer.SelfAttn.Key)
		xavierFill(rng, layer.SelfAttn.Value)
		xavierFill(rng, layer.SelfAttn.Output)
		xavierFill(rng, layer.MLP.GateProj)
		xavierFill(rng, layer.MLP.UpProj)
		xavierFill(rng, layer.MLP.DownProj)
	}
	xavierFill(rng, m.LMHead)
}

func xavierFill(rng *rand.Rand, t device.Tensor) {
	fanIn, fanOut := t.Dims()
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	data := t.Data()
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * limit
	}
}
