package model

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// Config holds the architecture configuration for a causal decoder.
// All fields are fixed at construction; a Config that fails Validate
// never produces a model.
type Config struct {
	VocabSize             int
	HiddenSize            int
	NumHiddenLayers       int
	NumAttentionHeads     int
	IntermediateSize      int
	MaxPositionEmbeddings int

	// ExtendContextTo widens the rotary table beyond the trained position
	// range when > MaxPositionEmbeddings. The angle schedule is NOT
	// interpolated (see rope.go).
	ExtendContextTo int

	RopeTheta  float64
	RMSNormEps float32
	HiddenAct  device.ActivationType

	// PadTokenID is the vocabulary index whose embedding row is zeroed at
	// initialization. Negative means no padding token. The packed stream
	// never contains padding tokens, so this only affects the table itself.
	PadTokenID int

	// CheckpointActivations controls whether per-layer hidden states are
	// returned to the backend pool as soon as the next layer consumed them.
	// Purely an execution-strategy knob; forward output is identical.
	CheckpointActivations bool
}

// DefaultTinyConfig returns a small runnable configuration used by the demo
// mode and benchmarks.
func DefaultTinyConfig() Config {
	return Config{
		VocabSize:             1024,
		HiddenSize:            64,
		NumHiddenLayers:       2,
		NumAttentionHeads:     4,
		IntermediateSize:      256,
		MaxPositionEmbeddings: 512,
		RopeTheta:             10000.0,
		RMSNormEps:            1e-6,
		HiddenAct:             device.ActivationSiLU,
		PadTokenID:            0,
	}
}

// HeadDim returns the per-head dimensionality.
func (c Config) HeadDim() int {
	return c.HiddenSize / c.NumAttentionHeads
}

// Validate reports configuration errors. These are fatal at construction
// time, never at call time.
func (c Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	}
	if c.HiddenSize <= 0 || c.NumHiddenLayers <= 0 || c.IntermediateSize <= 0 {
		return fmt.Errorf("model dimensions must be positive (hidden=%d layers=%d intermediate=%d)",
			c.HiddenSize, c.NumHiddenLayers, c.IntermediateSize)
	}
	if c.NumAttentionHeads <= 0 {
		return fmt.Errorf("num_attention_heads must be positive, got %d", c.NumAttentionHeads)
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("hidden_size must be divisible by num_heads (got hidden_size: %d and num_heads: %d)",
			c.HiddenSize, c.NumAttentionHeads)
	}
	if c.HeadDim()%2 != 0 {
		return fmt.Errorf("head dimension must be even for rotary embeddings, got %d", c.HeadDim())
	}
	if c.MaxPositionEmbeddings <= 0 {
		return fmt.Errorf("max_position_embeddings must be positive, got %d", c.MaxPositionEmbeddings)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("rope_theta must be positive, got %f", c.RopeTheta)
	}
	switch c.HiddenAct {
	case device.ActivationSiLU, device.ActivationGELU, device.ActivationIdentity:
	default:
		return fmt.Errorf("unsupported activation kind: %d", c.HiddenAct)
	}
	if c.PadTokenID >= c.VocabSize {
		return fmt.Errorf("pad_token_id %d outside vocabulary of size %d", c.PadTokenID, c.VocabSize)
	}
	return nil
}
