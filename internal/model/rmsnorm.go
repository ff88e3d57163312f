package model

import "github.com/23skdu/longbow-bodkin/internal/device"

// RMSNorm is a scale-only root-mean-square normalization layer.
// No mean centering, no bias.
type RMSNorm struct {
	Weight device.Tensor // 1 x hidden, initialized to ones
	Eps    float32
}

func NewRMSNorm(size int, eps float32, backend device.Backend) *RMSNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}
	return &RMSNorm{
		Weight: backend.NewTensor(1, size, ones),
		Eps:    eps,
	}
}

// Forward normalizes in-place and returns the input tensor.
func (n *RMSNorm) Forward(input device.Tensor) device.Tensor {
	input.RMSNorm(n.Weight, n.Eps)
	return input
}
