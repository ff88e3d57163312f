package model

import (
	"github.com/23skdu/longbow-bodkin/internal/device"
)

// GatedMLP is the gated feed-forward block: down(act(gate(x)) * up(x)).
// All three projections are bias-free.
type GatedMLP struct {
	backend device.Backend
	act     device.ActivationType

	GateProj device.Tensor // hidden x intermediate
	UpProj   device.Tensor // hidden x intermediate
	DownProj device.Tensor // intermediate x hidden
}

func NewGatedMLP(config Config, backend device.Backend) *GatedMLP {
	return &GatedMLP{
		backend:  backend,
		act:      config.HiddenAct,
		GateProj: backend.NewTensor(config.HiddenSize, config.IntermediateSize, nil),
		UpProj:   backend.NewTensor(config.HiddenSize, config.IntermediateSize, nil),
		DownProj: backend.NewTensor(config.IntermediateSize, config.HiddenSize, nil),
	}
}

func (m *GatedMLP) Forward(hidden device.Tensor) device.Tensor {
	gate := project(m.backend, hidden, m.GateProj)
	switch m.act {
	case device.ActivationSiLU:
		gate.Silu()
	case device.ActivationGELU:
		gate.Gelu()
	case device.ActivationIdentity:
	}

	up := project(m.backend, hidden, m.UpProj)
	gate.MulElem(up)
	m.backend.PutTensor(up)

	out := project(m.backend, gate, m.DownProj)
	m.backend.PutTensor(gate)
	return out
}
