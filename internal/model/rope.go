package model

import "math"

// RotaryTable holds precomputed rotary embedding coefficients for every
// absolute position the model can see. It is built once per model instance
// and passed by reference into attention calls; nothing mutates it after
// construction.
//
// Cos and Sin are flat (MaxPositions x HeadDim) with the duplicated-angle
// layout: the angle for frequency pair i is stored at both column i and
// column i + HeadDim/2, matching the rotate-half application convention.
type RotaryTable struct {
	Cos          []float32
	Sin          []float32
	HeadDim      int
	MaxPositions int
}

// NewRotaryTable precomputes the table. extendContextTo widens the table
// past maxPositions when larger; the angle schedule itself is unchanged —
// interpolated rotary scaling measurably regressed evaluation quality, so
// extended positions simply continue the original frequency ramp.
// TODO: revisit interpolation for extended contexts once it can be paired
// with matching finetuning data.
func NewRotaryTable(headDim, maxPositions, extendContextTo int, theta float64) *RotaryTable {
	if extendContextTo > maxPositions {
		maxPositions = extendContextTo
	}
	half := headDim / 2

	// inv_freq[i] = theta^(-2i/headDim)
	invFreq := make([]float64, half)
	for i := 0; i < half; i++ {
		invFreq[i] = math.Pow(theta, -2.0*float64(i)/float64(headDim))
	}

	cos := make([]float32, maxPositions*headDim)
	sin := make([]float32, maxPositions*headDim)
	for pos := 0; pos < maxPositions; pos++ {
		base := pos * headDim
		for i := 0; i < half; i++ {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			// Duplicated halves
			cos[base+i] = c
			cos[base+half+i] = c
			sin[base+i] = s
			sin[base+half+i] = s
		}
	}

	return &RotaryTable{
		Cos:          cos,
		Sin:          sin,
		HeadDim:      headDim,
		MaxPositions: maxPositions,
	}
}
