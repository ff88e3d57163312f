package simd

import "math"

// SiluFast applies SiLU (x * sigmoid(x)) in-place.
// The exponential runs in float64 so the gate branch stays accurate
// enough to match reference implementations within tight tolerances.
func SiluFast(data []float32) {
	for i, x := range data {
		data[i] = x / (1.0 + float32(math.Exp(float64(-x))))
	}
}

// GeluFast applies the tanh GELU approximation in-place.
func GeluFast(data []float32) {
	const (
		sqrt2overPi = 0.7978845608
		coeff       = 0.044715
	)
	for i, x := range data {
		x64 := float64(x)
		data[i] = float32(0.5 * x64 * (1 + math.Tanh(sqrt2overPi*(x64+coeff*x64*x64*x64))))
	}
}

// SoftmaxFast applies a numerically stable softmax in-place to a row.
// Accumulation happens in float64 to keep the normalizer exact.
func SoftmaxFast(row []float32) {
	// Find max
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - max))
		row[i] = float32(e)
		sum += e
	}

	invSum := float32(1.0 / sum)
	for i := range row {
		row[i] *= invSum
	}
}

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecMul performs dst *= src element-wise for float32 vectors
func VecMul(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= src[i]
		dst[i+1] *= src[i+1]
		dst[i+2] *= src[i+2]
		dst[i+3] *= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// SumSquares accumulates sum(x^2) in float64. Used by RMS normalization
// where float32 accumulation loses precision on long rows.
func SumSquares(a []float32) float64 {
	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	return sum
}
