package tensor

import "math"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	src = src[:len(dst)]
	for i := range dst {
		dst[i] += src[i]
	}
}

// Scale multiplies x by s in place.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LayerNorm writes (src - mean) / sqrt(var + eps) * weight + bias into dst.
// Mean and variance are computed in two passes.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := len(src)
	if n == 0 {
		return
	}
	var mean float32
	for _, v := range src {
		mean += v
	}
	mean /= float32(n)
	var variance float32
	for _, v := range src {
		d := v - mean
		variance += d * d
	}
	variance /= float32(n)
	inv := float32(1 / math.Sqrt(float64(variance+eps)))
	for i, v := range src {
		dst[i] = (v-mean)*inv*weight[i] + bias[i]
	}
}

// AddLayerNorm is the fused residual + normalization kernel: it performs
// x += delta and writes LayerNorm(x) into dst while x is still hot, gathering
// both moments in one float64 pass.
func AddLayerNorm(dst, x, delta, weight, bias []float32, eps float32) {
	n := len(x)
	if n == 0 {
		return
	}
	delta = delta[:n]
	var sum, sumSq float64
	for i := range x {
		v := x[i] + delta[i]
		x[i] = v
		f := float64(v)
		sum += f
		sumSq += f * f
	}
	mean := sum / float64(n)
	variance := max(sumSq/float64(n)-mean*mean, 0)
	inv := 1 / math.Sqrt(variance+float64(eps))
	m32 := float32(mean)
	inv32 := float32(inv)
	for i, v := range x {
		dst[i] = (v-m32)*inv32*weight[i] + bias[i]
	}
}

// LayerNormFused is the single-pass variant of LayerNorm used when fused
// kernels are enabled.
func LayerNormFused(dst, src, weight, bias []float32, eps float32) {
	n := len(src)
	if n == 0 {
		return
	}
	var sum, sumSq float64
	for _, v := range src {
		f := float64(v)
		sum += f
		sumSq += f * f
	}
	mean := sum / float64(n)
	variance := max(sumSq/float64(n)-mean*mean, 0)
	m32 := float32(mean)
	inv32 := float32(1 / math.Sqrt(variance+float64(eps)))
	for i, v := range src {
		dst[i] = (v-m32)*inv32*weight[i] + bias[i]
	}
}

const geluCoeff = 0.7978845608028654 // sqrt(2/pi)

// GELU is the tanh approximation used by GPT-2.
func GELU(x float32) float32 {
	f := float64(x)
	return float32(0.5 * f * (1 + math.Tanh(geluCoeff*(f+0.044715*f*f*f))))
}

// GELUInPlace applies GELU to every element of x.
func GELUInPlace(x []float32) {
	for i, v := range x {
		x[i] = GELU(v)
	}
}

// BiasGELU is the fused bias + activation kernel: x = GELU(x + bias).
func BiasGELU(x, bias []float32) {
	bias = bias[:len(x)]
	for i, v := range x {
		x[i] = GELU(v + bias[i])
	}
}
