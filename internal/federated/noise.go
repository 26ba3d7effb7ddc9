package federated

import (
	"math"
	"math/rand/v2"
)

// laplace 按 -(1/ε)·sign(u)·ln(1−2|u|) 采样，u 均匀分布于 (−0.5, 0.5)。
func laplace(rng *rand.Rand, epsilon float64) float64 {
	if math.IsInf(epsilon, 1) {
		return 0
	}
	u := rng.Float64() - 0.5
	for u == -0.5 {
		u = rng.Float64() - 0.5
	}
	sign := 0.0
	switch {
	case u > 0:
		sign = 1
	case u < 0:
		sign = -1
	}
	return -(1 / epsilon) * sign * math.Log(1-2*math.Abs(u))
}

// perturb 返回加噪后的张量副本。
func perturb(rng *rand.Rand, t Tensor, epsilon float64) Tensor {
	out := t.Clone()
	if math.IsInf(epsilon, 1) {
		return out
	}
	for i := range out.Values {
		out.Values[i] += laplace(rng, epsilon)
	}
	return out
}
