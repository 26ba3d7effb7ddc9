package federated

import (
	"math"
	"math/rand/v2"
)

// Validator 估计全局模型的准确率。
type Validator interface {
	Evaluate(slot Slot) (float64, bool)
}

// SyntheticValidator 以固定真值权重生成的留出集评估线性槽位。
type SyntheticValidator struct {
	features [][]float64
	labels   []float64
}

// NewSyntheticValidator 根据种子生成 size 条 dim 维的验证样本。
func NewSyntheticValidator(dim, size int, seed uint64) *SyntheticValidator {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	truth := make([]float64, dim)
	for i := range truth {
		truth[i] = rng.Float64()*2 - 1
	}
	v := &SyntheticValidator{
		features: make([][]float64, size),
		labels:   make([]float64, size),
	}
	for n := 0; n < size; n++ {
		x := make([]float64, dim)
		z := 0.0
		for i := range x {
			x[i] = rng.Float64()
			z += truth[i] * (x[i] - 0.5)
		}
		v.features[n] = x
		if z >= 0 {
			v.labels[n] = 1
		}
	}
	return v
}

// Evaluate 返回槽位在验证集上的分类准确率；维度不符时返回 false。
func (v *SyntheticValidator) Evaluate(slot Slot) (float64, bool) {
	weights, bias := slot.Linear()
	if len(v.features) == 0 || len(weights) != len(v.features[0]) {
		return 0, false
	}
	correct := 0
	for n, x := range v.features {
		z := bias
		for i := range x {
			z += weights[i] * x[i]
		}
		pred := 0.0
		if sigmoid(z) >= 0.5 {
			pred = 1
		}
		if pred == v.labels[n] {
			correct++
		}
	}
	return float64(correct) / float64(len(v.features)), true
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
