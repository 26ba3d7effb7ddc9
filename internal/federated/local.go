package federated

import (
	"sync"
	"time"

	"TreasuryMind-Chain/internal/dataset"
)

// LocalModel 是单个智能体持有的本地模型槽位集合。
type LocalModel struct {
	mu      sync.RWMutex
	primary Role
	slots   map[Role]Slot
}

// NewLocalModel 为全部角色创建零值槽位，primary 为该智能体训练的角色。
func NewLocalModel(primary Role, dim int) *LocalModel {
	m := &LocalModel{primary: primary, slots: make(map[Role]Slot)}
	for _, s := range DefaultSlots(dim) {
		m.slots[s.Role] = s
	}
	return m
}

// Primary 返回智能体训练的主角色。
func (m *LocalModel) Primary() Role { return m.primary }

// Slot 返回指定角色槽位的副本。
func (m *LocalModel) Slot(role Role) (Slot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[role]
	if !ok {
		return Slot{}, false
	}
	return s.Clone(), true
}

// Linear 返回主角色的线性模型参数。
func (m *LocalModel) Linear() ([]float64, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[m.primary].Linear()
}

// Apply 用全局槽位覆盖本地槽位。
func (m *LocalModel) Apply(role Role, slot Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := slot.Clone()
	s.Role = role
	m.slots[role] = s
}

// Update 导出主角色槽位的张量，作为一次本地更新。
// 其他角色只由全局下发覆盖，不参与本地贡献。
func (m *LocalModel) Update() map[Role]map[string]Tensor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.slots[m.primary]
	tensors := make(map[string]Tensor, len(s.Tensors))
	for name, t := range s.Tensors {
		tensors[name] = t.Clone()
	}
	return map[Role]map[string]Tensor{m.primary: tensors}
}

// Train 在主角色槽位上对本地样本做一轮 logistic 回归 SGD。
func (m *LocalModel) Train(samples []dataset.Sample, lr float64, now time.Time) int {
	if len(samples) == 0 || lr <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := m.slots[m.primary].Clone()
	weights := slot.Tensors[TensorWeights]
	bias := slot.Tensors[TensorBias]
	if len(bias.Values) == 0 {
		return 0
	}

	trained := 0
	for _, sample := range samples {
		if len(sample.Features) != len(weights.Values) {
			continue
		}
		z := bias.Values[0]
		for i, x := range sample.Features {
			z += weights.Values[i] * x
		}
		grad := sigmoid(z) - sample.Label
		for i, x := range sample.Features {
			weights.Values[i] -= lr * grad * x
		}
		bias.Values[0] -= lr * grad
		trained++
	}
	slot.Tensors[TensorWeights] = weights
	slot.Tensors[TensorBias] = bias
	if trained > 0 {
		slot.LastTrained = now
	}
	m.slots[m.primary] = slot
	return trained
}
