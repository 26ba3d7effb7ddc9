package federated

import (
	"fmt"
	"time"

	xerrors "TreasuryMind-Chain/internal/errors"
)

// Role 表示模型槽位的角色。
type Role string

// 支持的模型角色。
const (
	RoleTrader     Role = "trader"
	RoleCompliance Role = "compliance"
	RoleRisk       Role = "risk"
	RoleBias       Role = "bias"
)

// Roles 返回全部角色，顺序固定。
func Roles() []Role {
	return []Role{RoleTrader, RoleCompliance, RoleRisk, RoleBias}
}

// 每个槽位内的张量名称。
const (
	TensorWeights = "weights"
	TensorBias    = "bias"
)

// Tensor 是带形状的扁平数值数组。
type Tensor struct {
	Values []float64 `json:"values"`
	Shape  []int     `json:"shape"`
}

// NewTensor 构造张量并校验形状。
func NewTensor(values []float64, shape ...int) (Tensor, error) {
	t := Tensor{Values: append([]float64(nil), values...), Shape: append([]int(nil), shape...)}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// Zeros 构造全零张量。
func Zeros(shape ...int) Tensor {
	t := Tensor{Shape: append([]int(nil), shape...)}
	t.Values = make([]float64, t.Size())
	return t
}

// Size 返回形状对应的元素个数。
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate 检查形状与数值长度是否一致。
func (t Tensor) Validate() error {
	if len(t.Shape) == 0 {
		return xerrors.New(xerrors.CodeShapeMismatch, "张量缺少形状")
	}
	for _, d := range t.Shape {
		if d <= 0 {
			return xerrors.New(xerrors.CodeShapeMismatch, fmt.Sprintf("非法维度 %v", t.Shape))
		}
	}
	if t.Size() != len(t.Values) {
		return xerrors.New(xerrors.CodeShapeMismatch,
			fmt.Sprintf("形状 %v 需要 %d 个元素，实际 %d", t.Shape, t.Size(), len(t.Values)))
	}
	return nil
}

// Clone 深拷贝张量。
func (t Tensor) Clone() Tensor {
	return Tensor{Values: append([]float64(nil), t.Values...), Shape: append([]int(nil), t.Shape...)}
}

// SameShape 判断两个形状是否一致。
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Slot 是某一角色的模型槽位。
type Slot struct {
	Role        Role              `json:"role"`
	Tensors     map[string]Tensor `json:"tensors"`
	LastTrained time.Time         `json:"last_trained"`
	Accuracy    float64           `json:"accuracy"`
}

// NewSlot 构造包含 weights[dim] 与 bias[1] 的零值槽位。
func NewSlot(role Role, dim int) Slot {
	return Slot{
		Role: role,
		Tensors: map[string]Tensor{
			TensorWeights: Zeros(dim),
			TensorBias:    Zeros(1),
		},
	}
}

// DefaultSlots 为全部角色构造零值槽位。
func DefaultSlots(dim int) []Slot {
	roles := Roles()
	slots := make([]Slot, 0, len(roles))
	for _, r := range roles {
		slots = append(slots, NewSlot(r, dim))
	}
	return slots
}

// Clone 深拷贝槽位。
func (s Slot) Clone() Slot {
	out := s
	out.Tensors = make(map[string]Tensor, len(s.Tensors))
	for name, t := range s.Tensors {
		out.Tensors[name] = t.Clone()
	}
	return out
}

// Linear 返回槽位中的线性模型参数；缺失时返回空权重。
func (s Slot) Linear() ([]float64, float64) {
	w := s.Tensors[TensorWeights].Values
	var b float64
	if bias := s.Tensors[TensorBias]; len(bias.Values) > 0 {
		b = bias.Values[0]
	}
	return append([]float64(nil), w...), b
}
