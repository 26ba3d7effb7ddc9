package inference

import (
	"context"
	"fmt"
	"math"

	"TreasuryMind-Chain/internal/decision"
)

// FeatureDim 是单条决策特征向量的维度。
const FeatureDim = 8

// 推理给出的建议动作。
const (
	ActionRebalance = "REBALANCE"
	ActionHold      = "HOLD"
	ActionHedge     = "HEDGE"
)

// Request 描述一次推理输入。
type Request struct {
	AgentID  string
	Kind     string
	Context  decision.Context
	Features []float64
	Weights  []float64
	Bias     float64
}

// Result 是推理输出。
type Result struct {
	Action     string
	Confidence float64
	Rationale  string
	Score      float64
}

// Provider 定义推理提供方的统一接口。
type Provider interface {
	Infer(ctx context.Context, req Request) (*Result, error)
}

// ProviderFunc 允许以函数形式实现 Provider。
type ProviderFunc func(ctx context.Context, req Request) (*Result, error)

// Infer 调用函数本身。
func (f ProviderFunc) Infer(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Encode 将行情上下文编码为固定维度的特征向量。
func Encode(c decision.Context) []float64 {
	total, _ := c.TotalValue.Float64()
	scale := 0.0
	if total > 0 {
		scale = math.Log10(total+1) / 10
	}
	return []float64{
		c.RiskScore,
		c.Volatility,
		c.RiskScore * c.Volatility,
		c.RiskScore * c.RiskScore,
		c.Volatility * c.Volatility,
		1 - c.RiskScore,
		1 - c.Volatility,
		scale,
	}
}

// Sigmoid 是 logistic 函数。
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Score 计算 sigmoid(w·x+b)，维度不一致时只取公共部分。
func Score(weights, features []float64, bias float64) float64 {
	n := len(weights)
	if len(features) < n {
		n = len(features)
	}
	z := bias
	for i := 0; i < n; i++ {
		z += weights[i] * features[i]
	}
	return Sigmoid(z)
}

// HeuristicProvider 以本地线性模型完成确定性推理。
type HeuristicProvider struct{}

// NewHeuristic 创建本地推理提供方。
func NewHeuristic() *HeuristicProvider { return &HeuristicProvider{} }

// Infer 根据模型权重为当前上下文打分。
func (HeuristicProvider) Infer(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	features := req.Features
	if len(features) == 0 {
		features = Encode(req.Context)
	}
	score := Score(req.Weights, features, req.Bias)

	action := ActionHold
	switch {
	case score >= 0.6:
		action = ActionRebalance
	case score <= 0.4:
		action = ActionHedge
	}
	confidence := decision.ClampConfidence(math.Max(score, 1-score))
	return &Result{
		Action:     action,
		Confidence: confidence,
		Score:      score,
		Rationale:  fmt.Sprintf("模型评分 %.3f (风险 %.2f, 波动 %.2f)", score, req.Context.RiskScore, req.Context.Volatility),
	}, nil
}
