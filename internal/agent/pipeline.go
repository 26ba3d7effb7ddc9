package agent

import (
	"context"
	"log/slog"
	"time"

	"TreasuryMind-Chain/internal/attest"
	"TreasuryMind-Chain/internal/bias"
	"TreasuryMind-Chain/internal/decision"
	"TreasuryMind-Chain/internal/inference"
	"TreasuryMind-Chain/internal/observability/metrics"
	"TreasuryMind-Chain/pkg/logger"
)

const (
	defaultInferenceTimeout = time.Second
	defaultDegradedFactor   = 0.5
	defaultLearningRate     = 0.05
	defaultSampleCapacity   = 512
)

// Attester 为决策生成证明。
type Attester interface {
	GenerateProof(ctx context.Context, circuitID string, private, public map[string]string) (*attest.Proof, error)
}

// PolicyGate 在证明之前执行安全策略检查。
// Review 只标记草稿；Record 在证明成功后提交升级。
type PolicyGate interface {
	Review(ctx context.Context, agentID string, draft decision.Draft, c decision.Context) decision.Draft
	Record(agentID string, d decision.Draft)
}

// Pipeline 是各类智能体共享的决策流水线，本身无状态。
type Pipeline struct {
	provider         inference.Provider
	attester         Attester
	gate             *bias.Gate
	policy           PolicyGate
	circuit          string
	inferenceTimeout time.Duration
	degradedFactor   float64
	learningRate     float64
	sampleCapacity   int
	now              func() time.Time
	logger           *slog.Logger
}

// PipelineOption 定制流水线。
type PipelineOption func(*Pipeline)

// WithBiasGate 设置偏差闸门。
func WithBiasGate(g *bias.Gate) PipelineOption {
	return func(p *Pipeline) { p.gate = g }
}

// WithPolicy 设置安全策略。
func WithPolicy(policy PolicyGate) PipelineOption {
	return func(p *Pipeline) { p.policy = policy }
}

// WithCircuit 指定决策证明使用的电路。
func WithCircuit(name string) PipelineOption {
	return func(p *Pipeline) {
		if name != "" {
			p.circuit = name
		}
	}
}

// WithInferenceTimeout 设置推理硬超时。
func WithInferenceTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.inferenceTimeout = timeout
		}
	}
}

// WithDegradedFactor 设置降级决策的置信度系数。
func WithDegradedFactor(factor float64) PipelineOption {
	return func(p *Pipeline) {
		if factor > 0 && factor <= 1 {
			p.degradedFactor = factor
		}
	}
}

// WithLearningRate 设置本地训练学习率。
func WithLearningRate(lr float64) PipelineOption {
	return func(p *Pipeline) {
		if lr > 0 {
			p.learningRate = lr
		}
	}
}

// WithSampleCapacity 设置每个智能体本地训练集的容量。
func WithSampleCapacity(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.sampleCapacity = n
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPipeline 创建决策流水线。
func NewPipeline(provider inference.Provider, attester Attester, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		provider:         provider,
		attester:         attester,
		circuit:          attest.CircuitDecision,
		inferenceTimeout: defaultInferenceTimeout,
		degradedFactor:   defaultDegradedFactor,
		learningRate:     defaultLearningRate,
		sampleCapacity:   defaultSampleCapacity,
		now:              time.Now,
		logger:           logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.provider == nil {
		p.provider = inference.NewHeuristic()
	}
	return p
}

// infer 在硬超时内完成推理；超时或失败时返回保守的降级结果。
func (p *Pipeline) infer(ctx context.Context, kind Kind, req inference.Request) (*inference.Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.inferenceTimeout)
	defer cancel()

	type outcome struct {
		res *inference.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.provider.Infer(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	var (
		res *inference.Result
		err error
	)
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case out := <-done:
		res, err = out.res, out.err
	}
	if err == nil && res != nil {
		return res, false
	}

	metrics.InferenceDegraded.WithLabelValues(string(kind)).Inc()
	p.logger.Warn("推理超时或失败，使用降级草稿",
		slog.String("agent_id", req.AgentID),
		slog.Duration("timeout", p.inferenceTimeout),
		slog.Any("error", err))
	return &inference.Result{
		Action:     inference.ActionHold,
		Confidence: 0.5,
		Score:      0.5,
		Rationale:  "推理未在时限内完成，降级为保守决策",
	}, true
}
