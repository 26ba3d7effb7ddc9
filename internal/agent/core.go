package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"TreasuryMind-Chain/internal/bias"
	"TreasuryMind-Chain/internal/dataset"
	"TreasuryMind-Chain/internal/decision"
	"TreasuryMind-Chain/internal/federated"
	"TreasuryMind-Chain/internal/inference"
	"TreasuryMind-Chain/internal/observability/metrics"
)

const historyDepth = 20

// drafter 由各类智能体实现，返回 nil 表示不做决策。
type drafter func(c decision.Context, res *inference.Result) *decision.Draft

// core 是各类智能体共享的状态与流水线入口。
type core struct {
	spec     Spec
	pipeline *Pipeline
	model    *federated.LocalModel
	samples  *dataset.SampleSet

	mu      sync.Mutex
	stats   Stats
	history []bias.HistoryItem
}

func newCore(spec Spec, pipeline *Pipeline) *core {
	return &core{
		spec:     spec,
		pipeline: pipeline,
		model:    federated.NewLocalModel(spec.Kind.role(), inference.FeatureDim),
		samples:  dataset.NewSampleSet(pipeline.sampleCapacity),
	}
}

// ID 返回智能体编号。
func (c *core) ID() string { return c.spec.ID }

// Kind 返回智能体类型。
func (c *core) Kind() Kind { return c.spec.Kind }

// Profile 返回智能体描述，状态由 Registry 填充。
func (c *core) Profile() Profile {
	c.mu.Lock()
	stats := c.stats
	c.mu.Unlock()
	return Profile{
		ID:           c.spec.ID,
		Name:         c.spec.Name,
		Kind:         c.spec.Kind,
		Capabilities: append([]string(nil), c.spec.Capabilities...),
		Stats:        stats,
		Samples:      c.samples.Len(),
	}
}

// ResetStats 清空表现统计与决策历史。
func (c *core) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
	c.history = nil
}

// ExplainDecision 按权重降序拼接前三个决策因素。
func (c *core) ExplainDecision(d *decision.Decision) string {
	if d == nil || len(d.Factors) == 0 {
		return ""
	}
	factors := append([]decision.Factor(nil), d.Factors...)
	sort.SliceStable(factors, func(i, j int) bool { return factors[i].Weight > factors[j].Weight })
	if len(factors) > 3 {
		factors = factors[:3]
	}
	parts := make([]string, 0, len(factors))
	for _, f := range factors {
		parts = append(parts, fmt.Sprintf("%s(%.2f): %s", f.Name, f.Weight, f.Impact))
	}
	return strings.Join(parts, "; ")
}

func (c *core) recentHistory() []bias.HistoryItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bias.HistoryItem(nil), c.history...)
}

// decide 执行完整的决策步骤。证明失败时返回错误且不产出决策。
func (c *core) decide(ctx context.Context, in decision.Context, build drafter) (*decision.Decision, error) {
	p := c.pipeline
	start := time.Now()
	kind := string(c.spec.Kind)

	// 有界推理，超时降级。
	weights, b := c.model.Linear()
	features := inference.Encode(in)
	res, degraded := p.infer(ctx, c.spec.Kind, inference.Request{
		AgentID:  c.spec.ID,
		Kind:     kind,
		Context:  in,
		Features: features,
		Weights:  weights,
		Bias:     b,
	})

	// 构建草稿。
	draft := build(in, res)
	if draft == nil {
		metrics.DecisionsTotal.WithLabelValues(kind, "skipped").Inc()
		return nil, nil
	}
	if degraded {
		draft.Degraded = true
		draft.Confidence *= p.degradedFactor
	}
	draft.Confidence = decision.ClampConfidence(draft.Confidence)

	// 偏差闸门。
	gated, _ := p.gate.Apply(ctx, bias.Input{
		AgentID: c.spec.ID,
		Kind:    kind,
		Draft:   *draft,
		Context: in,
		History: c.recentHistory(),
	})

	// 安全策略。
	if p.policy != nil {
		gated = p.policy.Review(ctx, c.spec.ID, gated, in)
	}
	gated.Confidence = decision.ClampConfidence(gated.Confidence)

	// 生成证明，失败则整个步骤失败。
	if p.attester == nil {
		metrics.DecisionsTotal.WithLabelValues(kind, "failed").Inc()
		return nil, fmt.Errorf("智能体 %s 未配置证明服务", c.spec.ID)
	}
	proof, err := p.attester.GenerateProof(ctx, p.circuit,
		map[string]string{
			"rationale": gated.Rationale,
			"context":   contextDigest(in),
		},
		map[string]string{
			"agent_id":   c.spec.ID,
			"action":     gated.Action,
			"confidence": strconv.FormatFloat(gated.Confidence, 'f', 6, 64),
		})
	if err != nil {
		metrics.DecisionsTotal.WithLabelValues(kind, "failed").Inc()
		p.logger.Error("决策证明失败，放弃本次决策",
			slog.String("agent_id", c.spec.ID),
			slog.Any("error", err))
		return nil, fmt.Errorf("智能体 %s 证明失败: %w", c.spec.ID, err)
	}

	if p.policy != nil && gated.Escalated {
		p.policy.Record(c.spec.ID, gated)
	}

	// 更新统计与本地训练集。
	now := p.now()
	elapsed := time.Since(start)
	outcome := 1.0
	if gated.Escalated {
		outcome = 0
	}
	sampleHash, _ := c.samples.Add(features, outcome, now)

	c.mu.Lock()
	c.stats.record(outcome, elapsed, now)
	if gated.Escalated {
		c.stats.Escalations++
	}
	if gated.Degraded {
		c.stats.Degraded++
	}
	c.history = append(c.history, bias.HistoryItem{Action: gated.Action, Confidence: gated.Confidence, RiskScore: in.RiskScore})
	if len(c.history) > historyDepth {
		c.history = c.history[len(c.history)-historyDepth:]
	}
	c.mu.Unlock()

	result := "decided"
	if gated.Escalated {
		result = "escalated"
	}
	metrics.DecisionsTotal.WithLabelValues(kind, result).Inc()
	metrics.DecisionLatency.WithLabelValues(kind).Observe(elapsed.Seconds())

	return &decision.Decision{
		ID:           uuid.NewString(),
		AgentID:      c.spec.ID,
		AgentKind:    kind,
		Timestamp:    now,
		Action:       gated.Action,
		Rationale:    gated.Rationale,
		Confidence:   gated.Confidence,
		Attestation:  proof.Attestation(),
		Impact:       gated.Impact,
		Factors:      gated.Factors,
		Degraded:     gated.Degraded,
		Escalated:    gated.Escalated,
		BiasCategory: gated.BiasCategory,
		BiasSeverity: gated.BiasSeverity,
		SampleHash:   sampleHash,
	}, nil
}

func contextDigest(c decision.Context) string {
	return fmt.Sprintf("total=%s;risk=%.6f;vol=%.6f", c.TotalValue.String(), c.RiskScore, c.Volatility)
}

// ParticipantID 实现 federated.Participant。
func (c *core) ParticipantID() string { return c.spec.ID }

// LocalUpdate 在本地样本上训练主槽位，只导出主槽位。
func (c *core) LocalUpdate(ctx context.Context) (map[federated.Role]map[string]federated.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.model.Train(c.samples.Samples(), c.pipeline.learningRate, c.pipeline.now())
	return c.model.Update(), nil
}

// ApplyGlobal 用全局模型覆盖本地槽位。
func (c *core) ApplyGlobal(role federated.Role, slot federated.Slot) {
	c.model.Apply(role, slot)
}

// RemoveSamples 删除哈希匹配的本地样本。
func (c *core) RemoveSamples(hashes []string) []string {
	return c.samples.Remove(hashes)
}

// SampleCount 返回本地样本数量。
func (c *core) SampleCount() int { return c.samples.Len() }

// SampleHashes 返回本地样本哈希。
func (c *core) SampleHashes() []string { return c.samples.Hashes() }

// Model 返回本地模型，供只读检查。
func (c *core) Model() *federated.LocalModel { return c.model }
