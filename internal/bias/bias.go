// Package bias 提供决策偏差的分类、置信度折扣闸门以及系统级偏差扫描。
package bias

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"TreasuryMind-Chain/internal/decision"
	"TreasuryMind-Chain/internal/events"
	"TreasuryMind-Chain/internal/observability/metrics"
	"TreasuryMind-Chain/pkg/logger"
)

// Category 是偏差分类。
type Category string

// 固定的偏差分类体系。
const (
	Confirmation   Category = "confirmation"
	Anchoring      Category = "anchoring"
	Recency        Category = "recency"
	Herding        Category = "herding"
	Overconfidence Category = "overconfidence"
	LossAversion   Category = "loss_aversion"
)

// Taxonomy 是系统扫描时逐项评估的分类列表。
var Taxonomy = []Category{Confirmation, Anchoring, Recency, Herding, Overconfidence, LossAversion}

// minSeverity 保证 HasBias 的裁决一定带来严格的置信度下降。
const minSeverity = 0.01

// Verdict 是分类器对一份草稿的判断。
type Verdict struct {
	HasBias  bool     `json:"has_bias"`
	Category Category `json:"category,omitempty"`
	Severity float64  `json:"severity"`
	Evidence string   `json:"evidence,omitempty"`
}

// HistoryItem 是智能体最近的一次决策摘要。
type HistoryItem struct {
	Action     string
	Confidence float64
	RiskScore  float64
}

// Input 是分类器的输入。
type Input struct {
	AgentID string
	Kind    string
	Draft   decision.Draft
	Context decision.Context
	History []HistoryItem
}

// Classifier 评估决策草稿是否存在偏差。
type Classifier interface {
	Classify(ctx context.Context, in Input) (Verdict, error)
}

// Discount 计算 confidence × (1 − severity × penaltyFactor)，结果限制在 [0, 1]。
func Discount(confidence, severity, penaltyFactor float64) float64 {
	severity = decision.ClampConfidence(severity)
	return decision.ClampConfidence(confidence * (1 - severity*penaltyFactor))
}

// Gate 在证明之前对草稿应用偏差折扣。
type Gate struct {
	classifier          Classifier
	penaltyFactor       float64
	escalationThreshold float64
	publisher           events.Publisher
	logger              *slog.Logger
}

// GateOption 定制偏差闸门。
type GateOption func(*Gate)

// WithPublisher 设置 biasDetected 事件的发布者。
func WithPublisher(p events.Publisher) GateOption {
	return func(g *Gate) { g.publisher = events.OrNop(p) }
}

// NewGate 创建偏差闸门。
func NewGate(classifier Classifier, penaltyFactor, escalationThreshold float64, opts ...GateOption) *Gate {
	g := &Gate{
		classifier:          classifier,
		penaltyFactor:       penaltyFactor,
		escalationThreshold: escalationThreshold,
		publisher:           events.Nop{},
		logger:              logger.Named("bias"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Apply 调用分类器并返回折扣后的草稿。分类器出错时按“无偏差”放行并记录告警。
func (g *Gate) Apply(ctx context.Context, in Input) (decision.Draft, Verdict) {
	draft := in.Draft
	if g == nil || g.classifier == nil {
		return draft, Verdict{}
	}
	verdict, err := g.classifier.Classify(ctx, in)
	if err != nil {
		g.logger.Warn("偏差分类失败，按无偏差处理",
			slog.String("agent_id", in.AgentID),
			slog.Any("error", err))
		return draft, Verdict{}
	}
	if !verdict.HasBias {
		return draft, verdict
	}
	if verdict.Severity < minSeverity {
		verdict.Severity = minSeverity
	}
	verdict.Severity = decision.ClampConfidence(verdict.Severity)

	draft.Confidence = Discount(draft.Confidence, verdict.Severity, g.penaltyFactor)
	draft.BiasCategory = string(verdict.Category)
	draft.BiasSeverity = verdict.Severity
	if verdict.Severity > g.escalationThreshold {
		draft.Escalated = true
	}
	metrics.BiasDiscounts.WithLabelValues(string(verdict.Category)).Inc()
	g.publisher.Publish(events.KindBiasDetected, "bias_gate", events.BiasDetected{
		AgentID:  in.AgentID,
		Type:     string(verdict.Category),
		Severity: verdict.Severity,
	})
	g.logger.Info("偏差折扣已应用",
		slog.String("agent_id", in.AgentID),
		slog.String("category", string(verdict.Category)),
		slog.Float64("severity", verdict.Severity),
		slog.Float64("confidence", draft.Confidence),
		slog.Bool("escalated", draft.Escalated))
	return draft, verdict
}

// Report 是一次审计周期针对某个分类产出的偏差报告。
type Report struct {
	Category       Category  `json:"category"`
	Severity       float64   `json:"severity"`
	AffectedCount  int       `json:"affected_count"`
	AffectedAgents []string  `json:"affected_agents"`
	Mitigation     string    `json:"mitigation"`
	Timestamp      time.Time `json:"timestamp"`
}

// Verb 返回动作文本中冒号前的动词，例如 "REBALANCE: ..." 返回 "REBALANCE"。
func Verb(action string) string {
	action = strings.TrimSpace(action)
	action = strings.TrimPrefix(action, decision.EscalateMarker+":")
	action = strings.TrimSpace(action)
	if idx := strings.IndexAny(action, ": "); idx > 0 {
		action = action[:idx]
	}
	return strings.ToUpper(action)
}
