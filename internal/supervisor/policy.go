package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"TreasuryMind-Chain/internal/bias"
	"TreasuryMind-Chain/internal/decision"
	"TreasuryMind-Chain/internal/observability/metrics"
	"TreasuryMind-Chain/pkg/logger"
)

// Suspender 将智能体置为 suspended。
type Suspender interface {
	Suspend(id, reason string) error
}

// PolicyConfig 描述安全策略阈值。
type PolicyConfig struct {
	MinConfidence      float64
	MaxRiskScore       float64
	MaxExposureRatio   float64
	EscalationDiscount float64
	MaxEscalations     int
}

// Policy 是决策流水线中的安全策略闸门。
type Policy struct {
	cfg       PolicyConfig
	suspender Suspender
	log       *slog.Logger

	mu          sync.Mutex
	escalations map[string]int
}

// NewPolicy 创建安全策略。
func NewPolicy(cfg PolicyConfig, suspender Suspender) *Policy {
	if cfg.EscalationDiscount <= 0 || cfg.EscalationDiscount > 1 {
		cfg.EscalationDiscount = 0.5
	}
	return &Policy{
		cfg:         cfg,
		suspender:   suspender,
		log:         logger.Named("policy"),
		escalations: make(map[string]int),
	}
}

// violations 返回草稿违反的策略项。
func (p *Policy) violations(d decision.Draft, c decision.Context) []string {
	var out []string
	verb := bias.Verb(d.Action)
	if p.cfg.MaxRiskScore > 0 && c.RiskScore > p.cfg.MaxRiskScore && verb != "HOLD" && verb != "HEDGE" {
		out = append(out, fmt.Sprintf("风险评分 %.2f 超过上限 %.2f 时不允许 %s", c.RiskScore, p.cfg.MaxRiskScore, verb))
	}
	if d.Confidence < p.cfg.MinConfidence {
		out = append(out, fmt.Sprintf("置信度 %.2f 低于下限 %.2f", d.Confidence, p.cfg.MinConfidence))
	}
	if p.cfg.MaxExposureRatio > 0 && c.TotalValue.IsPositive() {
		limit := c.TotalValue.Mul(decimal.NewFromFloat(p.cfg.MaxExposureRatio))
		if d.Impact.TreasuryChange.Abs().GreaterThan(limit) {
			out = append(out, fmt.Sprintf("资金变动 %s 超过敞口上限 %s", d.Impact.TreasuryChange.Abs().String(), limit.String()))
		}
	}
	return out
}

// Review 检查草稿；违规草稿被打上 ESCALATE 标记并折扣置信度。
// 计数由 Record 在证明成功后提交。
func (p *Policy) Review(_ context.Context, agentID string, d decision.Draft, c decision.Context) decision.Draft {
	reasons := p.violations(d, c)
	if len(reasons) > 0 {
		d.Confidence = decision.ClampConfidence(d.Confidence * p.cfg.EscalationDiscount)
		d.Escalated = true
		d.Rationale = strings.TrimSpace(d.Rationale + "; 策略: " + strings.Join(reasons, "; "))
		p.log.Debug("策略违规", slog.String("agent_id", agentID), slog.Any("reasons", reasons))
	}
	if d.Escalated && !strings.HasPrefix(d.Action, decision.EscalateMarker) {
		d.Action = decision.EscalateMarker + ": " + d.Action
	}
	return d
}

// Record 提交一次已证明的升级决策。
// 同一智能体累计升级达到上限后被暂停。
func (p *Policy) Record(agentID string, d decision.Draft) {
	if !d.Escalated {
		return
	}
	p.mu.Lock()
	p.escalations[agentID]++
	count := p.escalations[agentID]
	p.mu.Unlock()

	metrics.Escalations.WithLabelValues(agentID).Inc()
	p.log.Warn("决策升级",
		slog.String("agent_id", agentID),
		slog.String("action", d.Action),
		slog.Int("escalations", count))

	if p.cfg.MaxEscalations > 0 && count >= p.cfg.MaxEscalations && p.suspender != nil {
		if err := p.suspender.Suspend(agentID, "escalations"); err != nil {
			p.log.Error("暂停智能体失败", slog.String("agent_id", agentID), slog.Any("error", err))
		}
	}
}

// Escalations 返回智能体累计升级次数。
func (p *Policy) Escalations(agentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.escalations[agentID]
}

// Reset 清零智能体的升级计数。
func (p *Policy) Reset(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.escalations, agentID)
}
