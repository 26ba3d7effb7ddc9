package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"TreasuryMind-Chain/internal/decision"
	"TreasuryMind-Chain/internal/inference"
)

const emaAlpha = 0.3

var (
	rebalanceRatio = decimal.NewFromFloat(0.05)
	hedgeRatio     = decimal.NewFromFloat(0.03)
)

func ema(prev, next float64, seeded bool) float64 {
	if !seeded {
		return next
	}
	return emaAlpha*next + (1-emaAlpha)*prev
}

// Trader 根据风险与模型评分调整国库仓位。
type Trader struct {
	*core

	stateMu  sync.Mutex
	seeded   bool
	riskEMA  float64
	volEMA   float64
	momentum float64
	// exposure 是已证明决策累计的资金变动。
	exposure decimal.Decimal
}

// ProcessData 更新风险、波动的指数均值与动量。
func (t *Trader) ProcessData(_ context.Context, c decision.Context) Snapshot {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	prev := t.riskEMA
	t.riskEMA = ema(t.riskEMA, c.RiskScore, t.seeded)
	t.volEMA = ema(t.volEMA, c.Volatility, t.seeded)
	if t.seeded {
		t.momentum = t.riskEMA - prev
	}
	t.seeded = true
	return Snapshot{
		AgentID:    t.ID(),
		Kind:       KindTrader,
		RiskScore:  c.RiskScore,
		Volatility: c.Volatility,
		Indicators: map[string]float64{
			"risk_ema": t.riskEMA,
			"vol_ema":  t.volEMA,
			"momentum": t.momentum,
			"exposure": t.exposure.InexactFloat64(),
		},
		ObservedAt: t.pipeline.now(),
	}
}

// MakeDecision 执行决策步骤，仅在决策成功后累计敞口。
func (t *Trader) MakeDecision(ctx context.Context, c decision.Context) (*decision.Decision, error) {
	d, err := t.decide(ctx, c, t.draft)
	if err != nil || d == nil {
		return d, err
	}
	t.stateMu.Lock()
	t.exposure = t.exposure.Add(d.Impact.TreasuryChange)
	t.stateMu.Unlock()
	return d, nil
}

func (t *Trader) draft(c decision.Context, res *inference.Result) *decision.Draft {
	t.stateMu.Lock()
	momentum := t.momentum
	t.stateMu.Unlock()

	conf := decimal.NewFromFloat(res.Confidence)
	var (
		action string
		change decimal.Decimal
		risk   = c.RiskScore
	)
	switch res.Action {
	case inference.ActionRebalance:
		change = c.TotalValue.Mul(rebalanceRatio).Mul(conf).Round(2)
		action = fmt.Sprintf("REBALANCE: 增持 %s 至收益仓位", change.String())
		risk = clamp01(risk * 1.05)
	case inference.ActionHedge:
		change = c.TotalValue.Mul(hedgeRatio).Mul(conf).Round(2).Neg()
		action = fmt.Sprintf("HEDGE: 以 %s 对冲下行风险", change.Abs().String())
		risk = clamp01(risk * 0.8)
	default:
		change = decimal.Zero
		action = "HOLD: 维持当前仓位"
	}

	return &decision.Draft{
		Action:     action,
		Rationale:  res.Rationale,
		Confidence: res.Confidence,
		Impact: decision.Impact{
			TreasuryChange:  change,
			RiskScore:       risk,
			ComplianceScore: clamp01(1 - risk*0.5),
		},
		Factors: []decision.Factor{
			{Name: "risk", Weight: 0.4, Impact: fmt.Sprintf("风险评分 %.2f", c.RiskScore)},
			{Name: "volatility", Weight: 0.3, Impact: fmt.Sprintf("波动率 %.2f", c.Volatility)},
			{Name: "model", Weight: 0.2, Impact: fmt.Sprintf("模型评分 %.3f", res.Score)},
			{Name: "momentum", Weight: 0.1, Impact: fmt.Sprintf("风险动量 %+.3f", momentum)},
		},
	}
}

// Compliance 跟踪风险越限历史并给出合规处置。
type Compliance struct {
	*core

	stateMu  sync.Mutex
	breaches []bool
}

const (
	complianceWindow    = 20
	complianceRiskLimit = 0.7
)

// ProcessData 记录本节拍是否越过风险上限。
func (cp *Compliance) ProcessData(_ context.Context, c decision.Context) Snapshot {
	cp.stateMu.Lock()
	defer cp.stateMu.Unlock()
	cp.breaches = append(cp.breaches, c.RiskScore > complianceRiskLimit)
	if len(cp.breaches) > complianceWindow {
		cp.breaches = cp.breaches[len(cp.breaches)-complianceWindow:]
	}
	return Snapshot{
		AgentID:    cp.ID(),
		Kind:       KindCompliance,
		RiskScore:  c.RiskScore,
		Volatility: c.Volatility,
		Indicators: map[string]float64{"breach_ratio": cp.breachRatioLocked()},
		ObservedAt: cp.pipeline.now(),
	}
}

func (cp *Compliance) breachRatioLocked() float64 {
	if len(cp.breaches) == 0 {
		return 0
	}
	n := 0
	for _, b := range cp.breaches {
		if b {
			n++
		}
	}
	return float64(n) / float64(len(cp.breaches))
}

// MakeDecision 执行决策步骤。
func (cp *Compliance) MakeDecision(ctx context.Context, c decision.Context) (*decision.Decision, error) {
	return cp.decide(ctx, c, cp.draft)
}

func (cp *Compliance) draft(c decision.Context, res *inference.Result) *decision.Draft {
	cp.stateMu.Lock()
	ratio := cp.breachRatioLocked()
	cp.stateMu.Unlock()

	draft := &decision.Draft{
		Rationale:  res.Rationale,
		Confidence: res.Confidence,
		Impact: decision.Impact{
			TreasuryChange:  decimal.Zero,
			RiskScore:       c.RiskScore,
			ComplianceScore: clamp01(1 - ratio),
		},
		Factors: []decision.Factor{
			{Name: "breach_ratio", Weight: 0.5, Impact: fmt.Sprintf("近期越限比例 %.2f", ratio)},
			{Name: "risk", Weight: 0.3, Impact: fmt.Sprintf("风险评分 %.2f", c.RiskScore)},
			{Name: "model", Weight: 0.2, Impact: fmt.Sprintf("模型评分 %.3f", res.Score)},
		},
	}
	if c.RiskScore > complianceRiskLimit || ratio > 0.3 {
		cut := c.TotalValue.Mul(hedgeRatio).Round(2).Neg()
		draft.Action = fmt.Sprintf("HEDGE: 压降 %s 敞口以满足风险限额", cut.Abs().String())
		draft.Impact.TreasuryChange = cut
		draft.Impact.RiskScore = clamp01(c.RiskScore * 0.85)
		return draft
	}
	draft.Action = "HOLD: 持仓符合合规限额"
	return draft
}

// Advisor 只在波动足够大时给出建议。
type Advisor struct {
	*core

	stateMu sync.Mutex
	lastVol float64
}

const advisorMinVolatility = 0.2

// ProcessData 记录最近一次波动率。
func (a *Advisor) ProcessData(_ context.Context, c decision.Context) Snapshot {
	a.stateMu.Lock()
	a.lastVol = c.Volatility
	a.stateMu.Unlock()
	return Snapshot{
		AgentID:    a.ID(),
		Kind:       KindAdvisor,
		RiskScore:  c.RiskScore,
		Volatility: c.Volatility,
		ObservedAt: a.pipeline.now(),
	}
}

// MakeDecision 执行决策步骤；低波动时不做决策。
func (a *Advisor) MakeDecision(ctx context.Context, c decision.Context) (*decision.Decision, error) {
	return a.decide(ctx, c, a.draft)
}

func (a *Advisor) draft(c decision.Context, res *inference.Result) *decision.Draft {
	if c.Volatility < advisorMinVolatility {
		return nil
	}
	return &decision.Draft{
		Action:     fmt.Sprintf("%s: 建议在波动率 %.2f 下调整策略", res.Action, c.Volatility),
		Rationale:  res.Rationale,
		Confidence: res.Confidence,
		Impact: decision.Impact{
			TreasuryChange:  decimal.Zero,
			RiskScore:       c.RiskScore,
			ComplianceScore: clamp01(1 - c.RiskScore*0.3),
		},
		Factors: []decision.Factor{
			{Name: "volatility", Weight: 0.6, Impact: fmt.Sprintf("波动率 %.2f", c.Volatility)},
			{Name: "model", Weight: 0.4, Impact: fmt.Sprintf("模型评分 %.3f", res.Score)},
		},
	}
}

// PeerSource 提供同伴智能体的描述。
type PeerSource interface {
	Profiles() []Profile
}

// Supervisor 观察同伴健康状况，仅在发现异常时决策。
type Supervisor struct {
	*core

	stateMu   sync.Mutex
	peers     PeerSource
	anomalies []string
}

const (
	anomalyMinDecisions = 3
	anomalySuccessFloor = 0.5
)

// ProcessData 扫描同伴状态并记录异常智能体。
func (s *Supervisor) ProcessData(_ context.Context, c decision.Context) Snapshot {
	s.stateMu.Lock()
	peers := s.peers
	s.stateMu.Unlock()

	var anomalies []string
	if peers != nil {
		for _, p := range peers.Profiles() {
			if p.ID == s.ID() {
				continue
			}
			if p.Status == StatusSuspended ||
				(p.Stats.DecisionsCount >= anomalyMinDecisions && p.Stats.SuccessRate < anomalySuccessFloor) {
				anomalies = append(anomalies, p.ID)
			}
		}
	}
	sort.Strings(anomalies)

	s.stateMu.Lock()
	s.anomalies = anomalies
	s.stateMu.Unlock()
	return Snapshot{
		AgentID:    s.ID(),
		Kind:       KindSupervisor,
		RiskScore:  c.RiskScore,
		Volatility: c.Volatility,
		Indicators: map[string]float64{"anomalies": float64(len(anomalies))},
		Notes:      append([]string(nil), anomalies...),
		ObservedAt: s.pipeline.now(),
	}
}

// MakeDecision 执行决策步骤；没有异常同伴时不做决策。
func (s *Supervisor) MakeDecision(ctx context.Context, c decision.Context) (*decision.Decision, error) {
	return s.decide(ctx, c, s.draft)
}

func (s *Supervisor) draft(c decision.Context, res *inference.Result) *decision.Draft {
	s.stateMu.Lock()
	anomalies := append([]string(nil), s.anomalies...)
	s.stateMu.Unlock()
	if len(anomalies) == 0 {
		return nil
	}
	return &decision.Draft{
		Action:     fmt.Sprintf("HOLD: 暂缓执行，待复核 %s", strings.Join(anomalies, ",")),
		Rationale:  fmt.Sprintf("发现 %d 个异常智能体; %s", len(anomalies), res.Rationale),
		Confidence: res.Confidence,
		Impact: decision.Impact{
			TreasuryChange:  decimal.Zero,
			RiskScore:       c.RiskScore,
			ComplianceScore: 1,
		},
		Factors: []decision.Factor{
			{Name: "peer_anomalies", Weight: 0.7, Impact: fmt.Sprintf("异常智能体 %d 个", len(anomalies))},
			{Name: "risk", Weight: 0.3, Impact: fmt.Sprintf("风险评分 %.2f", c.RiskScore)},
		},
	}
}

func (s *Supervisor) observe(peers PeerSource) {
	s.stateMu.Lock()
	s.peers = peers
	s.stateMu.Unlock()
}

func clamp01(v float64) float64 { return decision.ClampConfidence(v) }
