package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"TreasuryMind-Chain/internal/agent"
	"TreasuryMind-Chain/internal/bias"
	"TreasuryMind-Chain/internal/decision"
	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/events"
	"TreasuryMind-Chain/internal/observability/metrics"
	"TreasuryMind-Chain/pkg/logger"
)

// Weights 是综合评分各项的权重。
type Weights struct {
	Performance float64
	Security    float64
	Bias        float64
	Compliance  float64
}

func (w Weights) sum() float64 { return w.Performance + w.Security + w.Bias + w.Compliance }

// AuditConfig 控制审计周期。
type AuditConfig struct {
	Window                int
	Threshold             float64
	SuspendAfter          int
	BiasSeverityThreshold float64
	Weights               Weights
}

// Fleet 是审计所需的智能体视图。
type Fleet interface {
	Profiles() []agent.Profile
	Suspend(id, reason string) error
}

// DecisionSource 提供最近的决策记录。
type DecisionSource interface {
	Recent(n int) []decision.Entry
}

// Unlearner 接收数据遗忘请求。
type Unlearner interface {
	RequestUnlearning(ctx context.Context, agentID string, hashes []string, reason string) (string, error)
}

// Remediator 提供整改建议文本。
type Remediator interface {
	Remediation(topic, detail string) string
}

// Score 是单个智能体在一个审计周期的评分。
type Score struct {
	AgentID          string  `json:"agent_id"`
	Performance      float64 `json:"performance"`
	Security         float64 `json:"security"`
	Bias             float64 `json:"bias"`
	Compliance       float64 `json:"compliance"`
	Composite        float64 `json:"composite"`
	Flagged          bool    `json:"flagged"`
	ConsecutiveFlags int     `json:"consecutive_flags"`
	Remediation      string  `json:"remediation,omitempty"`
}

// Cycle 汇总一次审计周期的结果。
type Cycle struct {
	Number    int           `json:"number"`
	Scores    []Score       `json:"scores"`
	Reports   []bias.Report `json:"reports"`
	Requests  []string      `json:"requests,omitempty"`
	Suspended []string      `json:"suspended,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Auditor 周期性审计智能体与系统偏差。
type Auditor struct {
	cfg       AuditConfig
	fleet     Fleet
	source    DecisionSource
	unlearner Unlearner
	playbook  Remediator
	publisher events.Publisher
	now       func() time.Time
	log       *slog.Logger

	mu        sync.RWMutex
	flags     map[string]int
	requested map[string]map[string]struct{}
	cycles    int
	latest    Cycle
	reports   []bias.Report
}

// AuditOption 定制审计器。
type AuditOption func(*Auditor)

// WithPublisher 设置事件发布者。
func WithPublisher(p events.Publisher) AuditOption {
	return func(a *Auditor) { a.publisher = events.OrNop(p) }
}

// WithUnlearner 设置数据遗忘服务。
func WithUnlearner(u Unlearner) AuditOption {
	return func(a *Auditor) { a.unlearner = u }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) AuditOption {
	return func(a *Auditor) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuditor 创建审计器。
func NewAuditor(cfg AuditConfig, fleet Fleet, source DecisionSource, playbook Remediator, opts ...AuditOption) (*Auditor, error) {
	if fleet == nil || source == nil || playbook == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审计器缺少依赖")
	}
	if cfg.Weights.sum() <= 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "综合评分权重之和必须大于 0")
	}
	if cfg.Window <= 0 {
		cfg.Window = 50
	}
	if cfg.SuspendAfter <= 0 {
		cfg.SuspendAfter = 3
	}
	a := &Auditor{
		cfg:       cfg,
		fleet:     fleet,
		source:    source,
		playbook:  playbook,
		publisher: events.Nop{},
		now:       time.Now,
		log:       logger.Named("supervisor"),
		flags:     make(map[string]int),
		requested: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// RunCycle 执行一次审计。
func (a *Auditor) RunCycle(ctx context.Context) (Cycle, error) {
	if err := ctx.Err(); err != nil {
		return Cycle{}, err
	}
	now := a.now()
	entries := a.source.Recent(a.cfg.Window)
	assessments := bias.Scan(entries)

	biasByAgent := make(map[string]float64)
	for _, as := range assessments {
		for id, sev := range as.PerAgent {
			if sev > biasByAgent[id] {
				biasByAgent[id] = sev
			}
		}
	}
	compliance := complianceByAgent(entries)

	cycle := Cycle{Timestamp: now}
	for _, p := range a.fleet.Profiles() {
		if p.Status == agent.StatusSuspended || p.Stats.DecisionsCount == 0 {
			continue
		}
		score := a.score(p, biasByAgent[p.ID], compliance)
		a.mu.Lock()
		if score.Composite < a.cfg.Threshold {
			a.flags[p.ID]++
		} else {
			a.flags[p.ID] = 0
		}
		score.ConsecutiveFlags = a.flags[p.ID]
		a.mu.Unlock()

		if score.Composite < a.cfg.Threshold {
			score.Flagged = true
			topic, detail := weakest(score, p.Stats)
			score.Remediation = a.playbook.Remediation(topic, detail)
			metrics.SupervisorFlags.WithLabelValues(p.ID).Inc()
			logger.AgentAudit(p.ID).Warn("智能体审计未通过",
				slog.Float64("composite", score.Composite),
				slog.Int("consecutive", score.ConsecutiveFlags),
				slog.String("remediation", score.Remediation))
			if score.ConsecutiveFlags >= a.cfg.SuspendAfter {
				if err := a.fleet.Suspend(p.ID, "audit"); err != nil {
					a.log.Error("暂停智能体失败", slog.String("agent_id", p.ID), slog.Any("error", err))
				} else {
					cycle.Suspended = append(cycle.Suspended, p.ID)
				}
			}
		}
		cycle.Scores = append(cycle.Scores, score)
	}

	for _, as := range assessments {
		metrics.BiasSeverity.WithLabelValues(string(as.Category)).Set(as.Severity)
		if as.Severity <= a.cfg.BiasSeverityThreshold {
			continue
		}
		report, requests := a.handleBias(ctx, as, now)
		cycle.Reports = append(cycle.Reports, report)
		cycle.Requests = append(cycle.Requests, requests...)
	}

	a.mu.Lock()
	a.pruneRequested(entries)
	a.cycles++
	cycle.Number = a.cycles
	a.latest = cycle
	a.reports = append(a.reports, cycle.Reports...)
	a.mu.Unlock()

	a.log.Info("审计周期完成",
		slog.Int("cycle", cycle.Number),
		slog.Int("scored", len(cycle.Scores)),
		slog.Int("bias_reports", len(cycle.Reports)),
		slog.Int("unlearning_requests", len(cycle.Requests)))
	return cycle, nil
}

func (a *Auditor) score(p agent.Profile, biasScore float64, compliance map[string]float64) Score {
	responseScore := 1 / (1 + p.Stats.AvgResponseTime/1000)
	security := 1.0
	if p.Stats.DecisionsCount > 0 {
		security = 1 - float64(p.Stats.Escalations)/float64(p.Stats.DecisionsCount)
	}
	comp, ok := compliance[p.ID]
	if !ok {
		comp = 1
	}
	s := Score{
		AgentID:     p.ID,
		Performance: p.Stats.SuccessRate*0.7 + responseScore*0.3,
		Security:    decision.ClampConfidence(security),
		Bias:        biasScore,
		Compliance:  comp,
	}
	w := a.cfg.Weights
	s.Composite = (w.Performance*s.Performance + w.Security*s.Security +
		w.Bias*(1-s.Bias) + w.Compliance*s.Compliance) / w.sum()
	return s
}

func (a *Auditor) handleBias(ctx context.Context, as bias.Assessment, now time.Time) (bias.Report, []string) {
	affected := as.Affected(a.cfg.BiasSeverityThreshold)
	report := bias.Report{
		Category:       as.Category,
		Severity:       as.Severity,
		AffectedCount:  len(affected),
		AffectedAgents: affected,
		Mitigation:     a.playbook.Remediation(string(as.Category), ""),
		Timestamp:      now,
	}

	var requests []string
	for _, id := range affected {
		a.publisher.Publish(events.KindBiasDetected, "supervisor", events.BiasDetected{
			AgentID:  id,
			Type:     string(as.Category),
			Severity: as.PerAgent[id],
		})
		if a.unlearner == nil {
			continue
		}
		hashes := a.unrequested(id, as.Samples[id])
		if len(hashes) == 0 {
			continue
		}
		reqID, err := a.unlearner.RequestUnlearning(ctx, id, hashes, fmt.Sprintf("bias:%s", as.Category))
		if err != nil {
			a.log.Error("提交数据遗忘请求失败",
				slog.String("agent_id", id),
				slog.String("category", string(as.Category)),
				slog.Any("error", err))
			continue
		}
		a.markRequested(id, hashes)
		requests = append(requests, reqID)
	}
	logger.Audit().Warn("检测到系统偏差",
		slog.String("category", string(as.Category)),
		slog.Float64("severity", as.Severity),
		slog.Any("agents", affected))
	return report, requests
}

// unrequested 过滤掉已提交过遗忘请求的样本。
func (a *Auditor) unrequested(agentID string, hashes []string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	done := a.requested[agentID]
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := done[h]; !ok {
			out = append(out, h)
		}
	}
	return out
}

func (a *Auditor) markRequested(agentID string, hashes []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	done := a.requested[agentID]
	if done == nil {
		done = make(map[string]struct{}, len(hashes))
		a.requested[agentID] = done
	}
	for _, h := range hashes {
		done[h] = struct{}{}
	}
}

// pruneRequested 只保留仍在审计窗口内的样本记录，调用方持有 a.mu。
func (a *Auditor) pruneRequested(entries []decision.Entry) {
	live := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Decision.SampleHash != "" {
			live[e.Decision.AgentID+"\x00"+e.Decision.SampleHash] = struct{}{}
		}
	}
	for id, done := range a.requested {
		for h := range done {
			if _, ok := live[id+"\x00"+h]; !ok {
				delete(done, h)
			}
		}
		if len(done) == 0 {
			delete(a.requested, id)
		}
	}
}

// weakest 返回得分最低的维度作为整改主题。
func weakest(s Score, stats agent.Stats) (string, string) {
	dims := []struct {
		topic string
		value float64
	}{
		{"performance", s.Performance},
		{"security", s.Security},
		{"bias", 1 - s.Bias},
		{"compliance", s.Compliance},
	}
	sort.SliceStable(dims, func(i, j int) bool { return dims[i].value < dims[j].value })
	detail := ""
	if dims[0].topic == "performance" && stats.Degraded > 0 {
		detail = "degraded"
	}
	return dims[0].topic, detail
}

func complianceByAgent(entries []decision.Entry) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, e := range entries {
		sums[e.Decision.AgentID] += e.Decision.Impact.ComplianceScore
		counts[e.Decision.AgentID]++
	}
	out := make(map[string]float64, len(sums))
	for id, sum := range sums {
		out[id] = sum / float64(counts[id])
	}
	return out
}

// ResetFlags 清零智能体的连续标记次数。
func (a *Auditor) ResetFlags(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.flags, agentID)
}

// Reports 返回历史偏差报告。
func (a *Auditor) Reports() []bias.Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]bias.Report(nil), a.reports...)
}

// Latest 返回最近一次审计结果。
func (a *Auditor) Latest() Cycle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// Run 按周期执行审计直到 ctx 结束。
func (a *Auditor) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		return xerrors.New(xerrors.CodeConfiguration, "审计周期必须大于 0")
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.RunCycle(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("审计周期失败", slog.Any("error", err))
			}
		}
	}
}
