package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"TreasuryMind-Chain/internal/decision"
	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/federated"
)

// Kind 是智能体类型标签。
type Kind string

// 支持的智能体类型。
const (
	KindTrader     Kind = "trader"
	KindCompliance Kind = "compliance"
	KindSupervisor Kind = "supervisor"
	KindAdvisor    Kind = "advisor"
)

// ParseKind 解析类型标签，大小写不敏感。
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindTrader, KindCompliance, KindSupervisor, KindAdvisor:
		return k, nil
	default:
		return "", xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知智能体类型 %q", raw))
	}
}

// role 返回该类型训练的模型角色。
func (k Kind) role() federated.Role {
	switch k {
	case KindCompliance:
		return federated.RoleCompliance
	case KindSupervisor:
		return federated.RoleBias
	case KindAdvisor:
		return federated.RoleRisk
	default:
		return federated.RoleTrader
	}
}

// Status 是智能体生命周期状态。
type Status string

// 生命周期状态。
const (
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Stats 是在线平均得到的表现统计。
type Stats struct {
	SuccessRate float64 `json:"success_rate"`
	// AvgResponseTime 单位为毫秒。
	AvgResponseTime float64   `json:"avg_response_time_ms"`
	DecisionsCount  int       `json:"decisions_count"`
	Escalations     int       `json:"escalations"`
	Degraded        int       `json:"degraded"`
	LastActive      time.Time `json:"last_active"`
}

// record 以在线平均累计一次决策结果。
func (s *Stats) record(outcome float64, elapsed time.Duration, at time.Time) {
	n := float64(s.DecisionsCount + 1)
	s.SuccessRate = (s.SuccessRate*(n-1) + outcome) / n
	ms := float64(elapsed) / float64(time.Millisecond)
	s.AvgResponseTime = (s.AvgResponseTime*(n-1) + ms) / n
	s.DecisionsCount++
	s.LastActive = at
}

// Profile 是智能体的对外描述。
type Profile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Kind         Kind     `json:"kind"`
	Status       Status   `json:"status"`
	Capabilities []string `json:"capabilities"`
	Stats        Stats    `json:"stats"`
	Samples      int      `json:"samples"`
}

// Snapshot 是 ProcessData 产出的分析快照。
type Snapshot struct {
	AgentID    string             `json:"agent_id"`
	Kind       Kind               `json:"kind"`
	RiskScore  float64            `json:"risk_score"`
	Volatility float64            `json:"volatility"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Notes      []string           `json:"notes,omitempty"`
	ObservedAt time.Time          `json:"observed_at"`
}

// Agent 是所有智能体实现的能力接口。
type Agent interface {
	ID() string
	Kind() Kind
	Profile() Profile
	ProcessData(ctx context.Context, c decision.Context) Snapshot
	// MakeDecision 返回 nil, nil 表示本节拍不做决策。
	MakeDecision(ctx context.Context, c decision.Context) (*decision.Decision, error)
	ExplainDecision(d *decision.Decision) string
}

// StatsResetter 由可重置统计的智能体实现。
type StatsResetter interface {
	ResetStats()
}

// SampleStore 由持有本地训练集的智能体实现。
type SampleStore interface {
	RemoveSamples(hashes []string) []string
	SampleCount() int
}

// Spec 描述创建智能体所需的静态信息。
type Spec struct {
	ID           string
	Name         string
	Kind         Kind
	Capabilities []string
}

// New 按类型标签创建智能体。
func New(spec Spec, pipeline *Pipeline) (Agent, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	if pipeline == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置决策流水线")
	}
	kind, err := ParseKind(string(spec.Kind))
	if err != nil {
		return nil, err
	}
	spec.Kind = kind
	if spec.Name == "" {
		spec.Name = spec.ID
	}

	base := newCore(spec, pipeline)
	switch kind {
	case KindTrader:
		return &Trader{core: base}, nil
	case KindCompliance:
		return &Compliance{core: base}, nil
	case KindSupervisor:
		return &Supervisor{core: base}, nil
	default:
		return &Advisor{core: base}, nil
	}
}
