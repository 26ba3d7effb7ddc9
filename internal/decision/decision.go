// Package decision 定义决策、决策上下文以及只追加的决策日志。
package decision

import (
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// EscalateMarker 是未通过安全策略的决策动作前缀。
const EscalateMarker = "ESCALATE"

// Context 是每个调度节拍传入的外部行情上下文。
type Context struct {
	TotalValue decimal.Decimal `json:"total_value"`
	RiskScore  float64         `json:"risk_score"`
	Volatility float64         `json:"volatility"`
}

// Impact 描述决策对国库的预期影响。
type Impact struct {
	TreasuryChange  decimal.Decimal `json:"treasury_change"`
	RiskScore       float64         `json:"risk_score"`
	ComplianceScore float64         `json:"compliance_score"`
	GasUsed         *uint64         `json:"gas_used,omitempty"`
}

// Factor 是解释决策时使用的加权因素。
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Impact string  `json:"impact"`
}

// Attestation 是附着在决策上的证明引用。
type Attestation struct {
	Key           string        `json:"key"`
	Circuit       string        `json:"circuit"`
	Blob          hexutil.Bytes `json:"blob"`
	PublicSignals []string      `json:"public_signals"`
	Timestamp     time.Time     `json:"timestamp"`
	GasEstimate   uint64        `json:"gas_estimate,omitempty"`
}

// Decision 是一次完成的决策步骤产出。附加证明后不可再修改。
type Decision struct {
	ID           string       `json:"id"`
	AgentID      string       `json:"agent_id"`
	AgentKind    string       `json:"agent_kind"`
	Timestamp    time.Time    `json:"timestamp"`
	Action       string       `json:"action"`
	Rationale    string       `json:"rationale"`
	Confidence   float64      `json:"confidence"`
	Attestation  *Attestation `json:"attestation"`
	Impact       Impact       `json:"impact"`
	Factors      []Factor     `json:"factors,omitempty"`
	Degraded     bool         `json:"degraded"`
	Escalated    bool         `json:"escalated"`
	BiasCategory string       `json:"bias_category,omitempty"`
	BiasSeverity float64      `json:"bias_severity,omitempty"`
	SampleHash   string       `json:"sample_hash,omitempty"`
}

// Draft 是证明前仍可被闸门修改的决策草稿。
type Draft struct {
	Action       string
	Rationale    string
	Confidence   float64
	Impact       Impact
	Factors      []Factor
	Degraded     bool
	Escalated    bool
	BiasCategory string
	BiasSeverity float64
	SampleHash   string
}

// ClampConfidence 将置信度限制在 [0, 1]。
func ClampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
