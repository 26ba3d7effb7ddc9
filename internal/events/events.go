// Package events 实现进程内事件总线，替代回调式的事件派发。
//
// 每个订阅者拥有独立的 FIFO 队列与投递协程：同一发布者发出的事件按发布
// 顺序到达每个订阅者；订阅者返回错误时会按退避重试，保证至少一次投递。
package events

import (
	"context"
	"time"

	"TreasuryMind-Chain/internal/decision"
)

// Kind 表示事件类型。
type Kind string

// 对外发布的事件类型。
const (
	KindDecisionMade              Kind = "decisionMade"
	KindBiasDetected              Kind = "biasDetected"
	KindFederatedLearningComplete Kind = "federatedLearningComplete"
	KindDataUnlearned             Kind = "dataUnlearned"
	KindProofGenerated            Kind = "proofGenerated"
	KindProofVerified             Kind = "proofVerified"
)

// Event 是总线上传递的消息。Seq 由总线按发布顺序分配。
type Event struct {
	Seq        uint64    `json:"seq"`
	Kind       Kind      `json:"kind"`
	Source     string    `json:"source"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DecisionMade 是 decisionMade 事件的负载。
type DecisionMade struct {
	Entry decision.Entry `json:"entry"`
}

// BiasDetected 是 biasDetected 事件的负载。
type BiasDetected struct {
	AgentID  string  `json:"agent_id"`
	Type     string  `json:"type"`
	Severity float64 `json:"severity"`
}

// FederatedLearningComplete 是 federatedLearningComplete 事件的负载。
type FederatedLearningComplete struct {
	Round        int     `json:"round"`
	Participants int     `json:"participants"`
	Accuracy     float64 `json:"accuracy"`
}

// DataUnlearned 是 dataUnlearned 事件的负载。
type DataUnlearned struct {
	RequestID    string `json:"request_id"`
	AgentID      string `json:"agent_id"`
	RemovedCount int    `json:"removed_count"`
}

// ProofTiming 是 proofGenerated / proofVerified 事件的负载。
type ProofTiming struct {
	CircuitName string        `json:"circuit_name"`
	Timing      time.Duration `json:"timing"`
	Valid       *bool         `json:"valid,omitempty"`
}

// Publisher 由需要发布事件的组件依赖。
type Publisher interface {
	Publish(kind Kind, source string, payload any)
}

// Subscriber 处理总线投递的事件。
type Subscriber interface {
	Handle(ctx context.Context, event Event) error
}

// SubscriberFunc 将函数适配为 Subscriber。
type SubscriberFunc func(ctx context.Context, event Event) error

// Handle 实现 Subscriber。
func (f SubscriberFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Nop 是丢弃所有事件的 Publisher。
type Nop struct{}

// Publish 实现 Publisher。
func (Nop) Publish(Kind, string, any) {}

// OrNop 在 p 为空时返回 Nop。
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}
