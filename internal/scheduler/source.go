package scheduler

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"TreasuryMind-Chain/internal/decision"
)

// ContextSource 为每个节拍提供外部行情上下文。
type ContextSource interface {
	Current(ctx context.Context) (decision.Context, error)
}

// StaticSource 返回固定上下文，可在运行时通过 Set 更新。
type StaticSource struct {
	mu  sync.RWMutex
	cur decision.Context
}

// NewStaticSource 创建静态上下文源。
func NewStaticSource(total decimal.Decimal, riskScore, volatility float64) *StaticSource {
	return &StaticSource{cur: decision.Context{TotalValue: total, RiskScore: riskScore, Volatility: volatility}}
}

// Current 实现 ContextSource。
func (s *StaticSource) Current(context.Context) (decision.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur, nil
}

// Set 替换当前上下文。
func (s *StaticSource) Set(c decision.Context) {
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
}

var _ ContextSource = (*StaticSource)(nil)
