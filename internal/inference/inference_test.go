package inference

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"TreasuryMind-Chain/internal/decision"
)

func TestEncodeHasFixedDimension(t *testing.T) {
	features := Encode(decision.Context{TotalValue: decimal.NewFromInt(1_000_000), RiskScore: 0.4, Volatility: 0.3})
	if len(features) != FeatureDim {
		t.Fatalf("expected %d features, got %d", FeatureDim, len(features))
	}
	if features[0] != 0.4 || features[1] != 0.3 {
		t.Fatalf("unexpected leading features: %v", features)
	}
	if features[7] <= 0 || features[7] > 1 {
		t.Fatalf("value scale out of range: %v", features[7])
	}
}

func TestHeuristicIsDeterministic(t *testing.T) {
	p := NewHeuristic()
	req := Request{
		Context: decision.Context{TotalValue: decimal.NewFromInt(10), RiskScore: 0.2, Volatility: 0.1},
		Weights: []float64{1, 1, 0, 0, 0, 0, 0, 0},
		Bias:    2,
	}
	first, err := p.Infer(context.Background(), req)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	second, _ := p.Infer(context.Background(), req)
	if *first != *second {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
	if first.Action != ActionRebalance {
		t.Fatalf("high score should rebalance, got %s (%.3f)", first.Action, first.Score)
	}
	if first.Confidence < 0.5 || first.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", first.Confidence)
	}
}

func TestHeuristicActionsFollowScore(t *testing.T) {
	p := NewHeuristic()
	low, _ := p.Infer(context.Background(), Request{Features: []float64{1}, Weights: []float64{-3}})
	if low.Action != ActionHedge {
		t.Fatalf("expected hedge, got %s", low.Action)
	}
	mid, _ := p.Infer(context.Background(), Request{Features: []float64{1}, Weights: []float64{0}})
	if mid.Action != ActionHold || mid.Score != 0.5 {
		t.Fatalf("expected hold at 0.5, got %+v", mid)
	}
}

func TestHeuristicRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHeuristic().Infer(ctx, Request{}); err == nil {
		t.Fatalf("expected context error")
	}
}
