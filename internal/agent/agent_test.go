package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"TreasuryMind-Chain/internal/attest"
	"TreasuryMind-Chain/internal/bias"
	"TreasuryMind-Chain/internal/decision"
	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/federated"
	"TreasuryMind-Chain/internal/inference"
)

type stubProvider struct {
	res  inference.Result
	err  error
	wait time.Duration
}

func (s *stubProvider) Infer(ctx context.Context, _ inference.Request) (*inference.Result, error) {
	if s.wait > 0 {
		time.Sleep(s.wait)
	}
	if s.err != nil {
		return nil, s.err
	}
	res := s.res
	return &res, nil
}

type fixedClassifier struct {
	verdict bias.Verdict
}

func (f fixedClassifier) Classify(context.Context, bias.Input) (bias.Verdict, error) {
	return f.verdict, nil
}

type failingAttester struct{ err error }

func (f failingAttester) GenerateProof(context.Context, string, map[string]string, map[string]string) (*attest.Proof, error) {
	return nil, f.err
}

type escalatingPolicy struct {
	recorded *[]string
}

func (escalatingPolicy) Review(_ context.Context, _ string, d decision.Draft, _ decision.Context) decision.Draft {
	d.Action = decision.EscalateMarker + ": " + d.Action
	d.Confidence *= 0.5
	d.Escalated = true
	return d
}

func (e escalatingPolicy) Record(agentID string, _ decision.Draft) {
	if e.recorded != nil {
		*e.recorded = append(*e.recorded, agentID)
	}
}

func newAttestService(t *testing.T) *attest.Service {
	t.Helper()
	backend, err := attest.NewECDSABackend("")
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	registry, err := attest.NewRegistry(backend, attest.DefaultCircuits()...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return attest.NewService(registry, backend)
}

func tickContext(risk, vol float64) decision.Context {
	return decision.Context{TotalValue: decimal.NewFromInt(1_000_000), RiskScore: risk, Volatility: vol}
}

func mustNew(t *testing.T, kind Kind, p *Pipeline) Agent {
	t.Helper()
	a, err := New(Spec{ID: string(kind) + "-1", Kind: kind}, p)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

func TestTraderDecisionIsAttested(t *testing.T) {
	svc := newAttestService(t)
	provider := &stubProvider{res: inference.Result{Action: inference.ActionRebalance, Confidence: 0.9, Score: 0.9, Rationale: "ok"}}
	a := mustNew(t, KindTrader, NewPipeline(provider, svc))

	ctx := tickContext(0.3, 0.2)
	a.ProcessData(context.Background(), ctx)
	d, err := a.MakeDecision(context.Background(), ctx)
	if err != nil {
		t.Fatalf("make decision: %v", err)
	}
	if d == nil || d.Attestation == nil {
		t.Fatalf("expected attested decision, got %+v", d)
	}
	if d.Confidence != 0.9 || !strings.HasPrefix(d.Action, "REBALANCE") {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if !d.Impact.TreasuryChange.Equal(decimal.NewFromInt(45_000)) {
		t.Fatalf("unexpected treasury change %s", d.Impact.TreasuryChange)
	}
	if !svc.VerifyProof(attest.FromAttestation(d.Attestation)) {
		t.Fatalf("attestation should verify")
	}

	p := a.Profile()
	if p.Stats.DecisionsCount != 1 || p.Stats.SuccessRate != 1 || p.Samples != 1 {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if d.SampleHash == "" {
		t.Fatalf("decision should reference its training sample")
	}
}

func TestInferenceTimeoutDegradesConfidence(t *testing.T) {
	provider := &stubProvider{wait: 300 * time.Millisecond, res: inference.Result{Action: inference.ActionRebalance, Confidence: 0.9}}
	p := NewPipeline(provider, newAttestService(t), WithInferenceTimeout(20*time.Millisecond), WithDegradedFactor(0.5))
	a := mustNew(t, KindTrader, p)

	start := time.Now()
	d, err := a.MakeDecision(context.Background(), tickContext(0.3, 0.2))
	if err != nil {
		t.Fatalf("timeout must not fail the step: %v", err)
	}
	if time.Since(start) > 250*time.Millisecond {
		t.Fatalf("inference timeout was not enforced")
	}
	if !d.Degraded || d.Confidence != 0.25 || !strings.HasPrefix(d.Action, "HOLD") {
		t.Fatalf("unexpected degraded decision: %+v", d)
	}
	if a.Profile().Stats.Degraded != 1 {
		t.Fatalf("degraded counter not updated")
	}
}

func TestInferenceErrorAlsoDegrades(t *testing.T) {
	provider := &stubProvider{err: errors.New("model offline")}
	a := mustNew(t, KindTrader, NewPipeline(provider, newAttestService(t)))
	d, err := a.MakeDecision(context.Background(), tickContext(0.3, 0.2))
	if err != nil || !d.Degraded {
		t.Fatalf("expected degraded decision, got %+v, %v", d, err)
	}
}

func TestBiasGateDiscountsConfidence(t *testing.T) {
	provider := &stubProvider{res: inference.Result{Action: inference.ActionRebalance, Confidence: 0.9}}
	gate := bias.NewGate(fixedClassifier{verdict: bias.Verdict{HasBias: true, Category: bias.Herding, Severity: 0.5}}, 0.2, 0.7)
	a := mustNew(t, KindTrader, NewPipeline(provider, newAttestService(t), WithBiasGate(gate)))

	d, err := a.MakeDecision(context.Background(), tickContext(0.3, 0.2))
	if err != nil {
		t.Fatalf("make decision: %v", err)
	}
	if diff := d.Confidence - 0.81; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected 0.81, got %v", d.Confidence)
	}
	if d.BiasCategory != string(bias.Herding) || d.Escalated {
		t.Fatalf("unexpected bias fields: %+v", d)
	}
}

func TestAttestationFailureEmitsNothing(t *testing.T) {
	provider := &stubProvider{res: inference.Result{Action: inference.ActionHold, Confidence: 0.7}}
	attester := failingAttester{err: xerrors.New(xerrors.CodeTimeout, "proof took too long")}
	a := mustNew(t, KindCompliance, NewPipeline(provider, attester))

	d, err := a.MakeDecision(context.Background(), tickContext(0.3, 0.2))
	if err == nil || d != nil {
		t.Fatalf("expected failure without decision, got %+v, %v", d, err)
	}
	if !xerrors.HasCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected timeout code, got %s", xerrors.CodeOf(err))
	}
	p := a.Profile()
	if p.Stats.DecisionsCount != 0 || p.Samples != 0 {
		t.Fatalf("failed step must not update stats: %+v", p)
	}
}

func TestTraderExposureTracksProvenDecisions(t *testing.T) {
	provider := &stubProvider{res: inference.Result{Action: inference.ActionRebalance, Confidence: 0.9}}
	failing := mustNew(t, KindTrader, NewPipeline(provider, failingAttester{err: errors.New("prover down")}))
	if _, err := failing.MakeDecision(context.Background(), tickContext(0.3, 0.2)); err == nil {
		t.Fatalf("expected attestation failure")
	}
	if got := failing.ProcessData(context.Background(), tickContext(0.3, 0.2)).Indicators["exposure"]; got != 0 {
		t.Fatalf("failed decision must not move exposure, got %v", got)
	}

	a := mustNew(t, KindTrader, NewPipeline(provider, newAttestService(t)))
	for i := 0; i < 2; i++ {
		if _, err := a.MakeDecision(context.Background(), tickContext(0.3, 0.2)); err != nil {
			t.Fatalf("make decision: %v", err)
		}
	}
	if got := a.ProcessData(context.Background(), tickContext(0.3, 0.2)).Indicators["exposure"]; got != 90_000 {
		t.Fatalf("expected exposure 90000, got %v", got)
	}
}

func TestPolicyEscalationCountsAsFailure(t *testing.T) {
	provider := &stubProvider{res: inference.Result{Action: inference.ActionRebalance, Confidence: 0.8}}
	a := mustNew(t, KindTrader, NewPipeline(provider, newAttestService(t), WithPolicy(escalatingPolicy{})))

	d, err := a.MakeDecision(context.Background(), tickContext(0.9, 0.2))
	if err != nil {
		t.Fatalf("make decision: %v", err)
	}
	if !d.Escalated || !strings.HasPrefix(d.Action, "ESCALATE: REBALANCE") || d.Confidence != 0.4 {
		t.Fatalf("unexpected escalated decision: %+v", d)
	}
	stats := a.Profile().Stats
	if stats.SuccessRate != 0 || stats.Escalations != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEscalationRecordedOnlyAfterProof(t *testing.T) {
	provider := &stubProvider{res: inference.Result{Action: inference.ActionRebalance, Confidence: 0.8}}
	var recorded []string
	policy := escalatingPolicy{recorded: &recorded}

	failing := mustNew(t, KindTrader, NewPipeline(provider, failingAttester{err: errors.New("prover down")}, WithPolicy(policy)))
	if _, err := failing.MakeDecision(context.Background(), tickContext(0.9, 0.2)); err == nil {
		t.Fatalf("expected attestation failure")
	}
	if len(recorded) != 0 {
		t.Fatalf("unproven escalation must not be recorded: %v", recorded)
	}

	a := mustNew(t, KindTrader, NewPipeline(provider, newAttestService(t), WithPolicy(policy)))
	if _, err := a.MakeDecision(context.Background(), tickContext(0.9, 0.2)); err != nil {
		t.Fatalf("make decision: %v", err)
	}
	if len(recorded) != 1 || recorded[0] != a.ID() {
		t.Fatalf("expected one recorded escalation, got %v", recorded)
	}
}

func TestComplianceHedgesAboveRiskLimit(t *testing.T) {
	provider := &stubProvider{res: inference.Result{Action: inference.ActionHold, Confidence: 0.6}}
	a := mustNew(t, KindCompliance, NewPipeline(provider, newAttestService(t)))

	ctx := tickContext(0.8, 0.3)
	a.ProcessData(context.Background(), ctx)
	d, err := a.MakeDecision(context.Background(), ctx)
	if err != nil {
		t.Fatalf("make decision: %v", err)
	}
	if bias.Verb(d.Action) != "HEDGE" || !d.Impact.TreasuryChange.IsNegative() {
		t.Fatalf("expected hedge, got %+v", d)
	}
	if d.Impact.ComplianceScore != 0 {
		t.Fatalf("breach ratio should drive compliance score, got %v", d.Impact.ComplianceScore)
	}
}

func TestAdvisorSkipsCalmMarkets(t *testing.T) {
	provider := &stubProvider{res: inference.Result{Action: inference.ActionHedge, Confidence: 0.6}}
	a := mustNew(t, KindAdvisor, NewPipeline(provider, newAttestService(t)))

	d, err := a.MakeDecision(context.Background(), tickContext(0.5, 0.1))
	if err != nil || d != nil {
		t.Fatalf("expected no decision, got %+v, %v", d, err)
	}
	d, err = a.MakeDecision(context.Background(), tickContext(0.5, 0.5))
	if err != nil || d == nil || bias.Verb(d.Action) != "HEDGE" {
		t.Fatalf("expected advisory hedge, got %+v, %v", d, err)
	}
}

func TestSupervisorDecidesOnPeerAnomaly(t *testing.T) {
	provider := &stubProvider{res: inference.Result{Action: inference.ActionHold, Confidence: 0.7}}
	p := NewPipeline(provider, newAttestService(t))
	registry := NewRegistry()
	trader := mustNew(t, KindTrader, p)
	sup := mustNew(t, KindSupervisor, p)
	if err := registry.Register(trader, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(sup, true); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := tickContext(0.4, 0.3)
	sup.ProcessData(context.Background(), ctx)
	if d, err := sup.MakeDecision(context.Background(), ctx); err != nil || d != nil {
		t.Fatalf("expected no decision without anomalies, got %+v, %v", d, err)
	}

	if err := registry.Suspend(trader.ID(), "test"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	snap := sup.ProcessData(context.Background(), ctx)
	if len(snap.Notes) != 1 || snap.Notes[0] != trader.ID() {
		t.Fatalf("expected anomaly for %s, got %v", trader.ID(), snap.Notes)
	}
	d, err := sup.MakeDecision(context.Background(), ctx)
	if err != nil || d == nil || !strings.Contains(d.Action, trader.ID()) {
		t.Fatalf("expected supervisor decision, got %+v, %v", d, err)
	}
}

func TestExplainDecisionUsesTopThreeFactors(t *testing.T) {
	a := mustNew(t, KindTrader, NewPipeline(nil, nil))
	d := &decision.Decision{Factors: []decision.Factor{
		{Name: "low", Weight: 0.1, Impact: "a"},
		{Name: "top", Weight: 0.5, Impact: "b"},
		{Name: "mid", Weight: 0.3, Impact: "c"},
		{Name: "second", Weight: 0.4, Impact: "d"},
	}}
	got := a.ExplainDecision(d)
	want := "top(0.50): b; second(0.40): d; mid(0.30): c"
	if got != want {
		t.Fatalf("ExplainDecision = %q, want %q", got, want)
	}
	if a.ExplainDecision(nil) != "" {
		t.Fatalf("nil decision should explain to empty string")
	}
}

func TestStatsOnlineAveraging(t *testing.T) {
	var s Stats
	now := time.Now()
	s.record(1, 10*time.Millisecond, now)
	s.record(0, 30*time.Millisecond, now)
	s.record(1, 20*time.Millisecond, now)
	if s.DecisionsCount != 3 {
		t.Fatalf("unexpected count %d", s.DecisionsCount)
	}
	if diff := s.SuccessRate - 2.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected success rate %v", s.SuccessRate)
	}
	if diff := s.AvgResponseTime - 20; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected avg response %v", s.AvgResponseTime)
	}
}

func TestAgentParticipatesInFederation(t *testing.T) {
	provider := &stubProvider{res: inference.Result{Action: inference.ActionRebalance, Confidence: 0.9}}
	a := mustNew(t, KindTrader, NewPipeline(provider, newAttestService(t), WithLearningRate(0.5)))
	if _, err := a.MakeDecision(context.Background(), tickContext(0.3, 0.2)); err != nil {
		t.Fatalf("make decision: %v", err)
	}

	participant, ok := a.(federated.Participant)
	if !ok {
		t.Fatalf("agents must be federated participants")
	}
	update, err := participant.LocalUpdate(context.Background())
	if err != nil {
		t.Fatalf("local update: %v", err)
	}
	weights := update[federated.RoleTrader][federated.TensorWeights]
	if len(weights.Values) != inference.FeatureDim {
		t.Fatalf("unexpected weight shape %v", weights.Shape)
	}
	if weights.Values[0] == 0 {
		t.Fatalf("primary slot should have been trained")
	}

	global := federated.NewSlot(federated.RoleTrader, inference.FeatureDim)
	participant.ApplyGlobal(federated.RoleTrader, global)
	update, _ = participant.LocalUpdate(context.Background())
	if update[federated.RoleTrader][federated.TensorWeights].Values[0] == 0 {
		t.Fatalf("local training should resume from the global weights")
	}
}

func TestNewValidatesSpec(t *testing.T) {
	if _, err := New(Spec{Kind: KindTrader}, NewPipeline(nil, nil)); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if _, err := New(Spec{ID: "x", Kind: "oracle"}, NewPipeline(nil, nil)); !xerrors.HasCode(err, xerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := New(Spec{ID: "x", Kind: KindTrader}, nil); err == nil {
		t.Fatalf("expected error for nil pipeline")
	}
}
