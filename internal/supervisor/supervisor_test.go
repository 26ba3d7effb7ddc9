package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TreasuryMind-Chain/internal/agent"
	"TreasuryMind-Chain/internal/bias"
	"TreasuryMind-Chain/internal/decision"
	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/events"
	"TreasuryMind-Chain/internal/knowledge"
)

type fakeFleet struct {
	mu        sync.Mutex
	profiles  []agent.Profile
	suspended []string
}

func (f *fakeFleet) Profiles() []agent.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Profile(nil), f.profiles...)
}

func (f *fakeFleet) Suspend(id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = append(f.suspended, id)
	for i := range f.profiles {
		if f.profiles[i].ID == id {
			f.profiles[i].Status = agent.StatusSuspended
		}
	}
	return nil
}

type staticSource []decision.Entry

func (s staticSource) Recent(n int) []decision.Entry {
	if n <= 0 || n > len(s) {
		n = len(s)
	}
	return s[len(s)-n:]
}

type unlearnCall struct {
	agentID string
	hashes  []string
	reason  string
}

type fakeUnlearner struct {
	calls []unlearnCall
}

func (f *fakeUnlearner) RequestUnlearning(_ context.Context, agentID string, hashes []string, reason string) (string, error) {
	f.calls = append(f.calls, unlearnCall{agentID: agentID, hashes: hashes, reason: reason})
	return fmt.Sprintf("req-%d", len(f.calls)), nil
}

type biasEvents struct {
	mu     sync.Mutex
	events []events.BiasDetected
}

func (b *biasEvents) Publish(kind events.Kind, _ string, payload any) {
	if kind != events.KindBiasDetected {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, payload.(events.BiasDetected))
}

type fakeSuspender struct{ ids []string }

func (f *fakeSuspender) Suspend(id, _ string) error {
	f.ids = append(f.ids, id)
	return nil
}

func policyConfig() PolicyConfig {
	return PolicyConfig{MinConfidence: 0.2, MaxRiskScore: 0.85, MaxExposureRatio: 0.25, EscalationDiscount: 0.5, MaxEscalations: 2}
}

func ctxWith(risk float64) decision.Context {
	return decision.Context{TotalValue: decimal.NewFromInt(1000), RiskScore: risk, Volatility: 0.3}
}

func TestPolicyEscalatesRiskyAction(t *testing.T) {
	p := NewPolicy(policyConfig(), nil)
	out := p.Review(context.Background(), "t1", decision.Draft{Action: "REBALANCE: buy", Confidence: 0.8}, ctxWith(0.9))
	assert.True(t, out.Escalated)
	assert.Equal(t, "ESCALATE: REBALANCE: buy", out.Action)
	assert.InDelta(t, 0.4, out.Confidence, 1e-12)
	assert.Equal(t, "REBALANCE", bias.Verb(out.Action))

	hold := p.Review(context.Background(), "t1", decision.Draft{Action: "HOLD: wait", Confidence: 0.8}, ctxWith(0.9))
	assert.False(t, hold.Escalated)
	assert.Equal(t, "HOLD: wait", hold.Action)
}

func TestPolicyChecksConfidenceAndExposure(t *testing.T) {
	p := NewPolicy(policyConfig(), nil)
	low := p.Review(context.Background(), "t1", decision.Draft{Action: "HOLD", Confidence: 0.1}, ctxWith(0.1))
	assert.True(t, low.Escalated)

	big := decision.Draft{Action: "REBALANCE", Confidence: 0.9, Impact: decision.Impact{TreasuryChange: decimal.NewFromInt(-300)}}
	out := p.Review(context.Background(), "t2", big, ctxWith(0.1))
	assert.True(t, out.Escalated)
	assert.Contains(t, out.Rationale, "敞口上限")

	within := decision.Draft{Action: "REBALANCE", Confidence: 0.9, Impact: decision.Impact{TreasuryChange: decimal.NewFromInt(250)}}
	assert.False(t, p.Review(context.Background(), "t3", within, ctxWith(0.1)).Escalated)
}

func TestPolicyMarksBiasEscalationWithoutExtraDiscount(t *testing.T) {
	p := NewPolicy(policyConfig(), nil)
	out := p.Review(context.Background(), "t1", decision.Draft{Action: "HOLD", Confidence: 0.6, Escalated: true}, ctxWith(0.1))
	assert.True(t, strings.HasPrefix(out.Action, decision.EscalateMarker))
	assert.Equal(t, 0.6, out.Confidence)
	assert.Zero(t, p.Escalations("t1"), "review alone does not count")
	p.Record("t1", out)
	assert.Equal(t, 1, p.Escalations("t1"))
	p.Record("t1", decision.Draft{Action: "HOLD"})
	assert.Equal(t, 1, p.Escalations("t1"))
}

func TestPolicySuspendsRepeatOffenders(t *testing.T) {
	s := &fakeSuspender{}
	p := NewPolicy(policyConfig(), s)
	risky := decision.Draft{Action: "REBALANCE", Confidence: 0.8}

	for i := 0; i < 3; i++ {
		p.Review(context.Background(), "t1", risky, ctxWith(0.9))
	}
	assert.Empty(t, s.ids)
	p.Record("t1", p.Review(context.Background(), "t1", risky, ctxWith(0.9)))
	assert.Empty(t, s.ids)
	p.Record("t1", p.Review(context.Background(), "t1", risky, ctxWith(0.9)))
	assert.Equal(t, []string{"t1"}, s.ids)

	p.Reset("t1")
	assert.Zero(t, p.Escalations("t1"))
}

func lossAverseEntries(agentID string, n int) []decision.Entry {
	out := make([]decision.Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, decision.Entry{Seq: uint64(i + 1), Decision: decision.Decision{
			AgentID:    agentID,
			Action:     "HOLD: wait",
			Confidence: 0.5,
			Impact:     decision.Impact{RiskScore: 0.1, ComplianceScore: 0.2},
			SampleHash: fmt.Sprintf("%s-%d", agentID, i),
		}})
	}
	return out
}

func newAuditFixture(t *testing.T) (*Auditor, *fakeFleet, *fakeUnlearner, *biasEvents) {
	t.Helper()
	fleet := &fakeFleet{profiles: []agent.Profile{
		{ID: "good", Status: agent.StatusActive, Stats: agent.Stats{SuccessRate: 1, DecisionsCount: 10}},
		{ID: "bad", Status: agent.StatusActive, Stats: agent.Stats{SuccessRate: 0, DecisionsCount: 6, Escalations: 6}},
		{ID: "new", Status: agent.StatusIdle},
	}}
	unlearner := &fakeUnlearner{}
	pub := &biasEvents{}
	auditor, err := NewAuditor(AuditConfig{
		Window:                50,
		Threshold:             0.55,
		SuspendAfter:          2,
		BiasSeverityThreshold: 0.6,
		Weights:               Weights{Performance: 0.3, Security: 0.3, Bias: 0.2, Compliance: 0.2},
	}, fleet, staticSource(lossAverseEntries("bad", 6)), knowledge.NewPlaybook(nil, 0),
		WithUnlearner(unlearner), WithPublisher(pub), WithClock(func() time.Time { return time.Unix(1000, 0) }))
	require.NoError(t, err)
	return auditor, fleet, unlearner, pub
}

func TestAuditFlagsAndSuspendsFailingAgent(t *testing.T) {
	auditor, fleet, _, _ := newAuditFixture(t)

	cycle, err := auditor.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, cycle.Scores, 2)

	good, bad := cycle.Scores[0], cycle.Scores[1]
	assert.Equal(t, "good", good.AgentID)
	assert.InDelta(t, 1.0, good.Composite, 1e-9)
	assert.False(t, good.Flagged)

	assert.Equal(t, "bad", bad.AgentID)
	assert.InDelta(t, 0.13, bad.Composite, 1e-9)
	assert.True(t, bad.Flagged)
	assert.Equal(t, 1, bad.ConsecutiveFlags)
	assert.NotEmpty(t, bad.Remediation)
	assert.Empty(t, cycle.Suspended)

	cycle, err = auditor.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cycle.Number)
	assert.Equal(t, []string{"bad"}, cycle.Suspended)
	assert.Equal(t, []string{"bad"}, fleet.suspended)

	cycle, err = auditor.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, cycle.Scores, 1, "suspended agents are no longer scored")
}

func TestAuditBiasScanRequestsUnlearning(t *testing.T) {
	auditor, _, unlearner, pub := newAuditFixture(t)

	cycle, err := auditor.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, cycle.Reports, 1)
	report := cycle.Reports[0]
	assert.Equal(t, bias.LossAversion, report.Category)
	assert.Equal(t, 1.0, report.Severity)
	assert.Equal(t, 1, report.AffectedCount)
	assert.Equal(t, []string{"bad"}, report.AffectedAgents)
	assert.NotEmpty(t, report.Mitigation)

	require.Len(t, unlearner.calls, 1)
	assert.Equal(t, "bad", unlearner.calls[0].agentID)
	assert.Len(t, unlearner.calls[0].hashes, 6)
	assert.Equal(t, "bias:loss_aversion", unlearner.calls[0].reason)
	assert.Equal(t, []string{"req-1"}, cycle.Requests)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.BiasDetected{AgentID: "bad", Type: "loss_aversion", Severity: 1}, pub.events[0])
	assert.Len(t, auditor.Reports(), 1)
	assert.Equal(t, cycle.Number, auditor.Latest().Number)
}

func TestAuditRequestsUnlearningOncePerSample(t *testing.T) {
	auditor, _, unlearner, pub := newAuditFixture(t)

	for i := 0; i < 3; i++ {
		cycle, err := auditor.RunCycle(context.Background())
		require.NoError(t, err)
		require.Len(t, cycle.Reports, 1)
		if i > 0 {
			assert.Empty(t, cycle.Requests)
		}
	}
	require.Len(t, unlearner.calls, 1)
	assert.Len(t, unlearner.calls[0].hashes, 6)
	assert.Len(t, pub.events, 3)

	entries := append(lossAverseEntries("bad", 6), decision.Entry{Seq: 7, Decision: decision.Decision{
		AgentID:    "bad",
		Action:     "HOLD: wait",
		Confidence: 0.5,
		Impact:     decision.Impact{RiskScore: 0.1, ComplianceScore: 0.2},
		SampleHash: "bad-new",
	}})
	auditor.source = staticSource(entries)
	cycle, err := auditor.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, cycle.Requests, 1)
	require.Len(t, unlearner.calls, 2)
	assert.Equal(t, []string{"bad-new"}, unlearner.calls[1].hashes)
}

func TestAuditFlagsResetWhenScoreRecovers(t *testing.T) {
	auditor, fleet, _, _ := newAuditFixture(t)
	_, err := auditor.RunCycle(context.Background())
	require.NoError(t, err)

	fleet.mu.Lock()
	fleet.profiles[1].Stats = agent.Stats{SuccessRate: 1, DecisionsCount: 6}
	fleet.mu.Unlock()
	auditor.source = staticSource(nil)

	cycle, err := auditor.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, cycle.Scores[1].Flagged)
	assert.Zero(t, cycle.Scores[1].ConsecutiveFlags)
	assert.Empty(t, fleet.suspended)
}

func TestNewAuditorValidation(t *testing.T) {
	_, err := NewAuditor(AuditConfig{}, &fakeFleet{}, staticSource(nil), knowledge.NewPlaybook(nil, 0))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))
	_, err = NewAuditor(AuditConfig{Weights: Weights{Performance: 1}}, nil, staticSource(nil), knowledge.NewPlaybook(nil, 0))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}
