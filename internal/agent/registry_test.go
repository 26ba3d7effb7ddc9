package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/inference"
)

func newFleet(t *testing.T) (*Registry, Agent, Agent) {
	t.Helper()
	provider := &stubProvider{res: inference.Result{Action: inference.ActionRebalance, Confidence: 0.9}}
	p := NewPipeline(provider, newAttestService(t))
	trader, err := New(Spec{ID: "t1", Kind: KindTrader}, p)
	require.NoError(t, err)
	advisor, err := New(Spec{ID: "a1", Kind: KindAdvisor}, p)
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Register(trader, true))
	require.NoError(t, r.Register(advisor, false))
	return r, trader, advisor
}

func TestRegistryLifecycle(t *testing.T) {
	r, trader, advisor := newFleet(t)

	err := r.Register(trader, false)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	assert.Equal(t, []Agent{trader}, r.Active())
	require.NoError(t, r.Start(advisor.ID()))
	assert.Equal(t, []Agent{trader, advisor}, r.Active())

	require.NoError(t, r.Pause(trader.ID()))
	status, _ := r.Status(trader.ID())
	assert.Equal(t, StatusIdle, status)

	require.NoError(t, r.Suspend(advisor.ID(), "bias"))
	err = r.Start(advisor.ID())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAgentSuspended))
	require.NoError(t, r.Pause(advisor.ID()))
	status, _ = r.Status(advisor.ID())
	assert.Equal(t, StatusSuspended, status)

	_, err = r.Get("missing")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	assert.True(t, xerrors.HasCode(r.Start("missing"), xerrors.CodeNotFound))
}

func TestRestartResetsStatsAndLeavesSuspension(t *testing.T) {
	r, trader, _ := newFleet(t)
	_, err := trader.MakeDecision(context.Background(), tickContext(0.3, 0.3))
	require.NoError(t, err)
	require.NoError(t, r.Suspend(trader.ID(), "escalations"))

	var restarted []string
	r.OnRestart(func(id string) { restarted = append(restarted, id) })

	require.NoError(t, r.Restart(trader.ID()))
	p, err := r.Profile(trader.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusActive, p.Status)
	assert.Zero(t, p.Stats.DecisionsCount)
	assert.Equal(t, []string{trader.ID()}, restarted)
}

func TestParticipantsExcludeSuspended(t *testing.T) {
	r, trader, advisor := newFleet(t)
	assert.Len(t, r.Participants(), 2)

	require.NoError(t, r.Suspend(trader.ID(), "test"))
	participants := r.Participants()
	require.Len(t, participants, 1)
	assert.Equal(t, advisor.ID(), participants[0].ParticipantID())
}

func TestRegistryRemoveSamples(t *testing.T) {
	r, trader, _ := newFleet(t)
	for _, risk := range []float64{0.1, 0.2, 0.3} {
		_, err := trader.MakeDecision(context.Background(), tickContext(risk, 0.3))
		require.NoError(t, err)
	}
	store := trader.(interface{ SampleHashes() []string })
	hashes := store.SampleHashes()
	require.Len(t, hashes, 3)

	removed, remaining, err := r.RemoveSamples(context.Background(), trader.ID(), []string{hashes[0], "0xdead"})
	require.NoError(t, err)
	assert.Equal(t, []string{hashes[0]}, removed)
	assert.Equal(t, 2, remaining)

	_, _, err = r.RemoveSamples(context.Background(), "missing", hashes)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestProfilesCarryStatus(t *testing.T) {
	r, _, _ := newFleet(t)
	profiles := r.Profiles()
	require.Len(t, profiles, 2)
	assert.Equal(t, StatusActive, profiles[0].Status)
	assert.Equal(t, StatusIdle, profiles[1].Status)
	assert.Equal(t, KindAdvisor, profiles[1].Kind)
	assert.Equal(t, "a1", profiles[1].Name)
}
