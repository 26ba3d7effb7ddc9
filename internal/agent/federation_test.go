package agent

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TreasuryMind-Chain/internal/federated"
	"TreasuryMind-Chain/internal/inference"
)

func mixedFleet(t *testing.T) (*Registry, map[Kind]Agent) {
	t.Helper()
	provider := &stubProvider{res: inference.Result{Action: inference.ActionRebalance, Confidence: 0.9}}
	p := NewPipeline(provider, newAttestService(t), WithLearningRate(0.5))
	r := NewRegistry()
	agents := make(map[Kind]Agent)
	for _, kind := range []Kind{KindTrader, KindCompliance, KindAdvisor, KindSupervisor} {
		a := mustNew(t, kind, p)
		require.NoError(t, r.Register(a, true))
		agents[kind] = a
	}
	return r, agents
}

func TestGlobalSlotMatchesSoleTrainedOwner(t *testing.T) {
	r, agents := mixedFleet(t)
	trader := agents[KindTrader].(*Trader)
	_, err := trader.MakeDecision(context.Background(), tickContext(0.3, 0.2))
	require.NoError(t, err)

	mirror := federated.NewLocalModel(federated.RoleTrader, inference.FeatureDim)
	require.Equal(t, 1, mirror.Train(trader.samples.Samples(), 0.5, time.Now()))
	want, _ := mirror.Linear()
	require.NotZero(t, want[0])

	for kind, a := range agents {
		update, err := a.(federated.Participant).LocalUpdate(context.Background())
		require.NoError(t, err)
		assert.Len(t, update, 1, "%s exports only its own role", kind)
	}
	trader.ApplyGlobal(federated.RoleTrader, federated.NewSlot(federated.RoleTrader, inference.FeatureDim))

	c, err := federated.NewCoordinator(federated.Config{Epsilon: math.Inf(1), Quorum: 1}, r,
		federated.DefaultSlots(inference.FeatureDim))
	require.NoError(t, err)
	round, err := c.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, round.Participants)

	global, err := c.Snapshot(federated.RoleTrader)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, global.Tensors[federated.TensorWeights].Values, 1e-12)

	compliance := agents[KindCompliance].(*Compliance)
	local, ok := compliance.model.Slot(federated.RoleTrader)
	require.True(t, ok)
	assert.InDeltaSlice(t, want, local.Tensors[federated.TensorWeights].Values, 1e-12)
}

func TestSuspendedAgentReceivesGlobalModel(t *testing.T) {
	r, agents := mixedFleet(t)
	trader := agents[KindTrader].(*Trader)
	_, err := trader.MakeDecision(context.Background(), tickContext(0.3, 0.2))
	require.NoError(t, err)

	advisor := agents[KindAdvisor].(*Advisor)
	require.NoError(t, r.Suspend(advisor.ID(), "audit"))
	assert.Len(t, r.Participants(), 3)
	assert.Len(t, r.Members(), 4)

	c, err := federated.NewCoordinator(federated.Config{Epsilon: math.Inf(1), Quorum: 1}, r,
		federated.DefaultSlots(inference.FeatureDim))
	require.NoError(t, err)
	round, err := c.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, round.Responders)

	global, err := c.Snapshot(federated.RoleTrader)
	require.NoError(t, err)
	local, ok := advisor.model.Slot(federated.RoleTrader)
	require.True(t, ok)
	assert.Equal(t, global.Tensors[federated.TensorWeights].Values, local.Tensors[federated.TensorWeights].Values)
	assert.NotZero(t, local.Tensors[federated.TensorWeights].Values[0])
}
