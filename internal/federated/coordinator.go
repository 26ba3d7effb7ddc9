package federated

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/events"
	"TreasuryMind-Chain/internal/observability/metrics"
	"TreasuryMind-Chain/pkg/logger"
)

const defaultDeadline = 20 * time.Second

// Participant 是提供本地更新并接收全局模型的一方。
type Participant interface {
	ParticipantID() string
	LocalUpdate(ctx context.Context) (map[Role]map[string]Tensor, error)
	ApplyGlobal(role Role, slot Slot)
}

// ParticipantSource 在每轮开始时给出参与者列表。
type ParticipantSource interface {
	Participants() []Participant
}

// MemberSource 是可选接口：返回接收全局下发的全部成员，
// 包括本轮不参与收集的成员。未实现时下发给本轮参与者。
type MemberSource interface {
	Members() []Participant
}

// StaticParticipants 是固定的参与者列表。
type StaticParticipants []Participant

// Participants 实现 ParticipantSource。
func (s StaticParticipants) Participants() []Participant { return s }

// RoundStore 持久化已完成的轮次。
type RoundStore interface {
	SaveRound(ctx context.Context, round Round) error
}

// Exclusion 记录被排除的贡献。
type Exclusion struct {
	ParticipantID string `json:"participant_id"`
	Role          Role   `json:"role"`
	Tensor        string `json:"tensor"`
	Reason        string `json:"reason"`
}

// Round 是一次完成的联邦轮次。
type Round struct {
	Number       int         `json:"number"`
	Responders   int         `json:"responders"`
	Participants int         `json:"participants"`
	Excluded     []Exclusion `json:"excluded,omitempty"`
	Accuracy     float64     `json:"accuracy"`
	Epsilon      float64     `json:"epsilon"`
	NoiseFree    bool        `json:"noise_free"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Config 控制聚合行为。
type Config struct {
	// Epsilon 为隐私预算，math.Inf(1) 表示不加噪声。
	Epsilon  float64
	Quorum   int
	Deadline time.Duration
	Seed     uint64
}

// Option 定制协调器。
type Option func(*Coordinator)

// WithPublisher 设置事件发布者。
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = events.OrNop(p) }
}

// WithRoundStore 设置轮次持久化。
func WithRoundStore(store RoundStore) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithValidator 替换准确率估计器。
func WithValidator(v Validator) Option {
	return func(c *Coordinator) { c.validator = v }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator 驱动联邦轮次并持有全局模型。
type Coordinator struct {
	cfg       Config
	source    ParticipantSource
	publisher events.Publisher
	store     RoundStore
	validator Validator
	now       func() time.Time
	rng       *rand.Rand
	log       *slog.Logger

	running atomic.Bool

	mu        sync.RWMutex
	global    map[Role]Slot
	round     int
	history   []Round
	snapshots map[int]map[Role]Slot
}

// NewCoordinator 以初始槽位创建协调器。
func NewCoordinator(cfg Config, source ParticipantSource, slots []Slot, opts ...Option) (*Coordinator, error) {
	if cfg.Quorum <= 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "联邦学习 quorum 必须为正整数")
	}
	if cfg.Epsilon <= 0 || math.IsNaN(cfg.Epsilon) {
		return nil, xerrors.New(xerrors.CodeConfiguration, "隐私预算必须大于 0")
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultDeadline
	}
	if source == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "缺少参与者来源")
	}
	if len(slots) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "至少需要一个模型槽位")
	}

	c := &Coordinator{
		cfg:       cfg,
		source:    source,
		publisher: events.Nop{},
		now:       time.Now,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		log:       logger.Named("federated"),
		global:    make(map[Role]Slot, len(slots)),
		snapshots: make(map[int]map[Role]Slot),
	}
	for _, s := range slots {
		if _, dup := c.global[s.Role]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("重复的模型槽位 %s", s.Role))
		}
		for name, t := range s.Tensors {
			if err := t.Validate(); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("槽位 %s 张量 %s 非法", s.Role, name))
			}
		}
		c.global[s.Role] = s.Clone()
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snapshots[0] = c.cloneGlobalLocked()
	return c, nil
}

type response struct {
	id      string
	update  map[Role]map[string]Tensor
	err     error
	ordinal int
}

// RunRound 执行一轮聚合。未达到 quorum 或超过截止时间时整轮放弃，全局模型保持不变。
func (c *Coordinator) RunRound(ctx context.Context) (Round, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Round{}, xerrors.New(xerrors.CodeConflict, "已有联邦轮次在进行")
	}
	defer c.running.Store(false)

	participants := c.source.Participants()
	responses, err := c.collect(ctx, participants)
	if err != nil {
		metrics.FederatedRounds.WithLabelValues("timeout").Inc()
		c.log.Warn("联邦轮次超时，放弃本轮", slog.Any("error", err))
		return Round{}, err
	}

	if len(responses) < c.cfg.Quorum {
		metrics.FederatedRounds.WithLabelValues("quorum_not_met").Inc()
		err := xerrors.New(xerrors.CodeQuorumNotMet,
			fmt.Sprintf("仅 %d 个参与者响应，quorum 为 %d", len(responses), c.cfg.Quorum))
		c.log.Warn("联邦轮次未达到 quorum", slog.Int("responders", len(responses)), slog.Int("quorum", c.cfg.Quorum))
		return Round{}, err
	}

	c.mu.RLock()
	base := c.cloneGlobalLocked()
	c.mu.RUnlock()

	aggregated, contributors, excluded := c.aggregate(base, responses)

	now := c.now()
	accuracy := 0.0
	scored := 0
	for role, slot := range aggregated {
		slot.LastTrained = now
		if c.validator != nil {
			if acc, ok := c.validator.Evaluate(slot); ok {
				slot.Accuracy = acc
				accuracy += acc
				scored++
			}
		}
		aggregated[role] = slot
	}
	if scored > 0 {
		accuracy /= float64(scored)
	}

	noiseFree := math.IsInf(c.cfg.Epsilon, 1)
	round := Round{
		Responders:   len(responses),
		Participants: contributors,
		Excluded:     excluded,
		Accuracy:     accuracy,
		NoiseFree:    noiseFree,
		Timestamp:    now,
	}
	if !noiseFree {
		round.Epsilon = c.cfg.Epsilon
	}

	c.mu.Lock()
	c.global = aggregated
	c.round++
	round.Number = c.round
	c.history = append(c.history, round)
	c.snapshots[round.Number] = c.cloneGlobalLocked()
	c.mu.Unlock()

	c.redistribute(c.targets(participants), aggregated)
	c.finish(ctx, round)
	return round, nil
}

func (c *Coordinator) collect(ctx context.Context, participants []Participant) ([]response, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	results := make(chan response, len(participants))
	for i, p := range participants {
		go func(ordinal int, p Participant) {
			update, err := p.LocalUpdate(cctx)
			results <- response{id: p.ParticipantID(), update: update, err: err, ordinal: ordinal}
		}(i, p)
	}

	var ok []response
	for received := 0; received < len(participants); received++ {
		select {
		case <-cctx.Done():
			if err := ctx.Err(); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "联邦轮次被取消")
			}
			return nil, xerrors.Wrap(xerrors.CodeTimeout, cctx.Err(),
				fmt.Sprintf("联邦轮次超过截止时间 %s", c.cfg.Deadline))
		case r := <-results:
			if r.err != nil {
				c.log.Warn("参与者未提供本地更新", slog.String("participant", r.id), slog.Any("error", r.err))
				continue
			}
			ok = append(ok, r)
		}
	}
	sort.Slice(ok, func(i, j int) bool { return ok[i].ordinal < ok[j].ordinal })
	return ok, nil
}

func (c *Coordinator) aggregate(base map[Role]Slot, responses []response) (map[Role]Slot, int, []Exclusion) {
	var excluded []Exclusion
	sums := make(map[Role]map[string][]float64, len(base))
	counts := make(map[Role]map[string]int, len(base))
	contributed := make(map[string]bool, len(responses))

	exclude := func(r response, role Role, name, reason string, err error) {
		excluded = append(excluded, Exclusion{ParticipantID: r.id, Role: role, Tensor: name, Reason: reason})
		metrics.FederatedExclusions.WithLabelValues(reason).Inc()
		c.log.Warn("排除联邦贡献",
			slog.String("participant", r.id),
			slog.String("role", string(role)),
			slog.String("tensor", name),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
	}

	for _, r := range responses {
		for _, role := range sortedRoles(r.update) {
			slot, known := base[role]
			for _, name := range sortedTensorNames(r.update[role]) {
				t := r.update[role][name]
				expected, ok := slot.Tensors[name]
				if !known || !ok {
					exclude(r, role, name, "unknown_slot",
						xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知模型槽位 %s/%s", role, name)))
					continue
				}
				if err := t.Validate(); err != nil {
					exclude(r, role, name, "shape_mismatch", err)
					continue
				}
				if !SameShape(t.Shape, expected.Shape) {
					exclude(r, role, name, "shape_mismatch", xerrors.New(xerrors.CodeShapeMismatch,
						fmt.Sprintf("期望形状 %v，实际 %v", expected.Shape, t.Shape)))
					continue
				}
				noisy := perturb(c.rng, t, c.cfg.Epsilon)
				if sums[role] == nil {
					sums[role] = make(map[string][]float64)
					counts[role] = make(map[string]int)
				}
				acc := sums[role][name]
				if acc == nil {
					acc = make([]float64, len(noisy.Values))
				}
				for i, v := range noisy.Values {
					acc[i] += v
				}
				sums[role][name] = acc
				counts[role][name]++
				contributed[r.id] = true
			}
		}
	}

	out := make(map[Role]Slot, len(base))
	for role, slot := range base {
		next := slot.Clone()
		for name, acc := range sums[role] {
			n := float64(counts[role][name])
			t := next.Tensors[name]
			for i := range acc {
				t.Values[i] = acc[i] / n
			}
			next.Tensors[name] = t
		}
		out[role] = next
	}
	return out, len(contributed), excluded
}

func (c *Coordinator) targets(participants []Participant) []Participant {
	if m, ok := c.source.(MemberSource); ok {
		return m.Members()
	}
	return participants
}

func (c *Coordinator) redistribute(participants []Participant, global map[Role]Slot) {
	for _, p := range participants {
		for role, slot := range global {
			p.ApplyGlobal(role, slot.Clone())
		}
	}
}

func (c *Coordinator) finish(ctx context.Context, round Round) {
	metrics.FederatedRounds.WithLabelValues("completed").Inc()
	metrics.FederatedAccuracy.Set(round.Accuracy)
	if c.store != nil {
		if err := c.store.SaveRound(ctx, round); err != nil {
			c.log.Error("持久化联邦轮次失败", slog.Int("round", round.Number), slog.Any("error", err))
		}
	}
	c.log.Info("联邦轮次完成",
		slog.Int("round", round.Number),
		slog.Int("participants", round.Participants),
		slog.Int("excluded", len(round.Excluded)),
		slog.Float64("accuracy", round.Accuracy))
	c.publisher.Publish(events.KindFederatedLearningComplete, "federated", events.FederatedLearningComplete{
		Round:        round.Number,
		Participants: round.Participants,
		Accuracy:     round.Accuracy,
	})
}

// Rollback 把全局模型恢复到指定轮次结束时的快照，并下发给所有参与者。
func (c *Coordinator) Rollback(number int) error {
	if !c.running.CompareAndSwap(false, true) {
		return xerrors.New(xerrors.CodeConflict, "联邦轮次进行中，无法回滚")
	}
	defer c.running.Store(false)

	c.mu.Lock()
	snap, ok := c.snapshots[number]
	if !ok {
		c.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("轮次 %d 不存在", number))
	}
	restored := make(map[Role]Slot, len(snap))
	for role, s := range snap {
		restored[role] = s.Clone()
	}
	c.global = restored
	c.mu.Unlock()

	c.redistribute(c.targets(c.source.Participants()), restored)
	logger.Audit().Info("联邦模型回滚", slog.Int("round", number))
	return nil
}

// Snapshot 返回最近一次完成轮次后的槽位副本。
func (c *Coordinator) Snapshot(role Role) (Slot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.global[role]
	if !ok {
		return Slot{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知模型槽位 %s", role))
	}
	return s.Clone(), nil
}

// Slots 返回全部全局槽位副本，按角色排序。
func (c *Coordinator) Slots() []Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Slot, 0, len(c.global))
	for _, s := range c.global {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// Rounds 返回历史轮次。
func (c *Coordinator) Rounds() []Round {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Round(nil), c.history...)
}

// Current 返回已完成的轮次数。
func (c *Coordinator) Current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.round
}

// Run 按周期执行轮次直到 ctx 结束。单轮失败不会终止循环。
func (c *Coordinator) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		return xerrors.New(xerrors.CodeConfiguration, "联邦学习周期必须大于 0")
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.RunRound(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("联邦轮次失败", slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
			}
		}
	}
}

func (c *Coordinator) cloneGlobalLocked() map[Role]Slot {
	out := make(map[Role]Slot, len(c.global))
	for role, s := range c.global {
		out[role] = s.Clone()
	}
	return out
}

func sortedRoles(m map[Role]map[string]Tensor) []Role {
	roles := make([]Role, 0, len(m))
	for r := range m {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func sortedTensorNames(m map[string]Tensor) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
