package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/federated"
	"TreasuryMind-Chain/internal/observability/metrics"
	"TreasuryMind-Chain/pkg/logger"
)

type member struct {
	agent  Agent
	status Status
	reason string
}

// Registry 持有全部智能体及其生命周期状态。
type Registry struct {
	mu        sync.RWMutex
	members   map[string]*member
	order     []string
	onRestart []func(id string)
	log       *slog.Logger
}

// NewRegistry 创建空的智能体注册表。
func NewRegistry() *Registry {
	return &Registry{members: make(map[string]*member), log: logger.Named("registry")}
}

// Register 加入智能体，autoStart 为 true 时直接激活。
func (r *Registry) Register(a Agent, autoStart bool) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[a.ID()]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("智能体 %s 已存在", a.ID()))
	}
	status := StatusIdle
	if autoStart {
		status = StatusActive
	}
	r.members[a.ID()] = &member{agent: a, status: status}
	r.order = append(r.order, a.ID())
	if s, ok := a.(*Supervisor); ok {
		s.observe(r)
	}
	return nil
}

// OnRestart 注册重启回调，用于清理与该智能体相关的外部计数。
func (r *Registry) OnRestart(fn func(id string)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRestart = append(r.onRestart, fn)
}

func (r *Registry) lookup(id string) (*member, error) {
	m, ok := r.members[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 不存在", id))
	}
	return m, nil
}

// Get 返回指定智能体。
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.agent, nil
}

// Status 返回智能体状态。
func (r *Registry) Status(id string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return m.status, nil
}

// Active 按注册顺序返回处于 active 状态的智能体。
func (r *Registry) Active() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		if m := r.members[id]; m.status == StatusActive {
			out = append(out, m.agent)
		}
	}
	return out
}

// Profiles 返回全部智能体描述。
func (r *Registry) Profiles() []Profile {
	r.mu.RLock()
	members := make([]member, 0, len(r.order))
	for _, id := range r.order {
		members = append(members, *r.members[id])
	}
	r.mu.RUnlock()

	out := make([]Profile, 0, len(members))
	for _, m := range members {
		p := m.agent.Profile()
		p.Status = m.status
		out = append(out, p)
	}
	return out
}

// Profile 返回单个智能体描述。
func (r *Registry) Profile(id string) (Profile, error) {
	r.mu.RLock()
	m, err := r.lookup(id)
	if err != nil {
		r.mu.RUnlock()
		return Profile{}, err
	}
	a, status := m.agent, m.status
	r.mu.RUnlock()

	p := a.Profile()
	p.Status = status
	return p, nil
}

// Start 激活智能体。已暂停（suspended）的智能体只能通过 Restart 恢复。
func (r *Registry) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.lookup(id)
	if err != nil {
		return err
	}
	if m.status == StatusSuspended {
		return xerrors.New(xerrors.CodeAgentSuspended, fmt.Sprintf("智能体 %s 已被暂停: %s", id, m.reason))
	}
	m.status = StatusActive
	logger.AgentAudit(id).Info("智能体启动")
	return nil
}

// Pause 让智能体回到 idle，不影响 suspended 状态。
func (r *Registry) Pause(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.lookup(id)
	if err != nil {
		return err
	}
	if m.status == StatusActive {
		m.status = StatusIdle
		logger.AgentAudit(id).Info("智能体暂停")
	}
	return nil
}

// Restart 重置统计并重新激活智能体，也是解除 suspended 的唯一途径。
func (r *Registry) Restart(id string) error {
	r.mu.Lock()
	m, err := r.lookup(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	m.status = StatusActive
	m.reason = ""
	a := m.agent
	hooks := append([]func(string){}, r.onRestart...)
	r.mu.Unlock()

	if resetter, ok := a.(StatsResetter); ok {
		resetter.ResetStats()
	}
	for _, fn := range hooks {
		fn(id)
	}
	logger.AgentAudit(id).Info("智能体重启")
	return nil
}

// Suspend 将智能体置为 suspended。
func (r *Registry) Suspend(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.lookup(id)
	if err != nil {
		return err
	}
	if m.status == StatusSuspended {
		return nil
	}
	m.status = StatusSuspended
	m.reason = reason
	metrics.AgentSuspensions.WithLabelValues(reason).Inc()
	logger.AgentAudit(id).Warn("智能体被暂停", slog.String("reason", reason))
	return nil
}

// RemoveSamples 从智能体本地训练集中删除样本，返回删除的哈希与剩余数量。
func (r *Registry) RemoveSamples(ctx context.Context, id string, hashes []string) ([]string, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	a, err := r.Get(id)
	if err != nil {
		return nil, 0, err
	}
	store, ok := a.(SampleStore)
	if !ok {
		return nil, 0, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("智能体 %s 不持有训练样本", id))
	}
	removed := store.RemoveSamples(hashes)
	return removed, store.SampleCount(), nil
}

// Participants 返回未被暂停、且持有本地模型的智能体。
func (r *Registry) Participants() []federated.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]federated.Participant, 0, len(r.order))
	for _, id := range r.order {
		m := r.members[id]
		if m.status == StatusSuspended {
			continue
		}
		if p, ok := m.agent.(federated.Participant); ok {
			out = append(out, p)
		}
	}
	return out
}

// Members 返回全部持有本地模型的智能体，暂停的也包括在内，
// 使其恢复后持有最新的全局模型。
func (r *Registry) Members() []federated.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]federated.Participant, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.members[id].agent.(federated.Participant); ok {
			out = append(out, p)
		}
	}
	return out
}

var (
	_ federated.ParticipantSource = (*Registry)(nil)
	_ federated.MemberSource      = (*Registry)(nil)
)
