// Package scheduler 按固定节拍并发驱动各智能体的决策步骤，并把结果按完成顺序写入决策日志。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"TreasuryMind-Chain/internal/agent"
	"TreasuryMind-Chain/internal/decision"
	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/events"
	"TreasuryMind-Chain/pkg/logger"
)

const (
	defaultInterval    = 10 * time.Second
	defaultWorkers     = 4
	defaultStepTimeout = 45 * time.Second
)

// Appender 是决策日志的写入端。
type Appender interface {
	Append(ctx context.Context, d decision.Decision) (decision.Entry, error)
}

// Config 控制节拍与并发。
type Config struct {
	Interval    time.Duration
	Workers     int
	StepTimeout time.Duration
}

// StepError 记录一个智能体在某次节拍中的失败。
type StepError struct {
	AgentID string `json:"agent_id"`
	Err     string `json:"error"`
	Code    string `json:"code"`
}

// TickResult 汇总一次节拍。
type TickResult struct {
	Tick     uint64           `json:"tick"`
	Started  time.Time        `json:"started"`
	Duration time.Duration    `json:"duration"`
	Selected int              `json:"selected"`
	Appended []decision.Entry `json:"appended"`
	Skipped  []string         `json:"skipped"`
	Failures []StepError      `json:"failures"`
}

// Scheduler 驱动决策节拍。
type Scheduler struct {
	cfg       Config
	registry  *agent.Registry
	log       Appender
	source    ContextSource
	publisher events.Publisher
	logger    *slog.Logger

	mu   sync.Mutex
	tick uint64
	last *TickResult
}

// Option 配置 Scheduler。
type Option func(*Scheduler)

// WithPublisher 设置 decisionMade 事件的发布者。
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) {
		s.publisher = p
	}
}

// New 创建调度器。
func New(cfg Config, registry *agent.Registry, log Appender, source ContextSource, opts ...Option) (*Scheduler, error) {
	if registry == nil || log == nil || source == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调度器缺少注册表、决策日志或上下文源")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	s := &Scheduler{
		cfg:       cfg,
		registry:  registry,
		log:       log,
		source:    source,
		publisher: events.Nop{},
		logger:    logger.Named("scheduler"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.publisher = events.OrNop(s.publisher)
	return s, nil
}

// Start 激活智能体。
func (s *Scheduler) Start(id string) error { return s.registry.Start(id) }

// Pause 暂停智能体。
func (s *Scheduler) Pause(id string) error { return s.registry.Pause(id) }

// Restart 重置统计并重新激活，是离开 suspended 的唯一途径。
func (s *Scheduler) Restart(id string) error { return s.registry.Restart(id) }

type stepOutcome struct {
	agentID  string
	decision *decision.Decision
	err      error
}

// Tick 执行一次节拍。单个智能体的失败或 panic 不会中断其他智能体。
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	s.mu.Lock()
	s.tick++
	n := s.tick
	s.mu.Unlock()

	result := TickResult{Tick: n, Started: time.Now()}
	c, err := s.source.Current(ctx)
	if err != nil {
		return result, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "获取节拍上下文失败")
	}

	agents := s.registry.Active()
	result.Selected = len(agents)
	if len(agents) == 0 {
		s.remember(&result)
		return result, nil
	}

	outcomes := make(chan stepOutcome, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	// 单一收集者按完成顺序追加。
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for out := range outcomes {
			s.collect(ctx, &result, out)
		}
	}()

	for _, a := range agents {
		g.Go(func() error {
			outcomes <- s.step(gctx, a, c)
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)
	<-collected

	result.Duration = time.Since(result.Started)
	s.remember(&result)
	s.logger.Debug("节拍完成",
		slog.Uint64("tick", n),
		slog.Int("selected", result.Selected),
		slog.Int("appended", len(result.Appended)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Int("failed", len(result.Failures)),
		slog.Duration("duration", result.Duration))
	return result, nil
}

func (s *Scheduler) step(ctx context.Context, a agent.Agent, c decision.Context) (out stepOutcome) {
	out.agentID = a.ID()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("决策步骤 panic",
				slog.String("agent_id", out.agentID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			out.decision = nil
			out.err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("智能体 %s 决策时 panic: %v", out.agentID, r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()

	a.ProcessData(ctx, c)
	d, err := a.MakeDecision(ctx, c)
	out.decision = d
	out.err = err
	return out
}

func (s *Scheduler) collect(ctx context.Context, result *TickResult, out stepOutcome) {
	switch {
	case out.err != nil:
		s.logger.Warn("决策步骤失败",
			slog.String("agent_id", out.agentID),
			slog.String("code", string(xerrors.CodeOf(out.err))),
			slog.Any("error", out.err))
		result.Failures = append(result.Failures, StepError{
			AgentID: out.agentID,
			Err:     out.err.Error(),
			Code:    string(xerrors.CodeOf(out.err)),
		})
	case out.decision == nil:
		result.Skipped = append(result.Skipped, out.agentID)
	default:
		entry, err := s.log.Append(ctx, *out.decision)
		if err != nil {
			s.logger.Error("追加决策失败", slog.String("agent_id", out.agentID), slog.Any("error", err))
			result.Failures = append(result.Failures, StepError{
				AgentID: out.agentID,
				Err:     err.Error(),
				Code:    string(xerrors.CodeOf(err)),
			})
			return
		}
		result.Appended = append(result.Appended, entry)
		s.publisher.Publish(events.KindDecisionMade, "scheduler", events.DecisionMade{Entry: entry})
	}
}

func (s *Scheduler) remember(result *TickResult) {
	s.mu.Lock()
	cp := *result
	s.last = &cp
	s.mu.Unlock()
}

// Last 返回最近一次节拍的结果。
func (s *Scheduler) Last() (TickResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return TickResult{}, false
	}
	return *s.last, true
}

// Run 按固定间隔执行节拍，直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("调度器已启动",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("workers", s.cfg.Workers))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("调度器已停止")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Warn("节拍失败", slog.Any("error", err))
			}
		}
	}
}
