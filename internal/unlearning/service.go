package unlearning

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/events"
	"TreasuryMind-Chain/internal/observability/alerting"
	"TreasuryMind-Chain/internal/observability/metrics"
	"TreasuryMind-Chain/pkg/logger"
)

// maxAttempts 包含首次执行与一次重试。
const maxAttempts = 2

const republishTimeout = 5 * time.Second

// DataStore 从智能体本地样本集中移除样本。
type DataStore interface {
	RemoveSamples(ctx context.Context, agentID string, hashes []string) (removed []string, remaining int, err error)
}

// Service 接收遗忘请求并在工作协程中执行。
type Service struct {
	store         Store
	queue         Queue
	data          DataStore
	costPerSample float64
	publisher     events.Publisher
	alerts        alerting.Dispatcher
	clock         func() time.Time
	logger        *slog.Logger
}

// Option 配置 Service。
type Option func(*Service)

// WithCostPerSample 设置单个样本的重训练成本估算。
func WithCostPerSample(cost float64) Option {
	return func(s *Service) {
		if cost >= 0 {
			s.costPerSample = cost
		}
	}
}

// WithPublisher 设置 dataUnlearned 事件的发布者。
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithAlerts 设置终态失败时的告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Service) {
		s.alerts = d
	}
}

// WithClock 覆盖时间来源。
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService 构造遗忘服务。
func NewService(store Store, queue Queue, data DataStore, opts ...Option) (*Service, error) {
	if store == nil || queue == nil || data == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "遗忘服务缺少存储、队列或样本源")
	}
	s := &Service{
		store:         store,
		queue:         queue,
		data:          data,
		costPerSample: 1,
		publisher:     events.Nop{},
		clock:         time.Now,
		logger:        logger.Named("unlearning"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.publisher = events.OrNop(s.publisher)
	return s, nil
}

// RequestUnlearning 创建请求并异步入队，返回请求 ID。
func (s *Service) RequestUnlearning(ctx context.Context, agentID string, hashes []string, reason string) (string, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	hashes = normalizeHashes(hashes)
	if len(hashes) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个样本哈希")
	}

	req := &Request{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		SampleHashes: hashes,
		Reason:       strings.TrimSpace(reason),
		Status:       StatusQueued,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.store.Create(ctx, req); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存遗忘请求失败")
	}
	if err := s.queue.Publish(ctx, req.ID); err != nil {
		s.logger.Error("遗忘请求入队失败", slog.String("request_id", req.ID), slog.Any("error", err))
		req.Status = StatusFailed
		req.FailureReason = err.Error()
		_ = s.store.Save(ctx, req)
		metrics.UnlearningRequests.WithLabelValues(string(StatusFailed)).Inc()
		return "", err
	}
	s.logger.Info("遗忘请求已入队",
		slog.String("request_id", req.ID),
		slog.String("agent_id", agentID),
		slog.Int("samples", len(hashes)),
		slog.String("reason", req.Reason))
	return req.ID, nil
}

// Get 返回请求的当前状态。
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// List 返回最近的请求。
func (s *Service) List(ctx context.Context, limit int) ([]*Request, error) {
	return s.store.List(ctx, limit)
}

// Start 启动 workers 个消费者，直到 ctx 结束。
func (s *Service) Start(ctx context.Context, workers int) error {
	return s.queue.Consume(ctx, workers, s.handle)
}

// Close 关闭底层队列。
func (s *Service) Close() error {
	return s.queue.Close()
}

func (s *Service) handle(ctx context.Context, id string) error {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Warn("读取遗忘请求失败", slog.String("request_id", id), slog.Any("error", err))
		return err
	}
	if req.Status.Terminal() {
		return nil
	}

	req.Attempts++
	removed, remaining, err := s.data.RemoveSamples(ctx, req.AgentID, req.SampleHashes)
	if err != nil {
		return s.handleFailure(ctx, req, err)
	}

	now := s.clock().UTC()
	req.Status = StatusCompleted
	req.Removed = len(removed)
	req.RemovedHashes = removed
	req.Remaining = remaining
	req.CostEstimate = float64(len(removed)) * s.costPerSample
	req.Proof = Proof(req.AgentID, removed, now)
	req.FailureReason = ""
	req.CompletedAt = now
	if err := s.store.Save(ctx, req); err != nil {
		s.logger.Error("保存遗忘结果失败", slog.String("request_id", req.ID), slog.Any("error", err))
	}

	metrics.UnlearningRequests.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.UnlearnedSamples.Add(float64(req.Removed))
	s.publisher.Publish(events.KindDataUnlearned, "unlearning", events.DataUnlearned{
		RequestID:    req.ID,
		AgentID:      req.AgentID,
		RemovedCount: req.Removed,
	})
	logger.AgentAudit(req.AgentID).Info("数据遗忘完成",
		slog.String("request_id", req.ID),
		slog.Int("removed", req.Removed),
		slog.Int("remaining", remaining),
		slog.Float64("cost_estimate", req.CostEstimate),
		slog.String("proof", req.Proof),
		slog.String("reason", req.Reason))
	return nil
}

func (s *Service) handleFailure(ctx context.Context, req *Request, cause error) error {
	wrapped := xerrors.Wrap(xerrors.CodeUnlearningFailure, cause, "移除样本失败",
		xerrors.WithMetadata("agent_id", req.AgentID))
	req.FailureReason = cause.Error()

	if req.Attempts < maxAttempts {
		if err := s.store.Save(ctx, req); err != nil {
			s.logger.Error("保存遗忘请求失败", slog.String("request_id", req.ID), slog.Any("error", err))
		}
		s.logger.Warn("遗忘请求失败，准备重试",
			slog.String("request_id", req.ID),
			slog.Int("attempt", req.Attempts),
			slog.Any("error", cause))
		pubCtx, cancel := context.WithTimeout(ctx, republishTimeout)
		defer cancel()
		err := s.queue.Publish(pubCtx, req.ID)
		if err == nil {
			return wrapped
		}
		req.FailureReason = "重试入队失败: " + err.Error()
	}

	req.Status = StatusFailed
	req.CompletedAt = s.clock().UTC()
	if err := s.store.Save(ctx, req); err != nil {
		s.logger.Error("保存遗忘请求失败", slog.String("request_id", req.ID), slog.Any("error", err))
	}
	metrics.UnlearningRequests.WithLabelValues(string(StatusFailed)).Inc()
	logger.AgentAudit(req.AgentID).Error("数据遗忘失败",
		slog.String("request_id", req.ID),
		slog.Int("attempts", req.Attempts),
		slog.String("reason", req.FailureReason))

	event := alerting.FromError("unlearning", req.ID, wrapped, map[string]string{
		"agent_id": req.AgentID,
		"reason":   req.Reason,
	})
	event.Attempts = req.Attempts
	event.MaxRetries = maxAttempts - 1
	alerting.Emit(ctx, s.alerts, event)
	return wrapped
}

// Proof 计算 keccak256(agentID ∥ removed hashes ∥ timestamp)，timestamp 取 RFC3339Nano。
func Proof(agentID string, removed []string, at time.Time) string {
	parts := make([][]byte, 0, len(removed)+2)
	parts = append(parts, []byte(agentID))
	for _, h := range removed {
		parts = append(parts, []byte(h))
	}
	parts = append(parts, []byte(at.UTC().Format(time.RFC3339Nano)))
	return crypto.Keccak256Hash(parts...).Hex()
}

func normalizeHashes(hashes []string) []string {
	seen := make(map[string]struct{}, len(hashes))
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
