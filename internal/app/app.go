// Package app 根据配置装配各个服务，并在同一个生命周期内运行它们。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"TreasuryMind-Chain/internal/agent"
	"TreasuryMind-Chain/internal/api"
	"TreasuryMind-Chain/internal/attest"
	"TreasuryMind-Chain/internal/bias"
	"TreasuryMind-Chain/internal/config"
	"TreasuryMind-Chain/internal/decision"
	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/events"
	"TreasuryMind-Chain/internal/events/amqpsink"
	"TreasuryMind-Chain/internal/federated"
	"TreasuryMind-Chain/internal/inference"
	"TreasuryMind-Chain/internal/inference/openai"
	"TreasuryMind-Chain/internal/knowledge"
	"TreasuryMind-Chain/internal/observability/alerting"
	"TreasuryMind-Chain/internal/scheduler"
	"TreasuryMind-Chain/internal/storage/sqlstore"
	"TreasuryMind-Chain/internal/supervisor"
	"TreasuryMind-Chain/internal/unlearning"
	"TreasuryMind-Chain/pkg/logger"
)

const validationSamples = 256

// App 持有全部已装配的服务。
type App struct {
	cfg *config.Config

	Bus         *events.Bus
	Log         *decision.Log
	Attest      *attest.Service
	Registry    *agent.Registry
	Policy      *supervisor.Policy
	Scheduler   *scheduler.Scheduler
	Coordinator *federated.Coordinator
	Unlearning  *unlearning.Service
	Auditor     *supervisor.Auditor
	Server      *api.Server

	store   *sqlstore.Store
	sink    *amqpsink.Sink
	closers []func() error
	logger  *slog.Logger
}

// New 按配置装配服务。失败时已创建的资源会被释放。
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger.Named("app")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Bus = events.NewBus()
	alerts := buildAlerts(cfg.Alerting)

	// 持久化。
	var persister decision.Persister
	var roundStore federated.RoundStore
	var requestStore unlearning.Store = unlearning.NewMemoryStore()
	if cfg.Storage.Driver != "memory" {
		if cfg.Storage.Driver == sqlstore.DriverSQLite {
			if err := os.MkdirAll(filepath.Dir(cfg.Storage.DSN), 0o755); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建数据目录失败")
			}
		}
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:          cfg.Storage.Driver,
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Storage.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		persister, roundStore, requestStore = store, store, store
	}

	a.Log = decision.NewLog(persister)
	if err := a.Log.Restore(ctx); err != nil {
		return nil, err
	}

	// 证明服务。
	backend, err := attest.NewECDSABackend(cfg.Attestation.SigningKey)
	if err != nil {
		return nil, err
	}
	circuits, err := attest.LoadCircuits(cfg.Attestation.CircuitsFile)
	if err != nil {
		return nil, err
	}
	circuitRegistry, err := attest.NewRegistry(backend, circuits...)
	if err != nil {
		return nil, err
	}
	a.Attest = attest.NewService(circuitRegistry, backend,
		attest.WithTimeout(cfg.Attestation.Timeout),
		attest.WithRateLimit(cfg.Attestation.RateLimit, cfg.Attestation.Burst),
		attest.WithPublisher(a.Bus))

	// 智能体与决策流水线。
	a.Registry = agent.NewRegistry()
	a.Policy = supervisor.NewPolicy(supervisor.PolicyConfig{
		MinConfidence:      cfg.Supervisor.Policy.MinConfidence,
		MaxRiskScore:       cfg.Supervisor.Policy.MaxRiskScore,
		MaxExposureRatio:   cfg.Supervisor.Policy.MaxExposureRatio,
		EscalationDiscount: cfg.Supervisor.EscalationDiscount,
		MaxEscalations:     cfg.Supervisor.MaxEscalations,
	}, a.Registry)

	provider, err := buildProvider(cfg.Inference)
	if err != nil {
		return nil, err
	}
	pipeline := agent.NewPipeline(provider, a.Attest,
		agent.WithBiasGate(bias.NewGate(bias.RuleClassifier{}, cfg.Bias.PenaltyFactor, cfg.Bias.EscalationThreshold,
			bias.WithPublisher(a.Bus))),
		agent.WithPolicy(a.Policy),
		agent.WithCircuit(cfg.Attestation.DecisionCircuit),
		agent.WithInferenceTimeout(cfg.Inference.Timeout),
		agent.WithDegradedFactor(cfg.Inference.DegradedFactor),
		agent.WithLearningRate(cfg.Federated.LearningRate))
	if err := registerAgents(a.Registry, pipeline, cfg.Agents); err != nil {
		return nil, err
	}

	// 调度器。
	total, err := decimal.NewFromString(strings.TrimSpace(cfg.Scheduler.TotalValue))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "scheduler.total_value 不是合法数值")
	}
	source := scheduler.NewStaticSource(total, cfg.Scheduler.RiskScore, cfg.Scheduler.Volatility)
	a.Scheduler, err = scheduler.New(scheduler.Config{
		Interval:    cfg.Scheduler.TickInterval,
		Workers:     cfg.Scheduler.Workers,
		StepTimeout: cfg.Scheduler.StepTimeout,
	}, a.Registry, a.Log, source, scheduler.WithPublisher(a.Bus))
	if err != nil {
		return nil, err
	}

	// 联邦学习。
	eps, err := cfg.Federated.EpsilonValue()
	if err != nil {
		return nil, err
	}
	seed := uint64(cfg.Federated.Seed)
	fedOpts := []federated.Option{
		federated.WithPublisher(a.Bus),
		federated.WithValidator(federated.NewSyntheticValidator(inference.FeatureDim, validationSamples, seed)),
	}
	if roundStore != nil {
		fedOpts = append(fedOpts, federated.WithRoundStore(roundStore))
	}
	a.Coordinator, err = federated.NewCoordinator(federated.Config{
		Epsilon:  eps,
		Quorum:   cfg.Federated.Quorum,
		Deadline: cfg.Federated.Deadline,
		Seed:     seed,
	}, a.Registry, federated.DefaultSlots(inference.FeatureDim), fedOpts...)
	if err != nil {
		return nil, err
	}

	// 数据遗忘。
	queue, err := buildQueue(ctx, cfg.Unlearning.Queue)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, queue.Close)
	a.Unlearning, err = unlearning.NewService(requestStore, queue, a.Registry,
		unlearning.WithCostPerSample(cfg.Unlearning.CostPerSample),
		unlearning.WithPublisher(a.Bus),
		unlearning.WithAlerts(alerts))
	if err != nil {
		return nil, err
	}

	// 审计。
	playbook, err := knowledge.LoadPlaybook(cfg.Supervisor.PlaybookFile, 3)
	if err != nil {
		return nil, err
	}
	a.Auditor, err = supervisor.NewAuditor(supervisor.AuditConfig{
		Window:                cfg.Supervisor.Window,
		Threshold:             cfg.Supervisor.Threshold,
		SuspendAfter:          cfg.Supervisor.SuspendAfter,
		BiasSeverityThreshold: cfg.Supervisor.BiasSeverityThreshold,
		Weights: supervisor.Weights{
			Performance: cfg.Supervisor.Weights.Performance,
			Security:    cfg.Supervisor.Weights.Security,
			Bias:        cfg.Supervisor.Weights.Bias,
			Compliance:  cfg.Supervisor.Weights.Compliance,
		},
	}, a.Registry, a.Log, playbook,
		supervisor.WithPublisher(a.Bus),
		supervisor.WithUnlearner(a.Unlearning))
	if err != nil {
		return nil, err
	}

	// 重启清空外部计数。
	a.Registry.OnRestart(a.Policy.Reset)
	a.Registry.OnRestart(a.Auditor.ResetFlags)

	// 事件外发。
	if cfg.Events.RabbitMQ.Enabled {
		sink, err := amqpsink.Dial(amqpsink.Config{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
			Durable:  cfg.Events.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接事件 RabbitMQ 失败")
		}
		a.sink = sink
		cancel := a.Bus.Subscribe("amqp", sink)
		a.closers = append(a.closers, func() error {
			cancel()
			return sink.Close()
		})
	}

	a.Server = api.NewServer(cfg.Server.Address, api.Deps{
		Fleet:      a.Registry,
		Decisions:  a.Log,
		Federation: a.Coordinator,
		Unlearning: a.Unlearning,
		Bias:       a.Auditor,
		Verifier:   a.Attest,
		Stream:     a.Bus,
	})

	a.logger.Info("服务装配完成",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Unlearning.Queue.Driver),
		slog.String("inference", cfg.Inference.Provider),
		slog.Int("agents", len(a.Registry.Profiles())),
		slog.Int("quorum", cfg.Federated.Quorum))
	return a, nil
}

// Run 并发运行调度器、联邦协调器、遗忘工作协程、审计器与 HTTP 服务，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Scheduler.Run(gctx) })
	g.Go(func() error { return a.Coordinator.Run(gctx, a.cfg.Federated.Period) })
	g.Go(func() error { return a.Unlearning.Start(gctx, a.cfg.Unlearning.Workers) })
	g.Go(func() error { return a.Auditor.Run(gctx, a.cfg.Supervisor.Period) })
	g.Go(func() error { return a.Server.Start(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close 按逆序释放资源并关闭事件总线。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.Bus != nil {
		a.Bus.Close()
	}
	return errors.Join(errs...)
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	return alerting.NewFanout(notifiers...)
}

func buildProvider(cfg config.InferenceConfig) (inference.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "heuristic":
		return inference.NewHeuristic(), nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAI.ResolveAPIKey(),
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的推理提供方: %s", cfg.Provider))
	}
}

func buildQueue(ctx context.Context, cfg config.QueueConfig) (unlearning.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return unlearning.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return unlearning.NewRedisQueue(ctx, unlearning.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait,
		})
	case "rabbitmq":
		return unlearning.NewRabbitMQQueue(unlearning.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的队列驱动: %s", cfg.Driver))
	}
}

// defaultFleet 在未配置智能体时使用，每种类型各一个。
var defaultFleet = []config.AgentConfig{
	{ID: "trader-1", Name: "Trader", Kind: "trader", AutoStart: true},
	{ID: "compliance-1", Name: "Compliance", Kind: "compliance", AutoStart: true},
	{ID: "advisor-1", Name: "Advisor", Kind: "advisor", AutoStart: true},
	{ID: "supervisor-1", Name: "Supervisor", Kind: "supervisor", AutoStart: true},
}

func registerAgents(registry *agent.Registry, pipeline *agent.Pipeline, specs []config.AgentConfig) error {
	if len(specs) == 0 {
		specs = defaultFleet
	}
	for _, spec := range specs {
		kind, err := agent.ParseKind(spec.Kind)
		if err != nil {
			return err
		}
		a, err := agent.New(agent.Spec{
			ID:           spec.ID,
			Name:         spec.Name,
			Kind:         kind,
			Capabilities: spec.Capabilities,
		}, pipeline)
		if err != nil {
			return err
		}
		if err := registry.Register(a, spec.AutoStart); err != nil {
			return err
		}
	}
	return nil
}

// Warmup 立即执行一次节拍，便于启动后尽快产生决策。
func (a *App) Warmup(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := a.Scheduler.Tick(ctx); err != nil {
		a.logger.Warn("预热节拍失败", slog.Any("error", err))
	}
}
