package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	xerrors "TreasuryMind-Chain/internal/errors"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 TREASURY_BIAS_PENALTY_FACTOR。
const EnvPrefix = "treasury"

// Config 描述了 treasuryd 在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Events      EventsConfig      `mapstructure:"events"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Agents      []AgentConfig     `mapstructure:"agents"`
	Inference   InferenceConfig   `mapstructure:"inference"`
	Bias        BiasConfig        `mapstructure:"bias"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Federated   FederatedConfig   `mapstructure:"federated"`
	Unlearning  UnlearningConfig  `mapstructure:"unlearning"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
}

// ServerConfig 控制 HTTP API 的监听地址。
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	OutputPaths []string    `mapstructure:"output_paths"`
	Audit       AuditConfig `mapstructure:"audit"`
}

// AuditConfig 控制审计日志输出。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// AlertingConfig 控制告警渠道，日志渠道始终启用。
type AlertingConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// StorageConfig 描述决策日志与联邦轮次历史的持久化后端。
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// EventsConfig 控制事件向外部系统的转发。
type EventsConfig struct {
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	Queue      string `mapstructure:"queue"`
	Prefetch   int    `mapstructure:"prefetch"`
	Durable    bool   `mapstructure:"durable"`
	AutoDelete bool   `mapstructure:"auto_delete"`
}

// SchedulerConfig 控制决策调度器的节拍与并发。
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Workers      int           `mapstructure:"workers"`
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	// TotalValue 等字段是外部未提供行情时使用的静态上下文。
	TotalValue string  `mapstructure:"total_value"`
	RiskScore  float64 `mapstructure:"risk_score"`
	Volatility float64 `mapstructure:"volatility"`
}

// AgentConfig 描述一个需要在启动时注册的智能体。
type AgentConfig struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Kind         string   `mapstructure:"kind"`
	Capabilities []string `mapstructure:"capabilities"`
	AutoStart    bool     `mapstructure:"auto_start"`
}

// InferenceConfig 配置决策推理所用的模型提供方。
type InferenceConfig struct {
	Provider       string        `mapstructure:"provider"`
	Timeout        time.Duration `mapstructure:"timeout"`
	DegradedFactor float64       `mapstructure:"degraded_factor"`
	OpenAI         OpenAIConfig  `mapstructure:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ResolveAPIKey 优先使用显式配置，其次读取指定环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	key := strings.TrimSpace(c.APIKey)
	if key == "" && c.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return key
}

// BiasConfig 控制偏差闸门的置信度折扣。
type BiasConfig struct {
	// PenaltyFactor 用于 confidence × (1 − severity × PenaltyFactor)。
	PenaltyFactor       float64 `mapstructure:"penalty_factor"`
	EscalationThreshold float64 `mapstructure:"escalation_threshold"`
}

// AttestationConfig 控制证明生成与验证。
type AttestationConfig struct {
	CircuitsFile    string        `mapstructure:"circuits_file"`
	DecisionCircuit string        `mapstructure:"decision_circuit"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	SigningKey      string        `mapstructure:"signing_key"`
}

// FederatedConfig 控制联邦学习轮次。
type FederatedConfig struct {
	Period   time.Duration `mapstructure:"period"`
	Deadline time.Duration `mapstructure:"deadline"`
	// Epsilon 为差分隐私预算，"inf" 表示关闭噪声。
	Epsilon      string  `mapstructure:"epsilon"`
	Quorum       int     `mapstructure:"quorum"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Seed         int64   `mapstructure:"seed"`
}

// EpsilonValue 解析隐私预算。
func (c FederatedConfig) EpsilonValue() (float64, error) {
	raw := strings.TrimSpace(strings.ToLower(c.Epsilon))
	switch raw {
	case "inf", "+inf", "infinity":
		return math.Inf(1), nil
	}
	var eps float64
	if _, err := fmt.Sscanf(raw, "%g", &eps); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("无法解析隐私预算 %q", c.Epsilon))
	}
	if eps <= 0 || math.IsNaN(eps) {
		return 0, xerrors.New(xerrors.CodeConfiguration, "隐私预算必须大于 0")
	}
	return eps, nil
}

// UnlearningConfig 控制遗忘请求的队列与成本估算。
type UnlearningConfig struct {
	Workers       int         `mapstructure:"workers"`
	CostPerSample float64     `mapstructure:"cost_per_sample"`
	Queue         QueueConfig `mapstructure:"queue"`
}

// QueueConfig 选择遗忘请求所用的队列实现。
type QueueConfig struct {
	Driver   string           `mapstructure:"driver"`
	Size     int              `mapstructure:"size"`
	Redis    RedisQueueConfig `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig   `mapstructure:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列参数。
type RedisQueueConfig struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Queue     string        `mapstructure:"queue"`
	BlockWait time.Duration `mapstructure:"block_wait"`
}

// SupervisorConfig 控制审计周期的评分与处置策略。
type SupervisorConfig struct {
	Period                time.Duration `mapstructure:"period"`
	Window                int           `mapstructure:"window"`
	Threshold             float64       `mapstructure:"threshold"`
	SuspendAfter          int           `mapstructure:"suspend_after"`
	MaxEscalations        int           `mapstructure:"max_escalations"`
	EscalationDiscount    float64       `mapstructure:"escalation_discount"`
	BiasSeverityThreshold float64       `mapstructure:"bias_severity_threshold"`
	PlaybookFile          string        `mapstructure:"playbook_file"`
	Weights               WeightsConfig `mapstructure:"weights"`
	Policy                PolicyConfig  `mapstructure:"policy"`
}

// WeightsConfig 是综合评分的各项权重。
type WeightsConfig struct {
	Performance float64 `mapstructure:"performance"`
	Security    float64 `mapstructure:"security"`
	Bias        float64 `mapstructure:"bias"`
	Compliance  float64 `mapstructure:"compliance"`
}

// PolicyConfig 是决策在证明前必须通过的安全策略。
type PolicyConfig struct {
	MinConfidence    float64 `mapstructure:"min_confidence"`
	MaxRiskScore     float64 `mapstructure:"max_risk_score"`
	MaxExposureRatio float64 `mapstructure:"max_exposure_ratio"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// Load 读取配置文件（yaml/json 均可），并叠加 TREASURY_ 前缀的环境变量。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
				return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("配置文件不存在: %s", path))
			}
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("events.rabbitmq.exchange", "treasury.events")

	v.SetDefault("scheduler.tick_interval", 5*time.Second)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.step_timeout", 45*time.Second)
	v.SetDefault("scheduler.total_value", "1000000")
	v.SetDefault("scheduler.risk_score", 0.35)
	v.SetDefault("scheduler.volatility", 0.3)

	v.SetDefault("inference.provider", "heuristic")
	v.SetDefault("inference.timeout", time.Second)
	v.SetDefault("inference.degraded_factor", 0.5)

	v.SetDefault("bias.penalty_factor", 0.2)
	v.SetDefault("bias.escalation_threshold", 0.7)

	v.SetDefault("attestation.decision_circuit", "decision_attestation")
	v.SetDefault("attestation.timeout", 30*time.Second)
	v.SetDefault("attestation.rate_limit", 50.0)
	v.SetDefault("attestation.burst", 10)

	v.SetDefault("federated.period", time.Minute)
	v.SetDefault("federated.deadline", 20*time.Second)
	v.SetDefault("federated.epsilon", "1.0")
	v.SetDefault("federated.quorum", 3)
	v.SetDefault("federated.learning_rate", 0.05)

	v.SetDefault("unlearning.workers", 2)
	v.SetDefault("unlearning.cost_per_sample", 0.25)
	v.SetDefault("unlearning.queue.driver", "memory")
	v.SetDefault("unlearning.queue.size", 256)

	v.SetDefault("supervisor.period", 30*time.Second)
	v.SetDefault("supervisor.window", 50)
	v.SetDefault("supervisor.threshold", 0.55)
	v.SetDefault("supervisor.suspend_after", 3)
	v.SetDefault("supervisor.max_escalations", 5)
	v.SetDefault("supervisor.escalation_discount", 0.5)
	v.SetDefault("supervisor.bias_severity_threshold", 0.6)
	v.SetDefault("supervisor.weights.performance", 0.3)
	v.SetDefault("supervisor.weights.security", 0.3)
	v.SetDefault("supervisor.weights.bias", 0.2)
	v.SetDefault("supervisor.weights.compliance", 0.2)
	v.SetDefault("supervisor.policy.min_confidence", 0.2)
	v.SetDefault("supervisor.policy.max_risk_score", 0.85)
	v.SetDefault("supervisor.policy.max_exposure_ratio", 0.25)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Attestation.CircuitsFile != "" && !filepath.IsAbs(c.Attestation.CircuitsFile) {
		c.Attestation.CircuitsFile = filepath.Join(baseDir, c.Attestation.CircuitsFile)
	}
	if c.Supervisor.PlaybookFile != "" && !filepath.IsAbs(c.Supervisor.PlaybookFile) {
		c.Supervisor.PlaybookFile = filepath.Join(baseDir, c.Supervisor.PlaybookFile)
	}

	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Runtime.DataDir, "treasury.db")
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	for i := range c.Agents {
		agent := &c.Agents[i]
		agent.Kind = strings.ToLower(strings.TrimSpace(agent.Kind))
		if agent.Name == "" {
			agent.Name = agent.ID
		}
	}
}

// Validate 检查跨字段约束，违反时返回 CONFIGURATION_ERROR。
func (c *Config) Validate() error {
	if c.Bias.PenaltyFactor <= 0 || c.Bias.PenaltyFactor > 1 {
		return xerrors.New(xerrors.CodeConfiguration, "bias.penalty_factor 必须位于 (0, 1]")
	}
	if c.Bias.EscalationThreshold < 0 || c.Bias.EscalationThreshold > 1 {
		return xerrors.New(xerrors.CodeConfiguration, "bias.escalation_threshold 必须位于 [0, 1]")
	}
	if c.Inference.DegradedFactor <= 0 || c.Inference.DegradedFactor > 1 {
		return xerrors.New(xerrors.CodeConfiguration, "inference.degraded_factor 必须位于 (0, 1]")
	}
	if c.Federated.Quorum <= 0 {
		return xerrors.New(xerrors.CodeConfiguration, "federated.quorum 必须显式配置为正整数")
	}
	if _, err := c.Federated.EpsilonValue(); err != nil {
		return err
	}
	if c.Scheduler.Workers <= 0 {
		return xerrors.New(xerrors.CodeConfiguration, "scheduler.workers 必须大于 0")
	}
	w := c.Supervisor.Weights
	if w.Performance < 0 || w.Security < 0 || w.Bias < 0 || w.Compliance < 0 {
		return xerrors.New(xerrors.CodeConfiguration, "supervisor.weights 不能为负数")
	}
	if w.Performance+w.Security+w.Bias+w.Compliance == 0 {
		return xerrors.New(xerrors.CodeConfiguration, "supervisor.weights 不能全部为 0")
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "mysql":
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的存储驱动: %s", c.Storage.Driver))
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "mysql 存储需要配置 storage.dsn")
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for _, agent := range c.Agents {
		if strings.TrimSpace(agent.ID) == "" {
			return xerrors.New(xerrors.CodeConfiguration, "agents[].id 不能为空")
		}
		if _, dup := seen[agent.ID]; dup {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("重复的智能体 ID: %s", agent.ID))
		}
		seen[agent.ID] = struct{}{}
		switch agent.Kind {
		case "trader", "compliance", "supervisor", "advisor":
		default:
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("智能体 %s 的类型未知: %q", agent.ID, agent.Kind))
		}
	}
	return nil
}
