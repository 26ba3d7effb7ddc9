package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"TreasuryMind-Chain/internal/agent"
	"TreasuryMind-Chain/internal/attest"
	"TreasuryMind-Chain/internal/bias"
	"TreasuryMind-Chain/internal/decision"
	"TreasuryMind-Chain/internal/events"
	"TreasuryMind-Chain/internal/federated"
	"TreasuryMind-Chain/internal/unlearning"
	"TreasuryMind-Chain/pkg/logger"
)

// Fleet 是智能体查询与生命周期控制端。
type Fleet interface {
	Profiles() []agent.Profile
	Profile(id string) (agent.Profile, error)
	Start(id string) error
	Pause(id string) error
	Restart(id string) error
}

// Federation 暴露联邦学习的只读视图。
type Federation interface {
	Rounds() []federated.Round
	Slots() []federated.Slot
	Current() int
}

// Unlearning 是遗忘请求的入口。
type Unlearning interface {
	RequestUnlearning(ctx context.Context, agentID string, hashes []string, reason string) (string, error)
	Get(ctx context.Context, id string) (*unlearning.Request, error)
}

// BiasReports 提供审计周期产出的偏差报告。
type BiasReports interface {
	Reports() []bias.Report
}

// Verifier 校验证明。
type Verifier interface {
	VerifyProof(proof *attest.Proof) bool
}

// Stream 是事件流的订阅端。
type Stream interface {
	Subscribe(name string, handler events.Subscriber) (cancel func())
}

// Deps 汇总 API 依赖，未提供的依赖对应接口返回 503。
type Deps struct {
	Fleet      Fleet
	Decisions  decision.Reader
	Federation Federation
	Unlearning Unlearning
	Bias       BiasReports
	Verifier   Verifier
	Stream     Stream
}

// Server 负责暴露 HTTP 接口。
type Server struct {
	addr   string
	deps   Deps
	engine *gin.Engine
	logger *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	s := &Server{addr: addr, deps: deps, logger: logger.Named("api")}
	s.engine = s.routes()
	return s
}

// Handler 返回路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "treasuryd"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/agents", s.listAgents)
	v1.GET("/agents/:id", s.getAgent)
	v1.POST("/agents/:id/start", s.lifecycle(func(f Fleet, id string) error { return f.Start(id) }))
	v1.POST("/agents/:id/pause", s.lifecycle(func(f Fleet, id string) error { return f.Pause(id) }))
	v1.POST("/agents/:id/restart", s.lifecycle(func(f Fleet, id string) error { return f.Restart(id) }))
	v1.GET("/decisions", s.listDecisions)
	v1.GET("/federated/rounds", s.listRounds)
	v1.GET("/federated/slots", s.listSlots)
	v1.POST("/unlearning", s.createUnlearning)
	v1.GET("/unlearning/:id", s.getUnlearning)
	v1.GET("/bias/reports", s.listBiasReports)
	v1.POST("/proofs/verify", s.verifyProof)
	v1.GET("/events/stream", s.streamEvents)
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
