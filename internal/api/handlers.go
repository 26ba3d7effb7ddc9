package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"TreasuryMind-Chain/internal/attest"
	"TreasuryMind-Chain/internal/decision"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

func (s *Server) listAgents(c *gin.Context) {
	if s.deps.Fleet == nil {
		unavailable(c, "智能体注册表")
		return
	}
	c.JSON(http.StatusOK, s.deps.Fleet.Profiles())
}

func (s *Server) getAgent(c *gin.Context) {
	if s.deps.Fleet == nil {
		unavailable(c, "智能体注册表")
		return
	}
	p, err := s.deps.Fleet.Profile(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) lifecycle(op func(Fleet, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Fleet == nil {
			unavailable(c, "智能体注册表")
			return
		}
		id := c.Param("id")
		if err := op(s.deps.Fleet, id); err != nil {
			writeError(c, err)
			return
		}
		p, err := s.deps.Fleet.Profile(id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func (s *Server) listDecisions(c *gin.Context) {
	if s.deps.Decisions == nil {
		unavailable(c, "决策日志")
		return
	}
	q := decision.Query{AgentID: strings.TrimSpace(c.Query("agent_id")), Limit: defaultLimit}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit 必须是正整数")
			return
		}
		q.Limit = min(n, maxLimit)
	}
	if raw := c.Query("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(c, "after 必须是非负整数")
			return
		}
		q.After = n
	}
	entries, err := s.deps.Decisions.List(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) listRounds(c *gin.Context) {
	if s.deps.Federation == nil {
		unavailable(c, "联邦协调器")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"current": s.deps.Federation.Current(),
		"rounds":  s.deps.Federation.Rounds(),
	})
}

func (s *Server) listSlots(c *gin.Context) {
	if s.deps.Federation == nil {
		unavailable(c, "联邦协调器")
		return
	}
	c.JSON(http.StatusOK, s.deps.Federation.Slots())
}

type unlearningRequest struct {
	AgentID      string   `json:"agent_id" binding:"required"`
	SampleHashes []string `json:"sample_hashes" binding:"required,min=1"`
	Reason       string   `json:"reason"`
}

func (s *Server) createUnlearning(c *gin.Context) {
	if s.deps.Unlearning == nil {
		unavailable(c, "遗忘服务")
		return
	}
	var body unlearningRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "请求体解析失败: "+err.Error())
		return
	}
	id, err := s.deps.Unlearning.RequestUnlearning(c.Request.Context(), body.AgentID, body.SampleHashes, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "queued"})
}

func (s *Server) getUnlearning(c *gin.Context) {
	if s.deps.Unlearning == nil {
		unavailable(c, "遗忘服务")
		return
	}
	req, err := s.deps.Unlearning.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) listBiasReports(c *gin.Context) {
	if s.deps.Bias == nil {
		unavailable(c, "审计服务")
		return
	}
	c.JSON(http.StatusOK, s.deps.Bias.Reports())
}

func (s *Server) verifyProof(c *gin.Context) {
	if s.deps.Verifier == nil {
		unavailable(c, "证明服务")
		return
	}
	var proof attest.Proof
	if err := c.ShouldBindJSON(&proof); err != nil {
		// 无法解析的证明视为无效，而不是请求错误。
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": s.deps.Verifier.VerifyProof(&proof)})
}
