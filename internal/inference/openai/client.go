package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"TreasuryMind-Chain/internal/decision"
	"TreasuryMind-Chain/internal/inference"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 10 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容接口获取决策建议。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ inference.Provider = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Infer 请求模型给出 {action, confidence, rationale} 结构的建议。
func (c *Client) Infer(ctx context.Context, req inference.Request) (*inference.Result, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	var structured struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return nil, fmt.Errorf("OpenAI 响应不是合法 JSON: %w", err)
	}
	action := strings.ToUpper(strings.TrimSpace(structured.Action))
	if action == "" {
		return nil, errors.New("OpenAI 响应缺少 action")
	}

	return &inference.Result{
		Action:     action,
		Confidence: decision.ClampConfidence(structured.Confidence),
		Rationale:  strings.TrimSpace(structured.Rationale),
		Score:      decision.ClampConfidence(structured.Confidence),
	}, nil
}

func (c *Client) buildPayload(req inference.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are a treasury risk analyst. " +
	"Always respond with a compact JSON object: " +
	"{\"action\": \"REBALANCE\"|\"HOLD\"|\"HEDGE\", \"confidence\": number between 0 and 1, \"rationale\": string}."

func buildUserPrompt(req inference.Request) string {
	var builder strings.Builder
	builder.WriteString("## 智能体\n")
	builder.WriteString(fmt.Sprintf("编号: %s\n类型: %s\n", req.AgentID, req.Kind))
	builder.WriteString("\n## 国库状态\n")
	builder.WriteString(fmt.Sprintf("总价值: %s\n", req.Context.TotalValue.String()))
	builder.WriteString(fmt.Sprintf("风险评分: %.4f\n", req.Context.RiskScore))
	builder.WriteString(fmt.Sprintf("波动率: %.4f\n", req.Context.Volatility))
	if len(req.Weights) > 0 {
		features := req.Features
		if len(features) == 0 {
			features = inference.Encode(req.Context)
		}
		builder.WriteString(fmt.Sprintf("\n本地模型评分: %.4f\n", inference.Score(req.Weights, features, req.Bias)))
	}
	builder.WriteString("\n请给出最合理的国库操作建议。")
	return builder.String()
}
