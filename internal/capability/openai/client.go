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

	"Cerberus-Core/internal/capability"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	defaultName      = "openai"
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	Name      string
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	CostPer1K float64
}

// Client 通过 HTTP 调用 OpenAI 兼容接口，实现 capability.Backend。
type Client struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	costPer1K  float64
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = defaultName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		name:      name,
		apiKey:    apiKey,
		baseURL:   baseURL,
		model:     model,
		costPer1K: cfg.CostPer1K,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name 实现 capability.Backend。
func (c *Client) Name() string { return c.name }

// Invoke 调用模型并把输出解析为结构化结果。
func (c *Client) Invoke(ctx context.Context, req capability.Request) (*capability.Result, error) {
	model := c.model
	if m := strings.TrimSpace(req.Params.Model); m != "" {
		model = m
	}
	payload, err := c.buildPayload(model, req)
	if err != nil {
		return nil, capability.Failed(c.name, err, "构建请求失败")
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, capability.Failed(c.name, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, capability.Unavailable(c.name, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if transientStatus(resp.StatusCode) {
			return nil, capability.Unavailable(c.name, cause, "OpenAI 暂时不可用")
		}
		return nil, capability.Failed(c.name, cause, "OpenAI 返回错误状态")
	}

	var decoded struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, capability.Failed(c.name, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, capability.Failed(c.name, nil, "OpenAI 响应中没有有效的 choices")
	}

	result, err := capability.ParseOutput(req.Kind, decoded.Choices[0].Message.Content)
	if err != nil {
		return nil, capability.Failed(c.name, err, "OpenAI 输出格式不符合约定")
	}
	result.Model = model
	if decoded.Model != "" {
		result.Model = decoded.Model
	}
	result.Cost = float64(decoded.Usage.TotalTokens) / 1000 * c.costPer1K
	return result, nil
}

func (c *Client) buildPayload(model string, req capability.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	temperature := req.Params.Temperature
	if temperature <= 0 {
		temperature = 0.2
	}
	body := map[string]any{
		"model": model,
		"messages": []message{
			{Role: "system", Content: capability.SystemPrompt(req.Kind)},
			{Role: "user", Content: capability.UserPrompt(req)},
		},
		"temperature": temperature,
	}
	if req.Params.MaxTokens > 0 {
		body["max_tokens"] = req.Params.MaxTokens
	}
	if req.Kind == capability.KindClassify || req.Kind == capability.KindExtract {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
