package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"Cerberus-Core/internal/capability"
)

const (
	defaultModelName = "gemini-1.5-flash"
	defaultName      = "gemini"
)

// Config 描述 Gemini 后端。
type Config struct {
	Name      string
	APIKey    string
	Model     string
	CostPer1K float64
}

type generator interface {
	GenerateContent(ctx context.Context, system string, kind capability.Kind, prompt string) (*genai.GenerateContentResponse, error)
}

// Client 基于 generative-ai-go 实现 capability.Backend。
type Client struct {
	name      string
	model     string
	costPer1K float64
	gen       generator
	closer    func() error
}

// NewClient 创建 Gemini 客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	gc, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return newClient(cfg, model, &sdkGenerator{client: gc, model: model}, gc.Close), nil
}

func newClient(cfg Config, model string, gen generator, closer func() error) *Client {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = defaultName
	}
	return &Client{name: name, model: model, costPer1K: cfg.CostPer1K, gen: gen, closer: closer}
}

// Name 实现 capability.Backend。
func (c *Client) Name() string { return c.name }

// Close 释放底层连接。
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// Invoke 调用 Gemini 并解析输出。
func (c *Client) Invoke(ctx context.Context, req capability.Request) (*capability.Result, error) {
	resp, err := c.gen.GenerateContent(ctx, capability.SystemPrompt(req.Kind), req.Kind, capability.UserPrompt(req))
	if err != nil {
		if permanent(err) {
			return nil, capability.Failed(c.name, err, "Gemini 返回错误")
		}
		return nil, capability.Unavailable(c.name, err, "请求 Gemini 失败")
	}
	text := firstText(resp)
	if text == "" {
		return nil, capability.Failed(c.name, nil, "Gemini 响应内容为空")
	}
	result, err := capability.ParseOutput(req.Kind, text)
	if err != nil {
		return nil, capability.Failed(c.name, err, "Gemini 输出格式不符合约定")
	}
	result.Model = c.model
	if resp.UsageMetadata != nil {
		result.Cost = float64(resp.UsageMetadata.TotalTokenCount) / 1000 * c.costPer1K
	}
	return result, nil
}

type sdkGenerator struct {
	client *genai.Client
	model  string
}

func (g *sdkGenerator) GenerateContent(ctx context.Context, system string, kind capability.Kind, prompt string) (*genai.GenerateContentResponse, error) {
	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	model.SetTemperature(0.2)
	if kind == capability.KindClassify || kind == capability.KindExtract {
		model.ResponseMIMEType = "application/json"
	}
	return model.GenerateContent(ctx, genai.Text(prompt))
}

func firstText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func permanent(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return false
	default:
		return apiErr.Code >= http.StatusBadRequest
	}
}
