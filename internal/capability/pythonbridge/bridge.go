package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"Cerberus-Core/internal/capability"
)

// Client 通过外部脚本执行能力调用：请求以 JSON 写入 stdin，结果从 stdout 读取。
type Client struct {
	name       string
	pythonExec string
	scriptPath string
	workingDir string
}

type bridgeRequest struct {
	Kind      capability.Kind   `json:"kind"`
	Payload   string            `json:"payload"`
	Params    capability.Params `json:"params"`
	Timestamp int64             `json:"timestamp"`
}

type bridgeResponse struct {
	Text       string                           `json:"text"`
	Label      string                           `json:"label"`
	Fields     map[string]capability.FieldValue `json:"fields"`
	Confidence *float64                         `json:"confidence"`
	Cost       float64                          `json:"cost"`
	Model      string                           `json:"model"`
	Error      string                           `json:"error"`
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(name, pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	if name == "" {
		name = "python"
	}
	return &Client{
		name:       name,
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Name 实现 capability.Backend。
func (c *Client) Name() string { return c.name }

// Invoke 调用外部脚本，并解析输出。
func (c *Client) Invoke(ctx context.Context, req capability.Request) (*capability.Result, error) {
	encoded, err := json.Marshal(bridgeRequest{
		Kind:      req.Kind,
		Payload:   req.Payload,
		Params:    req.Params,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return nil, capability.Failed(c.name, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return nil, capability.Failed(c.name, err, "Python 脚本执行失败: "+strings.TrimSpace(stderr.String()))
		}
		return nil, capability.Unavailable(c.name, err, "无法启动 Python 脚本")
	}

	var resp bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, capability.Failed(c.name, err, "解析 Python 输出失败")
	}
	if resp.Error != "" {
		return nil, capability.Failed(c.name, errors.New(resp.Error), "Python 脚本返回错误")
	}
	if req.Kind == capability.KindClassify && strings.TrimSpace(resp.Label) == "" {
		return nil, capability.Failed(c.name, capability.ErrMalformedOutput, "Python 脚本未返回分类标签")
	}

	confidence := capability.DefaultConfidence
	if resp.Confidence != nil {
		confidence = *resp.Confidence
	}
	return &capability.Result{
		Text:       resp.Text,
		Label:      strings.TrimSpace(resp.Label),
		Fields:     resp.Fields,
		Confidence: confidence,
		Cost:       resp.Cost,
		Model:      resp.Model,
	}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
