package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "Cerberus-Core/internal/errors"
	storage "Cerberus-Core/internal/storage/mysql"
	"Cerberus-Core/pkg/logger"
)

// Config 描述了 Cerberus 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Logging   logger.Config   `json:"logging" yaml:"logging"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Router    RouterConfig    `json:"router" yaml:"router"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Backends  BackendsConfig  `json:"backends" yaml:"backends"`
	Sink      SinkConfig      `json:"sink" yaml:"sink"`
	Source    SourceConfig    `json:"source" yaml:"source"`
	AgentsDir string          `json:"agents_dir" yaml:"agents_dir"`
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
}

// Duration 同时接受 "30s" 形式的字符串和秒数。
type Duration time.Duration

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	return d.parse(raw)
}

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

// MarshalJSON 以字符串形式输出。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("无法解析时长 %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address           string     `json:"address" yaml:"address"`
	ReadHeaderTimeout Duration   `json:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   Duration   `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Auth              AuthConfig `json:"auth" yaml:"auth"`
}

// AuthConfig 列出允许访问 API 的静态令牌，为空时不启用认证。
type AuthConfig struct {
	Tokens []APITokenConfig `json:"tokens" yaml:"tokens"`
}

// APITokenConfig 是一个 API 令牌及其权限。
type APITokenConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Token       string   `json:"token" yaml:"token"`
	TokenEnv    string   `json:"token_env" yaml:"token_env"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Disabled    bool     `json:"disabled" yaml:"disabled"`
}

// StorageConfig 选择各类状态的存储后端，并集中描述 MySQL 与 Redis 的连接信息。
type StorageConfig struct {
	// Memory 是路由统计与智能体记忆使用的键值存储: memory|redis|mysql。
	Memory   DriverConfig       `json:"memory" yaml:"memory"`
	Requests RequestStoreConfig `json:"requests" yaml:"requests"`
	Reviews  DriverConfig       `json:"reviews" yaml:"reviews"`
	MySQL    storage.Config     `json:"mysql" yaml:"mysql"`
	Redis    RedisConfig        `json:"redis" yaml:"redis"`
}

// DriverConfig 选择存储驱动。
type DriverConfig struct {
	Driver string `json:"driver" yaml:"driver"`
}

// RequestStoreConfig 选择请求存储驱动与重试次数。
type RequestStoreConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address     string `json:"address" yaml:"address"`
	Password    string `json:"password" yaml:"password"`
	PasswordEnv string `json:"password_env" yaml:"password_env"`
	DB          int    `json:"db" yaml:"db"`
	Prefix      string `json:"prefix" yaml:"prefix"`
	MaxRetries  int    `json:"max_retries" yaml:"max_retries"`
}

// QueueConfig 描述请求队列。
type QueueConfig struct {
	Driver   string              `json:"driver" yaml:"driver"`
	Workers  int                 `json:"workers" yaml:"workers"`
	Size     int                 `json:"size" yaml:"size"`
	Redis    RedisQueueConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueueConfig 是 Redis 队列参数，连接信息默认取 storage.redis。
type RedisQueueConfig struct {
	Address   string   `json:"address" yaml:"address"`
	Password  string   `json:"password" yaml:"password"`
	DB        int      `json:"db" yaml:"db"`
	Queue     string   `json:"queue" yaml:"queue"`
	BlockWait Duration `json:"block_wait" yaml:"block_wait"`
}

// RabbitMQQueueConfig 是 RabbitMQ 队列参数。
type RabbitMQQueueConfig struct {
	URL        string `json:"url" yaml:"url"`
	URLEnv     string `json:"url_env" yaml:"url_env"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// RouterConfig 描述各能力类型的候选后端与路由参数。
type RouterConfig struct {
	Candidates      map[string][]CandidateConfig `json:"candidates" yaml:"candidates"`
	EMAAlpha        float64                      `json:"ema_alpha" yaml:"ema_alpha"`
	Timeout         Duration                     `json:"timeout" yaml:"timeout"`
	DefaultBudget   BudgetConfig                 `json:"default_budget" yaml:"default_budget"`
	BackendTimeouts map[string]Duration          `json:"backend_timeouts" yaml:"backend_timeouts"`
	RateLimits      map[string]RateLimitConfig   `json:"rate_limits" yaml:"rate_limits"`
}

// CandidateConfig 是一个候选后端的先验表现。
type CandidateConfig struct {
	Backend     string   `json:"backend" yaml:"backend"`
	Model       string   `json:"model" yaml:"model"`
	Cost        float64  `json:"cost" yaml:"cost"`
	Latency     Duration `json:"latency" yaml:"latency"`
	Confidence  float64  `json:"confidence" yaml:"confidence"`
	Temperature float64  `json:"temperature" yaml:"temperature"`
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`
}

// BudgetConfig 是默认的成本、延迟与置信度约束。
type BudgetConfig struct {
	MaxCost       float64  `json:"max_cost" yaml:"max_cost"`
	MaxLatency    Duration `json:"max_latency" yaml:"max_latency"`
	MinConfidence float64  `json:"min_confidence" yaml:"min_confidence"`
}

// RateLimitConfig 是单个后端的令牌桶参数。
type RateLimitConfig struct {
	PerSecond float64 `json:"per_second" yaml:"per_second"`
	Burst     int     `json:"burst" yaml:"burst"`
}

// EngineConfig 是任务引擎的执行参数，零值使用引擎默认值。
type EngineConfig struct {
	MaxParallel int      `json:"max_parallel" yaml:"max_parallel"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseBackoff Duration `json:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  Duration `json:"max_backoff" yaml:"max_backoff"`
	TaskTimeout Duration `json:"task_timeout" yaml:"task_timeout"`
}

// PipelineConfig 是智能体未覆盖时使用的置信度阈值。
type PipelineConfig struct {
	ClassifyMinConfidence float64 `json:"classify_min_confidence" yaml:"classify_min_confidence"`
	AcceptMinConfidence   float64 `json:"accept_min_confidence" yaml:"accept_min_confidence"`
}

// BackendsConfig 描述可用的能力后端。
type BackendsConfig struct {
	OpenAI       *OpenAIConfig       `json:"openai" yaml:"openai"`
	Gemini       *GeminiConfig       `json:"gemini" yaml:"gemini"`
	PythonBridge *PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
	Rules        *RulesConfig        `json:"rules" yaml:"rules"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	Name      string   `json:"name" yaml:"name"`
	APIKey    string   `json:"api_key" yaml:"api_key"`
	APIKeyEnv string   `json:"api_key_env" yaml:"api_key_env"`
	BaseURL   string   `json:"base_url" yaml:"base_url"`
	Model     string   `json:"model" yaml:"model"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
	CostPer1K float64  `json:"cost_per_1k" yaml:"cost_per_1k"`
}

// GeminiConfig 描述 Gemini 后端。
type GeminiConfig struct {
	Name      string  `json:"name" yaml:"name"`
	APIKey    string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv string  `json:"api_key_env" yaml:"api_key_env"`
	Model     string  `json:"model" yaml:"model"`
	CostPer1K float64 `json:"cost_per_1k" yaml:"cost_per_1k"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	Name             string `json:"name" yaml:"name"`
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// RulesConfig 描述离线的关键词规则后端。
type RulesConfig struct {
	Name     string              `json:"name" yaml:"name"`
	Keywords map[string][]string `json:"keywords" yaml:"keywords"`
}

// SinkConfig 选择抽取记录的写入目标: memory|csv|sqlite。
type SinkConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Dir    string `json:"dir" yaml:"dir"`
	Path   string `json:"path" yaml:"path"`
}

// SourceConfig 描述文档来源目录。
type SourceConfig struct {
	Folder      string   `json:"folder" yaml:"folder"`
	Extensions  []string `json:"extensions" yaml:"extensions"`
	Watch       bool     `json:"watch" yaml:"watch"`
	SettleDelay Duration `json:"settle_delay" yaml:"settle_delay"`
	// WatchAgent 与 WatchAction 指定监听到新文档时提交给哪个智能体。
	WatchAgent  string `json:"watch_agent" yaml:"watch_agent"`
	WatchAction string `json:"watch_action" yaml:"watch_action"`
}

// KnowledgeConfig 描述静态知识库。
type KnowledgeConfig struct {
	Source     string `json:"source" yaml:"source"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// AlertingConfig 描述告警渠道，未配置的渠道不启用。
type AlertingConfig struct {
	Log      bool           `json:"log" yaml:"log"`
	Slack    *WebhookConfig `json:"slack" yaml:"slack"`
	DingTalk *WebhookConfig `json:"dingtalk" yaml:"dingtalk"`
	Email    *EmailConfig   `json:"email" yaml:"email"`
}

// WebhookConfig 是 webhook 渠道参数。
type WebhookConfig struct {
	URL     string `json:"url" yaml:"url"`
	URLEnv  string `json:"url_env" yaml:"url_env"`
	Channel string `json:"channel" yaml:"channel"`
}

// EmailConfig 是 SMTP 告警参数。
type EmailConfig struct {
	Addr          string   `json:"addr" yaml:"addr"`
	Username      string   `json:"username" yaml:"username"`
	PasswordEnv   string   `json:"password_env" yaml:"password_env"`
	From          string   `json:"from" yaml:"from"`
	To            []string `json:"to" yaml:"to"`
	SubjectPrefix string   `json:"subject_prefix" yaml:"subject_prefix"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 解析指定路径的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败: "+path)
	}
	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Parse 按扩展名解析配置内容，不填充默认值。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 YAML 配置失败")
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 JSON 配置失败")
		}
	}
	return &cfg, nil
}

// Default 返回未读取任何文件时的配置，相对路径基于 baseDir。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = Duration(5 * time.Second)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}

	for i := range c.Server.Auth.Tokens {
		t := &c.Server.Auth.Tokens[i]
		if t.Token == "" && t.TokenEnv != "" {
			t.Token = strings.TrimSpace(os.Getenv(t.TokenEnv))
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.Memory.Driver == "" {
		c.Storage.Memory.Driver = "memory"
	}
	if c.Storage.Requests.Driver == "" {
		c.Storage.Requests.Driver = "memory"
	}
	if c.Storage.Requests.MaxAttempts <= 0 {
		c.Storage.Requests.MaxAttempts = 3
	}
	if c.Storage.Reviews.Driver == "" {
		c.Storage.Reviews.Driver = "memory"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "cerberus:memory"
	}
	if c.Storage.Redis.Password == "" && c.Storage.Redis.PasswordEnv != "" {
		c.Storage.Redis.Password = os.Getenv(c.Storage.Redis.PasswordEnv)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	if c.Queue.Redis.Address == "" {
		c.Queue.Redis.Address = c.Storage.Redis.Address
		c.Queue.Redis.Password = c.Storage.Redis.Password
		c.Queue.Redis.DB = c.Storage.Redis.DB
	}
	if c.Queue.RabbitMQ.URL == "" && c.Queue.RabbitMQ.URLEnv != "" {
		c.Queue.RabbitMQ.URL = os.Getenv(c.Queue.RabbitMQ.URLEnv)
	}

	if c.Router.EMAAlpha <= 0 || c.Router.EMAAlpha > 1 {
		c.Router.EMAAlpha = 0.2
	}
	if c.Router.Timeout <= 0 {
		c.Router.Timeout = Duration(60 * time.Second)
	}

	if c.Pipeline.ClassifyMinConfidence <= 0 {
		c.Pipeline.ClassifyMinConfidence = 0.7
	}
	if c.Pipeline.AcceptMinConfidence <= 0 {
		c.Pipeline.AcceptMinConfidence = 0.8
	}

	b := &c.Backends
	if b.OpenAI == nil && b.Gemini == nil && b.PythonBridge == nil && b.Rules == nil {
		b.Rules = &RulesConfig{}
	}
	if b.OpenAI != nil {
		if b.OpenAI.Name == "" {
			b.OpenAI.Name = "openai"
		}
		if b.OpenAI.APIKey == "" && b.OpenAI.APIKeyEnv != "" {
			b.OpenAI.APIKey = strings.TrimSpace(os.Getenv(b.OpenAI.APIKeyEnv))
		}
	}
	if b.Gemini != nil {
		if b.Gemini.Name == "" {
			b.Gemini.Name = "gemini"
		}
		if b.Gemini.APIKey == "" && b.Gemini.APIKeyEnv != "" {
			b.Gemini.APIKey = strings.TrimSpace(os.Getenv(b.Gemini.APIKeyEnv))
		}
	}
	if p := b.PythonBridge; p != nil {
		if p.Name == "" {
			p.Name = "python_bridge"
		}
		if p.PythonExecutable == "" {
			p.PythonExecutable = "python3"
		}
		p.WorkingDir = resolve(baseDir, p.WorkingDir, baseDir)
	}
	if b.Rules != nil && b.Rules.Name == "" {
		b.Rules.Name = "rules"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))

	if c.Sink.Driver == "" {
		c.Sink.Driver = "memory"
	}
	c.Sink.Dir = resolve(baseDir, c.Sink.Dir, filepath.Join(c.Runtime.DataDir, "records"))
	c.Sink.Path = resolve(baseDir, c.Sink.Path, filepath.Join(c.Runtime.DataDir, "records.db"))

	if c.Source.Folder != "" {
		c.Source.Folder = resolve(baseDir, c.Source.Folder, "")
	}
	if c.Source.SettleDelay <= 0 {
		c.Source.SettleDelay = Duration(500 * time.Millisecond)
	}
	if c.AgentsDir != "" {
		c.AgentsDir = resolve(baseDir, c.AgentsDir, "")
	}
	if c.Knowledge.Source != "" {
		c.Knowledge.Source = resolve(baseDir, c.Knowledge.Source, "")
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// resolve 把相对路径转换为基于 baseDir 的路径，空值时返回 fallback。
func resolve(baseDir, path, fallback string) string {
	if path == "" {
		return fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
