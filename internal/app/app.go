package app

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"Cerberus-Core/internal/agent"
	"Cerberus-Core/internal/api"
	"Cerberus-Core/internal/auth"
	"Cerberus-Core/internal/capability"
	"Cerberus-Core/internal/capability/gemini"
	"Cerberus-Core/internal/capability/openai"
	"Cerberus-Core/internal/capability/pythonbridge"
	"Cerberus-Core/internal/capability/rules"
	"Cerberus-Core/internal/config"
	"Cerberus-Core/internal/document"
	"Cerberus-Core/internal/engine"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/knowledge"
	"Cerberus-Core/internal/memory"
	"Cerberus-Core/internal/observability/alerting"
	"Cerberus-Core/internal/pipeline"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/request"
	"Cerberus-Core/internal/review"
	"Cerberus-Core/internal/router"
	"Cerberus-Core/internal/sink"
	"Cerberus-Core/internal/source"
	storage "Cerberus-Core/internal/storage/mysql"
	"Cerberus-Core/pkg/logger"
)

// App 持有按配置装配好的全部组件。
type App struct {
	Config    *config.Config
	Agents    *agent.Registry
	Backends  *capability.Registry
	Router    *router.Router
	Pipeline  *pipeline.Pipeline
	Engine    *engine.Engine
	Reviews   *review.Service
	Requests  *request.Service
	Processor *request.Processor
	Server    *api.Server
	Source    *source.FolderSource
	Sink      sink.Sink
	Memory    memory.Store
	Alerts    alerting.Dispatcher

	requestStore request.Store
	queue        request.Queue
	db           *sql.DB
	closers      []func() error
	log          *slog.Logger
}

// New 按配置创建并连接所有组件。失败时已创建的资源会被释放。
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置不能为空")
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化日志失败")
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建数据目录失败")
	}

	a = &App{Config: cfg, log: logger.Named("app")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Alerts = buildAlerts(cfg.Alerting)

	if a.Memory, err = a.openMemory(ctx); err != nil {
		return nil, err
	}
	ledger := record.NewLedger(a.Memory)

	if a.Backends, err = buildBackends(ctx, cfg.Backends); err != nil {
		return nil, err
	}
	if a.Router, err = buildRouter(a.Backends, a.Memory, cfg.Router); err != nil {
		return nil, err
	}

	if a.Sink, err = openSink(ctx, cfg.Sink); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Sink.Close)

	reviewStore, err := a.openReviewStore(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, reviewStore.Close)
	a.Reviews = review.NewService(reviewStore, ledger, review.WithSink(a.Sink), review.WithAlerts(a.Alerts))

	pipelineOpts := []pipeline.Option{pipeline.WithSink(a.Sink)}
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, err
		}
		pipelineOpts = append(pipelineOpts, pipeline.WithKnowledge(provider))
	}
	if a.Pipeline, err = pipeline.New(a.Router, ledger, a.Reviews, pipelineOpts...); err != nil {
		return nil, err
	}

	if a.Agents, err = agent.Load(cfg.AgentsDir); err != nil {
		return nil, err
	}
	applyThresholds(a.Agents, cfg.Pipeline)

	a.Engine, err = engine.New(a.Router,
		engine.WithConfig(engine.Config{
			MaxParallel: cfg.Engine.MaxParallel,
			MaxAttempts: cfg.Engine.MaxAttempts,
			BaseBackoff: cfg.Engine.BaseBackoff.Std(),
			MaxBackoff:  cfg.Engine.MaxBackoff.Std(),
			TaskTimeout: cfg.Engine.TaskTimeout.Std(),
		}),
		engine.WithPlanner(agent.NewPlanner(a.Agents)),
		engine.WithPipeline(a.Pipeline),
		engine.WithReviews(a.Reviews),
		engine.WithRecoveryHandler(engine.NewReviewRecovery(a.Reviews, ledger)),
		engine.WithAlertDispatcher(a.Alerts),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Source.Folder != "" {
		if a.Source, err = source.NewFolderSource(cfg.Source.Folder, cfg.Source.Extensions...); err != nil {
			return nil, err
		}
	}

	if a.requestStore, err = a.openRequestStore(ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.requestStore.Close)
	if a.queue, err = openQueue(ctx, cfg.Queue); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.queue.Close)

	a.Requests = request.NewService(a.requestStore, a.queue, cfg.Storage.Requests.MaxAttempts,
		request.WithAgentResolver(func(agentID string) error {
			_, err := a.Agents.Resolve(agentID)
			return err
		}),
	)
	processorOpts := []request.ProcessorOption{
		request.WithWorkerCount(cfg.Queue.Workers),
		request.WithAlertDispatcher(a.Alerts),
	}
	if a.Source != nil {
		processorOpts = append(processorOpts, request.WithLoader(a.Source))
	}
	a.Processor = request.NewProcessor(a.Engine, a.requestStore, a.queue, a.queue, processorOpts...)

	authSvc, err := buildAuth(cfg.Server.Auth)
	if err != nil {
		return nil, err
	}
	a.Server = api.NewServer(cfg.Server.Address, a.Requests, a.Reviews, a.Agents,
		api.WithTimeouts(cfg.Server.ReadHeaderTimeout.Std(), cfg.Server.ShutdownTimeout.Std()),
		api.WithAuth(authSvc))

	a.log.Info("组件装配完成",
		slog.Any("backends", a.Backends.Names()),
		slog.Int("agents", len(a.Agents.List())),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("sink", a.Sink.Name()),
	)
	return a, nil
}

// Run 同时运行 API 服务、请求处理器与目录监听，任一组件出错或 ctx 结束时全部退出。
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Server.Start(ctx); err != nil && !stdErrors.Is(err, http.ErrServerClosed) && !stdErrors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := a.Processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if a.Source != nil && a.Config.Source.Watch {
		g.Go(func() error { return a.Watch(ctx) })
	}
	return g.Wait()
}

// Watch 监听文档目录，为每个新文档提交一个请求。请求 ID 由内容哈希派生，重复写入同一文件不会重复提交。
func (a *App) Watch(ctx context.Context) error {
	if a.Source == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "未配置文档目录")
	}
	agentID := a.Config.Source.WatchAgent
	if agentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "监听目录需要配置 source.watch_agent")
	}
	return a.Source.Watch(ctx, func(ctx context.Context, doc *document.Document) error {
		req, err := a.Requests.Submit(ctx, request.Submission{
			ID:          "watch-" + doc.ID,
			AgentID:     agentID,
			Action:      a.Config.Source.WatchAction,
			Description: "处理新文档 " + doc.Name,
			Inputs:      []string{doc.Name},
		})
		if err != nil {
			return err
		}
		a.log.Info("目录新文档已提交", slog.String("request_id", req.ID), slog.String("document", doc.Name))
		return nil
	}, source.WithSettleDelay(a.Config.Source.SettleDelay.Std()))
}

// Close 按创建的逆序释放资源。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stdErrors.Join(errs...)
}

func (a *App) mysql(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := storage.Open(ctx, a.Config.Storage.MySQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *App) openMemory(ctx context.Context) (memory.Store, error) {
	cfg := a.Config.Storage
	var (
		store memory.Store
		err   error
	)
	switch strings.ToLower(cfg.Memory.Driver) {
	case "", "memory":
		store = memory.NewMemoryStore()
	case "redis":
		store, err = memory.NewRedisStore(ctx, memory.RedisConfig{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Prefix:     cfg.Redis.Prefix,
			MaxRetries: cfg.Redis.MaxRetries,
		})
	case "mysql":
		var db *sql.DB
		if db, err = a.mysql(ctx); err == nil {
			store, err = memory.NewMySQLStore(db)
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的记忆存储驱动: "+cfg.Memory.Driver)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *App) openReviewStore(ctx context.Context) (review.Store, error) {
	switch strings.ToLower(a.Config.Storage.Reviews.Driver) {
	case "", "memory":
		return review.NewMemoryStore(), nil
	case "mysql":
		db, err := a.mysql(ctx)
		if err != nil {
			return nil, err
		}
		return review.NewMySQLStore(db)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的复核存储驱动: "+a.Config.Storage.Reviews.Driver)
	}
}

func (a *App) openRequestStore(ctx context.Context) (request.Store, error) {
	switch strings.ToLower(a.Config.Storage.Requests.Driver) {
	case "", "memory":
		return request.NewMemoryStore(), nil
	case "mysql":
		db, err := a.mysql(ctx)
		if err != nil {
			return nil, err
		}
		return request.NewMySQLStore(db)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的请求存储驱动: "+a.Config.Storage.Requests.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (request.Queue, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return request.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return request.NewRedisQueue(ctx, request.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait.Std(),
		})
	case "rabbitmq":
		return request.NewRabbitMQQueue(request.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的队列驱动: "+cfg.Driver)
	}
}

func openSink(ctx context.Context, cfg config.SinkConfig) (sink.Sink, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return sink.NewMemorySink(), nil
	case "csv":
		return sink.NewCSVSink(cfg.Dir)
	case "sqlite":
		return sink.NewSQLiteSink(ctx, cfg.Path)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的写入目标: "+cfg.Driver)
	}
}

func buildBackends(ctx context.Context, cfg config.BackendsConfig) (*capability.Registry, error) {
	registry := capability.NewRegistry()
	if c := cfg.OpenAI; c != nil {
		if c.APIKey == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "openai 后端需要配置 api_key 或 api_key_env")
		}
		client, err := openai.NewClient(openai.Config{
			Name:      c.Name,
			APIKey:    c.APIKey,
			BaseURL:   c.BaseURL,
			Model:     c.Model,
			Timeout:   c.Timeout.Std(),
			CostPer1K: c.CostPer1K,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(client)
	}
	if c := cfg.Gemini; c != nil {
		if c.APIKey == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "gemini 后端需要配置 api_key 或 api_key_env")
		}
		client, err := gemini.NewClient(ctx, gemini.Config{
			Name:      c.Name,
			APIKey:    c.APIKey,
			Model:     c.Model,
			CostPer1K: c.CostPer1K,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(client)
	}
	if c := cfg.PythonBridge; c != nil {
		script := pythonbridge.ResolveScriptPath(c.WorkingDir, c.ScriptPath)
		client, err := pythonbridge.NewClient(c.Name, c.PythonExecutable, script, c.WorkingDir)
		if err != nil {
			return nil, err
		}
		registry.Register(client)
	}
	if c := cfg.Rules; c != nil {
		registry.Register(rules.New(c.Name, c.Keywords))
	}
	if len(registry.Names()) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "至少需要配置一个能力后端")
	}
	return registry, nil
}

// buildRouter 未配置候选时，每个能力类型按后端名称顺序使用全部已注册后端。
func buildRouter(backends *capability.Registry, store memory.Store, cfg config.RouterConfig) (*router.Router, error) {
	candidates := make(map[capability.Kind][]router.Candidate, len(capability.Kinds()))
	for raw, list := range cfg.Candidates {
		kind, err := capability.ParseKind(raw)
		if err != nil {
			return nil, err
		}
		for _, c := range list {
			candidates[kind] = append(candidates[kind], router.Candidate{
				Backend:     c.Backend,
				Model:       c.Model,
				Cost:        c.Cost,
				Latency:     c.Latency.Std(),
				Confidence:  c.Confidence,
				Temperature: c.Temperature,
				MaxTokens:   c.MaxTokens,
			})
		}
	}
	if len(candidates) == 0 {
		for _, kind := range capability.Kinds() {
			for _, name := range backends.Names() {
				candidates[kind] = append(candidates[kind], router.Candidate{Backend: name})
			}
		}
	}

	opts := []router.Option{
		router.WithMemoryStats(store, cfg.EMAAlpha),
		router.WithTimeout(cfg.Timeout.Std()),
		router.WithDefaultBudget(router.Budget{
			MaxCost:       cfg.DefaultBudget.MaxCost,
			MaxLatency:    cfg.DefaultBudget.MaxLatency.Std(),
			MinConfidence: cfg.DefaultBudget.MinConfidence,
		}),
	}
	for name, d := range cfg.BackendTimeouts {
		opts = append(opts, router.WithBackendTimeout(name, d.Std()))
	}
	for name, rl := range cfg.RateLimits {
		opts = append(opts, router.WithRateLimit(name, rl.PerSecond, rl.Burst))
	}
	return router.New(backends, candidates, opts...)
}

// applyThresholds 为没有声明阈值的智能体填入全局阈值。
func applyThresholds(registry *agent.Registry, cfg config.PipelineConfig) {
	for _, b := range registry.List() {
		if b.Thresholds.ClassifyMinConfidence <= 0 {
			b.Thresholds.ClassifyMinConfidence = cfg.ClassifyMinConfidence
		}
		if b.Thresholds.AcceptMinConfidence <= 0 {
			b.Thresholds.AcceptMinConfidence = cfg.AcceptMinConfidence
		}
	}
}

func buildAuth(cfg config.AuthConfig) (*auth.Service, error) {
	tokens := make([]auth.Token, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, auth.Token{
			Name:        t.Name,
			Token:       t.Token,
			Permissions: t.Permissions,
			Disabled:    t.Disabled,
		})
	}
	svc, err := auth.NewService(auth.Config{Tokens: tokens})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "API 令牌配置无效")
	}
	return svc, nil
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if c := cfg.Slack; c != nil {
		if url := webhookURL(c); url != "" {
			sender := &alerting.WebhookSender{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
			notifiers = append(notifiers, &alerting.SlackNotifier{Sender: sender.SlackSender(), ChannelID: c.Channel})
		}
	}
	if c := cfg.DingTalk; c != nil {
		if url := webhookURL(c); url != "" {
			notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: &alerting.WebhookSender{URL: url}})
		}
	}
	if c := cfg.Email; c != nil && c.Addr != "" && len(c.To) > 0 {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: &alerting.SMTPSender{
				Addr:     c.Addr,
				Username: c.Username,
				Password: os.Getenv(c.PasswordEnv),
				From:     c.From,
			},
			To:            c.To,
			SubjectPrefix: c.SubjectPrefix,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func webhookURL(c *config.WebhookConfig) string {
	if c.URL != "" {
		return c.URL
	}
	if c.URLEnv != "" {
		return strings.TrimSpace(os.Getenv(c.URLEnv))
	}
	return ""
}

